package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/config"
	"spendguard/internal/guard"
	"spendguard/internal/ledger"
	"spendguard/internal/service"
	"spendguard/internal/storage"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.Backend = config.BackendMemory
	cfg.Kernel.LockTimeout = time.Second
	cfg.Kernel.ConfirmTimeout = time.Second
	cfg.Intents.DefaultTTL = time.Minute
	cfg.Intents.MaxTTL = time.Hour
	cfg.Intents.SweepInterval = time.Minute
	cfg.Provider.Kind = config.ProviderDryRun
	cfg.Export.MaxDataPoints = 100

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestPayPrintsResult(t *testing.T) {
	a, out := testApp(t)
	req := service.PayRequest{WalletID: "w1", Recipient: "0xabc", Amount: decimal.NewFromInt(3)}
	if err := a.Pay(context.Background(), req); err != nil {
		t.Fatalf("Pay 失败: %v", err)
	}
	if !strings.Contains(out.String(), `"status": "completed"`) {
		t.Fatalf("输出应包含 completed 条目: %s", out.String())
	}
}

func TestSimulatePrintsVerdicts(t *testing.T) {
	a, out := testApp(t)
	req := service.PayRequest{WalletID: "w1", Recipient: "0xabc", Amount: decimal.NewFromInt(3)}
	if err := a.Simulate(context.Background(), req); err != nil {
		t.Fatalf("Simulate 失败: %v", err)
	}
	if !strings.Contains(out.String(), "result: allowed") {
		t.Fatalf("输出不正确: %s", out.String())
	}
}

func TestApplyGuardsFromFile(t *testing.T) {
	a, out := testApp(t)
	path := filepath.Join(t.TempDir(), "guards.yaml")
	body := "guards:\n  - name: daily\n    kind: budget\n    params: {daily_limit: \"100\"}\n  - name: cap\n    kind: single_tx\n    params: {max_amount: 25}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	if err := a.ApplyGuards(context.Background(), "wallet:w1", path); err != nil {
		t.Fatalf("ApplyGuards 失败: %v", err)
	}
	for _, want := range []string{"daily", "budget", "daily_limit=100", "cap", "single_tx"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("输出应包含 %q: %s", want, out.String())
		}
	}

	if err := a.ApplyGuards(context.Background(), "bogus:x", path); err == nil {
		t.Fatal("非法 scope 应报错")
	}
}

func TestAttachGuardRejectsInvalid(t *testing.T) {
	a, _ := testApp(t)
	def := guard.Definition{Name: "x", Kind: "budget", Params: map[string]any{"weekly_limit": 5}}
	if err := a.AttachGuard(context.Background(), "w1", def); !errors.Is(err, guard.ErrInvalidConfig) {
		t.Fatalf("未知参数应返回 ErrInvalidConfig, 实际 %v", err)
	}
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := testApp(t)
	if err := a.Export(context.Background(), ExportOptions{Scope: "w1"}); err == nil {
		t.Fatal("未指定 --csv/--png 应报错")
	}
}

func seedLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l := ledger.New(storage.NewMemory(), time.Second, zerolog.Nop())
	for i, amount := range []string{"10", "2.5", "7", "1"} {
		e, err := l.Record(ctx, ledger.Entry{
			WalletID:  "w1",
			Scopes:    []string{"wallet:w1"},
			Recipient: "0xabc",
			Amount:    decimal.RequireFromString(amount),
		})
		if err != nil {
			t.Fatalf("记录账本失败: %v", err)
		}
		if i == 2 {
			if _, err := l.Fail(ctx, e.ID, "provider down"); err != nil {
				t.Fatalf("标记失败出错: %v", err)
			}
			continue
		}
		if _, err := l.Complete(ctx, e.ID, "tx"+amount); err != nil {
			t.Fatalf("标记完成出错: %v", err)
		}
	}
	return l
}

func TestCollectSpendAndCSV(t *testing.T) {
	l := seedLedger(t)
	now := time.Now().UTC()
	points, err := collectSpend(context.Background(), l, "wallet:w1", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("collectSpend 失败: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("应只包含 3 笔已完成支付, 实际 %d", len(points))
	}
	if !points[2].Cumulative.Equal(decimal.RequireFromString("13.5")) {
		t.Fatalf("累计支出应为 13.5, 实际 %s", points[2].Cumulative)
	}

	none, _ := collectSpend(context.Background(), l, "wallet:w1", now.Add(time.Hour), now.Add(2*time.Hour))
	if len(none) != 0 {
		t.Fatalf("窗口外不应有数据, 实际 %d", len(none))
	}

	path := filepath.Join(t.TempDir(), "out", "spend.csv")
	if err := writeSpendCSV(path, points); err != nil {
		t.Fatalf("writeSpendCSV 失败: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(rows) != 4 || rows[3][5] != "13.500000" {
		t.Fatalf("CSV 内容不正确: %v", rows)
	}
}

func TestWriteSpendPNG(t *testing.T) {
	l := seedLedger(t)
	now := time.Now().UTC()
	points, _ := collectSpend(context.Background(), l, "wallet:w1", now.Add(-time.Hour), now.Add(time.Hour))
	for i := range points {
		points[i].At = now.Add(time.Duration(i) * time.Minute)
	}

	path := filepath.Join(t.TempDir(), "spend.png")
	if err := writeSpendPNG(path, "wallet:w1", points); err != nil {
		t.Fatalf("writeSpendPNG 失败: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Fatalf("PNG 文件应非空: %v", err)
	}
	if err := writeSpendPNG(path, "wallet:w1", points[:1]); err == nil {
		t.Fatal("单个数据点应报错")
	}
}

func TestDownsamplePoints(t *testing.T) {
	points := make([]spendPoint, 10)
	for i := range points {
		points[i].EntryID = string(rune('a' + i))
	}
	got := downsamplePoints(points, 4)
	if len(got) != 4 || got[0].EntryID != "a" || got[3].EntryID != "j" {
		t.Fatalf("降采样结果不正确: %+v", got)
	}
	if len(downsamplePoints(points, 0)) != 10 {
		t.Fatal("max<=0 不应降采样")
	}
}
