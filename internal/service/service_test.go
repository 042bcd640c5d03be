package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/alerting"
	"spendguard/internal/config"
	"spendguard/internal/guard"
	"spendguard/internal/intent"
	"spendguard/internal/kernel"
	"spendguard/internal/ledger"
	"spendguard/internal/provider"
	"spendguard/internal/storage"
)

type stubNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (s *stubNotifier) Notify(_ context.Context, n alerting.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	return nil
}

type failingTransferer struct{}

func (failingTransferer) Transfer(context.Context, provider.Transfer) (provider.TransferResult, error) {
	return provider.TransferResult{ID: "t1", State: provider.StateFailed}, nil
}

type harness struct {
	svc      *Service
	kernel   *kernel.Kernel
	dryrun   *provider.DryRun
	notifier *stubNotifier
}

func newHarness(t *testing.T, transferer provider.Transferer) *harness {
	t.Helper()
	backend := storage.NewMemory()
	k := kernel.New(backend, ledger.New(backend, time.Second, zerolog.Nop()), kernel.Options{LockTimeout: time.Second}, zerolog.Nop())
	d := provider.NewDryRun(zerolog.Nop())
	if transferer == nil {
		transferer = d
	}
	n := &stubNotifier{}
	cfg := &config.Config{}
	cfg.Alerting.Enabled = true
	cfg.Alerting.Channels = []string{"telegram"}
	cfg.Intents.SweepInterval = time.Minute

	intents := intent.NewManager(k, backend, transferer, d, intent.Options{}, zerolog.Nop())
	svc := New(cfg, Deps{Kernel: k, Transferer: transferer, Balances: d, Intents: intents, Notifier: n}, zerolog.Nop())

	cfgGuard, err := guard.New("daily", guard.KindBudget, map[string]any{"daily_limit": 100})
	if err != nil {
		t.Fatalf("构造 guard 失败: %v", err)
	}
	if _, err := k.AttachGuard(context.Background(), kernel.WalletScope("w1"), cfgGuard); err != nil {
		t.Fatalf("AttachGuard 失败: %v", err)
	}
	return &harness{svc: svc, kernel: k, dryrun: d, notifier: n}
}

func pay(amount string) PayRequest {
	return PayRequest{WalletID: "w1", Recipient: "0xabc", Amount: decimal.RequireFromString(amount)}
}

func TestPaySuccess(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Pay(context.Background(), pay("40"))
	if err != nil {
		t.Fatalf("支付应成功: %v", err)
	}
	if !res.Commit.Allowed || res.Entry == nil || res.Transfer == nil {
		t.Fatalf("结果字段缺失: %+v", res)
	}
	if res.Entry.Status != ledger.StatusCompleted || res.Entry.TxRef != res.Transfer.Ref() {
		t.Fatalf("账本条目应为 completed 且带 tx_ref: %+v", res.Entry)
	}
	total, _ := h.kernel.Ledger().TotalSpent(context.Background(), "wallet:w1")
	if !total.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("已完成支出应为 40, 实际 %s", total)
	}
	if len(h.notifier.notes) != 0 {
		t.Fatal("成功支付不应告警")
	}
}

func TestPayDeniedAlerts(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Pay(context.Background(), pay("150"))
	if !errors.Is(err, guard.ErrBudgetExceeded) || !kernel.IsDenied(err) {
		t.Fatalf("超出预算应返回 DeniedError, 实际 %v", err)
	}
	if res.Commit.Allowed || res.Commit.FailedGuard != "daily" {
		t.Fatalf("拒绝结果不正确: %+v", res.Commit)
	}
	if len(h.notifier.notes) != 1 {
		t.Fatalf("应发送 1 条告警, 实际 %d", len(h.notifier.notes))
	}
	note := h.notifier.notes[0]
	if note.Code != string(guard.CodeBudgetExceeded) || note.Guard != "daily" || note.WalletID != "w1" {
		t.Fatalf("告警内容不正确: %+v", note)
	}
}

func TestPayInsufficientBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.dryrun.SetBalance("w1", decimal.NewFromInt(10))

	res, err := h.svc.Pay(context.Background(), pay("20"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("应返回 ErrInsufficientBalance, 实际 %v", err)
	}
	if res.Entry == nil || res.Entry.Status != ledger.StatusFailed {
		t.Fatalf("账本条目应为 failed: %+v", res.Entry)
	}
	// the committed spend still counts against the budget
	if _, err := h.svc.Pay(context.Background(), pay("90")); !errors.Is(err, guard.ErrBudgetExceeded) {
		t.Fatalf("失败的执行仍应占用预算, 实际 %v", err)
	}
}

func TestPayProviderFailure(t *testing.T) {
	h := newHarness(t, failingTransferer{})
	res, err := h.svc.Pay(context.Background(), pay("5"))
	if err == nil {
		t.Fatal("provider 返回 FAILED 应报错")
	}
	if kernel.IsDenied(err) {
		t.Fatal("执行失败不应被视为拒绝")
	}
	if res.Entry == nil || res.Entry.Status != ledger.StatusFailed || res.Entry.Error == "" {
		t.Fatalf("账本条目应记录失败原因: %+v", res.Entry)
	}
}

func TestCreateIntentDeniedAlerts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.CreateIntent(ctx, intent.CreateRequest{WalletID: "w1", Recipient: "r", Amount: decimal.NewFromInt(60)}); err != nil {
		t.Fatalf("创建 intent 失败: %v", err)
	}
	if _, err := h.svc.CreateIntent(ctx, intent.CreateRequest{WalletID: "w1", Recipient: "r", Amount: decimal.NewFromInt(60)}); !kernel.IsDenied(err) {
		t.Fatalf("第二个 intent 应被拒绝, 实际 %v", err)
	}
	if len(h.notifier.notes) != 1 {
		t.Fatalf("应发送 1 条告警, 实际 %d", len(h.notifier.notes))
	}
}

func TestSimulateHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.svc.Simulate(context.Background(), pay("80"))
	if err != nil || !res.Allowed {
		t.Fatalf("模拟应允许: %+v %v", res, err)
	}
	if _, err := h.svc.Pay(context.Background(), pay("80")); err != nil {
		t.Fatalf("模拟不应占用预算: %v", err)
	}
}

func TestRunWithoutScheduler(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.svc.Run(context.Background()); err == nil {
		t.Fatal("缺少 scheduler 应报错")
	}
	if err := h.svc.SweepIntents(context.Background(), time.Now()); err != nil {
		t.Fatalf("SweepIntents 失败: %v", err)
	}
	if err := h.svc.Purge(context.Background(), time.Now()); err != nil {
		t.Fatalf("无 purger 时 Purge 应为空操作: %v", err)
	}
}
