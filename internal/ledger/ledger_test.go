package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/storage"
)

func newTestLedger() *Ledger {
	return New(storage.NewMemory(), time.Second, zerolog.Nop())
}

func record(t *testing.T, l *Ledger, amount string, scopes ...string) Entry {
	t.Helper()
	e, err := l.Record(context.Background(), Entry{
		WalletID:  "w1",
		Scopes:    scopes,
		Recipient: "0xabc",
		Amount:    decimal.RequireFromString(amount),
	})
	if err != nil {
		t.Fatalf("Record 失败: %v", err)
	}
	return e
}

func TestRecordAssignsIdentity(t *testing.T) {
	l := newTestLedger()
	first := record(t, l, "1", "wallet:w1")
	second := record(t, l, "2", "wallet:w1")

	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("应生成唯一 ID: %s / %s", first.ID, second.ID)
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("序号应递增: %d -> %d", first.Seq, second.Seq)
	}
	if first.Status != StatusPending || first.Currency != "USDC" || first.Type != TypePayment {
		t.Fatalf("默认字段不正确: %+v", first)
	}
	got, err := l.Get(context.Background(), first.ID)
	if err != nil || !got.Amount.Equal(first.Amount) {
		t.Fatalf("Get 返回 %+v, %v", got, err)
	}
}

func TestFinalizeOnce(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	e := record(t, l, "5", "wallet:w1")

	done, err := l.Complete(ctx, e.ID, "0xtx")
	if err != nil {
		t.Fatalf("Complete 失败: %v", err)
	}
	if done.Status != StatusCompleted || done.TxRef != "0xtx" {
		t.Fatalf("完成状态不正确: %+v", done)
	}
	if _, err := l.Fail(ctx, e.ID, "late"); !errors.Is(err, ErrEntryFinalized) {
		t.Fatalf("重复终结应返回 ErrEntryFinalized, 实际 %v", err)
	}
	if _, err := l.Cancel(ctx, e.ID, "late"); !errors.Is(err, ErrEntryFinalized) {
		t.Fatalf("重复终结应返回 ErrEntryFinalized, 实际 %v", err)
	}
	if _, err := l.Complete(ctx, "missing", ""); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("未知条目应返回 ErrEntryNotFound, 实际 %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		record(t, l, fmt.Sprint(i), "wallet:w1", "group:g1")
	}
	record(t, l, "100", "wallet:w2", "group:g1")

	page, err := l.History(ctx, "wallet:w1", 2, 0)
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	if len(page) != 2 || page[0].Amount.String() != "5" || page[1].Amount.String() != "4" {
		t.Fatalf("第一页应为 5,4: %+v", page)
	}
	page, _ = l.History(ctx, "wallet:w1", 2, 4)
	if len(page) != 1 || page[0].Amount.String() != "1" {
		t.Fatalf("最后一页应只有 1: %+v", page)
	}
	if page, _ := l.History(ctx, "wallet:w1", 2, 10); len(page) != 0 {
		t.Fatalf("超出范围应返回空页")
	}
	group, _ := l.History(ctx, "group:g1", 10, 0)
	if len(group) != 6 || group[0].Amount.String() != "100" {
		t.Fatalf("组历史应包含所有成员条目: %d", len(group))
	}
}

func TestTotalSpentCountsCompletedOnly(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	a := record(t, l, "10", "wallet:w1")
	b := record(t, l, "20", "wallet:w1")
	c := record(t, l, "30", "wallet:w1")
	record(t, l, "40", "wallet:w1")

	_, _ = l.Complete(ctx, a.ID, "tx-a")
	_, _ = l.Fail(ctx, b.ID, "boom")
	_, _ = l.Complete(ctx, c.ID, "tx-c")

	total, err := l.TotalSpent(ctx, "wallet:w1")
	if err != nil {
		t.Fatalf("TotalSpent 失败: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("期望 40, 实际 %s", total)
	}
	if total, _ := l.TotalSpent(ctx, "wallet:nobody"); !total.IsZero() {
		t.Fatalf("空 scope 应为 0")
	}
}
