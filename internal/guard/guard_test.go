package guard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 3, 10, 14, 30, 15, 0, time.UTC)

func mustNew(t *testing.T, name string, kind Kind, params map[string]any) Config {
	t.Helper()
	cfg, err := New(name, kind, params)
	if err != nil {
		t.Fatalf("构造 guard %s 失败: %v", name, err)
	}
	return cfg
}

func attempt(amount string, recipient string) Attempt {
	return Attempt{ID: "a1", Recipient: recipient, Amount: decimal.RequireFromString(amount), At: testNow}
}

// snapshotAfter applies mutations to a snapshot, as a commit would.
func snapshotAfter(snap Snapshot, muts []Mutation) Snapshot {
	if snap.Counters == nil {
		snap.Counters = map[string]int64{}
	}
	for _, m := range muts {
		snap.Counters[m.Key] += m.Delta
	}
	return snap
}

func TestBudgetDeniesWhenWindowWouldOverflow(t *testing.T) {
	cfg := mustNew(t, "daily", KindBudget, map[string]any{"daily_limit": "100"})
	snap := Snapshot{}

	first := attempt("50", "0x1")
	if v := cfg.Evaluate("wallet:w1", first, snap); !v.Allowed {
		t.Fatalf("首笔 50 应通过: %+v", v)
	}
	snap = snapshotAfter(snap, cfg.CommitEffect("wallet:w1", first))

	v := cfg.Evaluate("wallet:w1", attempt("60", "0x1"), snap)
	if v.Allowed || v.Code != CodeBudgetExceeded {
		t.Fatalf("累计 110 应触发 BudgetExceeded: %+v", v)
	}
	if v := cfg.Evaluate("wallet:w1", attempt("50", "0x1"), snap); !v.Allowed {
		t.Fatalf("恰好等于限额应通过: %+v", v)
	}
}

func TestBudgetLargeAmountsDoNotWrap(t *testing.T) {
	cfg := mustNew(t, "total", KindBudget, map[string]any{"total_limit": "9000000000000"})
	key := CounterKey("wallet:w1", "total", MetricSpent, WindowLifetime, testNow)
	snap := Snapshot{Counters: map[string]int64{key: 5_000_000_000_000_000_000}}

	v := cfg.Evaluate("wallet:w1", attempt("5000000000000", "x"), snap)
	if v.Allowed || v.Code != CodeBudgetExceeded {
		t.Fatalf("累计超出总限额应被拒绝, 不能因溢出而通过: %+v", v)
	}
	if v := cfg.Evaluate("wallet:w1", attempt("4000000000000", "x"), snap); !v.Allowed {
		t.Fatalf("恰好等于总限额应通过: %+v", v)
	}
}

func TestBudgetReportsTightestLimit(t *testing.T) {
	cfg := mustNew(t, "multi", KindBudget, map[string]any{
		"hourly_limit": 20,
		"daily_limit":  "50",
		"total_limit":  1000.5,
	})
	v := cfg.Evaluate("wallet:w1", attempt("60", "x"), Snapshot{})
	if v.Allowed {
		t.Fatal("超过小时和日限额应被拒绝")
	}
	if !strings.Contains(v.Reason, "hourly limit 20") {
		t.Fatalf("应报告最严格的限额, 实际 %q", v.Reason)
	}
}

func TestBudgetCountersAreWindowBucketed(t *testing.T) {
	cfg := mustNew(t, "b", KindBudget, map[string]any{"hourly_limit": "10", "total_limit": "100"})
	muts := cfg.CommitEffect("group:g1", attempt("1.5", "x"))
	if len(muts) != 2 {
		t.Fatalf("期望 2 个变更, 实际 %d", len(muts))
	}
	hour := muts[0]
	if hour.Delta != 1_500_000 {
		t.Fatalf("金额应转换为最小单位, 实际 %d", hour.Delta)
	}
	wantKey := "ctr:group:g1:b:spent:hour:" + "1741615200"
	if hour.Key != wantKey {
		t.Fatalf("计数器键不正确: %s, 期望 %s", hour.Key, wantKey)
	}
	if hour.TTL != time.Hour || !hour.WindowEnd.Equal(time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("窗口 TTL 或结束时间不正确: %+v", hour)
	}
	life := muts[1]
	if life.Key != "ctr:group:g1:b:spent:lifetime" || life.TTL != 0 || !life.WindowEnd.IsZero() {
		t.Fatalf("lifetime 计数器不应有 TTL: %+v", life)
	}
	if !life.Live(testNow.Add(1000*time.Hour)) || hour.Live(testNow.Add(time.Hour)) {
		t.Fatal("Live 判断不正确")
	}
}

func TestRateLimitCountsAttempts(t *testing.T) {
	cfg := mustNew(t, "rl", KindRateLimit, map[string]any{"max_per_minute": 2})
	snap := Snapshot{}
	for i := 0; i < 2; i++ {
		a := attempt("1", "x")
		if v := cfg.Evaluate("wallet:w1", a, snap); !v.Allowed {
			t.Fatalf("第 %d 次应通过: %+v", i+1, v)
		}
		snap = snapshotAfter(snap, cfg.CommitEffect("wallet:w1", a))
	}
	v := cfg.Evaluate("wallet:w1", attempt("0.000001", "x"), snap)
	if v.Allowed || v.Code != CodeRateLimitExceeded {
		t.Fatalf("第三次应触发 RateLimitExceeded: %+v", v)
	}

	next := attempt("1", "x")
	next.At = testNow.Add(time.Minute)
	if v := cfg.Evaluate("wallet:w1", next, snap); !v.Allowed {
		t.Fatalf("下一分钟应重新计数: %+v", v)
	}
}

func TestSingleTxBounds(t *testing.T) {
	cfg := mustNew(t, "tx", KindSingleTx, map[string]any{"min_amount": "1", "max_amount": "60"})
	cases := []struct {
		amount string
		ok     bool
	}{
		{"0.5", false},
		{"1", true},
		{"60", true},
		{"70", false},
	}
	for _, tc := range cases {
		v := cfg.Evaluate("wallet:w1", attempt(tc.amount, "x"), Snapshot{})
		if v.Allowed != tc.ok {
			t.Fatalf("金额 %s 期望 allowed=%v, 实际 %+v", tc.amount, tc.ok, v)
		}
		if !tc.ok && v.Code != CodeAmountOutOfRange {
			t.Fatalf("应返回 AmountOutOfRange, 实际 %s", v.Code)
		}
	}
	if muts := cfg.CommitEffect("wallet:w1", attempt("5", "x")); len(muts) != 0 {
		t.Fatalf("SingleTx 不应产生计数器变更")
	}
}

func TestRecipientWhitelistDomains(t *testing.T) {
	cfg := mustNew(t, "rcpt", KindRecipient, map[string]any{"mode": "whitelist", "domains": []string{"a.com"}})
	cases := []struct {
		recipient string
		ok        bool
	}{
		{"https://b.com/x", false},
		{"https://a.com/x", true},
		{"https://api.a.com/pay", true},
		{"a.com/x", true},
		{"https://nota.com/x", false},
		{"0x0000000000000000000000000000000000000001", false},
	}
	for _, tc := range cases {
		v := cfg.Evaluate("wallet:w1", attempt("1", tc.recipient), Snapshot{})
		if v.Allowed != tc.ok {
			t.Fatalf("%s 期望 allowed=%v, 实际 %+v", tc.recipient, tc.ok, v)
		}
		if !tc.ok && v.Code != CodeRecipientNotAllowed {
			t.Fatalf("应返回 RecipientNotAllowed, 实际 %s", v.Code)
		}
	}
}

func TestRecipientBlacklistAddressesAndPatterns(t *testing.T) {
	cfg := mustNew(t, "block", KindRecipient, map[string]any{
		"mode":      "blacklist",
		"addresses": []any{"0xde0b295669a9fd93d5f28d9ec85e40f4cb697bae"},
		"patterns":  []any{`^0xdead`},
	})
	blocked := []string{
		"0xDE0B295669A9FD93D5F28D9EC85E40F4CB697BAE",
		"0xde0B295669a9FD93d5F28D9Ec85E40f4cb697BAe",
		"0xdeadbeef00000000000000000000000000000000",
	}
	for _, r := range blocked {
		v := cfg.Evaluate("wallet:w1", attempt("1", r), Snapshot{})
		if v.Allowed || v.Code != CodeRecipientBlocked {
			t.Fatalf("%s 应被拦截: %+v", r, v)
		}
	}
	if v := cfg.Evaluate("wallet:w1", attempt("1", "0x1111111111111111111111111111111111111111"), Snapshot{}); !v.Allowed {
		t.Fatalf("未列出的地址应通过: %+v", v)
	}
}

func TestConfirmRequiresApproval(t *testing.T) {
	cfg := mustNew(t, "confirm", KindConfirm, map[string]any{"threshold": "100"})
	if v := cfg.Evaluate("wallet:w1", attempt("99.99", "x"), Snapshot{}); !v.Allowed {
		t.Fatalf("低于阈值应通过: %+v", v)
	}
	v := cfg.Evaluate("wallet:w1", attempt("100", "x"), Snapshot{})
	if v.Allowed || v.Code != CodeConfirmationRequired {
		t.Fatalf("达到阈值且未批准应拒绝: %+v", v)
	}
	if v := cfg.Evaluate("wallet:w1", attempt("100", "x"), Snapshot{Approved: true}); !v.Allowed {
		t.Fatalf("已批准应通过: %+v", v)
	}

	always := mustNew(t, "always", KindConfirm, nil)
	if !always.NeedsApproval(attempt("0.01", "x")) {
		t.Fatal("零阈值应要求每笔都批准")
	}
}

func TestGuardIndependence(t *testing.T) {
	budget := mustNew(t, "budget", KindBudget, map[string]any{"daily_limit": "100"})
	single := mustNew(t, "single", KindSingleTx, map[string]any{"max_amount": "60"})
	snap := snapshotAfter(Snapshot{}, single.CommitEffect("wallet:w1", attempt("50", "x")))

	for _, amount := range []string{"10", "99", "101"} {
		a := attempt(amount, "x")
		alone := budget.Evaluate("wallet:w1", a, Snapshot{})
		together := budget.Evaluate("wallet:w1", a, snap)
		if alone != together {
			t.Fatalf("其他 guard 的状态不应影响 budget 判定: %+v vs %+v", alone, together)
		}
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		kind   Kind
		params map[string]any
	}{
		{"empty-budget", KindBudget, map[string]any{}},
		{"neg-budget", KindBudget, map[string]any{"daily_limit": "-1"}},
		{"precise-budget", KindBudget, map[string]any{"daily_limit": "1.0000001"}},
		{"bad-range", KindSingleTx, map[string]any{"min_amount": "10", "max_amount": "5"}},
		{"empty-rate", KindRateLimit, map[string]any{}},
		{"neg-rate", KindRateLimit, map[string]any{"max_per_day": -3}},
		{"bad-mode", KindRecipient, map[string]any{"mode": "greylist", "domains": []string{"a.com"}}},
		{"empty-recipient", KindRecipient, map[string]any{"mode": "whitelist"}},
		{"bad-regex", KindRecipient, map[string]any{"patterns": []string{"("}}},
		{"unknown-field", KindBudget, map[string]any{"weekly_limit": "10"}},
		{"has:colon", KindBudget, map[string]any{"daily_limit": "10"}},
		{"", KindBudget, map[string]any{"daily_limit": "10"}},
	}
	for _, tc := range cases {
		if _, err := New(tc.name, tc.kind, tc.params); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%q 应返回 ErrInvalidConfig, 实际 %v", tc.name, err)
		}
	}

	mixed := Config{Name: "mixed", Kind: KindBudget, Budget: &BudgetParams{DailyLimit: decimal.NewFromInt(1)}, Confirm: &ConfirmParams{}}
	if err := mixed.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("多个参数块应被拒绝, 实际 %v", err)
	}
}

func TestParseKindVariants(t *testing.T) {
	for in, want := range map[string]Kind{
		"Budget":       KindBudget,
		"rate-limit":   KindRateLimit,
		"RateLimit":    KindRateLimit,
		"single_tx":    KindSingleTx,
		"recipient":    KindRecipient,
		"confirmation": KindConfirm,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("velocity"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatal("未知 kind 应返回 ErrInvalidConfig")
	}
}

func TestCodeErrMapsSentinels(t *testing.T) {
	if !errors.Is(CodeBudgetExceeded.Err(), ErrBudgetExceeded) {
		t.Fatal("BudgetExceeded 映射错误")
	}
	if Code("nope").Err() != nil {
		t.Fatal("未知 code 应返回 nil")
	}
}

func TestUnits(t *testing.T) {
	if u, err := Units(decimal.RequireFromString("12.345678")); err != nil || u != 12_345_678 {
		t.Fatalf("Units 结果不正确: %d, %v", u, err)
	}
	if _, err := Units(decimal.RequireFromString("0.0000001")); err == nil {
		t.Fatal("超过 6 位小数应报错")
	}
	if !FromUnits(1_500_000).Equal(decimal.RequireFromString("1.5")) {
		t.Fatal("FromUnits 结果不正确")
	}
}
