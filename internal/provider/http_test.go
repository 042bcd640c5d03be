package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestHTTPTransferMissingBaseURL(t *testing.T) {
	h := NewHTTPTransferer(HTTPOptions{}, noopLogger())
	if _, err := h.Transfer(context.Background(), Transfer{WalletID: "w", Recipient: "r", Amount: decimal.NewFromInt(1)}); err == nil {
		t.Fatal("缺少 base url 时应返回错误")
	}
}

func TestHTTPTransferHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 2, "message": "insufficient funds"})
	}))
	defer srv.Close()

	h := NewHTTPTransferer(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := h.Transfer(context.Background(), Transfer{WalletID: "w", Recipient: "r", Amount: decimal.NewFromInt(1)})
	if err == nil || !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("HTTP 400 应返回带消息的错误, 实际 %v", err)
	}
}

func TestHTTPTransferSuccess(t *testing.T) {
	var received transferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != transferPath {
			t.Fatalf("路径不正确: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("缺少授权头")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": "tx-1", "state": "INITIATED"}})
	}))
	defer srv.Close()

	h := NewHTTPTransferer(HTTPOptions{BaseURL: srv.URL, APIKey: "key", TokenID: "usdc-token", Timeout: time.Second}, noopLogger())
	res, err := h.Transfer(context.Background(), Transfer{
		WalletID:       "w1",
		Recipient:      "0xabc",
		Amount:         decimal.RequireFromString("12.5"),
		IdempotencyKey: "att-1",
	})
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if res.ID != "tx-1" || res.State != StatePending || res.Ref() != "tx-1" {
		t.Fatalf("结果解析不正确: %+v", res)
	}
	if received.IdempotencyKey != "att-1" || received.DestinationAddress != "0xabc" || received.Amounts[0] != "12.5" || received.TokenID != "usdc-token" {
		t.Fatalf("请求体不正确: %+v", received)
	}
}

func TestHTTPStatusAndBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, transactionPath):
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
				"transaction": map[string]string{"id": "tx-1", "state": "COMPLETE", "txHash": "0xhash"},
			}})
		case r.URL.Path == "/wallets/w1/balances":
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
				"tokenBalances": []map[string]any{
					{"amount": "3", "token": map[string]string{"symbol": "ETH"}},
					{"amount": "42.25", "token": map[string]string{"symbol": "USDC"}},
				},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHTTPTransferer(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	res, err := h.Status(context.Background(), "tx-1")
	if err != nil || res.State != StateComplete || res.Ref() != "0xhash" {
		t.Fatalf("Status 结果不正确: %+v, %v", res, err)
	}
	bal, err := h.Balance(context.Background(), "w1")
	if err != nil || !bal.Equal(decimal.RequireFromString("42.25")) {
		t.Fatalf("余额不正确: %s, %v", bal, err)
	}
}

func TestNormalizeState(t *testing.T) {
	for in, want := range map[string]string{
		"complete":  StateComplete,
		"CONFIRMED": StateConfirmed,
		"DENIED":    StateFailed,
		"canceled":  StateCancelled,
		"QUEUED":    StatePending,
	} {
		if got := normalizeState(in); got != want {
			t.Fatalf("normalizeState(%q) = %s, 期望 %s", in, got, want)
		}
	}
	if !(TransferResult{State: StateFailed}).Failed() {
		t.Fatal("FAILED 应视为失败")
	}
}

func TestEnsureBalance(t *testing.T) {
	d := NewDryRun(noopLogger())
	d.SetBalance("w1", decimal.NewFromInt(10))
	ctx := context.Background()

	if err := EnsureBalance(ctx, d, "w1", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("余额充足不应报错: %v", err)
	}
	if err := EnsureBalance(ctx, d, "w1", decimal.NewFromInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("余额不足应返回 ErrInsufficientBalance, 实际 %v", err)
	}
	if err := EnsureBalance(ctx, nil, "w1", decimal.NewFromInt(1_000_000)); err != nil {
		t.Fatal("nil reader 应跳过检查")
	}
}

func TestDryRunIdempotency(t *testing.T) {
	d := NewDryRun(noopLogger())
	d.SetBalance("w1", decimal.NewFromInt(10))
	ctx := context.Background()
	req := Transfer{WalletID: "w1", Recipient: "r", Amount: decimal.NewFromInt(4), IdempotencyKey: "k1"}

	first, _ := d.Transfer(ctx, req)
	second, _ := d.Transfer(ctx, req)
	if first.ID != second.ID {
		t.Fatal("相同幂等键应返回相同结果")
	}
	if bal, _ := d.Balance(ctx, "w1"); !bal.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("重放不应重复扣款, 余额 %s", bal)
	}
}
