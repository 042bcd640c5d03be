package provider

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

func TestEVMBalanceMissingConfig(t *testing.T) {
	e := NewEVMBalance(EVMOptions{}, noopLogger())
	if _, err := e.Balance(context.Background(), "0x0000000000000000000000000000000000000001"); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	e = NewEVMBalance(EVMOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := e.Balance(context.Background(), "0x0000000000000000000000000000000000000001"); err == nil {
		t.Fatal("缺少合约地址应报错")
	}

	e = NewEVMBalance(EVMOptions{RPCURL: "http://localhost", TokenAddress: "0x2"}, noopLogger())
	if _, err := e.Balance(context.Background(), "agent-wallet"); err == nil {
		t.Fatal("非地址钱包且无映射时应报错")
	}
}

func TestEVMBalanceOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("解析 RPC 请求失败: %v", err)
		}
		if req.Method != "eth_call" {
			t.Fatalf("期望 eth_call, 实际 %s", req.Method)
		}
		out, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(12_340_000))
		if err != nil {
			t.Fatalf("编码返回值失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": hexutil.Encode(out)})
	}))
	defer srv.Close()

	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex()
	e := NewEVMBalance(EVMOptions{
		RPCURL:       srv.URL,
		TokenAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Timeout:      time.Second,
		Addresses:    map[string]string{"agent": owner},
	}, noopLogger())
	defer e.Close()

	bal, err := e.Balance(context.Background(), "agent")
	if err != nil {
		t.Fatalf("Balance 失败: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("12.34")) {
		t.Fatalf("期望 12.34, 实际 %s", bal)
	}
}
