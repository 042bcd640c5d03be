package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when a wallet cannot cover a transfer.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Transfer states reported by providers.
const (
	StatePending   = "PENDING"
	StateConfirmed = "CONFIRMED"
	StateComplete  = "COMPLETE"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// Transfer is a request to move tokens out of a wallet.
type Transfer struct {
	WalletID       string
	Recipient      string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// TransferResult is the provider's view of a submitted transfer.
type TransferResult struct {
	ID     string `json:"id"`
	TxHash string `json:"tx_hash,omitempty"`
	State  string `json:"state"`
}

// Ref picks the best external reference for the ledger.
func (r TransferResult) Ref() string {
	if r.TxHash != "" {
		return r.TxHash
	}
	return r.ID
}

// Failed reports whether the provider rejected the transfer.
func (r TransferResult) Failed() bool {
	return r.State == StateFailed || r.State == StateCancelled
}

// Transferer executes transfers after the kernel committed them.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) (TransferResult, error)
}

// BalanceReader reads a wallet's spendable token balance.
type BalanceReader interface {
	Balance(ctx context.Context, walletID string) (decimal.Decimal, error)
}

// EnsureBalance fails with ErrInsufficientBalance when the wallet holds less
// than amount. A nil reader skips the check.
func EnsureBalance(ctx context.Context, r BalanceReader, walletID string, amount decimal.Decimal) error {
	if r == nil {
		return nil
	}
	balance, err := r.Balance(ctx, walletID)
	if err != nil {
		return fmt.Errorf("read balance of %s: %w", walletID, err)
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: wallet %s holds %s, needs %s", ErrInsufficientBalance, walletID, balance.String(), amount.String())
	}
	return nil
}
