package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DryRun pretends every transfer succeeds without touching the network.
type DryRun struct {
	logger zerolog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	results  map[string]TransferResult
}

// NewDryRun constructs a simulated provider.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{
		logger:   logger.With().Str("component", "dryrun_provider").Logger(),
		balances: make(map[string]decimal.Decimal),
		results:  make(map[string]TransferResult),
	}
}

// SetBalance seeds a simulated balance. Wallets without one are unlimited.
func (d *DryRun) SetBalance(walletID string, amount decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[walletID] = amount
}

// Transfer implements Transferer. Replays with the same idempotency key
// return the first result.
func (d *DryRun) Transfer(_ context.Context, t Transfer) (TransferResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t.IdempotencyKey != "" {
		if prev, ok := d.results[t.IdempotencyKey]; ok {
			return prev, nil
		}
	}
	if bal, ok := d.balances[t.WalletID]; ok {
		d.balances[t.WalletID] = bal.Sub(t.Amount)
	}

	res := TransferResult{ID: uuid.NewString(), State: StateComplete}
	res.TxHash = "dryrun-" + res.ID
	if t.IdempotencyKey != "" {
		d.results[t.IdempotencyKey] = res
	}
	d.logger.Info().
		Str("wallet", t.WalletID).
		Str("recipient", t.Recipient).
		Str("amount", t.Amount.String()).
		Str("transfer", res.ID).
		Msg("simulated transfer")
	return res, nil
}

// Balance implements BalanceReader.
func (d *DryRun) Balance(_ context.Context, walletID string) (decimal.Decimal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bal, ok := d.balances[walletID]; ok {
		return bal, nil
	}
	return decimal.New(1, 12), nil
}

var (
	_ Transferer    = (*DryRun)(nil)
	_ BalanceReader = (*DryRun)(nil)
)
