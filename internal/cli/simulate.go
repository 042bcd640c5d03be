package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spendguard/internal/service"
)

// paymentFlags are shared by pay and simulate.
type paymentFlags struct {
	id         string
	wallet     string
	recipient  string
	amount     string
	purpose    string
	metadata   map[string]string
	skipGuards bool
}

func (f *paymentFlags) register(cmd *cobra.Command, withSkip bool) {
	cmd.Flags().StringVar(&f.id, "id", "", "Attempt id / idempotency key (generated when empty)")
	cmd.Flags().StringVar(&f.wallet, "wallet", "", "Paying wallet id")
	cmd.Flags().StringVar(&f.recipient, "to", "", "Recipient address, URL or identifier")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Amount in USDC, at most 6 decimal places")
	cmd.Flags().StringVar(&f.purpose, "purpose", "", "Free-form purpose recorded on the ledger")
	cmd.Flags().StringToStringVar(&f.metadata, "meta", nil, "Metadata key=value pairs")
	if withSkip {
		cmd.Flags().BoolVar(&f.skipGuards, "skip-guards", false, "Bypass guard evaluation (recorded as bypass)")
	}
	_ = cmd.MarkFlagRequired("wallet")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
}

func (f *paymentFlags) request() (service.PayRequest, error) {
	amount, err := parseAmount(f.amount)
	if err != nil {
		return service.PayRequest{}, err
	}
	return service.PayRequest{
		ID:         f.id,
		WalletID:   f.wallet,
		Recipient:  f.recipient,
		Amount:     amount,
		Purpose:    f.purpose,
		Metadata:   f.metadata,
		SkipGuards: f.skipGuards,
	}, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --amount value: %w", err)
	}
	return amount, nil
}

var simulateFlags paymentFlags

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Evaluate a payment against the guards without committing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := simulateFlags.request()
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), req)
	},
}

var payFlags paymentFlags

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Evaluate, commit and execute a payment",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := payFlags.request()
		if err != nil {
			return err
		}
		return getApp().Pay(cmd.Context(), req)
	},
}

func init() {
	simulateFlags.register(simulateCmd, false)
	payFlags.register(payCmd, true)
}
