package cli

import (
	"time"

	"github.com/spf13/cobra"

	"spendguard/internal/intent"
)

var (
	intentFlags paymentFlags
	intentTTL   time.Duration
)

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Create and resolve payment intents",
}

var intentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Reserve a payment for later confirmation",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(intentFlags.amount)
		if err != nil {
			return err
		}
		return getApp().CreateIntent(cmd.Context(), intent.CreateRequest{
			ID:        intentFlags.id,
			WalletID:  intentFlags.wallet,
			Recipient: intentFlags.recipient,
			Amount:    amount,
			Purpose:   intentFlags.purpose,
			Metadata:  intentFlags.metadata,
			TTL:       intentTTL,
		})
	},
}

var intentConfirmCmd = &cobra.Command{
	Use:   "confirm <intent-id>",
	Short: "Confirm and execute a pending intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ConfirmIntent(cmd.Context(), args[0])
	},
}

var intentCancelCmd = &cobra.Command{
	Use:   "cancel <intent-id>",
	Short: "Cancel a pending intent and release its reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CancelIntent(cmd.Context(), args[0])
	},
}

var intentGetCmd = &cobra.Command{
	Use:   "get <intent-id>",
	Short: "Show an intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().GetIntent(cmd.Context(), args[0])
	},
}

func init() {
	intentFlags.register(intentCreateCmd, false)
	intentCreateCmd.Flags().DurationVar(&intentTTL, "ttl", 0, "Intent lifetime (defaults to intents.default_ttl)")
	intentCmd.AddCommand(intentCreateCmd, intentConfirmCmd, intentCancelCmd, intentGetCmd)
}
