package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spendguard/internal/app"
)

var (
	historyScope  string
	historyLimit  int
	historyOffset int
	spentScope    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display ledger entries of a wallet or group, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if historyOffset < 0 {
			return fmt.Errorf("--offset cannot be negative")
		}

		opts := app.HistoryOptions{
			Scope:  historyScope,
			Limit:  historyLimit,
			Offset: historyOffset,
		}

		return getApp().History(cmd.Context(), opts)
	},
}

var spentCmd = &cobra.Command{
	Use:   "spent",
	Short: "Print the completed spend of a wallet or group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Spent(cmd.Context(), spentScope)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyScope, "scope", "", "Scope: wallet:<id>, group:<id> or a bare wallet id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of entries to display")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Entries to skip from the newest")
	_ = historyCmd.MarkFlagRequired("scope")

	spentCmd.Flags().StringVar(&spentScope, "scope", "", "Scope: wallet:<id>, group:<id> or a bare wallet id")
	_ = spentCmd.MarkFlagRequired("scope")
}
