package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	groupWallet   string
	groupID       string
	approveWallet string
	approveID     string
	approveTTL    time.Duration
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage wallet group membership",
}

var groupSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Move a wallet into a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetGroup(cmd.Context(), groupWallet, groupID)
	},
}

var groupClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove a wallet from its group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ClearGroup(cmd.Context(), groupWallet)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve one attempt that a confirm guard would hold",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Approve(cmd.Context(), approveWallet, approveID, approveTTL)
	},
}

func init() {
	groupCmd.PersistentFlags().StringVar(&groupWallet, "wallet", "", "Wallet id")
	_ = groupCmd.MarkPersistentFlagRequired("wallet")
	groupSetCmd.Flags().StringVar(&groupID, "group", "", "Group id")
	_ = groupSetCmd.MarkFlagRequired("group")
	groupCmd.AddCommand(groupSetCmd, groupClearCmd)

	approveCmd.Flags().StringVar(&approveWallet, "wallet", "", "Wallet id")
	approveCmd.Flags().StringVar(&approveID, "attempt", "", "Attempt id to approve")
	approveCmd.Flags().DurationVar(&approveTTL, "ttl", 0, "Approval lifetime (defaults to 24h)")
	_ = approveCmd.MarkFlagRequired("wallet")
	_ = approveCmd.MarkFlagRequired("attempt")
}
