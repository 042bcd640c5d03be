package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"spendguard/internal/guard"
)

var (
	guardScope  string
	guardName   string
	guardKind   string
	guardParams string
	guardFile   string
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Manage the guards attached to a wallet or group",
}

var guardAttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach one guard to a scope",
	Example: `  spendguard guard attach --scope wallet:agent-1 --name daily --kind budget --params '{"daily_limit":"100"}'
  spendguard guard attach --scope group:team --name allow --kind recipient --params '{"mode":"whitelist","domains":["api.example.com"]}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{}
		if guardParams != "" {
			if err := json.Unmarshal([]byte(guardParams), &params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}
		def := guard.Definition{Name: guardName, Kind: guardKind, Params: params}
		return getApp().AttachGuard(cmd.Context(), guardScope, def)
	},
}

var guardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the guards of a scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListGuards(cmd.Context(), guardScope)
	},
}

var guardRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Detach a guard by name",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveGuard(cmd.Context(), guardScope, guardName)
	},
}

var guardApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Replace a scope's guard set from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ApplyGuards(cmd.Context(), guardScope, guardFile)
	},
}

func init() {
	guardCmd.PersistentFlags().StringVar(&guardScope, "scope", "", "Scope: wallet:<id>, group:<id> or a bare wallet id")
	_ = guardCmd.MarkPersistentFlagRequired("scope")

	guardAttachCmd.Flags().StringVar(&guardName, "name", "", "Guard name, unique per scope")
	guardAttachCmd.Flags().StringVar(&guardKind, "kind", "", "budget, rate_limit, single_tx, recipient or confirm")
	guardAttachCmd.Flags().StringVar(&guardParams, "params", "", "Guard parameters as a JSON object")
	_ = guardAttachCmd.MarkFlagRequired("name")
	_ = guardAttachCmd.MarkFlagRequired("kind")

	guardRemoveCmd.Flags().StringVar(&guardName, "name", "", "Guard name")
	_ = guardRemoveCmd.MarkFlagRequired("name")

	guardApplyCmd.Flags().StringVarP(&guardFile, "file", "f", "", "YAML guard set file")
	_ = guardApplyCmd.MarkFlagRequired("file")

	guardCmd.AddCommand(guardAttachCmd, guardListCmd, guardRemoveCmd, guardApplyCmd)
}
