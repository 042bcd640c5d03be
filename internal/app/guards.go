package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"spendguard/internal/guard"
	"spendguard/internal/kernel"
)

// AttachGuard adds one guard to a scope.
func (a *App) AttachGuard(ctx context.Context, scope string, def guard.Definition) error {
	s, err := kernel.ParseScope(scope)
	if err != nil {
		return err
	}
	cfg, err := def.Build()
	if err != nil {
		return err
	}
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		attached, err := rt.kernel.AttachGuard(ctx, s, cfg)
		if err != nil {
			return err
		}
		return a.printJSON(attached)
	})
}

// ApplyGuards replaces a scope's guard set with the one in a YAML file.
func (a *App) ApplyGuards(ctx context.Context, scope, path string) error {
	s, err := kernel.ParseScope(scope)
	if err != nil {
		return err
	}
	set, err := guard.LoadFile(path)
	if err != nil {
		return err
	}
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		applied, err := rt.kernel.ApplyGuards(ctx, s, set)
		if err != nil {
			return err
		}
		return a.printGuards(s, applied)
	})
}

// ListGuards prints a scope's guards.
func (a *App) ListGuards(ctx context.Context, scope string) error {
	s, err := kernel.ParseScope(scope)
	if err != nil {
		return err
	}
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		set, err := rt.kernel.ListGuards(ctx, s)
		if err != nil {
			return err
		}
		return a.printGuards(s, set)
	})
}

// RemoveGuard detaches a guard by name.
func (a *App) RemoveGuard(ctx context.Context, scope, name string) error {
	s, err := kernel.ParseScope(scope)
	if err != nil {
		return err
	}
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		if err := rt.kernel.RemoveGuard(ctx, s, name); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "removed guard %s from %s\n", name, s)
		return nil
	})
}

func (a *App) printGuards(scope kernel.Scope, set []guard.Config) error {
	if len(set) == 0 {
		fmt.Fprintf(a.Out, "no guards on %s\n", scope)
		return nil
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Name\tKind\tParams\tCreated (UTC)")
	for _, cfg := range set {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", cfg.Name, cfg.Kind, describeParams(cfg), cfg.CreatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

func describeParams(cfg guard.Config) string {
	params := cfg.Params()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}

// SetGroup moves a wallet into a group.
func (a *App) SetGroup(ctx context.Context, walletID, groupID string) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		if err := rt.kernel.SetWalletGroup(ctx, walletID, groupID); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "wallet %s now in group %s\n", walletID, groupID)
		return nil
	})
}

// ClearGroup removes a wallet from its group.
func (a *App) ClearGroup(ctx context.Context, walletID string) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		if err := rt.kernel.ClearWalletGroup(ctx, walletID); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "wallet %s left its group\n", walletID)
		return nil
	})
}

// Approve stores a human approval for an attempt id.
func (a *App) Approve(ctx context.Context, walletID, attemptID string, ttl time.Duration) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		if err := rt.kernel.Approve(ctx, walletID, attemptID, ttl); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "attempt %s approved for wallet %s\n", attemptID, walletID)
		return nil
	})
}
