package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"spendguard/internal/guard"
	"spendguard/internal/storage"
)

// ListGuards returns a scope's guards in attachment order.
func (k *Kernel) ListGuards(ctx context.Context, scope Scope) ([]guard.Config, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	data, err := k.backend.Get(ctx, guardsKey(scope))
	if errors.Is(err, storage.ErrNotFound) {
		return []guard.Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load guards for %s: %w", scope, err)
	}
	var set []guard.Config
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode guards for %s: %w", scope, err)
	}
	for i := range set {
		if err := set[i].Validate(); err != nil {
			return nil, fmt.Errorf("stored guard on %s: %w", scope, err)
		}
	}
	return set, nil
}

func (k *Kernel) storeGuards(ctx context.Context, scope Scope, set []guard.Config) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode guards: %w", err)
	}
	if err := k.backend.Set(ctx, guardsKey(scope), data, 0); err != nil {
		return fmt.Errorf("store guards for %s: %w", scope, err)
	}
	return nil
}

// withScope holds the lock commits on the scope's counters take while its
// guard set changes. For a wallet that is its group's lock when it has one.
func (k *Kernel) withScope(ctx context.Context, scope Scope, fn func(ctx context.Context) error) error {
	if err := scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", guard.ErrInvalidConfig, err)
	}
	if scope.Kind == ScopeWallet {
		return k.withWalletLock(ctx, scope.ID, func(ctx context.Context, _ string) error {
			return fn(ctx)
		})
	}
	lock, err := k.acquire(ctx, scope)
	if err != nil {
		return err
	}
	defer k.release(ctx, lock)
	return fn(ctx)
}

// AttachGuard appends a guard to a scope. Duplicate names are rejected.
func (k *Kernel) AttachGuard(ctx context.Context, scope Scope, cfg guard.Config) (guard.Config, error) {
	if err := cfg.Validate(); err != nil {
		return guard.Config{}, err
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = k.now()
	}

	err := k.withScope(ctx, scope, func(ctx context.Context) error {
		set, err := k.ListGuards(ctx, scope)
		if err != nil {
			return err
		}
		for _, existing := range set {
			if existing.Name == cfg.Name {
				return fmt.Errorf("%w: guard %q already attached to %s", guard.ErrInvalidConfig, cfg.Name, scope)
			}
		}
		return k.storeGuards(ctx, scope, append(set, cfg))
	})
	if err != nil {
		return guard.Config{}, err
	}

	k.logger.Info().Str("scope", scope.String()).Str("guard", cfg.Name).Str("kind", string(cfg.Kind)).Msg("guard attached")
	return cfg, nil
}

// RemoveGuard detaches a guard and drops its live counters.
func (k *Kernel) RemoveGuard(ctx context.Context, scope Scope, name string) error {
	err := k.withScope(ctx, scope, func(ctx context.Context) error {
		set, err := k.ListGuards(ctx, scope)
		if err != nil {
			return err
		}
		kept := make([]guard.Config, 0, len(set))
		var removed *guard.Config
		for i := range set {
			if set[i].Name == name {
				removed = &set[i]
				continue
			}
			kept = append(kept, set[i])
		}
		if removed == nil {
			return fmt.Errorf("%w: %q on %s", ErrGuardNotFound, name, scope)
		}
		if err := k.storeGuards(ctx, scope, kept); err != nil {
			return err
		}
		k.dropCounters(ctx, scope, *removed)
		return nil
	})
	if err != nil {
		return err
	}
	k.logger.Info().Str("scope", scope.String()).Str("guard", name).Msg("guard removed")
	return nil
}

// ApplyGuards replaces a scope's whole guard set. Nothing changes unless every
// guard validates.
func (k *Kernel) ApplyGuards(ctx context.Context, scope Scope, set []guard.Config) ([]guard.Config, error) {
	seen := make(map[string]struct{}, len(set))
	now := k.now()
	out := make([]guard.Config, 0, len(set))
	for _, cfg := range set {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[cfg.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate guard name %q", guard.ErrInvalidConfig, cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = now
		}
		out = append(out, cfg)
	}

	err := k.withScope(ctx, scope, func(ctx context.Context) error {
		previous, err := k.ListGuards(ctx, scope)
		if err != nil {
			return err
		}
		if err := k.storeGuards(ctx, scope, out); err != nil {
			return err
		}
		for _, old := range previous {
			if _, kept := seen[old.Name]; !kept {
				k.dropCounters(ctx, scope, old)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	k.logger.Info().Str("scope", scope.String()).Int("guards", len(out)).Msg("guard set applied")
	return out, nil
}

// dropCounters removes the current-bucket and lifetime counters of a guard so
// a later guard with the same name starts from zero.
func (k *Kernel) dropCounters(ctx context.Context, scope Scope, cfg guard.Config) {
	for _, ctr := range cfg.Counters(scope.String(), k.now()) {
		if err := k.backend.Delete(ctx, ctr.Key); err != nil {
			k.logger.Warn().Err(err).Str("counter", ctr.Key).Msg("failed to drop counter")
		}
	}
}

// WalletGroup returns the wallet's group id, empty when it has none.
func (k *Kernel) WalletGroup(ctx context.Context, walletID string) (string, error) {
	data, err := k.backend.Get(ctx, groupKey(walletID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load group of %s: %w", walletID, err)
	}
	return string(data), nil
}

// SetWalletGroup moves a wallet into a group; a wallet has at most one.
func (k *Kernel) SetWalletGroup(ctx context.Context, walletID, groupID string) error {
	if err := WalletScope(walletID).Validate(); err != nil {
		return fmt.Errorf("%w: %v", guard.ErrInvalidConfig, err)
	}
	if err := GroupScope(groupID).Validate(); err != nil {
		return fmt.Errorf("%w: %v", guard.ErrInvalidConfig, err)
	}
	err := k.Scoped(ctx, walletID, func(ctx context.Context, _ *ScopeTx) error {
		if err := k.backend.Set(ctx, groupKey(walletID), []byte(strings.TrimSpace(groupID)), 0); err != nil {
			return fmt.Errorf("store group of %s: %w", walletID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	k.logger.Info().Str("wallet", walletID).Str("group", groupID).Msg("wallet group set")
	return nil
}

// ClearWalletGroup removes a wallet from its group.
func (k *Kernel) ClearWalletGroup(ctx context.Context, walletID string) error {
	err := k.Scoped(ctx, walletID, func(ctx context.Context, _ *ScopeTx) error {
		if err := k.backend.Delete(ctx, groupKey(walletID)); err != nil {
			return fmt.Errorf("clear group of %s: %w", walletID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	k.logger.Info().Str("wallet", walletID).Msg("wallet group cleared")
	return nil
}

// Approve stores a human approval for one attempt id. A commit that relies
// on it consumes it. Zero ttl uses the configured approval lifetime.
func (k *Kernel) Approve(ctx context.Context, walletID, attemptID string, ttl time.Duration) error {
	if err := WalletScope(walletID).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttempt, err)
	}
	if attemptID == "" || strings.ContainsAny(attemptID, ": \t\n") {
		return fmt.Errorf("%w: attempt id %q", ErrInvalidAttempt, attemptID)
	}
	if ttl <= 0 {
		ttl = k.opts.ApprovalTTL
	}
	if err := k.backend.Set(ctx, approvalKey(walletID, attemptID), []byte(k.now().Format(time.RFC3339)), ttl); err != nil {
		return fmt.Errorf("store approval: %w", err)
	}
	k.logger.Info().Str("wallet", walletID).Str("attempt", attemptID).Dur("ttl", ttl).Msg("attempt approved")
	return nil
}
