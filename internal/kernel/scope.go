package kernel

import (
	"fmt"
	"strings"
)

// ScopeKind distinguishes single wallets from wallet groups.
type ScopeKind string

const (
	ScopeWallet ScopeKind = "wallet"
	ScopeGroup  ScopeKind = "group"
)

// Scope is the wallet or wallet group a guard set and its counters apply to.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// WalletScope returns the scope of a single wallet.
func WalletScope(id string) Scope { return Scope{Kind: ScopeWallet, ID: id} }

// GroupScope returns the scope of a wallet group.
func GroupScope(id string) Scope { return Scope{Kind: ScopeGroup, ID: id} }

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Validate rejects empty ids, unknown kinds, and ids that would collide in keys.
func (s Scope) Validate() error {
	if s.Kind != ScopeWallet && s.Kind != ScopeGroup {
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	if strings.TrimSpace(s.ID) == "" || strings.ContainsAny(s.ID, ": \t\n") {
		return fmt.Errorf("invalid %s id %q", s.Kind, s.ID)
	}
	return nil
}

// ParseScope reads "wallet:<id>" or "group:<id>"; a bare id is a wallet.
func ParseScope(s string) (Scope, error) {
	kind, id, found := strings.Cut(strings.TrimSpace(s), ":")
	var scope Scope
	if !found {
		scope = WalletScope(kind)
	} else {
		scope = Scope{Kind: ScopeKind(strings.ToLower(kind)), ID: id}
	}
	if err := scope.Validate(); err != nil {
		return Scope{}, err
	}
	return scope, nil
}

func lockKey(s Scope) string { return "lock:" + s.String() }

func guardsKey(s Scope) string { return "guards:" + s.String() }

func groupKey(walletID string) string { return "group:" + walletID }

func approvalKey(walletID, attemptID string) string {
	return "approval:" + walletID + ":" + attemptID
}
