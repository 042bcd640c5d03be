package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/guard"
	"spendguard/internal/ledger"
	"spendguard/internal/storage"
)

const (
	defaultLockTimeout    = 5 * time.Second
	defaultConfirmTimeout = 10 * time.Second
	// membership can move a wallet to another lock scope between resolve and lock
	maxScopeRetries = 3
)

// Attempt is a candidate payment.
type Attempt struct {
	// ID doubles as the idempotency key; generated when empty.
	ID         string            `json:"id"`
	WalletID   string            `json:"wallet_id"`
	Recipient  string            `json:"recipient"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	Purpose    string            `json:"purpose,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SkipGuards bool              `json:"skip_guards,omitempty"`
}

// CommitResult is the outcome of an evaluation.
type CommitResult struct {
	Allowed     bool             `json:"allowed"`
	AttemptID   string           `json:"attempt_id"`
	EntryID     string           `json:"entry_id,omitempty"`
	GroupID     string           `json:"group_id,omitempty"`
	FailedGuard string           `json:"failed_guard,omitempty"`
	Verdicts    []guard.Verdict  `json:"verdicts"`
	Mutations   []guard.Mutation `json:"mutations,omitempty"`
}

// ApprovalRequest is passed to the Approver.
type ApprovalRequest struct {
	Attempt   Attempt
	Scope     Scope
	Guard     string
	Threshold decimal.Decimal
}

// Approver is consulted when a Confirm guard needs approval and none is
// stored. Only a true answer without error approves.
type Approver func(ctx context.Context, req ApprovalRequest) (bool, error)

// Options tune kernel behaviour.
type Options struct {
	LockTimeout    time.Duration
	ConfirmTimeout time.Duration
	ApprovalTTL    time.Duration
	Approver       Approver
}

// CommitOptions parameterise a commit.
type CommitOptions struct {
	Type ledger.Type
	// AfterCommit runs inside the scope lock once counters and the ledger
	// entry are written. An error undoes the counters and fails the entry.
	AfterCommit func(ctx context.Context, res CommitResult) error
}

// Kernel performs atomic check-then-commit of guard sets.
type Kernel struct {
	backend storage.Backend
	ledger  *ledger.Ledger
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Kernel.
func New(backend storage.Backend, l *ledger.Ledger, opts Options, logger zerolog.Logger) *Kernel {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = 24 * time.Hour
	}
	return &Kernel{
		backend: backend,
		ledger:  l,
		opts:    opts,
		logger:  logger.With().Str("component", "kernel").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ledger exposes the ledger the kernel records into.
func (k *Kernel) Ledger() *ledger.Ledger { return k.ledger }

func (k *Kernel) normalize(a Attempt) (Attempt, error) {
	a.WalletID = strings.TrimSpace(a.WalletID)
	a.Recipient = strings.TrimSpace(a.Recipient)
	if err := WalletScope(a.WalletID).Validate(); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAttempt, err)
	}
	if a.Recipient == "" {
		return a, fmt.Errorf("%w: recipient is required", ErrInvalidAttempt)
	}
	if !a.Amount.IsPositive() {
		return a, fmt.Errorf("%w: amount must be positive", ErrInvalidAttempt)
	}
	if _, err := guard.Units(a.Amount); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAttempt, err)
	}
	if a.Currency == "" {
		a.Currency = guard.Currency
	}
	if !strings.EqualFold(a.Currency, guard.Currency) {
		return a, fmt.Errorf("%w: unsupported currency %q", ErrInvalidAttempt, a.Currency)
	}
	a.Currency = guard.Currency
	if a.ID == "" {
		a.ID = uuid.NewString()
	} else if strings.ContainsAny(a.ID, ": \t\n") {
		return a, fmt.Errorf("%w: attempt id %q", ErrInvalidAttempt, a.ID)
	}
	return a, nil
}

// EvaluateAndCommit evaluates the attempt and, when every guard passes,
// applies counter effects and records a pending ledger entry.
func (k *Kernel) EvaluateAndCommit(ctx context.Context, a Attempt) (CommitResult, error) {
	return k.Commit(ctx, a, CommitOptions{Type: ledger.TypePayment})
}

// Commit is EvaluateAndCommit with an entry type and an in-lock hook.
func (k *Kernel) Commit(ctx context.Context, a Attempt, opts CommitOptions) (CommitResult, error) {
	a, err := k.normalize(a)
	if err != nil {
		return CommitResult{}, err
	}
	if opts.Type == "" {
		opts.Type = ledger.TypePayment
	}
	if a.SkipGuards {
		return k.bypass(ctx, a)
	}

	var res CommitResult
	err = k.withWalletLock(ctx, a.WalletID, func(ctx context.Context, groupID string) error {
		var inner error
		res, inner = k.commitLocked(ctx, a, groupID, opts)
		return inner
	})
	return res, err
}

// bypass records an unevaluated attempt for audit without touching counters.
func (k *Kernel) bypass(ctx context.Context, a Attempt) (CommitResult, error) {
	groupID, err := k.WalletGroup(ctx, a.WalletID)
	if err != nil {
		return CommitResult{}, err
	}
	entry, err := k.ledger.Record(ctx, k.entryFor(a, groupID, ledger.TypeBypass, nil))
	if err != nil {
		return CommitResult{}, err
	}
	k.logger.Warn().
		Str("wallet", a.WalletID).
		Str("attempt", a.ID).
		Str("amount", a.Amount.String()).
		Msg("guards skipped on request")
	return CommitResult{Allowed: true, AttemptID: a.ID, EntryID: entry.ID, GroupID: groupID, Verdicts: []guard.Verdict{}}, nil
}

func (k *Kernel) entryFor(a Attempt, groupID string, typ ledger.Type, verdicts []guard.Verdict) ledger.Entry {
	scopes := []string{WalletScope(a.WalletID).String()}
	if groupID != "" {
		scopes = append(scopes, GroupScope(groupID).String())
	}
	return ledger.Entry{
		ID:        a.ID,
		WalletID:  a.WalletID,
		GroupID:   groupID,
		Scopes:    scopes,
		Recipient: a.Recipient,
		Amount:    a.Amount,
		Currency:  a.Currency,
		Type:      typ,
		Verdicts:  verdicts,
		Purpose:   a.Purpose,
		Metadata:  a.Metadata,
	}
}

// withWalletLock holds the lock of the wallet's group, or of the wallet when
// it has none, and re-checks membership once the lock is held.
func (k *Kernel) withWalletLock(ctx context.Context, walletID string, fn func(ctx context.Context, groupID string) error) error {
	for try := 0; try < maxScopeRetries; try++ {
		groupID, err := k.WalletGroup(ctx, walletID)
		if err != nil {
			return err
		}
		scope := WalletScope(walletID)
		if groupID != "" {
			scope = GroupScope(groupID)
		}

		lock, err := k.acquire(ctx, scope)
		if err != nil {
			return err
		}

		current, err := k.WalletGroup(ctx, walletID)
		if err != nil {
			k.release(ctx, lock)
			return err
		}
		if current != groupID {
			k.release(ctx, lock)
			continue
		}

		err = fn(ctx, groupID)
		k.release(ctx, lock)
		return err
	}
	return fmt.Errorf("%w: wallet %s group membership kept changing", ErrEvaluationTimeout, walletID)
}

func (k *Kernel) acquire(ctx context.Context, scope Scope) (storage.Lock, error) {
	lock, err := k.backend.AcquireLock(ctx, lockKey(scope), k.opts.LockTimeout)
	if errors.Is(err, storage.ErrLockTimeout) {
		k.logger.Warn().Str("scope", scope.String()).Dur("timeout", k.opts.LockTimeout).Msg("scope lock timeout")
		return nil, fmt.Errorf("%w: %s", ErrEvaluationTimeout, scope)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire scope lock %s: %w", scope, err)
	}
	return lock, nil
}

func (k *Kernel) release(ctx context.Context, lock storage.Lock) {
	if err := lock.Release(ctx); err != nil {
		k.logger.Error().Err(err).Str("lock", lock.Key()).Msg("failed to release scope lock")
	}
}

// boundGuard is a guard together with the scope it is attached to.
type boundGuard struct {
	scope Scope
	cfg   guard.Config
}

// guardChain lists wallet guards then group guards, each in attachment order.
func (k *Kernel) guardChain(ctx context.Context, walletID, groupID string) ([]boundGuard, error) {
	scopes := []Scope{WalletScope(walletID)}
	if groupID != "" {
		scopes = append(scopes, GroupScope(groupID))
	}
	var chain []boundGuard
	for _, scope := range scopes {
		set, err := k.ListGuards(ctx, scope)
		if err != nil {
			return nil, err
		}
		for _, cfg := range set {
			chain = append(chain, boundGuard{scope: scope, cfg: cfg})
		}
	}
	return chain, nil
}

// readCounters fetches every counter the chain reads at the given instant.
func (k *Kernel) readCounters(ctx context.Context, chain []boundGuard, at time.Time) (map[string]int64, error) {
	counters := make(map[string]int64)
	for _, bg := range chain {
		for _, ctr := range bg.cfg.Counters(bg.scope.String(), at) {
			if _, seen := counters[ctr.Key]; seen {
				continue
			}
			v, err := k.backend.Counter(ctx, ctr.Key)
			if err != nil {
				return nil, fmt.Errorf("read counter %s: %w", ctr.Key, err)
			}
			counters[ctr.Key] = v
		}
	}
	return counters, nil
}

// evaluation is the outcome of running a chain over a snapshot.
type evaluation struct {
	verdicts       []guard.Verdict
	failed         *boundGuard
	mutations      []guard.Mutation
	storedApproval bool
}

// evaluate runs the chain in order and stops at the first denial. The
// approver is only consulted when allowApprover is set.
func (k *Kernel) evaluate(ctx context.Context, a Attempt, chain []boundGuard, counters map[string]int64, at time.Time, allowApprover bool) (evaluation, error) {
	ga := guard.Attempt{ID: a.ID, Recipient: a.Recipient, Amount: a.Amount, At: at}
	snap := guard.Snapshot{Counters: counters}
	approvalResolved := false
	ev := evaluation{verdicts: make([]guard.Verdict, 0, len(chain))}

	for i := range chain {
		bg := chain[i]
		if bg.cfg.NeedsApproval(ga) && !approvalResolved {
			approved, stored, err := k.resolveApproval(ctx, a, bg, allowApprover)
			if err != nil {
				return evaluation{}, err
			}
			snap.Approved, ev.storedApproval, approvalResolved = approved, stored, true
		}

		v := bg.cfg.Evaluate(bg.scope.String(), ga, snap)
		ev.verdicts = append(ev.verdicts, v)
		if !v.Allowed {
			ev.failed = &chain[i]
			return ev, nil
		}
	}

	for _, bg := range chain {
		ev.mutations = append(ev.mutations, bg.cfg.CommitEffect(bg.scope.String(), ga)...)
	}
	return ev, nil
}

// resolveApproval checks for a stored approval, then asks the approver
// under the confirm timeout. Timeouts and approver errors deny.
func (k *Kernel) resolveApproval(ctx context.Context, a Attempt, bg boundGuard, allowApprover bool) (approved, stored bool, err error) {
	_, err = k.backend.Get(ctx, approvalKey(a.WalletID, a.ID))
	switch {
	case err == nil:
		return true, true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, false, fmt.Errorf("read approval: %w", err)
	}
	if !allowApprover || k.opts.Approver == nil {
		return false, false, nil
	}

	cctx, cancel := context.WithTimeout(ctx, k.opts.ConfirmTimeout)
	defer cancel()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	req := ApprovalRequest{Attempt: a, Scope: bg.scope, Guard: bg.cfg.Name, Threshold: bg.cfg.Confirm.Threshold}
	go func() {
		ok, err := k.opts.Approver(cctx, req)
		ch <- answer{ok: ok, err: err}
	}()

	select {
	case ans := <-ch:
		if ans.err != nil {
			k.logger.Warn().Err(ans.err).Str("attempt", a.ID).Str("guard", bg.cfg.Name).Msg("approver failed; treating as denial")
			return false, false, nil
		}
		return ans.ok, false, nil
	case <-cctx.Done():
		k.logger.Warn().Str("attempt", a.ID).Str("guard", bg.cfg.Name).Dur("timeout", k.opts.ConfirmTimeout).Msg("approver timed out; treating as denial")
		return false, false, nil
	}
}

func (k *Kernel) commitLocked(ctx context.Context, a Attempt, groupID string, opts CommitOptions) (CommitResult, error) {
	res := CommitResult{AttemptID: a.ID, GroupID: groupID}

	if _, err := k.ledger.Get(ctx, a.ID); err == nil {
		return res, fmt.Errorf("%w: %s", ErrDuplicateAttempt, a.ID)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return res, err
	}

	chain, err := k.guardChain(ctx, a.WalletID, groupID)
	if err != nil {
		return res, err
	}
	at := k.now()
	counters, err := k.readCounters(ctx, chain, at)
	if err != nil {
		return res, err
	}

	ev, err := k.evaluate(ctx, a, chain, counters, at, true)
	if err != nil {
		return res, err
	}
	res.Verdicts = ev.verdicts

	if ev.failed != nil {
		v := ev.verdicts[len(ev.verdicts)-1]
		res.FailedGuard = v.Guard
		k.logger.Info().
			Str("scope", ev.failed.scope.String()).
			Str("guard", v.Guard).
			Str("code", string(v.Code)).
			Str("amount", a.Amount.String()).
			Str("recipient", a.Recipient).
			Msg("payment denied")
		return res, &DeniedError{
			Scope:     ev.failed.scope,
			Guard:     v.Guard,
			Kind:      v.Kind,
			Code:      v.Code,
			Reason:    v.Reason,
			Amount:    a.Amount,
			Recipient: a.Recipient,
		}
	}

	applied, err := k.apply(ctx, ev.mutations)
	if err != nil {
		k.revert(ctx, applied)
		return res, err
	}

	entry, err := k.ledger.Record(ctx, k.entryFor(a, groupID, opts.Type, ev.verdicts))
	if err != nil {
		k.revert(ctx, applied)
		return res, err
	}

	if ev.storedApproval {
		if err := k.backend.Delete(ctx, approvalKey(a.WalletID, a.ID)); err != nil {
			k.logger.Warn().Err(err).Str("attempt", a.ID).Msg("failed to consume approval")
		}
	}

	res.Allowed = true
	res.EntryID = entry.ID
	res.Mutations = applied

	if opts.AfterCommit != nil {
		if err := opts.AfterCommit(ctx, res); err != nil {
			k.revert(ctx, applied)
			if _, ferr := k.ledger.Fail(ctx, entry.ID, err.Error()); ferr != nil {
				k.logger.Error().Err(ferr).Str("entry", entry.ID).Msg("failed to mark entry failed after hook error")
			}
			return CommitResult{AttemptID: a.ID, GroupID: groupID, Verdicts: ev.verdicts}, err
		}
	}

	k.logger.Debug().
		Str("wallet", a.WalletID).
		Str("attempt", a.ID).
		Str("entry", entry.ID).
		Str("amount", a.Amount.String()).
		Int("mutations", len(applied)).
		Msg("payment committed")
	return res, nil
}

func (k *Kernel) apply(ctx context.Context, muts []guard.Mutation) ([]guard.Mutation, error) {
	applied := make([]guard.Mutation, 0, len(muts))
	for _, m := range muts {
		if _, err := k.backend.Increment(ctx, m.Key, m.Delta, m.TTL); err != nil {
			return applied, fmt.Errorf("increment counter %s: %w", m.Key, err)
		}
		applied = append(applied, m)
	}
	return applied, nil
}

// revert undoes applied mutations, best effort.
func (k *Kernel) revert(ctx context.Context, applied []guard.Mutation) {
	ctx = context.WithoutCancel(ctx)
	for _, m := range applied {
		inv := m.Inverse()
		if _, err := k.backend.Increment(ctx, inv.Key, inv.Delta, inv.TTL); err != nil {
			k.logger.Error().Err(err).Str("counter", m.Key).Msg("failed to revert counter")
		}
	}
}

// Simulate evaluates without taking the lock, committing, or consulting the
// approver.
func (k *Kernel) Simulate(ctx context.Context, a Attempt) (CommitResult, error) {
	a, err := k.normalize(a)
	if err != nil {
		return CommitResult{}, err
	}
	groupID, err := k.WalletGroup(ctx, a.WalletID)
	if err != nil {
		return CommitResult{}, err
	}
	res := CommitResult{AttemptID: a.ID, GroupID: groupID, Verdicts: []guard.Verdict{}}
	if a.SkipGuards {
		res.Allowed = true
		return res, nil
	}

	chain, err := k.guardChain(ctx, a.WalletID, groupID)
	if err != nil {
		return res, err
	}
	at := k.now()
	counters, err := k.readCounters(ctx, chain, at)
	if err != nil {
		return res, err
	}
	ev, err := k.evaluate(ctx, a, chain, counters, at, false)
	if err != nil {
		return res, err
	}
	res.Verdicts = ev.verdicts
	if ev.failed != nil {
		res.FailedGuard = ev.verdicts[len(ev.verdicts)-1].Guard
		return res, nil
	}
	res.Allowed = true
	res.Mutations = ev.mutations
	return res, nil
}

// ScopeTx is handed to Scoped callbacks while the lock is held.
type ScopeTx struct {
	k       *Kernel
	GroupID string
}

// Reverse undoes a reservation, skipping buckets that have already ended.
func (tx *ScopeTx) Reverse(ctx context.Context, muts []guard.Mutation) error {
	now := tx.k.now()
	for _, m := range muts {
		if !m.Live(now) {
			continue
		}
		inv := m.Inverse()
		if _, err := tx.k.backend.Increment(ctx, inv.Key, inv.Delta, inv.TTL); err != nil {
			return fmt.Errorf("reverse counter %s: %w", m.Key, err)
		}
	}
	return nil
}

// Scoped runs fn while holding the wallet's scope lock.
func (k *Kernel) Scoped(ctx context.Context, walletID string, fn func(ctx context.Context, tx *ScopeTx) error) error {
	return k.withWalletLock(ctx, walletID, func(ctx context.Context, groupID string) error {
		return fn(ctx, &ScopeTx{k: k, GroupID: groupID})
	})
}

// ReverseFor undoes a reservation taken while the wallet belonged to groupID.
// If the wallet has moved since, that group's lock is held for the reversal too.
func (tx *ScopeTx) ReverseFor(ctx context.Context, groupID string, muts []guard.Mutation) error {
	if groupID == "" || groupID == tx.GroupID {
		return tx.Reverse(ctx, muts)
	}
	lock, err := tx.k.acquire(ctx, GroupScope(groupID))
	if err != nil {
		return err
	}
	defer tx.k.release(ctx, lock)
	return tx.Reverse(ctx, muts)
}
