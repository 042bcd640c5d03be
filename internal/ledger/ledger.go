package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/guard"
	"spendguard/internal/storage"
)

// Type classifies how an entry came to be.
type Type string

const (
	TypePayment Type = "payment"
	TypeIntent  Type = "intent"
	TypeBypass  Type = "bypass"
)

// Status is the execution state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrEntryNotFound is returned for unknown entry ids.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrEntryFinalized rejects a second outcome for the same entry.
	ErrEntryFinalized = errors.New("ledger entry already finalized")
)

// Entry is the audit record of one committed attempt.
type Entry struct {
	ID        string            `json:"id"`
	Seq       int64             `json:"seq"`
	WalletID  string            `json:"wallet_id"`
	GroupID   string            `json:"group_id,omitempty"`
	Scopes    []string          `json:"scopes"`
	Recipient string            `json:"recipient"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Type      Type              `json:"type"`
	Status    Status            `json:"status"`
	Verdicts  []guard.Verdict   `json:"verdicts,omitempty"`
	Purpose   string            `json:"purpose,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TxRef     string            `json:"tx_ref,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

const (
	seqKey        = "ledger:seq"
	entryPrefix   = "ledger:entry:"
	indexPrefix   = "ledger:idx:"
	lockPrefix    = "lock:ledger:"
	scanChunkSize = 500
)

// Ledger is the append-only payment record.
type Ledger struct {
	backend     storage.Backend
	lockTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// New constructs a Ledger over the backend.
func New(backend storage.Backend, lockTimeout time.Duration, logger zerolog.Logger) *Ledger {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Ledger{
		backend:     backend,
		lockTimeout: lockTimeout,
		logger:      logger.With().Str("component", "ledger").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Record appends a pending entry and indexes it under each of its scopes.
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	if l == nil || l.backend == nil {
		return Entry{}, storage.ErrNotConfigured
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Currency == "" {
		e.Currency = guard.Currency
	}
	if e.Type == "" {
		e.Type = TypePayment
	}
	e.Status = StatusPending
	now := l.now()
	e.CreatedAt, e.UpdatedAt = now, now

	seq, err := l.backend.Increment(ctx, seqKey, 1, 0)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger sequence: %w", err)
	}
	e.Seq = seq

	if err := l.put(ctx, e); err != nil {
		return Entry{}, err
	}
	for _, scope := range e.Scopes {
		if _, err := l.backend.Append(ctx, indexPrefix+scope, []byte(e.ID), 0); err != nil {
			return Entry{}, fmt.Errorf("index ledger entry %s: %w", e.ID, err)
		}
	}

	l.logger.Debug().
		Str("entry", e.ID).
		Int64("seq", e.Seq).
		Str("type", string(e.Type)).
		Str("amount", e.Amount.String()).
		Msg("ledger entry recorded")
	return e, nil
}

func (l *Ledger) put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := l.backend.Set(ctx, entryPrefix+e.ID, data, 0); err != nil {
		return fmt.Errorf("store ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// Get loads a single entry.
func (l *Ledger) Get(ctx context.Context, id string) (Entry, error) {
	if l == nil || l.backend == nil {
		return Entry{}, storage.ErrNotConfigured
	}
	data, err := l.backend.Get(ctx, entryPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load ledger entry %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry %s: %w", id, err)
	}
	return e, nil
}

// Complete marks a pending entry as executed.
func (l *Ledger) Complete(ctx context.Context, id, txRef string) (Entry, error) {
	return l.finalize(ctx, id, StatusCompleted, txRef, "")
}

// Fail marks a pending entry as failed with the given reason.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (Entry, error) {
	return l.finalize(ctx, id, StatusFailed, "", reason)
}

// Cancel marks a pending entry as cancelled.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (Entry, error) {
	return l.finalize(ctx, id, StatusCancelled, "", reason)
}

func (l *Ledger) finalize(ctx context.Context, id string, status Status, txRef, reason string) (Entry, error) {
	if l == nil || l.backend == nil {
		return Entry{}, storage.ErrNotConfigured
	}
	lock, err := l.backend.AcquireLock(ctx, lockPrefix+id, l.lockTimeout)
	if err != nil {
		return Entry{}, fmt.Errorf("lock ledger entry %s: %w", id, err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			l.logger.Warn().Err(err).Str("entry", id).Msg("failed to release ledger lock")
		}
	}()

	e, err := l.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if e.Status != StatusPending {
		return e, fmt.Errorf("%w: %s is %s", ErrEntryFinalized, id, e.Status)
	}
	e.Status = status
	if txRef != "" {
		e.TxRef = txRef
	}
	e.Error = reason
	e.UpdatedAt = l.now()
	if err := l.put(ctx, e); err != nil {
		return Entry{}, err
	}

	l.logger.Debug().Str("entry", id).Str("status", string(status)).Msg("ledger entry finalized")
	return e, nil
}

// History returns a page of a scope's entries, newest first.
func (l *Ledger) History(ctx context.Context, scope string, limit, offset int) ([]Entry, error) {
	if l == nil || l.backend == nil {
		return nil, storage.ErrNotConfigured
	}
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	n, err := l.backend.Len(ctx, indexPrefix+scope)
	if err != nil {
		return nil, fmt.Errorf("ledger index length: %w", err)
	}
	end := n - int64(offset)
	if end <= 0 {
		return []Entry{}, nil
	}
	start := end - int64(limit)
	if start < 0 {
		start = 0
	}

	ids, err := l.backend.Range(ctx, indexPrefix+scope, start, end-start)
	if err != nil {
		return nil, fmt.Errorf("ledger index range: %w", err)
	}
	out := make([]Entry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		e, err := l.Get(ctx, string(ids[i]))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Scan visits every entry of a scope, oldest first, until fn returns an error.
func (l *Ledger) Scan(ctx context.Context, scope string, fn func(Entry) error) error {
	if l == nil || l.backend == nil {
		return storage.ErrNotConfigured
	}
	var offset int64
	for {
		ids, err := l.backend.Range(ctx, indexPrefix+scope, offset, scanChunkSize)
		if err != nil {
			return fmt.Errorf("ledger index range: %w", err)
		}
		for _, id := range ids {
			e, err := l.Get(ctx, string(id))
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(ids) < scanChunkSize {
			return nil
		}
		offset += int64(len(ids))
	}
}

// TotalSpent sums completed entries of a scope.
func (l *Ledger) TotalSpent(ctx context.Context, scope string) (decimal.Decimal, error) {
	total := decimal.Zero
	err := l.Scan(ctx, scope, func(e Entry) error {
		if e.Status == StatusCompleted {
			total = total.Add(e.Amount)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}
