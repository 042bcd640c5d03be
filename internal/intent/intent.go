package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/guard"
	"spendguard/internal/kernel"
	"spendguard/internal/ledger"
	"spendguard/internal/provider"
	"spendguard/internal/storage"
)

// Status is an intent's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending_confirmation"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var (
	ErrIntentNotFound        = errors.New("payment intent not found")
	ErrIntentExpired         = errors.New("payment intent expired")
	ErrIntentAlreadyResolved = errors.New("payment intent already resolved")
)

// Intent is a reserved payment awaiting confirmation.
type Intent struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"wallet_id"`
	GroupID     string            `json:"group_id,omitempty"`
	Recipient   string            `json:"recipient"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Purpose     string            `json:"purpose,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
	ExpiresAt   time.Time         `json:"expires_at"`
	EntryID     string            `json:"entry_id"`
	Reservation []guard.Mutation  `json:"reservation,omitempty"`
	TxRef       string            `json:"tx_ref,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CreateRequest describes a new intent.
type CreateRequest struct {
	// ID is an optional idempotency key.
	ID        string
	WalletID  string
	Recipient string
	Amount    decimal.Decimal
	Purpose   string
	Metadata  map[string]string
	TTL       time.Duration
}

// Options govern intent lifetimes.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// Retention keeps resolved records around after expires_at.
	Retention time.Duration
	// SweepDays is how many past expiry days SweepExpired scans.
	SweepDays int
}

const (
	recordPrefix   = "intent:"
	expiringPrefix = "intent:expiring:"
	dayLayout      = "20060102"
)

// Manager owns the intent lifecycle.
type Manager struct {
	kernel     *kernel.Kernel
	ledger     *ledger.Ledger
	backend    storage.Backend
	transferer provider.Transferer
	balances   provider.BalanceReader
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

// NewManager constructs a Manager. balances may be nil.
func NewManager(k *kernel.Kernel, backend storage.Backend, transferer provider.Transferer, balances provider.BalanceReader, opts Options, logger zerolog.Logger) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.Retention < 0 {
		opts.Retention = 0
	}
	if opts.SweepDays <= 0 {
		opts.SweepDays = 2
	}
	return &Manager{
		kernel:     k,
		ledger:     k.Ledger(),
		backend:    backend,
		transferer: transferer,
		balances:   balances,
		opts:       opts,
		logger:     logger.With().Str("component", "intents").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) ttl(requested time.Duration) time.Duration {
	if requested <= 0 {
		return m.opts.DefaultTTL
	}
	if requested > m.opts.MaxTTL {
		return m.opts.MaxTTL
	}
	return requested
}

// Create evaluates and reserves the payment. The intent record is written
// inside the same scope lock hold as the counter reservation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Intent, error) {
	attempt := kernel.Attempt{
		ID:        req.ID,
		WalletID:  req.WalletID,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Purpose:   req.Purpose,
		Metadata:  req.Metadata,
	}
	ttl := m.ttl(req.TTL)

	var created Intent
	_, err := m.kernel.Commit(ctx, attempt, kernel.CommitOptions{
		Type: ledger.TypeIntent,
		AfterCommit: func(ctx context.Context, res kernel.CommitResult) error {
			now := m.now()
			created = Intent{
				ID:          res.AttemptID,
				WalletID:    req.WalletID,
				GroupID:     res.GroupID,
				Recipient:   req.Recipient,
				Amount:      req.Amount,
				Currency:    guard.Currency,
				Purpose:     req.Purpose,
				Metadata:    req.Metadata,
				Status:      StatusPending,
				ExpiresAt:   now.Add(ttl),
				EntryID:     res.EntryID,
				Reservation: res.Mutations,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := m.save(ctx, created); err != nil {
				return err
			}
			return m.index(ctx, created)
		},
	})
	if err != nil {
		return Intent{}, err
	}

	m.logger.Info().
		Str("intent", created.ID).
		Str("wallet", created.WalletID).
		Str("amount", created.Amount.String()).
		Time("expires_at", created.ExpiresAt).
		Msg("intent created")
	return created, nil
}

func (m *Manager) save(ctx context.Context, in Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	ttl := in.ExpiresAt.Add(m.opts.Retention).Sub(m.now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := m.backend.Set(ctx, recordPrefix+in.ID, data, ttl); err != nil {
		return fmt.Errorf("store intent %s: %w", in.ID, err)
	}
	return nil
}

// index files the intent under its expiry day for the sweeper.
func (m *Manager) index(ctx context.Context, in Intent) error {
	day := in.ExpiresAt.UTC().Truncate(24 * time.Hour)
	ttl := day.Add(time.Duration(m.opts.SweepDays+1) * 24 * time.Hour).Sub(m.now())
	if _, err := m.backend.Append(ctx, expiringPrefix+day.Format(dayLayout), []byte(in.ID), ttl); err != nil {
		return fmt.Errorf("index intent %s: %w", in.ID, err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (Intent, error) {
	data, err := m.backend.Get(ctx, recordPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if err != nil {
		return Intent{}, fmt.Errorf("load intent %s: %w", id, err)
	}
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return Intent{}, fmt.Errorf("decode intent %s: %w", id, err)
	}
	return in, nil
}

func (m *Manager) overdue(in Intent) bool {
	return in.Status == StatusPending && !m.now().Before(in.ExpiresAt)
}

// Get loads an intent, expiring it first when it is overdue.
func (m *Manager) Get(ctx context.Context, id string) (Intent, error) {
	in, _, err := m.get(ctx, id)
	return in, err
}

func (m *Manager) get(ctx context.Context, id string) (Intent, bool, error) {
	in, err := m.load(ctx, id)
	if err != nil {
		return Intent{}, false, err
	}
	if !m.overdue(in) {
		return in, false, nil
	}

	var expired bool
	err = m.kernel.Scoped(ctx, in.WalletID, func(ctx context.Context, tx *kernel.ScopeTx) error {
		current, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if m.overdue(current) {
			current, err = m.expireLocked(ctx, tx, current)
			if err != nil {
				return err
			}
			expired = true
		}
		in = current
		return nil
	})
	if err != nil {
		return Intent{}, false, err
	}
	return in, expired, nil
}

// expireLocked releases the reservation and cancels the ledger entry. The
// caller holds the scope lock.
func (m *Manager) expireLocked(ctx context.Context, tx *kernel.ScopeTx, in Intent) (Intent, error) {
	return m.resolveLocked(ctx, tx, in, StatusExpired, "intent expired")
}

func (m *Manager) resolveLocked(ctx context.Context, tx *kernel.ScopeTx, in Intent, status Status, reason string) (Intent, error) {
	if err := tx.ReverseFor(ctx, in.GroupID, in.Reservation); err != nil {
		return in, err
	}
	in.Status = status
	in.UpdatedAt = m.now()
	if err := m.save(ctx, in); err != nil {
		return in, err
	}
	if _, err := m.ledger.Cancel(ctx, in.EntryID, reason); err != nil && !errors.Is(err, ledger.ErrEntryFinalized) {
		return in, err
	}
	m.logger.Info().Str("intent", in.ID).Str("status", string(status)).Msg("intent reservation released")
	return in, nil
}

// settle enforces the pending/unexpired precondition under the lock.
// Overdue intents are expired on the way out.
func (m *Manager) settle(ctx context.Context, tx *kernel.ScopeTx, id string) (Intent, error) {
	in, err := m.load(ctx, id)
	if err != nil {
		return Intent{}, err
	}
	if m.overdue(in) {
		if _, err := m.expireLocked(ctx, tx, in); err != nil {
			return Intent{}, err
		}
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentExpired, id)
	}
	switch in.Status {
	case StatusPending:
		return in, nil
	case StatusExpired:
		return in, fmt.Errorf("%w: %s", ErrIntentExpired, id)
	default:
		return in, fmt.Errorf("%w: %s is %s", ErrIntentAlreadyResolved, id, in.Status)
	}
}

func (m *Manager) walletOf(ctx context.Context, id string) (string, error) {
	in, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	return in.WalletID, nil
}

// Confirm marks the intent confirmed, then executes the transfer outside
// the lock and records the outcome on the ledger. A failed transfer keeps
// the reservation counted.
func (m *Manager) Confirm(ctx context.Context, id string) (Intent, error) {
	walletID, err := m.walletOf(ctx, id)
	if err != nil {
		return Intent{}, err
	}

	var in Intent
	err = m.kernel.Scoped(ctx, walletID, func(ctx context.Context, tx *kernel.ScopeTx) error {
		current, err := m.settle(ctx, tx, id)
		if err != nil {
			return err
		}
		current.Status = StatusConfirmed
		current.UpdatedAt = m.now()
		if err := m.save(ctx, current); err != nil {
			return err
		}
		in = current
		return nil
	})
	if err != nil {
		return Intent{}, err
	}

	m.logger.Info().Str("intent", in.ID).Msg("intent confirmed")
	return m.execute(ctx, in)
}

func (m *Manager) execute(ctx context.Context, in Intent) (Intent, error) {
	res, err := m.transfer(ctx, in)
	if err != nil {
		in.Error = err.Error()
		in.UpdatedAt = m.now()
		if _, ferr := m.ledger.Fail(ctx, in.EntryID, err.Error()); ferr != nil {
			m.logger.Error().Err(ferr).Str("intent", in.ID).Msg("failed to record transfer failure")
		}
		if serr := m.save(ctx, in); serr != nil {
			m.logger.Error().Err(serr).Str("intent", in.ID).Msg("failed to store intent")
		}
		m.logger.Error().Err(err).Str("intent", in.ID).Msg("intent transfer failed")
		return in, fmt.Errorf("execute intent %s: %w", in.ID, err)
	}

	in.TxRef = res.Ref()
	in.UpdatedAt = m.now()
	if _, err := m.ledger.Complete(ctx, in.EntryID, in.TxRef); err != nil {
		return in, err
	}
	if err := m.save(ctx, in); err != nil {
		return in, err
	}
	m.logger.Info().Str("intent", in.ID).Str("tx_ref", in.TxRef).Msg("intent executed")
	return in, nil
}

func (m *Manager) transfer(ctx context.Context, in Intent) (provider.TransferResult, error) {
	if m.transferer == nil {
		return provider.TransferResult{}, errors.New("no transfer provider configured")
	}
	if err := provider.EnsureBalance(ctx, m.balances, in.WalletID, in.Amount); err != nil {
		return provider.TransferResult{}, err
	}
	res, err := m.transferer.Transfer(ctx, provider.Transfer{
		WalletID:       in.WalletID,
		Recipient:      in.Recipient,
		Amount:         in.Amount,
		IdempotencyKey: in.ID,
	})
	if err != nil {
		return res, err
	}
	if res.Failed() {
		return res, fmt.Errorf("transfer %s ended %s", res.ID, res.State)
	}
	return res, nil
}

// Cancel releases the reservation of a pending intent.
func (m *Manager) Cancel(ctx context.Context, id string) (Intent, error) {
	walletID, err := m.walletOf(ctx, id)
	if err != nil {
		return Intent{}, err
	}

	var in Intent
	err = m.kernel.Scoped(ctx, walletID, func(ctx context.Context, tx *kernel.ScopeTx) error {
		current, err := m.settle(ctx, tx, id)
		if err != nil {
			return err
		}
		in, err = m.resolveLocked(ctx, tx, current, StatusCancelled, "intent cancelled")
		return err
	})
	if err != nil {
		return Intent{}, err
	}
	return in, nil
}

// SweepExpired expires overdue intents filed under recent expiry days and
// returns how many it transitioned.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	today := m.now().Truncate(24 * time.Hour)
	swept := 0
	for d := m.opts.SweepDays; d >= 0; d-- {
		key := expiringPrefix + today.Add(-time.Duration(d)*24*time.Hour).Format(dayLayout)
		n, err := m.backend.Len(ctx, key)
		if err != nil {
			return swept, fmt.Errorf("sweep %s: %w", key, err)
		}
		ids, err := m.backend.Range(ctx, key, 0, n)
		if err != nil {
			return swept, fmt.Errorf("sweep %s: %w", key, err)
		}
		for _, raw := range ids {
			if err := ctx.Err(); err != nil {
				return swept, err
			}
			_, expired, err := m.get(ctx, string(raw))
			if errors.Is(err, ErrIntentNotFound) {
				continue
			}
			if err != nil {
				m.logger.Warn().Err(err).Str("intent", string(raw)).Msg("sweep failed for intent")
				continue
			}
			if expired {
				swept++
			}
		}
	}
	if swept > 0 {
		m.logger.Info().Int("expired", swept).Msg("expired intents swept")
	}
	return swept, nil
}
