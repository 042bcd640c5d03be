package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/alerting"
	"spendguard/internal/config"
	"spendguard/internal/intent"
	"spendguard/internal/kernel"
	"spendguard/internal/ledger"
	"spendguard/internal/provider"
	"spendguard/internal/scheduler"
	"spendguard/internal/storage"
)

// ErrInsufficientBalance is returned when the wallet cannot cover a payment
// that the guards allowed.
var ErrInsufficientBalance = provider.ErrInsufficientBalance

const purgeInterval = time.Hour

// Deps are the collaborators of a Service. Balances, Notifier, Intents,
// Scheduler and Purger may be nil.
type Deps struct {
	Kernel     *kernel.Kernel
	Transferer provider.Transferer
	Balances   provider.BalanceReader
	Intents    *intent.Manager
	Notifier   alerting.Notifier
	Scheduler  *scheduler.Scheduler
	Purger     storage.Purger
}

// Service orchestrates guarded payments: kernel commit, balance check,
// transfer and ledger outcome, with alerts on denial.
type Service struct {
	kernel     *kernel.Kernel
	ledger     *ledger.Ledger
	transferer provider.Transferer
	balances   provider.BalanceReader
	intents    *intent.Manager
	notifier   alerting.Notifier
	scheduler  *scheduler.Scheduler
	purger     storage.Purger
	logger     zerolog.Logger

	channels      []string
	alertsOn      bool
	sweepInterval time.Duration
}

// PayRequest describes a payment to evaluate and execute.
type PayRequest struct {
	ID         string            `json:"id,omitempty"`
	WalletID   string            `json:"wallet_id"`
	Recipient  string            `json:"recipient"`
	Amount     decimal.Decimal   `json:"amount"`
	Purpose    string            `json:"purpose,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SkipGuards bool              `json:"skip_guards,omitempty"`
}

func (r PayRequest) attempt() kernel.Attempt {
	return kernel.Attempt{
		ID:         r.ID,
		WalletID:   r.WalletID,
		Recipient:  r.Recipient,
		Amount:     r.Amount,
		Purpose:    r.Purpose,
		Metadata:   r.Metadata,
		SkipGuards: r.SkipGuards,
	}
}

// PayResult is the outcome of Pay.
type PayResult struct {
	Commit   kernel.CommitResult      `json:"commit"`
	Entry    *ledger.Entry            `json:"entry,omitempty"`
	Transfer *provider.TransferResult `json:"transfer,omitempty"`
}

// New constructs the payment service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		kernel:        deps.Kernel,
		ledger:        deps.Kernel.Ledger(),
		transferer:    deps.Transferer,
		balances:      deps.Balances,
		intents:       deps.Intents,
		notifier:      deps.Notifier,
		scheduler:     deps.Scheduler,
		purger:        deps.Purger,
		logger:        logger.With().Str("component", "service").Logger(),
		channels:      cfg.Alerting.Channels,
		alertsOn:      cfg.Alerting.Enabled,
		sweepInterval: cfg.Intents.SweepInterval,
	}
}

// Kernel exposes the guard kernel.
func (s *Service) Kernel() *kernel.Kernel { return s.kernel }

// Intents exposes the intent manager, nil when not configured.
func (s *Service) Intents() *intent.Manager { return s.intents }

// Pay evaluates the guards, commits the spend, executes the transfer and
// records the outcome. A denial returns the result together with a
// *kernel.DeniedError. A failed execution keeps the counters committed.
func (s *Service) Pay(ctx context.Context, req PayRequest) (PayResult, error) {
	res, err := s.kernel.EvaluateAndCommit(ctx, req.attempt())
	out := PayResult{Commit: res}
	if err != nil {
		s.alertDenial(ctx, req.WalletID, err)
		return out, err
	}

	transfer, err := s.execute(ctx, req, res.EntryID)
	if err != nil {
		entry, ferr := s.ledger.Fail(ctx, res.EntryID, err.Error())
		if ferr != nil {
			s.logger.Error().Err(ferr).Str("entry", res.EntryID).Msg("failed to record payment failure")
		} else {
			out.Entry = &entry
		}
		s.logger.Error().Err(err).
			Str("wallet", req.WalletID).
			Str("entry", res.EntryID).
			Msg("payment execution failed")
		return out, fmt.Errorf("execute payment %s: %w", res.EntryID, err)
	}
	out.Transfer = &transfer

	entry, err := s.ledger.Complete(ctx, res.EntryID, transfer.Ref())
	if err != nil {
		return out, fmt.Errorf("complete ledger entry %s: %w", res.EntryID, err)
	}
	out.Entry = &entry

	s.logger.Info().
		Str("wallet", req.WalletID).
		Str("amount", req.Amount.String()).
		Str("entry", entry.ID).
		Str("tx_ref", entry.TxRef).
		Msg("payment executed")
	return out, nil
}

func (s *Service) execute(ctx context.Context, req PayRequest, entryID string) (provider.TransferResult, error) {
	if s.transferer == nil {
		return provider.TransferResult{}, errors.New("no transfer provider configured")
	}
	if err := provider.EnsureBalance(ctx, s.balances, req.WalletID, req.Amount); err != nil {
		return provider.TransferResult{}, err
	}
	res, err := s.transferer.Transfer(ctx, provider.Transfer{
		WalletID:       req.WalletID,
		Recipient:      req.Recipient,
		Amount:         req.Amount,
		IdempotencyKey: entryID,
	})
	if err != nil {
		return res, err
	}
	if res.Failed() {
		return res, fmt.Errorf("transfer %s ended %s", res.ID, res.State)
	}
	return res, nil
}

// Simulate evaluates without side effects.
func (s *Service) Simulate(ctx context.Context, req PayRequest) (kernel.CommitResult, error) {
	return s.kernel.Simulate(ctx, req.attempt())
}

// CreateIntent reserves a payment for later confirmation.
func (s *Service) CreateIntent(ctx context.Context, req intent.CreateRequest) (intent.Intent, error) {
	if s.intents == nil {
		return intent.Intent{}, errors.New("intents not configured")
	}
	in, err := s.intents.Create(ctx, req)
	if err != nil {
		s.alertDenial(ctx, req.WalletID, err)
	}
	return in, err
}

func (s *Service) alertDenial(ctx context.Context, walletID string, err error) {
	var denied *kernel.DeniedError
	if !errors.As(err, &denied) {
		return
	}
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		At:        time.Now().UTC(),
		Scope:     denied.Scope.String(),
		WalletID:  walletID,
		Guard:     denied.Guard,
		Kind:      string(denied.Kind),
		Code:      string(denied.Code),
		Reason:    denied.Reason,
		Amount:    denied.Amount,
		Recipient: denied.Recipient,
		Channels:  s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("wallet", walletID).Msg("failed to dispatch alert")
	}
}

// Run drives background maintenance until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	var jobs []scheduler.Job
	if s.intents != nil && s.sweepInterval > 0 {
		jobs = append(jobs, scheduler.Job{Name: "intent_sweep", Interval: s.sweepInterval, Run: s.SweepIntents})
	}
	if s.purger != nil {
		jobs = append(jobs, scheduler.Job{Name: "storage_purge", Interval: purgeInterval, AlignToStart: true, Run: s.Purge})
	}
	if len(jobs) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.scheduler.Run(ctx, jobs...)
}

// SweepIntents expires overdue intents.
func (s *Service) SweepIntents(ctx context.Context, _ time.Time) error {
	if s.intents == nil {
		return nil
	}
	_, err := s.intents.SweepExpired(ctx)
	return err
}

// Purge drops expired storage rows on backends that keep them.
func (s *Service) Purge(ctx context.Context, _ time.Time) error {
	if s.purger == nil {
		return nil
	}
	return s.purger.Purge(ctx)
}
