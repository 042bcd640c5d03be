package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spendguard/internal/alerting"
	"spendguard/internal/api"
	"spendguard/internal/config"
	"spendguard/internal/intent"
	"spendguard/internal/kernel"
	"spendguard/internal/ledger"
	"spendguard/internal/provider"
	"spendguard/internal/scheduler"
	"spendguard/internal/service"
	"spendguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime is the wired object graph behind a command.
type runtime struct {
	backend storage.Backend
	kernel  *kernel.Kernel
	intents *intent.Manager
	service *service.Service
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newProvider selects the transfer and balance collaborators. An EVM RPC
// endpoint, when configured, takes over balance reads.
func (a *App) newProvider() (provider.Transferer, provider.BalanceReader, func()) {
	var (
		transferer provider.Transferer
		balances   provider.BalanceReader
		closer     = func() {}
	)
	switch a.Config.Provider.Kind {
	case config.ProviderHTTP:
		cfg := a.Config.Provider.HTTP
		h := provider.NewHTTPTransferer(provider.HTTPOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			TokenID:   cfg.TokenID,
			FeeLevel:  cfg.FeeLevel,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
		}, a.Logger)
		transferer, balances = h, h
	default:
		a.Logger.Warn().Msg("dry-run provider selected; transfers are simulated")
		d := provider.NewDryRun(a.Logger)
		transferer, balances = d, d
	}

	if evm := a.Config.Provider.EVM; evm.RPCURL != "" {
		reader := provider.NewEVMBalance(provider.EVMOptions{
			RPCURL:        evm.RPCURL,
			TokenAddress:  evm.TokenAddress,
			TokenDecimals: evm.TokenDecimals,
			Timeout:       evm.RequestTimeout,
			Addresses:     evm.Addresses,
		}, a.Logger)
		balances = reader
		closer = reader.Close
	}
	return transferer, balances, closer
}

func (a *App) open(ctx context.Context, sched *scheduler.Scheduler) (*runtime, error) {
	backend, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{backend: backend}
	rt.closers = append(rt.closers, func() {
		if err := backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close storage backend")
		}
	})

	l := ledger.New(backend, a.Config.Kernel.LockTimeout, a.Logger)
	rt.kernel = kernel.New(backend, l, kernel.Options{
		LockTimeout:    a.Config.Kernel.LockTimeout,
		ConfirmTimeout: a.Config.Kernel.ConfirmTimeout,
	}, a.Logger)

	transferer, balances, closeProvider := a.newProvider()
	rt.closers = append(rt.closers, closeProvider)

	rt.intents = intent.NewManager(rt.kernel, backend, transferer, balances, intent.Options{
		DefaultTTL: a.Config.Intents.DefaultTTL,
		MaxTTL:     a.Config.Intents.MaxTTL,
		Retention:  a.Config.Intents.Retention,
	}, a.Logger)

	var purger storage.Purger
	if p, ok := backend.(storage.Purger); ok {
		purger = p
	}

	rt.service = service.New(a.Config, service.Deps{
		Kernel:     rt.kernel,
		Transferer: transferer,
		Balances:   balances,
		Intents:    rt.intents,
		Notifier:   a.newNotifier(),
		Scheduler:  sched,
		Purger:     purger,
	}, a.Logger)
	return rt, nil
}

// with opens the runtime for a one-shot command.
func (a *App) with(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) error {
	rt, err := a.open(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// Run executes the long-running HTTP API and maintenance loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{RunOnStart: true}, a.Logger)
	rt, err := a.open(ctx, sched)
	if err != nil {
		return err
	}
	defer rt.Close()

	server := api.New(a.Config.API, rt.service, a.Logger)
	a.Logger.Info().Str("backend", a.Config.Storage.Backend).Msg("starting spendguard service")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(gctx) })
	group.Go(func() error { return rt.service.Run(gctx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("spendguard service stopped")
	return nil
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// ExportOptions hold parameters for exporting completed spend.
type ExportOptions struct {
	Scope     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Scope  string
	Limit  int
	Offset int
}
