package app

import (
	"context"

	"spendguard/internal/intent"
)

// CreateIntent reserves a payment and prints the intent.
func (a *App) CreateIntent(ctx context.Context, req intent.CreateRequest) error {
	req.TTL = a.Config.ResolveIntentTTL(req.TTL)
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		in, err := rt.service.CreateIntent(ctx, req)
		if err != nil {
			return err
		}
		return a.printJSON(in)
	})
}

// ConfirmIntent confirms and executes an intent.
func (a *App) ConfirmIntent(ctx context.Context, id string) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		in, err := rt.intents.Confirm(ctx, id)
		if in.ID != "" {
			if perr := a.printJSON(in); perr != nil {
				return perr
			}
		}
		return err
	})
}

// CancelIntent releases an intent's reservation.
func (a *App) CancelIntent(ctx context.Context, id string) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		in, err := rt.intents.Cancel(ctx, id)
		if err != nil {
			return err
		}
		return a.printJSON(in)
	})
}

// GetIntent prints an intent, expiring it first when overdue.
func (a *App) GetIntent(ctx context.Context, id string) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		in, err := rt.intents.Get(ctx, id)
		if err != nil {
			return err
		}
		return a.printJSON(in)
	})
}
