package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"spendguard/internal/guard"
	"spendguard/internal/kernel"
)

// History prints a scope's ledger entries, newest first.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	scope, err := kernel.ParseScope(opts.Scope)
	if err != nil {
		return err
	}
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		entries, err := rt.kernel.Ledger().History(ctx, scope.String(), opts.Limit, opts.Offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(a.Out, "no ledger entries for %s\n", scope)
			return nil
		}

		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tID\tWallet\tRecipient\tAmount\tType\tStatus\tTx\tError")
		for _, e := range entries {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.UTC().Format(time.RFC3339),
				e.ID,
				e.WalletID,
				e.Recipient,
				formatDecimal(e.Amount, guard.Decimals),
				e.Type,
				e.Status,
				e.TxRef,
				sanitizeInline(e.Error),
			)
		}
		return writer.Flush()
	})
}

// Spent prints the completed spend of a scope.
func (a *App) Spent(ctx context.Context, scope string) error {
	s, err := kernel.ParseScope(scope)
	if err != nil {
		return err
	}
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		total, err := rt.kernel.Ledger().TotalSpent(ctx, s.String())
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%s %s %s\n", s, formatDecimal(total, 2), guard.Currency)
		return nil
	})
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
