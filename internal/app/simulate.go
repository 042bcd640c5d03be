package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"spendguard/internal/kernel"
	"spendguard/internal/service"
)

// Pay evaluates and executes one payment, printing the outcome. A denial
// prints the verdicts before returning the error.
func (a *App) Pay(ctx context.Context, req service.PayRequest) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		res, err := rt.service.Pay(ctx, req)
		if perr := a.printJSON(res); perr != nil {
			return perr
		}
		return err
	})
}

// Simulate 在不提交任何计数器的情况下评估一次支付。
func (a *App) Simulate(ctx context.Context, req service.PayRequest) error {
	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		res, err := rt.service.Simulate(ctx, req)
		if err != nil {
			return err
		}
		a.printVerdicts(res)
		return nil
	})
}

func (a *App) printVerdicts(res kernel.CommitResult) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Guard\tKind\tAllowed\tCode\tReason")
	for _, v := range res.Verdicts {
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\t%s\n", v.Guard, v.Kind, v.Allowed, v.Code, sanitizeInline(v.Reason))
	}
	writer.Flush()

	if res.Allowed {
		fmt.Fprintln(a.Out, "result: allowed")
		return
	}
	fmt.Fprintf(a.Out, "result: denied by %s\n", res.FailedGuard)
}
