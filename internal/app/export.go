package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"spendguard/internal/guard"
	"spendguard/internal/kernel"
	"spendguard/internal/ledger"
)

// spendPoint is one completed payment with the running total after it.
type spendPoint struct {
	At         time.Time
	EntryID    string
	WalletID   string
	Recipient  string
	Amount     decimal.Decimal
	Cumulative decimal.Decimal
	TxRef      string
}

// Export renders completed spend of a scope as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	scope, err := kernel.ParseScope(opts.Scope)
	if err != nil {
		return err
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	return a.with(ctx, func(ctx context.Context, rt *runtime) error {
		points, err := collectSpend(ctx, rt.kernel.Ledger(), scope.String(), from, to)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			a.Logger.Info().Str("scope", scope.String()).Msg("no completed payments in export window")
			return nil
		}

		downsampled := downsamplePoints(points, opts.MaxPoints)
		a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting spend")

		if opts.CSVPath != "" {
			if err := writeSpendCSV(opts.CSVPath, downsampled); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writeSpendPNG(opts.PNGPath, scope.String(), downsampled); err != nil {
				return err
			}
		}
		return nil
	})
}

// collectSpend walks the scope's ledger and keeps completed entries inside
// [from, to). The running total starts at zero at from.
func collectSpend(ctx context.Context, l *ledger.Ledger, scope string, from, to time.Time) ([]spendPoint, error) {
	var (
		points []spendPoint
		total  = decimal.Zero
	)
	err := l.Scan(ctx, scope, func(e ledger.Entry) error {
		if e.Status != ledger.StatusCompleted {
			return nil
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			return nil
		}
		total = total.Add(e.Amount)
		points = append(points, spendPoint{
			At:         e.CreatedAt.UTC(),
			EntryID:    e.ID,
			WalletID:   e.WalletID,
			Recipient:  e.Recipient,
			Amount:     e.Amount,
			Cumulative: total,
			TxRef:      e.TxRef,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

func downsamplePoints(points []spendPoint, max int) []spendPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]spendPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSpendCSV(path string, points []spendPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "entry_id", "wallet_id", "recipient", "amount_usdc", "cumulative_usdc", "tx_ref"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.At.Format(time.RFC3339),
			p.EntryID,
			p.WalletID,
			p.Recipient,
			formatDecimal(p.Amount, guard.Decimals),
			formatDecimal(p.Cumulative, guard.Decimals),
			p.TxRef,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSpendPNG(path, scope string, points []spendPoint) error {
	if len(points) < 2 {
		return errors.New("png export needs at least two completed payments")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	cumulative := make([]float64, len(points))
	amounts := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		cumulative[i] = p.Cumulative.InexactFloat64()
		amounts[i] = p.Amount.InexactFloat64()
	}

	usdcFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  "Completed spend " + scope,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative (USDC)",
			ValueFormatter: usdcFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Payment (USDC)",
			ValueFormatter: usdcFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
			},
			chart.TimeSeries{
				Name:    "Payment",
				XValues: x,
				YValues: amounts,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
