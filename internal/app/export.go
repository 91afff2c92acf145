package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"tranche-ledger/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Export renders rebase history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListRebasesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no rebases found for export window")
		return nil
	}

	if opts.CommittedOnly {
		records = committedOnly(records)
	}
	downsampled := downsampleRebases(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting rebases")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeRebasesCSV(w, downsampled) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		committed := committedOnly(downsampled)
		if len(committed) < 2 {
			a.Logger.Warn().Int("committed", len(committed)).Msg("not enough committed rebases to chart")
			return nil
		}
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return renderRebaseChart(w, committed) }); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRebases(records []storage.RebaseRecord, max int) []storage.RebaseRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.RebaseRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func committedOnly(records []storage.RebaseRecord) []storage.RebaseRecord {
	out := make([]storage.RebaseRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status == storage.StatusCommitted {
			out = append(out, rec)
		}
	}
	return out
}

var csvHeader = []string{
	"slot", "epoch", "status", "price", "price_source", "tier", "annual_rate_pct", "zone",
	"backing_ratio", "supply_before", "supply_after", "index",
	"senior_value", "junior_value", "reserve_value",
	"to_junior", "to_reserve", "from_reserve", "from_junior", "shortfall", "error",
}

func writeRebasesCSV(w io.Writer, records []storage.RebaseRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.Slot.UTC().Format(time.RFC3339),
			strconv.FormatUint(rec.Epoch, 10),
			rec.Status,
			rec.Price.String(),
			rec.PriceSource,
			strconv.Itoa(rec.Tier),
			rec.AnnualRate.Mul(hundred).String(),
			rec.Zone,
			rec.BackingRatio.String(),
			rec.SupplyBefore.String(),
			rec.SupplyAfter.String(),
			rec.Index.String(),
			rec.SeniorValue.String(),
			rec.JuniorValue.String(),
			rec.ReserveValue.String(),
			rec.ToJunior.String(),
			rec.ToReserve.String(),
			rec.FromReserve.String(),
			rec.FromJunior.String(),
			rec.Shortfall.String(),
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func renderRebaseChart(w io.Writer, records []storage.RebaseRecord) error {
	x := make([]time.Time, len(records))
	ratio := make([]float64, len(records))
	index := make([]float64, len(records))
	price := make([]float64, len(records))
	rate := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.Slot
		ratio[i] = rec.BackingRatio.InexactFloat64()
		index[i] = rec.Index.InexactFloat64()
		price[i] = rec.Price.InexactFloat64()
		rate[i] = rec.AnnualRate.Mul(hundred).InexactFloat64()
	}

	ratioFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Ratio / index / price",
			ValueFormatter: ratioFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Selected rate (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Backing ratio",
				XValues: x,
				YValues: ratio,
			},
			chart.TimeSeries{
				Name:    "Index",
				XValues: x,
				YValues: index,
			},
			chart.TimeSeries{
				Name:    "Position price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Annual rate %",
				XValues: x,
				YValues: rate,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, render func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
