package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"tranche-ledger/internal/alerting"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/keeper"
	"tranche-ledger/internal/pricefeed"
	"tranche-ledger/internal/tranche"
)

// Simulate runs one keeper cycle against throwaway in-memory tranches seeded
// from opts, using the configured ledger policy. Nothing is persisted; alerts
// are only sent when opts.Notify is set.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, out io.Writer) (tranche.RebaseResult, error) {
	if !opts.Price.IsPositive() {
		return tranche.RebaseResult{}, errors.New("--price 必须大于 0")
	}
	if !opts.Senior.IsPositive() {
		return tranche.RebaseResult{}, errors.New("--senior 必须大于 0")
	}
	if opts.Elapsed <= 0 {
		return tranche.RebaseResult{}, errors.New("--elapsed 必须大于 0")
	}

	cfg, err := a.Config.Ledger.TrancheConfig()
	if err != nil {
		return tranche.RebaseResult{}, err
	}
	books, err := a.newBooks()
	if err != nil {
		return tranche.RebaseResult{}, err
	}

	now := time.Now().UTC()
	clock := func() time.Time { return now }
	trOpts := append(books.options(), tranche.WithClock(clock), tranche.WithLogger(a.Logger))
	seeded, err := tranche.New(cfg, trOpts...)
	if err != nil {
		return tranche.RebaseResult{}, err
	}

	deposits := []struct {
		kind   tranche.Kind
		amount decimal.Decimal
	}{
		{tranche.Reserve, opts.Reserve},
		{tranche.Junior, opts.Junior},
		{tranche.Senior, opts.Senior},
	}
	for _, d := range deposits {
		if !d.amount.IsPositive() {
			continue
		}
		amt, err := fixedpoint.FromDecimal(d.amount)
		if err != nil {
			return tranche.RebaseResult{}, fmt.Errorf("%s amount: %w", d.kind, err)
		}
		req := tranche.DepositRequest{Amount: amt, Receiver: "sim-" + string(d.kind)}
		if d.kind == tranche.Senior {
			_, err = seeded.Senior.Deposit(ctx, req)
		} else {
			var pool *tranche.Pool
			if pool, err = seeded.Pool(d.kind); err == nil {
				_, err = pool.Deposit(ctx, req)
			}
		}
		if err != nil {
			return tranche.RebaseResult{}, fmt.Errorf("seed %s: %w", d.kind, err)
		}
	}

	// Backdate the last rebase so the cycle accrues over opts.Elapsed.
	st := seeded.Snapshot()
	st.LastRebase = now.Add(-opts.Elapsed)
	ledger, err := tranche.Restore(cfg, st, trOpts...)
	if err != nil {
		return tranche.RebaseResult{}, err
	}

	var notifier alerting.Notifier
	if opts.Notify {
		if !a.Config.Alerting.Enabled {
			return tranche.RebaseResult{}, errors.New("alerting 未启用")
		}
		if notifier = a.newNotifier(); notifier == nil {
			return tranche.RebaseResult{}, errors.New("未配置任何告警通道")
		}
	}

	kopts := a.keeperOptions()
	kopts.RemarkFromPosition = true
	kopts.AlertsOn = opts.Notify
	kopts.LockKey = 0

	prices := markedSource{src: pricefeed.Static{Price: opts.Price}, books: books}
	k := keeper.New(ledger, prices, keeper.Stores{}, notifier, kopts, a.Logger)
	res, err := k.RunOnce(ctx, now)
	if err != nil {
		return tranche.RebaseResult{}, err
	}

	printSimulation(out, res)
	return res, nil
}

func printSimulation(out io.Writer, res tranche.RebaseResult) {
	d := fixedpoint.ToDecimal
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Elapsed\t%s\n", res.Elapsed)
	fmt.Fprintf(writer, "Price\t%s\n", formatDecimal(d(res.Price), 6))
	fmt.Fprintf(writer, "Tier\t%d (annual %s%%)\n", res.Selection.Tier, formatDecimal(d(res.Selection.AnnualRate).Mul(hundred), 2))
	fmt.Fprintf(writer, "Zone\t%s\n", res.Plan.Zone)
	fmt.Fprintf(writer, "Backing ratio\t%s\n", formatDecimal(d(res.Plan.Ratio), 6))
	fmt.Fprintf(writer, "Supply\t%s -> %s\n", formatDecimal(d(res.SupplyBefore), 2), formatDecimal(d(res.SupplyAfter), 2))
	fmt.Fprintf(writer, "Index\t%s\n", formatDecimal(d(res.Index), 9))
	fmt.Fprintf(writer, "To junior / reserve\t%s / %s\n", formatDecimal(d(res.Plan.ToJunior), 2), formatDecimal(d(res.Plan.ToReserve), 2))
	fmt.Fprintf(writer, "From reserve / junior\t%s / %s\n", formatDecimal(d(res.Plan.FromReserve), 2), formatDecimal(d(res.Plan.FromJunior), 2))
	fmt.Fprintf(writer, "Shortfall\t%s\n", formatDecimal(d(res.Plan.Shortfall), 2))
	fmt.Fprintf(writer, "Values S/J/R\t%s / %s / %s\n",
		formatDecimal(d(res.SeniorValue), 2), formatDecimal(d(res.JuniorValue), 2), formatDecimal(d(res.ReserveValue), 2))
	writer.Flush()
}
