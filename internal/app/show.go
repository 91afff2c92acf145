package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/storage"
	"tranche-ledger/internal/tranche"
)

// Show prints recent rebases, and optionally recent alerts and the last
// checkpointed state.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show rebases")
	}
	defer closeStore()

	if opts.Status {
		if err := showStatus(ctx, store, out); err != nil {
			return err
		}
	}

	records, err := store.ListRecentRebases(ctx, opts.Limit)
	if err != nil {
		return err
	}
	total, err := store.CountRebases(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d rebase attempts stored, showing %d\n", total, len(records))
	printRebases(out, records)

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		printAlerts(out, alerts)
	}
	return nil
}

func showStatus(ctx context.Context, store storage.CheckpointStore, out io.Writer) error {
	cp, err := store.LatestCheckpoint(ctx)
	if errors.Is(err, storage.ErrNoCheckpoint) {
		fmt.Fprintln(out, "no checkpoint found")
		return nil
	}
	if err != nil {
		return err
	}
	var st tranche.State
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return fmt.Errorf("decode checkpoint %d: %w", cp.ID, err)
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Checkpoint\t%d (epoch %d, %s)\n", cp.ID, st.Epoch, cp.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Last rebase\t%s\n", st.LastRebase.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Senior value\t%s\n", rawDecimal(st.Senior.Value))
	fmt.Fprintf(writer, "Junior value\t%s (%d holders)\n", rawDecimal(st.Junior.Value), len(st.Junior.Shares))
	fmt.Fprintf(writer, "Reserve value\t%s (%d holders)\n", rawDecimal(st.Reserve.Value), len(st.Reserve.Shares))
	fmt.Fprintln(writer)
	return writer.Flush()
}

func printRebases(out io.Writer, records []storage.RebaseRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no rebases found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Slot (UTC)\tEpoch\tStatus\tPrice\tRate%\tZone\tRatio\tIndex\tJunior+\tReserve+\tBackstop\tShortfall\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Slot.UTC().Format(time.RFC3339),
			rec.Epoch,
			rec.Status,
			formatDecimal(rec.Price, 4),
			formatDecimal(rec.AnnualRate.Mul(hundred), 2),
			rec.Zone,
			formatDecimal(rec.BackingRatio, 4),
			formatDecimal(rec.Index, 6),
			formatDecimal(rec.ToJunior, 2),
			formatDecimal(rec.ToReserve, 2),
			formatDecimal(rec.FromReserve.Add(rec.FromJunior), 2),
			formatDecimal(rec.Shortfall, 2),
			errMsg,
		)
	}

	writer.Flush()
}

func printAlerts(out io.Writer, alerts []storage.AlertRecord) {
	fmt.Fprintln(out)
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEpoch\tKind\tZone\tChannels\tDetail")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Epoch,
			alert.Kind,
			alert.Zone,
			strings.Join(alert.Channels, ","),
			sanitizeInline(alert.Detail),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

// rawDecimal renders a persisted fixed18 integer, falling back to the raw text.
func rawDecimal(raw string) string {
	v, err := fixedpoint.ParseRaw(raw)
	if err != nil {
		return raw
	}
	return formatDecimal(fixedpoint.ToDecimal(v), 2)
}
