// Package keeper runs the scheduled rebase cycle: price, optional re-mark,
// rebase, persistence and alerts.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tranche-ledger/internal/alerting"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/pricefeed"
	"tranche-ledger/internal/scheduler"
	"tranche-ledger/internal/storage"
	"tranche-ledger/internal/tranche"
	"tranche-ledger/internal/zone"
)

// Options tune a Keeper.
type Options struct {
	LockKey            int64
	RemarkFromPosition bool
	// SpilloverAlertPct raises a spillover alert when the excess moved out of
	// Senior exceeds this percentage of Senior value. Zero disables it.
	SpilloverAlertPct decimal.Decimal
	CheckpointEvery   int
	CheckpointsKept   int
	AlertsOn          bool
	AlertCooldown     time.Duration
	// AlertRetention drops audited alerts older than this at checkpoint time.
	AlertRetention time.Duration
	Channels       []string
}

// Stores groups the optional persistence backends. Any of them may be nil.
type Stores struct {
	Rebases     storage.RebaseStore
	Alerts      storage.AlertStore
	Checkpoints storage.CheckpointStore
	Locker      storage.AdvisoryLocker
}

// Keeper drives rebases for one set of tranches.
type Keeper struct {
	ledger   *tranche.Tranches
	prices   pricefeed.Source
	stores   Stores
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New constructs a keeper. notifier may be nil.
func New(ledger *tranche.Tranches, prices pricefeed.Source, stores Stores, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Keeper {
	return &Keeper{
		ledger:   ledger,
		prices:   prices,
		stores:   stores,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "keeper").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run begins the scheduled rebase loop.
func (k *Keeper) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, k.ProcessCycle)
}

// ProcessCycle 执行单个调度周期的 rebase。
func (k *Keeper) ProcessCycle(ctx context.Context, slot time.Time) error {
	_, err := k.RunOnce(ctx, slot)
	if errors.Is(err, tranche.ErrRebaseTooSoon) {
		k.logger.Info().Time("slot", slot).Msg("skip slot, minimum rebase interval not reached")
		return nil
	}
	return err
}

// RunOnce executes one cycle under the advisory lock. A zero result with a nil
// error means another instance holds the lock.
func (k *Keeper) RunOnce(ctx context.Context, slot time.Time) (tranche.RebaseResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		return tranche.RebaseResult{}, err
	}
	if !proceed {
		k.logger.Debug().Time("slot", slot).Msg("skip slot because advisory lock held elsewhere")
		return tranche.RebaseResult{}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return k.executeCycle(ctx, slot)
}

func (k *Keeper) executeCycle(ctx context.Context, slot time.Time) (tranche.RebaseResult, error) {
	quote, err := k.prices.FetchPrice(ctx)
	if err != nil {
		k.recordFailure(ctx, slot, quote, err)
		return tranche.RebaseResult{}, fmt.Errorf("fetch price: %w", err)
	}
	price, err := quote.Fixed()
	if err != nil {
		k.recordFailure(ctx, slot, quote, err)
		return tranche.RebaseResult{}, err
	}

	// A re-mark only lands together with the rebase it feeds.
	if err := k.ledger.Senior.CheckRebaseDue(); err != nil {
		return tranche.RebaseResult{}, err
	}
	if k.opts.RemarkFromPosition {
		if err := k.remarkSenior(ctx); err != nil {
			k.recordFailure(ctx, slot, quote, err)
			return tranche.RebaseResult{}, err
		}
	}

	res, err := k.ledger.Senior.Rebase(ctx, price)
	if err != nil {
		if errors.Is(err, tranche.ErrRebaseTooSoon) {
			return tranche.RebaseResult{}, err
		}
		k.recordFailure(ctx, slot, quote, err)
		if errors.Is(err, tranche.ErrBackstopDepleted) {
			k.dispatch(ctx, uuid.New(), alerting.Notification{
				Kind:          alerting.KindRebaseFailed,
				Epoch:         k.ledger.Senior.Epoch(),
				At:            k.now(),
				Zone:          zone.Backstop.String(),
				BackingRatio:  fixedpoint.ToDecimal(k.ledger.Senior.BackingRatio()),
				AdditionalMsg: err.Error(),
			})
		}
		return tranche.RebaseResult{}, fmt.Errorf("rebase: %w", err)
	}

	rec := Record(res, quote, slot)
	if k.stores.Rebases != nil {
		if err := k.stores.Rebases.InsertRebase(ctx, rec); err != nil {
			k.logger.Error().Err(err).Uint64("epoch", res.Epoch).Msg("failed to persist rebase")
		}
	}
	if k.opts.CheckpointEvery > 0 && res.Epoch%uint64(k.opts.CheckpointEvery) == 0 {
		if err := k.Checkpoint(ctx); err != nil {
			k.logger.Error().Err(err).Uint64("epoch", res.Epoch).Msg("failed to save checkpoint")
		}
	}

	for _, note := range k.evaluate(res) {
		k.dispatch(ctx, rec.ID, note)
	}

	k.logger.Info().Time("slot", slot).
		Uint64("epoch", res.Epoch).
		Str("price", quote.Price.String()).
		Str("zone", res.Plan.Zone.String()).
		Msg("cycle completed")
	return res, nil
}

func (k *Keeper) remarkSenior(ctx context.Context) error {
	value, ok, err := k.ledger.Senior.PositionValue(ctx)
	if err != nil {
		return fmt.Errorf("position value: %w", err)
	}
	if !ok {
		return nil
	}
	if err := k.ledger.Senior.Remark(ctx, value); err != nil {
		return fmt.Errorf("remark senior: %w", err)
	}
	return nil
}

// Checkpoint serialises the full ledger state into the checkpoint store.
func (k *Keeper) Checkpoint(ctx context.Context) error {
	if k.stores.Checkpoints == nil {
		return nil
	}
	st := k.ledger.Snapshot()
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := k.stores.Checkpoints.SaveCheckpoint(ctx, st.Epoch, body); err != nil {
		return err
	}
	if k.opts.CheckpointsKept > 0 {
		if err := k.stores.Checkpoints.PruneCheckpoints(ctx, k.opts.CheckpointsKept); err != nil {
			k.logger.Warn().Err(err).Msg("failed to prune checkpoints")
		}
	}
	if k.stores.Alerts != nil && k.opts.AlertRetention > 0 {
		if err := k.stores.Alerts.DeleteAlertsBefore(ctx, k.now().Add(-k.opts.AlertRetention)); err != nil {
			k.logger.Warn().Err(err).Msg("failed to prune alerts")
		}
	}
	return nil
}

// evaluate turns a committed rebase into the alerts it warrants.
func (k *Keeper) evaluate(res tranche.RebaseResult) []alerting.Notification {
	base := alerting.Notification{
		Epoch:        res.Epoch,
		At:           res.At,
		Zone:         res.Plan.Zone.String(),
		BackingRatio: fixedpoint.ToDecimal(res.Plan.Ratio),
		AnnualRate:   fixedpoint.ToDecimal(res.Selection.AnnualRate),
	}

	var notes []alerting.Notification
	switch res.Plan.Zone {
	case zone.Backstop:
		note := base
		note.Kind = alerting.KindBackstop
		note.Amount = fixedpoint.ToDecimal(fixedpoint.Add(res.Plan.FromReserve, res.Plan.FromJunior))
		notes = append(notes, note)
		if !res.FullyRestored() {
			short := base
			short.Kind = alerting.KindShortfall
			short.Shortfall = fixedpoint.ToDecimal(res.Plan.Shortfall)
			short.AdditionalMsg = "Reserve and Junior exhausted; Senior not restored."
			notes = append(notes, short)
		}
	case zone.Spillover:
		if k.opts.SpilloverAlertPct.IsPositive() {
			excess := fixedpoint.ToDecimal(res.Plan.Excess)
			before := fixedpoint.ToDecimal(res.SeniorValue).Add(excess)
			if before.IsPositive() {
				pct := excess.Div(before).Mul(decimal.NewFromInt(100))
				if pct.GreaterThan(k.opts.SpilloverAlertPct) {
					note := base
					note.Kind = alerting.KindSpillover
					note.Amount = excess
					notes = append(notes, note)
				}
			}
		}
	}
	return notes
}

func (k *Keeper) dispatch(ctx context.Context, rebaseID uuid.UUID, note alerting.Notification) {
	if !k.opts.AlertsOn {
		return
	}
	note.Channels = k.opts.Channels

	if k.stores.Alerts != nil {
		if k.opts.AlertCooldown > 0 {
			last, ok, err := k.stores.Alerts.LastAlertAt(ctx, string(note.Kind))
			if err != nil {
				k.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to read alert history")
			} else if ok && k.now().Sub(last) < k.opts.AlertCooldown {
				k.logger.Debug().Str("kind", string(note.Kind)).Msg("alert suppressed by cooldown")
				return
			}
		}
		record := storage.AlertRecord{
			RebaseID: rebaseID,
			Epoch:    note.Epoch,
			Kind:     string(note.Kind),
			Zone:     note.Zone,
			Detail:   note.AdditionalMsg,
			Channels: note.Channels,
		}
		if _, err := k.stores.Alerts.InsertAlert(ctx, record); err != nil {
			k.logger.Error().Err(err).Uint64("epoch", note.Epoch).Msg("failed to persist alert record")
		}
	}
	if k.notifier == nil {
		return
	}
	if err := k.notifier.Notify(ctx, note); err != nil {
		k.logger.Error().Err(err).Uint64("epoch", note.Epoch).Msg("failed to dispatch alert")
	}
}

func (k *Keeper) recordFailure(ctx context.Context, slot time.Time, quote pricefeed.Quote, cause error) {
	k.logger.Error().Err(cause).Time("slot", slot).Msg("rebase cycle failed")
	if k.stores.Rebases == nil {
		return
	}
	msg := cause.Error()
	rec := storage.RebaseRecord{
		ID:          uuid.New(),
		Epoch:       k.ledger.Senior.Epoch(),
		Slot:        slot,
		RebasedAt:   k.now(),
		Price:       quote.Price,
		PriceSource: quote.Source,
		Tier:        -1,
		Status:      storage.StatusFailed,
		Error:       &msg,
	}
	if err := k.stores.Rebases.InsertRebase(ctx, rec); err != nil {
		k.logger.Error().Err(err).Msg("failed to persist failed rebase")
	}
}

func (k *Keeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if k.opts.LockKey == 0 || k.stores.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := k.stores.Locker.TryAdvisoryLock(ctx, k.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Record converts a committed rebase into its persisted form.
func Record(res tranche.RebaseResult, quote pricefeed.Quote, slot time.Time) storage.RebaseRecord {
	return storage.RebaseRecord{
		ID:           uuid.New(),
		Epoch:        res.Epoch,
		Slot:         slot,
		RebasedAt:    res.At,
		Price:        fixedpoint.ToDecimal(res.Price),
		PriceSource:  quote.Source,
		Tier:         res.Selection.Tier,
		AnnualRate:   fixedpoint.ToDecimal(res.Selection.AnnualRate),
		Zone:         res.Plan.Zone.String(),
		BackingRatio: fixedpoint.ToDecimal(zone.Ratio(res.SeniorValue, res.SupplyAfter)),
		SupplyBefore: fixedpoint.ToDecimal(res.SupplyBefore),
		SupplyAfter:  fixedpoint.ToDecimal(res.SupplyAfter),
		Index:        fixedpoint.ToDecimal(res.Index),
		SeniorValue:  fixedpoint.ToDecimal(res.SeniorValue),
		JuniorValue:  fixedpoint.ToDecimal(res.JuniorValue),
		ReserveValue: fixedpoint.ToDecimal(res.ReserveValue),
		ToJunior:     fixedpoint.ToDecimal(res.Plan.ToJunior),
		ToReserve:    fixedpoint.ToDecimal(res.Plan.ToReserve),
		FromReserve:  fixedpoint.ToDecimal(res.Plan.FromReserve),
		FromJunior:   fixedpoint.ToDecimal(res.Plan.FromJunior),
		Shortfall:    fixedpoint.ToDecimal(res.Plan.Shortfall),
		Status:       storage.StatusCommitted,
	}
}
