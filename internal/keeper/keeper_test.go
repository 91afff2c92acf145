package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tranche-ledger/internal/alerting"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/liquidity"
	"tranche-ledger/internal/pricefeed"
	"tranche-ledger/internal/storage"
	"tranche-ledger/internal/tranche"
	"tranche-ledger/internal/zone"
)

const month = 30 * 24 * time.Hour

type memStore struct {
	mu          sync.Mutex
	rebases     []storage.RebaseRecord
	alerts      []storage.AlertRecord
	checkpoints []storage.Checkpoint
	lockHeld    bool
}

func (m *memStore) InsertRebase(_ context.Context, rec storage.RebaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebases = append(m.rebases, rec)
	return nil
}

func (m *memStore) ListRebasesBetween(context.Context, time.Time, time.Time) ([]storage.RebaseRecord, error) {
	return nil, nil
}

func (m *memStore) ListRecentRebases(context.Context, int) ([]storage.RebaseRecord, error) {
	return nil, nil
}

func (m *memStore) CountRebases(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rebases)), nil
}

func (m *memStore) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.alerts) + 1)
	rec.CreatedAt = time.Now().UTC()
	m.alerts = append(m.alerts, rec)
	return rec, nil
}

func (m *memStore) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memStore) LastAlertAt(_ context.Context, kind string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if m.alerts[i].Kind == kind {
			return m.alerts[i].CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *memStore) DeleteAlertsBefore(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(olderThan) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept
	return nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, epoch uint64, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, storage.Checkpoint{ID: int64(len(m.checkpoints) + 1), Epoch: epoch, State: state})
	return nil
}

func (m *memStore) LatestCheckpoint(context.Context) (storage.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.checkpoints) == 0 {
		return storage.Checkpoint{}, storage.ErrNoCheckpoint
	}
	return m.checkpoints[len(m.checkpoints)-1], nil
}

func (m *memStore) PruneCheckpoints(context.Context, int) error { return nil }

func (m *memStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if m.lockHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func (m *memStore) stores() Stores {
	return Stores{Rebases: m, Alerts: m, Checkpoints: m, Locker: m}
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	ledger   *tranche.Tranches
	book     *liquidity.Book
	store    *memStore
	notifier *recordingNotifier
	now      time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T, reserve uint64) *fixture {
	t.Helper()
	f := &fixture{
		book:     liquidity.NewBook(fixedpoint.One()),
		store:    &memStore{},
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	cfg := tranche.DefaultConfig()
	cfg.RemarkBand = fixedpoint.MustParse("0.25")

	ledger, err := tranche.New(cfg, tranche.WithClock(f.clock), tranche.WithLiquidity(tranche.Senior, f.book))
	require.NoError(t, err)
	f.ledger = ledger

	ctx := context.Background()
	_, err = ledger.Reserve.Deposit(ctx, tranche.DepositRequest{Amount: fixedpoint.Units(reserve), Receiver: "r1"})
	require.NoError(t, err)
	_, err = ledger.Senior.Deposit(ctx, tranche.DepositRequest{Amount: fixedpoint.Units(1_000_000), Receiver: "alice"})
	require.NoError(t, err)
	return f
}

func (f *fixture) keeper(opts Options, price string) *Keeper {
	src := pricefeed.Static{Price: decimal.RequireFromString(price)}
	return New(f.ledger, src, f.store.stores(), f.notifier, opts, zerolog.Nop())
}

func defaultOptions() Options {
	return Options{
		LockKey:            42,
		RemarkFromPosition: true,
		SpilloverAlertPct:  decimal.NewFromInt(1),
		CheckpointEvery:    1,
		AlertsOn:           true,
		AlertCooldown:      time.Hour,
		Channels:           []string{"telegram"},
	}
}

func TestCycleSpilloverPersistsAndAlerts(t *testing.T) {
	f := newFixture(t, 100_000)
	f.book.SetPrice(fixedpoint.MustParse("1.2"))
	f.now = f.now.Add(month)

	k := f.keeper(defaultOptions(), "1.2")
	slot := f.now
	res, err := k.RunOnce(context.Background(), slot)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Epoch)
	require.Equal(t, zone.Spillover, res.Plan.Zone)

	require.Len(t, f.store.rebases, 1)
	rec := f.store.rebases[0]
	require.Equal(t, storage.StatusCommitted, rec.Status)
	require.Equal(t, "spillover", rec.Zone)
	require.Equal(t, "static", rec.PriceSource)
	require.True(t, rec.Price.Equal(decimal.RequireFromString("1.2")))
	require.Equal(t, slot, rec.Slot)
	require.True(t, rec.ToJunior.Add(rec.ToReserve).Equal(fixedpoint.ToDecimal(res.Plan.Excess)))

	require.Len(t, f.store.checkpoints, 1)
	var st tranche.State
	require.NoError(t, json.Unmarshal(f.store.checkpoints[0].State, &st))
	require.Equal(t, uint64(1), st.Epoch)

	require.Equal(t, []alerting.Kind{alerting.KindSpillover}, f.notifier.kinds())
	require.Len(t, f.store.alerts, 1)
	require.Equal(t, rec.ID, f.store.alerts[0].RebaseID)
	require.Equal(t, []string{"telegram"}, f.notifier.notes[0].Channels)
}

func TestAlertCooldownSuppressesRepeat(t *testing.T) {
	f := newFixture(t, 100_000)
	f.book.SetPrice(fixedpoint.MustParse("1.2"))
	k := f.keeper(defaultOptions(), "1.2")

	for i := 0; i < 2; i++ {
		f.now = f.now.Add(month)
		_, err := k.RunOnce(context.Background(), f.now)
		require.NoError(t, err)
	}
	require.Len(t, f.store.rebases, 2)
	require.Len(t, f.notifier.kinds(), 1, "second spillover inside the cooldown is not re-sent")
}

func TestCycleBackstopShortfall(t *testing.T) {
	f := newFixture(t, 100_000)
	f.book.SetPrice(fixedpoint.MustParse("0.8"))
	f.now = f.now.Add(month)

	k := f.keeper(defaultOptions(), "0.8")
	res, err := k.RunOnce(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, zone.Backstop, res.Plan.Zone)
	require.False(t, res.FullyRestored())
	require.True(t, f.ledger.Reserve.Value().IsZero())

	require.Equal(t, []alerting.Kind{alerting.KindBackstop, alerting.KindShortfall}, f.notifier.kinds())
	rec := f.store.rebases[0]
	require.True(t, rec.FromReserve.Equal(decimal.NewFromInt(100_000)))
	require.True(t, rec.Shortfall.IsPositive())
}

func TestProcessCycleTooSoonIsQuiet(t *testing.T) {
	f := newFixture(t, 100_000)
	k := f.keeper(defaultOptions(), "1")

	require.NoError(t, k.ProcessCycle(context.Background(), f.now))
	require.NoError(t, k.ProcessCycle(context.Background(), f.now))

	require.Equal(t, uint64(1), f.ledger.Senior.Epoch())
	require.Len(t, f.store.rebases, 1)
	require.Equal(t, storage.StatusCommitted, f.store.rebases[0].Status)
}

func TestCycleSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, 100_000)
	f.store.lockHeld = true
	k := f.keeper(defaultOptions(), "1")

	res, err := k.RunOnce(context.Background(), f.now)
	require.NoError(t, err)
	require.Zero(t, res.Epoch)
	require.Zero(t, f.ledger.Senior.Epoch())
	require.Empty(t, f.store.rebases)
}

type failingSource struct{}

func (failingSource) FetchPrice(context.Context) (pricefeed.Quote, error) {
	return pricefeed.Quote{}, errors.New("rpc unavailable")
}

func TestCyclePriceFailureRecorded(t *testing.T) {
	f := newFixture(t, 100_000)
	k := New(f.ledger, failingSource{}, f.store.stores(), f.notifier, defaultOptions(), zerolog.Nop())

	_, err := k.RunOnce(context.Background(), f.now)
	require.Error(t, err)
	require.Zero(t, f.ledger.Senior.Epoch())

	require.Len(t, f.store.rebases, 1)
	require.Equal(t, storage.StatusFailed, f.store.rebases[0].Status)
	require.NotNil(t, f.store.rebases[0].Error)
	require.Contains(t, *f.store.rebases[0].Error, "rpc unavailable")
}

func TestCycleRemarkOutOfBandFails(t *testing.T) {
	f := newFixture(t, 100_000)
	f.book.SetPrice(fixedpoint.MustParse("2"))
	k := f.keeper(defaultOptions(), "2")

	_, err := k.RunOnce(context.Background(), f.now)
	require.ErrorIs(t, err, tranche.ErrRemarkOutOfBand)
	require.Zero(t, f.ledger.Senior.Epoch())
	require.Equal(t, storage.StatusFailed, f.store.rebases[0].Status)
}

func TestCheckpointPrunesOldAlerts(t *testing.T) {
	f := newFixture(t, 100_000)
	f.store.alerts = []storage.AlertRecord{
		{ID: 1, Kind: "backstop", CreatedAt: time.Now().UTC().Add(-200 * 24 * time.Hour)},
		{ID: 2, Kind: "spillover", CreatedAt: time.Now().UTC().Add(-time.Hour)},
	}
	opts := defaultOptions()
	opts.AlertRetention = 90 * 24 * time.Hour
	k := f.keeper(opts, "1")

	require.NoError(t, k.Checkpoint(context.Background()))
	require.Len(t, f.store.checkpoints, 1)
	require.Len(t, f.store.alerts, 1)
	require.Equal(t, int64(2), f.store.alerts[0].ID)
}

func TestRepeatedCyclesAtSamePriceCreateNoValue(t *testing.T) {
	f := newFixture(t, 100_000)
	f.book.SetPrice(fixedpoint.MustParse("1.2"))
	k := f.keeper(defaultOptions(), "1.2")

	f.now = f.now.Add(month)
	res, err := k.RunOnce(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, zone.Spillover, res.Plan.Zone)
	after := fixedpoint.ToDecimal(f.ledger.TotalValue())

	f.now = f.now.Add(month)
	_, err = k.RunOnce(context.Background(), f.now)
	require.NoError(t, err)

	diff := fixedpoint.ToDecimal(f.ledger.TotalValue()).Sub(after).Abs()
	require.True(t, diff.LessThanOrEqual(decimal.NewFromInt(1)), "total value moved by %s", diff)
}

func TestTooSoonCycleLeavesMarkUntouched(t *testing.T) {
	f := newFixture(t, 100_000)
	k := f.keeper(defaultOptions(), "1")
	_, err := k.RunOnce(context.Background(), f.now)
	require.NoError(t, err)

	f.book.SetPrice(fixedpoint.MustParse("1.2"))
	f.now = f.now.Add(time.Hour)
	_, err = k.RunOnce(context.Background(), f.now)
	require.ErrorIs(t, err, tranche.ErrRebaseTooSoon)
	require.Equal(t, fixedpoint.Units(1_000_000), f.ledger.Senior.Value())
	require.Equal(t, uint64(1), f.ledger.Senior.Epoch())
}
