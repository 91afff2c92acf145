package tranche

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/liquidity"
	"tranche-ledger/internal/zone"
)

const month = 30 * 24 * time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RemarkBand = fixedpoint.MustParse("0.25")
	cfg.MigrationRecipient = "admin"
	return cfg
}

func newTranches(t *testing.T, cfg Config, opts ...Option) (*Tranches, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	tr, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return tr, clock
}

func deposit(t *testing.T, d interface {
	Deposit(context.Context, DepositRequest) (*uint256.Int, error)
}, who string, units uint64) {
	t.Helper()
	_, err := d.Deposit(context.Background(), DepositRequest{Amount: fixedpoint.Units(units), Receiver: who})
	require.NoError(t, err)
}

func requireApprox(t *testing.T, want string, got *uint256.Int) {
	t.Helper()
	diff := fixedpoint.ToDecimal(got).Sub(decimal.RequireFromString(want)).Abs()
	require.True(t, diff.LessThanOrEqual(decimal.NewFromInt(1)), "want ≈%s, got %s", want, fixedpoint.Format(got))
}

func totalValue(tr *Tranches) *uint256.Int {
	return tr.TotalValue()
}

func TestRebaseSpilloverScenario(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())

	deposit(t, tr.Reserve, "r1", 50_000)
	deposit(t, tr.Junior, "j1", 200_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1_200_000)))

	clock.Advance(month)
	before := totalValue(tr)

	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	require.Equal(t, uint64(1), res.Epoch)
	require.Equal(t, 0, res.Selection.Tier)
	require.False(t, res.Selection.BackstopNeeded)
	require.Equal(t, zone.Spillover, res.Plan.Zone)
	requireApprox(t, "1011050", res.Selection.NewSupply)
	requireApprox(t, "1011050", res.SupplyAfter)
	requireApprox(t, "87845", res.Plan.Excess)
	requireApprox(t, "70276", res.Plan.ToJunior)
	requireApprox(t, "17569", res.Plan.ToReserve)
	requireApprox(t, "1112155", res.SeniorValue)

	require.Equal(t, fixedpoint.Add(fixedpoint.Units(200_000), res.Plan.ToJunior), tr.Junior.Value())
	require.Equal(t, fixedpoint.Add(fixedpoint.Units(50_000), res.Plan.ToReserve), tr.Reserve.Value())
	require.Equal(t, before, totalValue(tr), "spillover moves value without creating it")
	require.Equal(t, res.Plan.ToJunior, res.Units.ToJunior, "price 1.0 maps amounts to equal units")

	requireApprox(t, "1010833.33", tr.Senior.BalanceOf("alice"))
	requireApprox(t, "216.67", tr.Senior.BalanceOf("treasury"))
	require.Equal(t, fixedpoint.Units(200_000), tr.Junior.SharesOf("j1"), "spillover does not mint pool shares")
}

func TestRebaseBackstopScenario(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())

	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Junior, "j1", 100_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(950_000)))

	clock.Advance(month)
	before := totalValue(tr)

	res, err := tr.Senior.Rebase(ctx, fixedpoint.MustParse("2"))
	require.NoError(t, err)

	require.True(t, res.Selection.BackstopNeeded)
	require.Equal(t, 2, res.Selection.Tier)
	require.Equal(t, zone.Backstop, res.Plan.Zone)
	requireApprox(t, "1018434.15", res.Plan.RestoreTarget)
	requireApprox(t, "68434.15", res.Plan.FromReserve)
	require.True(t, res.Plan.FromJunior.IsZero())
	require.True(t, res.FullyRestored())

	require.Equal(t, fixedpoint.Units(100_000), tr.Junior.Value(), "junior untouched while reserve covers")
	require.Equal(t, fixedpoint.SubFloor(fixedpoint.Units(100_000), res.Plan.FromReserve), tr.Reserve.Value())
	require.Equal(t, res.Plan.RestoreTarget, tr.Senior.Value())
	require.Equal(t, before, totalValue(tr))

	halfUnits, err := fixedpoint.Div(res.Plan.FromReserve, fixedpoint.MustParse("2"))
	require.NoError(t, err)
	require.Equal(t, halfUnits, res.Units.FromReserve)
}

func TestRebasePartialBackstop(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())

	deposit(t, tr.Reserve, "r1", 10_000)
	deposit(t, tr.Senior, "alice", 200_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(190_000)))
	clock.Advance(month)

	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	require.False(t, res.FullyRestored())
	require.Equal(t, fixedpoint.Units(10_000), res.Plan.FromReserve)
	require.True(t, res.Plan.FromJunior.IsZero())
	require.False(t, res.Plan.Shortfall.IsZero())
	require.True(t, tr.Reserve.Value().IsZero())
	require.Equal(t, fixedpoint.Units(200_000), tr.Senior.Value())
	require.Equal(t, uint64(1), tr.Senior.Epoch())
}

func TestRebaseRejectsDepletedBackstop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RemarkBand = fixedpoint.One()
	tr, clock := newTranches(t, cfg)

	deposit(t, tr.Reserve, "r1", 50_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Reserve.Remark(ctx, fixedpoint.Zero()))
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(950_000)))
	clock.Advance(month)

	index := tr.Senior.Index()
	supply := tr.Senior.TotalSupply()

	_, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.ErrorIs(t, err, ErrBackstopDepleted)
	require.True(t, fault.Is(err, fault.ResourceExhaustion))

	require.Zero(t, tr.Senior.Epoch())
	require.Equal(t, index, tr.Senior.Index())
	require.Equal(t, supply, tr.Senior.TotalSupply())
	require.Equal(t, fixedpoint.Units(950_000), tr.Senior.Value())
}

func TestRebaseIntervalAndInputs(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1_050_000)))

	_, err := tr.Senior.Rebase(ctx, fixedpoint.Zero())
	require.ErrorIs(t, err, ErrZeroPrice)
	require.True(t, fault.Is(err, fault.InvariantGuard))

	clock.Advance(month)
	_, err = tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = tr.Senior.Rebase(ctx, fixedpoint.One())
	require.ErrorIs(t, err, ErrRebaseTooSoon)
	require.True(t, fault.Is(err, fault.PolicyViolation))
	require.True(t, fault.Retryable(err))
	require.Equal(t, uint64(1), tr.Senior.Epoch())

	clock.Advance(24 * time.Hour)
	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Epoch)
	require.Equal(t, 25*time.Hour, res.Elapsed)
}

func TestRebaseCapsElapsed(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1_200_000)))

	clock.Advance(365 * 24 * time.Hour)
	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)
	require.Equal(t, 60*24*time.Hour, res.Elapsed)
}

func TestRebaseZeroSupply(t *testing.T) {
	tr, clock := newTranches(t, testConfig())
	clock.Advance(month)

	res, err := tr.Senior.Rebase(context.Background(), fixedpoint.One())
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Epoch)
	require.Equal(t, zone.Healthy, res.Plan.Zone)
	require.True(t, res.SupplyAfter.IsZero())
	require.Equal(t, fixedpoint.One(), res.Index)
	require.Equal(t, clock.Now(), tr.Senior.LastRebaseTime())
}

func TestRebaseManagementFee(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AnnualMgmtRate = fixedpoint.MustParse("0.0365")
	tr, clock := newTranches(t, cfg)
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1_200_000)))

	clock.Advance(24 * time.Hour)
	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	// 1.2M × 3.65% / 365 for one day.
	require.Equal(t, fixedpoint.Units(120), res.Selection.MgmtFee)
	requireApprox(t, fixedpoint.Format(res.Selection.FeeTokens()), tr.Senior.BalanceOf("treasury"))
}

func TestDepositCap(t *testing.T) {
	tr, _ := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 10_000)
	require.Equal(t, fixedpoint.Units(200_000), tr.Senior.DepositCap())

	deposit(t, tr.Senior, "alice", 150_000)
	_, err := tr.Senior.Deposit(context.Background(), DepositRequest{Amount: fixedpoint.Units(50_001), Receiver: "bob"})
	require.ErrorIs(t, err, ErrDepositCapExceeded)
	require.True(t, fault.Is(err, fault.PolicyViolation))
	require.Equal(t, fixedpoint.Units(150_000), tr.Senior.TotalSupply())
	require.True(t, tr.Senior.BalanceOf("bob").IsZero())

	deposit(t, tr.Senior, "bob", 50_000)
}

func TestSeniorWithdrawEarly(t *testing.T) {
	ctx := context.Background()
	book := liquidity.NewBook(fixedpoint.One())
	tr, _ := newTranches(t, testConfig(), WithLiquidity(Senior, book))
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1000)

	q, err := tr.Senior.Withdraw(ctx, WithdrawRequest{Amount: fixedpoint.Units(1000), Owner: "alice", Receiver: "alice"})
	require.NoError(t, err)

	require.True(t, q.Early)
	require.Equal(t, fixedpoint.Units(200), q.Penalty)
	require.Equal(t, fixedpoint.Units(8), q.Fee)
	require.Equal(t, fixedpoint.Units(792), q.Net)
	require.Equal(t, fixedpoint.Units(792), book.Paid("alice"))
	require.True(t, tr.Senior.BalanceOf("alice").IsZero())
	require.Equal(t, fixedpoint.Units(208), tr.Senior.BalanceOf("treasury"))
	require.Equal(t, fixedpoint.Units(208), tr.Senior.Value())
	require.Equal(t, fixedpoint.Units(208), tr.Senior.TotalSupply())
}

func TestSeniorWithdrawAfterCooldown(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1000)

	started, err := tr.Senior.InitiateCooldown(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, started, tr.Senior.Account("alice").CooldownStart)
	clock.Advance(8 * 24 * time.Hour)

	q, err := tr.Senior.Withdraw(ctx, WithdrawRequest{Amount: fixedpoint.Units(500), Owner: "alice", Receiver: "alice"})
	require.NoError(t, err)
	require.False(t, q.Early)
	require.Equal(t, fixedpoint.Units(495), q.Net)
	require.Equal(t, started, tr.Senior.CooldownStart("alice"), "cooldown is consumed, not cleared")
}

func TestSeniorWithdrawGuards(t *testing.T) {
	ctx := context.Background()
	book := liquidity.NewBook(fixedpoint.One(), liquidity.WithMaxPerCall(fixedpoint.Units(100)))
	tr, _ := newTranches(t, testConfig(), WithLiquidity(Senior, book))
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1000)

	t.Run("over balance", func(t *testing.T) {
		_, err := tr.Senior.Withdraw(ctx, WithdrawRequest{Amount: fixedpoint.Units(1001), Owner: "alice", Receiver: "alice"})
		require.ErrorIs(t, err, ErrInsufficientBalance)
		require.True(t, fault.Is(err, fault.InvariantGuard))
	})

	t.Run("slippage", func(t *testing.T) {
		_, err := tr.Senior.Withdraw(ctx, WithdrawRequest{
			Amount: fixedpoint.Units(1000), Owner: "alice", Receiver: "alice", MinNet: fixedpoint.Units(800),
		})
		require.ErrorIs(t, err, ErrSlippage)
		require.True(t, fault.Is(err, fault.SlippageGuard))
	})

	t.Run("liquidity exhausted after bounded attempts", func(t *testing.T) {
		_, err := tr.Senior.Withdraw(ctx, WithdrawRequest{Amount: fixedpoint.Units(1000), Owner: "alice", Receiver: "alice"})
		require.ErrorIs(t, err, ErrInsufficientLiquidity)
		require.True(t, fault.Is(err, fault.ResourceExhaustion))
		require.True(t, fault.Retryable(err))

		idle, err := book.IdleBalance(ctx)
		require.NoError(t, err)
		require.Equal(t, fixedpoint.Units(300), idle, "three attempts of 100 each")
	})

	require.Equal(t, fixedpoint.Units(1000), tr.Senior.BalanceOf("alice"))
	require.Equal(t, fixedpoint.Units(1000), tr.Senior.Value())
	require.True(t, book.Paid("alice").IsZero())
}

func TestDepositSlippageLeavesNoTrace(t *testing.T) {
	book := liquidity.NewBook(fixedpoint.One(), liquidity.WithConversionLoss(fixedpoint.MustParse("0.02")))
	tr, _ := newTranches(t, testConfig(), WithLiquidity(Senior, book))
	deposit(t, tr.Reserve, "r1", 100_000)

	_, err := tr.Senior.Deposit(context.Background(), DepositRequest{
		Amount: fixedpoint.Units(100), Receiver: "alice", MinPositionUnits: fixedpoint.Units(99),
	})
	require.True(t, fault.Is(err, fault.SlippageGuard))
	require.True(t, tr.Senior.TotalSupply().IsZero())
	require.True(t, tr.Senior.Value().IsZero())
}

func TestRemarkBand(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1000)

	err := tr.Senior.Remark(ctx, fixedpoint.Units(1251))
	require.ErrorIs(t, err, ErrRemarkOutOfBand)
	require.True(t, fault.Is(err, fault.PolicyViolation))
	require.Equal(t, fixedpoint.Units(1000), tr.Senior.Value())

	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1250)))
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(938)))
	require.Equal(t, zone.Backstop, tr.Senior.CurrentZone())
}

func TestPoolDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTranches(t, testConfig())

	deposit(t, tr.Junior, "j1", 1000)
	tr.Junior.ReceiveSpillover(fixedpoint.Units(1000))
	shares, err := tr.Junior.Deposit(ctx, DepositRequest{Amount: fixedpoint.Units(1000), Receiver: "j2"})
	require.NoError(t, err)
	require.Equal(t, fixedpoint.Units(500), shares)
	require.Equal(t, fixedpoint.Units(2000), tr.Junior.BalanceOf("j1"))

	q, err := tr.Junior.Withdraw(ctx, WithdrawRequest{Amount: fixedpoint.Units(1000), Owner: "j2", Receiver: "j2"})
	require.NoError(t, err)
	require.Equal(t, fixedpoint.Units(792), q.Net)
	require.True(t, tr.Junior.SharesOf("j2").IsZero())
	require.Equal(t, fixedpoint.Units(208), tr.Junior.BalanceOf("treasury"))
	require.Equal(t, fixedpoint.Units(2208), tr.Junior.Value())
	require.Equal(t, fixedpoint.Units(2000), tr.Junior.BalanceOf("j1"))
}

func TestPoolDepleted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RemarkBand = fixedpoint.One()
	tr, _ := newTranches(t, cfg)
	deposit(t, tr.Junior, "j1", 1000)
	require.NoError(t, tr.Junior.Remark(ctx, fixedpoint.Zero()))

	_, err := tr.Junior.Deposit(ctx, DepositRequest{Amount: fixedpoint.Units(10), Receiver: "j2"})
	require.ErrorIs(t, err, ErrPoolDepleted)
	require.True(t, fault.Is(err, fault.InvariantGuard))

	require.NoError(t, tr.Junior.Remark(ctx, fixedpoint.Units(500)))
	deposit(t, tr.Junior, "j2", 10)
}

func TestPoolBackstopCapability(t *testing.T) {
	tr, _ := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 10)

	got := tr.Reserve.ProvideBackstop(fixedpoint.Units(25))
	require.Equal(t, fixedpoint.Units(10), got, "provides only what it has")
	require.True(t, tr.Reserve.Value().IsZero())
	require.True(t, tr.Reserve.ProvideBackstop(fixedpoint.Units(1)).IsZero())
}

func TestSpilloverIntoEmptyPool(t *testing.T) {
	tr, _ := newTranches(t, testConfig())
	tr.Reserve.ReceiveSpillover(fixedpoint.Units(7))
	require.Equal(t, fixedpoint.Units(7), tr.Reserve.BalanceOf("treasury"))
}

func TestPoolMintFees(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PoolMgmtRate = fixedpoint.MustParse("0.0365")
	tr, clock := newTranches(t, cfg)
	deposit(t, tr.Junior, "j1", 1_000_000)

	_, err := tr.Junior.MintFees(ctx)
	require.ErrorIs(t, err, fees.ErrMintNotDue)
	require.True(t, fault.Is(err, fault.PolicyViolation))

	clock.Advance(24 * time.Hour)
	fee, err := tr.Junior.MintFees(ctx)
	require.NoError(t, err)
	require.Equal(t, fixedpoint.Units(100), fee)
	requireApprox(t, "100", tr.Junior.BalanceOf("treasury"))
	requireApprox(t, "999900", tr.Junior.BalanceOf("j1"))
	require.Equal(t, fixedpoint.Units(1_000_000), tr.Junior.Value(), "fee mint dilutes, value unchanged")
	require.Equal(t, clock.Now(), tr.Junior.FeeSchedule().LastMint)

	require.ErrorIs(t, tr.Junior.SetFeeInterval(ctx, 30*time.Minute), fees.ErrIntervalTooShort)
	require.NoError(t, tr.Junior.SetFeeInterval(ctx, 2*time.Hour))
	require.Equal(t, 2*time.Hour, tr.Junior.FeeSchedule().Interval)
}

func TestMigrationRedirectsGrowth(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	deposit(t, tr.Senior, "bob", 500_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1_650_000)))

	clock.Advance(month)
	_, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	alice := tr.Senior.BalanceOf("alice")
	index := tr.Senior.Index()
	require.NoError(t, tr.Senior.MigrateToDirectBalances(ctx))
	require.True(t, tr.Senior.Migrated())
	require.Equal(t, alice, tr.Senior.BalanceOf("alice"))

	err = tr.Senior.MigrateToDirectBalances(ctx)
	require.True(t, fault.Is(err, fault.PolicyViolation))

	n, err := tr.Senior.MigrateAccounts(ctx, []string{"alice"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = tr.Senior.MigrateAccounts(ctx, []string{"alice"})
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(month)
	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	require.False(t, res.MigrationMint.IsZero())
	require.Equal(t, res.MigrationMint, tr.Senior.BalanceOf("admin"))
	require.Equal(t, alice, tr.Senior.BalanceOf("alice"), "direct balances do not grow")
	require.Equal(t, index, tr.Senior.Index())
	require.Equal(t, 1, tr.Status().PendingConversions, "bob is still lazy")
}

func TestConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 1_000_000)
	clock.Advance(month)

	const workers, rounds = 16, 25
	errs := make(chan error, workers*rounds+1)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := fmt.Sprintf("acct-%d", i)
			for j := 0; j < rounds; j++ {
				_, err := tr.Senior.Deposit(ctx, DepositRequest{Amount: fixedpoint.Units(10), Receiver: who})
				errs <- err
				_ = tr.Status()
				_ = tr.Senior.DepositCap()
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := tr.Senior.Rebase(ctx, fixedpoint.One())
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st := tr.Status()
	require.Equal(t, uint64(1), st.Epoch)
	require.Equal(t, fixedpoint.Units(1_000_000+workers*rounds*10), tr.TotalValue(), "rebase moves value, deposits add it")
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTranches(t, testConfig())
	deposit(t, tr.Reserve, "r1", 50_000)
	deposit(t, tr.Junior, "j1", 200_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	_, err := tr.Senior.InitiateCooldown(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(1_200_000)))
	clock.Advance(month)
	_, err = tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)

	raw, err := json.Marshal(tr.Snapshot())
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(raw, &st))

	restored, err := Restore(testConfig(), st, WithClock(clock.Now))
	require.NoError(t, err)

	require.Equal(t, tr.Status(), restored.Status())
	require.Equal(t, tr.Senior.BalanceOf("alice"), restored.Senior.BalanceOf("alice"))
	require.Equal(t, tr.Junior.BalanceOf("j1"), restored.Junior.BalanceOf("j1"))
	require.True(t, tr.Senior.CooldownStart("alice").Equal(restored.Senior.CooldownStart("alice")))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.FeeMintInterval = time.Minute
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MgmtFeeBasis = "whatever"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.FeeRecipient = ""
	_, err := New(cfg)
	require.Error(t, err)
}

func TestRebaseMovesPositionUnits(t *testing.T) {
	ctx := context.Background()
	price := fixedpoint.MustParse("1.2")
	seniorBook := liquidity.NewBook(fixedpoint.One())
	juniorBook := liquidity.NewBook(fixedpoint.One())
	reserveBook := liquidity.NewBook(fixedpoint.One())
	tr, clock := newTranches(t, testConfig(),
		WithLiquidity(Senior, seniorBook), WithLiquidity(Junior, juniorBook), WithLiquidity(Reserve, reserveBook))

	deposit(t, tr.Reserve, "r1", 50_000)
	deposit(t, tr.Junior, "j1", 200_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	for _, b := range []*liquidity.Book{seniorBook, juniorBook, reserveBook} {
		b.SetPrice(price)
	}
	marked, ok, err := tr.Senior.PositionValue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tr.Senior.Remark(ctx, marked))

	clock.Advance(month)
	res, err := tr.Senior.Rebase(ctx, price)
	require.NoError(t, err)
	require.Equal(t, zone.Spillover, res.Plan.Zone)
	requireApprox(t, "1112155", res.SeniorValue)
	require.Equal(t, fixedpoint.Add(fixedpoint.Units(200_000), res.Units.ToJunior), juniorBook.Units())
	require.Equal(t, fixedpoint.Add(fixedpoint.Units(50_000), res.Units.ToReserve), reserveBook.Units())

	// Re-marking at the same price finds the position already reduced.
	before := totalValue(tr)
	marked, _, err = tr.Senior.PositionValue(ctx)
	require.NoError(t, err)
	requireApprox(t, fixedpoint.Format(res.SeniorValue), marked)
	require.NoError(t, tr.Senior.Remark(ctx, marked))
	requireApprox(t, fixedpoint.Format(before), totalValue(tr))
}

func TestRebaseBackstopPullsPoolUnits(t *testing.T) {
	ctx := context.Background()
	seniorBook := liquidity.NewBook(fixedpoint.One())
	reserveBook := liquidity.NewBook(fixedpoint.One())
	tr, clock := newTranches(t, testConfig(), WithLiquidity(Senior, seniorBook), WithLiquidity(Reserve, reserveBook))

	deposit(t, tr.Reserve, "r1", 100_000)
	deposit(t, tr.Junior, "j1", 100_000)
	deposit(t, tr.Senior, "alice", 1_000_000)
	require.NoError(t, tr.Senior.Remark(ctx, fixedpoint.Units(950_000)))

	clock.Advance(month)
	res, err := tr.Senior.Rebase(ctx, fixedpoint.One())
	require.NoError(t, err)
	require.Equal(t, zone.Backstop, res.Plan.Zone)
	require.Equal(t, fixedpoint.Add(fixedpoint.Units(1_000_000), res.Units.FromReserve), seniorBook.Units())
	require.Equal(t, fixedpoint.SubFloor(fixedpoint.Units(100_000), res.Units.FromReserve), reserveBook.Units())
}

func TestRebaseJudgesCollateralNetOfManagementFee(t *testing.T) {
	setup := func(t *testing.T, basis MgmtFeeBasis) (*Tranches, *fakeClock) {
		cfg := testConfig()
		cfg.AnnualMgmtRate = fixedpoint.MustParse("0.12")
		cfg.MgmtFeeBasis = basis
		tr, clock := newTranches(t, cfg)
		deposit(t, tr.Reserve, "r1", 100_000)
		deposit(t, tr.Senior, "alice", 1_000_000)
		require.NoError(t, tr.Senior.Remark(context.Background(), fixedpoint.Units(1_025_000)))
		clock.Advance(month)
		return tr, clock
	}

	t.Run("value at call", func(t *testing.T) {
		tr, _ := setup(t, BasisValueAtCall)
		res, err := tr.Senior.Rebase(context.Background(), fixedpoint.One())
		require.NoError(t, err)

		// 1.025M × 12% × 30/365 leaves 1,014,890 of collateral, short of
		// every candidate's supply.
		requireApprox(t, "10109.59", res.Selection.MgmtFee)
		require.Equal(t, 2, res.Selection.Tier)
		require.True(t, res.Selection.BackstopNeeded)
		require.Equal(t, zone.Backstop, res.Plan.Zone)
		requireApprox(t, "13744.32", res.Plan.Deficit)
		requireApprox(t, "86255.68", tr.Reserve.Value())
	})

	t.Run("pre fee value", func(t *testing.T) {
		tr, _ := setup(t, BasisPreFeeValue)
		res, err := tr.Senior.Rebase(context.Background(), fixedpoint.One())
		require.NoError(t, err)
		requireApprox(t, "10010.85", res.Selection.MgmtFee)
		require.Equal(t, 2, res.Selection.Tier)
		require.True(t, res.Selection.BackstopNeeded)
	})
}

func TestPoolDepositRejectsOverflowingTotal(t *testing.T) {
	tr, _ := newTranches(t, testConfig())
	_, err := tr.Junior.Deposit(context.Background(), DepositRequest{Amount: fixedpoint.MaxAmount, Receiver: "j1"})
	require.NoError(t, err)

	_, err = tr.Junior.Deposit(context.Background(), DepositRequest{Amount: fixedpoint.Units(1), Receiver: "j2"})
	require.ErrorIs(t, err, ErrAmountTooLarge)
	require.True(t, fault.Is(err, fault.InvariantGuard))
	require.Equal(t, fixedpoint.MaxAmount, tr.Junior.Value())
	require.True(t, tr.Junior.SharesOf("j2").IsZero())
}
