package tranche

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/metrics"
	"tranche-ledger/internal/rate"
	"tranche-ledger/internal/zone"
)

// PositionUnits are the transfer amounts converted at the rebase price.
type PositionUnits struct {
	ToJunior    *uint256.Int
	ToReserve   *uint256.Int
	FromReserve *uint256.Int
	FromJunior  *uint256.Int
}

// RebaseResult describes one committed rebase.
type RebaseResult struct {
	Epoch   uint64
	At      time.Time
	Elapsed time.Duration
	Price   *uint256.Int

	SupplyBefore *uint256.Int
	SupplyAfter  *uint256.Int
	Index        *uint256.Int
	// MigrationMint is the growth minted to the migration recipient once the
	// index is frozen.
	MigrationMint *uint256.Int

	Selection rate.Selection
	Plan      zone.Plan
	Units     PositionUnits

	SeniorValue  *uint256.Int
	JuniorValue  *uint256.Int
	ReserveValue *uint256.Int
}

// FullyRestored is false when a backstop could not cover the whole deficit.
func (r RebaseResult) FullyRestored() bool {
	return r.Plan.FullyRestored()
}

// Rebase selects the rate, reallocates between tranches, grows the claim and
// mints fees as one critical section over all three vaults. price is the unit
// price of the yield-bearing position.
func (s *SeniorVault) Rebase(ctx context.Context, price *uint256.Int) (RebaseResult, error) {
	start := s.opts.clock()
	ctx, span := s.startSpan(ctx, "rebase")
	defer span.End()

	res, err := s.rebase(ctx, price)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("rebase.epoch", int64(res.Epoch)),
			attribute.String("rebase.zone", res.Plan.Zone.String()),
			attribute.Int("rebase.tier", res.Selection.Tier),
		)
	}
	s.finish(span, "rebase", start, err)
	return res, err
}

func (s *SeniorVault) rebase(ctx context.Context, price *uint256.Int) (RebaseResult, error) {
	op := s.op("rebase")
	if fixedpoint.IsZero(price) {
		return RebaseResult{}, fault.Wrap(fault.InvariantGuard, op, ErrZeroPrice)
	}

	s.lockAll()
	defer s.unlockAll()

	now := s.opts.clock()
	if err := s.checkDue(op, now); err != nil {
		return RebaseResult{}, err
	}
	elapsed := now.Sub(s.lastRebase)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > s.cfg.MaxRebaseElapsed {
		s.log.Warn().Dur("elapsed", elapsed).Dur("cap", s.cfg.MaxRebaseElapsed).Msg("rebase elapsed capped")
		elapsed = s.cfg.MaxRebaseElapsed
	}

	supply := s.ledger.TotalSupply()
	res := RebaseResult{
		At:            now,
		Elapsed:       elapsed,
		Price:         fixedpoint.Clone(price),
		SupplyBefore:  supply,
		MigrationMint: fixedpoint.Zero(),
	}

	if supply.IsZero() {
		res.Selection = s.selector.Select(rate.Input{Supply: supply, Collateral: s.value, Elapsed: 0})
		res.Plan = s.engine.Plan(s.value, supply, s.reserve.value, s.junior.value)
		res.Units = PositionUnits{ToJunior: fixedpoint.Zero(), ToReserve: fixedpoint.Zero(), FromReserve: fixedpoint.Zero(), FromJunior: fixedpoint.Zero()}
		s.commitEpoch(now, &res)
		s.log.Info().Uint64("epoch", res.Epoch).Msg("rebase with zero supply")
		return res, nil
	}

	// Candidates and zones are both judged on collateral net of the fee.
	mgmt := s.managementFee(elapsed)
	collateral := fixedpoint.SubFloor(s.value, mgmt)
	sel := s.selector.Select(rate.Input{
		Supply:     supply,
		Collateral: collateral,
		MgmtFee:    mgmt,
		Elapsed:    elapsed,
	})
	plan := s.engine.Plan(collateral, sel.NewSupply, s.reserve.value, s.junior.value)

	if plan.Zone == zone.Backstop && !plan.Deficit.IsZero() && s.reserve.value.IsZero() && s.junior.value.IsZero() {
		s.log.Error().Str("deficit", fixedpoint.Format(plan.Deficit)).Msg("backstop depleted, rebase rejected")
		return RebaseResult{}, fault.Temporary(fault.ResourceExhaustion, op,
			fmt.Errorf("%w: deficit %s", ErrBackstopDepleted, fixedpoint.Format(plan.Deficit)))
	}

	if err := s.checkTransferRoom(plan); err != nil {
		return RebaseResult{}, fault.Wrap(fault.InvariantGuard, op, err)
	}
	units, err := positionUnits(plan, price)
	if err != nil {
		return RebaseResult{}, fault.Wrap(fault.InvariantGuard, op, err)
	}

	// Position units move first; the ledger writes after them are the only
	// other steps that can fail, and a failure hands the units back.
	undo, err := s.moveUnits(ctx, plan.Zone, &units)
	if err != nil {
		return RebaseResult{}, fault.Temporary(fault.ResourceExhaustion, op, fmt.Errorf("move position units: %w", err))
	}
	if err := s.growClaim(sel, &res); err != nil {
		undo()
		return RebaseResult{}, err
	}

	switch plan.Zone {
	case zone.Spillover:
		s.junior.receiveSpilloverLocked(plan.ToJunior)
		s.reserve.receiveSpilloverLocked(plan.ToReserve)
		s.value = fixedpoint.SubFloor(s.value, plan.Excess)
		plan.SeniorAfter = fixedpoint.Clone(s.value)
		s.opts.metrics.RecordTransfer("to_junior", fixedpoint.Float(plan.ToJunior))
		s.opts.metrics.RecordTransfer("to_reserve", fixedpoint.Float(plan.ToReserve))
	case zone.Backstop:
		fromReserve := s.reserve.provideBackstopLocked(plan.FromReserve)
		fromJunior := s.junior.provideBackstopLocked(plan.FromJunior)
		s.value = fixedpoint.Add(s.value, fixedpoint.Add(fromReserve, fromJunior))
		plan.FromReserve, plan.FromJunior = fromReserve, fromJunior
		covered := fixedpoint.Add(fromReserve, fromJunior)
		plan.Shortfall = fixedpoint.SubFloor(plan.Deficit, covered)
		plan.SeniorAfter = fixedpoint.Clone(s.value)
		s.opts.metrics.RecordTransfer("from_reserve", fixedpoint.Float(fromReserve))
		s.opts.metrics.RecordTransfer("from_junior", fixedpoint.Float(fromJunior))
		if !plan.FullyRestored() {
			s.opts.metrics.RecordShortfall()
			s.log.Warn().Str("shortfall", fixedpoint.Format(plan.Shortfall)).
				Str("ratio", fixedpoint.Format(zone.Ratio(s.value, sel.NewSupply))).
				Msg("backstop partially restored senior")
		}
	}
	s.lastUpdate = now

	res.Selection = sel
	res.Plan = plan
	res.Units = units
	s.commitEpoch(now, &res)

	s.log.Info().Uint64("epoch", res.Epoch).Int("tier", sel.Tier).
		Str("annual_rate", fixedpoint.Format(sel.AnnualRate)).
		Str("zone", plan.Zone.String()).
		Str("supply", fixedpoint.Format(res.SupplyAfter)).
		Str("ratio", fixedpoint.Format(plan.Ratio)).
		Bool("backstop_needed", sel.BackstopNeeded).
		Msg("rebase committed")
	return res, nil
}

// CheckRebaseDue fails with ErrRebaseTooSoon while the minimum interval since
// the last rebase has not passed.
func (s *SeniorVault) CheckRebaseDue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkDue(s.op("rebase"), s.opts.clock())
}

func (s *SeniorVault) checkDue(op string, now time.Time) error {
	since := now.Sub(s.lastRebase)
	if s.epoch > 0 && since < s.cfg.MinRebaseInterval {
		return fault.Temporary(fault.PolicyViolation, op,
			fmt.Errorf("%w: %s since last rebase, need %s", ErrRebaseTooSoon, since.Truncate(time.Second), s.cfg.MinRebaseInterval))
	}
	return nil
}

// growClaim advances the index, or mints the growth to the migration
// recipient once the index is frozen, then mints the fee tokens.
func (s *SeniorVault) growClaim(sel rate.Selection, res *RebaseResult) error {
	if s.ledger.Migrated() {
		if !sel.UserGrowth.IsZero() {
			if err := s.ledger.Mint(s.cfg.MigrationRecipient, sel.UserGrowth); err != nil {
				return err
			}
			res.MigrationMint = fixedpoint.Clone(sel.UserGrowth)
		}
	} else if err := s.ledger.AdvanceIndex(sel.AppliedRate); err != nil {
		return err
	}
	if feeTokens := sel.FeeTokens(); !feeTokens.IsZero() {
		if err := s.ledger.Mint(s.cfg.FeeRecipient, feeTokens); err != nil {
			return err
		}
	}
	return nil
}

func (s *SeniorVault) managementFee(elapsed time.Duration) *uint256.Int {
	if s.cfg.MgmtFeeBasis == BasisPreFeeValue {
		return fees.ManagementOnNet(s.value, s.cfg.AnnualMgmtRate, elapsed)
	}
	return fees.Management(s.value, s.cfg.AnnualMgmtRate, elapsed)
}

// checkTransferRoom rejects a plan whose receiving side would leave MaxAmount.
func (s *SeniorVault) checkTransferRoom(plan zone.Plan) error {
	var err error
	switch plan.Zone {
	case zone.Spillover:
		if _, err = fixedpoint.AddChecked(s.junior.value, plan.ToJunior); err == nil {
			_, err = fixedpoint.AddChecked(s.reserve.value, plan.ToReserve)
		}
	case zone.Backstop:
		_, err = fixedpoint.AddChecked(s.value, fixedpoint.Add(plan.FromReserve, plan.FromJunior))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAmountTooLarge, err)
	}
	return nil
}

type unitLeg struct {
	from, to Liquidity
	units    **uint256.Int
}

// moveUnits hands the position units behind each transfer between the
// tranches' collaborators and records what actually moved. A tranche without a
// collaborator is skipped, so units leave or enter the tracked positions. The
// returned func reverses every completed leg.
func (s *SeniorVault) moveUnits(ctx context.Context, z zone.Zone, units *PositionUnits) (func(), error) {
	var legs []unitLeg
	switch z {
	case zone.Spillover:
		legs = []unitLeg{
			{from: s.liq, to: s.junior.liq, units: &units.ToJunior},
			{from: s.liq, to: s.reserve.liq, units: &units.ToReserve},
		}
	case zone.Backstop:
		legs = []unitLeg{
			{from: s.reserve.liq, to: s.liq, units: &units.FromReserve},
			{from: s.junior.liq, to: s.liq, units: &units.FromJunior},
		}
	}

	var done []unitLeg
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			leg := done[i]
			if _, err := transferUnits(ctx, leg.to, leg.from, *leg.units); err != nil {
				s.log.Error().Err(err).Str("units", fixedpoint.Format(*leg.units)).Msg("failed to return position units")
			}
		}
	}
	for _, leg := range legs {
		want := *leg.units
		moved, err := transferUnits(ctx, leg.from, leg.to, want)
		if err != nil {
			undo()
			return nil, err
		}
		if moved.Lt(want) {
			s.log.Warn().Str("want", fixedpoint.Format(want)).Str("moved", fixedpoint.Format(moved)).
				Msg("collaborator released fewer position units than the transfer")
		}
		*leg.units = moved
		done = append(done, leg)
	}
	return undo, nil
}

func transferUnits(ctx context.Context, from, to Liquidity, units *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(units) {
		return fixedpoint.Zero(), nil
	}
	moved := fixedpoint.Clone(units)
	if from != nil {
		released, err := from.ReleaseUnits(ctx, units)
		if err != nil {
			return nil, fmt.Errorf("release units: %w", err)
		}
		moved = fixedpoint.Min(released, units)
	}
	if to != nil && !moved.IsZero() {
		if err := to.AcceptUnits(ctx, moved); err != nil {
			if from != nil {
				if rbErr := from.AcceptUnits(ctx, moved); rbErr != nil {
					return nil, errors.Join(err, rbErr)
				}
			}
			return nil, fmt.Errorf("accept units: %w", err)
		}
	}
	return moved, nil
}

func (s *SeniorVault) commitEpoch(now time.Time, res *RebaseResult) {
	s.epoch++
	s.lastRebase = now
	res.Epoch = s.epoch
	res.Index = s.ledger.Index()
	res.SupplyAfter = s.ledger.TotalSupply()
	res.SeniorValue = fixedpoint.Clone(s.value)
	res.JuniorValue = fixedpoint.Clone(s.junior.value)
	res.ReserveValue = fixedpoint.Clone(s.reserve.value)

	s.opts.metrics.Publish(metrics.Snapshot{
		BackingRatio: fixedpoint.Float(zone.Ratio(s.value, res.SupplyAfter)),
		Index:        fixedpoint.Float(res.Index),
		Supply:       fixedpoint.Float(res.SupplyAfter),
		Epoch:        res.Epoch,
		Zone:         res.Plan.Zone.String(),
		Values: map[string]float64{
			string(Senior):  fixedpoint.Float(res.SeniorValue),
			string(Junior):  fixedpoint.Float(res.JuniorValue),
			string(Reserve): fixedpoint.Float(res.ReserveValue),
		},
	})
}

func positionUnits(plan zone.Plan, price *uint256.Int) (PositionUnits, error) {
	var (
		u   PositionUnits
		err error
	)
	convert := func(amount *uint256.Int) *uint256.Int {
		if err != nil || fixedpoint.IsZero(amount) {
			return fixedpoint.Zero()
		}
		var units *uint256.Int
		units, err = fixedpoint.Div(amount, price)
		return units
	}
	u.ToJunior = convert(plan.ToJunior)
	u.ToReserve = convert(plan.ToReserve)
	u.FromReserve = convert(plan.FromReserve)
	u.FromJunior = convert(plan.FromJunior)
	return u, err
}
