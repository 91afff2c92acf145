package zone

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fixedpoint"
)

// Zone is the classification of the Senior backing ratio.
type Zone uint8

const (
	Healthy Zone = iota
	Spillover
	Backstop
)

func (z Zone) String() string {
	switch z {
	case Spillover:
		return "spillover"
	case Backstop:
		return "backstop"
	default:
		return "healthy"
	}
}

// Parse reads a zone name written by String.
func Parse(s string) (Zone, error) {
	switch s {
	case "healthy":
		return Healthy, nil
	case "spillover":
		return Spillover, nil
	case "backstop":
		return Backstop, nil
	}
	return Healthy, fmt.Errorf("zone: unknown zone %q", s)
}

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("zone: invalid policy")

// Policy holds the ratio thresholds and the spillover split. All values are
// fixed18 fractions.
type Policy struct {
	TargetRatio  *uint256.Int
	TriggerRatio *uint256.Int
	RestoreRatio *uint256.Int
	JuniorWeight *uint256.Int
}

// Validate requires trigger <= target, restore >= trigger and a weight <= 1.
func (p Policy) Validate() error {
	target, trigger, restore := fixedpoint.Clone(p.TargetRatio), fixedpoint.Clone(p.TriggerRatio), fixedpoint.Clone(p.RestoreRatio)
	if trigger.IsZero() {
		return fmt.Errorf("%w: trigger ratio must be positive", ErrInvalidPolicy)
	}
	if trigger.Gt(target) {
		return fmt.Errorf("%w: trigger ratio above target ratio", ErrInvalidPolicy)
	}
	if restore.Lt(trigger) {
		return fmt.Errorf("%w: restore ratio below trigger ratio", ErrInvalidPolicy)
	}
	if fixedpoint.Clone(p.JuniorWeight).Gt(fixedpoint.One()) {
		return fmt.Errorf("%w: junior weight above 1", ErrInvalidPolicy)
	}
	return nil
}

// Plan is the set of transfers implied by one classification.
type Plan struct {
	Zone  Zone
	Ratio *uint256.Int

	Excess    *uint256.Int
	ToJunior  *uint256.Int
	ToReserve *uint256.Int

	RestoreTarget *uint256.Int
	Deficit       *uint256.Int
	FromReserve   *uint256.Int
	FromJunior    *uint256.Int
	Shortfall     *uint256.Int

	SeniorAfter *uint256.Int
}

// FullyRestored is false when a backstop left part of the deficit uncovered.
func (p Plan) FullyRestored() bool {
	return fixedpoint.IsZero(p.Shortfall)
}

// Engine classifies ratios and sizes transfers.
type Engine struct {
	policy Policy
}

// NewEngine validates the policy.
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{policy: policy}, nil
}

// Policy returns the configured thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Ratio returns collateral/supply, zero when supply is zero.
func Ratio(collateral, supply *uint256.Int) *uint256.Int {
	if fixedpoint.IsZero(supply) {
		return fixedpoint.Zero()
	}
	r, _ := fixedpoint.Div(collateral, supply)
	return r
}

// Classify compares collateral/supply against the thresholds without
// rounding the ratio: collateral*1e18 is compared to threshold*supply.
func (e *Engine) Classify(collateral, supply *uint256.Int) Zone {
	if fixedpoint.IsZero(supply) {
		return Healthy
	}
	scaled := new(uint256.Int).Mul(fixedpoint.Clone(collateral), fixedpoint.One())
	if scaled.Gt(new(uint256.Int).Mul(e.policy.TargetRatio, supply)) {
		return Spillover
	}
	if scaled.Lt(new(uint256.Int).Mul(e.policy.TriggerRatio, supply)) {
		return Backstop
	}
	return Healthy
}

// Plan sizes the transfers for the zone that collateral/supply falls into.
func (e *Engine) Plan(collateral, supply, reserveValue, juniorValue *uint256.Int) Plan {
	p := Plan{
		Zone:          e.Classify(collateral, supply),
		Ratio:         Ratio(collateral, supply),
		Excess:        fixedpoint.Zero(),
		ToJunior:      fixedpoint.Zero(),
		ToReserve:     fixedpoint.Zero(),
		RestoreTarget: fixedpoint.Zero(),
		Deficit:       fixedpoint.Zero(),
		FromReserve:   fixedpoint.Zero(),
		FromJunior:    fixedpoint.Zero(),
		Shortfall:     fixedpoint.Zero(),
		SeniorAfter:   fixedpoint.Clone(collateral),
	}

	switch p.Zone {
	case Spillover:
		target := fixedpoint.Mul(e.policy.TargetRatio, supply)
		p.Excess = fixedpoint.SubFloor(collateral, target)
		p.ToJunior, p.ToReserve = e.Split(p.Excess)
		p.SeniorAfter = target
	case Backstop:
		p.RestoreTarget = fixedpoint.Mul(e.policy.RestoreRatio, supply)
		p.Deficit = fixedpoint.SubFloor(p.RestoreTarget, collateral)
		var remaining *uint256.Int
		p.FromReserve, remaining = Cover(reserveValue, p.Deficit)
		p.FromJunior, p.Shortfall = Cover(juniorValue, remaining)
		p.SeniorAfter = fixedpoint.Add(collateral, fixedpoint.Add(p.FromReserve, p.FromJunior))
	}
	return p
}

// Split divides a spillover between Junior and Reserve. Reserve takes the
// remainder so the two parts always sum to excess.
func (e *Engine) Split(excess *uint256.Int) (toJunior, toReserve *uint256.Int) {
	toJunior = fixedpoint.Mul(excess, e.policy.JuniorWeight)
	toReserve = fixedpoint.SubFloor(excess, toJunior)
	return toJunior, toReserve
}

// Cover returns how much of need the available balance covers and what is
// left uncovered.
func Cover(available, need *uint256.Int) (covered, remaining *uint256.Int) {
	if fixedpoint.Clone(available).Cmp(fixedpoint.Clone(need)) >= 0 {
		return fixedpoint.Clone(need), fixedpoint.Zero()
	}
	return fixedpoint.Clone(available), fixedpoint.SubFloor(need, available)
}
