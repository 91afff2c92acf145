package tranche

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/rate"
	"tranche-ledger/internal/zone"
)

// MgmtFeeBasis selects the value the management fee is charged on. Either way
// the rebase judges candidates against the value net of the fee.
type MgmtFeeBasis string

const (
	// BasisValueAtCall charges the rate on the Senior value as sampled.
	BasisValueAtCall MgmtFeeBasis = "value_at_call"
	// BasisPreFeeValue charges the rate on the value left after the fee.
	BasisPreFeeValue MgmtFeeBasis = "pre_fee_value"
)

// Config is the policy injected into the vaults. Every field is read-only once
// New has accepted it, except the pool fee interval which has its own setter.
type Config struct {
	Rates      rate.Params
	Zones      zone.Policy
	Withdrawal fees.Withdrawal

	AnnualMgmtRate *uint256.Int
	MgmtFeeBasis   MgmtFeeBasis
	PoolMgmtRate   *uint256.Int

	FeeMintInterval   time.Duration
	CapMultiplier     *uint256.Int
	MinRebaseInterval time.Duration
	MaxRebaseElapsed  time.Duration
	RemarkBand        *uint256.Int
	LiquidityAttempts int

	FeeRecipient       string
	MigrationRecipient string
}

// DefaultConfig returns the production policy: 13/12/11% candidates, 2%
// performance fee, an 80/20 spillover split and a 1.009 restore ratio.
func DefaultConfig() Config {
	return Config{
		Rates: rate.Params{
			Candidates: []*uint256.Int{
				fixedpoint.MustParse("0.13"),
				fixedpoint.MustParse("0.12"),
				fixedpoint.MustParse("0.11"),
			},
			PeriodsPerYear: 12,
			NominalPeriod:  30 * 24 * time.Hour,
			PerfFeeRate:    fixedpoint.MustParse("0.02"),
		},
		Zones: zone.Policy{
			TargetRatio:  fixedpoint.MustParse("1.10"),
			TriggerRatio: fixedpoint.One(),
			RestoreRatio: fixedpoint.MustParse("1.009"),
			JuniorWeight: fixedpoint.MustParse("0.80"),
		},
		Withdrawal: fees.Withdrawal{
			EarlyPenaltyRate: fixedpoint.MustParse("0.20"),
			FeeRate:          fixedpoint.MustParse("0.01"),
			CooldownPeriod:   7 * 24 * time.Hour,
		},
		AnnualMgmtRate:     fixedpoint.Zero(),
		MgmtFeeBasis:       BasisValueAtCall,
		PoolMgmtRate:       fixedpoint.Zero(),
		FeeMintInterval:    24 * time.Hour,
		CapMultiplier:      fixedpoint.Units(20),
		MinRebaseInterval:  24 * time.Hour,
		MaxRebaseElapsed:   60 * 24 * time.Hour,
		RemarkBand:         fixedpoint.MustParse("0.10"),
		LiquidityAttempts:  3,
		FeeRecipient:       "treasury",
		MigrationRecipient: "treasury",
	}
}

var errInvalidConfig = errors.New("tranche: invalid config")

// Validate checks every policy value.
func (c Config) Validate() error {
	if err := c.Rates.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	if err := c.Zones.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	if err := c.Withdrawal.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	if err := fees.ValidateInterval(c.FeeMintInterval); err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	switch c.MgmtFeeBasis {
	case BasisValueAtCall, BasisPreFeeValue:
	default:
		return fmt.Errorf("%w: unknown management fee basis %q", errInvalidConfig, c.MgmtFeeBasis)
	}
	one := fixedpoint.One()
	if fixedpoint.Clone(c.AnnualMgmtRate).Gt(one) || fixedpoint.Clone(c.PoolMgmtRate).Gt(one) {
		return fmt.Errorf("%w: management rate: %v", errInvalidConfig, fees.ErrRateTooHigh)
	}
	if fixedpoint.IsZero(c.CapMultiplier) {
		return fmt.Errorf("%w: cap multiplier must be positive", errInvalidConfig)
	}
	if fixedpoint.Clone(c.RemarkBand).Gt(one) {
		return fmt.Errorf("%w: remark band above 100%%", errInvalidConfig)
	}
	if c.MinRebaseInterval < 0 || c.MaxRebaseElapsed <= 0 {
		return fmt.Errorf("%w: rebase intervals", errInvalidConfig)
	}
	if c.LiquidityAttempts < 1 || c.LiquidityAttempts > 10 {
		return fmt.Errorf("%w: liquidity attempts must be between 1 and 10", errInvalidConfig)
	}
	if c.FeeRecipient == "" || c.MigrationRecipient == "" {
		return fmt.Errorf("%w: fee and migration recipients required", errInvalidConfig)
	}
	return nil
}
