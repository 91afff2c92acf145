package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/rate"
	"tranche-ledger/internal/tranche"
	"tranche-ledger/internal/zone"
)

// LedgerConfig holds the ledger policy as decimal strings so YAML and env
// values keep full precision.
type LedgerConfig struct {
	CandidateRates []string      `mapstructure:"candidate_rates"`
	PeriodsPerYear uint64        `mapstructure:"periods_per_year"`
	NominalPeriod  time.Duration `mapstructure:"nominal_period"`
	PerfFeeRate    string        `mapstructure:"perf_fee_rate"`

	TargetRatio  string `mapstructure:"target_ratio"`
	TriggerRatio string `mapstructure:"trigger_ratio"`
	RestoreRatio string `mapstructure:"restore_ratio"`
	JuniorWeight string `mapstructure:"junior_weight"`

	EarlyPenaltyRate  string        `mapstructure:"early_penalty_rate"`
	WithdrawalFeeRate string        `mapstructure:"withdrawal_fee_rate"`
	CooldownPeriod    time.Duration `mapstructure:"cooldown_period"`

	MgmtFeeRate     string        `mapstructure:"mgmt_fee_rate"`
	MgmtFeeBasis    string        `mapstructure:"mgmt_fee_basis"`
	PoolMgmtFeeRate string        `mapstructure:"pool_mgmt_fee_rate"`
	FeeMintInterval time.Duration `mapstructure:"fee_mint_interval"`

	CapMultiplier     string        `mapstructure:"cap_multiplier"`
	MinRebaseInterval time.Duration `mapstructure:"min_rebase_interval"`
	MaxRebaseElapsed  time.Duration `mapstructure:"max_rebase_elapsed"`
	RemarkBand        string        `mapstructure:"remark_band"`
	LiquidityAttempts int           `mapstructure:"liquidity_attempts"`

	FeeRecipient       string `mapstructure:"fee_recipient"`
	MigrationRecipient string `mapstructure:"migration_recipient"`
}

// TrancheConfig converts the decimal policy into fixed18 and validates it.
func (l LedgerConfig) TrancheConfig() (tranche.Config, error) {
	p := parser{}
	candidates := make([]*uint256.Int, 0, len(l.CandidateRates))
	for i, raw := range l.CandidateRates {
		candidates = append(candidates, p.fixed(fmt.Sprintf("ledger.candidate_rates[%d]", i), raw))
	}

	cfg := tranche.Config{
		Rates: rate.Params{
			Candidates:     candidates,
			PeriodsPerYear: l.PeriodsPerYear,
			NominalPeriod:  l.NominalPeriod,
			PerfFeeRate:    p.fixed("ledger.perf_fee_rate", l.PerfFeeRate),
		},
		Zones: zone.Policy{
			TargetRatio:  p.fixed("ledger.target_ratio", l.TargetRatio),
			TriggerRatio: p.fixed("ledger.trigger_ratio", l.TriggerRatio),
			RestoreRatio: p.fixed("ledger.restore_ratio", l.RestoreRatio),
			JuniorWeight: p.fixed("ledger.junior_weight", l.JuniorWeight),
		},
		Withdrawal: fees.Withdrawal{
			EarlyPenaltyRate: p.fixed("ledger.early_penalty_rate", l.EarlyPenaltyRate),
			FeeRate:          p.fixed("ledger.withdrawal_fee_rate", l.WithdrawalFeeRate),
			CooldownPeriod:   l.CooldownPeriod,
		},
		AnnualMgmtRate:     p.fixed("ledger.mgmt_fee_rate", l.MgmtFeeRate),
		MgmtFeeBasis:       tranche.MgmtFeeBasis(l.MgmtFeeBasis),
		PoolMgmtRate:       p.fixed("ledger.pool_mgmt_fee_rate", l.PoolMgmtFeeRate),
		FeeMintInterval:    l.FeeMintInterval,
		CapMultiplier:      p.fixed("ledger.cap_multiplier", l.CapMultiplier),
		MinRebaseInterval:  l.MinRebaseInterval,
		MaxRebaseElapsed:   l.MaxRebaseElapsed,
		RemarkBand:         p.fixed("ledger.remark_band", l.RemarkBand),
		LiquidityAttempts:  l.LiquidityAttempts,
		FeeRecipient:       l.FeeRecipient,
		MigrationRecipient: l.MigrationRecipient,
	}
	if p.err != nil {
		return tranche.Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return tranche.Config{}, err
	}
	return cfg, nil
}

// parser keeps the first error so the conversion reads as a flat list.
type parser struct {
	err error
}

func (p *parser) fixed(key, raw string) *uint256.Int {
	if p.err != nil {
		return fixedpoint.Zero()
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "0"
	}
	v, err := fixedpoint.Parse(raw)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", key, err)
		return fixedpoint.Zero()
	}
	return v
}
