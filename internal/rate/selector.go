package rate

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
)

var (
	// ErrNoCandidates is returned when the candidate list is empty.
	ErrNoCandidates = errors.New("rate: no candidate rates configured")
	// ErrUnordered is returned when candidates are not sorted highest first.
	ErrUnordered = errors.New("rate: candidates must be sorted from highest to lowest")
	// ErrInvalidPeriod is returned for a zero nominal period or period count.
	ErrInvalidPeriod = errors.New("rate: nominal period and periods per year must be positive")
)

// Params configure the selector. Candidates are annualised rates; one nominal
// period earns Candidate/PeriodsPerYear.
type Params struct {
	Candidates     []*uint256.Int
	PeriodsPerYear uint64
	NominalPeriod  time.Duration
	PerfFeeRate    *uint256.Int
}

// Validate checks ordering and period settings.
func (p Params) Validate() error {
	if len(p.Candidates) == 0 {
		return ErrNoCandidates
	}
	for i := 1; i < len(p.Candidates); i++ {
		if fixedpoint.Clone(p.Candidates[i]).Gt(fixedpoint.Clone(p.Candidates[i-1])) {
			return fmt.Errorf("%w: tier %d", ErrUnordered, i)
		}
	}
	if p.PeriodsPerYear == 0 || p.NominalPeriod < time.Second {
		return ErrInvalidPeriod
	}
	if fixedpoint.Clone(p.PerfFeeRate).Gt(fixedpoint.One()) {
		return fmt.Errorf("rate: performance fee: %w", fees.ErrRateTooHigh)
	}
	return nil
}

// Input is the state sampled at rebase time.
type Input struct {
	Supply     *uint256.Int
	Collateral *uint256.Int
	MgmtFee    *uint256.Int
	Elapsed    time.Duration
}

// Selection is the outcome of one selection pass.
type Selection struct {
	Tier           int
	AnnualRate     *uint256.Int
	AppliedRate    *uint256.Int
	UserGrowth     *uint256.Int
	FeeGrowth      *uint256.Int
	MgmtFee        *uint256.Int
	NewSupply      *uint256.Int
	Ratio          *uint256.Int
	BackstopNeeded bool
}

// FeeTokens is the total minted to the fee recipient.
func (s Selection) FeeTokens() *uint256.Int {
	return fixedpoint.Add(s.FeeGrowth, s.MgmtFee)
}

// Selector picks the highest sustainable rate.
type Selector struct {
	params Params
}

// NewSelector validates params and returns a Selector.
func NewSelector(params Params) (*Selector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Selector{params: params}, nil
}

// Params returns the configured parameters.
func (s *Selector) Params() Params {
	return s.params
}

// Applied converts an annual rate to the fraction earned over elapsed.
func (s *Selector) Applied(annual *uint256.Int, elapsed time.Duration) *uint256.Int {
	secs := int64(elapsed / time.Second)
	if secs <= 0 {
		return fixedpoint.Zero()
	}
	periodSecs := uint64(s.params.NominalPeriod / time.Second)
	denom := new(uint256.Int).Mul(uint256.NewInt(s.params.PeriodsPerYear), uint256.NewInt(periodSecs))
	applied, err := fixedpoint.MulDiv(annual, uint256.NewInt(uint64(secs)), denom)
	if err != nil {
		panic("rate: applied rate out of range: " + err.Error())
	}
	return applied
}

// Select walks the candidates from highest to lowest and stops at the first
// one whose post-growth supply is still fully backed. Equality counts as
// backed. When none qualifies the lowest tier is returned with BackstopNeeded.
func (s *Selector) Select(in Input) Selection {
	var sel Selection
	for i, candidate := range s.params.Candidates {
		sel = s.simulate(i, candidate, in)
		if fixedpoint.Clone(in.Collateral).Cmp(sel.NewSupply) >= 0 {
			return sel
		}
	}
	sel.BackstopNeeded = true
	return sel
}

func (s *Selector) simulate(tier int, annual *uint256.Int, in Input) Selection {
	applied := s.Applied(annual, in.Elapsed)
	userGrowth := fixedpoint.Mul(in.Supply, applied)
	feeGrowth := fees.Performance(userGrowth, s.params.PerfFeeRate)
	mgmt := fixedpoint.Clone(in.MgmtFee)

	newSupply := fixedpoint.Clone(in.Supply)
	newSupply.Add(newSupply, userGrowth)
	newSupply.Add(newSupply, feeGrowth)
	newSupply.Add(newSupply, mgmt)

	ratio := fixedpoint.Zero()
	if !newSupply.IsZero() {
		ratio, _ = fixedpoint.Div(in.Collateral, newSupply)
	}

	return Selection{
		Tier:        tier,
		AnnualRate:  fixedpoint.Clone(annual),
		AppliedRate: applied,
		UserGrowth:  userGrowth,
		FeeGrowth:   feeGrowth,
		MgmtFee:     mgmt,
		NewSupply:   newSupply,
		Ratio:       ratio,
	}
}
