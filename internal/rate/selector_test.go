package rate

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tranche-ledger/internal/fixedpoint"
)

const period = 30 * 24 * time.Hour

func testParams() Params {
	return Params{
		Candidates: []*uint256.Int{
			fixedpoint.MustParse("0.13"),
			fixedpoint.MustParse("0.12"),
			fixedpoint.MustParse("0.11"),
		},
		PeriodsPerYear: 12,
		NominalPeriod:  period,
		PerfFeeRate:    fixedpoint.MustParse("0.02"),
	}
}

func requireApprox(t *testing.T, want string, got *uint256.Int) {
	t.Helper()
	diff := fixedpoint.ToDecimal(got).Sub(decimal.RequireFromString(want)).Abs()
	require.True(t, diff.LessThanOrEqual(decimal.NewFromInt(1)), "want ≈%s, got %s", want, fixedpoint.Format(got))
}

func TestSelectHighestTierWhenBacked(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	out := sel.Select(Input{
		Supply:     fixedpoint.Units(1_000_000),
		Collateral: fixedpoint.Units(1_200_000),
		Elapsed:    period,
	})

	require.Equal(t, 0, out.Tier)
	require.False(t, out.BackstopNeeded)
	require.Equal(t, fixedpoint.MustParse("0.13"), out.AnnualRate)
	requireApprox(t, "10833.33", out.UserGrowth)
	requireApprox(t, "216.67", out.FeeGrowth)
	requireApprox(t, "1011050", out.NewSupply)
	require.Equal(t, "1.187", fixedpoint.ToDecimal(out.Ratio).StringFixed(3))
}

func TestSelectFallsThroughToSustainableTier(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	out := sel.Select(Input{
		Supply:     fixedpoint.Units(1_000_000),
		Collateral: fixedpoint.Units(1_010_500),
		Elapsed:    period,
	})

	require.Equal(t, 1, out.Tier)
	require.False(t, out.BackstopNeeded)
	requireApprox(t, "1010200", out.NewSupply)
}

func TestSelectPrefersHigherRateOnEquality(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	probe := sel.Select(Input{
		Supply:     fixedpoint.Units(1_000_000),
		Collateral: fixedpoint.Units(2_000_000),
		Elapsed:    period,
	})

	exact := sel.Select(Input{
		Supply:     fixedpoint.Units(1_000_000),
		Collateral: probe.NewSupply,
		Elapsed:    period,
	})
	require.Equal(t, 0, exact.Tier)
	require.Equal(t, fixedpoint.One(), exact.Ratio)
}

func TestSelectFlagsBackstop(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	out := sel.Select(Input{
		Supply:     fixedpoint.Units(1_000_000),
		Collateral: fixedpoint.Units(950_000),
		Elapsed:    period,
	})

	require.True(t, out.BackstopNeeded)
	require.Equal(t, 2, out.Tier)
	require.Equal(t, fixedpoint.MustParse("0.11"), out.AnnualRate)
	requireApprox(t, "1009350", out.NewSupply)
}

func TestSelectScalesByElapsed(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	full := sel.Select(Input{Supply: fixedpoint.Units(1_000_000), Collateral: fixedpoint.Units(1_200_000), Elapsed: period})
	half := sel.Select(Input{Supply: fixedpoint.Units(1_000_000), Collateral: fixedpoint.Units(1_200_000), Elapsed: period / 2})

	requireApprox(t, fixedpoint.ToDecimal(full.UserGrowth).Div(decimal.NewFromInt(2)).String(), half.UserGrowth)
}

func TestSelectIncludesManagementFee(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	out := sel.Select(Input{
		Supply:     fixedpoint.Units(1_000_000),
		Collateral: fixedpoint.Units(1_011_000),
		MgmtFee:    fixedpoint.Units(1_000),
		Elapsed:    period,
	})

	// The fee pushes both 13% and 12% past the collateral.
	require.Equal(t, 2, out.Tier)
	require.Equal(t, fixedpoint.Units(1_000), out.MgmtFee)
	require.Equal(t, fixedpoint.Add(out.FeeGrowth, out.MgmtFee), out.FeeTokens())
}

func TestSelectZeroSupply(t *testing.T) {
	sel, err := NewSelector(testParams())
	require.NoError(t, err)

	out := sel.Select(Input{Supply: fixedpoint.Zero(), Collateral: fixedpoint.Zero(), Elapsed: period})
	require.Equal(t, 0, out.Tier)
	require.True(t, out.NewSupply.IsZero())
	require.True(t, out.Ratio.IsZero())
}

func TestParamsValidate(t *testing.T) {
	p := testParams()
	p.Candidates = nil
	_, err := NewSelector(p)
	require.ErrorIs(t, err, ErrNoCandidates)

	p = testParams()
	p.Candidates[0], p.Candidates[2] = p.Candidates[2], p.Candidates[0]
	_, err = NewSelector(p)
	require.ErrorIs(t, err, ErrUnordered)

	p = testParams()
	p.PeriodsPerYear = 0
	_, err = NewSelector(p)
	require.ErrorIs(t, err, ErrInvalidPeriod)
}
