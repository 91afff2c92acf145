package fees

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fixedpoint"
)

// SecondsPerYear is the annualisation base for time-scaled fees.
const SecondsPerYear = 365 * 24 * 60 * 60

// MinMintInterval is the shortest allowed pool fee-mint interval.
const MinMintInterval = time.Hour

var (
	// ErrIntervalTooShort rejects fee schedules below MinMintInterval.
	ErrIntervalTooShort = errors.New("fees: mint interval below minimum")
	// ErrMintNotDue is returned when a pool fee mint is attempted early.
	ErrMintNotDue = errors.New("fees: mint interval has not elapsed")
	// ErrRateTooHigh rejects fractional rates above 100%.
	ErrRateTooHigh = errors.New("fees: rate above 100%")
)

var secondsPerYearWad = new(uint256.Int).Mul(uint256.NewInt(SecondsPerYear), fixedpoint.One())

// Management returns value × annualRate × elapsed / SecondsPerYear using the
// real elapsed time, truncated to whole seconds.
func Management(value, annualRate *uint256.Int, elapsed time.Duration) *uint256.Int {
	secs := int64(elapsed / time.Second)
	if secs <= 0 || fixedpoint.IsZero(value) || fixedpoint.IsZero(annualRate) {
		return fixedpoint.Zero()
	}
	rateTime := new(uint256.Int).Mul(annualRate, uint256.NewInt(uint64(secs)))
	fee, err := fixedpoint.MulDiv(value, rateTime, secondsPerYearWad)
	if err != nil {
		panic("fees: management fee out of range: " + err.Error())
	}
	return fee
}

// ManagementOnNet charges the same rate on the value left after the fee
// itself: fee = value × k / (1 + k), k being the time-scaled rate.
func ManagementOnNet(value, annualRate *uint256.Int, elapsed time.Duration) *uint256.Int {
	gross := Management(value, annualRate, elapsed)
	if gross.IsZero() {
		return gross
	}
	fee, err := fixedpoint.MulDiv(gross, value, fixedpoint.Add(value, gross))
	if err != nil {
		panic("fees: management fee out of range: " + err.Error())
	}
	return fee
}

// Performance returns userGrowth × perfRate.
func Performance(userGrowth, perfRate *uint256.Int) *uint256.Int {
	return fixedpoint.Mul(userGrowth, perfRate)
}

// Withdrawal holds the fee policy applied to every exit.
type Withdrawal struct {
	EarlyPenaltyRate *uint256.Int
	FeeRate          *uint256.Int
	CooldownPeriod   time.Duration
}

// Validate checks that both rates are at most 100%.
func (w Withdrawal) Validate() error {
	one := fixedpoint.One()
	if fixedpoint.Clone(w.EarlyPenaltyRate).Gt(one) {
		return fmt.Errorf("early penalty: %w", ErrRateTooHigh)
	}
	if fixedpoint.Clone(w.FeeRate).Gt(one) {
		return fmt.Errorf("withdrawal fee: %w", ErrRateTooHigh)
	}
	if w.CooldownPeriod < 0 {
		return errors.New("fees: cooldown period cannot be negative")
	}
	return nil
}

// InPenaltyWindow reports whether an exit at now pays the early penalty. A zero
// cooldownStart means the cooldown was never initiated.
func InPenaltyWindow(cooldownStart, now time.Time, period time.Duration) bool {
	if cooldownStart.IsZero() {
		return true
	}
	return now.Sub(cooldownStart) < period
}

// Quote is the breakdown of a single withdrawal.
type Quote struct {
	Gross   *uint256.Int
	Penalty *uint256.Int
	Fee     *uint256.Int
	Net     *uint256.Int
	Early   bool
}

// Charged is the total routed to the fee recipient.
func (q Quote) Charged() *uint256.Int {
	return fixedpoint.Add(q.Penalty, q.Fee)
}

// Quote applies the early penalty first and the flat fee to what remains.
func (w Withdrawal) Quote(gross *uint256.Int, cooldownStart, now time.Time) Quote {
	q := Quote{
		Gross:   fixedpoint.Clone(gross),
		Penalty: fixedpoint.Zero(),
		Early:   InPenaltyWindow(cooldownStart, now, w.CooldownPeriod),
	}
	remaining := fixedpoint.Clone(gross)
	if q.Early {
		q.Penalty = fixedpoint.Mul(remaining, w.EarlyPenaltyRate)
		remaining = fixedpoint.SubFloor(remaining, q.Penalty)
	}
	q.Fee = fixedpoint.Mul(remaining, w.FeeRate)
	q.Net = fixedpoint.SubFloor(remaining, q.Fee)
	return q
}

// Accrual is the Junior/Reserve management fee schedule.
type Accrual struct {
	LastMint time.Time
	Interval time.Duration
}

// ValidateInterval enforces the lower bound on fee mint cadence.
func ValidateInterval(d time.Duration) error {
	if d < MinMintInterval {
		return fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, d, MinMintInterval)
	}
	return nil
}

// Due reports whether a mint is allowed at now.
func (a Accrual) Due(now time.Time) bool {
	return !now.Before(a.LastMint.Add(a.Interval))
}
