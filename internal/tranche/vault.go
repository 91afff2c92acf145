// Package tranche holds the three vaults and the rebase that ties them
// together. Senior issues a rebasing claim; Junior and Reserve are plain
// proportional pools that absorb spillover and provide backstop.
package tranche

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/metrics"
)

var (
	ErrDepositCapExceeded    = errors.New("tranche: deposit cap exceeded")
	ErrRebaseTooSoon         = errors.New("tranche: minimum rebase interval not reached")
	ErrRemarkOutOfBand       = errors.New("tranche: re-mark outside allowed band")
	ErrInsufficientLiquidity = errors.New("tranche: insufficient liquidity")
	ErrBackstopDepleted      = errors.New("tranche: reserve and junior are depleted")
	ErrInsufficientBalance   = errors.New("tranche: amount exceeds balance")
	ErrInsufficientValue     = errors.New("tranche: vault value below payout")
	ErrZeroAmount            = errors.New("tranche: amount must be positive")
	ErrZeroPrice             = errors.New("tranche: price must be positive")
	ErrAmountTooLarge        = errors.New("tranche: amount out of range")
	ErrMissingAccount        = errors.New("tranche: account required")
	ErrPoolDepleted          = errors.New("tranche: pool has shares but no value")
	ErrSlippage              = errors.New("tranche: result below caller minimum")
)

// Kind names a tranche.
type Kind string

const (
	Senior  Kind = "senior"
	Junior  Kind = "junior"
	Reserve Kind = "reserve"
)

// ParseKind accepts the lower-case tranche names.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Senior, Junior, Reserve:
		return Kind(s), nil
	}
	return "", fmt.Errorf("tranche: unknown tranche %q", s)
}

// Liquidity converts idle stable balances into the yield-bearing position and
// back. Every call may return less than requested.
type Liquidity interface {
	DepositForPosition(ctx context.Context, amount, minUnits *uint256.Int) (*uint256.Int, error)
	LiquidateForAmount(ctx context.Context, target *uint256.Int) (*uint256.Int, error)
	CurrentPositionValue(ctx context.Context) (*uint256.Int, error)
	IdleBalance(ctx context.Context) (*uint256.Int, error)
	Disburse(ctx context.Context, to string, amount *uint256.Int) error
	// ReleaseUnits gives up to units of the position to another tranche and
	// returns how many left.
	ReleaseUnits(ctx context.Context, units *uint256.Int) (*uint256.Int, error)
	// AcceptUnits takes units released by another tranche.
	AcceptUnits(ctx context.Context, units *uint256.Int) error
}

// DepositRequest is a caller deposit into any tranche.
type DepositRequest struct {
	Amount   *uint256.Int
	Receiver string
	// MinPositionUnits bounds the collaborator conversion; zero disables it.
	MinPositionUnits *uint256.Int
}

// WithdrawRequest is a caller exit from any tranche. Amount is gross.
type WithdrawRequest struct {
	Amount   *uint256.Int
	Receiver string
	Owner    string
	// MinNet bounds the payout after penalties and fees; zero disables it.
	MinNet *uint256.Int
}

type options struct {
	clock     func() time.Time
	logger    zerolog.Logger
	tracer    trace.Tracer
	metrics   *metrics.LedgerMetrics
	liquidity map[Kind]Liquidity
}

func defaultOptions() options {
	return options{
		clock:     time.Now,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("tranche-ledger/tranche"),
		liquidity: make(map[Kind]Liquidity),
	}
}

// Option configures New and Restore.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger. DEFAULT: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMetrics enables Prometheus recording. DEFAULT: disabled.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLiquidity attaches a collaborator to one tranche. A tranche without one
// keeps pure bookkeeping.
func WithLiquidity(kind Kind, liq Liquidity) Option {
	return func(o *options) {
		if liq != nil {
			o.liquidity[kind] = liq
		}
	}
}

// vault is the state shared by all three tranches.
type vault struct {
	kind Kind
	cfg  *Config
	opts *options
	log  zerolog.Logger
	liq  Liquidity

	mu         sync.Mutex
	value      *uint256.Int
	lastUpdate time.Time
	cooldowns  map[string]time.Time
}

func (v *vault) init(kind Kind, cfg *Config, opts *options) {
	v.kind = kind
	v.cfg = cfg
	v.opts = opts
	v.log = opts.logger.With().Str("component", "tranche").Str("tranche", string(kind)).Logger()
	v.liq = opts.liquidity[kind]
	v.value = fixedpoint.Zero()
	v.lastUpdate = opts.clock()
	v.cooldowns = make(map[string]time.Time)
}

// Kind reports which tranche this is.
func (v *vault) Kind() Kind {
	return v.kind
}

// Value returns the collateral value.
func (v *vault) Value() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.Clone(v.value)
}

// LastUpdate returns when the value last changed.
func (v *vault) LastUpdate() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastUpdate
}

// CooldownStart returns the recorded cooldown start for id, zero if never set.
func (v *vault) CooldownStart(id string) time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cooldowns[id]
}

// InitiateCooldown starts the cooldown clock for owner. Calling it again
// restarts the clock.
func (v *vault) InitiateCooldown(ctx context.Context, owner string) (time.Time, error) {
	start := v.opts.clock()
	_, span := v.startSpan(ctx, "cooldown")
	defer span.End()
	if owner == "" {
		err := fault.Wrap(fault.InvariantGuard, v.op("cooldown"), ErrMissingAccount)
		v.finish(span, "cooldown", start, err)
		return time.Time{}, err
	}
	v.mu.Lock()
	now := v.opts.clock()
	v.cooldowns[owner] = now
	v.mu.Unlock()
	v.log.Debug().Str("owner", owner).Time("start", now).Msg("cooldown initiated")
	v.finish(span, "cooldown", start, nil)
	return now, nil
}

// Remark replaces the collateral value with an externally sourced mark. The
// relative change is bounded by RemarkBand unless the vault is empty.
func (v *vault) Remark(ctx context.Context, newValue *uint256.Int) error {
	start := v.opts.clock()
	_, span := v.startSpan(ctx, "remark")
	defer span.End()

	v.mu.Lock()
	err := v.remarkLocked(newValue)
	v.mu.Unlock()

	v.finish(span, "remark", start, err)
	return err
}

func (v *vault) remarkLocked(newValue *uint256.Int) error {
	if newValue == nil || newValue.Gt(fixedpoint.MaxAmount) {
		return fault.Wrap(fault.InvariantGuard, v.op("remark"), ErrAmountTooLarge)
	}
	if !v.value.IsZero() {
		var delta *uint256.Int
		if newValue.Gt(v.value) {
			delta = fixedpoint.SubFloor(newValue, v.value)
		} else {
			delta = fixedpoint.SubFloor(v.value, newValue)
		}
		allowed := fixedpoint.Mul(v.value, v.cfg.RemarkBand)
		if delta.Gt(allowed) {
			return fault.Wrap(fault.PolicyViolation, v.op("remark"),
				fmt.Errorf("%w: %s -> %s", ErrRemarkOutOfBand, fixedpoint.Format(v.value), fixedpoint.Format(newValue)))
		}
	}
	v.log.Info().Str("from", fixedpoint.Format(v.value)).Str("to", fixedpoint.Format(newValue)).Msg("value re-marked")
	v.value = fixedpoint.Clone(newValue)
	v.lastUpdate = v.opts.clock()
	return nil
}

// depositToPosition hands a fresh deposit to the collaborator and rechecks the
// units it reports against the caller minimum.
func (v *vault) depositToPosition(ctx context.Context, req DepositRequest) error {
	if v.liq == nil {
		return nil
	}
	minUnits := fixedpoint.Clone(req.MinPositionUnits)
	units, err := v.liq.DepositForPosition(ctx, req.Amount, minUnits)
	if err != nil {
		return fault.Wrap(fault.SlippageGuard, v.op("deposit"), fmt.Errorf("deposit for position: %w", err))
	}
	if fixedpoint.Clone(units).Lt(minUnits) {
		return fault.Wrap(fault.SlippageGuard, v.op("deposit"),
			fmt.Errorf("%w: received %s units, want %s", ErrSlippage, fixedpoint.Format(units), fixedpoint.Format(minUnits)))
	}
	return nil
}

// ensureLiquidity frees position value until the idle balance covers amount.
// Attempts are bounded and the idle balance is re-read after every call.
func (v *vault) ensureLiquidity(ctx context.Context, amount *uint256.Int) error {
	if v.liq == nil {
		return nil
	}
	for attempt := 1; attempt <= v.cfg.LiquidityAttempts; attempt++ {
		idle, err := v.liq.IdleBalance(ctx)
		if err != nil {
			return fault.Temporary(fault.ResourceExhaustion, v.op("liquidity"), err)
		}
		if idle.Cmp(amount) >= 0 {
			return nil
		}
		need := fixedpoint.SubFloor(amount, idle)
		freed, err := v.liq.LiquidateForAmount(ctx, need)
		if err != nil {
			v.log.Warn().Err(err).Int("attempt", attempt).Msg("liquidation failed")
			continue
		}
		v.log.Debug().Int("attempt", attempt).Str("need", fixedpoint.Format(need)).
			Str("freed", fixedpoint.Format(freed)).Msg("liquidity freed")
	}
	idle, err := v.liq.IdleBalance(ctx)
	if err != nil {
		return fault.Temporary(fault.ResourceExhaustion, v.op("liquidity"), err)
	}
	if idle.Lt(amount) {
		return fault.Temporary(fault.ResourceExhaustion, v.op("liquidity"),
			fmt.Errorf("%w: idle %s, need %s", ErrInsufficientLiquidity, fixedpoint.Format(idle), fixedpoint.Format(amount)))
	}
	return nil
}

func (v *vault) disburse(ctx context.Context, to string, amount *uint256.Int) error {
	if v.liq == nil || amount.IsZero() {
		return nil
	}
	if err := v.ensureLiquidity(ctx, amount); err != nil {
		return err
	}
	if err := v.liq.Disburse(ctx, to, amount); err != nil {
		return fault.Temporary(fault.ResourceExhaustion, v.op("disburse"), err)
	}
	return nil
}

func (v *vault) op(name string) string {
	return string(v.kind) + "." + name
}

func (v *vault) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return v.opts.tracer.Start(ctx, v.op(name))
}

func (v *vault) finish(span trace.Span, name string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	v.opts.metrics.Observe(v.op(name), v.opts.clock().Sub(start), err)
}

func checkAmount(op string, amount *uint256.Int) error {
	if fixedpoint.IsZero(amount) {
		return fault.Wrap(fault.InvariantGuard, op, ErrZeroAmount)
	}
	if !fixedpoint.InRange(amount) {
		return fault.Wrap(fault.InvariantGuard, op, ErrAmountTooLarge)
	}
	return nil
}

func checkAccounts(op string, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fault.Wrap(fault.InvariantGuard, op, ErrMissingAccount)
		}
	}
	return nil
}
