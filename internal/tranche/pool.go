package tranche

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
)

// Pool is a Junior or Reserve vault: balance = shares × value / totalShares.
type Pool struct {
	vault

	shares      map[string]*uint256.Int
	totalShares *uint256.Int
	accrual     fees.Accrual
}

func newPool(kind Kind, cfg *Config, opts *options) *Pool {
	p := &Pool{
		shares:      make(map[string]*uint256.Int),
		totalShares: fixedpoint.Zero(),
	}
	p.init(kind, cfg, opts)
	p.accrual = fees.Accrual{LastMint: opts.clock(), Interval: cfg.FeeMintInterval}
	return p
}

// Deposit adds amount to the pool and returns the shares issued to the
// receiver. The first deposit into an empty pool is issued 1:1.
func (p *Pool) Deposit(ctx context.Context, req DepositRequest) (*uint256.Int, error) {
	start := p.opts.clock()
	ctx, span := p.startSpan(ctx, "deposit")
	defer span.End()

	shares, err := p.deposit(ctx, req)
	p.finish(span, "deposit", start, err)
	return shares, err
}

func (p *Pool) deposit(ctx context.Context, req DepositRequest) (*uint256.Int, error) {
	op := p.op("deposit")
	if err := checkAmount(op, req.Amount); err != nil {
		return nil, err
	}
	if err := checkAccounts(op, req.Receiver); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	shares, err := p.sharesForDeposit(req.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.InvariantGuard, op, err)
	}
	if shares.IsZero() {
		return nil, fault.Wrap(fault.InvariantGuard, op, fmt.Errorf("%w: deposit rounds to zero shares", ErrZeroAmount))
	}
	value, err := fixedpoint.AddChecked(p.value, req.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.InvariantGuard, op, fmt.Errorf("%w: value: %v", ErrAmountTooLarge, err))
	}
	if _, err := fixedpoint.AddChecked(p.totalShares, shares); err != nil {
		return nil, fault.Wrap(fault.InvariantGuard, op, fmt.Errorf("%w: shares: %v", ErrAmountTooLarge, err))
	}
	if err := p.depositToPosition(ctx, req); err != nil {
		return nil, err
	}

	p.credit(req.Receiver, shares)
	p.value = value
	p.lastUpdate = p.opts.clock()

	p.log.Info().Str("receiver", req.Receiver).Str("amount", fixedpoint.Format(req.Amount)).
		Str("shares", fixedpoint.Format(shares)).Msg("pool deposit")
	return shares, nil
}

func (p *Pool) sharesForDeposit(amount *uint256.Int) (*uint256.Int, error) {
	if p.totalShares.IsZero() {
		return fixedpoint.Clone(amount), nil
	}
	if p.value.IsZero() {
		return nil, ErrPoolDepleted
	}
	return fixedpoint.MulDiv(amount, p.totalShares, p.value)
}

// Withdraw burns shares worth the gross amount, pays the net amount and
// issues shares worth penalty plus fee to the fee recipient.
func (p *Pool) Withdraw(ctx context.Context, req WithdrawRequest) (fees.Quote, error) {
	start := p.opts.clock()
	ctx, span := p.startSpan(ctx, "withdraw")
	defer span.End()

	q, err := p.withdraw(ctx, req)
	p.finish(span, "withdraw", start, err)
	return q, err
}

func (p *Pool) withdraw(ctx context.Context, req WithdrawRequest) (fees.Quote, error) {
	op := p.op("withdraw")
	if err := checkAmount(op, req.Amount); err != nil {
		return fees.Quote{}, err
	}
	if err := checkAccounts(op, req.Owner, req.Receiver); err != nil {
		return fees.Quote{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	balance := p.balanceLocked(req.Owner)
	if req.Amount.Gt(balance) {
		return fees.Quote{}, fault.Wrap(fault.InvariantGuard, op,
			fmt.Errorf("%w: %s > %s", ErrInsufficientBalance, fixedpoint.Format(req.Amount), fixedpoint.Format(balance)))
	}
	burn, err := fixedpoint.MulDivUp(req.Amount, p.totalShares, p.value)
	if err != nil {
		return fees.Quote{}, fault.Wrap(fault.InvariantGuard, op, err)
	}

	now := p.opts.clock()
	q := p.cfg.Withdrawal.Quote(req.Amount, p.cooldowns[req.Owner], now)
	if minNet := fixedpoint.Clone(req.MinNet); q.Net.Lt(minNet) {
		return fees.Quote{}, fault.Wrap(fault.SlippageGuard, op,
			fmt.Errorf("%w: net %s, want %s", ErrSlippage, fixedpoint.Format(q.Net), fixedpoint.Format(minNet)))
	}
	feeShares, err := fixedpoint.MulDiv(q.Charged(), p.totalShares, p.value)
	if err != nil {
		return fees.Quote{}, fault.Wrap(fault.InvariantGuard, op, err)
	}
	if err := p.disburse(ctx, req.Receiver, q.Net); err != nil {
		return fees.Quote{}, err
	}

	p.debit(req.Owner, burn)
	if !feeShares.IsZero() {
		p.credit(p.cfg.FeeRecipient, feeShares)
	}
	p.value = fixedpoint.SubFloor(p.value, q.Net)
	p.lastUpdate = now

	p.log.Info().Str("owner", req.Owner).Str("gross", fixedpoint.Format(q.Gross)).
		Str("net", fixedpoint.Format(q.Net)).Bool("early", q.Early).Msg("pool withdrawal")
	return q, nil
}

// ProvideBackstop releases up to amount of value to the caller and returns what
// was actually provided.
func (p *Pool) ProvideBackstop(amount *uint256.Int) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provideBackstopLocked(amount)
}

func (p *Pool) provideBackstopLocked(amount *uint256.Int) *uint256.Int {
	provided := fixedpoint.Min(p.value, amount)
	if provided.IsZero() {
		return provided
	}
	p.value = fixedpoint.SubFloor(p.value, provided)
	p.lastUpdate = p.opts.clock()
	p.log.Warn().Str("provided", fixedpoint.Format(provided)).Str("remaining", fixedpoint.Format(p.value)).Msg("backstop provided")
	return provided
}

// ReceiveSpillover adds amount to the pool value.
func (p *Pool) ReceiveSpillover(amount *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiveSpilloverLocked(amount)
}

// receiveSpilloverLocked credits value to existing holders. A pool without
// holders issues the matching shares to the fee recipient so no value is left
// unclaimed.
func (p *Pool) receiveSpilloverLocked(amount *uint256.Int) {
	if fixedpoint.IsZero(amount) {
		return
	}
	if p.totalShares.IsZero() {
		p.credit(p.cfg.FeeRecipient, fixedpoint.Add(p.value, amount))
	}
	p.value = fixedpoint.Add(p.value, amount)
	p.lastUpdate = p.opts.clock()
	p.log.Info().Str("amount", fixedpoint.Format(amount)).Msg("spillover received")
}

// MintFees issues management-fee shares to the fee recipient once per
// interval and returns the value they represent.
func (p *Pool) MintFees(ctx context.Context) (*uint256.Int, error) {
	start := p.opts.clock()
	_, span := p.startSpan(ctx, "mint_fees")
	defer span.End()

	p.mu.Lock()
	minted, err := p.mintFeesLocked()
	p.mu.Unlock()

	p.finish(span, "mint_fees", start, err)
	return minted, err
}

func (p *Pool) mintFeesLocked() (*uint256.Int, error) {
	now := p.opts.clock()
	if !p.accrual.Due(now) {
		next := p.accrual.LastMint.Add(p.accrual.Interval)
		return nil, fault.Temporary(fault.PolicyViolation, p.op("mint_fees"),
			fmt.Errorf("%w: next mint at %s", fees.ErrMintNotDue, next.Format(time.RFC3339)))
	}
	elapsed := now.Sub(p.accrual.LastMint)
	p.accrual.LastMint = now

	fee := fees.Management(p.value, p.cfg.PoolMgmtRate, elapsed)
	if fee.IsZero() || p.totalShares.IsZero() || !fee.Lt(p.value) {
		return fixedpoint.Zero(), nil
	}
	shares, err := fixedpoint.MulDiv(fee, p.totalShares, fixedpoint.SubFloor(p.value, fee))
	if err != nil {
		return nil, fault.Wrap(fault.InvariantGuard, p.op("mint_fees"), err)
	}
	p.credit(p.cfg.FeeRecipient, shares)
	p.log.Info().Str("fee", fixedpoint.Format(fee)).Str("shares", fixedpoint.Format(shares)).
		Dur("elapsed", elapsed).Msg("pool fees minted")
	return fee, nil
}

// SetFeeInterval changes the fee mint cadence.
func (p *Pool) SetFeeInterval(ctx context.Context, d time.Duration) error {
	start := p.opts.clock()
	_, span := p.startSpan(ctx, "fee_interval")
	defer span.End()

	err := fees.ValidateInterval(d)
	if err != nil {
		err = fault.Wrap(fault.PolicyViolation, p.op("fee_interval"), err)
	} else {
		p.mu.Lock()
		p.accrual.Interval = d
		p.mu.Unlock()
		p.log.Info().Dur("interval", d).Msg("fee interval updated")
	}
	p.finish(span, "fee_interval", start, err)
	return err
}

// FeeSchedule returns the current fee accrual state.
func (p *Pool) FeeSchedule() fees.Accrual {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accrual
}

// BalanceOf returns the value claim of id.
func (p *Pool) BalanceOf(id string) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceLocked(id)
}

// SharesOf returns the pool shares held by id.
func (p *Pool) SharesOf(id string) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fixedpoint.Clone(p.shares[id])
}

// TotalShares returns the outstanding pool shares.
func (p *Pool) TotalShares() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fixedpoint.Clone(p.totalShares)
}

// Holders lists every account with a share entry, sorted.
func (p *Pool) Holders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.shares))
	for id := range p.shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) balanceLocked(id string) *uint256.Int {
	shares, ok := p.shares[id]
	if !ok || p.totalShares.IsZero() {
		return fixedpoint.Zero()
	}
	bal, err := fixedpoint.MulDiv(shares, p.value, p.totalShares)
	if err != nil {
		return fixedpoint.Zero()
	}
	return bal
}

func (p *Pool) credit(id string, shares *uint256.Int) {
	cur, ok := p.shares[id]
	if !ok {
		cur = fixedpoint.Zero()
	}
	p.shares[id] = fixedpoint.Add(cur, shares)
	p.totalShares = fixedpoint.Add(p.totalShares, shares)
}

func (p *Pool) debit(id string, shares *uint256.Int) {
	p.shares[id] = fixedpoint.SubFloor(p.shares[id], shares)
	p.totalShares = fixedpoint.SubFloor(p.totalShares, shares)
}
