package tranche

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/ledger"
	"tranche-ledger/internal/rate"
	"tranche-ledger/internal/zone"
)

// SeniorVault issues the rebasing claim and runs the rebase. It reaches the two
// pools only through their locked helpers, always in Senior → Reserve → Junior
// order.
type SeniorVault struct {
	vault

	ledger   *ledger.Ledger
	selector *rate.Selector
	engine   *zone.Engine
	reserve  *Pool
	junior   *Pool

	epoch      uint64
	lastRebase time.Time
}

// AccountView is the per-account audit surface.
type AccountView struct {
	Account       string
	Balance       *uint256.Int
	Shares        *uint256.Int
	Direct        *uint256.Int
	Mode          ledger.Mode
	CooldownStart time.Time
}

// Deposit issues a Senior claim of amount to the receiver and returns the face
// balance actually credited.
func (s *SeniorVault) Deposit(ctx context.Context, req DepositRequest) (*uint256.Int, error) {
	start := s.opts.clock()
	ctx, span := s.startSpan(ctx, "deposit")
	defer span.End()

	issued, err := s.deposit(ctx, req)
	s.finish(span, "deposit", start, err)
	return issued, err
}

func (s *SeniorVault) deposit(ctx context.Context, req DepositRequest) (*uint256.Int, error) {
	op := s.op("deposit")
	if err := checkAmount(op, req.Amount); err != nil {
		return nil, err
	}
	if err := checkAccounts(op, req.Receiver); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.capFor(s.reserve.Value())
	after, err := fixedpoint.AddChecked(s.ledger.TotalSupply(), req.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.InvariantGuard, op, fmt.Errorf("%w: supply: %v", ErrAmountTooLarge, err))
	}
	value, err := fixedpoint.AddChecked(s.value, req.Amount)
	if err != nil {
		return nil, fault.Wrap(fault.InvariantGuard, op, fmt.Errorf("%w: value: %v", ErrAmountTooLarge, err))
	}
	if after.Gt(limit) {
		return nil, fault.Wrap(fault.PolicyViolation, op,
			fmt.Errorf("%w: supply would be %s, cap %s", ErrDepositCapExceeded, fixedpoint.Format(after), fixedpoint.Format(limit)))
	}
	if err := s.depositToPosition(ctx, req); err != nil {
		return nil, err
	}

	before := s.ledger.BalanceOf(req.Receiver)
	if err := s.ledger.Mint(req.Receiver, req.Amount); err != nil {
		return nil, err
	}
	s.value = value
	s.lastUpdate = s.opts.clock()

	issued := fixedpoint.SubFloor(s.ledger.BalanceOf(req.Receiver), before)
	s.log.Info().Str("receiver", req.Receiver).Str("amount", fixedpoint.Format(req.Amount)).
		Str("issued", fixedpoint.Format(issued)).Msg("senior deposit")
	return issued, nil
}

// Withdraw burns the gross amount from the owner, pays the net amount to the
// receiver and credits penalty plus fee to the fee recipient as a Senior claim.
func (s *SeniorVault) Withdraw(ctx context.Context, req WithdrawRequest) (fees.Quote, error) {
	start := s.opts.clock()
	ctx, span := s.startSpan(ctx, "withdraw")
	defer span.End()

	q, err := s.withdraw(ctx, req)
	s.finish(span, "withdraw", start, err)
	return q, err
}

func (s *SeniorVault) withdraw(ctx context.Context, req WithdrawRequest) (fees.Quote, error) {
	op := s.op("withdraw")
	if err := checkAmount(op, req.Amount); err != nil {
		return fees.Quote{}, err
	}
	if err := checkAccounts(op, req.Owner, req.Receiver); err != nil {
		return fees.Quote{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.ledger.BalanceOf(req.Owner)
	if req.Amount.Gt(balance) {
		return fees.Quote{}, fault.Wrap(fault.InvariantGuard, op,
			fmt.Errorf("%w: %s > %s", ErrInsufficientBalance, fixedpoint.Format(req.Amount), fixedpoint.Format(balance)))
	}

	now := s.opts.clock()
	q := s.cfg.Withdrawal.Quote(req.Amount, s.cooldowns[req.Owner], now)
	if minNet := fixedpoint.Clone(req.MinNet); q.Net.Lt(minNet) {
		return fees.Quote{}, fault.Wrap(fault.SlippageGuard, op,
			fmt.Errorf("%w: net %s, want %s", ErrSlippage, fixedpoint.Format(q.Net), fixedpoint.Format(minNet)))
	}
	if s.value.Lt(q.Net) {
		return fees.Quote{}, fault.Temporary(fault.ResourceExhaustion, op,
			fmt.Errorf("%w: value %s, net %s", ErrInsufficientValue, fixedpoint.Format(s.value), fixedpoint.Format(q.Net)))
	}
	if err := s.disburse(ctx, req.Receiver, q.Net); err != nil {
		return fees.Quote{}, err
	}

	if err := s.ledger.Burn(req.Owner, req.Amount); err != nil {
		return fees.Quote{}, err
	}
	if charged := q.Charged(); !charged.IsZero() {
		if err := s.ledger.Mint(s.cfg.FeeRecipient, charged); err != nil {
			return fees.Quote{}, err
		}
	}
	s.value = fixedpoint.SubFloor(s.value, q.Net)
	s.lastUpdate = now

	s.log.Info().Str("owner", req.Owner).Str("gross", fixedpoint.Format(q.Gross)).
		Str("net", fixedpoint.Format(q.Net)).Str("charged", fixedpoint.Format(q.Charged())).
		Bool("early", q.Early).Msg("senior withdrawal")
	return q, nil
}

// MigrateToDirectBalances freezes the index. Later rebases mint growth to the
// migration recipient instead.
func (s *SeniorVault) MigrateToDirectBalances(ctx context.Context) error {
	start := s.opts.clock()
	_, span := s.startSpan(ctx, "migrate")
	defer span.End()

	s.mu.Lock()
	err := s.ledger.Migrate()
	if err == nil {
		s.log.Warn().Str("frozen_index", fixedpoint.Format(s.ledger.FrozenIndex())).
			Int("accounts", len(s.ledger.Accounts())).Msg("senior migrated to direct balances")
	}
	s.mu.Unlock()

	s.finish(span, "migrate", start, err)
	return err
}

// MigrateAccounts converts a batch of accounts ahead of their next interaction
// and returns how many changed.
func (s *SeniorVault) MigrateAccounts(ctx context.Context, ids []string) (int, error) {
	start := s.opts.clock()
	_, span := s.startSpan(ctx, "migrate_accounts")
	defer span.End()

	s.mu.Lock()
	n, err := s.ledger.ConvertAccounts(ids)
	pending := len(s.ledger.Pending())
	s.mu.Unlock()

	if err == nil {
		s.log.Info().Int("converted", n).Int("pending", pending).Msg("accounts converted")
	}
	s.finish(span, "migrate_accounts", start, err)
	return n, err
}

// BalanceOf returns the face balance of id.
func (s *SeniorVault) BalanceOf(id string) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.BalanceOf(id)
}

// TotalSupply returns the Senior claim supply.
func (s *SeniorVault) TotalSupply() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.TotalSupply()
}

// BackingRatio is value / supply, zero with no supply.
func (s *SeniorVault) BackingRatio() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return zone.Ratio(s.value, s.ledger.TotalSupply())
}

// CurrentZone classifies the present backing ratio.
func (s *SeniorVault) CurrentZone() zone.Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Classify(s.value, s.ledger.TotalSupply())
}

// DepositCap is capMultiplier × reserve value.
func (s *SeniorVault) DepositCap() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capFor(s.reserve.Value())
}

func (s *SeniorVault) capFor(reserveValue *uint256.Int) *uint256.Int {
	return fixedpoint.Mul(s.cfg.CapMultiplier, reserveValue)
}

// Epoch is the number of completed rebases.
func (s *SeniorVault) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// LastRebaseTime is when the last rebase committed.
func (s *SeniorVault) LastRebaseTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRebase
}

// Index returns the live index, which equals the frozen index after migration.
func (s *SeniorVault) Index() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Index()
}

// Migrated reports whether the index is frozen.
func (s *SeniorVault) Migrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Migrated()
}

// Account returns shares, direct balance, mode and cooldown for id.
func (s *SeniorVault) Account(id string) AccountView {
	s.mu.Lock()
	defer s.mu.Unlock()
	direct, _ := s.ledger.DirectBalanceOf(id)
	return AccountView{
		Account:       id,
		Balance:       s.ledger.BalanceOf(id),
		Shares:        s.ledger.SharesOf(id),
		Direct:        direct,
		Mode:          s.ledger.ModeOf(id),
		CooldownStart: s.cooldowns[id],
	}
}

// PositionValue asks the collaborator for the mark of the Senior position.
// ok is false when no collaborator is attached.
func (s *SeniorVault) PositionValue(ctx context.Context) (value *uint256.Int, ok bool, err error) {
	if s.liq == nil {
		return nil, false, nil
	}
	value, err = s.liq.CurrentPositionValue(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("position value: %w", err)
	}
	return value, true, nil
}

func (s *SeniorVault) lockAll() {
	s.mu.Lock()
	s.reserve.mu.Lock()
	s.junior.mu.Lock()
}

func (s *SeniorVault) unlockAll() {
	s.junior.mu.Unlock()
	s.reserve.mu.Unlock()
	s.mu.Unlock()
}
