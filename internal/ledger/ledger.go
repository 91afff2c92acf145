// Package ledger implements the rebasing Senior claim: balances are shares
// multiplied by a global index, so growth needs no per-account writes. After
// migration the index is frozen and accounts move to fixed direct balances.
//
// A Ledger is not safe for concurrent use; the owning vault serialises access.
package ledger

import (
	"errors"
	"sort"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fixedpoint"
)

var (
	// ErrInsufficientShares is returned when a burn or transfer exceeds the
	// account's recorded claim.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
	// ErrZeroAmount rejects zero face amounts.
	ErrZeroAmount = errors.New("ledger: amount must be positive")
	// ErrEmptyAccount rejects blank account ids.
	ErrEmptyAccount = errors.New("ledger: account id required")
	// ErrIndexFrozen is returned by AdvanceIndex after migration.
	ErrIndexFrozen = errors.New("ledger: index frozen after migration")
)

// Mode is the per-account accounting representation.
type Mode uint8

const (
	Indexed Mode = iota
	Direct
)

func (m Mode) String() string {
	if m == Direct {
		return "direct"
	}
	return "indexed"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "direct":
		*m = Direct
	case "indexed", "":
		*m = Indexed
	default:
		return errors.New("ledger: unknown mode " + string(b))
	}
	return nil
}

type account struct {
	shares *uint256.Int
	direct *uint256.Int
	mode   Mode
}

// Ledger tracks shares, the index and, after migration, direct balances.
type Ledger struct {
	index       *uint256.Int
	totalShares *uint256.Int
	accounts    map[string]*account

	migrated    bool
	frozenIndex *uint256.Int
	totalDirect *uint256.Int
}

// New returns an empty ledger with index 1.0.
func New() *Ledger {
	return &Ledger{
		index:       fixedpoint.One(),
		totalShares: fixedpoint.Zero(),
		accounts:    make(map[string]*account),
		frozenIndex: fixedpoint.Zero(),
		totalDirect: fixedpoint.Zero(),
	}
}

// Index returns the current index.
func (l *Ledger) Index() *uint256.Int {
	return fixedpoint.Clone(l.index)
}

// TotalShares returns the sum of all recorded shares.
func (l *Ledger) TotalShares() *uint256.Int {
	return fixedpoint.Clone(l.totalShares)
}

// SharesOf returns the recorded shares for id. Shares are kept after migration.
func (l *Ledger) SharesOf(id string) *uint256.Int {
	if acct, ok := l.accounts[id]; ok {
		return fixedpoint.Clone(acct.shares)
	}
	return fixedpoint.Zero()
}

// BalanceOf returns the face balance of id.
func (l *Ledger) BalanceOf(id string) *uint256.Int {
	acct, ok := l.accounts[id]
	if !ok {
		return fixedpoint.Zero()
	}
	if !l.migrated {
		return fixedpoint.Mul(acct.shares, l.index)
	}
	if acct.mode == Direct {
		return fixedpoint.Clone(acct.direct)
	}
	return fixedpoint.Mul(acct.shares, l.frozenIndex)
}

// TotalSupply returns totalShares × index, or the direct supply once migrated.
func (l *Ledger) TotalSupply() *uint256.Int {
	if l.migrated {
		return fixedpoint.Clone(l.totalDirect)
	}
	return fixedpoint.Mul(l.totalShares, l.index)
}

// Accounts lists every known account id in sorted order.
func (l *Ledger) Accounts() []string {
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mint credits faceAmount to id. Shares are rounded toward zero.
func (l *Ledger) Mint(id string, faceAmount *uint256.Int) error {
	if err := checkArgs("ledger.mint", id, faceAmount); err != nil {
		return err
	}
	acct := l.touch(id)
	if l.migrated {
		total, err := fixedpoint.AddChecked(l.totalDirect, faceAmount)
		if err != nil {
			return fault.Wrap(fault.InvariantGuard, "ledger.mint", err)
		}
		acct.direct.Add(acct.direct, faceAmount)
		l.totalDirect.Set(total)
		return nil
	}
	shares, err := fixedpoint.Div(faceAmount, l.index)
	if err != nil {
		return fault.Wrap(fault.InvariantGuard, "ledger.mint", err)
	}
	total, err := fixedpoint.AddChecked(l.totalShares, shares)
	if err != nil {
		return fault.Wrap(fault.InvariantGuard, "ledger.mint", err)
	}
	acct.shares.Add(acct.shares, shares)
	l.totalShares.Set(total)
	return nil
}

// Burn debits faceAmount from id. Shares are rounded up so the ledger never
// gives away dust.
func (l *Ledger) Burn(id string, faceAmount *uint256.Int) error {
	if err := checkArgs("ledger.burn", id, faceAmount); err != nil {
		return err
	}
	if l.migrated {
		if l.BalanceOf(id).Lt(faceAmount) {
			return fault.Wrap(fault.InvariantGuard, "ledger.burn", ErrInsufficientShares)
		}
		acct := l.touch(id)
		acct.direct.Sub(acct.direct, faceAmount)
		l.totalDirect = fixedpoint.SubFloor(l.totalDirect, faceAmount)
		return nil
	}
	shares, err := l.sharesFor(faceAmount)
	if err != nil {
		return fault.Wrap(fault.InvariantGuard, "ledger.burn", err)
	}
	acct, ok := l.accounts[id]
	if !ok || acct.shares.Lt(shares) {
		return fault.Wrap(fault.InvariantGuard, "ledger.burn", ErrInsufficientShares)
	}
	acct.shares.Sub(acct.shares, shares)
	l.totalShares = fixedpoint.SubFloor(l.totalShares, shares)
	return nil
}

// Transfer moves faceAmount from one account to another at the current index.
// totalShares is unchanged.
func (l *Ledger) Transfer(from, to string, faceAmount *uint256.Int) error {
	if err := checkArgs("ledger.transfer", from, faceAmount); err != nil {
		return err
	}
	if to == "" {
		return fault.Wrap(fault.InvariantGuard, "ledger.transfer", ErrEmptyAccount)
	}
	if l.migrated {
		if l.BalanceOf(from).Lt(faceAmount) {
			return fault.Wrap(fault.InvariantGuard, "ledger.transfer", ErrInsufficientShares)
		}
		src, dst := l.touch(from), l.touch(to)
		src.direct.Sub(src.direct, faceAmount)
		dst.direct.Add(dst.direct, faceAmount)
		return nil
	}
	shares, err := l.sharesFor(faceAmount)
	if err != nil {
		return fault.Wrap(fault.InvariantGuard, "ledger.transfer", err)
	}
	src, ok := l.accounts[from]
	if !ok || src.shares.Lt(shares) {
		return fault.Wrap(fault.InvariantGuard, "ledger.transfer", ErrInsufficientShares)
	}
	dst := l.touch(to)
	src.shares.Sub(src.shares, shares)
	dst.shares.Add(dst.shares, shares)
	return nil
}

// AdvanceIndex multiplies the index by (1 + rate). Rates are unsigned so the
// index never decreases.
func (l *Ledger) AdvanceIndex(rate *uint256.Int) error {
	if l.migrated {
		return fault.Wrap(fault.PolicyViolation, "ledger.advance_index", ErrIndexFrozen)
	}
	if fixedpoint.IsZero(rate) {
		return nil
	}
	factor := fixedpoint.Add(fixedpoint.One(), rate)
	l.index = fixedpoint.Mul(l.index, factor)
	return nil
}

func (l *Ledger) sharesFor(faceAmount *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.DivUp(faceAmount, l.index)
}

// touch returns the account for id, creating it and converting it to a direct
// balance first when the ledger has migrated.
func (l *Ledger) touch(id string) *account {
	acct, ok := l.accounts[id]
	if !ok {
		acct = &account{shares: fixedpoint.Zero(), direct: fixedpoint.Zero()}
		l.accounts[id] = acct
	}
	if l.migrated && acct.mode == Indexed {
		acct.direct = fixedpoint.Mul(acct.shares, l.frozenIndex)
		acct.mode = Direct
	}
	return acct
}

func checkArgs(op, id string, amount *uint256.Int) error {
	if id == "" {
		return fault.Wrap(fault.InvariantGuard, op, ErrEmptyAccount)
	}
	if fixedpoint.IsZero(amount) {
		return fault.Wrap(fault.InvariantGuard, op, ErrZeroAmount)
	}
	return nil
}
