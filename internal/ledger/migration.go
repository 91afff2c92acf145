package ledger

import (
	"errors"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fault"
	"tranche-ledger/internal/fixedpoint"
)

var (
	// ErrAlreadyMigrated is returned by a second Migrate call.
	ErrAlreadyMigrated = errors.New("ledger: already migrated")
	// ErrNotMigrated is returned by batch conversion before Migrate.
	ErrNotMigrated = errors.New("ledger: migration has not happened")
)

// Migrate freezes the index and switches the ledger to direct balances. It
// can only happen once.
func (l *Ledger) Migrate() error {
	if l.migrated {
		return fault.Wrap(fault.PolicyViolation, "ledger.migrate", ErrAlreadyMigrated)
	}
	l.frozenIndex = fixedpoint.Clone(l.index)
	l.totalDirect = fixedpoint.Mul(l.totalShares, l.frozenIndex)
	l.migrated = true
	return nil
}

// Migrated reports whether Migrate has run.
func (l *Ledger) Migrated() bool {
	return l.migrated
}

// FrozenIndex returns the index captured at migration, zero before it.
func (l *Ledger) FrozenIndex() *uint256.Int {
	return fixedpoint.Clone(l.frozenIndex)
}

// ModeOf returns the accounting mode of id.
func (l *Ledger) ModeOf(id string) Mode {
	if acct, ok := l.accounts[id]; ok {
		return acct.mode
	}
	return Indexed
}

// DirectBalanceOf returns the stored direct balance and whether id has been
// converted.
func (l *Ledger) DirectBalanceOf(id string) (*uint256.Int, bool) {
	acct, ok := l.accounts[id]
	if !ok || acct.mode != Direct {
		return fixedpoint.Zero(), false
	}
	return fixedpoint.Clone(acct.direct), true
}

// Convert performs the lazy conversion for one account ahead of its next
// interaction. It reports whether a conversion happened; a second call on the
// same account, or an unknown id, is a no-op.
func (l *Ledger) Convert(id string) (bool, error) {
	if !l.migrated {
		return false, fault.Wrap(fault.PolicyViolation, "ledger.convert", ErrNotMigrated)
	}
	if id == "" {
		return false, fault.Wrap(fault.InvariantGuard, "ledger.convert", ErrEmptyAccount)
	}
	acct, ok := l.accounts[id]
	if !ok || acct.mode == Direct {
		return false, nil
	}
	l.touch(id)
	return true, nil
}

// ConvertAccounts runs Convert for each id and returns how many accounts
// changed mode. Validation happens up front so a bad id converts nothing.
func (l *Ledger) ConvertAccounts(ids []string) (int, error) {
	if !l.migrated {
		return 0, fault.Wrap(fault.PolicyViolation, "ledger.convert_accounts", ErrNotMigrated)
	}
	for _, id := range ids {
		if id == "" {
			return 0, fault.Wrap(fault.InvariantGuard, "ledger.convert_accounts", ErrEmptyAccount)
		}
	}
	converted := 0
	for _, id := range ids {
		ok, err := l.Convert(id)
		if err != nil {
			return converted, err
		}
		if ok {
			converted++
		}
	}
	return converted, nil
}

// Pending lists accounts still relying on the lazy fallback.
func (l *Ledger) Pending() []string {
	if !l.migrated {
		return nil
	}
	pending := make([]string, 0)
	for _, id := range l.Accounts() {
		if l.accounts[id].mode == Indexed {
			pending = append(pending, id)
		}
	}
	return pending
}
