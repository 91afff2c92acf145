package ledger

import (
	"fmt"

	"tranche-ledger/internal/fixedpoint"
)

// AccountState is the persisted form of one account.
type AccountState struct {
	Shares string `json:"shares"`
	Direct string `json:"direct,omitempty"`
	Mode   Mode   `json:"mode"`
}

// State is a JSON-friendly copy of the ledger. Amounts are raw fixed18
// integers encoded as decimal strings.
type State struct {
	Index       string                  `json:"index"`
	TotalShares string                  `json:"total_shares"`
	Migrated    bool                    `json:"migrated"`
	FrozenIndex string                  `json:"frozen_index,omitempty"`
	TotalDirect string                  `json:"total_direct,omitempty"`
	Accounts    map[string]AccountState `json:"accounts"`
}

// Snapshot copies the ledger into a State.
func (l *Ledger) Snapshot() State {
	st := State{
		Index:       fixedpoint.Raw(l.index),
		TotalShares: fixedpoint.Raw(l.totalShares),
		Migrated:    l.migrated,
		Accounts:    make(map[string]AccountState, len(l.accounts)),
	}
	if l.migrated {
		st.FrozenIndex = fixedpoint.Raw(l.frozenIndex)
		st.TotalDirect = fixedpoint.Raw(l.totalDirect)
	}
	for id, acct := range l.accounts {
		as := AccountState{Shares: fixedpoint.Raw(acct.shares), Mode: acct.mode}
		if acct.mode == Direct {
			as.Direct = fixedpoint.Raw(acct.direct)
		}
		st.Accounts[id] = as
	}
	return st
}

// Restore rebuilds a ledger from a State.
func Restore(st State) (*Ledger, error) {
	l := New()
	var err error
	if l.index, err = fixedpoint.ParseRaw(st.Index); err != nil {
		return nil, fmt.Errorf("ledger: index: %w", err)
	}
	if l.index.IsZero() {
		return nil, fmt.Errorf("ledger: index must be positive")
	}
	if l.totalShares, err = fixedpoint.ParseRaw(st.TotalShares); err != nil {
		return nil, fmt.Errorf("ledger: total shares: %w", err)
	}
	l.migrated = st.Migrated
	if l.frozenIndex, err = fixedpoint.ParseRaw(st.FrozenIndex); err != nil {
		return nil, fmt.Errorf("ledger: frozen index: %w", err)
	}
	if l.totalDirect, err = fixedpoint.ParseRaw(st.TotalDirect); err != nil {
		return nil, fmt.Errorf("ledger: total direct: %w", err)
	}
	for id, as := range st.Accounts {
		if id == "" {
			return nil, ErrEmptyAccount
		}
		shares, err := fixedpoint.ParseRaw(as.Shares)
		if err != nil {
			return nil, fmt.Errorf("ledger: account %s shares: %w", id, err)
		}
		direct, err := fixedpoint.ParseRaw(as.Direct)
		if err != nil {
			return nil, fmt.Errorf("ledger: account %s direct: %w", id, err)
		}
		if as.Mode == Direct && !l.migrated {
			return nil, fmt.Errorf("ledger: account %s is direct before migration", id)
		}
		l.accounts[id] = &account{shares: shares, direct: direct, mode: as.Mode}
	}
	return l, nil
}
