package tranche

import (
	"fmt"
	"time"

	"tranche-ledger/internal/fees"
	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/ledger"
)

// VaultState is the persisted part common to every vault.
type VaultState struct {
	Value      string               `json:"value"`
	LastUpdate time.Time            `json:"last_update"`
	Cooldowns  map[string]time.Time `json:"cooldowns,omitempty"`
}

// PoolState adds pool shares and the fee schedule.
type PoolState struct {
	VaultState
	TotalShares string            `json:"total_shares"`
	Shares      map[string]string `json:"shares,omitempty"`
	LastFeeMint time.Time         `json:"last_fee_mint"`
	FeeInterval time.Duration     `json:"fee_interval"`
}

// State is the full audit surface of the three vaults.
type State struct {
	Epoch      uint64       `json:"epoch"`
	LastRebase time.Time    `json:"last_rebase"`
	Senior     VaultState   `json:"senior"`
	Ledger     ledger.State `json:"ledger"`
	Junior     PoolState    `json:"junior"`
	Reserve    PoolState    `json:"reserve"`
}

// Snapshot copies all three vaults under their locks.
func (t *Tranches) Snapshot() State {
	s := t.Senior
	s.lockAll()
	defer s.unlockAll()

	return State{
		Epoch:      s.epoch,
		LastRebase: s.lastRebase,
		Senior:     s.vaultState(),
		Ledger:     s.ledger.Snapshot(),
		Junior:     s.junior.poolState(),
		Reserve:    s.reserve.poolState(),
	}
}

// Restore builds vaults from a snapshot.
func Restore(cfg Config, st State, opts ...Option) (*Tranches, error) {
	t, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Restore(st.Ledger)
	if err != nil {
		return nil, fmt.Errorf("restore senior ledger: %w", err)
	}
	t.Senior.ledger = l
	t.Senior.epoch = st.Epoch
	t.Senior.lastRebase = st.LastRebase
	if err := t.Senior.restoreVault(st.Senior); err != nil {
		return nil, fmt.Errorf("restore senior: %w", err)
	}
	if err := t.Junior.restorePool(st.Junior); err != nil {
		return nil, fmt.Errorf("restore junior: %w", err)
	}
	if err := t.Reserve.restorePool(st.Reserve); err != nil {
		return nil, fmt.Errorf("restore reserve: %w", err)
	}
	return t, nil
}

func (v *vault) vaultState() VaultState {
	st := VaultState{
		Value:      fixedpoint.Raw(v.value),
		LastUpdate: v.lastUpdate,
		Cooldowns:  make(map[string]time.Time, len(v.cooldowns)),
	}
	for id, at := range v.cooldowns {
		st.Cooldowns[id] = at
	}
	return st
}

func (v *vault) restoreVault(st VaultState) error {
	value, err := fixedpoint.ParseRaw(st.Value)
	if err != nil {
		return err
	}
	v.value = value
	v.lastUpdate = st.LastUpdate
	for id, at := range st.Cooldowns {
		v.cooldowns[id] = at
	}
	return nil
}

func (p *Pool) poolState() PoolState {
	st := PoolState{
		VaultState:  p.vaultState(),
		TotalShares: fixedpoint.Raw(p.totalShares),
		Shares:      make(map[string]string, len(p.shares)),
		LastFeeMint: p.accrual.LastMint,
		FeeInterval: p.accrual.Interval,
	}
	for id, sh := range p.shares {
		st.Shares[id] = fixedpoint.Raw(sh)
	}
	return st
}

func (p *Pool) restorePool(st PoolState) error {
	if err := p.restoreVault(st.VaultState); err != nil {
		return err
	}
	total, err := fixedpoint.ParseRaw(st.TotalShares)
	if err != nil {
		return err
	}
	sum := fixedpoint.Zero()
	for id, raw := range st.Shares {
		sh, err := fixedpoint.ParseRaw(raw)
		if err != nil {
			return fmt.Errorf("shares of %s: %w", id, err)
		}
		p.shares[id] = sh
		sum = fixedpoint.Add(sum, sh)
	}
	if sum.Cmp(total) != 0 {
		return fmt.Errorf("share total mismatch: %s recorded, %s summed", st.TotalShares, fixedpoint.Raw(sum))
	}
	p.totalShares = total
	if st.FeeInterval > 0 {
		if err := fees.ValidateInterval(st.FeeInterval); err != nil {
			return err
		}
		p.accrual.Interval = st.FeeInterval
	}
	if !st.LastFeeMint.IsZero() {
		p.accrual.LastMint = st.LastFeeMint
	}
	return nil
}
