package tranche

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/ledger"
	"tranche-ledger/internal/rate"
	"tranche-ledger/internal/zone"
)

// Tranches wires the three vaults to one Config.
type Tranches struct {
	Senior  *SeniorVault
	Junior  *Pool
	Reserve *Pool

	cfg *Config
}

// New builds empty vaults.
func New(cfg Config, opts ...Option) (*Tranches, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	selector, err := rate.NewSelector(cfg.Rates)
	if err != nil {
		return nil, err
	}
	engine, err := zone.NewEngine(cfg.Zones)
	if err != nil {
		return nil, err
	}

	c := cfg
	t := &Tranches{
		Junior:  newPool(Junior, &c, &o),
		Reserve: newPool(Reserve, &c, &o),
		cfg:     &c,
	}
	t.Senior = &SeniorVault{
		ledger:     ledger.New(),
		selector:   selector,
		engine:     engine,
		reserve:    t.Reserve,
		junior:     t.Junior,
		lastRebase: o.clock(),
	}
	t.Senior.init(Senior, &c, &o)
	return t, nil
}

// Config returns the policy in force.
func (t *Tranches) Config() Config {
	return *t.cfg
}

// Pool returns Junior or Reserve by kind.
func (t *Tranches) Pool(kind Kind) (*Pool, error) {
	switch kind {
	case Junior:
		return t.Junior, nil
	case Reserve:
		return t.Reserve, nil
	}
	return nil, fmt.Errorf("tranche: %q is not a pool", kind)
}

// Status is a consistent view across all three vaults.
type Status struct {
	TotalSupply        *uint256.Int
	BackingRatio       *uint256.Int
	Zone               zone.Zone
	DepositCap         *uint256.Int
	Index              *uint256.Int
	FrozenIndex        *uint256.Int
	Migrated           bool
	PendingConversions int
	Epoch              uint64
	LastRebaseTime     time.Time
	SeniorValue        *uint256.Int
	JuniorValue        *uint256.Int
	ReserveValue       *uint256.Int
	JuniorShares       *uint256.Int
	ReserveShares      *uint256.Int
}

// Status reads every view under the three locks.
func (t *Tranches) Status() Status {
	s := t.Senior
	s.lockAll()
	defer s.unlockAll()

	supply := s.ledger.TotalSupply()
	return Status{
		TotalSupply:        supply,
		BackingRatio:       zone.Ratio(s.value, supply),
		Zone:               s.engine.Classify(s.value, supply),
		DepositCap:         s.capFor(s.reserve.value),
		Index:              s.ledger.Index(),
		FrozenIndex:        s.ledger.FrozenIndex(),
		Migrated:           s.ledger.Migrated(),
		PendingConversions: len(s.ledger.Pending()),
		Epoch:              s.epoch,
		LastRebaseTime:     s.lastRebase,
		SeniorValue:        fixedpoint.Clone(s.value),
		JuniorValue:        fixedpoint.Clone(s.junior.value),
		ReserveValue:       fixedpoint.Clone(s.reserve.value),
		JuniorShares:       fixedpoint.Clone(s.junior.totalShares),
		ReserveShares:      fixedpoint.Clone(s.reserve.totalShares),
	}
}

// TotalClaims sums every holder's claim in unit of account: Senior supply
// plus the value of both pools.
func (t *Tranches) TotalClaims() *uint256.Int {
	st := t.Status()
	return fixedpoint.Add(st.TotalSupply, fixedpoint.Add(st.JuniorValue, st.ReserveValue))
}

// TotalValue sums the collateral held by the three vaults.
func (t *Tranches) TotalValue() *uint256.Int {
	st := t.Status()
	return fixedpoint.Add(st.SeniorValue, fixedpoint.Add(st.JuniorValue, st.ReserveValue))
}
