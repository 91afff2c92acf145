package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// StatusCommitted marks a rebase that changed the ledger.
	StatusCommitted = "committed"
	// StatusFailed marks an attempted rebase that was rejected.
	StatusFailed = "failed"
)

// RebaseRecord is one persisted rebase attempt. Failed attempts carry the
// epoch they were attempted at and an error message.
type RebaseRecord struct {
	ID           uuid.UUID
	Epoch        uint64
	Slot         time.Time
	RebasedAt    time.Time
	Price        decimal.Decimal
	PriceSource  string
	Tier         int
	AnnualRate   decimal.Decimal
	Zone         string
	BackingRatio decimal.Decimal
	SupplyBefore decimal.Decimal
	SupplyAfter  decimal.Decimal
	Index        decimal.Decimal
	SeniorValue  decimal.Decimal
	JuniorValue  decimal.Decimal
	ReserveValue decimal.Decimal
	ToJunior     decimal.Decimal
	ToReserve    decimal.Decimal
	FromReserve  decimal.Decimal
	FromJunior   decimal.Decimal
	Shortfall    decimal.Decimal
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	RebaseID  uuid.UUID
	Epoch     uint64
	Kind      string
	Zone      string
	Detail    string
	Channels  []string
	CreatedAt time.Time
}

// Checkpoint is a serialised ledger state taken after a committed epoch.
type Checkpoint struct {
	ID        int64
	Epoch     uint64
	State     json.RawMessage
	CreatedAt time.Time
}
