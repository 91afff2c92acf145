// Package pricefeed supplies the position unit price used by each rebase.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tranche-ledger/internal/fixedpoint"
)

var (
	// ErrDeviation is returned when the primary and reference prices disagree
	// by more than the configured tolerance.
	ErrDeviation = errors.New("pricefeed: price deviation above tolerance")
	// ErrNonPositive is returned for a zero or negative price.
	ErrNonPositive = errors.New("pricefeed: price must be positive")
)

// Quote is one observed unit price.
type Quote struct {
	Price   decimal.Decimal
	Source  string
	Block   uint64
	Quality string
	Raw     json.RawMessage
	At      time.Time
}

// Fixed converts the price into fixed18.
func (q Quote) Fixed() (*uint256.Int, error) {
	if !q.Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s from %s", ErrNonPositive, q.Price.String(), q.Source)
	}
	return fixedpoint.FromDecimal(q.Price)
}

// Source retrieves the current position unit price.
type Source interface {
	FetchPrice(ctx context.Context) (Quote, error)
}

// Static always returns the same price. Used by the simulator and for
// deployments without an on-chain vault.
type Static struct {
	Price decimal.Decimal
}

// FetchPrice returns the configured price.
func (s Static) FetchPrice(ctx context.Context) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	if !s.Price.IsPositive() {
		return Quote{}, ErrNonPositive
	}
	return Quote{Price: s.Price, Source: "static", At: time.Now().UTC()}, nil
}

// Guard fetches the primary price and, when a reference is configured,
// rejects it if the two differ by more than MaxDeviationPct percent of the
// reference.
type Guard struct {
	primary         Source
	reference       Source
	maxDeviationPct decimal.Decimal
	logger          zerolog.Logger
}

// NewGuard wraps primary. reference may be nil.
func NewGuard(primary, reference Source, maxDeviationPct decimal.Decimal, logger zerolog.Logger) *Guard {
	return &Guard{
		primary:         primary,
		reference:       reference,
		maxDeviationPct: maxDeviationPct,
		logger:          logger.With().Str("component", "price_guard").Logger(),
	}
}

// FetchPrice returns the primary quote once it passes the deviation check.
func (g *Guard) FetchPrice(ctx context.Context) (Quote, error) {
	primary, err := g.primary.FetchPrice(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("primary price: %w", err)
	}
	if !primary.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: primary %s", ErrNonPositive, primary.Price.String())
	}
	if g.reference == nil {
		return primary, nil
	}

	ref, err := g.reference.FetchPrice(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("reference price: %w", err)
	}
	dev, err := DeviationPct(primary.Price, ref.Price)
	if err != nil {
		return Quote{}, err
	}
	logEvent := g.logger.Debug()
	if dev.GreaterThan(g.maxDeviationPct) {
		logEvent = g.logger.Warn()
	}
	logEvent.Str("primary", primary.Price.String()).
		Str("reference", ref.Price.String()).
		Str("deviation_pct", dev.StringFixed(4)).
		Msg("price deviation checked")

	if dev.GreaterThan(g.maxDeviationPct) {
		return Quote{}, fmt.Errorf("%w: %s%% > %s%% (%s vs %s)", ErrDeviation,
			dev.StringFixed(4), g.maxDeviationPct.String(), primary.Price.String(), ref.Price.String())
	}
	return primary, nil
}

// DeviationPct returns |price-reference|/reference in percent.
func DeviationPct(price, reference decimal.Decimal) (decimal.Decimal, error) {
	if !reference.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: reference %s", ErrNonPositive, reference.String())
	}
	return price.Sub(reference).Abs().Div(reference).Mul(decimal.NewFromInt(100)), nil
}

var (
	_ Source = Static{}
	_ Source = (*Guard)(nil)
)
