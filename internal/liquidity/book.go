// Package liquidity provides an in-memory position book used by the simulator
// and by tests in place of a real swap venue.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"tranche-ledger/internal/fixedpoint"
)

var (
	// ErrSlippage is returned when a conversion yields fewer units than asked.
	ErrSlippage = errors.New("liquidity: conversion below minimum")
	// ErrInsufficientIdle is returned by Disburse when idle funds are short.
	ErrInsufficientIdle = errors.New("liquidity: insufficient idle balance")
	// ErrZeroPrice is returned while no price has been set.
	ErrZeroPrice = errors.New("liquidity: price not set")
)

// Option configures a Book.
type Option func(*Book)

// WithMaxPerCall caps the amount a single LiquidateForAmount may free. Zero
// means unlimited.
func WithMaxPerCall(limit *uint256.Int) Option {
	return func(b *Book) {
		b.maxPerCall = fixedpoint.Clone(limit)
	}
}

// WithConversionLoss sets the fraction lost when converting into the position.
func WithConversionLoss(loss *uint256.Int) Option {
	return func(b *Book) {
		b.loss = fixedpoint.Clone(loss)
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Book) {
		b.log = logger.With().Str("component", "liquidity").Logger()
	}
}

// Book holds idle stable units and position units priced at a settable unit
// price.
type Book struct {
	mu         sync.Mutex
	idle       *uint256.Int
	units      *uint256.Int
	price      *uint256.Int
	maxPerCall *uint256.Int
	loss       *uint256.Int
	paid       map[string]*uint256.Int
	log        zerolog.Logger
}

// NewBook returns an empty book at the given unit price.
func NewBook(price *uint256.Int, opts ...Option) *Book {
	b := &Book{
		idle:       fixedpoint.Zero(),
		units:      fixedpoint.Zero(),
		price:      fixedpoint.Clone(price),
		maxPerCall: fixedpoint.Zero(),
		loss:       fixedpoint.Zero(),
		paid:       make(map[string]*uint256.Int),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetPrice updates the unit price.
func (b *Book) SetPrice(price *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.price = fixedpoint.Clone(price)
}

// Price returns the unit price.
func (b *Book) Price() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixedpoint.Clone(b.price)
}

// Fund adds idle balance.
func (b *Book) Fund(amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idle = fixedpoint.Add(b.idle, amount)
}

// Units returns the position units held.
func (b *Book) Units() *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixedpoint.Clone(b.units)
}

// Paid returns the total disbursed to an account.
func (b *Book) Paid(to string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixedpoint.Clone(b.paid[to])
}

// DepositForPosition converts a freshly received amount into position units.
// Nothing changes when the result is below minUnits.
func (b *Book) DepositForPosition(ctx context.Context, amount, minUnits *uint256.Int) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if fixedpoint.IsZero(b.price) {
		return nil, ErrZeroPrice
	}
	net := fixedpoint.SubFloor(amount, fixedpoint.Mul(amount, b.loss))
	units, err := fixedpoint.Div(net, b.price)
	if err != nil {
		return nil, err
	}
	if units.Lt(fixedpoint.Clone(minUnits)) {
		return nil, fmt.Errorf("%w: %s < %s", ErrSlippage, fixedpoint.Format(units), fixedpoint.Format(minUnits))
	}
	b.units = fixedpoint.Add(b.units, units)
	b.log.Debug().Str("amount", fixedpoint.Format(amount)).Str("units", fixedpoint.Format(units)).Msg("deposited for position")
	return units, nil
}

// LiquidateForAmount sells units to free up to target into the idle balance.
// It frees less when the per-call cap or the held units run out.
func (b *Book) LiquidateForAmount(ctx context.Context, target *uint256.Int) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if fixedpoint.IsZero(b.price) {
		return nil, ErrZeroPrice
	}
	want := fixedpoint.Clone(target)
	if !b.maxPerCall.IsZero() {
		want = fixedpoint.Min(want, b.maxPerCall)
	}
	sell, err := fixedpoint.DivUp(want, b.price)
	if err != nil {
		return nil, err
	}
	sell = fixedpoint.Min(sell, b.units)
	freed := fixedpoint.Mul(sell, b.price)
	b.units = fixedpoint.SubFloor(b.units, sell)
	b.idle = fixedpoint.Add(b.idle, freed)
	b.log.Debug().Str("target", fixedpoint.Format(target)).Str("freed", fixedpoint.Format(freed)).Msg("liquidated")
	return freed, nil
}

// CurrentPositionValue marks the units at the current price and adds the idle
// balance.
func (b *Book) CurrentPositionValue(ctx context.Context) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixedpoint.Add(fixedpoint.Mul(b.units, b.price), b.idle), nil
}

// IdleBalance returns funds available for payout.
func (b *Book) IdleBalance(ctx context.Context) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fixedpoint.Clone(b.idle), nil
}

// Disburse pays amount out of the idle balance.
func (b *Book) Disburse(ctx context.Context, to string, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idle.Lt(fixedpoint.Clone(amount)) {
		return fmt.Errorf("%w: idle %s, need %s", ErrInsufficientIdle, fixedpoint.Format(b.idle), fixedpoint.Format(amount))
	}
	b.idle = fixedpoint.SubFloor(b.idle, amount)
	b.paid[to] = fixedpoint.Add(b.paid[to], amount)
	b.log.Info().Str("to", to).Str("amount", fixedpoint.Format(amount)).Msg("disbursed")
	return nil
}

// ReleaseUnits hands up to units of the position to another holder. Held units
// go first; any remainder is bought from idle funds at the current price. It
// returns the units actually released.
func (b *Book) ReleaseUnits(ctx context.Context, units *uint256.Int) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	want := fixedpoint.Clone(units)
	released := fixedpoint.Min(want, b.units)
	b.units = fixedpoint.SubFloor(b.units, released)
	if rest := fixedpoint.SubFloor(want, released); !rest.IsZero() && !fixedpoint.IsZero(b.price) {
		affordable, err := fixedpoint.Div(b.idle, b.price)
		if err != nil {
			return nil, err
		}
		bought := fixedpoint.Min(rest, affordable)
		b.idle = fixedpoint.SubFloor(b.idle, fixedpoint.MulUp(bought, b.price))
		released = fixedpoint.Add(released, bought)
	}
	b.log.Debug().Str("requested", fixedpoint.Format(want)).Str("released", fixedpoint.Format(released)).Msg("units released")
	return released, nil
}

// AcceptUnits takes position units released by another holder.
func (b *Book) AcceptUnits(ctx context.Context, units *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sum, err := fixedpoint.AddChecked(b.units, units)
	if err != nil {
		return fmt.Errorf("accept units: %w", err)
	}
	b.units = sum
	b.log.Debug().Str("units", fixedpoint.Format(units)).Msg("units accepted")
	return nil
}
