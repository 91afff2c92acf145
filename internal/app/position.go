package app

import (
	"context"

	"github.com/holiman/uint256"

	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/liquidity"
	"tranche-ledger/internal/pricefeed"
	"tranche-ledger/internal/tranche"
)

var bookKinds = []tranche.Kind{tranche.Senior, tranche.Reserve, tranche.Junior}

// positionBooks holds one position book per tranche. Rebase transfers move
// units between them.
type positionBooks map[tranche.Kind]*liquidity.Book

// newBooks builds the three books. Only the Senior book starts with idle funds.
func (a *App) newBooks() (positionBooks, error) {
	books := make(positionBooks, len(bookKinds))
	for _, kind := range bookKinds {
		book, err := a.newBook(fixedpoint.One(), kind == tranche.Senior)
		if err != nil {
			return nil, err
		}
		books[kind] = book
	}
	return books, nil
}

func (b positionBooks) options() []tranche.Option {
	opts := make([]tranche.Option, 0, len(b))
	for kind, book := range b {
		opts = append(opts, tranche.WithLiquidity(kind, book))
	}
	return opts
}

func (b positionBooks) setPrice(price *uint256.Int) {
	for _, book := range b {
		book.SetPrice(price)
	}
}

// markedSource pushes every accepted quote into the position books so the
// keeper's re-mark sees the same price the rebase uses.
type markedSource struct {
	src   pricefeed.Source
	books positionBooks
}

func (m markedSource) FetchPrice(ctx context.Context) (pricefeed.Quote, error) {
	q, err := m.src.FetchPrice(ctx)
	if err != nil {
		return q, err
	}
	price, err := q.Fixed()
	if err != nil {
		return q, err
	}
	m.books.setPrice(price)
	return q, nil
}

// seedBooks rebuilds each empty book's position after a restore, converting
// the restored tranche value at the current quote.
func (a *App) seedBooks(ctx context.Context, books positionBooks, ledger *tranche.Tranches, prices pricefeed.Source) error {
	values := map[tranche.Kind]*uint256.Int{
		tranche.Senior:  ledger.Senior.Value(),
		tranche.Reserve: ledger.Reserve.Value(),
		tranche.Junior:  ledger.Junior.Value(),
	}
	priced := false
	for _, kind := range bookKinds {
		book, value := books[kind], values[kind]
		if book == nil || value.IsZero() || !book.Units().IsZero() {
			continue
		}
		if !priced {
			if _, err := (markedSource{src: prices, books: books}).FetchPrice(ctx); err != nil {
				return err
			}
			priced = true
		}
		if _, err := book.DepositForPosition(ctx, value, fixedpoint.Zero()); err != nil {
			return err
		}
		a.Logger.Info().Str("tranche", string(kind)).Str("value", fixedpoint.Format(value)).
			Str("units", fixedpoint.Format(book.Units())).Msg("position book seeded from restored value")
	}
	return nil
}

var _ pricefeed.Source = markedSource{}
