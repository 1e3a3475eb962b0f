// Package folio is the portfolio ledger: a user's holdings as a
// symbol -> share-count mapping, the legacy flat-string codec for it,
// and the buy/sell/valuation bookkeeping applied per trade.
package folio

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"stockfolio/internal/quote"
)

var (
	ErrInvalidSymbol      = errors.New("invalid ticker symbol")
	ErrInvalidShares      = errors.New("share count must be a positive integer")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrNoHolding          = errors.New("no such holding")
)

var symbolRe = regexp.MustCompile(`^[A-Z]+$`)

// ValidSymbol reports whether s is a canonical ticker symbol
// (uppercase letters only, non-empty).
func ValidSymbol(s string) bool {
	return symbolRe.MatchString(s)
}

// Holdings maps a ticker symbol to a positive share count. A symbol
// appears at most once; entries that reach zero shares are removed.
type Holdings map[string]int64

// Decode parses the legacy flat folio encoding: symbol and share count
// alternating, comma-joined, e.g. "AAPL,10,NFLX,3". Whitespace around
// elements is tolerated. An empty string means no holdings.
func Decode(encoded string) (Holdings, error) {
	h := Holdings{}
	if strings.TrimSpace(encoded) == "" {
		return h, nil
	}
	parts := strings.Split(encoded, ",")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("folio: odd element count %d", len(parts))
	}
	for i := 0; i < len(parts); i += 2 {
		sym := strings.TrimSpace(parts[i])
		if !ValidSymbol(sym) {
			return nil, fmt.Errorf("folio: %q: %w", sym, ErrInvalidSymbol)
		}
		if _, dup := h[sym]; dup {
			return nil, fmt.Errorf("folio: duplicate symbol %q", sym)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(parts[i+1]), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("folio: shares for %q: %w", sym, ErrInvalidShares)
		}
		h[sym] = n
	}
	return h, nil
}

// Encode is the inverse of Decode. Symbols are emitted in sorted order
// so the encoding is deterministic; Decode(Encode(h)) == h for every
// valid h, including the empty one (encoded as "").
func Encode(h Holdings) string {
	if len(h) == 0 {
		return ""
	}
	parts := make([]string, 0, 2*len(h))
	for _, sym := range h.Symbols() {
		parts = append(parts, sym, strconv.FormatInt(h[sym], 10))
	}
	return strings.Join(parts, ",")
}

// Symbols returns the held symbols in sorted order.
func (h Holdings) Symbols() []string {
	syms := make([]string, 0, len(h))
	for s := range h {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// ApplyBuy records a purchase of shares of symbol at unitPrice against
// h and the given cash balance, returning the new balance. h is only
// mutated on success; on any error both h and the balance are unchanged.
func ApplyBuy(h Holdings, cash decimal.Decimal, symbol string, shares int64, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if !ValidSymbol(symbol) {
		return cash, ErrInvalidSymbol
	}
	if shares <= 0 {
		return cash, ErrInvalidShares
	}
	cost := unitPrice.Mul(decimal.NewFromInt(shares))
	if cost.GreaterThan(cash) {
		return cash, ErrInsufficientFunds
	}
	h[symbol] += shares
	return cash.Sub(cost), nil
}

// ApplySell records a sale of shares of symbol at unitPrice against h
// and the given cash balance, returning the new balance. Selling every
// held share removes the symbol from h entirely. h is only mutated on
// success.
func ApplySell(h Holdings, cash decimal.Decimal, symbol string, shares int64, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if shares <= 0 {
		return cash, ErrInvalidShares
	}
	held, ok := h[symbol]
	if !ok {
		return cash, ErrNoHolding
	}
	if held < shares {
		return cash, ErrInsufficientShares
	}
	if held == shares {
		delete(h, symbol)
	} else {
		h[symbol] = held - shares
	}
	return cash.Add(unitPrice.Mul(decimal.NewFromInt(shares))), nil
}

// Position is one valued row of a portfolio.
type Position struct {
	Symbol string
	Name   string
	Shares int64
	Price  decimal.Decimal
	Value  decimal.Decimal
}

// LookupFunc resolves a symbol to a current quote.
type LookupFunc func(ctx context.Context, symbol string) (quote.Quote, error)

// Valuation prices every holding through lookup and returns the rows in
// symbol order plus the total asset value (cash + sum of row values).
// If the oracle fails for any held symbol the whole valuation fails;
// a partially priced portfolio is never returned.
func Valuation(ctx context.Context, h Holdings, cash decimal.Decimal, lookup LookupFunc) ([]Position, decimal.Decimal, error) {
	positions := make([]Position, 0, len(h))
	total := cash
	for _, sym := range h.Symbols() {
		q, err := lookup(ctx, sym)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("valuation of %s: %w", sym, err)
		}
		value := q.Price.Mul(decimal.NewFromInt(h[sym]))
		positions = append(positions, Position{
			Symbol: q.Symbol,
			Name:   q.Name,
			Shares: h[sym],
			Price:  q.Price,
			Value:  value,
		})
		total = total.Add(value)
	}
	return positions, total, nil
}
