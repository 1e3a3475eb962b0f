package database

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID       int64           `db:"id"`
	Username string          `db:"username"`
	Hash     string          `db:"hash"`
	Cash     decimal.Decimal `db:"cash"`
	Folio    string          `db:"folio"`
}

// Trade sides as stored in the history table.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"
)

type Trade struct {
	ID       int64           `db:"id"`
	UserID   int64           `db:"user_id"`
	Side     string          `db:"trade"`
	Shares   int64           `db:"shares"`
	Symbol   string          `db:"symbol"`
	Price    decimal.Decimal `db:"price"`
	Datetime time.Time       `db:"datetime"`
}
