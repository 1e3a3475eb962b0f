// Package database is the account store: users, their normalized
// holdings, and the append-only trade history, backed by Postgres.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/folio"
)

// ErrUsernameTaken is returned by CreateUser when the username is
// already registered.
var ErrUsernameTaken = errors.New("username already taken")

const uniqueViolation = "23505"

type Repo struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func New(db *sqlx.DB, log *logrus.Logger) *Repo {
	return &Repo{db: db, log: log}
}

// CreateUser inserts a new account with the default starting cash and
// returns its id.
func (r *Repo) CreateUser(ctx context.Context, username, hash string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (username, hash) VALUES ($1, $2) RETURNING id`,
		username, hash).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}
	return id, nil
}

func (r *Repo) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := r.db.GetContext(ctx, &u,
		`SELECT id, username, hash, cash, folio FROM users WHERE username = $1`, username)
	return u, err
}

func (r *Repo) GetUserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.db.GetContext(ctx, &u,
		`SELECT id, username, hash, cash, folio FROM users WHERE id = $1`, id)
	return u, err
}

func (r *Repo) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM users WHERE username = $1`, username); err != nil {
		return false, err
	}
	return n == 0, nil
}

func (r *Repo) GetHoldings(ctx context.Context, userID int64) (folio.Holdings, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT symbol, shares FROM holdings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := folio.Holdings{}
	for rows.Next() {
		var sym string
		var shares int64
		if err := rows.Scan(&sym, &shares); err != nil {
			return nil, err
		}
		h[sym] = shares
	}
	return h, rows.Err()
}

// ExecuteBuy applies a purchase as one transaction: the user row is
// locked FOR UPDATE so concurrent trades on the same account serialize,
// then cash, holdings, and history are written together. The funds
// check happens against the locked balance; on folio.ErrInsufficientFunds
// nothing is persisted.
func (r *Repo) ExecuteBuy(ctx context.Context, userID int64, symbol string, shares int64, unitPrice decimal.Decimal) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cash, holdings, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}
	newCash, err := folio.ApplyBuy(holdings, cash, symbol, shares, unitPrice)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET cash = $1::numeric WHERE id = $2`,
		newCash.String(), userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO holdings (user_id, symbol, shares) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, symbol) DO UPDATE SET shares = EXCLUDED.shares`,
		userID, symbol, holdings[symbol]); err != nil {
		return err
	}
	if err := insertTrade(ctx, tx, userID, SideBuy, symbol, shares, unitPrice); err != nil {
		return err
	}
	return tx.Commit()
}

// ExecuteSell is the mirror of ExecuteBuy. Selling every held share of
// a symbol deletes its holdings row; zero-share rows are never kept.
func (r *Repo) ExecuteSell(ctx context.Context, userID int64, symbol string, shares int64, unitPrice decimal.Decimal) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cash, holdings, err := lockAccount(ctx, tx, userID)
	if err != nil {
		return err
	}
	newCash, err := folio.ApplySell(holdings, cash, symbol, shares, unitPrice)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET cash = $1::numeric WHERE id = $2`,
		newCash.String(), userID); err != nil {
		return err
	}
	if remaining, held := holdings[symbol]; held {
		if _, err := tx.ExecContext(ctx,
			`UPDATE holdings SET shares = $1 WHERE user_id = $2 AND symbol = $3`,
			remaining, userID, symbol); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM holdings WHERE user_id = $1 AND symbol = $2`,
			userID, symbol); err != nil {
			return err
		}
	}
	if err := insertTrade(ctx, tx, userID, SideSell, symbol, shares, unitPrice); err != nil {
		return err
	}
	return tx.Commit()
}

// lockAccount reads the account's cash with a FOR UPDATE row lock and
// its current holdings within tx. All trade writers take this lock
// first, which serializes read-modify-write cycles per account.
func lockAccount(ctx context.Context, tx *sqlx.Tx, userID int64) (decimal.Decimal, folio.Holdings, error) {
	var cash decimal.Decimal
	if err := tx.QueryRowContext(ctx,
		`SELECT cash FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&cash); err != nil {
		return decimal.Zero, nil, fmt.Errorf("lock account %d: %w", userID, err)
	}

	rows, err := tx.QueryxContext(ctx,
		`SELECT symbol, shares FROM holdings WHERE user_id = $1`, userID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	defer rows.Close()

	h := folio.Holdings{}
	for rows.Next() {
		var sym string
		var shares int64
		if err := rows.Scan(&sym, &shares); err != nil {
			return decimal.Zero, nil, err
		}
		h[sym] = shares
	}
	return cash, h, rows.Err()
}

func insertTrade(ctx context.Context, tx *sqlx.Tx, userID int64, side, symbol string, shares int64, unitPrice decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO history (user_id, trade, shares, symbol, price, datetime) VALUES ($1, $2, $3, $4, $5::numeric, now())`,
		userID, side, shares, symbol, unitPrice.String())
	return err
}

// GetHistory returns every trade for the account, newest first.
func (r *Repo) GetHistory(ctx context.Context, userID int64) ([]Trade, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, user_id, trade, shares, symbol, price, datetime FROM history WHERE user_id = $1 ORDER BY datetime DESC, id DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []Trade{}
	for rows.Next() {
		var t Trade
		if err := rows.StructScan(&t); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// MigrateLegacyFolios decodes every non-empty users.folio column into
// holdings rows and clears the column, one transaction per user. It
// returns the number of accounts migrated. Accounts whose folio fails
// to decode are logged and skipped, never half-migrated.
func (r *Repo) MigrateLegacyFolios(ctx context.Context) (int, error) {
	var users []User
	if err := r.db.SelectContext(ctx, &users,
		`SELECT id, username, hash, cash, folio FROM users WHERE folio <> ''`); err != nil {
		return 0, err
	}

	migrated := 0
	for _, u := range users {
		h, err := folio.Decode(u.Folio)
		if err != nil {
			r.log.Warnf("user %d: undecodable folio %q: %v", u.ID, u.Folio, err)
			continue
		}
		if err := r.migrateOne(ctx, u.ID, h); err != nil {
			return migrated, fmt.Errorf("migrate user %d: %w", u.ID, err)
		}
		migrated++
	}
	return migrated, nil
}

func (r *Repo) migrateOne(ctx context.Context, userID int64, h folio.Holdings) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sym := range h.Symbols() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holdings (user_id, symbol, shares) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, symbol) DO UPDATE SET shares = holdings.shares + EXCLUDED.shares`,
			userID, sym, h[sym]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET folio = '' WHERE id = $1`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// IsNotFound reports whether err means a row was absent rather than a
// query failure.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
