package database

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockfolio/internal/folio"
)

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "sqlmock"), logrus.New()), mock
}

func holdingsRows(pairs ...driver.Value) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"symbol", "shares"})
	for i := 0; i < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func expectAccountLock(mock sqlmock.Sqlmock, userID int64, cash string, holdings *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT cash FROM users WHERE id = $1 FOR UPDATE`)).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"cash"}).AddRow(cash))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT symbol, shares FROM holdings WHERE user_id = $1`)).
		WithArgs(userID).
		WillReturnRows(holdings)
}

func TestExecuteBuyCommitsAllThreeWrites(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "10000", holdingsRows())
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET cash = $1::numeric WHERE id = $2`)).
		WithArgs("8500", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO holdings`)).
		WithArgs(int64(1), "AAPL", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO history`)).
		WithArgs(int64(1), SideBuy, int64(10), "AAPL", "150").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := r.ExecuteBuy(context.Background(), 1, "AAPL", 10, decimal.NewFromInt(150))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteBuyAccumulatesExistingHolding(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "8500", holdingsRows("AAPL", int64(10)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET cash`)).
		WithArgs("7750", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO holdings`)).
		WithArgs(int64(1), "AAPL", int64(15)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO history`)).
		WithArgs(int64(1), SideBuy, int64(5), "AAPL", "150").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := r.ExecuteBuy(context.Background(), 1, "AAPL", 5, decimal.NewFromInt(150))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteBuyInsufficientFundsRollsBack(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "100", holdingsRows())
	mock.ExpectRollback()

	err := r.ExecuteBuy(context.Background(), 1, "AAPL", 10, decimal.NewFromInt(150))
	assert.ErrorIs(t, err, folio.ErrInsufficientFunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSellRemovesEmptiedHolding(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "8500", holdingsRows("AAPL", int64(10)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET cash`)).
		WithArgs("10100", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM holdings WHERE user_id = $1 AND symbol = $2`)).
		WithArgs(int64(1), "AAPL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO history`)).
		WithArgs(int64(1), SideSell, int64(10), "AAPL", "160").
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	err := r.ExecuteSell(context.Background(), 1, "AAPL", 10, decimal.NewFromInt(160))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSellPartialKeepsRow(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "0", holdingsRows("AAPL", int64(10)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET cash`)).
		WithArgs("640", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE holdings SET shares = $1 WHERE user_id = $2 AND symbol = $3`)).
		WithArgs(int64(6), int64(1), "AAPL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO history`)).
		WithArgs(int64(1), SideSell, int64(4), "AAPL", "160").
		WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectCommit()

	err := r.ExecuteSell(context.Background(), 1, "AAPL", 4, decimal.NewFromInt(160))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSellInsufficientSharesRollsBack(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "8500", holdingsRows("AAPL", int64(3)))
	mock.ExpectRollback()

	err := r.ExecuteSell(context.Background(), 1, "AAPL", 10, decimal.NewFromInt(160))
	assert.ErrorIs(t, err, folio.ErrInsufficientShares)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSellUnheldSymbolRollsBack(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectBegin()
	expectAccountLock(mock, 1, "8500", holdingsRows())
	mock.ExpectRollback()

	err := r.ExecuteSell(context.Background(), 1, "NFLX", 1, decimal.NewFromInt(160))
	assert.ErrorIs(t, err, folio.ErrNoHolding)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	r, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs("bob", "hash1").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := r.CreateUser(context.Background(), "bob", "hash1")
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateLegacyFolios(t *testing.T) {
	r, mock := newMockRepo(t)

	userRows := sqlmock.NewRows([]string{"id", "username", "hash", "cash", "folio"}).
		AddRow(int64(1), "bob", "h", "10000", "AAPL,10,NFLX,3").
		AddRow(int64(2), "eve", "h", "10000", "not,a,folio")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, username, hash, cash, folio FROM users WHERE folio <> ''`)).
		WillReturnRows(userRows)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO holdings`)).
		WithArgs(int64(1), "AAPL", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO holdings`)).
		WithArgs(int64(1), "NFLX", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET folio = '' WHERE id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// user 2's folio fails to decode ("a" is not a share count) and is
	// skipped without touching the database

	migrated, err := r.MigrateLegacyFolios(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)
	assert.NoError(t, mock.ExpectationsWereMet())
}
