package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewPostgresStoreFromDB(db)
}

func TestNewPostgresStore_ConnectionFailure(t *testing.T) {
	_, err := NewPostgresStore("invalid connection string")
	assert.Error(t, err)
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCredits(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("existing user", func(t *testing.T) {
		mock.ExpectQuery("SELECT credits FROM users WHERE user_id").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(42))

		credits, err := s.GetCredits(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, 42, credits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		mock.ExpectQuery("SELECT credits FROM users WHERE user_id").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := s.GetCredits(ctx, "ghost")
		assert.ErrorIs(t, err, ErrUnknownUser)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_SetCredits(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO users").
		WithArgs("user1", 100).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, s.SetCredits(context.Background(), "user1", 100))
	assert.ErrorIs(t, s.SetCredits(context.Background(), "user1", -1), ErrInvalidAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DebitIfSufficient(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("enough credits", func(t *testing.T) {
		mock.ExpectExec("UPDATE users SET credits = credits - \\$1").
			WithArgs(3, "user1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := s.DebitIfSufficient(ctx, "user1", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not enough credits", func(t *testing.T) {
		mock.ExpectExec("UPDATE users SET credits = credits - \\$1").
			WithArgs(3, "user2").
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := s.DebitIfSufficient(ctx, "user2", 3)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_UsesAtomicDebit(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()

	l := New(s)
	ctx := context.Background()

	mock.ExpectExec("UPDATE users SET credits = credits - \\$1").
		WithArgs(2, "user1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE users SET credits = credits - \\$1").
		WithArgs(5, "user1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE users SET credits = credits - \\$1").
		WithArgs(1, "user1").
		WillReturnError(errors.New("connection reset"))

	assert.NoError(t, l.Debit(ctx, "user1", 2))
	assert.ErrorIs(t, l.Debit(ctx, "user1", 5), ErrInsufficientCredits)

	err := l.Debit(ctx, "user1", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to debit user1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddCredits(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO users .* ON CONFLICT \\(user_id\\) DO UPDATE SET credits = users.credits \\+ EXCLUDED.credits").
		WithArgs("user1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(60))

	balance, err := s.AddCredits(ctx, "user1", 10)
	require.NoError(t, err)
	assert.Equal(t, 60, balance)

	_, err = s.AddCredits(ctx, "user1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_UsesAtomicCredit(t *testing.T) {
	db, mock, s := setupMockDB(t)
	defer func() { _ = db.Close() }()

	l := New(s)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("newcomer", 5).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(5))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("user1", 3).
		WillReturnError(errors.New("connection reset"))

	assert.NoError(t, l.Credit(ctx, "newcomer", 5))

	err := l.Credit(ctx, "user1", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to credit user1")
	assert.NoError(t, mock.ExpectationsWereMet(), "credit must not read the balance first")
}

func TestPostgresStore_Close(t *testing.T) {
	_, mock, s := setupMockDB(t)

	mock.ExpectClose()

	assert.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
