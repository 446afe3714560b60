package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	credits    INTEGER NOT NULL CHECK (credits >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usersSchema); err != nil {
		return fmt.Errorf("failed to create users schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredits(ctx context.Context, userID string) (int, error) {
	var credits int
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE user_id = $1`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownUser
	}
	if err != nil {
		return 0, err
	}
	return credits, nil
}

func (s *PostgresStore) SetCredits(ctx context.Context, userID string, credits int) error {
	if credits < 0 {
		return ErrInvalidAmount
	}

	query := `
		INSERT INTO users (user_id, credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			credits = EXCLUDED.credits,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, userID, credits)
	return err
}

func (s *PostgresStore) DebitIfSufficient(ctx context.Context, userID string, n int) (bool, error) {
	query := `
		UPDATE users
		SET credits = credits - $1,
		    updated_at = NOW()
		WHERE user_id = $2 AND credits >= $1
	`
	res, err := s.db.ExecContext(ctx, query, n, userID)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, userID string, n int) (int, error) {
	if n < 0 {
		return 0, ErrInvalidAmount
	}

	query := `
		INSERT INTO users (user_id, credits, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			credits = users.credits + EXCLUDED.credits,
			updated_at = NOW()
		RETURNING credits
	`
	var balance int
	if err := s.db.QueryRowContext(ctx, query, userID, n).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
