// Package ledger maintains per-user credit balances and guarantees that a
// balance never drops below zero, even when several batches for the same
// user settle at once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must not be negative")
	ErrUnknownUser         = errors.New("unknown user")
)

// CreditStore is the durable user/credit table. Durability is the store's
// concern; the ledger only serializes access to it.
type CreditStore interface {
	GetCredits(ctx context.Context, userID string) (int, error)
	SetCredits(ctx context.Context, userID string, credits int) error
}

// AtomicDebiter is implemented by stores that can check and decrement a
// balance in one statement, which also protects against other processes.
type AtomicDebiter interface {
	DebitIfSufficient(ctx context.Context, userID string, n int) (bool, error)
}

// AtomicCrediter is implemented by stores that can add to a balance, and
// create the user when missing, in one statement.
type AtomicCrediter interface {
	AddCredits(ctx context.Context, userID string, n int) (int, error)
}

type Ledger struct {
	store CreditStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store CreditStore) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	return m
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.store.GetCredits(ctx, userID)
}

func (l *Ledger) CanAfford(ctx context.Context, userID string, n int) (bool, error) {
	credits, err := l.store.GetCredits(ctx, userID)
	if err != nil {
		return false, err
	}
	return credits >= n, nil
}

func (l *Ledger) Debit(ctx context.Context, userID string, n int) error {
	if n < 0 {
		return ErrInvalidAmount
	}

	m := l.userLock(userID)
	m.Lock()
	defer m.Unlock()

	if ad, ok := l.store.(AtomicDebiter); ok {
		debited, err := ad.DebitIfSufficient(ctx, userID, n)
		if err != nil {
			return fmt.Errorf("failed to debit %s: %w", userID, err)
		}
		if !debited {
			return ErrInsufficientCredits
		}
		slog.Debug("credits debited", "user_id", userID, "amount", n)
		return nil
	}

	credits, err := l.store.GetCredits(ctx, userID)
	if err != nil {
		return err
	}
	if credits < n {
		return ErrInsufficientCredits
	}

	if err := l.store.SetCredits(ctx, userID, credits-n); err != nil {
		return fmt.Errorf("failed to debit %s: %w", userID, err)
	}

	slog.Debug("credits debited", "user_id", userID, "amount", n, "balance", credits-n)
	return nil
}

// Credit adds n credits to userID, creating the user when unknown. The
// increment is atomic across processes only when the store implements
// AtomicCrediter; otherwise it is serialized within this ledger alone.
func (l *Ledger) Credit(ctx context.Context, userID string, n int) error {
	if n < 0 {
		return ErrInvalidAmount
	}

	m := l.userLock(userID)
	m.Lock()
	defer m.Unlock()

	if ac, ok := l.store.(AtomicCrediter); ok {
		balance, err := ac.AddCredits(ctx, userID, n)
		if err != nil {
			return fmt.Errorf("failed to credit %s: %w", userID, err)
		}
		slog.Debug("credits added", "user_id", userID, "amount", n, "balance", balance)
		return nil
	}

	credits, err := l.store.GetCredits(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		credits = 0
	} else if err != nil {
		return err
	}

	if err := l.store.SetCredits(ctx, userID, credits+n); err != nil {
		return fmt.Errorf("failed to credit %s: %w", userID, err)
	}

	return nil
}
