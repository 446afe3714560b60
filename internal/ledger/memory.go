package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	credits map[string]int
}

func NewMemoryStore(seed map[string]int) *MemoryStore {
	credits := make(map[string]int, len(seed))
	for user, n := range seed {
		credits[user] = n
	}
	return &MemoryStore{credits: credits}
}

func (s *MemoryStore) GetCredits(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.credits[userID]
	if !ok {
		return 0, ErrUnknownUser
	}
	return n, nil
}

func (s *MemoryStore) SetCredits(_ context.Context, userID string, credits int) error {
	if credits < 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.credits[userID] = credits
	return nil
}

// ParseSeed reads "user1=100,user2=50" into a balance map.
func ParseSeed(raw string) (map[string]int, error) {
	seed := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		user, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("invalid seed entry %q", pair)
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid credit amount in %q", pair)
		}
		seed[strings.TrimSpace(user)] = n
	}
	return seed, nil
}
