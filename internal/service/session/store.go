package session

import (
	"context"
	"sync"

	"github.com/mvallesp/arrowcoach/backend/internal/model/chat"
)

// Store persists the full session list per user key. The contract is
// last-write-wins over the whole list; no finer-grained transactionality is
// required.
type Store interface {
	Load(ctx context.Context, userKey string) ([]chat.Session, error)
	Save(ctx context.Context, userKey string, sessions []chat.Session) error
}

// MemoryStore implements Store with a mutex-guarded map, suitable for tests
// and for running without a database path configured.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]chat.Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]chat.Session)}
}

// Load returns a deep copy of the user's session list; the caller may mutate
// it freely without touching stored state.
func (s *MemoryStore) Load(_ context.Context, userKey string) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chat.CloneSessions(s.byUser[userKey]), nil
}

// Save replaces the user's session list with a deep copy, so later caller
// mutations never reach the stored state.
func (s *MemoryStore) Save(_ context.Context, userKey string, sessions []chat.Session) error {
	copied := chat.CloneSessions(sessions)
	s.mu.Lock()
	s.byUser[userKey] = copied
	s.mu.Unlock()
	return nil
}
