package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/vipul43/connsync/internal/models"
)

type memoryEntry struct {
	state     models.AuthorizationState
	expiresAt time.Time
}

// MemoryStore implements Store using an in-memory map
// This is suitable for single-instance deployments and testing
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemoryStore creates a store and starts a goroutine that evicts expired
// entries every cleanupInterval. A zero interval disables the goroutine.
func NewMemoryStore(now func() time.Time, cleanupInterval time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		entries:  make(map[string]memoryEntry),
		now:      now,
		stopChan: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(cleanupInterval)
	}

	return s
}

func (s *MemoryStore) Save(ctx context.Context, state *models.AuthorizationState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[state.State]; ok && s.now().Before(e.expiresAt) {
		return ErrStateExists
	}

	s.entries[state.State] = memoryEntry{
		state:     *state,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Peek(ctx context.Context, token string) (*models.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(token)
	if !ok {
		return nil, ErrStateNotFound
	}
	state := e.state
	return &state, nil
}

func (s *MemoryStore) Take(ctx context.Context, token string) (*models.AuthorizationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(token)
	delete(s.entries, token)
	if !ok {
		return nil, ErrStateNotFound
	}
	state := e.state
	return &state, nil
}

func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, token)
	return nil
}

// Size returns the number of entries in the store (for testing/monitoring)
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// live must be called with mu held.
func (s *MemoryStore) live(token string) (memoryEntry, bool) {
	e, ok := s.entries[token]
	if !ok || !s.now().Before(e.expiresAt) {
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, token)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
