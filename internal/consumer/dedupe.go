package consumer

import (
	"sync"
	"time"
)

// DedupeStore remembers message IDs that were processed successfully.
type DedupeStore interface {
	Exists(messageID string) bool
	Add(messageID string) error
}

// InMemoryDedupeStore expires entries after ttl. Expired entries are swept periodically
// until Close.
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewInMemoryDedupeStore(ttl time.Duration) *InMemoryDedupeStore {
	s := newDedupeStore(ttl, time.Now)
	go s.cleanup(time.Minute)
	return s
}

func newDedupeStore(ttl time.Duration, now func() time.Time) *InMemoryDedupeStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		now:   now,
		stop:  make(chan struct{}),
	}
}

func (s *InMemoryDedupeStore) Exists(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[messageID]
	return exists && s.now().Before(expiry)
}

func (s *InMemoryDedupeStore) Add(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[messageID] = s.now().Add(s.ttl)
	return nil
}

// Len reports the number of tracked IDs, including expired ones not yet swept.
func (s *InMemoryDedupeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}

func (s *InMemoryDedupeStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *InMemoryDedupeStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *InMemoryDedupeStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, expiry := range s.store {
		if now.After(expiry) {
			delete(s.store, id)
		}
	}
}
