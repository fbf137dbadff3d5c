package guard

import (
	"sync"
	"time"
)

// Ordering is the last accepted sequence/timestamp pair for one ordered
// (sender, recipient) direction.
type Ordering struct {
	SequenceNumber int64
	Timestamp      int64
}

// Store keeps consumed nonces and per-direction ordering state. The guard
// serializes all calls; implementations still carry their own locks so they
// are safe standalone.
type Store interface {
	// InsertNonce records the nonce with its retention deadline and reports
	// whether it had been recorded before.
	InsertNonce(nonce []byte, expiresAt time.Time) (bool, error)
	LastAccepted(pair string) (Ordering, bool, error)
	SetLastAccepted(pair string, ord Ordering) error
	// PruneExpired removes nonce records past their deadline at now and
	// returns how many were dropped.
	PruneExpired(now time.Time) (int, error)
	NonceCount() (int, error)
	Close() error
}

type MemoryStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	pairs  map[string]Ordering
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces: make(map[string]time.Time),
		pairs:  make(map[string]Ordering),
	}
}

func (s *MemoryStore) InsertNonce(nonce []byte, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(nonce)
	if _, ok := s.nonces[key]; ok {
		return true, nil
	}
	s.nonces[key] = expiresAt
	return false, nil
}

func (s *MemoryStore) LastAccepted(pair string) (Ordering, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ord, ok := s.pairs[pair]
	return ord, ok, nil
}

func (s *MemoryStore) SetLastAccepted(pair string, ord Ordering) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pair] = ord
	return nil
}

func (s *MemoryStore) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, deadline := range s.nonces {
		if !deadline.After(now) {
			delete(s.nonces, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) NonceCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
