package session

import (
	"sync"
	"time"
)

// Registry owns the active session key per party pair for one endpoint.
// Committing a newly confirmed key replaces the previous one atomically;
// in-flight users of the old *Key are unaffected because committed keys are
// never mutated in place.
type Registry struct {
	localID string
	store   Store

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	key  *Key
	next int64
}

// NewRegistry loads any persisted sessions from store and serves them.
func NewRegistry(localID string, store Store) (*Registry, error) {
	r := &Registry{localID: localID, store: store, entries: make(map[string]*entry)}
	states, err := store.All()
	if err != nil {
		return nil, err
	}
	for _, state := range states {
		r.entries[state.PeerID] = &entry{
			key: &Key{
				ID:        state.SessionID,
				Bytes:     append([]byte(nil), state.Key...),
				CreatedAt: state.CreatedAt,
			},
			next: state.NextSequence,
		}
	}
	return r, nil
}

// Commit installs key as the active session key for peerID, superseding any
// previous key for the pair. The outbound sequence counter survives a rekey:
// the guard's ordering state for the pair spans sessions.
func (r *Registry) Commit(peerID string, key *Key) error {
	if key == nil || key.ID != ID(r.localID, peerID) {
		return ErrInvalidParty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := &Key{
		ID:        key.ID,
		Bytes:     append([]byte(nil), key.Bytes...),
		CreatedAt: key.CreatedAt,
	}
	var next int64
	if prev, ok := r.entries[peerID]; ok {
		next = prev.next
	}
	r.entries[peerID] = &entry{key: copied, next: next}
	return r.saveLocked(peerID)
}

// Active returns the committed key for peerID. Callers must treat the
// returned key as read-only.
func (r *Registry) Active(peerID string) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peerID]
	if !ok {
		return nil, false
	}
	return e.key, true
}

// NextSequence allocates the next outbound sequence number for messages to
// peerID, starting at 0 per ordered pair. A number allocated but never sent
// is simply skipped; the guard requires strictly greater, not dense.
func (r *Registry) NextSequence(peerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peerID]
	if !ok {
		return 0, ErrNoSession
	}
	seq := e.next
	e.next++
	if err := r.saveLocked(peerID); err != nil {
		return 0, err
	}
	return seq, nil
}

// Peers lists the party ids with a committed session.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for peerID := range r.entries {
		out = append(out, peerID)
	}
	return out
}

// Wipe drops every session from memory and, when the store supports it,
// from disk.
func (r *Registry) Wipe() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
	if wiper, ok := r.store.(interface{ Wipe() error }); ok {
		return wiper.Wipe()
	}
	return nil
}

func (r *Registry) saveLocked(peerID string) error {
	e := r.entries[peerID]
	return r.store.Save(State{
		SessionID:    e.key.ID,
		PeerID:       peerID,
		Key:          append([]byte(nil), e.key.Bytes...),
		NextSequence: e.next,
		CreatedAt:    e.key.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
	})
}
