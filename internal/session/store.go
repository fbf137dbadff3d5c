package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Khawar13/Secure-chat/internal/securestore"
)

// State is the persisted form of one committed session.
type State struct {
	SessionID    string    `json:"session_id"`
	PeerID       string    `json:"peer_id"`
	Key          []byte    `json:"key"`
	NextSequence int64     `json:"next_sequence"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists committed sessions across restarts. Key material only ever
// lands in local storage; nothing here is reachable from the relay.
type Store interface {
	Save(state State) error
	All() ([]State, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = state
	return nil
}

func (s *MemoryStore) All() ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]State, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	return out, nil
}

func (s *MemoryStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]State)
	return nil
}

const storePrefix = "session/"

// KVStore keeps sessions in the local encrypted key-value store, keyed by
// the symmetric session id.
type KVStore struct {
	kv *securestore.KV
}

func NewKVStore(kv *securestore.KV) *KVStore {
	return &KVStore{kv: kv}
}

func (s *KVStore) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.kv.Put(storePrefix+state.SessionID, data)
}

func (s *KVStore) All() ([]State, error) {
	keys, err := s.kv.Keys(storePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(keys))
	for _, key := range keys {
		data, ok, err := s.kv.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// Wipe removes persisted sessions only; other tenants of the same
// key-value file (the identity key) are untouched.
func (s *KVStore) Wipe() error {
	keys, err := s.kv.Keys(storePrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.kv.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
