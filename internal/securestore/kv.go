package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// KV is a small durable key-value store over a single file. With a
// passphrase the file is an encrypted envelope; without one it is plain
// JSON (tests, throwaway setups). All operations serialize on one mutex so
// a read-modify-write cannot interleave with another writer.
type KV struct {
	mu     sync.Mutex
	path   string
	secret string
}

func OpenKV(path, passphrase string) *KV {
	return &KV{path: path, secret: passphrase}
}

func (s *KV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	all[key] = append([]byte(nil), value...)
	return s.writeLocked(all)
}

func (s *KV) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return nil, false, err
	}
	value, ok := all[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *KV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return s.writeLocked(all)
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *KV) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for k := range all {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Wipe removes the backing file entirely.
func (s *KV) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *KV) loadLocked() (map[string][]byte, error) {
	result := make(map[string][]byte)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return result, nil
	}

	decoded := data
	if s.secret != "" {
		plain, err := Decrypt(s.secret, data)
		if err != nil {
			if errors.Is(err, ErrPlainData) {
				decoded = data
			} else {
				return nil, err
			}
		} else {
			decoded = plain
		}
	}
	if err := json.Unmarshal(decoded, &result); err != nil {
		return nil, ErrInvalid
	}
	return result, nil
}

func (s *KV) writeLocked(all map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if s.secret != "" {
		data, err = Encrypt(s.secret, data)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, data, 0o600)
}
