package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/Khawar13/Secure-chat/internal/securestore"
)

const (
	storeKeyIdentity = "identity"
	storeKeyMnemonic = "identity.mnemonic"
)

// Store persists the party's keypair in the local encrypted key-value
// store under a fixed identifier. Create refuses to overwrite an existing
// keypair; Replace is the single explicit regeneration path, because a new
// key invalidates every counterparty's pinned trust in the old one.
type Store struct {
	mu sync.Mutex
	kv *securestore.KV
}

func NewStore(kv *securestore.KV) *Store {
	return &Store{kv: kv}
}

// Create generates and persists a keypair plus its mnemonic backup. Fails
// with ErrIdentityKeyExists when one is already stored.
func (s *Store) Create() (*KeyPair, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.kv.Get(storeKeyIdentity); err != nil {
		return nil, "", err
	} else if ok {
		return nil, "", ErrIdentityKeyExists
	}
	return s.generateLocked()
}

// Replace discards any stored keypair and generates a fresh one. This is
// an explicit operation only: callers must surface the trust reset to the
// user before invoking it.
func (s *Store) Replace() (*KeyPair, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateLocked()
}

// Import persists the keypair reconstructed from a mnemonic backup,
// overwriting whatever is stored. Like Replace, an explicit operation.
func (s *Store) Import(mnemonic string) (*KeyPair, error) {
	pair, err := KeyPairFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(pair, mnemonic); err != nil {
		return nil, err
	}
	return pair, nil
}

// Load returns the stored keypair, or ErrIdentityKeyMissing.
func (s *Store) Load() (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	der, ok, err := s.kv.Get(storeKeyIdentity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrIdentityKeyMissing
	}
	return parsePKCS8(der)
}

// Exists reports whether a keypair is persisted.
func (s *Store) Exists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.kv.Get(storeKeyIdentity)
	return ok, err
}

// ExportMnemonic returns the stored backup phrase. The key-value store's
// passphrase already gates access to it.
func (s *Store) ExportMnemonic() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phrase, ok, err := s.kv.Get(storeKeyMnemonic)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrIdentityKeyMissing
	}
	return string(phrase), nil
}

func (s *Store) generateLocked() (*KeyPair, string, error) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		return nil, "", err
	}
	pair, err := KeyPairFromMnemonic(mnemonic)
	if err != nil {
		return nil, "", err
	}
	if err := s.persistLocked(pair, mnemonic); err != nil {
		return nil, "", err
	}
	return pair, mnemonic, nil
}

func (s *Store) persistLocked(pair *KeyPair, mnemonic string) error {
	der, err := x509.MarshalPKCS8PrivateKey(pair.Private)
	if err != nil {
		return err
	}
	if err := s.kv.Put(storeKeyIdentity, der); err != nil {
		return err
	}
	return s.kv.Put(storeKeyMnemonic, []byte(mnemonic))
}

func parsePKCS8(der []byte) (*KeyPair, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("stored identity key is corrupt: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored identity key is corrupt: %w", ErrInvalidPublicKey)
	}
	return fromPrivate(priv)
}
