// Package directory resolves party ids to their published identity keys.
//
// Every implementation pins the first key it learns for a party: a later
// registration or resolution carrying a different key is an error, never a
// silent update.
package directory

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"

	"github.com/Khawar13/Secure-chat/internal/identity"
)

var (
	ErrUnknownParty = errors.New("unknown party")
	ErrKeyChanged   = errors.New("identity key changed for pinned party")
)

// Resolver looks up the published identity key of a party.
type Resolver interface {
	ResolvePublicKey(ctx context.Context, partyID string) (*ecdsa.PublicKey, error)
}

// Memory is an in-process directory with first-write-wins registration.
type Memory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string][]byte)}
}

// Register publishes the SPKI-encoded identity key for partyID.
// Re-registering the identical key is idempotent; a different key is
// rejected.
func (d *Memory) Register(partyID string, spki []byte) error {
	if partyID == "" {
		return ErrUnknownParty
	}
	if _, err := identity.ParsePublicKey(spki); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.keys[partyID]; ok {
		if !bytes.Equal(existing, spki) {
			return ErrKeyChanged
		}
		return nil
	}
	d.keys[partyID] = append([]byte(nil), spki...)
	return nil
}

func (d *Memory) ResolvePublicKey(_ context.Context, partyID string) (*ecdsa.PublicKey, error) {
	d.mu.RLock()
	spki, ok := d.keys[partyID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownParty
	}
	return identity.ParsePublicKey(spki)
}

// RegisteredSPKI returns the pinned key bytes for partyID, if any.
func (d *Memory) RegisteredSPKI(partyID string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	spki, ok := d.keys[partyID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), spki...), true
}

// Caching wraps a resolver and pins the first key resolved per party, so a
// directory that later serves a different key cannot rewrite an existing
// trust relationship mid-session.
type Caching struct {
	upstream Resolver

	mu     sync.RWMutex
	pinned map[string][]byte
}

func NewCaching(upstream Resolver) *Caching {
	return &Caching{upstream: upstream, pinned: make(map[string][]byte)}
}

func (d *Caching) ResolvePublicKey(ctx context.Context, partyID string) (*ecdsa.PublicKey, error) {
	d.mu.RLock()
	spki, ok := d.pinned[partyID]
	d.mu.RUnlock()
	if ok {
		return identity.ParsePublicKey(spki)
	}

	pub, err := d.upstream.ResolvePublicKey(ctx, partyID)
	if err != nil {
		return nil, err
	}
	resolved, err := identity.MarshalPublicKey(pub)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.pinned[partyID]; ok {
		// A concurrent resolve pinned first; both must agree.
		if !bytes.Equal(existing, resolved) {
			return nil, ErrKeyChanged
		}
		return identity.ParsePublicKey(existing)
	}
	d.pinned[partyID] = resolved
	return pub, nil
}

// Pin preloads a known key for partyID, as from a contact exchange.
func (d *Caching) Pin(partyID string, spki []byte) error {
	if _, err := identity.ParsePublicKey(spki); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.pinned[partyID]; ok && !bytes.Equal(existing, spki) {
		return ErrKeyChanged
	}
	d.pinned[partyID] = append([]byte(nil), spki...)
	return nil
}
