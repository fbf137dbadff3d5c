// Package identity owns each party's long-lived P-256 signing keypair: one
// per party, created on first use, persisted locally and never regenerated
// silently. Only the SPKI-encoded public key ever leaves the process.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrIdentityKeyMissing = errors.New("identity key missing")
	ErrIdentityKeyExists  = errors.New("identity key already exists")
	ErrInvalidPublicKey   = errors.New("invalid identity public key")
)

const signingSeedInfo = "securechat/identity/signing/v1"

// KeyPair is a long-lived P-256 signing keypair together with its
// publishable SPKI encoding.
type KeyPair struct {
	Private    *ecdsa.PrivateKey
	PublicSPKI []byte
}

// Generate creates a fresh random keypair.
func Generate() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromPrivate(priv)
}

// FromSeed derives the keypair deterministically from seed material, so a
// mnemonic backup reproduces the identical identity. The scalar is an
// HKDF expansion of the seed reduced into [1, N-1].
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) == 0 {
		return nil, errors.New("empty identity seed")
	}
	reader := hkdf.New(sha256.New, seed, nil, []byte(signingSeedInfo))
	// 40 bytes keeps the mod-N bias negligible.
	buf := make([]byte, 40)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}

	curve := elliptic.P256()
	nMinusOne := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	d := new(big.Int).SetBytes(buf)
	d.Mod(d, nMinusOne)
	d.Add(d, big.NewInt(1))

	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = d
	priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
	return fromPrivate(priv)
}

func fromPrivate(priv *ecdsa.PrivateKey) (*KeyPair, error) {
	spki, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, PublicSPKI: spki}, nil
}

// Public returns the verifying half of the keypair.
func (k *KeyPair) Public() *ecdsa.PublicKey {
	return &k.Private.PublicKey
}

// Sign produces an ASN.1 ECDSA signature over SHA-256 of message.
func (k *KeyPair) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, k.Private, digest[:])
}

// Verify reports whether sig is a valid signature over message by pub.
func Verify(pub *ecdsa.PublicKey, message, sig []byte) bool {
	if pub == nil {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// MarshalPublicKey encodes pub in SPKI (PKIX) DER form, the wire encoding
// for all published keys.
func MarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, ErrInvalidPublicKey
	}
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes an SPKI blob, accepting only P-256 ECDSA keys.
func ParsePublicKey(spki []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an EC key", ErrInvalidPublicKey)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: unexpected curve", ErrInvalidPublicKey)
	}
	return pub, nil
}
