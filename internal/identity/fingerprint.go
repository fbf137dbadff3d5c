package identity

import (
	"crypto/ecdsa"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const fingerprintPrefix = "sc1"

// Fingerprint returns the short textual form of a public key used in logs
// and the CLI: "sc1" + base58(blake2b-256(SPKI)). It is never a wire field.
func Fingerprint(pub *ecdsa.PublicKey) (string, error) {
	spki, err := MarshalPublicKey(pub)
	if err != nil {
		return "", err
	}
	return FingerprintSPKI(spki), nil
}

// FingerprintSPKI fingerprints an already-encoded public key.
func FingerprintSPKI(spki []byte) string {
	h := blake2b.Sum256(spki)
	return fingerprintPrefix + base58.Encode(h[:])
}

// VerifyFingerprint reports whether fp matches pub.
func VerifyFingerprint(fp string, pub *ecdsa.PublicKey) (bool, error) {
	expected, err := Fingerprint(pub)
	if err != nil {
		return false, err
	}
	return fp == expected, nil
}
