// Package envelope seals and opens message and file payloads under a
// confirmed session key.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/Khawar13/Secure-chat/internal/session"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidKey           = errors.New("invalid session key")
)

// Seal encrypts plaintext with AES-256-GCM under key. Every call draws a
// fresh 96-bit IV, never reused under the same key; the 128-bit tag is
// returned detached from the ciphertext, matching the wire layout.
func Seal(key *session.Key, plaintext []byte) (ciphertext, iv, authTag []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, wire.IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - wire.TagSize
	return sealed[:split], iv, sealed[split:], nil
}

// Open authenticates and decrypts a sealed payload. Any mismatch of the tag
// over ciphertext and IV reports ErrAuthenticationFailed; no plaintext ever
// accompanies a failed authentication.
func Open(key *session.Key, ciphertext, iv, authTag []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	// GCM panics on a wrong-length nonce, so size errors are caught here.
	if len(iv) != wire.IVSize || len(authTag) != wire.TagSize {
		return nil, ErrAuthenticationFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plain, nil
}

// SealMessage builds a complete message envelope: sealed body, fresh replay
// nonce (distinct from the IV) and a current timestamp.
func SealMessage(key *session.Key, senderID, recipientID string, sequence int64, plaintext []byte) (wire.MessageEnvelope, error) {
	ciphertext, iv, authTag, err := Seal(key, plaintext)
	if err != nil {
		return wire.MessageEnvelope{}, err
	}
	nonce, err := wire.NewNonce()
	if err != nil {
		return wire.MessageEnvelope{}, err
	}
	return wire.MessageEnvelope{
		Type:           wire.KindMessage,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Ciphertext:     ciphertext,
		IV:             iv,
		AuthTag:        authTag,
		Nonce:          nonce,
		SequenceNumber: sequence,
		Timestamp:      wire.Now(),
	}, nil
}

// OpenMessage recovers the plaintext body of a message envelope.
func OpenMessage(key *session.Key, env wire.MessageEnvelope) ([]byte, error) {
	return Open(key, env.Ciphertext, env.IV, env.AuthTag)
}

// SealFile builds a file envelope over the complete file contents. The
// filename and size ride in the clear and are not covered by the tag.
func SealFile(key *session.Key, senderID, recipientID string, sequence int64, filename string, data []byte) (wire.FileEnvelope, error) {
	encrypted, iv, authTag, err := Seal(key, data)
	if err != nil {
		return wire.FileEnvelope{}, err
	}
	nonce, err := wire.NewNonce()
	if err != nil {
		return wire.FileEnvelope{}, err
	}
	return wire.FileEnvelope{
		Type:           wire.KindFile,
		SenderID:       senderID,
		RecipientID:    recipientID,
		EncryptedData:  encrypted,
		IV:             iv,
		AuthTag:        authTag,
		Nonce:          nonce,
		SequenceNumber: sequence,
		Timestamp:      wire.Now(),
		Filename:       filename,
		Size:           int64(len(data)),
	}, nil
}

// OpenFile recovers the file contents of a file envelope.
func OpenFile(key *session.Key, env wire.FileEnvelope) ([]byte, error) {
	return Open(key, env.EncryptedData, env.IV, env.AuthTag)
}

func newAEAD(key *session.Key) (cipher.AEAD, error) {
	if key == nil || len(key.Bytes) != session.KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key.Bytes)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
