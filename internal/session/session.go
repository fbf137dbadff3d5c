// Package session derives, confirms and tracks the symmetric keys two
// parties share after a completed handshake.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Khawar13/Secure-chat/pkg/wire"
)

var (
	ErrInvalidSecret = errors.New("invalid shared secret")
	ErrInvalidNonce  = errors.New("invalid handshake nonce")
	ErrInvalidParty  = errors.New("invalid party id")
	ErrNoSession     = errors.New("no session for peer")
)

// KeySize is the AEAD session-key length in bytes.
const KeySize = 32

const (
	deriveInfo    = "securechat/session/aes256gcm/v1|"
	confirmPrefix = "KEY_CONFIRM:"
)

// Key is a derived session key for one party pair. Bytes never travels;
// only confirmation MACs computed from it do.
type Key struct {
	ID        string
	Bytes     []byte
	CreatedAt time.Time
}

// Derive computes the session key from an ECDH shared secret. The salt is
// the initiator nonce followed by the responder nonce, so both roles feed
// HKDF identical material; the info string binds the sorted party ids, so a
// key derived for one pair can never validate traffic of another.
func Derive(sharedSecret, initiatorNonce, responderNonce []byte, idA, idB string) (*Key, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrInvalidSecret
	}
	if len(initiatorNonce) != wire.NonceSize || len(responderNonce) != wire.NonceSize {
		return nil, ErrInvalidNonce
	}
	if idA == "" || idB == "" || idA == idB {
		return nil, ErrInvalidParty
	}

	salt := make([]byte, 0, len(initiatorNonce)+len(responderNonce))
	salt = append(salt, initiatorNonce...)
	salt = append(salt, responderNonce...)
	low, high := sortIDs(idA, idB)
	info := []byte(deriveInfo + low + "|" + high)

	reader := hkdf.New(sha256.New, sharedSecret, salt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return &Key{ID: ID(idA, idB), Bytes: key, CreatedAt: time.Now().UTC()}, nil
}

// ID returns the symmetric session id for a pair: both party ids sorted
// lexicographically and joined, identical regardless of who initiated.
func ID(a, b string) string {
	low, high := sortIDs(a, b)
	return low + ":" + high
}

// Confirm builds the message proving possession of key to the peer. The
// original nonce is the Init nonce of the handshake attempt being confirmed.
func Confirm(key *Key, selfID, peerID string, originalNonce []byte) (wire.ConfirmationMessage, error) {
	confirmationNonce, err := wire.NewNonce()
	if err != nil {
		return wire.ConfirmationMessage{}, err
	}
	return wire.ConfirmationMessage{
		Type:              wire.KindConfirm,
		SenderID:          selfID,
		RecipientID:       peerID,
		ConfirmationHash:  confirmationMAC(key.Bytes, selfID, peerID, originalNonce, confirmationNonce),
		ConfirmationNonce: confirmationNonce,
		OriginalNonce:     append([]byte(nil), originalNonce...),
		Timestamp:         wire.Now(),
	}, nil
}

// VerifyConfirmation recomputes the peer's confirmation MAC and compares it
// in constant time. It only ever reports a boolean; a false result must
// leave the candidate key unused.
func VerifyConfirmation(key *Key, msg wire.ConfirmationMessage) bool {
	if key == nil || len(key.Bytes) != KeySize {
		return false
	}
	expected := confirmationMAC(key.Bytes, msg.SenderID, msg.RecipientID, msg.OriginalNonce, msg.ConfirmationNonce)
	return hmac.Equal(expected, msg.ConfirmationHash)
}

// The confirmation preimage interoperates with the wire encoding: nonces
// appear base64, exactly as they travel.
func confirmationMAC(key []byte, senderID, recipientID string, originalNonce, confirmationNonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(confirmPrefix))
	mac.Write([]byte(senderID))
	mac.Write([]byte(":"))
	mac.Write([]byte(recipientID))
	mac.Write([]byte(":"))
	mac.Write([]byte(base64.StdEncoding.EncodeToString(originalNonce)))
	mac.Write([]byte(":"))
	mac.Write([]byte(base64.StdEncoding.EncodeToString(confirmationNonce)))
	return mac.Sum(nil)
}

func sortIDs(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}
