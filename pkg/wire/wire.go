// Package wire defines the JSON message formats exchanged through the relay.
//
// Every message carries a type tag from a closed set; decoding rejects
// unknown tags and missing required fields at the boundary instead of
// letting partially-filled messages reach protocol code. Binary fields are
// base64 on the wire (encoding/json's []byte representation) and timestamps
// are epoch milliseconds.
package wire

import (
	"crypto/rand"
	"time"
)

type Kind string

const (
	KindInit     Kind = "init"
	KindResponse Kind = "response"
	KindConfirm  Kind = "confirm"
	KindMessage  Kind = "message"
	KindFile     Kind = "file"
)

const (
	// NonceSize is the length of every protocol and envelope nonce.
	NonceSize = 16
	// IVSize is the AEAD initialization vector length (96 bits).
	IVSize = 12
	// TagSize is the detached AEAD authentication tag length (128 bits).
	TagSize = 16
)

// Message is the closed union of everything that travels through the relay.
type Message interface {
	MessageKind() Kind
	Sender() string
	Recipient() string
}

// HandshakeMessage is a signed key-exchange message, Type init or response.
// Signature covers the ephemeral public key, the counterparty id, the
// timestamp and the nonce (see handshake.SigningBytes).
type HandshakeMessage struct {
	Type               Kind   `json:"type"`
	SenderID           string `json:"senderId"`
	RecipientID        string `json:"recipientId"`
	SenderPublicKey    []byte `json:"senderPublicKey"`
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
	Signature          []byte `json:"signature"`
	Timestamp          int64  `json:"timestamp"`
	Nonce              []byte `json:"nonce"`
}

func (m HandshakeMessage) MessageKind() Kind { return m.Type }
func (m HandshakeMessage) Sender() string    { return m.SenderID }
func (m HandshakeMessage) Recipient() string { return m.RecipientID }

// ConfirmationMessage proves possession of a derived session key without
// revealing it. OriginalNonce is the Init nonce of the handshake attempt it
// confirms.
type ConfirmationMessage struct {
	Type              Kind   `json:"type"`
	SenderID          string `json:"senderId"`
	RecipientID       string `json:"recipientId"`
	ConfirmationHash  []byte `json:"confirmationHash"`
	ConfirmationNonce []byte `json:"confirmationNonce"`
	OriginalNonce     []byte `json:"originalNonce"`
	Timestamp         int64  `json:"timestamp"`
}

func (m ConfirmationMessage) MessageKind() Kind { return KindConfirm }
func (m ConfirmationMessage) Sender() string    { return m.SenderID }
func (m ConfirmationMessage) Recipient() string { return m.RecipientID }

// MessageEnvelope carries one AEAD-sealed message body. The nonce is
// tracked by the replay guard and is distinct from the IV; SequenceNumber
// is strictly increasing per ordered (sender, recipient) pair.
type MessageEnvelope struct {
	Type           Kind   `json:"type"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Ciphertext     []byte `json:"ciphertext"`
	IV             []byte `json:"iv"`
	AuthTag        []byte `json:"authTag"`
	Nonce          []byte `json:"nonce"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Timestamp      int64  `json:"timestamp"`
}

func (m MessageEnvelope) MessageKind() Kind { return KindMessage }
func (m MessageEnvelope) Sender() string    { return m.SenderID }
func (m MessageEnvelope) Recipient() string { return m.RecipientID }

// FileEnvelope is the whole-file variant of MessageEnvelope: encryptedData
// replaces ciphertext and the cleartext filename and byte count ride along.
type FileEnvelope struct {
	Type           Kind   `json:"type"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	EncryptedData  []byte `json:"encryptedData"`
	IV             []byte `json:"iv"`
	AuthTag        []byte `json:"authTag"`
	Nonce          []byte `json:"nonce"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Timestamp      int64  `json:"timestamp"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
}

func (m FileEnvelope) MessageKind() Kind { return KindFile }
func (m FileEnvelope) Sender() string    { return m.SenderID }
func (m FileEnvelope) Recipient() string { return m.RecipientID }

// NewNonce returns NonceSize fresh random bytes.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Now returns the current wire timestamp in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// TimeOf converts a wire timestamp back to a time.Time.
func TimeOf(ts int64) time.Time {
	return time.UnixMilli(ts)
}
