package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
	ErrBadField     = errors.New("malformed field")
)

// Encode marshals a wire message to its canonical JSON form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses raw relay bytes into exactly one member of the closed
// message union. Messages with an unknown type tag or with required fields
// absent never reach protocol code.
func Decode(raw []byte) (Message, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadField, err)
	}

	switch probe.Type {
	case KindInit, KindResponse:
		var m HandshakeMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadField, err)
		}
		if err := ValidateHandshake(m); err != nil {
			return nil, err
		}
		return m, nil
	case KindConfirm:
		var m ConfirmationMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadField, err)
		}
		if err := ValidateConfirmation(m); err != nil {
			return nil, err
		}
		return m, nil
	case KindMessage:
		var m MessageEnvelope
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadField, err)
		}
		if err := ValidateMessageEnvelope(m); err != nil {
			return nil, err
		}
		return m, nil
	case KindFile:
		var m FileEnvelope
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadField, err)
		}
		if err := ValidateFileEnvelope(m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}

// Validate applies the per-kind required-field checks to an already-typed
// message. Decode performs the same checks on raw bytes.
func Validate(m Message) error {
	switch v := m.(type) {
	case HandshakeMessage:
		return ValidateHandshake(v)
	case ConfirmationMessage:
		return ValidateConfirmation(v)
	case MessageEnvelope:
		return ValidateMessageEnvelope(v)
	case FileEnvelope:
		return ValidateFileEnvelope(v)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.MessageKind())
	}
}

// ValidateHandshake enforces the required-field set for init and response
// messages.
func ValidateHandshake(m HandshakeMessage) error {
	if m.Type != KindInit && m.Type != KindResponse {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if err := requireParties(m.SenderID, m.RecipientID); err != nil {
		return err
	}
	if len(m.SenderPublicKey) == 0 {
		return fmt.Errorf("%w: senderPublicKey", ErrMissingField)
	}
	if len(m.EphemeralPublicKey) == 0 {
		return fmt.Errorf("%w: ephemeralPublicKey", ErrMissingField)
	}
	if len(m.Signature) == 0 {
		return fmt.Errorf("%w: signature", ErrMissingField)
	}
	if err := requireStamp(m.Timestamp, m.Nonce); err != nil {
		return err
	}
	return nil
}

// ValidateConfirmation enforces the required-field set for confirm messages.
func ValidateConfirmation(m ConfirmationMessage) error {
	if err := requireParties(m.SenderID, m.RecipientID); err != nil {
		return err
	}
	if len(m.ConfirmationHash) == 0 {
		return fmt.Errorf("%w: confirmationHash", ErrMissingField)
	}
	if len(m.ConfirmationNonce) != NonceSize {
		return fmt.Errorf("%w: confirmationNonce", ErrBadField)
	}
	if err := requireStamp(m.Timestamp, m.OriginalNonce); err != nil {
		return err
	}
	return nil
}

// ValidateMessageEnvelope enforces the required-field set for message
// envelopes.
func ValidateMessageEnvelope(m MessageEnvelope) error {
	if err := requireParties(m.SenderID, m.RecipientID); err != nil {
		return err
	}
	if len(m.Ciphertext) == 0 {
		return fmt.Errorf("%w: ciphertext", ErrMissingField)
	}
	return validateSealed(m.IV, m.AuthTag, m.Nonce, m.SequenceNumber, m.Timestamp)
}

// ValidateFileEnvelope enforces the required-field set for file envelopes.
func ValidateFileEnvelope(m FileEnvelope) error {
	if err := requireParties(m.SenderID, m.RecipientID); err != nil {
		return err
	}
	if len(m.EncryptedData) == 0 {
		return fmt.Errorf("%w: encryptedData", ErrMissingField)
	}
	if m.Filename == "" {
		return fmt.Errorf("%w: filename", ErrMissingField)
	}
	if m.Size < 0 {
		return fmt.Errorf("%w: size", ErrBadField)
	}
	return validateSealed(m.IV, m.AuthTag, m.Nonce, m.SequenceNumber, m.Timestamp)
}

func requireParties(senderID, recipientID string) error {
	if senderID == "" {
		return fmt.Errorf("%w: senderId", ErrMissingField)
	}
	if recipientID == "" {
		return fmt.Errorf("%w: recipientId", ErrMissingField)
	}
	return nil
}

func requireStamp(timestamp int64, nonce []byte) error {
	if timestamp <= 0 {
		return fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("%w: nonce", ErrBadField)
	}
	return nil
}

func validateSealed(iv, authTag, nonce []byte, sequence, timestamp int64) error {
	if len(iv) != IVSize {
		return fmt.Errorf("%w: iv", ErrBadField)
	}
	if len(authTag) != TagSize {
		return fmt.Errorf("%w: authTag", ErrBadField)
	}
	if sequence < 0 {
		return fmt.Errorf("%w: sequenceNumber", ErrBadField)
	}
	return requireStamp(timestamp, nonce)
}
