// Package relay moves encoded wire messages between parties. The relay is
// untrusted: it sees routing metadata and sealed payloads, never key
// material or plaintext. Delivery is at-least-once and unordered; nonce
// uniqueness and ordering are enforced by the guard and the session layer.
package relay

import (
	"context"
	"errors"

	"github.com/Khawar13/Secure-chat/pkg/wire"
)

var (
	ErrAlreadySubscribed = errors.New("recipient already has a live subscription")
	ErrMailboxFull       = errors.New("recipient mailbox is full")
	ErrRecipientMismatch = errors.New("message recipient does not match route")
	// ErrRejected wraps an admission rejection (guard or rate limit) from a
	// remote relay.
	ErrRejected = errors.New("relay rejected the message")
)

// maxMailbox bounds how many messages queue for one offline recipient.
const maxMailbox = 1024

// Handler consumes one raw wire message delivered for a subscribed party.
type Handler func(ctx context.Context, raw []byte)

// Relay is the transport the core speaks to.
type Relay interface {
	// Publish routes one message to its recipient's endpoint or mailbox.
	Publish(ctx context.Context, msg wire.Message) error
	// Subscribe registers a handler for everything addressed to
	// recipientID, draining any queued messages first. The returned
	// function cancels the subscription.
	Subscribe(recipientID string, handler Handler) (cancel func(), err error)
}
