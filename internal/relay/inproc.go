package relay

import (
	"context"
	"sync"

	"github.com/Khawar13/Secure-chat/internal/guard"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

// InProc connects endpoints living in one process. Messages for parties
// without a live subscription wait in a per-recipient mailbox and drain on
// subscribe.
type InProc struct {
	guard *guard.Guard

	mu          sync.Mutex
	subscribers map[string]Handler
	mailbox     map[string][][]byte
}

// NewInProc returns an in-process relay. A non-nil guard vets every
// published message the same way the HTTP relay does.
func NewInProc(g *guard.Guard) *InProc {
	return &InProc{
		guard:       g,
		subscribers: make(map[string]Handler),
		mailbox:     make(map[string][][]byte),
	}
}

func (b *InProc) Publish(ctx context.Context, msg wire.Message) error {
	if err := wire.Validate(msg); err != nil {
		return err
	}
	if b.guard != nil {
		if err := b.guard.Admit(guard.RecordOf(msg)); err != nil {
			return err
		}
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	recipient := msg.Recipient()
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[recipient]; ok {
		// Delivery is detached from the publisher's context, as it would
		// be over a real transport.
		go handler(context.Background(), raw)
		return nil
	}
	if len(b.mailbox[recipient]) >= maxMailbox {
		return ErrMailboxFull
	}
	b.mailbox[recipient] = append(b.mailbox[recipient], raw)
	return nil
}

func (b *InProc) Subscribe(recipientID string, handler Handler) (func(), error) {
	b.mu.Lock()
	if _, ok := b.subscribers[recipientID]; ok {
		b.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	b.subscribers[recipientID] = handler
	pending := b.mailbox[recipientID]
	delete(b.mailbox, recipientID)
	b.mu.Unlock()

	for _, raw := range pending {
		handler(context.Background(), raw)
	}

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, recipientID)
		b.mu.Unlock()
	}
	return cancel, nil
}

var _ Relay = (*InProc)(nil)
