package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Khawar13/Secure-chat/internal/directory"
	"github.com/Khawar13/Secure-chat/internal/envelope"
	"github.com/Khawar13/Secure-chat/internal/guard"
	"github.com/Khawar13/Secure-chat/internal/handshake"
	"github.com/Khawar13/Secure-chat/internal/identity"
	"github.com/Khawar13/Secure-chat/internal/relay"
	"github.com/Khawar13/Secure-chat/internal/session"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureRelay collects published messages for manual, deterministic routing.
type captureRelay struct {
	mu   sync.Mutex
	sent []wire.Message
}

func (c *captureRelay) Publish(ctx context.Context, msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureRelay) Subscribe(recipientID string, handler relay.Handler) (func(), error) {
	return func() {}, nil
}

func (c *captureRelay) take() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

type inboxRecorder struct {
	mu    sync.Mutex
	items []Inbound
}

func (r *inboxRecorder) add(in Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, in)
}

func (r *inboxRecorder) snapshot() []Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Inbound(nil), r.items...)
}

func newTestService(t *testing.T, localID string, dir *directory.Memory, rly relay.Relay) (*Service, *inboxRecorder) {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if err := dir.Register(localID, kp.PublicSPKI); err != nil {
		t.Fatalf("register %s: %v", localID, err)
	}
	reg, err := session.NewRegistry(localID, session.NewMemoryStore())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	inbox := &inboxRecorder{}
	svc, err := New(Config{
		LocalID:   localID,
		Keys:      kp,
		Registry:  reg,
		Resolver:  dir,
		Relay:     rly,
		Guard:     guard.New(guard.NewMemoryStore(), 0, 0, discardLogger()),
		OnMessage: inbox.add,
		Log:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, inbox
}

// pump routes captured messages between services until nothing is in flight.
func pump(t *testing.T, services map[string]*Service, rly *captureRelay) {
	t.Helper()
	for {
		msgs := rly.take()
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			svc, ok := services[msg.Recipient()]
			if !ok {
				t.Fatalf("no service for recipient %q", msg.Recipient())
			}
			raw, err := wire.Encode(msg)
			if err != nil {
				t.Fatalf("encode %s: %v", msg.MessageKind(), err)
			}
			if err := svc.HandleIncoming(context.Background(), raw); err != nil {
				t.Fatalf("handle %s for %s: %v", msg.MessageKind(), msg.Recipient(), err)
			}
		}
	}
}

func establishPair(t *testing.T, alice, bob *Service, rly *captureRelay) {
	t.Helper()
	services := map[string]*Service{alice.localID: alice, bob.localID: bob}
	if err := alice.InitiateHandshake(context.Background(), bob.localID); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	pump(t, services, rly)
	if got := alice.HandshakeState(bob.localID); got != handshake.StateEstablished {
		t.Fatalf("initiator state: %q", got)
	}
	if got := bob.HandshakeState(alice.localID); got != handshake.StateEstablished {
		t.Fatalf("responder state: %q", got)
	}
}

func TestServiceHandshakeAndFirstMessages(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, bobInbox := newTestService(t, "b1", dir, rly)
	services := map[string]*Service{"a1": alice, "b1": bob}
	ctx := context.Background()

	establishPair(t, alice, bob, rly)

	replayA, _, cancelA := alice.Events().Subscribe(0)
	defer cancelA()
	found := false
	for _, ev := range replayA {
		if ev.Method == EventSessionEstablished {
			found = true
		}
	}
	if !found {
		t.Fatalf("initiator hub missing %s event", EventSessionEstablished)
	}

	env0, err := alice.EncryptForSend(ctx, "b1", []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if env0.SequenceNumber != 0 {
		t.Fatalf("first message sequence %d, want 0", env0.SequenceNumber)
	}
	pump(t, services, rly)

	inbox := bobInbox.snapshot()
	if len(inbox) != 1 {
		t.Fatalf("inbox size %d, want 1", len(inbox))
	}
	if string(inbox[0].Plaintext) != "hello" || inbox[0].SenderID != "a1" {
		t.Fatalf("unexpected inbound %+v", inbox[0])
	}

	// Replaying the exact envelope must be stopped by the guard.
	raw, err := wire.Encode(env0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.HandleIncoming(ctx, raw); !errors.Is(err, guard.ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}

	env1, err := alice.EncryptForSend(ctx, "b1", []byte("again"))
	if err != nil {
		t.Fatalf("encrypt second: %v", err)
	}
	if env1.SequenceNumber != 1 {
		t.Fatalf("second message sequence %d, want 1", env1.SequenceNumber)
	}
	pump(t, services, rly)

	inbox = bobInbox.snapshot()
	if len(inbox) != 2 || string(inbox[1].Plaintext) != "again" {
		t.Fatalf("replay slipped through or message lost: %+v", inbox)
	}
}

func TestServiceEncryptBeforeHandshake(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)

	if _, err := alice.EncryptForSend(context.Background(), "b1", []byte("hi")); !errors.Is(err, ErrNoSessionKey) {
		t.Fatalf("expected ErrNoSessionKey, got %v", err)
	}
}

func TestServiceOrderingViolationsRejected(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, _ := newTestService(t, "b1", dir, rly)
	services := map[string]*Service{"a1": alice, "b1": bob}
	ctx := context.Background()

	establishPair(t, alice, bob, rly)

	env1, err := alice.EncryptForSend(ctx, "b1", []byte("first"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pump(t, services, rly)

	key, ok := alice.registry.Active("b1")
	if !ok {
		t.Fatalf("no session key after handshake")
	}

	// A stale sequence number is rejected even with a fresh nonce.
	stale, err := envelope.SealMessage(key, "a1", "b1", env1.SequenceNumber, []byte("stale"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	stale.Timestamp = env1.Timestamp + 5
	raw, err := wire.Encode(stale)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.HandleIncoming(ctx, raw); !errors.Is(err, guard.ErrNonMonotonicSequence) {
		t.Fatalf("expected ErrNonMonotonicSequence, got %v", err)
	}

	// A sequence that advances with a stalled timestamp is rejected too.
	frozen, err := envelope.SealMessage(key, "a1", "b1", env1.SequenceNumber+7, []byte("frozen"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frozen.Timestamp = env1.Timestamp
	raw, err = wire.Encode(frozen)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.HandleIncoming(ctx, raw); !errors.Is(err, guard.ErrNonMonotonicTimestamp) {
		t.Fatalf("expected ErrNonMonotonicTimestamp, got %v", err)
	}
}

func TestServiceTamperedCiphertextKeepsSession(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, bobInbox := newTestService(t, "b1", dir, rly)
	services := map[string]*Service{"a1": alice, "b1": bob}
	ctx := context.Background()

	establishPair(t, alice, bob, rly)

	env, err := alice.EncryptForSend(ctx, "b1", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	rly.take() // drop the genuine copy; only the tampered one is delivered
	env.Ciphertext = append([]byte(nil), env.Ciphertext...)
	env.Ciphertext[0] ^= 0x01
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.HandleIncoming(ctx, raw); !errors.Is(err, envelope.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if len(bobInbox.snapshot()) != 0 {
		t.Fatalf("tampered message produced plaintext")
	}

	// The session survives the discarded message.
	if _, err := alice.EncryptForSend(ctx, "b1", []byte("still works")); err != nil {
		t.Fatalf("encrypt after tamper: %v", err)
	}
	pump(t, services, rly)
	inbox := bobInbox.snapshot()
	if len(inbox) != 1 || string(inbox[0].Plaintext) != "still works" {
		t.Fatalf("session did not survive a tampered message: %+v", inbox)
	}
}

func TestServiceFileTransfer(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, bobInbox := newTestService(t, "b1", dir, rly)
	services := map[string]*Service{"a1": alice, "b1": bob}
	ctx := context.Background()

	establishPair(t, alice, bob, rly)

	contents := bytes.Repeat([]byte{0xA5}, 4096)
	env, err := alice.SendFile(ctx, "b1", "notes.txt", contents)
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	if env.Filename != "notes.txt" || env.Size != int64(len(contents)) {
		t.Fatalf("file metadata %q/%d", env.Filename, env.Size)
	}
	pump(t, services, rly)

	inbox := bobInbox.snapshot()
	if len(inbox) != 1 {
		t.Fatalf("inbox size %d, want 1", len(inbox))
	}
	got := inbox[0]
	if got.Filename != "notes.txt" || !bytes.Equal(got.Plaintext, contents) {
		t.Fatalf("file did not round-trip: %q, %d bytes", got.Filename, len(got.Plaintext))
	}

	if _, err := alice.SendFile(ctx, "b1", "", contents); err == nil {
		t.Fatalf("empty filename accepted")
	}
	huge := make([]byte, MaxFileBytes+1)
	if _, err := alice.SendFile(ctx, "b1", "huge.bin", huge); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestServiceTimestampsAdvanceWithinMillisecond(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, _ := newTestService(t, "b1", dir, rly)
	ctx := context.Background()

	establishPair(t, alice, bob, rly)
	rly.take()

	var last int64
	for i := 0; i < 5; i++ {
		env, err := alice.EncryptForSend(ctx, "b1", []byte("tick"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if env.Timestamp <= last {
			t.Fatalf("timestamp %d did not advance past %d", env.Timestamp, last)
		}
		last = env.Timestamp
	}
}

func TestServiceDecryptReceivedDirect(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, _ := newTestService(t, "b1", dir, rly)
	ctx := context.Background()

	establishPair(t, alice, bob, rly)
	rly.take()

	env, err := alice.EncryptForSend(ctx, "b1", []byte("direct"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := bob.DecryptReceived(ctx, "someone-else", env); !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}

	plain, err := bob.DecryptReceived(ctx, "a1", env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != "direct" {
		t.Fatalf("plaintext %q", plain)
	}

	// The same envelope cannot be admitted twice.
	if _, err := bob.DecryptReceived(ctx, "a1", env); !errors.Is(err, guard.ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
}

func TestServiceWrongRecipientRejected(t *testing.T) {
	dir := directory.NewMemory()
	rly := &captureRelay{}
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, _ := newTestService(t, "b1", dir, rly)
	ctx := context.Background()

	establishPair(t, alice, bob, rly)
	rly.take()

	env, err := alice.EncryptForSend(ctx, "b1", []byte("misrouted"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.RecipientID = "c9"
	raw, err := wire.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bob.HandleIncoming(ctx, raw); !errors.Is(err, ErrWrongRecipient) {
		t.Fatalf("expected ErrWrongRecipient, got %v", err)
	}
}

func waitEvent(t *testing.T, ch <-chan Event, method string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", method)
			}
			if ev.Method == method {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func TestServiceOverLiveRelay(t *testing.T) {
	dir := directory.NewMemory()
	rly := relay.NewInProc(guard.New(guard.NewMemoryStore(), 0, 0, discardLogger()))
	alice, _ := newTestService(t, "a1", dir, rly)
	bob, _ := newTestService(t, "b1", dir, rly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, eventsA, cancelA := alice.Events().Subscribe(0)
	defer cancelA()
	_, eventsB, cancelB := bob.Events().Subscribe(0)
	defer cancelB()
	go alice.Run(ctx)
	go bob.Run(ctx)

	if err := alice.InitiateHandshake(ctx, "b1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitEvent(t, eventsA, EventSessionEstablished)
	waitEvent(t, eventsB, EventSessionEstablished)

	env0, err := alice.EncryptForSend(ctx, "b1", []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ev := waitEvent(t, eventsB, EventMessageReceived)
	in, ok := ev.Payload.(Inbound)
	if !ok || string(in.Plaintext) != "hello" || in.Sequence != 0 {
		t.Fatalf("unexpected event payload %+v", ev.Payload)
	}

	// Republishing the identical envelope is refused by the relay's guard.
	if err := rly.Publish(ctx, env0); !errors.Is(err, guard.ErrReplayDetected) {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}

	if _, err := alice.EncryptForSend(ctx, "b1", []byte("again")); err != nil {
		t.Fatalf("encrypt second: %v", err)
	}
	ev = waitEvent(t, eventsB, EventMessageReceived)
	in, ok = ev.Payload.(Inbound)
	if !ok || string(in.Plaintext) != "again" || in.Sequence != 1 {
		t.Fatalf("unexpected second payload %+v", ev.Payload)
	}
}
