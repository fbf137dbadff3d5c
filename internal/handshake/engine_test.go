package handshake

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Khawar13/Secure-chat/internal/directory"
	"github.com/Khawar13/Secure-chat/internal/identity"
	"github.com/Khawar13/Secure-chat/internal/session"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, localID string, dir *directory.Memory) (*Engine, *session.Registry) {
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
	eng, err := New(Config{
		LocalID:  localID,
		Keys:     kp,
		Resolver: dir,
		Registry: reg,
		Log:      discardLogger(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng, reg
}

// pump delivers messages between engines until nothing is left in flight.
func pump(t *testing.T, engines map[string]*Engine, queue []wire.Message) {
	t.Helper()
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		eng, ok := engines[msg.Recipient()]
		if !ok {
			t.Fatalf("no engine for recipient %q", msg.Recipient())
		}
		out, err := eng.Handle(context.Background(), msg)
		if err != nil {
			t.Fatalf("handle %s for %s: %v", msg.MessageKind(), msg.Recipient(), err)
		}
		queue = append(queue, out...)
	}
}

func TestHandshakeEstablishesSharedKey(t *testing.T) {
	dir := directory.NewMemory()
	alice, regA := newTestEngine(t, "a1", dir)
	bob, regB := newTestEngine(t, "b1", dir)
	engines := map[string]*Engine{"a1": alice, "b1": bob}

	init, err := alice.Initiate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := alice.StateOf("b1"); got != StateAwaitingResponse {
		t.Fatalf("initiator state after initiate: %q", got)
	}

	pump(t, engines, []wire.Message{init})

	if got := alice.StateOf("b1"); got != StateEstablished {
		t.Fatalf("initiator state: %q", got)
	}
	if got := bob.StateOf("a1"); got != StateEstablished {
		t.Fatalf("responder state: %q", got)
	}

	keyA, ok := regA.Active("b1")
	if !ok {
		t.Fatalf("initiator committed no key")
	}
	keyB, ok := regB.Active("a1")
	if !ok {
		t.Fatalf("responder committed no key")
	}
	if !bytes.Equal(keyA.Bytes, keyB.Bytes) {
		t.Fatalf("the two sides derived different keys")
	}
	if keyA.ID != "a1:b1" {
		t.Fatalf("session id %q, want a1:b1", keyA.ID)
	}
}

func TestHandshakeTamperedEphemeralRejected(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := newTestEngine(t, "a1", dir)
	bob, regB := newTestEngine(t, "b1", dir)
	ctx := context.Background()

	init, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	init.EphemeralPublicKey[len(init.EphemeralPublicKey)-1] ^= 0x01

	out, err := bob.Handle(ctx, init)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("a rejected init must never be answered, got %d messages", len(out))
	}
	if got := bob.StateOf("a1"); got != StateAborted {
		t.Fatalf("responder state: %q", got)
	}
	if _, ok := regB.Active("a1"); ok {
		t.Fatalf("rejected handshake committed a key")
	}
}

func TestHandshakeStaleTimestampRejected(t *testing.T) {
	dir := directory.NewMemory()
	bob, _ := newTestEngine(t, "b1", dir)
	aliceKeys, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if err := dir.Register("a1", aliceKeys.PublicSPKI); err != nil {
		t.Fatalf("register: %v", err)
	}

	buildInit := func(ts int64) wire.HandshakeMessage {
		t.Helper()
		eph, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("ephemeral: %v", err)
		}
		ephSPKI, err := x509.MarshalPKIXPublicKey(eph.PublicKey())
		if err != nil {
			t.Fatalf("marshal ephemeral: %v", err)
		}
		nonce, err := wire.NewNonce()
		if err != nil {
			t.Fatalf("nonce: %v", err)
		}
		sig, err := aliceKeys.Sign(SigningBytes(ephSPKI, "b1", ts, nonce))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return wire.HandshakeMessage{
			Type:               wire.KindInit,
			SenderID:           "a1",
			RecipientID:        "b1",
			SenderPublicKey:    aliceKeys.PublicSPKI,
			EphemeralPublicKey: ephSPKI,
			Signature:          sig,
			Timestamp:          ts,
			Nonce:              nonce,
		}
	}

	ctx := context.Background()
	past := buildInit(wire.Now() - (6 * time.Minute).Milliseconds())
	if _, err := bob.Handle(ctx, past); !errors.Is(err, ErrTimestampExpired) {
		t.Fatalf("expected ErrTimestampExpired for an old init, got %v", err)
	}
	future := buildInit(wire.Now() + (6 * time.Minute).Milliseconds())
	if _, err := bob.Handle(ctx, future); !errors.Is(err, ErrTimestampExpired) {
		t.Fatalf("expected ErrTimestampExpired for a future init, got %v", err)
	}
}

func TestHandshakeConfirmationMismatchAborts(t *testing.T) {
	dir := directory.NewMemory()
	alice, regA := newTestEngine(t, "a1", dir)
	bob, regB := newTestEngine(t, "b1", dir)
	engines := map[string]*Engine{"a1": alice, "b1": bob}
	ctx := context.Background()

	init, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	outB, err := bob.Handle(ctx, init)
	if err != nil {
		t.Fatalf("responder handling init: %v", err)
	}
	if len(outB) != 2 {
		t.Fatalf("responder sent %d messages, want response+confirmation", len(outB))
	}
	response := outB[0].(wire.HandshakeMessage)
	confirmB := outB[1].(wire.ConfirmationMessage)

	outA, err := alice.Handle(ctx, response)
	if err != nil {
		t.Fatalf("initiator handling response: %v", err)
	}
	confirmA := outA[0].(wire.ConfirmationMessage)

	// Flip one MAC byte on the way to the responder.
	confirmA.ConfirmationHash = append([]byte(nil), confirmA.ConfirmationHash...)
	confirmA.ConfirmationHash[0] ^= 0x01
	if _, err := bob.Handle(ctx, confirmA); !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expected ErrConfirmationFailed, got %v", err)
	}
	if got := bob.StateOf("a1"); got != StateAborted {
		t.Fatalf("responder state after mismatch: %q", got)
	}
	if _, ok := regB.Active("a1"); ok {
		t.Fatalf("aborted handshake committed a key")
	}

	// The genuine confirmation still establishes the initiator's side.
	if _, err := alice.Handle(ctx, confirmB); err != nil {
		t.Fatalf("initiator handling genuine confirmation: %v", err)
	}

	// A retry starts clean and completes for both.
	retry, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("retry initiate: %v", err)
	}
	pump(t, engines, []wire.Message{retry})
	keyA, _ := regA.Active("b1")
	keyB, ok := regB.Active("a1")
	if !ok || !bytes.Equal(keyA.Bytes, keyB.Bytes) {
		t.Fatalf("retry did not converge on one key")
	}
}

func TestHandshakeGlareBothEstablish(t *testing.T) {
	dir := directory.NewMemory()
	alice, regA := newTestEngine(t, "a1", dir)
	bob, regB := newTestEngine(t, "b1", dir)
	engines := map[string]*Engine{"a1": alice, "b1": bob}
	ctx := context.Background()

	initA, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("alice initiate: %v", err)
	}
	initB, err := bob.Initiate(ctx, "a1")
	if err != nil {
		t.Fatalf("bob initiate: %v", err)
	}

	// a1 sorts first, so alice ignores bob's init and keeps her own attempt.
	out, err := alice.Handle(ctx, initB)
	if err != nil {
		t.Fatalf("smaller id handling peer init: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("smaller id must stay quiet under glare, sent %d messages", len(out))
	}
	if got := alice.StateOf("b1"); got != StateAwaitingResponse {
		t.Fatalf("smaller id state: %q", got)
	}

	// b1 yields its own attempt and answers the canonical init.
	outB, err := bob.Handle(ctx, initA)
	if err != nil {
		t.Fatalf("larger id handling peer init: %v", err)
	}
	if len(outB) != 2 {
		t.Fatalf("larger id must respond, sent %d messages", len(outB))
	}
	if got := bob.StateOf("a1"); got != StateRespondedAwaitingConfirm {
		t.Fatalf("larger id state: %q", got)
	}

	pump(t, engines, outB)

	keyA, okA := regA.Active("b1")
	keyB, okB := regB.Active("a1")
	if !okA || !okB || !bytes.Equal(keyA.Bytes, keyB.Bytes) {
		t.Fatalf("glare resolution did not converge on one key")
	}
}

func TestHandshakeEarlyConfirmationHeld(t *testing.T) {
	dir := directory.NewMemory()
	alice, regA := newTestEngine(t, "a1", dir)
	bob, regB := newTestEngine(t, "b1", dir)
	ctx := context.Background()

	init, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	outB, err := bob.Handle(ctx, init)
	if err != nil {
		t.Fatalf("responder handling init: %v", err)
	}
	response := outB[0].(wire.HandshakeMessage)
	confirmB := outB[1].(wire.ConfirmationMessage)

	// The confirmation arrives before the response it depends on.
	if _, err := alice.Handle(ctx, confirmB); err != nil {
		t.Fatalf("early confirmation: %v", err)
	}
	if got := alice.StateOf("b1"); got != StateAwaitingResponse {
		t.Fatalf("confirmation settled before the response: %q", got)
	}

	outA, err := alice.Handle(ctx, response)
	if err != nil {
		t.Fatalf("initiator handling response: %v", err)
	}
	if got := alice.StateOf("b1"); got != StateEstablished {
		t.Fatalf("initiator state after reordered delivery: %q", got)
	}
	if _, err := bob.Handle(ctx, outA[0]); err != nil {
		t.Fatalf("responder handling confirmation: %v", err)
	}

	keyA, _ := regA.Active("b1")
	keyB, ok := regB.Active("a1")
	if !ok || !bytes.Equal(keyA.Bytes, keyB.Bytes) {
		t.Fatalf("reordered handshake did not converge on one key")
	}
}

func TestCancelDiscardsPendingAttempt(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := newTestEngine(t, "a1", dir)
	bob, _ := newTestEngine(t, "b1", dir)
	ctx := context.Background()

	init, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !alice.Cancel("b1") {
		t.Fatalf("cancel reported nothing pending")
	}
	if got := alice.StateOf("b1"); got != StateIdle {
		t.Fatalf("state after cancel: %q", got)
	}
	if alice.Cancel("b1") {
		t.Fatalf("second cancel should be a no-op")
	}

	// The peer's response to the canceled attempt has nowhere to land.
	outB, err := bob.Handle(ctx, init)
	if err != nil {
		t.Fatalf("responder handling init: %v", err)
	}
	if _, err := alice.Handle(ctx, outB[0]); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage for stale response, got %v", err)
	}
}

func TestInitiateGuards(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := newTestEngine(t, "a1", dir)
	ctx := context.Background()

	if _, err := alice.Initiate(ctx, ""); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("empty peer: %v", err)
	}
	if _, err := alice.Initiate(ctx, "a1"); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("self handshake: %v", err)
	}
	if _, err := alice.Initiate(ctx, "b1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := alice.Initiate(ctx, "b1"); !errors.Is(err, ErrHandshakeInFlight) {
		t.Fatalf("expected ErrHandshakeInFlight, got %v", err)
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	dir := directory.NewMemory()
	alice, _ := newTestEngine(t, "a1", dir)
	bob, _ := newTestEngine(t, "b1", dir)
	ctx := context.Background()

	init, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	outB, err := bob.Handle(ctx, init)
	if err != nil {
		t.Fatalf("responder handling init: %v", err)
	}
	response := outB[0]

	if _, err := alice.Handle(ctx, response); err != nil {
		t.Fatalf("first response: %v", err)
	}
	state := alice.StateOf("b1")

	if _, err := alice.Handle(ctx, response); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage for duplicate response, got %v", err)
	}
	if got := alice.StateOf("b1"); got != state {
		t.Fatalf("duplicate response tore state: %q -> %q", state, got)
	}
}

func TestRekeySupersedesActiveKey(t *testing.T) {
	dir := directory.NewMemory()
	alice, regA := newTestEngine(t, "a1", dir)
	bob, regB := newTestEngine(t, "b1", dir)
	engines := map[string]*Engine{"a1": alice, "b1": bob}
	ctx := context.Background()

	first, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	pump(t, engines, []wire.Message{first})
	oldKey, ok := regA.Active("b1")
	if !ok {
		t.Fatalf("first handshake committed no key")
	}
	oldBytes := append([]byte(nil), oldKey.Bytes...)

	second, err := alice.Initiate(ctx, "b1")
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	pump(t, engines, []wire.Message{second})

	newA, _ := regA.Active("b1")
	newB, ok := regB.Active("a1")
	if !ok || !bytes.Equal(newA.Bytes, newB.Bytes) {
		t.Fatalf("rekey did not converge on one key")
	}
	if bytes.Equal(oldBytes, newA.Bytes) {
		t.Fatalf("rekey reproduced the previous key")
	}
}
