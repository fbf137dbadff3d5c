// Package handshake runs the signed ephemeral-ECDH key exchange between two
// parties. One Engine serves one endpoint identity; it keeps a state machine
// per peer, covering both the initiating and the responding role, and hands
// every confirmed key to the session registry.
package handshake

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Khawar13/Secure-chat/internal/directory"
	"github.com/Khawar13/Secure-chat/internal/identity"
	"github.com/Khawar13/Secure-chat/internal/session"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

var (
	ErrInvalidSignature   = errors.New("handshake signature invalid")
	ErrTimestampExpired   = errors.New("handshake timestamp outside window")
	ErrConfirmationFailed = errors.New("key confirmation failed")
	ErrHandshakeInFlight  = errors.New("handshake already in flight")
	ErrUnexpectedMessage  = errors.New("unexpected handshake message")
	ErrInvalidPeer        = errors.New("invalid peer id")
	ErrInvalidEphemeral   = errors.New("invalid ephemeral public key")
)

// DefaultWindow bounds how far a handshake timestamp may drift from local
// time in either direction.
const DefaultWindow = 5 * time.Minute

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type State string

const (
	StateIdle                     State = "idle"
	StateAwaitingResponse         State = "awaiting_response"
	StateAwaitingConfirmAck       State = "awaiting_confirm_ack"
	StateRespondedAwaitingConfirm State = "responded_awaiting_confirm"
	StateEstablished              State = "established"
	StateAborted                  State = "aborted"
)

// attempt is the per-peer handshake state. All transitions for one peer
// serialize on its mutex, so inbound and outbound progressions can never
// tear a transition.
type attempt struct {
	mu           sync.Mutex
	role         Role
	state        State
	abortReason  error
	ephemeral    *ecdh.PrivateKey // dropped the moment the secret is derived
	initNonce    []byte           // the Init's nonce; originalNonce for confirmations
	candidate    *session.Key     // derived but not yet confirmed
	earlyConfirm *wire.ConfirmationMessage
}

func (a *attempt) live() bool {
	switch a.state {
	case StateAwaitingResponse, StateAwaitingConfirmAck, StateRespondedAwaitingConfirm:
		return true
	default:
		return false
	}
}

func (a *attempt) resetLocked() {
	a.role = ""
	a.state = StateIdle
	a.abortReason = nil
	a.ephemeral = nil
	a.initNonce = nil
	a.candidate = nil
	a.earlyConfirm = nil
}

func (a *attempt) abortLocked(reason error) {
	a.resetLocked()
	a.state = StateAborted
	a.abortReason = reason
}

type Config struct {
	LocalID  string
	Keys     *identity.KeyPair
	Resolver directory.Resolver
	Registry *session.Registry
	Window   time.Duration // 0 means DefaultWindow
	Log      *slog.Logger
}

type Engine struct {
	localID  string
	keys     *identity.KeyPair
	resolver directory.Resolver
	registry *session.Registry
	window   time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
}

func New(cfg Config) (*Engine, error) {
	if cfg.LocalID == "" {
		return nil, errors.New("handshake engine requires a local party id")
	}
	if cfg.Keys == nil {
		return nil, identity.ErrIdentityKeyMissing
	}
	if cfg.Resolver == nil {
		return nil, errors.New("handshake engine requires a key resolver")
	}
	if cfg.Registry == nil {
		return nil, errors.New("handshake engine requires a session registry")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Engine{
		localID:  cfg.LocalID,
		keys:     cfg.Keys,
		resolver: cfg.Resolver,
		registry: cfg.Registry,
		window:   cfg.Window,
		log:      cfg.Log,
		attempts: make(map[string]*attempt),
	}, nil
}

// Initiate starts a fresh handshake with the peer and returns the signed
// Init message for the caller to publish. The attempt's ephemeral private
// key and nonce stay pending until the Response arrives.
func (e *Engine) Initiate(ctx context.Context, peerID string) (wire.HandshakeMessage, error) {
	if peerID == "" || peerID == e.localID {
		return wire.HandshakeMessage{}, ErrInvalidPeer
	}
	a := e.attemptFor(peerID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live() {
		return wire.HandshakeMessage{}, ErrHandshakeInFlight
	}

	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return wire.HandshakeMessage{}, err
	}
	msg, err := e.buildHandshake(wire.KindInit, peerID, eph.PublicKey())
	if err != nil {
		return wire.HandshakeMessage{}, err
	}

	a.resetLocked()
	a.role = RoleInitiator
	a.state = StateAwaitingResponse
	a.ephemeral = eph
	a.initNonce = append([]byte(nil), msg.Nonce...)

	e.log.Debug("handshake initiated", "peer_id", peerID)
	return msg, nil
}

// Handle dispatches one inbound handshake-phase message and returns any
// messages to send back. The caller is expected to have run the message
// past the replay guard already.
func (e *Engine) Handle(ctx context.Context, msg wire.Message) ([]wire.Message, error) {
	switch m := msg.(type) {
	case wire.HandshakeMessage:
		if m.Type == wire.KindInit {
			return e.handleInit(ctx, m)
		}
		return e.handleResponse(ctx, m)
	case wire.ConfirmationMessage:
		return nil, e.handleConfirmation(m)
	default:
		return nil, ErrUnexpectedMessage
	}
}

// Cancel discards any pending attempt with the peer. Nonces already
// consumed by the guard stay consumed; a later retry uses fresh ones.
func (e *Engine) Cancel(peerID string) bool {
	a := e.attemptFor(peerID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live() {
		return false
	}
	a.resetLocked()
	e.log.Debug("handshake canceled", "peer_id", peerID)
	return true
}

// StateOf reports the current handshake state for the peer, StateIdle when
// no attempt exists.
func (e *Engine) StateOf(peerID string) State {
	e.mu.Lock()
	a, ok := e.attempts[peerID]
	e.mu.Unlock()
	if !ok {
		return StateIdle
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == "" {
		return StateIdle
	}
	return a.state
}

func (e *Engine) handleInit(ctx context.Context, m wire.HandshakeMessage) ([]wire.Message, error) {
	if m.RecipientID != e.localID {
		return nil, ErrUnexpectedMessage
	}
	a := e.attemptFor(m.SenderID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := e.verifyHandshake(ctx, m); err != nil {
		// A forged or stale Init never clobbers a live attempt, and is
		// never answered.
		if !a.live() {
			a.abortLocked(err)
		}
		e.log.LogAttrs(ctx, slog.LevelWarn, "inbound init rejected",
			slog.Bool("security_event", true),
			slog.String("sender_id", m.SenderID),
			slog.String("reason", err.Error()))
		return nil, err
	}

	// Glare: both sides initiated. The lexicographically smaller id stays
	// the initiator; the larger id abandons its own attempt and responds.
	if a.state == StateAwaitingResponse && a.role == RoleInitiator {
		if e.localID < m.SenderID {
			e.log.Debug("glare: ignoring peer init", "peer_id", m.SenderID)
			return nil, nil
		}
		e.log.Debug("glare: yielding to peer init", "peer_id", m.SenderID)
	}

	peerEph, err := parseEphemeralKey(m.EphemeralPublicKey)
	if err != nil {
		if !a.live() {
			a.abortLocked(err)
		}
		return nil, err
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	resp, err := e.buildHandshake(wire.KindResponse, m.SenderID, eph.PublicKey())
	if err != nil {
		return nil, err
	}
	secret, err := eph.ECDH(peerEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEphemeral, err)
	}
	// Salt order is fixed by protocol: the Init's nonce first, the
	// Response's nonce second.
	key, err := session.Derive(secret, m.Nonce, resp.Nonce, e.localID, m.SenderID)
	if err != nil {
		return nil, err
	}
	confirm, err := session.Confirm(key, e.localID, m.SenderID, m.Nonce)
	if err != nil {
		return nil, err
	}

	a.resetLocked()
	a.role = RoleResponder
	a.state = StateRespondedAwaitingConfirm
	a.initNonce = append([]byte(nil), m.Nonce...)
	a.candidate = key

	e.log.Debug("handshake responding", "peer_id", m.SenderID)
	return []wire.Message{resp, confirm}, nil
}

func (e *Engine) handleResponse(ctx context.Context, m wire.HandshakeMessage) ([]wire.Message, error) {
	if m.RecipientID != e.localID {
		return nil, ErrUnexpectedMessage
	}
	a := e.attemptFor(m.SenderID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateAwaitingResponse || a.role != RoleInitiator {
		return nil, ErrUnexpectedMessage
	}
	if err := e.verifyHandshake(ctx, m); err != nil {
		a.abortLocked(err)
		e.log.LogAttrs(ctx, slog.LevelWarn, "handshake response rejected",
			slog.Bool("security_event", true),
			slog.String("sender_id", m.SenderID),
			slog.String("reason", err.Error()))
		return nil, err
	}
	peerEph, err := parseEphemeralKey(m.EphemeralPublicKey)
	if err != nil {
		a.abortLocked(err)
		return nil, err
	}
	secret, err := a.ephemeral.ECDH(peerEph)
	if err != nil {
		a.abortLocked(err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEphemeral, err)
	}
	a.ephemeral = nil

	key, err := session.Derive(secret, a.initNonce, m.Nonce, e.localID, m.SenderID)
	if err != nil {
		a.abortLocked(err)
		return nil, err
	}
	confirm, err := session.Confirm(key, e.localID, m.SenderID, a.initNonce)
	if err != nil {
		a.abortLocked(err)
		return nil, err
	}

	a.candidate = key
	a.state = StateAwaitingConfirmAck

	// The peer's confirmation may have outrun the Response; settle it now
	// that the candidate key exists.
	if a.earlyConfirm != nil {
		early := *a.earlyConfirm
		a.earlyConfirm = nil
		if err := e.confirmLocked(a, m.SenderID, early); err != nil {
			return nil, err
		}
	}
	return []wire.Message{confirm}, nil
}

func (e *Engine) handleConfirmation(m wire.ConfirmationMessage) error {
	if m.RecipientID != e.localID {
		return ErrUnexpectedMessage
	}
	a := e.attemptFor(m.SenderID)
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateAwaitingResponse:
		// Unordered delivery: their confirmation beat the Response. Hold
		// it until the candidate key exists.
		held := m
		a.earlyConfirm = &held
		return nil
	case StateAwaitingConfirmAck, StateRespondedAwaitingConfirm:
		return e.confirmLocked(a, m.SenderID, m)
	default:
		return ErrUnexpectedMessage
	}
}

// confirmLocked settles the peer's confirmation against the candidate key.
// The attempt mutex must be held.
func (e *Engine) confirmLocked(a *attempt, peerID string, m wire.ConfirmationMessage) error {
	if !session.VerifyConfirmation(a.candidate, m) {
		a.abortLocked(ErrConfirmationFailed)
		e.log.LogAttrs(context.Background(), slog.LevelWarn, "key confirmation failed",
			slog.Bool("security_event", true),
			slog.String("sender_id", peerID))
		return ErrConfirmationFailed
	}
	if err := e.registry.Commit(peerID, a.candidate); err != nil {
		a.abortLocked(err)
		return err
	}
	a.candidate = nil
	a.state = StateEstablished
	e.log.Info("session established", "peer_id", peerID)
	return nil
}

func (e *Engine) attemptFor(peerID string) *attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.attempts[peerID]
	if !ok {
		a = &attempt{state: StateIdle}
		e.attempts[peerID] = a
	}
	return a
}

// verifyHandshake checks the timestamp window and the identity signature of
// an inbound Init or Response against the sender's published key.
func (e *Engine) verifyHandshake(ctx context.Context, m wire.HandshakeMessage) error {
	drift := time.Since(wire.TimeOf(m.Timestamp))
	if drift > e.window || drift < -e.window {
		return ErrTimestampExpired
	}
	pub, err := e.resolver.ResolvePublicKey(ctx, m.SenderID)
	if err != nil {
		return fmt.Errorf("resolve sender key: %w", err)
	}
	preimage := SigningBytes(m.EphemeralPublicKey, m.RecipientID, m.Timestamp, m.Nonce)
	if !identity.Verify(pub, preimage, m.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// buildHandshake assembles and signs an outbound Init or Response carrying
// the given ephemeral public key.
func (e *Engine) buildHandshake(kind wire.Kind, recipientID string, ephPub *ecdh.PublicKey) (wire.HandshakeMessage, error) {
	ephSPKI, err := x509.MarshalPKIXPublicKey(ephPub)
	if err != nil {
		return wire.HandshakeMessage{}, err
	}
	nonce, err := wire.NewNonce()
	if err != nil {
		return wire.HandshakeMessage{}, err
	}
	ts := wire.Now()
	sig, err := e.keys.Sign(SigningBytes(ephSPKI, recipientID, ts, nonce))
	if err != nil {
		return wire.HandshakeMessage{}, err
	}
	return wire.HandshakeMessage{
		Type:               kind,
		SenderID:           e.localID,
		RecipientID:        recipientID,
		SenderPublicKey:    append([]byte(nil), e.keys.PublicSPKI...),
		EphemeralPublicKey: ephSPKI,
		Signature:          sig,
		Timestamp:          ts,
		Nonce:              nonce,
	}, nil
}

// SigningBytes is the preimage both sides sign: the base64 ephemeral key,
// the id the message is addressed to, the decimal timestamp and the base64
// nonce, concatenated without separators.
func SigningBytes(ephemeralSPKI []byte, recipientID string, timestamp int64, nonce []byte) []byte {
	var b bytes.Buffer
	b.WriteString(base64.StdEncoding.EncodeToString(ephemeralSPKI))
	b.WriteString(recipientID)
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteString(base64.StdEncoding.EncodeToString(nonce))
	return b.Bytes()
}

// parseEphemeralKey decodes an SPKI ephemeral key, accepting only P-256.
func parseEphemeralKey(spki []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEphemeral, err)
	}
	switch pub := parsed.(type) {
	case *ecdsa.PublicKey:
		if pub.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: unexpected curve", ErrInvalidEphemeral)
		}
		ecdhPub, err := pub.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEphemeral, err)
		}
		return ecdhPub, nil
	case *ecdh.PublicKey:
		if pub.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: unexpected curve", ErrInvalidEphemeral)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: not an EC key", ErrInvalidEphemeral)
	}
}
