package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
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

var (
	ErrNoSessionKey   = errors.New("no confirmed session key for this peer")
	ErrWrongRecipient = errors.New("message addressed to another party")
	ErrSenderMismatch = errors.New("envelope sender mismatch")
	ErrFileTooLarge   = errors.New("file exceeds maximum size")
	ErrClosed         = errors.New("service is closed")
)

const (
	PublishTimeout      = 5 * time.Second
	MaxFileBytes        = 16 << 20 // 16 MiB
	DefaultEventBacklog = 256
)

type Config struct {
	LocalID  string
	Keys     *identity.KeyPair
	Registry *session.Registry
	Resolver directory.Resolver
	Relay    relay.Relay
	Guard    *guard.Guard

	// Window bounds handshake timestamp freshness, 0 means
	// handshake.DefaultWindow.
	Window time.Duration
	// EventBacklog is the hub replay size, 0 means DefaultEventBacklog.
	EventBacklog int
	// OnMessage, when set, is invoked synchronously for every decrypted
	// inbound message or file.
	OnMessage func(Inbound)
	Log       *slog.Logger
}

// Service is the core of one party: it initiates and answers handshakes,
// seals outbound traffic under committed session keys and opens inbound
// traffic after guard admission.
type Service struct {
	localID   string
	relay     relay.Relay
	guard     *guard.Guard
	engine    *handshake.Engine
	registry  *session.Registry
	hub       *Hub
	onMessage func(Inbound)
	log       *slog.Logger

	// sendMu serializes sequence assignment through publish so envelopes
	// leave in sequence order per sender.
	sendMu   sync.Mutex
	lastSent map[string]int64

	mu      sync.Mutex
	running bool
	closed  bool
	done    chan struct{}
}

func New(cfg Config) (*Service, error) {
	if cfg.Relay == nil {
		return nil, errors.New("service requires a relay")
	}
	if cfg.Guard == nil {
		return nil, errors.New("service requires a guard")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.EventBacklog <= 0 {
		cfg.EventBacklog = DefaultEventBacklog
	}
	eng, err := handshake.New(handshake.Config{
		LocalID:  cfg.LocalID,
		Keys:     cfg.Keys,
		Resolver: cfg.Resolver,
		Registry: cfg.Registry,
		Window:   cfg.Window,
		Log:      cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		localID:   cfg.LocalID,
		relay:     cfg.Relay,
		guard:     cfg.Guard,
		engine:    eng,
		registry:  cfg.Registry,
		hub:       NewHub(cfg.EventBacklog),
		onMessage: cfg.OnMessage,
		log:       cfg.Log,
		lastSent:  make(map[string]int64),
		done:      make(chan struct{}),
	}, nil
}

// Events exposes the service event hub for subscription.
func (s *Service) Events() *Hub {
	return s.hub
}

// Run subscribes to the relay and processes inbound traffic until ctx is
// canceled or the service is closed.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("service already running")
	}
	s.running = true
	s.mu.Unlock()

	cancel, err := s.relay.Subscribe(s.localID, s.handleRaw)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()

	go s.guard.Run(ctx)
	s.log.Info("service running", "party_id", s.localID)

	select {
	case <-ctx.Done():
	case <-s.done:
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Close stops a running service and releases the guard store. It is safe to
// call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.guard.Close()
}

// InitiateHandshake starts a key exchange with the recipient and publishes
// the signed Init. A publish failure discards the pending attempt; the spent
// nonce is not reused on retry.
func (s *Service) InitiateHandshake(ctx context.Context, recipientID string) error {
	msg, err := s.engine.Initiate(ctx, recipientID)
	if err != nil {
		return err
	}
	if err := s.publish(ctx, msg); err != nil {
		s.engine.Cancel(recipientID)
		return fmt.Errorf("publish handshake init: %w", err)
	}
	return nil
}

// CancelHandshake abandons an in-flight attempt with the peer, if any.
func (s *Service) CancelHandshake(peerID string) bool {
	return s.engine.Cancel(peerID)
}

// HandshakeState reports the current handshake state for the peer.
func (s *Service) HandshakeState(peerID string) handshake.State {
	return s.engine.StateOf(peerID)
}

// HandleIncoming decodes one raw relay delivery, admits it through the
// guard and dispatches it by kind. Guard rejections come back as the typed
// guard errors; nothing is decrypted before admission.
func (s *Service) HandleIncoming(ctx context.Context, raw []byte) error {
	msg, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	if msg.Recipient() != s.localID {
		return ErrWrongRecipient
	}
	if err := s.guard.Admit(guard.RecordOf(msg)); err != nil {
		// The guard has already logged the security event.
		return err
	}

	switch m := msg.(type) {
	case wire.HandshakeMessage, wire.ConfirmationMessage:
		return s.handleHandshake(ctx, msg)
	case wire.MessageEnvelope:
		return s.openMessage(ctx, m)
	case wire.FileEnvelope:
		return s.openFile(ctx, m)
	default:
		return fmt.Errorf("%w: %q", wire.ErrUnknownType, msg.MessageKind())
	}
}

// EncryptForSend seals plaintext for the recipient under the committed
// session key, stamps the next sequence number and a strictly advancing
// timestamp, and publishes the envelope.
func (s *Service) EncryptForSend(ctx context.Context, recipientID string, plaintext []byte) (wire.MessageEnvelope, error) {
	key, ok := s.registry.Active(recipientID)
	if !ok {
		return wire.MessageEnvelope{}, ErrNoSessionKey
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq, err := s.registry.NextSequence(recipientID)
	if err != nil {
		return wire.MessageEnvelope{}, err
	}
	env, err := envelope.SealMessage(key, s.localID, recipientID, seq, plaintext)
	if err != nil {
		return wire.MessageEnvelope{}, err
	}
	env.Timestamp = s.stampLocked(recipientID, env.Timestamp)
	if err := s.publish(ctx, env); err != nil {
		return wire.MessageEnvelope{}, fmt.Errorf("publish message: %w", err)
	}
	return env, nil
}

// SendFile seals a complete file for the recipient. Filename and size ride
// in the clear alongside the sealed contents.
func (s *Service) SendFile(ctx context.Context, recipientID, filename string, data []byte) (wire.FileEnvelope, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return wire.FileEnvelope{}, errors.New("filename is required")
	}
	if len(data) > MaxFileBytes {
		return wire.FileEnvelope{}, ErrFileTooLarge
	}
	key, ok := s.registry.Active(recipientID)
	if !ok {
		return wire.FileEnvelope{}, ErrNoSessionKey
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq, err := s.registry.NextSequence(recipientID)
	if err != nil {
		return wire.FileEnvelope{}, err
	}
	env, err := envelope.SealFile(key, s.localID, recipientID, seq, filename, data)
	if err != nil {
		return wire.FileEnvelope{}, err
	}
	env.Timestamp = s.stampLocked(recipientID, env.Timestamp)
	if err := s.publish(ctx, env); err != nil {
		return wire.FileEnvelope{}, fmt.Errorf("publish file: %w", err)
	}
	return env, nil
}

// DecryptReceived admits an envelope held by the caller and opens it. An
// authentication failure discards the message, never the session.
func (s *Service) DecryptReceived(ctx context.Context, senderID string, env wire.MessageEnvelope) ([]byte, error) {
	if env.SenderID != senderID {
		return nil, ErrSenderMismatch
	}
	if env.RecipientID != s.localID {
		return nil, ErrWrongRecipient
	}
	if err := s.guard.Admit(guard.RecordOf(env)); err != nil {
		return nil, err
	}
	key, ok := s.registry.Active(senderID)
	if !ok {
		return nil, ErrNoSessionKey
	}
	return envelope.OpenMessage(key, env)
}

// DecryptFile is DecryptReceived for the file wire variant.
func (s *Service) DecryptFile(ctx context.Context, senderID string, env wire.FileEnvelope) ([]byte, error) {
	if env.SenderID != senderID {
		return nil, ErrSenderMismatch
	}
	if env.RecipientID != s.localID {
		return nil, ErrWrongRecipient
	}
	if err := s.guard.Admit(guard.RecordOf(env)); err != nil {
		return nil, err
	}
	key, ok := s.registry.Active(senderID)
	if !ok {
		return nil, ErrNoSessionKey
	}
	return envelope.OpenFile(key, env)
}

func (s *Service) handleRaw(ctx context.Context, raw []byte) {
	if err := s.HandleIncoming(ctx, raw); err != nil {
		// Security events are logged where they are detected; this is
		// only the drop notice.
		s.log.Debug("inbound message dropped", "error", err.Error())
	}
}

func (s *Service) handleHandshake(ctx context.Context, msg wire.Message) error {
	peer := msg.Sender()
	out, err := s.engine.Handle(ctx, msg)
	if err != nil {
		if s.engine.StateOf(peer) == handshake.StateAborted {
			s.hub.Publish(EventHandshakeFailed, SessionChange{PeerID: peer, Reason: err.Error()})
		}
		return err
	}
	for _, reply := range out {
		if err := s.publish(ctx, reply); err != nil {
			return fmt.Errorf("publish %s: %w", reply.MessageKind(), err)
		}
	}
	if s.engine.StateOf(peer) == handshake.StateEstablished {
		s.hub.Publish(EventSessionEstablished, SessionChange{PeerID: peer})
	}
	return nil
}

func (s *Service) openMessage(ctx context.Context, env wire.MessageEnvelope) error {
	key, ok := s.registry.Active(env.SenderID)
	if !ok {
		return ErrNoSessionKey
	}
	plain, err := envelope.OpenMessage(key, env)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "inbound message failed authentication",
			slog.Bool("security_event", true),
			slog.String("sender_id", env.SenderID))
		return err
	}
	s.deliver(EventMessageReceived, Inbound{
		SenderID:  env.SenderID,
		Plaintext: plain,
		Sequence:  env.SequenceNumber,
		Timestamp: env.Timestamp,
	})
	return nil
}

func (s *Service) openFile(ctx context.Context, env wire.FileEnvelope) error {
	key, ok := s.registry.Active(env.SenderID)
	if !ok {
		return ErrNoSessionKey
	}
	data, err := envelope.OpenFile(key, env)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "inbound file failed authentication",
			slog.Bool("security_event", true),
			slog.String("sender_id", env.SenderID))
		return err
	}
	s.deliver(EventFileReceived, Inbound{
		SenderID:  env.SenderID,
		Plaintext: data,
		Filename:  env.Filename,
		Size:      env.Size,
		Sequence:  env.SequenceNumber,
		Timestamp: env.Timestamp,
	})
	return nil
}

func (s *Service) deliver(method string, in Inbound) {
	s.hub.Publish(method, in)
	if s.onMessage != nil {
		s.onMessage(in)
	}
}

// stampLocked returns a timestamp that strictly advances past the last
// envelope sent to the peer, so two sends inside one millisecond still
// satisfy the receiver's ordering check. Callers hold sendMu.
func (s *Service) stampLocked(recipientID string, ts int64) int64 {
	if last := s.lastSent[recipientID]; ts <= last {
		ts = last + 1
	}
	s.lastSent[recipientID] = ts
	return ts
}

func (s *Service) publish(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	return s.relay.Publish(ctx, msg)
}
