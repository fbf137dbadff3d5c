// Package guard enforces nonce uniqueness and monotonic ordering on every
// envelope admitted to the relay, and on everything an endpoint accepts
// from it.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Khawar13/Secure-chat/pkg/wire"
)

var (
	ErrTimestampOutOfRange   = errors.New("timestamp out of range")
	ErrReplayDetected        = errors.New("replay detected")
	ErrNonMonotonicSequence  = errors.New("non-monotonic sequence number")
	ErrNonMonotonicTimestamp = errors.New("non-monotonic timestamp")
)

const (
	DefaultWindow    = 5 * time.Minute
	DefaultRetention = 24 * time.Hour

	pruneInterval = time.Minute
)

// HandshakeSequence marks records for messages that carry no sequence
// number; ordering checks are skipped for them.
const HandshakeSequence int64 = -1

// Record is one admission request.
type Record struct {
	Nonce          []byte
	SenderID       string
	RecipientID    string
	SequenceNumber int64
	Timestamp      int64
}

// RecordOf extracts the guard record from any wire message. Handshake and
// confirmation messages are keyed by nonce and timestamp only.
func RecordOf(msg wire.Message) Record {
	switch m := msg.(type) {
	case wire.HandshakeMessage:
		return Record{Nonce: m.Nonce, SenderID: m.SenderID, RecipientID: m.RecipientID, SequenceNumber: HandshakeSequence, Timestamp: m.Timestamp}
	case wire.ConfirmationMessage:
		return Record{Nonce: m.ConfirmationNonce, SenderID: m.SenderID, RecipientID: m.RecipientID, SequenceNumber: HandshakeSequence, Timestamp: m.Timestamp}
	case wire.MessageEnvelope:
		return Record{Nonce: m.Nonce, SenderID: m.SenderID, RecipientID: m.RecipientID, SequenceNumber: m.SequenceNumber, Timestamp: m.Timestamp}
	case wire.FileEnvelope:
		return Record{Nonce: m.Nonce, SenderID: m.SenderID, RecipientID: m.RecipientID, SequenceNumber: m.SequenceNumber, Timestamp: m.Timestamp}
	}
	return Record{}
}

// Guard is the replay and ordering checkpoint. Admit is a single atomic
// check-and-record: concurrent admits of the same nonce, or of the same
// sequence slot for an ordered pair, can never both succeed.
type Guard struct {
	store     Store
	window    time.Duration
	retention time.Duration
	log       *slog.Logger

	mu sync.Mutex
}

func New(store Store, window, retention time.Duration, log *slog.Logger) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = slog.Default()
	}
	if count, err := store.NonceCount(); err == nil {
		nonceRecords.Add(float64(count))
	}
	return &Guard{store: store, window: window, retention: retention, log: log}
}

// Admit accepts rec or reports the typed rejection. A nonce consumed here
// stays consumed even when a later check rejects the record: a retry must
// always carry fresh material.
func (g *Guard) Admit(rec Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, err := g.admitLocked(rec, time.Now())
	admitTotal.WithLabelValues(result).Inc()
	return err
}

func (g *Guard) admitLocked(rec Record, now time.Time) (string, error) {
	if delta := now.Sub(wire.TimeOf(rec.Timestamp)); delta > g.window || delta < -g.window {
		g.securityEvent("message outside admission window", rec, slog.Duration("window", g.window))
		return "timestamp_out_of_range", ErrTimestampOutOfRange
	}

	seen, err := g.store.InsertNonce(rec.Nonce, now.Add(g.retention))
	if err != nil {
		return "store_error", err
	}
	if seen {
		g.securityEvent("replayed nonce rejected", rec)
		return "replay", ErrReplayDetected
	}
	nonceRecords.Inc()

	if rec.SequenceNumber < 0 {
		return "accepted", nil
	}

	pair := orderedPair(rec.SenderID, rec.RecipientID)
	last, ok, err := g.store.LastAccepted(pair)
	if err != nil {
		return "store_error", err
	}
	if ok && rec.SequenceNumber <= last.SequenceNumber {
		g.securityEvent("sequence number did not advance", rec, slog.Int64("last_sequence", last.SequenceNumber))
		return "sequence_regression", ErrNonMonotonicSequence
	}
	if ok && rec.Timestamp <= last.Timestamp {
		g.securityEvent("timestamp did not advance", rec, slog.Int64("last_timestamp", last.Timestamp))
		return "timestamp_regression", ErrNonMonotonicTimestamp
	}
	if err := g.store.SetLastAccepted(pair, Ordering{SequenceNumber: rec.SequenceNumber, Timestamp: rec.Timestamp}); err != nil {
		return "store_error", err
	}
	return "accepted", nil
}

// Run prunes expired nonce records until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Prune(time.Now())
		}
	}
}

// Prune drops nonce records whose retention expired at now.
func (g *Guard) Prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed, err := g.store.PruneExpired(now)
	if err != nil {
		g.log.Error("nonce prune failed", "error", err)
		return
	}
	if removed > 0 {
		nonceRecords.Sub(float64(removed))
		g.log.Debug("expired nonce records pruned", "removed", removed)
	}
}

func (g *Guard) Close() error {
	return g.store.Close()
}

// Rejections indicate an active attack or a duplicating relay, so they log
// distinctly from ordinary errors.
func (g *Guard) securityEvent(msg string, rec Record, extra ...slog.Attr) {
	attrs := append([]slog.Attr{
		slog.Bool("security_event", true),
		slog.String("sender_id", rec.SenderID),
		slog.String("recipient_id", rec.RecipientID),
		slog.Int64("sequence", rec.SequenceNumber),
		slog.Int64("timestamp", rec.Timestamp),
	}, extra...)
	g.log.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

func orderedPair(senderID, recipientID string) string {
	return senderID + ">" + recipientID
}
