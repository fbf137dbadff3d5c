package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Khawar13/Secure-chat/internal/directory"
	"github.com/Khawar13/Secure-chat/internal/guard"
	"github.com/Khawar13/Secure-chat/internal/platform/ratelimiter"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

const (
	DefaultListenAddr = "127.0.0.1:8484"

	// maxBodyBytes must fit a sealed file envelope after base64 expansion.
	maxBodyBytes = 32 << 20
	maxFetchWait = 30 * time.Second
	pollInterval = 200 * time.Millisecond
)

// Server is the relay side of the protocol: a store-and-forward mailbox per
// recipient with the admission guard in front of it, plus the public-key
// directory. It handles ciphertext and routing metadata only.
type Server struct {
	httpServer *http.Server
	guard      *guard.Guard
	limiter    *ratelimiter.Limiter
	directory  *directory.Memory
	log        *slog.Logger

	mu        sync.Mutex
	mailboxes map[string][]json.RawMessage
}

func NewServer(addr string, g *guard.Guard, limiter *ratelimiter.Limiter, log *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultListenAddr
	}
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		guard:     g,
		limiter:   limiter,
		directory: directory.NewMemory(),
		log:       log,
		mailboxes: make(map[string][]json.RawMessage),
	}
	mux.HandleFunc("/v1/messages/", s.handleMessages)
	mux.HandleFunc("/v1/directory", s.handleDirectoryRegister)
	mux.HandleFunc("/v1/directory/", s.handleDirectoryLookup)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Handler exposes the routing table so tests can drive the server through
// httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	if s.guard != nil {
		go s.guard.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.log.Info("relay listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	recipient := strings.TrimSpace(strings.TrimPrefix(path.Clean(r.URL.Path), "/v1/messages/"))
	if recipient == "" || recipient == "." || strings.Contains(recipient, "/") {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handlePublish(w, r, recipient)
	case http.MethodGet:
		s.handleFetch(w, r, recipient)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, recipient string) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		publishTotal.WithLabelValues("oversize").Inc()
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := wire.Decode(body)
	if err != nil {
		publishTotal.WithLabelValues("malformed").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.Recipient() != recipient {
		publishTotal.WithLabelValues("malformed").Inc()
		http.Error(w, ErrRecipientMismatch.Error(), http.StatusBadRequest)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(msg.Sender(), time.Now()) {
		publishTotal.WithLabelValues("rate_limited").Inc()
		s.log.Warn("publish rate limited", "sender_id", msg.Sender())
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if s.guard != nil {
		// The guard logs rejections itself as security events.
		if err := s.guard.Admit(guard.RecordOf(msg)); err != nil {
			publishTotal.WithLabelValues("guard_rejected").Inc()
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	}

	s.mu.Lock()
	if len(s.mailboxes[recipient]) >= maxMailbox {
		s.mu.Unlock()
		publishTotal.WithLabelValues("mailbox_full").Inc()
		http.Error(w, ErrMailboxFull.Error(), http.StatusServiceUnavailable)
		return
	}
	s.mailboxes[recipient] = append(s.mailboxes[recipient], json.RawMessage(body))
	s.mu.Unlock()
	mailboxDepth.Inc()
	publishTotal.WithLabelValues("accepted").Inc()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, recipient string) {
	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		if d > maxFetchWait {
			d = maxFetchWait
		}
		wait = d
	}

	batch := s.drain(recipient)
	if len(batch) == 0 && wait > 0 {
		deadline := time.Now().Add(wait)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for len(batch) == 0 && time.Now().Before(deadline) {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				batch = s.drain(recipient)
			}
		}
	}

	if batch == nil {
		batch = []json.RawMessage{}
	}
	deliveredTotal.Add(float64(len(batch)))
	mailboxDepth.Sub(float64(len(batch)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batch)
}

func (s *Server) drain(recipient string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.mailboxes[recipient]
	delete(s.mailboxes, recipient)
	return batch
}

func (s *Server) handleDirectoryRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var entry directoryEntry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&entry); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry.PartyID = strings.TrimSpace(entry.PartyID)
	if entry.PartyID == "" || len(entry.PublicKey) == 0 {
		http.Error(w, "partyId and publicKey are required", http.StatusBadRequest)
		return
	}
	if err := s.directory.Register(entry.PartyID, entry.PublicKey); err != nil {
		if errors.Is(err, directory.ErrKeyChanged) {
			s.log.Warn("directory key change rejected",
				"party_id", entry.PartyID, "security_event", true)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectoryLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	party := strings.TrimSpace(strings.TrimPrefix(path.Clean(r.URL.Path), "/v1/directory/"))
	if party == "" || party == "." || strings.Contains(party, "/") {
		http.Error(w, "invalid party id", http.StatusBadRequest)
		return
	}
	spki, ok := s.directory.RegisteredSPKI(party)
	if !ok {
		http.Error(w, "unknown party", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(directoryEntry{PartyID: party, PublicKey: spki})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
