package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Khawar13/Secure-chat/internal/directory"
	"github.com/Khawar13/Secure-chat/internal/identity"
	"github.com/Khawar13/Secure-chat/pkg/wire"
)

const (
	defaultPollWait = 25 * time.Second
	errorBackoff    = time.Second
)

// Client talks to a relay Server over HTTP. It implements both Relay and
// directory.Resolver, so one base URL covers message transport and key
// lookup.
type Client struct {
	base string
	http *http.Client
	wait time.Duration
}

func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: http.DefaultClient,
		wait: defaultPollWait,
	}
}

// directoryEntry is the JSON body of the directory endpoints.
type directoryEntry struct {
	PartyID   string `json:"partyId"`
	PublicKey []byte `json:"publicKey"`
}

func (c *Client) Publish(ctx context.Context, msg wire.Message) error {
	if err := wire.Validate(msg); err != nil {
		return err
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	path := "/v1/messages/" + url.PathEscape(msg.Recipient())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusTooManyRequests:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(reason)))
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("relay post %s: %s", path, resp.Status)
	}
	return nil
}

// Subscribe long-polls the recipient's mailbox until cancel is called.
// Transport errors back off and retry; the subscription survives relay
// restarts.
func (c *Client) Subscribe(recipientID string, handler Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	go c.poll(ctx, recipientID, handler)
	return cancel, nil
}

func (c *Client) poll(ctx context.Context, recipientID string, handler Handler) {
	path := "/v1/messages/" + url.PathEscape(recipientID) + "?wait=" + c.wait.String()
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := c.fetch(ctx, path)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}
		for _, raw := range batch {
			handler(ctx, []byte(raw))
		}
	}
}

func (c *Client) fetch(ctx context.Context, path string) ([]json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.wait+5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("relay get %s: %s", path, resp.Status)
	}
	var batch []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Register publishes the party's identity public key to the relay
// directory. The relay pins the first key it sees; re-registering the same
// key is idempotent and a different key fails with directory.ErrKeyChanged.
func (c *Client) Register(ctx context.Context, partyID string, spki []byte) error {
	body, err := json.Marshal(directoryEntry{PartyID: partyID, PublicKey: spki})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/directory", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return directory.ErrKeyChanged
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("relay post /v1/directory: %s", resp.Status)
	}
	return nil
}

// ResolvePublicKey implements directory.Resolver against the relay's
// directory endpoint.
func (c *Client) ResolvePublicKey(ctx context.Context, partyID string) (*ecdsa.PublicKey, error) {
	path := "/v1/directory/" + url.PathEscape(partyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, directory.ErrUnknownParty
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("relay get %s: %s", path, resp.Status)
	}
	var entry directoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, err
	}
	return identity.ParsePublicKey(entry.PublicKey)
}

var (
	_ Relay              = (*Client)(nil)
	_ directory.Resolver = (*Client)(nil)
)
