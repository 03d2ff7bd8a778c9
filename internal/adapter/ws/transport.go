// Package ws implements the real-time transport over WebSocket. Each
// Connect dials one tenant channel; incoming frames carry a {type,
// payload} envelope whose payload is normalized to canonical field form
// before decoding.
package ws

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slotgrid/bookcore/internal/canon"
	"github.com/slotgrid/bookcore/internal/domain"
)

// Compile-time checks against the domain ports.
var (
	_ domain.RealtimeTransport = (*Transport)(nil)
	_ domain.RealtimeConn      = (*Conn)(nil)
)

// envelope is the wire frame for channel messages.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// joinMessage announces this client on the tenant channel so the server
// can include it in presence snapshots.
type joinMessage struct {
	Type     string         `json:"type"`
	ClientID string         `json:"client_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// presenceDoc is the wire form of one presence entry.
type presenceDoc struct {
	ClientID string         `json:"client_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Transport dials tenant sync channels on a remote rules service.
type Transport struct {
	baseURL  string
	dialer   *websocket.Dialer
	header   http.Header
	clientID string
	metadata map[string]any
}

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithHandshakeTimeout bounds the WebSocket handshake.
func WithHandshakeTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.dialer.HandshakeTimeout = d }
}

// WithHeader adds a header to every dial (e.g., authorization).
func WithHeader(key, value string) TransportOption {
	return func(t *Transport) { t.header.Set(key, value) }
}

// WithMetadata attaches client metadata announced on join.
func WithMetadata(md map[string]any) TransportOption {
	return func(t *Transport) { t.metadata = md }
}

// NewTransport creates a transport for the given base URL
// (e.g., "ws://rules.internal:7080"). A random client ID identifies
// this process in presence snapshots.
func NewTransport(baseURL string, opts ...TransportOption) (*Transport, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, fmt.Errorf("generating client id: %w", err)
	}

	t := &Transport{
		baseURL:  baseURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		header:   make(http.Header),
		clientID: clientID,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ClientID returns the identifier this transport announces on join.
func (t *Transport) ClientID() string {
	return t.clientID
}

// Connect dials the tenant's channel and announces this client.
func (t *Transport) Connect(ctx context.Context, tenantID string) (domain.RealtimeConn, error) {
	u := fmt.Sprintf("%s/tenants/%s/sync?client_id=%s",
		t.baseURL, url.PathEscape(tenantID), url.QueryEscape(t.clientID))

	conn, resp, err := t.dialer.DialContext(ctx, u, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", u, err)
	}

	join := joinMessage{Type: "join", ClientID: t.clientID, Metadata: t.metadata}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announcing client: %w", err)
	}

	return &Conn{conn: conn}, nil
}

// Conn is one live tenant channel.
type Conn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Receive blocks until the next decodable message. Frames with an
// unknown type are passed through undecoded so the caller can log them.
// Closing the connection (directly or via the caller's ctx watcher)
// unblocks the pending read.
func (c *Conn) Receive(ctx context.Context) (domain.SyncMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.SyncMessage{}, err
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.SyncMessage{}, ctxErr
		}
		return domain.SyncMessage{}, fmt.Errorf("reading channel frame: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.SyncMessage{}, fmt.Errorf("decoding channel envelope: %w", err)
	}

	switch domain.SyncMessageType(env.Type) {
	case domain.MessageRuleUpdate:
		rs, err := canon.DecodeRuleSet(env.Payload)
		if err != nil {
			return domain.SyncMessage{}, fmt.Errorf("decoding rule update: %w", err)
		}
		return domain.SyncMessage{Type: domain.MessageRuleUpdate, RuleSet: &rs}, nil

	case domain.MessagePresence:
		entries, err := decodePresence(env.Payload)
		if err != nil {
			return domain.SyncMessage{}, fmt.Errorf("decoding presence: %w", err)
		}
		return domain.SyncMessage{Type: domain.MessagePresence, Presence: entries}, nil

	default:
		return domain.SyncMessage{Type: domain.SyncMessageType(env.Type)}, nil
	}
}

// Close shuts the channel down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// decodePresence normalizes and decodes a presence snapshot payload.
func decodePresence(raw []byte) ([]domain.PresenceEntry, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(canon.Normalize(payload, true))
	if err != nil {
		return nil, err
	}

	var docs []presenceDoc
	if err := json.Unmarshal(normalized, &docs); err != nil {
		return nil, err
	}

	entries := make([]domain.PresenceEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, domain.PresenceEntry{ClientID: d.ClientID, Metadata: d.Metadata})
	}
	return entries, nil
}

// generateClientID produces a random hex identifier.
func generateClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return string(out), nil
}
