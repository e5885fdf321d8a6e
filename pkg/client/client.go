// Package client speaks the relay's WebSocket protocol: connect with an
// identity, wait for a match, then exchange negotiation messages with the
// matched partner.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"guffrelay/internal/core/domain"

	"github.com/gorilla/websocket"
)

var (
	// ErrAmbiguousRole is returned when both sides of a match carry the
	// client's identity, so it cannot tell which side it is.
	ErrAmbiguousRole = errors.New("both matched parties share this identity")
	ErrNotInMatch    = errors.New("identity is not part of the match")
)

// RefusedError is returned by Dial when the relay rejects the connection
// before the upgrade.
type RefusedError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Reason     string `json:"reason"`
}

func (e *RefusedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection refused (%d %s): %s: %s", e.StatusCode, e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("connection refused (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

type Options struct {
	// Username is sent as the identity query parameter.
	Username string
	// Token, when set, is sent as a bearer token and takes precedence on the
	// server over Username.
	Token string

	IdentityParam string // defaults to "username"
	Header        http.Header
	Dialer        *websocket.Dialer
}

type Client struct {
	conn     *websocket.Conn
	identity string

	writeMu sync.Mutex
}

// Message is one frame received from the relay.
type Message struct {
	Type string
	Raw  []byte
}

// Decode unmarshals the full message into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Raw, v)
}

// Match is a match event seen from one side.
type Match struct {
	domain.MatchEvent
	Self domain.Side
}

// Me returns this client's party.
func (m *Match) Me() domain.Party {
	if m.Self == domain.SideUser2 {
		return m.User2
	}
	return m.User1
}

// Partner returns the other party.
func (m *Match) Partner() domain.Party {
	if m.Self == domain.SideUser2 {
		return m.User1
	}
	return m.User2
}

// Offerer reports whether this side opens the negotiation. user1 sends the
// offer and user2 answers.
func (m *Match) Offerer() bool {
	return m.Self == domain.SideUser1
}

// Dial connects to a relay endpoint such as ws://host:8000/connection-request/.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	param := opts.IdentityParam
	if param == "" {
		param = "username"
	}
	q := u.Query()
	if opts.Username != "" {
		q.Set(param, opts.Username)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = v
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, refusal(resp)
		}
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	return &Client{conn: conn, identity: strings.TrimSpace(opts.Username)}, nil
}

func refusal(resp *http.Response) error {
	defer resp.Body.Close()

	refused := &RefusedError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(body, refused); err != nil {
		refused.Message = strings.TrimSpace(string(body))
	}
	refused.StatusCode = resp.StatusCode
	return refused
}

// SetIdentity overrides the identity used to find this client's side of a
// match. Token-authenticated clients call it with their username claim.
func (c *Client) SetIdentity(identity string) {
	c.identity = identity
}

// Next reads the next message. A deadline on ctx bounds the read.
func (c *Client) Next(ctx context.Context) (Message, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Message{}, err
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}

	var head struct {
		SignalType string `json:"signal_type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Message{}, fmt.Errorf("relay sent invalid json: %w", err)
	}
	return Message{Type: head.SignalType, Raw: raw}, nil
}

// WaitForMatch blocks until the relay pairs this client.
func (c *Client) WaitForMatch(ctx context.Context) (*Match, error) {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Type != domain.SignalTypeMatch {
			continue
		}

		var event domain.MatchEvent
		if err := msg.Decode(&event); err != nil {
			return nil, fmt.Errorf("invalid match event: %w", err)
		}
		side, err := sideOf(event, c.identity)
		if err != nil {
			return nil, err
		}
		return &Match{MatchEvent: event, Self: side}, nil
	}
}

func sideOf(event domain.MatchEvent, identity string) (domain.Side, error) {
	id := domain.Identity(identity)
	switch {
	case event.User1.Identity == id && event.User2.Identity == id:
		return domain.SideNone, ErrAmbiguousRole
	case event.User1.Identity == id:
		return domain.SideUser1, nil
	case event.User2.Identity == id:
		return domain.SideUser2, nil
	default:
		return domain.SideNone, ErrNotInMatch
	}
}

// Send forwards a negotiation message to the partner. payload must marshal to
// a JSON object; its fields are sent alongside signal_type, user1 and user2.
func (c *Client) Send(kind domain.SignalKind, match *Match, payload interface{}) error {
	if kind == domain.SignalUnknown {
		return domain.ErrUnknownSignalKind
	}

	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("payload must be a json object: %w", err)
		}
	}

	set := func(key string, v interface{}) {
		raw, _ := json.Marshal(v)
		fields[key] = raw
	}
	set("signal_type", kind.String())
	set("user1", match.User1)
	set("user2", match.User2)

	msg, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return c.SendRaw(msg)
}

// SendRaw writes a frame as is.
func (c *Client) SendRaw(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}
