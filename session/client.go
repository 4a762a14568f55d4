// Package session wraps one participant's connection to the relay for one
// game session. It exposes best-effort send, ordered event subscription and
// an idempotent teardown; delivery guarantees beyond that belong to the
// protocol layer above it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fairgame-ops/highcard/relay"
)

// EventConnected fires once the underlying transport is up and the room has
// been joined. It is a liveness signal only: the opponent may not be present
// yet, so protocol synchronization must hinge on commit receipt instead.
const EventConnected = "connected"

// Handler receives the payload of an inbound message. Handlers run
// synchronously on the read loop, in registration order.
type Handler func(payload json.RawMessage)

type subscription struct {
	id int
	fn Handler
}

// Client is a per-participant, per-session relay connection.
type Client struct {
	log  *slog.Logger
	self string

	// writeMu serializes writers on the websocket, which allows only one
	// concurrent writer.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	gameID    uint64
	opponent  string
	handlers  map[string][]subscription
	nextSubID int
	connected bool
	closed    bool
}

// New creates a client for the given participant address. Subscribe before
// calling Connect so the connected event is not missed.
func New(self string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:      log,
		self:     self,
		handlers: make(map[string][]subscription),
	}
}

// Self returns the local participant address.
func (c *Client) Self() string {
	return c.self
}

// Connect dials the relay, joins the session room and starts the read loop.
// The connected event is emitted from the read loop once the join frame is
// on the wire.
func (c *Client) Connect(ctx context.Context, relayURL string, gameID uint64, opponent string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("session is torn down")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("session already connected")
	}
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", relayURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	join := relay.Envelope{GameID: gameID, From: c.self, Type: relay.TypeJoin}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return fmt.Errorf("join room %d: %w", gameID, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.gameID = gameID
	c.opponent = opponent
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send publishes a message to the opponent. It is fire-and-forget: when the
// session is not connected the message is logged and dropped, never surfaced
// as an error, so the caller must not assume delivery either way.
func (c *Client) Send(msgType relay.MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("dropping unencodable message", "type", msgType, "err", err)
		return
	}

	c.mu.Lock()
	conn, ok := c.conn, c.connected && !c.closed
	env := relay.Envelope{
		GameID:  c.gameID,
		From:    c.self,
		To:      c.opponent,
		Type:    msgType,
		Payload: raw,
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("dropping message while disconnected", "type", msgType)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		c.log.Warn("send failed", "type", msgType, "err", err)
	}
}

// On registers a handler for an event type ("connected", "commit", "reveal")
// and returns a token for Off. Multiple handlers per event are invoked in
// registration order.
func (c *Client) On(event string, fn Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	c.handlers[event] = append(c.handlers[event], subscription{id: c.nextSubID, fn: fn})
	return c.nextSubID
}

// Off removes a previously registered handler. Unknown tokens are ignored.
func (c *Client) Off(event string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[event]
	for i, s := range subs {
		if s.id == id {
			c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Teardown removes every handler and closes the connection. It is idempotent
// and safe to call from inside a handler: no callback is delivered after it
// returns on the calling goroutine.
func (c *Client) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.handlers = make(map[string][]subscription)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	c.dispatch(EventConnected, nil)

	for {
		var env relay.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.mu.Unlock()
			if !closed {
				c.log.Warn("relay connection lost", "err", err)
			}
			return
		}
		if !c.accepts(env) {
			continue
		}
		c.dispatch(string(env.Type), env.Payload)
	}
}

// accepts filters inbound frames down to traffic addressed to this
// participant for this session.
func (c *Client) accepts(env relay.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.GameID != c.gameID {
		return false
	}
	if !relay.SameAddress(env.To, c.self) {
		return false
	}
	if relay.SameAddress(env.From, c.self) {
		return false
	}
	return true
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, s := range subs {
		// A handler may tear the session down; stop delivering the moment
		// that happens.
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		s.fn(payload)
	}
}
