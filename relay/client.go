// SPDX-License-Identifier: MPL-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatMisses   = 3
)

// Client is the page side of the relay. It dials the hub, dispatches
// incoming envelopes, acks intents and monitors hub liveness with
// heartbeats. After three consecutive unacked heartbeats the OnRelayDown
// callback fires once and the connection closes.
type Client struct {
	url  string
	role string
	log  *slog.Logger

	onEnvelope  func(Envelope) error
	onRelayDown func()

	// interval overrides the heartbeat cadence in tests.
	interval time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	missed  int
	closed  chan struct{}
	downled bool
}

// NewClient prepares a client for the hub at url. Role phone marks this
// page as the intent receiver.
func NewClient(url, role string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:  url + "?role=" + role,
		role: role,
		log:  log.With("caller", "RelayClient", "role", role),
	}
}

// OnEnvelope sets the dispatch handler. For intents the returned error is
// reported in the automatic ack.
func (c *Client) OnEnvelope(fn func(Envelope) error) { c.onEnvelope = fn }

// OnRelayDown sets the callback for the 3 strike heartbeat escalation.
func (c *Client) OnRelayDown(fn func()) { c.onRelayDown = fn }

// Connect dials the hub and starts the read and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("relay dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.missed = 0
	c.downled = false
	c.closed = make(chan struct{})
	closed := c.closed
	c.mu.Unlock()

	go c.readLoop(conn, closed)
	go c.heartbeatLoop(conn, closed)
	return nil
}

// Close tears the connection down without firing OnRelayDown.
func (c *Client) Close() {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.conn = nil
	c.mu.Unlock()

	if closed != nil {
		select {
		case <-closed:
		default:
			close(closed)
		}
	}
	if conn != nil {
		conn.Close()
	}
}

// Send pushes an envelope of the given type to the hub.
func (c *Client) Send(typ string, payload any) error {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	if IsIntent(typ) {
		env.ID = uuid.NewString()
	}
	return c.write(env)
}

func (c *Client) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
			default:
				c.log.Debug("Relay read stopped", "error", err)
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			c.log.Warn("Rejecting frame", "error", err)
			continue
		}

		if env.Type == TypeAck {
			c.mu.Lock()
			c.missed = 0
			c.mu.Unlock()
			continue
		}

		var handlerErr error
		if c.onEnvelope != nil {
			handlerErr = c.onEnvelope(env)
		}
		if IsIntent(env.Type) {
			ack := Ack{OK: handlerErr == nil}
			if handlerErr != nil {
				ack.Error = handlerErr.Error()
			}
			raw, _ := json.Marshal(ack)
			if err := c.write(Envelope{Type: TypeAck, ID: env.ID, Payload: raw}); err != nil {
				c.log.Debug("Ack write failed", "error", err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, closed chan struct{}) {
	interval := c.interval
	if interval == 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		c.missed++
		missed := c.missed
		c.mu.Unlock()

		if missed > heartbeatMisses {
			c.escalate()
			return
		}

		if err := c.write(Envelope{Type: TypeHeartbeat, ID: uuid.NewString()}); err != nil {
			c.log.Debug("Heartbeat write failed", "error", err)
			c.escalate()
			return
		}
	}
}

// escalate fires OnRelayDown at most once per connection and closes it.
func (c *Client) escalate() {
	c.mu.Lock()
	fired := c.downled
	c.downled = true
	c.mu.Unlock()

	c.log.Warn("Relay hub unresponsive, giving up")
	c.Close()
	if !fired && c.onRelayDown != nil {
		c.onRelayDown()
	}
}
