// SPDX-License-Identifier: MPL-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNoReceiver is the soft failure for an intent with no phone context
// attached. Callers treat it as "nobody is listening", not as a fault.
var ErrNoReceiver = errors.New("relay: no intent receiver connected")

var broadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
	Name: "webphone_relay_broadcast_drops_total",
	Help: "Broadcast frames dropped because a page connection queue was full.",
})

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 32
)

// Hub is the background side of the relay. Pages connect over websocket;
// the one page that registered with role=phone receives intents, every
// page receives broadcasts.
//
// Per connection ordering: each conn has a buffered queue drained by a
// single writer goroutine, so frames to one page are delivered in the
// order they were enqueued.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*hubConn
	pending  map[string]chan Ack
	onIntent func(Envelope) error
}

type hubConn struct {
	id     string
	role   string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

// NewHub builds the hub. Register its Handler on an http mux.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log.With("caller", "RelayHub"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string]*hubConn),
		pending:  make(map[string]chan Ack),
	}
}

// OnIntent sets the handler for intents originated by UI pages. The
// returned error is reported back in the ack.
func (h *Hub) OnIntent(fn func(Envelope) error) {
	h.mu.Lock()
	h.onIntent = fn
	h.mu.Unlock()
}

// Handler upgrades page connections. Pages identify their role with the
// role query parameter; role=phone marks the intent receiver.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("Websocket upgrade failed", "error", err)
			return
		}

		role := r.URL.Query().Get("role")
		if role == "" {
			role = "ui"
		}
		hc := &hubConn{
			id:     uuid.NewString(),
			role:   role,
			conn:   conn,
			send:   make(chan []byte, sendQueueSize),
			closed: make(chan struct{}),
		}

		h.mu.Lock()
		h.conns[hc.id] = hc
		h.mu.Unlock()
		h.log.Info("Page connected", "id", hc.id, "role", role)

		go h.writeLoop(hc)
		h.readLoop(hc)
	})
}

// SendIntent delivers an intent to the phone page and waits for its ack.
// Exactly one receiver gets it; with no phone page attached it soft fails
// with ErrNoReceiver.
func (h *Hub) SendIntent(ctx context.Context, typ string, payload any) (Ack, error) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return Ack{}, err
	}
	env.ID = uuid.NewString()

	data, err := json.Marshal(env)
	if err != nil {
		return Ack{}, err
	}

	h.mu.Lock()
	var target *hubConn
	for _, hc := range h.conns {
		if hc.role == "phone" {
			target = hc
			break
		}
	}
	if target == nil {
		h.mu.Unlock()
		return Ack{}, ErrNoReceiver
	}
	ackCh := make(chan Ack, 1)
	h.pending[env.ID] = ackCh
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, env.ID)
		h.mu.Unlock()
	}()

	select {
	case target.send <- data:
	case <-target.closed:
		return Ack{}, ErrNoReceiver
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-target.closed:
		return Ack{}, ErrNoReceiver
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Broadcast fans an event out to every page. Best effort: a slow or dead
// page drops frames without affecting the others.
func (h *Hub) Broadcast(typ string, payload any) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		h.log.Warn("Broadcast payload rejected", "type", typ, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, hc := range h.conns {
		conns = append(conns, hc)
	}
	h.mu.Unlock()

	for _, hc := range conns {
		select {
		case hc.send <- data:
		default:
			broadcastDrops.Inc()
			h.log.Debug("Dropping broadcast frame, queue full", "id", hc.id, "type", typ)
		}
	}
}

// Receivers returns how many pages are attached.
func (h *Hub) Receivers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) writeLoop(hc *hubConn) {
	for {
		select {
		case data := <-hc.send:
			hc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := hc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("Page write failed", "id", hc.id, "error", err)
				hc.conn.Close()
				return
			}
		case <-hc.closed:
			return
		}
	}
}

func (h *Hub) readLoop(hc *hubConn) {
	defer h.drop(hc)

	for {
		_, data, err := hc.conn.ReadMessage()
		if err != nil {
			h.log.Debug("Page read stopped", "id", hc.id, "error", err)
			return
		}

		env, err := Decode(data)
		if err != nil {
			h.log.Warn("Rejecting frame", "id", hc.id, "error", err)
			continue
		}

		switch {
		case env.Type == TypeHeartbeat:
			h.sendAck(hc, env.ID, Ack{OK: true})

		case env.Type == TypeAck:
			var ack Ack
			if env.Payload != nil {
				if err := json.Unmarshal(env.Payload, &ack); err != nil {
					h.log.Warn("Malformed ack payload", "id", hc.id, "error", err)
					continue
				}
			}
			h.mu.Lock()
			ch := h.pending[env.ID]
			h.mu.Unlock()
			if ch != nil {
				// Duplicate acks for the same id must not wedge the
				// read loop.
				select {
				case ch <- ack:
				default:
				}
			}

		case IsIntent(env.Type):
			h.mu.Lock()
			fn := h.onIntent
			h.mu.Unlock()
			ack := Ack{OK: true}
			if fn != nil {
				if err := fn(env); err != nil {
					ack = Ack{OK: false, Error: err.Error()}
				}
			}
			h.sendAck(hc, env.ID, ack)

		default:
			// Events from the phone page fan out to everyone else.
			h.Broadcast(env.Type, env.Payload)
		}
	}
}

func (h *Hub) sendAck(hc *hubConn, id string, ack Ack) {
	raw, _ := json.Marshal(ack)
	data, err := json.Marshal(Envelope{Type: TypeAck, ID: id, Payload: raw})
	if err != nil {
		return
	}
	select {
	case hc.send <- data:
	default:
		broadcastDrops.Inc()
	}
}

func (h *Hub) drop(hc *hubConn) {
	h.mu.Lock()
	delete(h.conns, hc.id)
	h.mu.Unlock()
	close(hc.closed)
	hc.conn.Close()
	h.log.Info("Page disconnected", "id", hc.id, "role", hc.role)
}
