// SPDX-License-Identifier: MPL-2.0

package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dlu6/webphone"
)

var (
	heartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webphone_license_heartbeat_failures_total",
		Help: "License heartbeats that could not be delivered.",
	})
	forcedLogouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webphone_license_forced_logouts_total",
		Help: "Forced logouts after liveness loss or server side termination.",
	})
)

// Status of the coordinator channel towards the license server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// socketMessage is the wire frame on the license websocket channel.
type socketMessage struct {
	Event        string `json:"event"`
	SessionToken string `json:"sessionToken,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

const (
	eventAuthenticate = "license:authenticate"
	eventHeartbeat    = "license:heartbeat"
	eventAuthSuccess  = "license:auth_success"
	eventAuthFailed   = "license:auth_failed"
)

// socketConn is the slice of *websocket.Conn the coordinator uses,
// injectable for tests.
type socketConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// SessionAPI is the slice of *Client the coordinator needs.
type SessionAPI interface {
	ValidateSession(ctx context.Context, token, username, fingerprint, feature string) (bool, error)
	EndSession(ctx context.Context, token, username, feature string) error
}

// CoordinatorConfig carries the session identity and the tunables.
type CoordinatorConfig struct {
	SocketURL    string
	SessionToken string
	APIToken     string
	Username     string
	Feature      string
	Fingerprint  string

	API SessionAPI

	// HeartbeatInterval defaults to 30s; MissLimit to 3 missed beats.
	HeartbeatInterval time.Duration
	MissLimit         int
	// GraceWindow (default 10s) suppresses Disconnected during short
	// transport flickers; within it only Reconnecting is surfaced.
	GraceWindow time.Duration
	// ValidateInterval (default 5m) is the slow HTTP poll catching forced
	// server side termination. It never drives connectivity status.
	ValidateInterval time.Duration
	// EndRetries bounds end-session attempts during escalation, default 3.
	EndRetries int

	Reconnect webphone.ReconnectPolicy

	OnStatus       func(Status)
	OnForcedLogout func(reason string)

	Logger *slog.Logger

	// Dial overrides the websocket dialer in tests.
	Dial func(ctx context.Context) (socketConn, error)
}

// Coordinator owns the license session liveness: it authenticates the
// websocket channel, heartbeats it, survives transport flickers inside
// the grace window, and once liveness is truly lost it releases the
// session slot server side and forces a local logout exactly once.
type Coordinator struct {
	conf CoordinatorConfig
	log  *slog.Logger

	mu       sync.Mutex
	status   Status
	conn     socketConn
	lastBeat time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	grace    *time.Timer

	logoutOnce sync.Once
}

// NewCoordinator validates the config and applies defaults.
func NewCoordinator(conf CoordinatorConfig) (*Coordinator, error) {
	if conf.SessionToken == "" {
		return nil, fmt.Errorf("license: session token required")
	}
	if conf.API == nil {
		return nil, fmt.Errorf("license: session API required")
	}
	if conf.HeartbeatInterval == 0 {
		conf.HeartbeatInterval = 30 * time.Second
	}
	if conf.MissLimit == 0 {
		conf.MissLimit = 3
	}
	if conf.GraceWindow == 0 {
		conf.GraceWindow = 10 * time.Second
	}
	if conf.ValidateInterval == 0 {
		conf.ValidateInterval = 5 * time.Minute
	}
	if conf.EndRetries == 0 {
		conf.EndRetries = 3
	}
	if conf.Reconnect.BaseDelay == 0 {
		conf.Reconnect = webphone.DefaultReconnectPolicy()
	}
	log := conf.Logger
	if log == nil {
		log = slog.Default()
	}
	if conf.Dial == nil {
		url := conf.SocketURL
		conf.Dial = func(ctx context.Context) (socketConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		}
	}

	return &Coordinator{
		conf:   conf,
		log:    log.With("caller", "LicenseCoordinator"),
		status: StatusDisconnected,
	}, nil
}

// Status returns the current channel status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start runs the coordinator until Stop or forced logout.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.lastBeat = time.Now()
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop shuts the coordinator down without escalation.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.cancelGraceTimer()
	if done != nil {
		<-done
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	first := true
	for {
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}

		if c.beatsMissed() {
			c.escalate(ctx, "heartbeat liveness lost", true)
			return
		}

		if first {
			c.setStatus(StatusConnecting)
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return
		}
		if err == errForcedLogout {
			return
		}
		first = false

		c.log.Warn("License channel lost", "error", err)
		c.setStatus(StatusReconnecting)
		c.armGraceTimer()

		delay, ok := c.conf.Reconnect.NextDelay()
		if !ok {
			c.escalate(ctx, "reconnect attempts exhausted", true)
			return
		}
		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

var errForcedLogout = fmt.Errorf("license: forced logout")

// session runs one authenticated connection until it breaks.
func (c *Coordinator) session(ctx context.Context) error {
	conn, err := c.conf.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial license channel: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	if err := conn.WriteJSON(socketMessage{
		Event:        eventAuthenticate,
		SessionToken: c.conf.SessionToken,
	}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	msgCh := make(chan socketMessage, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg socketMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			msgCh <- msg
		}
	}()

	// Auth must complete before heartbeats start.
	authTimer := time.NewTimer(10 * time.Second)
	defer authTimer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErr:
		return fmt.Errorf("auth read: %w", err)
	case <-authTimer.C:
		return fmt.Errorf("auth timed out")
	case msg := <-msgCh:
		switch msg.Event {
		case eventAuthSuccess:
		case eventAuthFailed:
			c.escalate(ctx, "authentication rejected: "+msg.Reason, false)
			return errForcedLogout
		default:
			return fmt.Errorf("unexpected event %q before auth", msg.Event)
		}
	}

	c.markBeat()
	c.cancelGraceTimer()
	c.setStatus(StatusConnected)
	c.conf.Reconnect.Reset()
	c.log.Info("License channel authenticated")

	heartbeat := time.NewTicker(c.conf.HeartbeatInterval)
	defer heartbeat.Stop()
	validate := time.NewTicker(c.conf.ValidateInterval)
	defer validate.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("license channel read: %w", err)

		case msg := <-msgCh:
			if msg.Event == eventAuthFailed {
				c.escalate(ctx, "session invalidated: "+msg.Reason, false)
				return errForcedLogout
			}

		case <-heartbeat.C:
			if err := conn.WriteJSON(socketMessage{Event: eventHeartbeat}); err != nil {
				heartbeatFailures.Inc()
				if c.beatsMissed() {
					c.escalate(ctx, "heartbeat liveness lost", true)
					return errForcedLogout
				}
				return fmt.Errorf("heartbeat: %w", err)
			}
			c.markBeat()

		case <-validate.C:
			valid, err := c.conf.API.ValidateSession(ctx, c.conf.APIToken,
				c.conf.Username, c.conf.Fingerprint, c.conf.Feature)
			if err != nil {
				// Validation is advisory only, never a liveness signal.
				c.log.Warn("Session validation failed", "error", err)
				continue
			}
			if !valid {
				c.escalate(ctx, "session terminated server side", false)
				return errForcedLogout
			}
		}
	}
}

func (c *Coordinator) markBeat() {
	c.mu.Lock()
	c.lastBeat = time.Now()
	c.mu.Unlock()
}

// beatsMissed reports whether the failure window (MissLimit heartbeat
// intervals) elapsed since the last delivered beat.
func (c *Coordinator) beatsMissed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := time.Duration(c.conf.MissLimit) * c.conf.HeartbeatInterval
	return time.Since(c.lastBeat) > window
}

// armGraceTimer downgrades Reconnecting to Disconnected once the grace
// window passes without recovery. A reconnect inside the window means the
// UI never sees Disconnected at all. Each outage gets its own timer: the
// previous one is stopped so a stale deadline from an earlier flicker can
// never downgrade a later one.
func (c *Coordinator) armGraceTimer() {
	c.mu.Lock()
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(c.conf.GraceWindow, func() {
		c.mu.Lock()
		downgrade := c.status == StatusReconnecting
		c.mu.Unlock()
		if downgrade {
			c.setStatus(StatusDisconnected)
		}
	})
	c.mu.Unlock()
}

// cancelGraceTimer disarms the pending downgrade, on recovery or stop.
func (c *Coordinator) cancelGraceTimer() {
	c.mu.Lock()
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	c.mu.Unlock()
}

// escalate releases the session slot (bounded retries) and fires the
// forced logout callback. Runs at most once for the coordinator lifetime.
func (c *Coordinator) escalate(ctx context.Context, reason string, endSession bool) {
	c.logoutOnce.Do(func() {
		c.log.Warn("Forcing logout", "reason", reason)
		forcedLogouts.Inc()

		if endSession {
			for attempt := 1; attempt <= c.conf.EndRetries; attempt++ {
				endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := c.conf.API.EndSession(endCtx, c.conf.APIToken, c.conf.Username, c.conf.Feature)
				cancel()
				if err == nil {
					break
				}
				c.log.Warn("End session failed", "attempt", attempt, "error", err)
				if attempt < c.conf.EndRetries {
					time.Sleep(2 * time.Second)
				}
			}
		}

		c.setStatus(StatusDisconnected)
		if c.conf.OnForcedLogout != nil {
			c.conf.OnForcedLogout(reason)
		}
	})
}

func (c *Coordinator) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	fn := c.conf.OnStatus
	c.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}
