// SPDX-License-Identifier: MPL-2.0

package license

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dlu6/webphone"
)

// fakeConn scripts the license websocket channel. An authenticate write is
// answered with authReply when set.
type fakeConn struct {
	authReply  string
	failWrites atomic.Bool

	in     chan socketMessage
	wrote  chan socketMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(authReply string) *fakeConn {
	return &fakeConn{
		authReply: authReply,
		in:        make(chan socketMessage, 8),
		wrote:     make(chan socketMessage, 64),
		closed:    make(chan struct{}),
	}
}

func (f *fakeConn) ReadJSON(v any) error {
	select {
	case msg := <-f.in:
		*(v.(*socketMessage)) = msg
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	if f.failWrites.Load() {
		return errors.New("write failed")
	}
	msg, _ := v.(socketMessage)
	select {
	case f.wrote <- msg:
	default:
	}
	if msg.Event == eventAuthenticate && f.authReply != "" {
		f.in <- socketMessage{Event: f.authReply, Reason: "invalid session token"}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeAPI struct {
	mu       sync.Mutex
	valid    bool
	endErr   error
	endCalls int
}

func (f *fakeAPI) ValidateSession(ctx context.Context, token, username, fingerprint, feature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid, nil
}

func (f *fakeAPI) EndSession(ctx context.Context, token, username, feature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return f.endErr
}

func (f *fakeAPI) ends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endCalls
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(s Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func testConfig(api *fakeAPI) CoordinatorConfig {
	return CoordinatorConfig{
		SessionToken:      "sess-1",
		APIToken:          "tok",
		Username:          "agent1",
		Feature:           "webrtc_extension",
		Fingerprint:       "fp",
		API:               api,
		HeartbeatInterval: 20 * time.Millisecond,
		MissLimit:         3,
		GraceWindow:       200 * time.Millisecond,
		ValidateInterval:  time.Hour,
		EndRetries:        3,
		Reconnect: webphone.ReconnectPolicy{
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			MaxAttempts: 100,
		},
	}
}

func TestCoordinatorConnectAndHeartbeat(t *testing.T) {
	api := &fakeAPI{valid: true}
	conn := newFakeConn(eventAuthSuccess)

	conf := testConfig(api)
	conf.Dial = func(ctx context.Context) (socketConn, error) { return conn, nil }

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())
	defer coord.Stop()

	require.Eventually(t, func() bool { return coord.Status() == StatusConnected },
		2*time.Second, 10*time.Millisecond)

	// The authenticate frame carries the session token, then heartbeats flow.
	auth := <-conn.wrote
	require.Equal(t, eventAuthenticate, auth.Event)
	assert.Equal(t, "sess-1", auth.SessionToken)

	select {
	case beat := <-conn.wrote:
		assert.Equal(t, eventHeartbeat, beat.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat sent")
	}
	assert.Equal(t, 0, api.ends())
}

func TestCoordinatorHeartbeatEscalation(t *testing.T) {
	api := &fakeAPI{valid: true}
	good := newFakeConn(eventAuthSuccess)

	var dials atomic.Int32
	conf := testConfig(api)
	conf.HeartbeatInterval = 10 * time.Millisecond
	conf.MissLimit = 2
	conf.Dial = func(ctx context.Context) (socketConn, error) {
		if dials.Add(1) == 1 {
			return good, nil
		}
		bad := newFakeConn("")
		bad.failWrites.Store(true)
		return bad, nil
	}

	var logouts atomic.Int32
	loggedOut := make(chan string, 1)
	conf.OnForcedLogout = func(reason string) {
		logouts.Add(1)
		loggedOut <- reason
	}

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())
	defer coord.Stop()

	require.Eventually(t, func() bool { return coord.Status() == StatusConnected },
		2*time.Second, 5*time.Millisecond)

	// Kill heartbeat delivery; reconnects fail too, so the miss window runs
	// out and the coordinator must escalate.
	good.failWrites.Store(true)

	select {
	case reason := <-loggedOut:
		assert.Contains(t, reason, "liveness")
	case <-time.After(5 * time.Second):
		t.Fatal("forced logout never fired")
	}

	assert.Equal(t, StatusDisconnected, coord.Status())
	assert.Equal(t, int32(1), logouts.Load(), "forced logout fires exactly once")
	ends := api.ends()
	assert.GreaterOrEqual(t, ends, 1, "session slot must be released")
	assert.LessOrEqual(t, ends, conf.EndRetries)
}

func TestCoordinatorAuthFailedForcesLogout(t *testing.T) {
	api := &fakeAPI{valid: true}
	conn := newFakeConn(eventAuthFailed)

	conf := testConfig(api)
	conf.Dial = func(ctx context.Context) (socketConn, error) { return conn, nil }

	loggedOut := make(chan string, 1)
	conf.OnForcedLogout = func(reason string) { loggedOut <- reason }

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())
	defer coord.Stop()

	select {
	case reason := <-loggedOut:
		assert.Contains(t, reason, "rejected")
	case <-time.After(2 * time.Second):
		t.Fatal("forced logout never fired")
	}

	// The server refused the session, there is no slot to release.
	assert.Equal(t, 0, api.ends())
}

func TestCoordinatorGraceSuppressesFlicker(t *testing.T) {
	api := &fakeAPI{valid: true}
	first := newFakeConn(eventAuthSuccess)
	second := newFakeConn(eventAuthSuccess)

	var dials atomic.Int32
	conf := testConfig(api)
	conf.HeartbeatInterval = 50 * time.Millisecond
	conf.MissLimit = 10
	conf.Dial = func(ctx context.Context) (socketConn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	rec := &statusRecorder{}
	conf.OnStatus = rec.record

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())

	require.Eventually(t, func() bool { return coord.Status() == StatusConnected },
		2*time.Second, 5*time.Millisecond)

	// Transport flicker: the channel drops and comes right back.
	first.Close()
	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && coord.Status() == StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Wait past the grace window: a recovered channel must never have
	// surfaced Disconnected.
	time.Sleep(300 * time.Millisecond)
	statuses := rec.snapshot()
	coord.Stop()

	assert.NotContains(t, statuses, StatusDisconnected)
	assert.Contains(t, statuses, StatusReconnecting)
	assert.Equal(t, StatusConnected, statuses[len(statuses)-1])
	assert.Equal(t, 0, api.ends())
}

// Two outages in a row: the second one starts before the first outage's
// grace deadline would have elapsed, and still recovers inside its own
// window. A timer left over from the first outage must not downgrade the
// second one to Disconnected.
func TestCoordinatorGraceSurvivesRepeatedFlicker(t *testing.T) {
	api := &fakeAPI{valid: true}
	conns := []*fakeConn{
		newFakeConn(eventAuthSuccess),
		newFakeConn(eventAuthSuccess),
		newFakeConn(eventAuthSuccess),
	}

	var dials atomic.Int32
	conf := testConfig(api)
	conf.HeartbeatInterval = 100 * time.Millisecond
	conf.MissLimit = 20
	conf.GraceWindow = 200 * time.Millisecond
	// Slow redial, so the second outage is still reconnecting when the
	// first outage's grace deadline comes around.
	conf.Reconnect = webphone.ReconnectPolicy{
		BaseDelay:   80 * time.Millisecond,
		MaxDelay:    80 * time.Millisecond,
		MaxAttempts: 100,
	}
	conf.Dial = func(ctx context.Context) (socketConn, error) {
		n := int(dials.Add(1)) - 1
		if n >= len(conns) {
			n = len(conns) - 1
		}
		return conns[n], nil
	}

	rec := &statusRecorder{}
	conf.OnStatus = rec.record

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())

	require.Eventually(t, func() bool { return coord.Status() == StatusConnected },
		2*time.Second, 5*time.Millisecond)

	// First blip, recovered after the 80ms redial delay.
	first := time.Now()
	conns[0].Close()
	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && coord.Status() == StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Second blip at 150ms: its reconnect lands around 230ms, past the
	// first blip's 200ms grace deadline.
	time.Sleep(time.Until(first.Add(150 * time.Millisecond)))
	conns[1].Close()
	require.Eventually(t, func() bool {
		return dials.Load() >= 3 && coord.Status() == StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	// Let every armed grace deadline pass before judging the record.
	time.Sleep(300 * time.Millisecond)
	statuses := rec.snapshot()
	coord.Stop()

	assert.NotContains(t, statuses, StatusDisconnected)
	assert.Equal(t, StatusConnected, statuses[len(statuses)-1])
	assert.Equal(t, 0, api.ends())
}

func TestCoordinatorServerSideTermination(t *testing.T) {
	api := &fakeAPI{valid: false}
	conn := newFakeConn(eventAuthSuccess)

	conf := testConfig(api)
	conf.ValidateInterval = 20 * time.Millisecond
	conf.Dial = func(ctx context.Context) (socketConn, error) { return conn, nil }

	loggedOut := make(chan string, 1)
	conf.OnForcedLogout = func(reason string) { loggedOut <- reason }

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())
	defer coord.Stop()

	select {
	case reason := <-loggedOut:
		assert.Contains(t, reason, "terminated")
	case <-time.After(2 * time.Second):
		t.Fatal("forced logout never fired")
	}

	// Terminated server side means the slot is already gone.
	assert.Equal(t, 0, api.ends())
}

func TestCoordinatorStopWithoutEscalation(t *testing.T) {
	api := &fakeAPI{valid: true}
	conn := newFakeConn(eventAuthSuccess)

	conf := testConfig(api)
	conf.Dial = func(ctx context.Context) (socketConn, error) { return conn, nil }

	var logouts atomic.Int32
	conf.OnForcedLogout = func(string) { logouts.Add(1) }

	coord, err := NewCoordinator(conf)
	require.NoError(t, err)
	coord.Start(context.Background())

	require.Eventually(t, func() bool { return coord.Status() == StatusConnected },
		2*time.Second, 5*time.Millisecond)

	coord.Stop()
	assert.Equal(t, StatusDisconnected, coord.Status())
	assert.Equal(t, int32(0), logouts.Load(), "a clean stop is not a forced logout")
}
