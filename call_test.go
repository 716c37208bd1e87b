// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu         sync.Mutex
	onEvent    func(Event)
	placeErr   error
	connectErr error

	connects    int
	disconnects int
	placed      int
	answered    int
	declined    int
	hungup      int
	holds       int
	mutes       int
	transfers   int
}

func (f *fakeEngine) Connect(ctx context.Context, conf ConnectConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	return nil
}

func (f *fakeEngine) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeEngine) Unregister(ctx context.Context) error { return nil }
func (f *fakeEngine) Reregister(ctx context.Context) error { return nil }

func (f *fakeEngine) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeEngine) emit(ev Event) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakeEngine) PlaceCall(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.placed++
	return nil
}

func (f *fakeEngine) Answer(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered++
	return nil
}

func (f *fakeEngine) Decline(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined++
	return nil
}

func (f *fakeEngine) Hangup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungup++
	return nil
}

func (f *fakeEngine) ToggleHold(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds++
	return nil
}

func (f *fakeEngine) ToggleMute() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes++
	return nil
}

func (f *fakeEngine) Transfer(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	return nil
}

func (f *fakeEngine) OnEvent(fn func(Event)) {
	f.mu.Lock()
	f.onEvent = fn
	f.mu.Unlock()
}

func (f *fakeEngine) counts() (placed, answered, declined, hungup, holds, mutes, transfers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed, f.answered, f.declined, f.hungup, f.holds, f.mutes, f.transfers
}

type countToner struct {
	mu        sync.Mutex
	ringbacks int
	rings     int
	stops     int
}

func (t *countToner) StartRingback() {
	t.mu.Lock()
	t.ringbacks++
	t.mu.Unlock()
}

func (t *countToner) StartRing() {
	t.mu.Lock()
	t.rings++
	t.mu.Unlock()
}

func (t *countToner) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *countToner) counts() (ringbacks, rings, stops int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ringbacks, t.rings, t.stops
}

type fakeRemote struct {
	frames atomic.Uint64
}

func (f *fakeRemote) Frames() uint64 { return f.frames.Load() }

type changeRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *changeRecorder) record(sc StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, sc)
	r.mu.Unlock()
}

func (r *changeRecorder) last() (StateChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return StateChange{}, false
	}
	return r.changes[len(r.changes)-1], true
}

func newTestMachine(t *testing.T, eng *fakeEngine, tones *countToner, remote RemoteAudio, rec *changeRecorder) *CallMachine {
	t.Helper()
	conf := CallMachineConfig{
		Engine:         eng,
		EarlyMediaWait: 30 * time.Millisecond,
	}
	if tones != nil {
		conf.Tones = tones
	}
	if remote != nil {
		conf.Remote = remote
	}
	if rec != nil {
		conf.OnChange = rec.record
	}
	return NewCallMachine(conf)
}

func TestPlaceCallSingleActive(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	require.Equal(t, CallCalling, cm.State())

	err := cm.PlaceCall(context.TODO(), "1003")
	require.ErrorIs(t, err, ErrCallInProgress)

	// The live session is untouched by the refused attempt.
	sess, ok := cm.Session()
	require.True(t, ok)
	assert.Equal(t, "1002", sess.RemoteIdentity)
	assert.Equal(t, DirectionOutbound, sess.Direction)

	placed, _, _, _, _, _, _ := eng.counts()
	assert.Equal(t, 1, placed)
}

func TestPlaceCallEngineFailure(t *testing.T) {
	eng := &fakeEngine{placeErr: ErrEngineNotConnected}
	cm := newTestMachine(t, eng, nil, nil, nil)

	err := cm.PlaceCall(context.TODO(), "1002")
	require.ErrorIs(t, err, ErrEngineNotConnected)
	assert.Equal(t, CallIdle, cm.State())

	_, ok := cm.Session()
	assert.False(t, ok, "failed dial must not leave a session behind")
}

func TestOutboundCallLifecycle(t *testing.T) {
	eng := &fakeEngine{}
	tones := &countToner{}
	rec := &changeRecorder{}
	cm := newTestMachine(t, eng, tones, nil, rec)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))

	cm.HandleEvent(Event{Type: EventCallProgress, StatusCode: 180})
	require.Equal(t, CallRinging, cm.State())
	ringbacks, _, _ := tones.counts()
	assert.Equal(t, 1, ringbacks, "180 rings locally right away")

	cm.HandleEvent(Event{Type: EventCallConfirmed})
	require.Equal(t, CallActive, cm.State())
	sess, ok := cm.Session()
	require.True(t, ok)
	assert.False(t, sess.StartedAt.IsZero())

	cm.HandleEvent(Event{Type: EventCallEnded})
	require.Equal(t, CallIdle, cm.State())
	_, ok = cm.Session()
	assert.False(t, ok)

	last, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, CallIdle, last.State)
}

func TestHandleEventOutOfOrder(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	// None of these may move the machine out of idle or panic.
	cm.HandleEvent(Event{Type: EventCallProgress, StatusCode: 180})
	cm.HandleEvent(Event{Type: EventCallConfirmed})
	cm.HandleEvent(Event{Type: EventCallEnded})
	cm.HandleEvent(Event{Type: EventCallFailed, StatusCode: 486})
	cm.HandleEvent(Event{Type: EventHoldChanged, OnHold: true})
	require.Equal(t, CallIdle, cm.State())

	// Duplicate confirms on a live call are swallowed too.
	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallConfirmed})
	cm.HandleEvent(Event{Type: EventCallConfirmed})
	require.Equal(t, CallActive, cm.State())
}

func TestEarlyMediaSuppressesRingback(t *testing.T) {
	eng := &fakeEngine{}
	tones := &countToner{}
	remote := &fakeRemote{}
	cm := newTestMachine(t, eng, tones, remote, nil)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallProgress, StatusCode: 183})

	// Provider audio arrives inside the wait window.
	remote.frames.Add(5)

	time.Sleep(100 * time.Millisecond)
	ringbacks, _, _ := tones.counts()
	assert.Equal(t, 0, ringbacks, "early media must keep the local tone quiet")
}

func TestEarlyMediaFallbackToRingback(t *testing.T) {
	eng := &fakeEngine{}
	tones := &countToner{}
	remote := &fakeRemote{}
	cm := newTestMachine(t, eng, tones, remote, nil)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallProgress, StatusCode: 183})

	require.Eventually(t, func() bool {
		ringbacks, _, _ := tones.counts()
		return ringbacks == 1
	}, time.Second, 10*time.Millisecond, "silent 183 falls back to local ringback")
}

func TestIncomingCallNormalizesIdentity(t *testing.T) {
	eng := &fakeEngine{}
	tones := &countToner{}
	cm := newTestMachine(t, eng, tones, nil, nil)

	cm.HandleEvent(Event{Type: EventIncomingCall, From: `"Agent" <sip:0700111222@pbx.example.com>;tag=a1`})
	require.Equal(t, CallIncoming, cm.State())

	sess, ok := cm.Session()
	require.True(t, ok)
	assert.Equal(t, "0700111222", sess.RemoteIdentity)
	assert.Equal(t, DirectionInbound, sess.Direction)

	_, rings, _ := tones.counts()
	assert.Equal(t, 1, rings)

	require.NoError(t, cm.RejectCall(context.TODO()))
	require.Equal(t, CallIdle, cm.State())
	_, _, declined, _, _, _, _ := eng.counts()
	assert.Equal(t, 1, declined)
}

func TestIncomingWhileBusyIgnored(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventIncomingCall, From: "sip:0700111222@pbx"})

	require.Equal(t, CallCalling, cm.State())
	sess, ok := cm.Session()
	require.True(t, ok)
	assert.Equal(t, "1002", sess.RemoteIdentity)
}

func TestAnswerCall(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.ErrorIs(t, cm.AnswerCall(context.TODO()), ErrNoActiveCall)

	cm.HandleEvent(Event{Type: EventIncomingCall, From: "sip:0700111222@pbx"})
	require.NoError(t, cm.AnswerCall(context.TODO()))
	require.Equal(t, CallActive, cm.State())

	sess, ok := cm.Session()
	require.True(t, ok)
	assert.False(t, sess.StartedAt.IsZero())
	_, answered, _, _, _, _, _ := eng.counts()
	assert.Equal(t, 1, answered)
}

func TestCallFailedCauseMapping(t *testing.T) {
	eng := &fakeEngine{}
	rec := &changeRecorder{}
	cm := newTestMachine(t, eng, nil, nil, rec)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallFailed, StatusCode: 486})

	require.Equal(t, CallIdle, cm.State())
	last, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, "Busy", last.Message)
	assert.Equal(t, CauseBusy, last.Session.FailureCause)
}

func TestHoldTracking(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.ErrorIs(t, cm.SetHold(context.TODO(), true), ErrNoActiveCall)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallConfirmed})

	require.NoError(t, cm.SetHold(context.TODO(), true))
	cm.HandleEvent(Event{Type: EventHoldChanged, OnHold: true})

	// Same value again must not reach the engine toggle.
	require.NoError(t, cm.SetHold(context.TODO(), true))
	_, _, _, _, holds, _, _ := eng.counts()
	require.Equal(t, 1, holds)

	require.NoError(t, cm.SetHold(context.TODO(), false))
	_, _, _, _, holds, _, _ = eng.counts()
	require.Equal(t, 2, holds)
}

func TestMuteTracking(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallConfirmed})

	require.NoError(t, cm.SetMute(true))
	cm.HandleEvent(Event{Type: EventMuteChanged, Muted: true})
	require.NoError(t, cm.SetMute(true))

	_, _, _, _, _, mutes, _ := eng.counts()
	require.Equal(t, 1, mutes)
}

func TestTransferRequiresActiveCall(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.ErrorIs(t, cm.TransferCall(context.TODO(), "1003"), ErrNoActiveCall)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	cm.HandleEvent(Event{Type: EventCallConfirmed})
	require.NoError(t, cm.TransferCall(context.TODO(), "1003"))

	_, _, _, _, _, _, transfers := eng.counts()
	assert.Equal(t, 1, transfers)
}

func TestHangupFromAnyLiveState(t *testing.T) {
	eng := &fakeEngine{}
	cm := newTestMachine(t, eng, nil, nil, nil)

	require.ErrorIs(t, cm.HangupCall(context.TODO()), ErrNoActiveCall)

	require.NoError(t, cm.PlaceCall(context.TODO(), "1002"))
	require.NoError(t, cm.HangupCall(context.TODO()))
	require.Equal(t, CallIdle, cm.State())

	cm.HandleEvent(Event{Type: EventIncomingCall, From: "sip:0700111222@pbx"})
	require.NoError(t, cm.HangupCall(context.TODO()))
	require.Equal(t, CallIdle, cm.State())

	_, _, _, hungup, _, _, _ := eng.counts()
	assert.Equal(t, 2, hungup)
}
