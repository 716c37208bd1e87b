// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// ErrCallInProgress is returned when a new call is attempted while another
// call session is still live. There is no call waiting: the active call
// must be hung up first.
var ErrCallInProgress = errors.New("webphone: another call is in progress")

var ErrNoActiveCall = errors.New("webphone: no active call")

// CallState is the lifecycle state of the single call session.
type CallState string

const (
	CallIdle     CallState = "idle"
	CallCalling  CallState = "calling"
	CallRinging  CallState = "ringing"
	CallIncoming CallState = "incoming"
	CallActive   CallState = "active"
)

// Direction of a call session.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// fsm event names
const (
	evDial     = "dial"
	evProgress = "progress"
	evConfirm  = "confirm"
	evIncoming = "incoming"
	evAnswer   = "answer"
	evEnd      = "end"
)

// CallSession describes the at-most-one live call.
type CallSession struct {
	ID             string
	Direction      Direction
	RemoteIdentity string
	// StartedAt is set only once the call is confirmed.
	StartedAt time.Time
	OnHold    bool
	Muted     bool
	// FailureCause is set on the terminal snapshot of a failed call.
	FailureCause Cause
}

// StateChange is the normalized domain event emitted towards UI surfaces.
type StateChange struct {
	State   CallState
	Session CallSession
	// Message carries the user facing failure string on call failure.
	Message string
	// Duration of the active call, refreshed every second once confirmed.
	Duration time.Duration
}

// Toner plays local call progress audio. Implemented by Ringer.
type Toner interface {
	StartRingback()
	StartRing()
	Stop()
}

// RemoteAudio reports arrival of decoded remote media. Implemented by
// AudioSink, used for the early media fallback decision.
type RemoteAudio interface {
	Frames() uint64
}

// CallMachine owns the call session state. It consumes engine events,
// enforces the single active call invariant and emits StateChange events.
//
// Every (state, event) pair outside the transition table leaves the state
// unchanged, so duplicate or out of order engine events are harmless.
type CallMachine struct {
	mu     sync.Mutex
	engine Engine
	log    *slog.Logger

	machine *fsm.FSM
	session *CallSession

	tones  Toner
	remote RemoteAudio

	// earlyMediaWait bounds how long we give provider early media on a 183
	// before falling back to the local ringback tone.
	earlyMediaWait time.Duration
	earlyCancel    context.CancelFunc

	durStop  chan struct{}
	onChange func(StateChange)
}

// CallMachineConfig configures a CallMachine.
type CallMachineConfig struct {
	Engine Engine
	Tones  Toner
	Remote RemoteAudio
	// EarlyMediaWait defaults to 750ms.
	EarlyMediaWait time.Duration
	OnChange       func(StateChange)
	Logger         *slog.Logger
}

// NewCallMachine builds the call state machine around an engine.
func NewCallMachine(conf CallMachineConfig) *CallMachine {
	log := conf.Logger
	if log == nil {
		log = slog.Default()
	}
	wait := conf.EarlyMediaWait
	if wait == 0 {
		wait = 750 * time.Millisecond
	}
	tones := conf.Tones
	if tones == nil {
		tones = noopToner{}
	}

	cm := &CallMachine{
		engine:         conf.Engine,
		log:            log.With("caller", "CallMachine"),
		tones:          tones,
		remote:         conf.Remote,
		earlyMediaWait: wait,
		onChange:       conf.OnChange,
	}

	cm.machine = fsm.NewFSM(
		string(CallIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(CallIdle)}, Dst: string(CallCalling)},
			{Name: evProgress, Src: []string{string(CallCalling)}, Dst: string(CallRinging)},
			{Name: evConfirm, Src: []string{string(CallCalling), string(CallRinging)}, Dst: string(CallActive)},
			{Name: evIncoming, Src: []string{string(CallIdle)}, Dst: string(CallIncoming)},
			{Name: evAnswer, Src: []string{string(CallIncoming)}, Dst: string(CallActive)},
			{Name: evEnd, Src: []string{
				string(CallCalling), string(CallRinging),
				string(CallIncoming), string(CallActive),
			}, Dst: string(CallIdle)},
		},
		fsm.Callbacks{},
	)
	return cm
}

// State returns the current call state.
func (cm *CallMachine) State() CallState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return CallState(cm.machine.Current())
}

// Session returns a snapshot of the live call session, or false when idle.
func (cm *CallMachine) Session() (CallSession, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.session == nil {
		return CallSession{}, false
	}
	return *cm.session, true
}

// fire advances the state machine, swallowing invalid transitions.
func (cm *CallMachine) fire(event string) bool {
	if err := cm.machine.Event(context.Background(), event); err != nil {
		cm.log.Debug("Ignoring event in current state",
			"event", event, "state", cm.machine.Current(), "error", err)
		return false
	}
	return true
}

func (cm *CallMachine) emitLocked(msg string) {
	sc := StateChange{State: CallState(cm.machine.Current()), Message: msg}
	if cm.session != nil {
		sc.Session = *cm.session
		if !cm.session.StartedAt.IsZero() {
			sc.Duration = time.Since(cm.session.StartedAt)
		}
	}
	cm.emitChangeLocked(sc)
}

func (cm *CallMachine) emitChangeLocked(sc StateChange) {
	if cm.onChange == nil {
		return
	}
	fn := cm.onChange
	// Deliver without holding the lock so handlers may call back in.
	cm.mu.Unlock()
	fn(sc)
	cm.mu.Lock()
}

// PlaceCall starts an outbound call. Fails with ErrCallInProgress when a
// session already exists; the existing session is left untouched.
func (cm *CallMachine) PlaceCall(ctx context.Context, number string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() != string(CallIdle) {
		return ErrCallInProgress
	}

	cm.session = &CallSession{
		ID:             uuid.NewString(),
		Direction:      DirectionOutbound,
		RemoteIdentity: NormalizeIdentity(number),
	}
	cm.fire(evDial)
	activeCalls.Inc()

	if err := cm.engine.PlaceCall(ctx, number); err != nil {
		cm.clearLocked()
		cm.fire(evEnd)
		return err
	}
	cm.emitLocked("")
	return nil
}

// AnswerCall accepts the pending incoming call.
func (cm *CallMachine) AnswerCall(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() != string(CallIncoming) {
		return ErrNoActiveCall
	}
	if err := cm.engine.Answer(ctx); err != nil {
		return err
	}
	cm.tones.Stop()
	cm.fire(evAnswer)
	cm.confirmLocked()
	cm.emitLocked("")
	return nil
}

// RejectCall declines the pending incoming call with busy.
func (cm *CallMachine) RejectCall(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() != string(CallIncoming) {
		return ErrNoActiveCall
	}
	err := cm.engine.Decline(ctx)
	cm.tones.Stop()
	cm.clearLocked()
	cm.fire(evEnd)
	cm.emitLocked("")
	return err
}

// HangupCall terminates the current call in any non idle state.
func (cm *CallMachine) HangupCall(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() == string(CallIdle) {
		return ErrNoActiveCall
	}
	err := cm.engine.Hangup(ctx)
	cm.tones.Stop()
	cm.clearLocked()
	cm.fire(evEnd)
	cm.emitLocked("")
	return err
}

// SetHold flips hold only when the requested value differs from the
// tracked one. The engine exposes toggle semantics only, so the machine is
// the single owner of the current value.
func (cm *CallMachine) SetHold(ctx context.Context, hold bool) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() != string(CallActive) || cm.session == nil {
		return ErrNoActiveCall
	}
	if cm.session.OnHold == hold {
		return nil
	}
	return cm.engine.ToggleHold(ctx)
}

// SetMute flips mute only when the requested value differs.
func (cm *CallMachine) SetMute(mute bool) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() != string(CallActive) || cm.session == nil {
		return ErrNoActiveCall
	}
	if cm.session.Muted == mute {
		return nil
	}
	return cm.engine.ToggleMute()
}

// TransferCall performs a blind transfer of the active call.
func (cm *CallMachine) TransferCall(ctx context.Context, number string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.machine.Current() != string(CallActive) {
		return ErrNoActiveCall
	}
	return cm.engine.Transfer(ctx, number)
}

// HandleEvent consumes a protocol engine event.
func (cm *CallMachine) HandleEvent(ev Event) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch ev.Type {
	case EventCallInitiated:
		// Outbound dial already transitioned on intent.

	case EventCallProgress:
		if !cm.fire(evProgress) {
			return
		}
		cm.startProgressTonesLocked(ev.StatusCode)
		cm.emitLocked("")

	case EventCallConfirmed, EventCallAccepted:
		if !cm.fire(evConfirm) {
			return
		}
		cm.confirmLocked()
		cm.emitLocked("")

	case EventIncomingCall:
		if cm.machine.Current() != string(CallIdle) {
			// The engine declines a second incoming call with busy before
			// it ever reaches us. This is only a guard for odd orderings.
			cm.log.Debug("Incoming call while busy dropped", "from", ev.From)
			return
		}
		cm.session = &CallSession{
			ID:             uuid.NewString(),
			Direction:      DirectionInbound,
			RemoteIdentity: NormalizeIdentity(ev.From),
		}
		cm.fire(evIncoming)
		activeCalls.Inc()
		cm.tones.StartRing()
		cm.emitLocked("")

	case EventCallFailed:
		if cm.machine.Current() == string(CallIdle) {
			return
		}
		cause := ev.Cause
		if cause == CauseNone && ev.StatusCode != 0 {
			cause = CauseFromStatus(ev.StatusCode)
		}
		if cause == CauseNone {
			cause = CauseGeneric
		}
		callFailures.WithLabelValues(string(cause)).Inc()
		cm.tones.Stop()
		var snap CallSession
		if cm.session != nil {
			cm.session.FailureCause = cause
			snap = *cm.session
		}
		cm.clearLocked()
		cm.fire(evEnd)
		cm.emitChangeLocked(StateChange{
			State:   CallIdle,
			Session: snap,
			Message: cause.Message(),
		})

	case EventCallEnded:
		if cm.machine.Current() == string(CallIdle) {
			return
		}
		cm.tones.Stop()
		cm.clearLocked()
		cm.fire(evEnd)
		cm.emitLocked("")

	case EventHoldChanged:
		if cm.session == nil {
			return
		}
		cm.session.OnHold = ev.OnHold
		cm.emitLocked("")

	case EventMuteChanged:
		if cm.session == nil {
			return
		}
		cm.session.Muted = ev.Muted
		cm.emitLocked("")
	}
}

// startProgressTonesLocked applies the early media policy. On a 183 the
// provider may stream its own ringback, so we hold off the local tone for
// a bounded window and only play it when no remote audio showed up. A 180
// carries no media and rings locally right away.
func (cm *CallMachine) startProgressTonesLocked(statusCode int) {
	if statusCode != 183 || cm.remote == nil {
		cm.tones.StartRingback()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.earlyCancel = cancel
	baseline := cm.remote.Frames()
	sessionID := cm.session.ID

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cm.earlyMediaWait):
		}
		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.remote.Frames() > baseline {
			// Early media is flowing, keep quiet.
			return
		}
		if cm.machine.Current() == string(CallRinging) && cm.session != nil && cm.session.ID == sessionID {
			cm.tones.StartRingback()
		}
	}()
}

// confirmLocked marks the session active and starts the duration ticker.
func (cm *CallMachine) confirmLocked() {
	cm.tones.Stop()
	cm.cancelEarlyLocked()
	if cm.session == nil {
		return
	}
	cm.session.StartedAt = time.Now()

	stop := make(chan struct{})
	cm.durStop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cm.mu.Lock()
				if cm.durStop == stop {
					cm.emitLocked("")
				}
				cm.mu.Unlock()
			}
		}
	}()
}

func (cm *CallMachine) cancelEarlyLocked() {
	if cm.earlyCancel != nil {
		cm.earlyCancel()
		cm.earlyCancel = nil
	}
}

// clearLocked destroys the session and stops its timers.
func (cm *CallMachine) clearLocked() {
	cm.cancelEarlyLocked()
	if cm.durStop != nil {
		close(cm.durStop)
		cm.durStop = nil
	}
	if cm.session != nil {
		activeCalls.Dec()
		cm.session = nil
	}
}

type noopToner struct{}

func (noopToner) StartRingback() {}
func (noopToner) StartRing()     {}
func (noopToner) Stop()          {}
