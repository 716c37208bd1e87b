// SPDX-License-Identifier: MPL-2.0

// Package webphone is a WebRTC softphone client core. It bridges a SIP
// over websocket protocol engine with UI surfaces: it owns the call and
// registration state machines, the local tone and remote audio lifecycle
// and transport reconnection.
package webphone

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
)

// ErrPhoneActive is returned by New when another Phone instance is still
// live. The transport handle and the active call session are process
// local singletons, so a second instance must be refused instead of
// silently sharing them.
var ErrPhoneActive = errors.New("webphone: another phone instance is active")

var phoneActive atomic.Bool

// Status is a snapshot of phone state for status_update broadcasts.
type Status struct {
	Registration RegistrationState `json:"registrationStatus"`
	Call         CallState         `json:"callState"`
}

// Phone wires the engine, call machine, audio sink and reconnect policy
// into one owned context object. Construct with New, release with Close.
type Phone struct {
	engine Engine
	calls  *CallMachine
	sink   *AudioSink
	ringer *Ringer
	log    *slog.Logger

	mu             sync.Mutex
	regState       RegistrationState
	conf           ConnectConfig
	connected      bool
	closed         bool
	reconnect      ReconnectPolicy
	reconnectTimer *time.Timer

	audioOut       io.Writer
	ringToneWAV    string
	earlyMediaWait time.Duration
	onCall         func(StateChange)
	onRegistration func(RegistrationState)
}

type Option func(*Phone)

func WithLogger(log *slog.Logger) Option {
	return func(p *Phone) { p.log = log }
}

// WithAudioOutput sets the playable PCM destination for remote audio and
// local tones.
func WithAudioOutput(out io.Writer) Option {
	return func(p *Phone) { p.audioOut = out }
}

func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(p *Phone) { p.reconnect = policy }
}

// WithRingToneWAV loads a custom incoming ring tone from a WAV file.
func WithRingToneWAV(path string) Option {
	return func(p *Phone) { p.ringToneWAV = path }
}

func WithEarlyMediaWait(d time.Duration) Option {
	return func(p *Phone) { p.earlyMediaWait = d }
}

// OnCallChange registers the call state listener.
func OnCallChange(fn func(StateChange)) Option {
	return func(p *Phone) { p.onCall = fn }
}

// OnRegistrationChange registers the registration state listener.
func OnRegistrationChange(fn func(RegistrationState)) Option {
	return func(p *Phone) { p.onRegistration = fn }
}

// New builds the Phone around a protocol engine. Only one Phone may be
// live per process.
func New(engine Engine, opts ...Option) (*Phone, error) {
	if !phoneActive.CompareAndSwap(false, true) {
		return nil, ErrPhoneActive
	}

	// A fresh phone has no SIP credentials yet; the first Connect carries
	// them and moves the state to Registering.
	p := &Phone{
		engine:    engine,
		log:       slog.Default(),
		regState:  NotAuthenticated,
		reconnect: DefaultReconnectPolicy(),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("caller", "Phone")

	p.sink = NewAudioSink(p.audioOut, p.log)
	p.ringer = NewRinger(p.sink.WritePCM, 8000, p.log)
	if p.ringToneWAV != "" {
		if err := p.ringer.LoadRingToneWAV(p.ringToneWAV); err != nil {
			p.log.Warn("Custom ring tone not loaded, using generated tone", "error", err)
		}
	}

	p.calls = NewCallMachine(CallMachineConfig{
		Engine:         engine,
		Tones:          p.ringer,
		Remote:         p.sink,
		EarlyMediaWait: p.earlyMediaWait,
		OnChange:       p.onCall,
		Logger:         p.log,
	})

	engine.OnEvent(p.handleEvent)
	if src, ok := engine.(remoteTrackSource); ok {
		src.OnRemoteTrack(p.sink.Attach)
	}
	return p, nil
}

// remoteTrackSource is implemented by engines that surface remote webrtc
// tracks, like SipgoEngine.
type remoteTrackSource interface {
	OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
}

// Sink exposes the audio sink so engines can attach remote tracks.
func (p *Phone) Sink() *AudioSink { return p.sink }

// Calls exposes the call state machine.
func (p *Phone) Calls() *CallMachine { return p.calls }

// Status returns the current snapshot.
func (p *Phone) Status() Status {
	p.mu.Lock()
	reg := p.regState
	p.mu.Unlock()
	return Status{Registration: reg, Call: p.calls.State()}
}

// Connect establishes the registered transport session and arms the
// reconnect policy.
func (p *Phone) Connect(ctx context.Context, conf ConnectConfig) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrEngineNotConnected
	}
	p.conf = conf
	p.setRegistrationLocked(Registering)
	p.mu.Unlock()

	registrationAttempts.Inc()
	if err := p.engine.Connect(ctx, conf); err != nil {
		p.mu.Lock()
		p.setRegistrationLocked(RegistrationFailed)
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.connected = true
	p.reconnect.Reset()
	p.setRegistrationLocked(Registered)
	p.mu.Unlock()
	return nil
}

// Disconnect tears the transport down and stops reconnecting.
func (p *Phone) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	p.setRegistrationLocked(Unregistered)
	p.mu.Unlock()
	return p.engine.Disconnect(ctx)
}

// Reregister re-runs registration on the live transport.
func (p *Phone) Reregister(ctx context.Context) error {
	p.mu.Lock()
	p.setRegistrationLocked(Registering)
	p.mu.Unlock()
	registrationAttempts.Inc()
	if err := p.engine.Reregister(ctx); err != nil {
		p.mu.Lock()
		p.setRegistrationLocked(RegistrationFailed)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Unregister removes the registration but keeps the transport.
func (p *Phone) Unregister(ctx context.Context) error {
	if err := p.engine.Unregister(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.setRegistrationLocked(Unregistered)
	p.mu.Unlock()
	return nil
}

// Close releases the singleton slot. The phone is unusable afterwards.
func (p *Phone) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.engine.Disconnect(ctx)
	p.sink.DetachAll()
	p.ringer.Stop()
	phoneActive.Store(false)
	return err
}

func (p *Phone) setRegistrationLocked(state RegistrationState) {
	if p.regState == state {
		return
	}
	p.regState = state
	if p.onRegistration != nil {
		fn, s := p.onRegistration, state
		go fn(s)
	}
}

func (p *Phone) handleEvent(ev Event) {
	switch ev.Type {
	case EventRegistered:
		p.mu.Lock()
		p.connected = true
		p.reconnect.Reset()
		p.setRegistrationLocked(Registered)
		p.mu.Unlock()

	case EventUnregistered:
		p.mu.Lock()
		// Transport loss forces Registered -> Unregistered.
		p.setRegistrationLocked(Unregistered)
		wasConnected := p.connected
		p.connected = false
		p.mu.Unlock()
		if wasConnected {
			p.scheduleReconnect()
		}

	case EventRegistrationFailed:
		p.mu.Lock()
		p.setRegistrationLocked(RegistrationFailed)
		p.connected = false
		p.mu.Unlock()
		p.scheduleReconnect()

	default:
		p.calls.HandleEvent(ev)
	}
}

// scheduleReconnect arms the next backoff attempt. Once the policy budget
// is exhausted it stays down until an explicit Connect or Reregister.
func (p *Phone) scheduleReconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.reconnectTimer != nil {
		return
	}

	delay, ok := p.reconnect.NextDelay()
	if !ok {
		p.log.Warn("Reconnect attempts exhausted, manual reconnect required",
			"attempts", p.reconnect.Attempts())
		return
	}

	p.log.Info("Scheduling transport reconnect", "delay", delay, "attempt", p.reconnect.Attempts())
	transportReconnects.Inc()
	p.reconnectTimer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.reconnectTimer = nil
		if p.closed {
			p.mu.Unlock()
			return
		}
		conf := p.conf
		p.setRegistrationLocked(Registering)
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), conf.connectTimeout())
		defer cancel()
		registrationAttempts.Inc()
		if err := p.engine.Connect(ctx, conf); err != nil {
			p.log.Error("Reconnect failed", "error", err)
			p.mu.Lock()
			p.setRegistrationLocked(RegistrationFailed)
			p.mu.Unlock()
			p.scheduleReconnect()
			return
		}
		p.mu.Lock()
		p.connected = true
		p.reconnect.Reset()
		p.setRegistrationLocked(Registered)
		p.mu.Unlock()
	})
}
