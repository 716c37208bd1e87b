// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrEngineBusy is returned when Connect is called while a transport
	// session is already live. The previous handle must be torn down first.
	ErrEngineBusy = errors.New("webphone: engine transport already connected")

	ErrEngineNotConnected = errors.New("webphone: engine not connected")

	ErrConnectTimeout = errors.New("webphone: registration not confirmed within timeout")
)

// EventType identifies a protocol engine lifecycle event.
type EventType string

const (
	EventRegistered         EventType = "registered"
	EventUnregistered       EventType = "unregistered"
	EventRegistrationFailed EventType = "registration_failed"
	EventCallInitiated      EventType = "call_initiated"
	EventCallProgress       EventType = "call_progress"
	EventCallConfirmed      EventType = "call_confirmed"
	EventCallAccepted       EventType = "call_accepted"
	EventCallFailed         EventType = "call_failed"
	EventCallEnded          EventType = "call_ended"
	EventIncomingCall       EventType = "incoming_call"
	EventHoldChanged        EventType = "hold_changed"
	EventMuteChanged        EventType = "mute_changed"
)

// Cause classifies why a call attempt failed. Call failures are terminal
// per attempt and are never retried automatically.
type Cause string

const (
	CauseNone           Cause = ""
	CauseBusy           Cause = "busy"
	CauseRejected       Cause = "rejected"
	CauseUnavailable    Cause = "unavailable"
	CauseNotFound       Cause = "not_found"
	CauseCanceled       Cause = "canceled"
	CauseNoAnswer       Cause = "no_answer"
	CauseRequestTimeout Cause = "request_timeout"
	CauseTransport      Cause = "transport"
	CauseGeneric        Cause = "failed"
)

// causeMessages is the fixed user facing string table.
var causeMessages = map[Cause]string{
	CauseBusy:           "Busy",
	CauseRejected:       "Rejected",
	CauseUnavailable:    "Unavailable",
	CauseNotFound:       "Not Found",
	CauseCanceled:       "Canceled",
	CauseNoAnswer:       "No Answer",
	CauseRequestTimeout: "Request Timeout",
	CauseTransport:      "Connection Lost",
	CauseGeneric:        "Call Failed",
}

// Message returns the user facing string for the cause.
func (c Cause) Message() string {
	if m, ok := causeMessages[c]; ok {
		return m
	}
	return causeMessages[CauseGeneric]
}

// CauseFromStatus maps a SIP final response code to a failure cause.
func CauseFromStatus(code int) Cause {
	switch code {
	case 486, 600:
		return CauseBusy
	case 403, 603:
		return CauseRejected
	case 480:
		return CauseUnavailable
	case 404:
		return CauseNotFound
	case 487:
		return CauseCanceled
	case 408:
		return CauseRequestTimeout
	default:
		return CauseGeneric
	}
}

// Event is the normalized lifecycle event emitted by a protocol engine.
// Only the fields relevant for the Type are set.
type Event struct {
	Type       EventType
	Cause      Cause
	StatusCode int
	From       string
	OnHold     bool
	Muted      bool
}

// ConnectConfig carries the registration parameters for the SIP transport.
// All values are treated as opaque config resolved by the caller.
type ConnectConfig struct {
	// Server is the SIP domain used in the registration AOR.
	Server    string
	Extension string
	Password  string

	// Transport is ws or wss.
	Transport string
	// WSServers are explicit websocket URIs tried in order.
	WSServers []string

	ICEServers []string

	// ConnectTimeout bounds the whole connect+register handshake.
	// Defaults to 10s.
	ConnectTimeout time.Duration

	// RegisterExpiry is the Expires value requested on REGISTER.
	RegisterExpiry time.Duration
}

func (c *ConnectConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 10 * time.Second
}

func (c *ConnectConfig) transport() string {
	if c.Transport != "" {
		return c.Transport
	}
	if len(c.WSServers) > 0 && strings.HasPrefix(c.WSServers[0], "wss") {
		return "wss"
	}
	return "ws"
}

func (c *ConnectConfig) registerExpiry() time.Duration {
	if c.RegisterExpiry > 0 {
		return c.RegisterExpiry
	}
	return 600 * time.Second
}

// Engine is the protocol engine contract consumed by the call state
// machine. Implementations own SIP signaling and WebRTC media; the state
// machine only observes Events and issues imperative call control.
//
// Hold and mute are toggle primitives. The engine has no query-and-set
// call, so callers must track the current value and only invoke a toggle
// when a flip is actually needed. CallMachine does exactly that.
type Engine interface {
	// Connect establishes a registered transport session. It returns once
	// registration is confirmed, or fails on disconnect, registration
	// failure or timeout. Only one live transport per process is allowed.
	Connect(ctx context.Context, conf ConnectConfig) error

	// Disconnect does best effort unregister with a bounded wait, then a
	// hard transport stop. It never fails the caller on unregister errors.
	Disconnect(ctx context.Context) error

	// Unregister and Reregister toggle registration without tearing the
	// transport down.
	Unregister(ctx context.Context) error
	Reregister(ctx context.Context) error

	PlaceCall(ctx context.Context, target string) error
	Answer(ctx context.Context) error
	// Decline rejects a pending incoming call with 486 Busy Here.
	Decline(ctx context.Context) error
	Hangup(ctx context.Context) error
	ToggleHold(ctx context.Context) error
	ToggleMute() error
	Transfer(ctx context.Context, target string) error

	// OnEvent sets the event listener. Must be called before Connect.
	// Events for a given call are delivered in emission order.
	OnEvent(fn func(Event))
}

// NormalizeIdentity reduces a SIP identity to a bare number or user part.
// "sip:0700111222@host" and "\"Agent\" <sip:0700111222@host>" both
// normalize to "0700111222".
func NormalizeIdentity(identity string) string {
	s := strings.TrimSpace(identity)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimPrefix(s, "sips:")
	s = strings.TrimPrefix(s, "sip:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return s
}
