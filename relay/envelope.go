// SPDX-License-Identifier: MPL-2.0

// Package relay forwards call intents and phone events between the
// background hub and page contexts over websocket connections. Intents
// are addressed to exactly one receiver and acknowledged; events are
// broadcast best effort.
package relay

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame for every relay message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// ID correlates an intent or heartbeat with its ack.
	ID string `json:"id,omitempty"`
}

// Intent types, sent towards the phone context.
const (
	TypeMakeCall     = "make_call"
	TypeHangupCall   = "hangup_call"
	TypeAnswerCall   = "answer_call"
	TypeHoldCall     = "hold_call"
	TypeUnholdCall   = "unhold_call"
	TypeTransferCall = "transfer_call"
	TypeToggleMute   = "toggle_mute"
	TypeReregister   = "reregister"
)

// Event types, broadcast towards UI contexts.
const (
	TypeStatusUpdate    = "status_update"
	TypeIncomingCall    = "incoming_call"
	TypeCallStateChange = "call_state_change"
	TypeSIPStatusUpdate = "sip_status_update"
)

// Control types.
const (
	TypeHeartbeat = "heartbeat"
	TypeAck       = "ack"
)

var knownTypes = map[string]bool{
	TypeMakeCall:     true,
	TypeHangupCall:   true,
	TypeAnswerCall:   true,
	TypeHoldCall:     true,
	TypeUnholdCall:   true,
	TypeTransferCall: true,
	TypeToggleMute:   true,
	TypeReregister:   true,

	TypeStatusUpdate:    true,
	TypeIncomingCall:    true,
	TypeCallStateChange: true,
	TypeSIPStatusUpdate: true,

	TypeHeartbeat: true,
	TypeAck:       true,
}

var intentTypes = map[string]bool{
	TypeMakeCall:     true,
	TypeHangupCall:   true,
	TypeAnswerCall:   true,
	TypeHoldCall:     true,
	TypeUnholdCall:   true,
	TypeTransferCall: true,
	TypeToggleMute:   true,
	TypeReregister:   true,
}

// IsIntent reports whether the type addresses the phone context.
func IsIntent(typ string) bool { return intentTypes[typ] }

// Ack is the payload of an ack envelope.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Decode parses and validates a wire frame. Unknown types are rejected at
// the boundary so handlers only ever see the fixed vocabulary.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if !knownTypes[env.Type] {
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// NewEnvelope builds an envelope with a marshaled payload. A nil payload
// produces an empty body.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}
