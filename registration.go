// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"time"
)

// RegistrationState mirrors the SIP registration lifecycle. It is owned by
// the Phone and mutated only by engine events or explicit intents; a
// transport level disconnect forces Registered back to Unregistered.
type RegistrationState string

const (
	Unregistered       RegistrationState = "unregistered"
	Registering        RegistrationState = "registering"
	Registered         RegistrationState = "registered"
	RegistrationFailed RegistrationState = "registration_failed"
	NotAuthenticated   RegistrationState = "not_authenticated"
)

// ReconnectPolicy schedules reconnect attempts with capped exponential
// backoff. Zero value is not usable, call DefaultReconnectPolicy.
//
// Attempts reset on any successful connect. Once MaxAttempts is exhausted
// reconnection stops and requires an explicit re-trigger.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	attempts int
}

// DefaultReconnectPolicy matches the transport recovery behavior: delays
// double from 2s up to a 30s ceiling over at most 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// NextDelay returns the delay before the next attempt. ok is false when
// the attempt budget is exhausted.
func (p *ReconnectPolicy) NextDelay() (delay time.Duration, ok bool) {
	if p.attempts >= p.MaxAttempts {
		return 0, false
	}
	delay = p.BaseDelay << uint(p.attempts)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	p.attempts++
	return delay, true
}

// Attempts returns how many reconnects were scheduled since last reset.
func (p *ReconnectPolicy) Attempts() int { return p.attempts }

// Reset clears the attempt counter after a successful connect.
func (p *ReconnectPolicy) Reset() { p.attempts = 0 }
