// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyBackoff(t *testing.T) {
	policy := ReconnectPolicy{
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		MaxAttempts: 5,
	}

	var delays []time.Duration
	for {
		delay, ok := policy.NextDelay()
		if !ok {
			break
		}
		delays = append(delays, delay)
	}

	require.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, delays, "delays double up to the cap")
	assert.Equal(t, 5, policy.Attempts())

	// Exhausted stays exhausted until reset.
	_, ok := policy.NextDelay()
	assert.False(t, ok)

	policy.Reset()
	delay, ok := policy.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, 1, policy.Attempts())
}

func TestDefaultReconnectPolicy(t *testing.T) {
	policy := DefaultReconnectPolicy()
	assert.Equal(t, 2*time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 10, policy.MaxAttempts)
}
