// SPDX-License-Identifier: MPL-2.0

package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidatesType(t *testing.T) {
	env, err := Decode([]byte(`{"type":"make_call","payload":{"number":"1002"},"id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMakeCall, env.Type)
	assert.Equal(t, "abc", env.ID)

	_, err = Decode([]byte(`{"type":"drop_tables"}`))
	require.Error(t, err, "unknown types are rejected at the boundary")

	_, err = Decode([]byte(`{not json`))
	require.Error(t, err)
}

func TestIsIntent(t *testing.T) {
	assert.True(t, IsIntent(TypeMakeCall))
	assert.True(t, IsIntent(TypeReregister))
	assert.False(t, IsIntent(TypeStatusUpdate))
	assert.False(t, IsIntent(TypeAck))
	assert.False(t, IsIntent("bogus"))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeMakeCall, map[string]string{"number": "1002"})
	require.NoError(t, err)

	var p struct {
		Number string `json:"number"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "1002", p.Number)

	env, err = NewEnvelope(TypeHeartbeat, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Payload)
}
