// SPDX-License-Identifier: MPL-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WEBPHONE_API_URL", "https://backend.example.com/api")
	t.Setenv("WEBPHONE_EMAIL", "agent1@example.com")
	t.Setenv("WEBPHONE_PASSWORD", "secret")
	t.Setenv("WEBPHONE_SIP_SERVER", "pbx.example.com")
}

func TestLoadRequiresCoreKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBPHONE_EMAIL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBPHONE_EMAIL")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBPHONE_WS_SERVERS", "")
	t.Setenv("WEBPHONE_SOCKET_URL", "")

	conf, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://pbx.example.com:8089/ws"}, conf.WSServers)
	assert.Equal(t, "wss://backend.example.com/api/socket", conf.SocketURL)
	assert.Equal(t, "127.0.0.1:8787", conf.RelayAddr)
	assert.Equal(t, "127.0.0.1:9815", conf.MetricsAddr)
	assert.Equal(t, "webrtc_extension", conf.Feature)
}

func TestLoadExplicitLists(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBPHONE_WS_SERVERS", "wss://a.example.com/ws, wss://b.example.com/ws ,")
	t.Setenv("WEBPHONE_ICE_SERVERS", "stun:stun.example.com:3478")
	t.Setenv("WEBPHONE_SOCKET_URL", "wss://backend.example.com/socket")

	conf, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://a.example.com/ws", "wss://b.example.com/ws"}, conf.WSServers)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, conf.ICEServers)
	assert.Equal(t, "wss://backend.example.com/socket", conf.SocketURL)
}
