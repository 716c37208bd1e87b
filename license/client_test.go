// SPDX-License-Identifier: MPL-2.0

package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/users/agent-login", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent1@example.com", body["email"])

		json.NewEncoder(w).Encode(LoginResult{
			User:   User{Username: "agent1", Extension: "1002"},
			Tokens: Tokens{SIP: "sip-token", License: "license-token"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	login, err := client.AgentLogin(context.TODO(), "agent1@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "1002", login.User.Extension)
	assert.Equal(t, "sip-token", login.Tokens.SIP)
}

func TestAtomicSessionSetup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/licenses/sessions/atomic-setup", r.URL.Path)
		assert.Equal(t, "Bearer license-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent1", body["username"])
		assert.NotEmpty(t, body["clientFingerprint"])

		json.NewEncoder(w).Encode(Session{
			SessionToken: "sess-1",
			MaxUsers:     5,
			CurrentUsers: 2,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	sess, err := client.AtomicSessionSetup(context.TODO(), "license-token", "agent1", "fp", "webrtc_extension")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.SessionToken)
	assert.Equal(t, 5, sess.MaxUsers)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestSessionSetupTypedErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"limit reached", http.StatusTooManyRequests, ErrLimitReached},
		{"session conflict", http.StatusConflict, ErrSessionConflict},
		{"feature not licensed", http.StatusForbidden, ErrFeatureNotLicensed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"message": tc.name})
			}))
			defer srv.Close()

			client := NewClient(srv.URL, nil)
			_, err := client.AtomicSessionSetup(context.TODO(), "tok", "agent1", "fp", "webrtc_extension")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

// At capacity only one of two competing setups can win the slot.
func TestSessionSetupAtCapacity(t *testing.T) {
	taken := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if taken {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"message": "maximum user limit reached"})
			return
		}
		taken = true
		json.NewEncoder(w).Encode(Session{SessionToken: "sess-1", MaxUsers: 1, CurrentUsers: 1})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)

	sess, err := client.AtomicSessionSetup(context.TODO(), "tok", "agent1", "fp-a", "webrtc_extension")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.CurrentUsers)

	_, err = client.AtomicSessionSetup(context.TODO(), "tok", "agent2", "fp-b", "webrtc_extension")
	require.ErrorIs(t, err, ErrLimitReached)
}

func TestValidateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/licenses/sessions/validate", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]bool{"valid": false})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	valid, err := client.ValidateSession(context.TODO(), "tok", "agent1", "fp", "webrtc_extension")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestGenericErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"message": "database down"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.Count(context.TODO(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database down")
}
