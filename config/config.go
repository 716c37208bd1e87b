// SPDX-License-Identifier: MPL-2.0

// Package config loads the agent configuration from a .env file and
// environment variables. Environment variables take precedence over .env
// values; required keys fail fast.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the agent configuration.
type Config struct {
	// Backend
	APIBaseURL string
	SocketURL  string
	Email      string
	Password   string
	Feature    string

	// SIP
	SIPServer  string
	WSServers  []string
	ICEServers []string

	// Local surfaces
	RelayAddr   string
	MetricsAddr string

	// Optional
	RingToneWAV  string
	RecordingDir string
}

// Load reads configuration from a .env file (if present) and environment
// variables.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	conf := &Config{
		APIBaseURL:   os.Getenv("WEBPHONE_API_URL"),
		SocketURL:    os.Getenv("WEBPHONE_SOCKET_URL"),
		Email:        os.Getenv("WEBPHONE_EMAIL"),
		Password:     os.Getenv("WEBPHONE_PASSWORD"),
		Feature:      getenv("WEBPHONE_FEATURE", "webrtc_extension"),
		SIPServer:    os.Getenv("WEBPHONE_SIP_SERVER"),
		RelayAddr:    getenv("WEBPHONE_RELAY_ADDR", "127.0.0.1:8787"),
		MetricsAddr:  getenv("WEBPHONE_METRICS_ADDR", "127.0.0.1:9815"),
		RingToneWAV:  os.Getenv("WEBPHONE_RINGTONE"),
		RecordingDir: os.Getenv("WEBPHONE_RECORDING_DIR"),
	}

	for key, val := range map[string]string{
		"WEBPHONE_API_URL":    conf.APIBaseURL,
		"WEBPHONE_EMAIL":      conf.Email,
		"WEBPHONE_PASSWORD":   conf.Password,
		"WEBPHONE_SIP_SERVER": conf.SIPServer,
	} {
		if val == "" {
			return nil, fmt.Errorf("%s environment variable is required", key)
		}
	}

	if ws := os.Getenv("WEBPHONE_WS_SERVERS"); ws != "" {
		conf.WSServers = splitList(ws)
	} else {
		conf.WSServers = []string{"wss://" + conf.SIPServer + ":8089/ws"}
	}
	if ice := os.Getenv("WEBPHONE_ICE_SERVERS"); ice != "" {
		conf.ICEServers = splitList(ice)
	}
	if conf.SocketURL == "" {
		conf.SocketURL = strings.Replace(conf.APIBaseURL, "http", "ws", 1) + "/socket"
	}

	return conf, nil
}

// SetupLogger installs the default slog logger at the LOG_LEVEL env level.
func SetupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
