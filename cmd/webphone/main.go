// SPDX-License-Identifier: MPL-2.0

// Command webphone runs the softphone agent: license gated login, SIP
// registration, a local relay hub for UI pages and a metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dlu6/webphone"
	"github.com/Dlu6/webphone/config"
	"github.com/Dlu6/webphone/license"
	"github.com/Dlu6/webphone/relay"
)

func main() {
	log := config.SetupLogger()

	conf, err := config.Load()
	if err != nil {
		log.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, log); err != nil {
		log.Error("Agent finished with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *config.Config, log *slog.Logger) error {
	api := license.NewClient(conf.APIBaseURL, log)

	loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	login, err := api.AgentLogin(loginCtx, conf.Email, conf.Password)
	if err != nil {
		return fmt.Errorf("agent login: %w", err)
	}
	claims, err := license.CheckToken(login.Tokens.License)
	if err != nil {
		if errors.Is(err, license.ErrTokenExpired) {
			fmt.Fprintln(os.Stderr, "Your session token has expired. Please log in again.")
		}
		return err
	}
	if claims.Feature != "" && claims.Feature != conf.Feature {
		log.Warn("Token feature differs from configured feature",
			"token", claims.Feature, "configured", conf.Feature)
	}
	log.Info("Agent logged in", "username", login.User.Username, "extension", login.User.Extension)

	fingerprint, err := license.Fingerprint()
	if err != nil {
		return fmt.Errorf("device fingerprint: %w", err)
	}

	// License failures are fatal: print the remediation and stop before
	// any SIP connect is attempted.
	session, err := api.AtomicSessionSetup(loginCtx, login.Tokens.License,
		login.User.Username, fingerprint, conf.Feature)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrLimitReached):
			fmt.Fprintln(os.Stderr, "Maximum user limit reached. Wait for a free slot or upgrade the license.")
		case errors.Is(err, license.ErrSessionConflict):
			fmt.Fprintln(os.Stderr, "Already logged in on another device. Log out there first.")
		case errors.Is(err, license.ErrFeatureNotLicensed):
			fmt.Fprintln(os.Stderr, "This feature is not licensed. Contact your administrator.")
		}
		return err
	}
	log.Info("License session established",
		"currentUsers", session.CurrentUsers, "maxUsers", session.MaxUsers)
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.EndSession(endCtx, login.Tokens.License, login.User.Username, conf.Feature); err != nil {
			log.Warn("End session on shutdown failed", "error", err)
		}
	}()

	hub := relay.NewHub(log)
	recorder := newCallRecorder(conf.RecordingDir, log)

	engine := webphone.NewSipgoEngine(log)
	var phone *webphone.Phone
	phone, err = webphone.New(engine,
		webphone.WithLogger(log),
		webphone.WithRingToneWAV(conf.RingToneWAV),
		webphone.OnCallChange(func(sc webphone.StateChange) {
			recorder.observe(phone, sc)
			hub.Broadcast(relay.TypeCallStateChange, sc)
			if sc.State == webphone.CallIncoming {
				hub.Broadcast(relay.TypeIncomingCall, map[string]string{
					"from": sc.Session.RemoteIdentity,
				})
			}
			if sc.Message != "" {
				hub.Broadcast(relay.TypeSIPStatusUpdate, map[string]string{
					"status": string(sc.State),
					"error":  sc.Message,
				})
			}
		}),
		webphone.OnRegistrationChange(func(state webphone.RegistrationState) {
			hub.Broadcast(relay.TypeStatusUpdate, map[string]any{
				"registrationStatus": state,
				"agentDetails":       login.User,
			})
		}),
	)
	if err != nil {
		return err
	}
	defer phone.Close()

	hub.OnIntent(intentDispatcher(phone))

	ctx, forceLogout := context.WithCancel(ctx)
	defer forceLogout()

	coord, err := license.NewCoordinator(license.CoordinatorConfig{
		SocketURL:    conf.SocketURL,
		SessionToken: session.SessionToken,
		APIToken:     login.Tokens.License,
		Username:     login.User.Username,
		Feature:      conf.Feature,
		Fingerprint:  fingerprint,
		API:          api,
		Logger:       log,
		OnStatus: func(status license.Status) {
			hub.Broadcast(relay.TypeStatusUpdate, map[string]any{
				"websocketStatus": status,
			})
		},
		OnForcedLogout: func(reason string) {
			log.Warn("Forced logout", "reason", reason)
			forceLogout()
		},
	})
	if err != nil {
		return err
	}
	coord.Start(ctx)
	defer coord.Stop()

	if err := phone.Connect(ctx, webphone.ConnectConfig{
		Server:     conf.SIPServer,
		Extension:  login.User.Extension,
		Password:   login.Tokens.SIP,
		WSServers:  conf.WSServers,
		ICEServers: conf.ICEServers,
	}); err != nil {
		return fmt.Errorf("sip connect: %w", err)
	}
	log.Info("Registered", "server", conf.SIPServer, "extension", login.User.Extension)

	relayMux := http.NewServeMux()
	relayMux.Handle("/relay", hub.Handler())
	relaySrv := &http.Server{Addr: conf.RelayAddr, Handler: relayMux}
	go serveHTTP(relaySrv, "relay", log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: conf.MetricsAddr, Handler: metricsMux}
	go serveHTTP(metricsSrv, "metrics", log)

	<-ctx.Done()
	log.Info("Shutting down")

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	relaySrv.Shutdown(shutCtx)
	metricsSrv.Shutdown(shutCtx)
	return phone.Disconnect(shutCtx)
}

func serveHTTP(srv *http.Server, name string, log *slog.Logger) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("HTTP server failed", "server", name, "error", err)
	}
}

// callRecorder writes each confirmed call to a timestamped WAV file when a
// recording directory is configured.
type callRecorder struct {
	dir string
	log *slog.Logger

	mu  sync.Mutex
	rec *webphone.Recorder
}

func newCallRecorder(dir string, log *slog.Logger) *callRecorder {
	return &callRecorder{dir: dir, log: log}
}

func (c *callRecorder) observe(phone *webphone.Phone, sc webphone.StateChange) {
	if c.dir == "" || phone == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case sc.State == webphone.CallActive && c.rec == nil:
		path := filepath.Join(c.dir, fmt.Sprintf("call-%s-%s.wav",
			time.Now().Format("20060102-150405"), sc.Session.RemoteIdentity))
		rec, err := webphone.NewRecorder(path, 8000)
		if err != nil {
			c.log.Warn("Recording not started", "error", err)
			return
		}
		c.rec = rec
		phone.Sink().SetRecorder(rec)

	case sc.State == webphone.CallIdle && c.rec != nil:
		phone.Sink().SetRecorder(nil)
		if err := c.rec.Close(); err != nil {
			c.log.Warn("Recording close failed", "error", err)
		}
		c.rec = nil
	}
}

// intentDispatcher routes relay intents from UI pages into phone
// operations. Errors flow back in the intent ack.
func intentDispatcher(phone *webphone.Phone) func(relay.Envelope) error {
	type numberPayload struct {
		Number string `json:"number"`
	}
	type mutePayload struct {
		Mute bool `json:"mute"`
	}

	return func(env relay.Envelope) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		switch env.Type {
		case relay.TypeMakeCall:
			var p numberPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
			return phone.Calls().PlaceCall(ctx, p.Number)
		case relay.TypeAnswerCall:
			return phone.Calls().AnswerCall(ctx)
		case relay.TypeHangupCall:
			return phone.Calls().HangupCall(ctx)
		case relay.TypeHoldCall:
			return phone.Calls().SetHold(ctx, true)
		case relay.TypeUnholdCall:
			return phone.Calls().SetHold(ctx, false)
		case relay.TypeToggleMute:
			var p mutePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
			return phone.Calls().SetMute(p.Mute)
		case relay.TypeTransferCall:
			var p numberPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return err
			}
			return phone.Calls().TransferCall(ctx, p.Number)
		case relay.TypeReregister:
			return phone.Reregister(ctx)
		}
		return fmt.Errorf("unhandled intent %s", env.Type)
	}
}
