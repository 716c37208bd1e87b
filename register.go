// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// RegisterError is a non 2xx final response to REGISTER.
type RegisterError struct {
	Res *sip.Response
	Msg string
}

func (e *RegisterError) StatusCode() int {
	return e.Res.StatusCode
}

func (e *RegisterError) Error() string {
	return e.Msg
}

type registerOptions struct {
	username string
	password string

	// destination is the outbound proxy hostport. Required for websocket
	// transports where the registrar is only reachable over the proxy
	// connection.
	destination string
	transport   string

	expiry       time.Duration
	allowMethods []string
}

// registerSession owns one REGISTER binding: the initial register, the
// periodic refresh and the final unregister all reuse the same origin
// request so CSeq and Call-ID stay consistent.
type registerSession struct {
	client *sipgo.Client
	origin *sip.Request
	opts   registerOptions
	log    *slog.Logger

	// expiry as granted by the registrar, may differ from the requested one
	expiry time.Duration
}

func newRegisterSession(client *sipgo.Client, recipient sip.Uri, contact sip.ContactHeader, log *slog.Logger, opts registerOptions) *registerSession {
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.AppendHeader(&contact)

	if opts.transport != "" {
		req.SetTransport(sip.NetworkToUpper(opts.transport))
	}
	if opts.destination != "" {
		req.SetDestination(opts.destination)
	}
	if opts.expiry > 0 {
		expires := sip.ExpiresHeader(opts.expiry.Seconds())
		req.AppendHeader(&expires)
	}
	if len(opts.allowMethods) > 0 {
		req.AppendHeader(sip.NewHeader("Allow", strings.Join(opts.allowMethods, ", ")))
	}

	if opts.username == "" {
		opts.username = client.Name()
	}

	return &registerSession{
		client: client,
		origin: req,
		opts:   opts,
		log:    log.With("caller", "Register"),
		expiry: opts.expiry,
	}
}

// Register sends the initial REGISTER and fixes up the contact for NAT
// from the rport/received Via parameters.
// https://datatracker.ietf.org/doc/html/rfc3581#section-9
func (t *registerSession) Register(ctx context.Context) error {
	req := t.origin
	contact := *req.Contact().Clone()

	res, err := t.client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("fail to create transaction req=%q: %w", req.StartLine(), err)
	}

	via := res.Via()
	if via == nil {
		return fmt.Errorf("no Via header in response")
	}

	if rport, _ := via.Params.Get("rport"); rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			contact.Address.Port = p
		}
		if received, _ := via.Params.Get("received"); received != "" {
			contact.Address.Host = received
		}
		req.ReplaceHeader(&contact)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = t.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: t.opts.username,
			Password: t.opts.password,
		})
		if err != nil {
			return fmt.Errorf("fail to get response req=%q: %w", req.StartLine(), err)
		}
	}

	if res.StatusCode != 200 {
		return &RegisterError{Res: res, Msg: res.StartLine()}
	}

	return t.readExpiry(res)
}

// Qualify refreshes the binding once.
func (t *registerSession) Qualify(ctx context.Context) error {
	return t.doRequest(ctx, t.origin)
}

// QualifyLoop refreshes the binding until ctx is done or a refresh fails.
func (t *registerSession) QualifyLoop(ctx context.Context) error {
	retry := t.calcRetry(t.expiry)
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		expiry := t.expiry
		if err := t.Qualify(ctx); err != nil {
			return err
		}

		if t.expiry != expiry {
			retry = t.calcRetry(t.expiry)
			t.log.Info("Register expiry changed", "expiry_old", expiry, "expiry_new", t.expiry, "retry", retry)
			ticker.Reset(retry)
		}
	}
}

// calcRetry refreshes at 3/4 of the granted expiry.
func (t *registerSession) calcRetry(expiry time.Duration) time.Duration {
	retry := time.Duration(expiry.Seconds()*0.75) * time.Second
	if retry == 0 {
		retry = 30 * time.Second
	}
	return retry
}

// Unregister removes all bindings with a wildcard contact and Expires 0.
func (t *registerSession) Unregister(ctx context.Context) error {
	req := t.origin
	req.RemoveHeader("Expires")
	req.RemoveHeader("Contact")
	req.AppendHeader(sip.NewHeader("Contact", "*"))
	expires := sip.ExpiresHeader(0)
	req.AppendHeader(&expires)
	return t.doRequest(ctx, req)
}

func (t *registerSession) doRequest(ctx context.Context, req *sip.Request) error {
	req.RemoveHeader("Via")
	res, err := t.client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("fail to get response req=%q: %w", req.StartLine(), err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = t.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: t.opts.username,
			Password: t.opts.password,
		})
		if err != nil {
			return fmt.Errorf("fail to get response req=%q: %w", req.StartLine(), err)
		}
	}

	if res.StatusCode != 200 {
		return &RegisterError{Res: res, Msg: res.StartLine()}
	}
	return t.readExpiry(res)
}

func (t *registerSession) readExpiry(res *sip.Response) error {
	if h := res.GetHeader("Expires"); h != nil {
		val, err := strconv.Atoi(h.Value())
		if err != nil {
			return fmt.Errorf("failed to parse server Expires value: %w", err)
		}
		t.expiry = time.Duration(val) * time.Second
	}
	return nil
}
