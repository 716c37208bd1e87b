// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/webrtc/v3"
)

var ErrNoPendingCall = errors.New("webphone: no pending incoming call")

// SipgoEngine is the sipgo backed protocol engine. SIP signaling runs over
// a websocket connection to the proxy, media over a pion peer connection
// negotiated per call. At most one dialog is live at any time; a second
// INVITE is refused with 486 before it ever reaches the call machine.
type SipgoEngine struct {
	log     *slog.Logger
	events  chan Event
	onTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	mu        sync.Mutex
	eventFn   func(Event)
	conf      ConnectConfig
	connected bool

	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	dialogCli *sipgo.DialogClientCache
	dialogSrv *sipgo.DialogServerCache
	reg       *registerSession
	regCancel context.CancelFunc

	pc         *webrtc.PeerConnection
	sender     *webrtc.RTPSender
	localTrack *webrtc.TrackLocalStaticRTP

	outDialog    *sipgo.DialogClientSession
	outCancel    context.CancelFunc
	outConfirmed bool
	inDialog     *sipgo.DialogServerSession
	pendingOffer []byte
	answered     bool
	remoteSDPSet bool

	onHold bool
	muted  bool
}

// NewSipgoEngine builds the engine. Call OnEvent and optionally
// OnRemoteTrack before Connect.
func NewSipgoEngine(log *slog.Logger) *SipgoEngine {
	if log == nil {
		log = slog.Default()
	}
	s := &SipgoEngine{
		log:    log.With("caller", "SipgoEngine"),
		events: make(chan Event, 64),
	}
	go s.dispatch()
	return s
}

// OnEvent sets the event listener.
func (s *SipgoEngine) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.eventFn = fn
	s.mu.Unlock()
}

// OnRemoteTrack sets the handler invoked when remote call audio arrives.
// Wire it to AudioSink.Attach.
func (s *SipgoEngine) OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

// dispatch delivers events one by one so listeners observe them in
// emission order.
func (s *SipgoEngine) dispatch() {
	for ev := range s.events {
		s.mu.Lock()
		fn := s.eventFn
		s.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	}
}

func (s *SipgoEngine) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("Event queue full, dropping event", "type", ev.Type)
	}
}

// Connect brings up the SIP user agent, registers and starts the refresh
// loop. It returns once registration is confirmed.
func (s *SipgoEngine) Connect(ctx context.Context, conf ConnectConfig) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrEngineBusy
	}
	s.conf = conf
	s.mu.Unlock()

	// A failed refresh leaves the old user agent behind; it must go down
	// before a new transport comes up.
	s.releaseTransport()

	transport := conf.transport()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(conf.Extension))
	if err != nil {
		return fmt.Errorf("setup user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientNAT())
	if err != nil {
		ua.Close()
		return fmt.Errorf("setup client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("setup server: %w", err)
	}

	contactHDR := sip.ContactHeader{
		Address: sip.Uri{
			User:      conf.Extension,
			Host:      conf.Server,
			UriParams: sip.NewParams(),
		},
	}
	contactHDR.Address.UriParams.Add("transport", transport)

	dialogSrv := sipgo.NewDialogServerCache(client, contactHDR)
	dialogCli := sipgo.NewDialogClientCache(client, contactHDR)

	s.mu.Lock()
	s.ua = ua
	s.client = client
	s.server = server
	s.dialogSrv = dialogSrv
	s.dialogCli = dialogCli
	s.mu.Unlock()

	s.setupHandlers(server)

	reg := newRegisterSession(client,
		sip.Uri{User: conf.Extension, Host: conf.Server},
		contactHDR, s.log,
		registerOptions{
			username:     conf.Extension,
			password:     conf.Password,
			destination:  wsDestination(conf),
			transport:    transport,
			expiry:       conf.registerExpiry(),
			allowMethods: []string{"INVITE", "ACK", "CANCEL", "BYE", "REFER", "NOTIFY", "OPTIONS"},
		})

	regCtx, cancel := context.WithTimeout(ctx, conf.connectTimeout())
	defer cancel()
	if err := reg.Register(regCtx); err != nil {
		s.releaseTransport()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.reg = reg
	s.regCancel = loopCancel
	s.connected = true
	s.mu.Unlock()

	go s.qualifyLoop(loopCtx, reg)
	return nil
}

// releaseTransport stops the refresh loop and closes any user agent still
// held from an earlier session. No-op when nothing is held.
func (s *SipgoEngine) releaseTransport() {
	s.mu.Lock()
	ua := s.ua
	if s.regCancel != nil {
		s.regCancel()
		s.regCancel = nil
	}
	s.ua, s.client, s.server, s.dialogSrv, s.dialogCli = nil, nil, nil, nil, nil
	s.reg = nil
	s.mu.Unlock()

	if ua != nil {
		ua.Close()
	}
}

// qualifyLoop keeps the registration fresh. A failing refresh is the
// liveness signal for the whole SIP transport.
func (s *SipgoEngine) qualifyLoop(ctx context.Context, reg *registerSession) {
	err := reg.QualifyLoop(ctx)
	if ctx.Err() != nil {
		return
	}

	s.log.Warn("Registration refresh failed", "error", err)
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	var regErr *RegisterError
	if errors.As(err, &regErr) {
		s.emit(Event{Type: EventRegistrationFailed, StatusCode: regErr.StatusCode()})
		return
	}
	s.emit(Event{Type: EventUnregistered})
}

// Disconnect unregisters with a bounded wait and tears the transport down.
// Unregister errors are logged, never propagated.
func (s *SipgoEngine) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.ua == nil {
		s.mu.Unlock()
		return nil
	}
	ua, reg := s.ua, s.reg
	if s.regCancel != nil {
		s.regCancel()
		s.regCancel = nil
	}
	s.ua, s.client, s.server, s.dialogSrv, s.dialogCli = nil, nil, nil, nil, nil
	s.reg = nil
	s.connected = false
	s.mu.Unlock()

	s.hangupActive(ctx)

	if reg != nil {
		unregCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := reg.Unregister(unregCtx); err != nil {
			s.log.Warn("Unregister on disconnect failed", "error", err)
		}
	}
	return ua.Close()
}

// Unregister removes the registration binding but keeps the transport.
func (s *SipgoEngine) Unregister(ctx context.Context) error {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return ErrEngineNotConnected
	}
	return reg.Unregister(ctx)
}

// Reregister refreshes the binding on the live transport.
func (s *SipgoEngine) Reregister(ctx context.Context) error {
	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg == nil {
		return ErrEngineNotConnected
	}
	if err := reg.Register(ctx); err != nil {
		return err
	}
	s.emit(Event{Type: EventRegistered})
	return nil
}

// PlaceCall negotiates local media, sends the INVITE and waits for the
// answer in the background.
func (s *SipgoEngine) PlaceCall(ctx context.Context, target string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrEngineNotConnected
	}
	if s.outDialog != nil || s.inDialog != nil {
		s.mu.Unlock()
		return ErrEngineBusy
	}
	conf := s.conf
	dialogCli := s.dialogCli
	s.mu.Unlock()

	pc, err := s.newPeerConnection(conf.ICEServers)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return err
	}
	<-gatherComplete

	recipient := sip.Uri{User: target, Host: conf.Server, UriParams: sip.NewParams()}
	recipient.UriParams.Add("transport", conf.transport())

	s.emit(Event{Type: EventCallInitiated})
	dialog, err := dialogCli.Invite(ctx, recipient,
		[]byte(pc.LocalDescription().SDP),
		sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		pc.Close()
		s.closeMedia()
		s.emit(Event{Type: EventCallFailed, Cause: CauseTransport})
		return err
	}

	waitCtx, waitCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.outDialog = dialog
	s.outCancel = waitCancel
	s.outConfirmed = false
	s.remoteSDPSet = false
	s.mu.Unlock()

	go s.awaitAnswer(waitCtx, dialog, pc, conf)
	return nil
}

func (s *SipgoEngine) awaitAnswer(ctx context.Context, dialog *sipgo.DialogClientSession, pc *webrtc.PeerConnection, conf ConnectConfig) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	err := dialog.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: conf.Extension,
		Password: conf.Password,
		OnResponse: func(res *sip.Response) error {
			switch res.StatusCode {
			case sip.StatusRinging:
				s.emit(Event{Type: EventCallProgress, StatusCode: 180})
			case sip.StatusSessionInProgress:
				if body := res.Body(); len(body) > 0 {
					if err := s.applyRemoteSDP(pc, body); err != nil {
						s.log.Warn("Early media SDP rejected", "error", err)
					}
				}
				s.emit(Event{Type: EventCallProgress, StatusCode: 183})
			}
			return nil
		},
	})
	if err != nil {
		s.failOutbound(dialog, err)
		return
	}

	s.mu.Lock()
	applied := s.remoteSDPSet
	s.mu.Unlock()
	if !applied {
		if body := dialog.InviteResponse.Body(); len(body) > 0 {
			if err := s.applyRemoteSDP(pc, body); err != nil {
				s.failOutbound(dialog, err)
				return
			}
		}
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ackCancel()
	if err := dialog.Ack(ackCtx); err != nil {
		s.failOutbound(dialog, err)
		return
	}

	s.mu.Lock()
	s.outConfirmed = true
	s.mu.Unlock()
	s.emit(Event{Type: EventCallConfirmed})
}

// failOutbound classifies the dial failure and resets call state.
func (s *SipgoEngine) failOutbound(dialog *sipgo.DialogClientSession, err error) {
	s.mu.Lock()
	if s.outDialog != dialog {
		// Already torn down by a local hangup.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.teardownCall()

	ev := Event{Type: EventCallFailed, Cause: CauseTransport}
	var dialogErr sipgo.ErrDialogResponse
	switch {
	case errors.As(err, &dialogErr):
		ev.StatusCode = int(dialogErr.Res.StatusCode)
		ev.Cause = CauseFromStatus(ev.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		ev.Cause = CauseNoAnswer
	case errors.Is(err, context.Canceled):
		ev.Cause = CauseCanceled
	}
	s.log.Info("Outbound call failed", "cause", ev.Cause, "error", err)
	s.emit(ev)
}

func (s *SipgoEngine) applyRemoteSDP(pc *webrtc.PeerConnection, body []byte) error {
	s.mu.Lock()
	if s.remoteSDPSet {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(body),
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteSDPSet = true
	s.mu.Unlock()
	return nil
}

// Answer accepts the pending incoming call with a negotiated SDP answer.
func (s *SipgoEngine) Answer(ctx context.Context) error {
	s.mu.Lock()
	dialog, offer := s.inDialog, s.pendingOffer
	conf := s.conf
	s.mu.Unlock()
	if dialog == nil {
		return ErrNoPendingCall
	}

	pc, err := s.newPeerConnection(conf.ICEServers)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(offer),
	}); err != nil {
		pc.Close()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return err
	}
	<-gatherComplete

	if err := dialog.Respond(sip.StatusOK, "OK",
		[]byte(pc.LocalDescription().SDP),
		sip.NewHeader("Content-Type", "application/sdp")); err != nil {
		pc.Close()
		return err
	}

	s.mu.Lock()
	s.answered = true
	s.mu.Unlock()
	return nil
}

// Decline rejects the pending incoming call with 486 Busy Here.
func (s *SipgoEngine) Decline(ctx context.Context) error {
	s.mu.Lock()
	dialog := s.inDialog
	s.inDialog = nil
	s.pendingOffer = nil
	s.mu.Unlock()
	if dialog == nil {
		return ErrNoPendingCall
	}
	return dialog.Respond(sip.StatusBusyHere, "Busy Here", nil)
}

// Hangup terminates the current call leg whatever its stage: CANCEL for an
// unanswered outbound, BYE for a confirmed dialog, a negative final
// response for an unanswered inbound.
func (s *SipgoEngine) Hangup(ctx context.Context) error {
	s.mu.Lock()
	out, outConfirmed := s.outDialog, s.outConfirmed
	outCancel := s.outCancel
	in, answered := s.inDialog, s.answered
	s.mu.Unlock()

	var err error
	switch {
	case out != nil && !outConfirmed:
		if outCancel != nil {
			outCancel()
		}
	case out != nil:
		err = out.Bye(ctx)
	case in != nil && answered:
		err = in.Bye(ctx)
	case in != nil:
		err = in.Respond(sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
	default:
		return ErrNoActiveCall
	}

	s.teardownCall()
	return err
}

// ToggleHold flips hold with a re-INVITE carrying a direction changed SDP
// and pauses the outbound track while held.
func (s *SipgoEngine) ToggleHold(ctx context.Context) error {
	s.mu.Lock()
	pc := s.pc
	hold := !s.onHold
	req, err := s.sessionRequestLocked(sip.INVITE)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if pc == nil || pc.LocalDescription() == nil {
		return ErrNoActiveCall
	}

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(holdSDP(pc.LocalDescription().SDP, hold)))

	res, err := s.sessionDo(ctx, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return sipgo.ErrDialogResponse{Res: res}
	}

	s.mu.Lock()
	s.onHold = hold
	s.mu.Unlock()
	s.applyLocalTrack()
	s.emit(Event{Type: EventHoldChanged, OnHold: hold})
	return nil
}

// ToggleMute pauses or resumes the outbound track. Pure media operation,
// no signaling.
func (s *SipgoEngine) ToggleMute() error {
	s.mu.Lock()
	if s.sender == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	s.muted = !s.muted
	muted := s.muted
	s.mu.Unlock()

	s.applyLocalTrack()
	s.emit(Event{Type: EventMuteChanged, Muted: muted})
	return nil
}

// Transfer does a blind transfer of the active call via REFER. The far end
// ends our leg with BYE once the transfer target answers.
func (s *SipgoEngine) Transfer(ctx context.Context, target string) error {
	s.mu.Lock()
	conf := s.conf
	req, err := s.sessionRequestLocked(sip.REFER)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	referTo := sip.Uri{User: target, Host: conf.Server}
	req.AppendHeader(sip.NewHeader("Refer-To", referTo.String()))

	res, err := s.sessionDo(ctx, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return sipgo.ErrDialogResponse{Res: res}
	}
	return nil
}

// sessionRequestLocked builds an in dialog request towards the remote
// contact of whichever dialog is live. Caller holds s.mu.
func (s *SipgoEngine) sessionRequestLocked(method sip.RequestMethod) (*sip.Request, error) {
	switch {
	case s.outDialog != nil && s.outConfirmed:
		contact := s.outDialog.InviteResponse.Contact()
		if contact == nil {
			return nil, fmt.Errorf("no remote contact on dialog")
		}
		return sip.NewRequest(method, contact.Address), nil
	case s.inDialog != nil && s.answered:
		contact := s.inDialog.InviteRequest.Contact()
		if contact == nil {
			return nil, fmt.Errorf("no remote contact on dialog")
		}
		return sip.NewRequest(method, contact.Address), nil
	}
	return nil, ErrNoActiveCall
}

func (s *SipgoEngine) sessionDo(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	s.mu.Lock()
	out, in := s.outDialog, s.inDialog
	s.mu.Unlock()
	switch {
	case out != nil:
		return out.Do(ctx, req)
	case in != nil:
		return in.Do(ctx, req)
	}
	return nil, ErrNoActiveCall
}

// applyLocalTrack points the sender at the real track or nil depending on
// hold and mute.
func (s *SipgoEngine) applyLocalTrack() {
	s.mu.Lock()
	sender, track := s.sender, s.localTrack
	paused := s.muted || s.onHold
	s.mu.Unlock()
	if sender == nil {
		return
	}

	var t webrtc.TrackLocal
	if !paused {
		t = track
	}
	if err := sender.ReplaceTrack(t); err != nil {
		s.log.Warn("Replacing local track failed", "error", err)
	}
}

func (s *SipgoEngine) setupHandlers(server *sipgo.Server) {
	server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		s.onInvite(req, tx)
	})

	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		s.mu.Lock()
		srv := s.dialogSrv
		answered := s.answered
		s.mu.Unlock()
		if srv == nil {
			return
		}
		if err := srv.ReadAck(req, tx); err != nil {
			s.log.Warn("ACK outside dialog", "error", err)
			return
		}
		if answered {
			s.emit(Event{Type: EventCallConfirmed})
		}
	})

	server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		s.mu.Lock()
		srv, cli := s.dialogSrv, s.dialogCli
		s.mu.Unlock()
		if srv == nil {
			return
		}
		err := srv.ReadBye(req, tx)
		if errors.Is(err, sipgo.ErrDialogDoesNotExists) {
			err = cli.ReadBye(req, tx)
		}
		if err != nil {
			s.log.Warn("BYE outside dialog", "error", err)
			return
		}
		if s.teardownCall() {
			s.emit(Event{Type: EventCallEnded})
		}
	})

	server.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
	})

	server.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) {
		// Transfer progress notifications. Acknowledge, the far end closes
		// our leg with BYE when the transfer completes.
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})

	server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})
}

func (s *SipgoEngine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	srv := s.dialogSrv
	busy := s.outDialog != nil || s.inDialog != nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if busy {
		// Single call only: refuse call waiting at the protocol edge.
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil))
		return
	}

	dialog, err := srv.ReadInvite(req, tx)
	if err != nil {
		s.log.Error("Handling new INVITE failed", "error", err)
		return
	}
	if err := dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		s.log.Error("Responding 180 failed", "error", err)
		dialog.Close()
		return
	}

	s.mu.Lock()
	s.inDialog = dialog
	s.pendingOffer = req.Body()
	s.answered = false
	s.mu.Unlock()

	from := ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	s.emit(Event{Type: EventIncomingCall, From: from})

	// The caller may give up before we answer. CANCEL terminates the
	// dialog context, which is the only signal we get for a missed call.
	go func() {
		<-dialog.Context().Done()
		s.mu.Lock()
		missed := s.inDialog == dialog && !s.answered
		s.mu.Unlock()
		if missed && s.teardownCall() {
			s.emit(Event{Type: EventCallEnded})
		}
	}()
}

// teardownCall resets all per call state. Returns false when no call was
// live.
func (s *SipgoEngine) teardownCall() bool {
	s.mu.Lock()
	had := s.outDialog != nil || s.inDialog != nil
	if s.outCancel != nil {
		s.outCancel()
	}
	s.outDialog, s.outCancel, s.outConfirmed = nil, nil, false
	s.inDialog, s.pendingOffer, s.answered = nil, nil, false
	s.remoteSDPSet = false
	s.onHold, s.muted = false, false
	s.mu.Unlock()

	s.closeMedia()
	return had
}

func (s *SipgoEngine) closeMedia() {
	s.mu.Lock()
	pc := s.pc
	s.pc, s.sender, s.localTrack = nil, nil, nil
	s.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}

func (s *SipgoEngine) hangupActive(ctx context.Context) {
	s.mu.Lock()
	live := s.outDialog != nil || s.inDialog != nil
	s.mu.Unlock()
	if !live {
		return
	}
	if err := s.Hangup(ctx); err != nil {
		s.log.Warn("Hangup on disconnect failed", "error", err)
	}
}

// newPeerConnection builds the per call pion peer connection with PCMU and
// PCMA registered and one outbound audio track added.
func (s *SipgoEngine) newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	media := webrtc.MediaEngine{}
	if err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&media),
		webrtc.WithSettingEngine(webrtc.SettingEngine{}),
	)

	conf := webrtc.Configuration{}
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	for _, u := range iceServers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Debug("ICE connection state changed", "state", state.String())
		if state == webrtc.ICEConnectionStateFailed {
			if s.teardownCall() {
				s.emit(Event{Type: EventCallFailed, Cause: CauseTransport})
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.mu.Lock()
		fn := s.onTrack
		s.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio", "webphone")
	if err != nil {
		pc.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(audioTrack)
	if err != nil {
		pc.Close()
		return nil, err
	}

	// Drain sender reports so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	s.mu.Lock()
	s.pc = pc
	s.sender = sender
	s.localTrack = audioTrack
	s.mu.Unlock()
	return pc, nil
}

// holdSDP rewrites the media direction attribute for hold signaling.
func holdSDP(sdp string, hold bool) string {
	if hold {
		return strings.ReplaceAll(sdp, "a=sendrecv", "a=sendonly")
	}
	return strings.ReplaceAll(sdp, "a=sendonly", "a=sendrecv")
}

// wsDestination resolves the outbound proxy hostport from the first
// websocket server URI.
func wsDestination(conf ConnectConfig) string {
	if len(conf.WSServers) == 0 {
		return ""
	}
	u, err := url.Parse(conf.WSServers[0])
	if err != nil || u.Host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(u.Host); err == nil {
		return u.Host
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
