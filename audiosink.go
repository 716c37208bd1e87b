// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/zaf/g711"
)

// trackRTPReader abstracts the remote track so the sink can be tested
// without a live peer connection.
type trackRTPReader interface {
	ReadRTP(buf []byte, p *rtp.Packet) (int, error)
	ReadRTCPRaw(buf []byte) (int, error)
}

// webrtcTrackReader adapts a pion remote track and its receiver.
type webrtcTrackReader struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (r *webrtcTrackReader) ReadRTP(buf []byte, p *rtp.Packet) (int, error) {
	n, _, err := r.track.Read(buf)
	if err != nil {
		return n, err
	}
	return n, p.Unmarshal(buf[:n])
}

func (r *webrtcTrackReader) ReadRTCPRaw(buf []byte) (int, error) {
	n, _, err := r.receiver.Read(buf)
	return n, err
}

// AudioSink receives remote call audio, depacketizes and decodes it to
// 16bit LE PCM and writes it to a playable output. Attachment is
// idempotent per track: the media stream reference can arrive before,
// during or after call confirmation depending on early media timing, and
// renegotiation fires OnTrack again, so re-attaching the same track must
// be a no-op.
type AudioSink struct {
	mu  sync.Mutex
	out io.Writer
	rec *Recorder
	log *slog.Logger

	attached map[string]context.CancelFunc

	firstOnce sync.Once
	firstCh   chan struct{}
	frames    atomic.Uint64
}

// NewAudioSink writes decoded audio to out. A nil out discards audio but
// still tracks frame arrival for the early media policy.
func NewAudioSink(out io.Writer, log *slog.Logger) *AudioSink {
	if log == nil {
		log = slog.Default()
	}
	return &AudioSink{
		out:      out,
		log:      log.With("caller", "AudioSink"),
		attached: make(map[string]context.CancelFunc),
		firstCh:  make(chan struct{}),
	}
}

// FirstFrame is closed once the first decoded remote frame arrived.
func (s *AudioSink) FirstFrame() <-chan struct{} { return s.firstCh }

// Frames returns how many RTP frames were decoded so far.
func (s *AudioSink) Frames() uint64 { return s.frames.Load() }

// SetRecorder tees decoded audio into a WAV recorder. Pass nil to stop.
func (s *AudioSink) SetRecorder(rec *Recorder) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

// Attach wires a remote track into the sink. Safe to call from OnTrack on
// every renegotiation.
func (s *AudioSink) Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.AttachReader(track.ID(), &webrtcTrackReader{track: track, receiver: receiver})
}

// AttachReader attaches by explicit track id. Re-attaching a live id is a
// no-op.
func (s *AudioSink) AttachReader(id string, r trackRTPReader) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attached[id]; ok {
		s.log.Debug("Track already attached", "track", id)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.attached[id] = cancel

	s.log.Info("Remote track attached", "track", id)
	go s.readLoop(ctx, id, r)
	go s.rtcpLoop(ctx, r)
}

// DetachAll stops all read loops, typically on call teardown.
func (s *AudioSink) DetachAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.attached {
		cancel()
		delete(s.attached, id)
	}
}

func (s *AudioSink) detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.attached[id]; ok {
		cancel()
		delete(s.attached, id)
	}
}

func (s *AudioSink) readLoop(ctx context.Context, id string, r trackRTPReader) {
	defer s.detach(id)

	buf := make([]byte, 1500)
	pcm := make([]byte, 4096)
	pkt := rtp.Packet{}

	for {
		if ctx.Err() != nil {
			return
		}
		_, err := r.ReadRTP(buf, &pkt)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("Track read stopped", "track", id, "error", err)
			}
			return
		}

		n, err := decodePayload(pcm, pkt.Payload, pkt.PayloadType)
		if err != nil {
			s.log.Debug("Skipping frame", "track", id, "error", err)
			continue
		}

		s.frames.Add(1)
		s.firstOnce.Do(func() { close(s.firstCh) })

		if err := s.WritePCM(pcm[:n]); err != nil {
			s.log.Debug("Sink write failed", "error", err)
			return
		}
	}
}

// rtcpLoop drains receiver reports so interceptors keep running; parsed
// packets are only surfaced at debug level.
func (s *AudioSink) rtcpLoop(ctx context.Context, r trackRTPReader) {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.ReadRTCPRaw(buf)
		if err != nil {
			return
		}
		if pkts, err := rtcp.Unmarshal(buf[:n]); err == nil {
			for _, p := range pkts {
				if str, ok := p.(fmt.Stringer); ok {
					s.log.Debug("RTCP", "packet", str.String())
				}
			}
		}
	}
}

// WritePCM pushes raw 16bit LE PCM to the output and recorder. Also used
// by the Ringer for local tones so call audio and tones share one sink.
func (s *AudioSink) WritePCM(pcm []byte) error {
	s.mu.Lock()
	out, rec := s.out, s.rec
	s.mu.Unlock()

	if rec != nil {
		// Recording failures must not kill playback.
		if err := rec.Write(pcm); err != nil {
			s.log.Debug("Recorder write failed", "error", err)
		}
	}
	if out == nil {
		return nil
	}
	_, err := out.Write(pcm)
	return err
}

// decodePayload converts a PCMU or PCMA payload to 16bit LE PCM.
func decodePayload(lpcm, payload []byte, payloadType uint8) (int, error) {
	if len(lpcm) < 2*len(payload) {
		return 0, io.ErrShortBuffer
	}
	switch payloadType {
	case 0: // PCMU
		for i, j := 0, 0; i < len(payload); i, j = i+1, j+2 {
			frame := g711.DecodeUlawFrame(payload[i])
			lpcm[j] = byte(frame)
			lpcm[j+1] = byte(frame >> 8)
		}
	case 8: // PCMA
		for i, j := 0, 0; i < len(payload); i, j = i+1, j+2 {
			frame := g711.DecodeAlawFrame(payload[i])
			lpcm[j] = byte(frame)
			lpcm[j+1] = byte(frame >> 8)
		}
	default:
		return 0, fmt.Errorf("unsupported payload type %d", payloadType)
	}
	return 2 * len(payload), nil
}
