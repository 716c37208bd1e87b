// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

var tonecache sync.Map

// tonePCM returns cached 16bit LE PCM for a dual frequency tone.
func tonePCM(sampleRate int, freq1, freq2 float64, durationSec float64) []byte {
	key := fmt.Sprintf("%d-%f-%f-%f", sampleRate, freq1, freq2, durationSec)
	if val, ok := tonecache.Load(key); ok {
		return val.([]byte)
	}

	const volume = 0.3
	numSamples := int(float64(sampleRate) * durationSec)
	buf := &bytes.Buffer{}

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		// Combine the two sine waves and normalize
		sample := volume * (math.Sin(2*math.Pi*freq1*t) + math.Sin(2*math.Pi*freq2*t)) / 2.0
		intSample := int16(sample * math.MaxInt16)
		binary.Write(buf, binary.LittleEndian, intSample)
	}

	pcm := buf.Bytes()
	tonecache.Store(key, pcm)
	return pcm
}

// Ringer plays local call progress tones into an audio sink writer. It
// implements Toner. Only one tone plays at a time; starting a tone stops
// the previous one.
type Ringer struct {
	mu         sync.Mutex
	out        writerFunc
	sampleRate int
	log        *slog.Logger

	// ringPCM overrides the generated ring tone when a custom WAV was
	// loaded.
	ringPCM []byte

	cancel context.CancelFunc
}

type writerFunc func(pcm []byte) error

// NewRinger writes tones through the given writer at the sample rate of
// the audio sink (8000 for PCMU/PCMA calls).
func NewRinger(write func(pcm []byte) error, sampleRate int, log *slog.Logger) *Ringer {
	if log == nil {
		log = slog.Default()
	}
	return &Ringer{
		out:        write,
		sampleRate: sampleRate,
		log:        log.With("caller", "Ringer"),
	}
}

// LoadRingToneWAV replaces the generated ring tone with PCM decoded from
// a WAV file.
func (r *Ringer) LoadRingToneWAV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("not a valid wav file: %s", path)
	}
	pcmBuf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode wav %s: %w", path, err)
	}

	buf := &bytes.Buffer{}
	for _, s := range pcmBuf.Data {
		binary.Write(buf, binary.LittleEndian, int16(s))
	}

	r.mu.Lock()
	r.ringPCM = buf.Bytes()
	r.mu.Unlock()
	return nil
}

// StartRingback plays the outbound ringback tone (350+440Hz) until Stop.
func (r *Ringer) StartRingback() {
	r.play(tonePCM(r.sampleRate, 350, 440, 2))
}

// StartRing plays the incoming ring tone until Stop.
func (r *Ringer) StartRing() {
	r.mu.Lock()
	pcm := r.ringPCM
	r.mu.Unlock()
	if pcm == nil {
		pcm = tonePCM(r.sampleRate, 440, 480, 2)
	}
	r.play(pcm)
}

func (r *Ringer) play(pcm []byte) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		t := time.NewTimer(0)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if err := r.out(pcm); err != nil {
				r.log.Debug("Tone write stopped", "error", err)
				return
			}
			// 2s tone, 4s silence cadence
			t.Reset(4 * time.Second)
		}
	}()
}

// Stop silences any playing tone. Safe to call repeatedly.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
