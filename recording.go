// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder captures decoded remote call audio to a WAV file. Wire it into
// the AudioSink with SetRecorder and Close it when the call ends.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	closed bool
}

// NewRecorder creates a mono 16bit WAV recorder at the sink sample rate.
func NewRecorder(path string, sampleRate int) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	return &Recorder{f: f, enc: enc}, nil
}

// Write appends 16bit LE PCM samples.
func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	data := make([]int, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		data = append(data, int(int16(pcm[i])|int16(pcm[i+1])<<8))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: r.enc.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	return r.enc.Write(buf)
}

// Close finalizes the WAV headers and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.enc.Close(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
