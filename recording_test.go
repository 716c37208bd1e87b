// SPDX-License-Identifier: MPL-2.0

package webphone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesPlayableWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.wav")

	rec, err := NewRecorder(path, 8000)
	require.NoError(t, err)

	// One second of silence.
	require.NoError(t, rec.Write(make([]byte, 16000)))
	require.NoError(t, rec.Close())

	// Writes after close are discarded, not errors.
	require.NoError(t, rec.Write(make([]byte, 320)))
	require.NoError(t, rec.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 8000, len(buf.Data))
	assert.Equal(t, 1, buf.Format.NumChannels)
}

func TestAudioSinkRecordsTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tee.wav")
	rec, err := NewRecorder(path, 8000)
	require.NoError(t, err)

	out := &syncBuffer{}
	sink := NewAudioSink(out, nil)
	sink.SetRecorder(rec)

	require.NoError(t, sink.WritePCM(make([]byte, 320)))
	sink.SetRecorder(nil)
	require.NoError(t, rec.Close())

	assert.Equal(t, 320, out.Len(), "playback still receives audio while recording")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
}
