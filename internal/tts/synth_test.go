package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/avatar-runtime/internal/storage"
	"github.com/chadiek/avatar-runtime/internal/wav"
)

type scripted struct {
	frames [][]byte
	err    error
}

func (s scripted) StreamPCM48k(ctx context.Context, text, lang string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, len(s.frames))
	errCh := make(chan error, 1)
	for _, f := range s.frames {
		pcmCh <- f
	}
	if s.err != nil {
		errCh <- s.err
	}
	close(pcmCh)
	close(errCh)
	return pcmCh, errCh
}

func TestSynthesizer_StoresWAV(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	s := &Synthesizer{
		Source: scripted{frames: [][]byte{make([]byte, 48000), make([]byte, 48000)}},
		Store:  store,
	}
	sp, err := s.SynthesizeSpeech(context.Background(), "Hello.", "", "en")
	require.NoError(t, err)
	assert.Equal(t, time.Second, sp.Duration)
	assert.Contains(t, sp.AudioRef, "http://localhost:8080/api/v1/videos/tts/")

	data, err := store.Get(context.Background(), sp.AudioRef)
	require.NoError(t, err)
	decoded, err := wav.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, decoded.SampleRate)
	assert.Len(t, decoded.Samples, 48000)
}

func TestSynthesizer_Failures(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir(), "")
	require.NoError(t, err)

	_, err = (&Synthesizer{Source: scripted{}, Store: store}).SynthesizeSpeech(context.Background(), "x", "", "")
	assert.ErrorIs(t, err, ErrNoAudio)

	boom := errors.New("quota")
	_, err = (&Synthesizer{Source: scripted{frames: [][]byte{{1, 2}}, err: boom}, Store: store}).SynthesizeSpeech(context.Background(), "x", "", "")
	assert.ErrorIs(t, err, boom)
}

func TestElevenLabs_HTTPStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1/stream", r.URL.Path)
		assert.Equal(t, "pcm_48000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "k", r.Header.Get("xi-api-key"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "Hola.", body["text"])
		assert.Equal(t, "es", body["language_code"])
		_, _ = w.Write(make([]byte, 9600))
	}))
	defer srv.Close()

	e := NewElevenLabsClient("k", "voice-1")
	e.BaseURL = srv.URL
	pcm, err := Collect(context.Background(), e, "Hola.", "spanish")
	require.NoError(t, err)
	assert.Len(t, pcm, 9600)
}

func TestElevenLabs_Errors(t *testing.T) {
	_, err := Collect(context.Background(), NewElevenLabsClient("", ""), "x", "")
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()
	e := NewElevenLabsClient("k", "v")
	e.BaseURL = srv.URL
	_, err = Collect(context.Background(), e, "x", "")
	assert.ErrorContains(t, err, "status=401")
}
