package gpu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/avatar-runtime/internal/agent"
)

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy","device":"cuda","models":{"tts":true,"avatar":true,"asr":false}}`))
	}))
	defer srv.Close()

	h, err := New(srv.URL + "/").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cuda", h.Device)
	assert.True(t, h.Ready())
	assert.False(t, h.Models.ASR)
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/asr/transcribe", r.URL.Path)
		f, hdr, err := r.FormFile("audio")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "clip.webm", hdr.Filename)
		assert.Equal(t, "RIFF", string(data))
		assert.Equal(t, "zh-cn", r.FormValue("language"))
		_, _ = w.Write([]byte(`{"success":true,"text":" 你好 ","language":"zh"}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL).Transcribe(context.Background(), agent.Audio{Data: []byte("RIFF"), Filename: "clip.webm"}, "Chinese")
	require.NoError(t, err)
	assert.Equal(t, agent.Transcript{Text: "你好", Language: "zh-cn"}, tr)
}

func TestSynthesizeSpeech(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ttsRequest{Text: "Hello.", Language: "en", SpeakerWav: "voice.wav"}, req)
		_, _ = w.Write([]byte(`{"success":true,"audio_url":"http://gpu/out/tts_1.wav","duration_s":1.5,"generation_time_ms":800}`))
	}))
	defer srv.Close()

	sp, err := New(srv.URL).SynthesizeSpeech(context.Background(), "Hello.", "voice.wav", "en-GB")
	require.NoError(t, err)
	assert.Equal(t, "http://gpu/out/tts_1.wav", sp.AudioRef)
	assert.Equal(t, 1500*time.Millisecond, sp.Duration)
}

func TestSynthesizeVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req avatarRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.AudioURL == "bad" {
			_, _ = w.Write([]byte(`{"success":false,"error":"face not detected"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"video_url":"http://gpu/out/a.mp4","duration_s":2}`))
	}))
	defer srv.Close()
	c := New(srv.URL)

	v, err := c.SynthesizeVideo(context.Background(), "http://x/a.wav", "face.png")
	require.NoError(t, err)
	assert.Equal(t, agent.Video{VideoRef: "http://gpu/out/a.mp4", Duration: 2 * time.Second}, v)

	_, err = c.SynthesizeVideo(context.Background(), "bad", "face.png")
	var se *ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "face not detected", se.Message)
}

func TestHTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{"not_ready", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotReady)
		}},
		{"status_500", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("boom")) }, func(t *testing.T, err error) {
			var se *ServiceError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, 500, se.Status)
			assert.Equal(t, "boom", se.Message)
		}},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }, func(t *testing.T, err error) {
			assert.Error(t, err)
		}},
		{"missing_url", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"success":true}`)) }, func(t *testing.T, err error) {
			assert.ErrorContains(t, err, "no audio returned")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := New(srv.URL).SynthesizeSpeech(context.Background(), "hi", "", "en")
			tc.check(t, err)
		})
	}
}
