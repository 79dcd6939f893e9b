// Package gpu is the client for the GPU inference service that hosts speech recognition,
// voice-cloned TTS and talking-head video generation.
package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/language"
)

// ErrNotReady is returned when the service answers 503 because its models are still loading.
var ErrNotReady = errors.New("gpu: service not ready")

// ServiceError is a non-success answer from the service.
type ServiceError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gpu %s: status=%d %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("gpu %s: %s", e.Endpoint, e.Message)
}

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

func New(baseURL string) *Client {
	return &Client{
		// per-call deadlines come from the caller's context
		HTTPClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type Health struct {
	Status string `json:"status"`
	Device string `json:"device"`
	Models struct {
		ASR    bool `json:"asr"`
		TTS    bool `json:"tts"`
		Avatar bool `json:"avatar"`
	} `json:"models"`
}

// Ready reports whether speech and video generation can be served.
func (h Health) Ready() bool {
	return h.Status == "healthy" && h.Models.TTS && h.Models.Avatar
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return h, err
	}
	if err := c.do(req, "/health", &h); err != nil {
		return h, err
	}
	return h, nil
}

type transcribeResponse struct {
	Success  bool   `json:"success"`
	Text     string `json:"text"`
	Language string `json:"language"`
	Error    string `json:"error"`
}

// Transcribe implements agent.Transcriber by uploading the utterance as multipart form data.
func (c *Client) Transcribe(ctx context.Context, audio agent.Audio, hint string) (agent.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	name := audio.Filename
	if name == "" {
		name = "audio.wav"
	}
	fw, err := mw.CreateFormFile("audio", name)
	if err != nil {
		return agent.Transcript{}, err
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return agent.Transcript{}, err
	}
	if code, ok := language.Normalize(hint); ok {
		_ = mw.WriteField("language", code)
	}
	if err := mw.Close(); err != nil {
		return agent.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/asr/transcribe", &body)
	if err != nil {
		return agent.Transcript{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var tr transcribeResponse
	if err := c.do(req, "/asr/transcribe", &tr); err != nil {
		return agent.Transcript{}, err
	}
	if !tr.Success {
		return agent.Transcript{}, &ServiceError{Endpoint: "/asr/transcribe", Message: tr.Error}
	}
	lang := language.OrDefault(tr.Language)
	if tr.Language == "" {
		lang = language.OrDefault(hint)
	}
	return agent.Transcript{Text: strings.TrimSpace(tr.Text), Language: lang}, nil
}

type ttsRequest struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	SpeakerWav string `json:"speaker_wav,omitempty"`
}

type ttsResponse struct {
	Success          bool    `json:"success"`
	AudioURL         string  `json:"audio_url"`
	DurationS        float64 `json:"duration_s"`
	GenerationTimeMS float64 `json:"generation_time_ms"`
	Error            string  `json:"error"`
}

// SynthesizeSpeech implements agent.SpeechSynthesizer with the service's voice-cloning TTS.
func (c *Client) SynthesizeSpeech(ctx context.Context, text, voiceRef, lang string) (agent.Speech, error) {
	var out ttsResponse
	err := c.postJSON(ctx, "/tts/generate", ttsRequest{
		Text:       text,
		Language:   language.OrDefault(lang),
		SpeakerWav: voiceRef,
	}, &out)
	if err != nil {
		return agent.Speech{}, err
	}
	if !out.Success || out.AudioURL == "" {
		return agent.Speech{}, &ServiceError{Endpoint: "/tts/generate", Message: orDefault(out.Error, "no audio returned")}
	}
	return agent.Speech{AudioRef: out.AudioURL, Duration: seconds(out.DurationS)}, nil
}

type avatarRequest struct {
	AudioURL       string `json:"audio_url"`
	ReferenceImage string `json:"reference_image"`
}

type avatarResponse struct {
	Success   bool    `json:"success"`
	VideoURL  string  `json:"video_url"`
	DurationS float64 `json:"duration_s"`
	Error     string  `json:"error"`
}

// SynthesizeVideo implements agent.VideoSynthesizer.
func (c *Client) SynthesizeVideo(ctx context.Context, audioRef, imageRef string) (agent.Video, error) {
	var out avatarResponse
	err := c.postJSON(ctx, "/avatar/generate", avatarRequest{AudioURL: audioRef, ReferenceImage: imageRef}, &out)
	if err != nil {
		return agent.Video{}, err
	}
	if !out.Success || out.VideoURL == "" {
		return agent.Video{}, &ServiceError{Endpoint: "/avatar/generate", Message: orDefault(out.Error, "no video returned")}
	}
	return agent.Video{VideoRef: out.VideoURL, Duration: seconds(out.DurationS)}, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, endpoint, out)
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrNotReady
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{Endpoint: endpoint, Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gpu %s: decode response: %w", endpoint, err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
