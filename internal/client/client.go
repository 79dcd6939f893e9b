// Package client talks to the conversation API: it uploads an utterance and decodes the
// event stream that comes back.
package client

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

	"github.com/chadiek/avatar-runtime/internal/event"
	"github.com/chadiek/avatar-runtime/internal/sse"
)

const (
	headerSessionID = "X-Session-ID"
	headerTurnID    = "X-Turn-ID"
)

// ErrTurnInProgress is returned when the server refuses a turn because the session is busy.
var ErrTurnInProgress = errors.New("client: a turn is already in progress for this session")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

// New returns a client without an overall timeout; streams live as long as their context.
func New(baseURL, token string) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
	}
}

// Upload is one recorded utterance.
type Upload struct {
	Audio     []byte
	Filename  string
	Language  string
	SessionID string
}

// Stream is the open event stream of one turn.
type Stream struct {
	SessionID string
	TurnID    string

	body   io.ReadCloser
	reader *sse.Reader
}

// Next returns the next event, or io.EOF once the server closed the stream.
func (s *Stream) Next() (event.Event, error) {
	return s.reader.Next()
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// StartTurn uploads the utterance to the streaming endpoint.
func (c *Client) StartTurn(ctx context.Context, up Upload) (*Stream, error) {
	req, err := c.uploadRequest(ctx, "/api/v1/conversation/stream", up)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: upload: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	return &Stream{
		SessionID: resp.Header.Get(headerSessionID),
		TurnID:    resp.Header.Get(headerTurnID),
		body:      resp.Body,
		reader:    sse.NewReader(resp.Body),
	}, nil
}

// ChunkResult is one chunk of a blocking conversation answer.
type ChunkResult struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ConversationResult is the blocking endpoint's answer.
type ConversationResult struct {
	TurnID     string        `json:"turn_id"`
	SessionID  string        `json:"session_id"`
	Transcript string        `json:"transcript"`
	Language   string        `json:"language"`
	Reply      string        `json:"reply"`
	VideoURL   string        `json:"video_url"`
	Chunks     []ChunkResult `json:"chunks"`
	Elapsed    event.Seconds `json:"elapsed"`
}

// Converse runs a whole turn and returns the stitched result.
func (c *Client) Converse(ctx context.Context, up Upload) (*ConversationResult, error) {
	req, err := c.uploadRequest(ctx, "/api/v1/conversation", up)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	var out ConversationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	return &out, nil
}

// Cancel aborts the session's active turn.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/sessions/"+sessionID+"/cancel", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: cancel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return readError(resp)
	}
	return nil
}

// Download fetches a chunk or stitched video into w.
func (c *Client) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	url := ref
	if strings.HasPrefix(ref, "/") {
		url = c.BaseURL + ref
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(url, c.BaseURL) {
		c.authorize(req)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, readError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) uploadRequest(ctx context.Context, path string, up Upload) (*http.Request, error) {
	if len(up.Audio) == 0 {
		return nil, errors.New("client: empty audio")
	}
	filename := up.Filename
	if filename == "" {
		filename = "utterance.wav"
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(up.Audio); err != nil {
		return nil, err
	}
	if up.Language != "" {
		if err := mw.WriteField("language", up.Language); err != nil {
			return nil, err
		}
	}
	if up.SessionID != "" {
		if err := mw.WriteField("session_id", up.SessionID); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if up.SessionID != "" {
		req.Header.Set(headerSessionID, up.SessionID)
	}
	c.authorize(req)
	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrTurnInProgress, msg)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
