package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/event"
	"github.com/chadiek/avatar-runtime/internal/language"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/sse"
)

type turnInput struct {
	sessionID string
	audio     agent.Audio
	language  string
}

// readTurnInput parses the multipart upload shared by the streaming and blocking endpoints.
func (s *server) readTurnInput(c echo.Context) (turnInput, error) {
	fh, err := c.FormFile("audio")
	if err != nil {
		return turnInput{}, echo.NewHTTPError(http.StatusBadRequest, "audio file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return turnInput{}, echo.NewHTTPError(http.StatusBadRequest, "could not read audio file")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return turnInput{}, echo.NewHTTPError(http.StatusBadRequest, "could not read audio file")
	}
	if len(data) == 0 {
		return turnInput{}, echo.NewHTTPError(http.StatusBadRequest, "audio file is empty")
	}
	lang, err := parseLanguage(c.FormValue("language"))
	if err != nil {
		return turnInput{}, err
	}
	return turnInput{
		sessionID: sessionID(c),
		audio: agent.Audio{
			Data:        data,
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
		},
		language: lang,
	}, nil
}

// parseLanguage normalises a hint. Empty and "auto" leave detection to the transcriber.
func parseLanguage(hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" || strings.EqualFold(hint, "auto") {
		return "", nil
	}
	code, ok := language.Normalize(hint)
	if !ok {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unsupported language: "+hint)
	}
	return code, nil
}

func sessionID(c echo.Context) string {
	if id := strings.TrimSpace(c.Request().Header.Get(HeaderSessionID)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.FormValue("session_id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *server) startTurn(ctx context.Context, in turnInput) (*agent.Stream, error) {
	stream, err := s.pipeline.RunTurn(ctx, s.sessions.Get(in.sessionID), in.audio, in.language)
	if errors.Is(err, agent.ErrTurnInProgress) {
		return nil, echo.NewHTTPError(http.StatusConflict, "a turn is already in progress for this session")
	}
	if err != nil {
		s.log.Error("turn start failed", "session", in.sessionID, "error", err)
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "could not start turn")
	}
	return stream, nil
}

func (s *server) handleStream(c echo.Context) error {
	in, err := s.readTurnInput(c)
	if err != nil {
		return err
	}
	stream, err := s.startTurn(c.Request().Context(), in)
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set(HeaderSessionID, in.sessionID)
	h.Set(HeaderTurnID, stream.Turn.ID)

	w, err := sse.NewWriter(c.Response())
	if err != nil {
		// the turn stops on its own once the request context ends
		s.log.Error("sse writer", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}
	s.relay(stream, w.Send, func() error { return w.Comment("keep-alive") }, s.log.With("session", in.sessionID, "turn", stream.Turn.ID))
	return nil
}

// relay forwards events until the stream closes. After the first failed write it keeps
// draining so the turn is never blocked on a dead consumer.
func (s *server) relay(stream *agent.Stream, send func(event.Event) error, ping func() error, log *logger.Logger) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	broken := false
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			if broken {
				continue
			}
			if err := send(ev); err != nil {
				broken = true
				log.Warn("event delivery failed", "kind", ev.Kind(), "error", err)
			}
		case <-ticker.C:
			if broken || ping == nil {
				continue
			}
			if err := ping(); err != nil {
				broken = true
				log.Warn("keep-alive failed", "error", err)
			}
		}
	}
}

type chunkResponse struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

type conversationResponse struct {
	TurnID     string          `json:"turn_id"`
	SessionID  string          `json:"session_id"`
	Transcript string          `json:"transcript"`
	Language   string          `json:"language"`
	Reply      string          `json:"reply"`
	VideoURL   string          `json:"video_url"`
	Chunks     []chunkResponse `json:"chunks"`
	Elapsed    event.Seconds   `json:"elapsed"`
}

// handleConversation runs a whole turn and answers with one stitched video.
func (s *server) handleConversation(c echo.Context) error {
	in, err := s.readTurnInput(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	stream, err := s.startTurn(ctx, in)
	if err != nil {
		return err
	}
	var fatal *event.Error
	for ev := range stream.Events {
		if e, ok := ev.(event.Error); ok && e.Fatal {
			fatal = &e
		}
	}
	state := stream.Turn.Snapshot()
	c.Response().Header().Set(HeaderSessionID, in.sessionID)
	c.Response().Header().Set(HeaderTurnID, state.ID)
	if fatal != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": fatal.Message, "turn_id": state.ID})
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	resp := conversationResponse{
		TurnID:     state.ID,
		SessionID:  in.sessionID,
		Transcript: state.Transcript,
		Language:   state.Language,
		Reply:      state.Reply,
		Chunks:     make([]chunkResponse, 0, len(state.Chunks)),
		Elapsed:    event.SecondsOf(state.EndedAt.Sub(state.StartedAt)),
	}
	for _, ch := range state.Chunks {
		cr := chunkResponse{Index: ch.Index, Text: ch.Text, Status: string(ch.Status), VideoURL: ch.VideoRef, AudioURL: ch.AudioRef}
		if ch.Status == agent.ChunkFailed {
			cr.Error = "chunk generation failed"
		}
		resp.Chunks = append(resp.Chunks, cr)
	}
	var refs []string
	for _, ch := range state.ReadyChunks() {
		refs = append(refs, ch.VideoRef)
	}
	switch {
	case len(refs) == 1:
		resp.VideoURL = refs[0]
	case len(refs) > 1 && s.stitcher != nil:
		url, err := s.stitcher.Concat(ctx, refs)
		if err != nil {
			s.log.Error("video concat failed", "turn", state.ID, "chunks", len(refs), "error", err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "could not assemble the reply video", "turn_id": state.ID})
		}
		resp.VideoURL = url
	}
	return c.JSON(http.StatusOK, resp)
}
