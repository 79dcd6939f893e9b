package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/event"
)

// wsControl is a text frame sent by the client. Types: "start", "cancel".
type wsControl struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	Language    string `json:"language,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type wsFrame struct {
	kind int
	data []byte
}

const wsWriteTimeout = 10 * time.Second

// KindRejected frames a refused control message sent while a turn is streaming. It sits
// outside the event union: clients handle it apart from the turn and never Unwrap it.
const KindRejected event.Kind = "rejected"

type wsRejection struct {
	Message string `json:"message"`
}

// handleWebSocket carries the same event union as the SSE endpoint. Each turn is a "start"
// text frame followed by one binary frame holding the recorded audio; turns on one
// connection run one after another.
func (s *server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()
	if s.maxUpload > 0 {
		conn.SetReadLimit(s.maxUpload + 4096)
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	frames := make(chan wsFrame)
	go func() {
		defer cancel()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case frames <- wsFrame{kind: kind, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	sessionID := strings.TrimSpace(c.QueryParam("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	log := s.log.With("session", sessionID, "transport", "ws")
	write := func(ev event.Event) error {
		env, err := event.Wrap(ev)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(env)
	}

	var (
		pending *wsControl
		events  <-chan event.Event
	)
	// refuse answers a protocol error. A running turn keeps its channel clean: the refusal
	// goes out as a rejected frame, never as an event of that turn.
	refuse := func(message string) {
		if events == nil {
			_ = write(event.Fatal(message))
			return
		}
		log.Warn("ws control refused during turn", "reason", message)
		data, _ := json.Marshal(wsRejection{Message: message})
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteJSON(event.Envelope{Type: KindRejected, Data: data})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := write(ev); err != nil {
				log.Warn("ws write error", "error", err)
				return nil
			}
		case f := <-frames:
			switch f.kind {
			case websocket.TextMessage:
				var m wsControl
				if err := json.Unmarshal(f.data, &m); err != nil {
					refuse("invalid control message")
					continue
				}
				switch strings.ToLower(m.Type) {
				case "start":
					if events != nil {
						refuse("a turn is already in progress for this session")
						continue
					}
					if m.SessionID != "" {
						sessionID = m.SessionID
						log = s.log.With("session", sessionID, "transport", "ws")
					}
					pending = &m
				case "cancel":
					if sess, ok := s.sessions.Lookup(sessionID); ok {
						sess.Cancel()
					}
				default:
					refuse("unknown message type: " + m.Type)
				}
			case websocket.BinaryMessage:
				if pending == nil {
					refuse("send a start message before the audio")
					continue
				}
				stream, err := s.startWSTurn(ctx, sessionID, *pending, f.data)
				pending = nil
				if err != nil {
					refuse(err.Error())
					continue
				}
				log.Info("ws turn started", "turn", stream.Turn.ID, "audio_bytes", len(f.data))
				events = stream.Events
			}
		}
	}
}

func (s *server) startWSTurn(ctx context.Context, sessionID string, start wsControl, audio []byte) (*agent.Stream, error) {
	if len(audio) == 0 {
		return nil, errors.New("audio frame is empty")
	}
	lang, err := parseLanguage(start.Language)
	if err != nil {
		return nil, errors.New("unsupported language: " + start.Language)
	}
	stream, err := s.pipeline.RunTurn(ctx, s.sessions.Get(sessionID), agent.Audio{
		Data:        audio,
		Filename:    start.Filename,
		ContentType: start.ContentType,
	}, lang)
	if errors.Is(err, agent.ErrTurnInProgress) {
		return nil, errors.New("a turn is already in progress for this session")
	}
	if err != nil {
		s.log.Error("turn start failed", "session", sessionID, "error", err)
		return nil, errors.New("could not start turn")
	}
	return stream, nil
}
