package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/language"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/vad"
	"github.com/chadiek/avatar-runtime/internal/wav"
)

const (
	DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

	sampleRate = 16000
	// 100ms of 16kHz PCM16
	frameBytes = sampleRate / 10 * 2
)

// ErrNoSpeech is returned when the clip holds no voiced run; nothing is sent upstream.
var ErrNoSpeech = agent.ErrNoSpeech

// AssemblyAI transcribes a complete utterance over the v3 streaming API: the clip is
// replayed as 100ms PCM frames, then the session is terminated and the final turns joined.
type AssemblyAI struct {
	apiKey string
	URL    string
	log    *logger.Logger
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewAssemblyAI(apiKey string, log *logger.Logger) *AssemblyAI {
	return &AssemblyAI{
		apiKey: apiKey,
		URL:    DefaultURL,
		log:    logger.OrNop(log).With("component", "AssemblyAI"),
	}
}

// Transcribe implements agent.Transcriber. The audio must be a WAV container.
func (s *AssemblyAI) Transcribe(ctx context.Context, audio agent.Audio, hint string) (agent.Transcript, error) {
	if s.apiKey == "" {
		return agent.Transcript{}, fmt.Errorf("AssemblyAI API key is empty")
	}
	decoded, err := wav.Decode(audio.Data)
	if err != nil {
		return agent.Transcript{}, err
	}
	resampled := wav.Resample(decoded, sampleRate)
	if _, ok := vad.Detect(resampled, vad.Default()); !ok {
		return agent.Transcript{}, ErrNoSpeech
	}
	pcm := resampled.Bytes()
	lang := language.OrDefault(hint)

	conn, err := s.connect(ctx, lang)
	if err != nil {
		return agent.Transcript{}, err
	}
	defer conn.Close()
	// unblock reads and writes when the caller gives up
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	result := make(chan turnsResult, 1)
	go func() { result <- s.readTurns(conn) }()

	if err := sendFrames(conn, pcm); err != nil {
		if ctx.Err() != nil {
			return agent.Transcript{}, context.Cause(ctx)
		}
		return agent.Transcript{}, fmt.Errorf("assemblyai: send audio: %w", err)
	}

	select {
	case <-ctx.Done():
		return agent.Transcript{}, context.Cause(ctx)
	case r := <-result:
		if r.err != nil {
			return agent.Transcript{}, r.err
		}
		return agent.Transcript{Text: r.text, Language: lang}, nil
	}
}

func (s *AssemblyAI) connect(ctx context.Context, lang string) (*websocket.Conn, error) {
	params := url.Values{}
	params.Set("sample_rate", fmt.Sprint(sampleRate))
	params.Set("format_turns", "true")
	params.Set("encoding", "pcm_s16le")
	if lang != "en" {
		params.Set("speech_model", "universal-streaming-multilingual")
	}
	wsURL := fmt.Sprintf("%s?%s", s.URL, params.Encode())

	headers := http.Header{"Authorization": {s.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			s.log.Warn("AssemblyAI connection failed", "status", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}
	return conn, nil
}

func sendFrames(conn *websocket.Conn, pcm []byte) error {
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
	}
	return conn.WriteJSON(map[string]string{"type": "Terminate"})
}

type turnsResult struct {
	text string
	err  error
}

// readTurns processes messages until Termination, keeping the latest text of every turn.
func (s *AssemblyAI) readTurns(conn *websocket.Conn) turnsResult {
	turns := map[int]string{}
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return turnsResult{err: fmt.Errorf("assemblyai: read: %w", err)}
		}
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &base); err != nil {
			s.log.Warn("Error unmarshaling message", "error", err)
			continue
		}
		switch base.Type {
		case "Begin":
			var msg BeginMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				s.log.Debug("AssemblyAI session began", "id", msg.ID, "expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
			}
		case "Turn":
			var msg TurnMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				s.log.Warn("Error unmarshaling Turn message", "error", err)
				continue
			}
			if msg.Transcript != "" {
				turns[msg.TurnOrder] = msg.Transcript
			}
		case "Termination":
			var msg TerminationMessage
			_ = json.Unmarshal(message, &msg)
			s.log.Debug("AssemblyAI session terminated", "audio_s", msg.AudioDurationSeconds, "session_s", msg.SessionDurationSeconds)
			return turnsResult{text: joinTurns(turns)}
		case "Error":
			var msg ErrorMessage
			_ = json.Unmarshal(message, &msg)
			return turnsResult{err: fmt.Errorf("assemblyai: %s", msg.Error)}
		default:
			s.log.Debug("Unknown message type", "type", base.Type)
		}
	}
}

func joinTurns(turns map[int]string) string {
	order := make([]int, 0, len(turns))
	for k := range turns {
		order = append(order, k)
	}
	sort.Ints(order)
	parts := make([]string, 0, len(order))
	for _, k := range order {
		if t := strings.TrimSpace(turns[k]); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
