// Package event defines the closed set of stream events emitted for a conversation turn.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind names an event variant. It doubles as the SSE event name and the WebSocket message type.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindReply         Kind = "reply"
	KindChunk         Kind = "chunk"
	KindComplete      Kind = "complete"
	KindError         Kind = "error"
)

// ErrUnknownKind is returned by Decode for names outside the closed set.
var ErrUnknownKind = errors.New("event: unknown kind")

// Event is implemented only by the five variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// Seconds is a duration carried on the wire as fractional seconds.
type Seconds float64

// SecondsOf converts d, rounded to the millisecond.
func SecondsOf(d time.Duration) Seconds {
	return Seconds(math.Round(d.Seconds()*1000) / 1000)
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(math.Round(float64(s) * float64(time.Second)))
}

type Transcription struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Elapsed  Seconds `json:"elapsed"`
}

type Reply struct {
	Text string `json:"text"`
	// Chunks is the number of segments the reply was split into.
	Chunks  int     `json:"chunks"`
	Elapsed Seconds `json:"elapsed"`
}

type Chunk struct {
	Index    int     `json:"index"`
	Text     string  `json:"text"`
	VideoRef string  `json:"video_url"`
	AudioRef string  `json:"audio_url,omitempty"`
	Elapsed  Seconds `json:"elapsed"`
}

type Complete struct {
	TotalElapsed Seconds `json:"total_elapsed"`
	ChunkCount   int     `json:"chunk_count"`
}

// Error is fatal when it ends the turn. A non-fatal error names the chunk that was skipped.
type Error struct {
	Message    string `json:"message"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Fatal      bool   `json:"fatal"`
}

// ChunkFailed builds the non-fatal notice for a skipped chunk.
func ChunkFailed(index int, message string) Error {
	return Error{Message: message, ChunkIndex: &index}
}

// Fatal builds a turn-ending error.
func Fatal(message string) Error {
	return Error{Message: message, Fatal: true}
}

func (Transcription) Kind() Kind { return KindTranscription }
func (Reply) Kind() Kind         { return KindReply }
func (Chunk) Kind() Kind         { return KindChunk }
func (Complete) Kind() Kind      { return KindComplete }
func (Error) Kind() Kind         { return KindError }

func (Transcription) sealed() {}
func (Reply) sealed()         {}
func (Chunk) sealed()         {}
func (Complete) sealed()      {}
func (Error) sealed()         {}

// Terminal reports whether ev ends a turn's stream.
func Terminal(ev Event) bool {
	switch e := ev.(type) {
	case Complete:
		return true
	case Error:
		return e.Fatal
	default:
		return false
	}
}

// Encode returns the event name and its JSON payload.
func Encode(ev Event) (Kind, []byte, error) {
	if ev == nil {
		return "", nil, errors.New("event: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("event: encode %s: %w", ev.Kind(), err)
	}
	return ev.Kind(), data, nil
}

// Decode parses a payload for the named kind. Unknown names yield ErrUnknownKind.
func Decode(kind Kind, data []byte) (Event, error) {
	switch kind {
	case KindTranscription:
		return decodeAs[Transcription](kind, data)
	case KindReply:
		return decodeAs[Reply](kind, data)
	case KindChunk:
		return decodeAs[Chunk](kind, data)
	case KindComplete:
		return decodeAs[Complete](kind, data)
	case KindError:
		return decodeAs[Error](kind, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
}

func decodeAs[T Event](kind Kind, data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", kind, err)
	}
	return v, nil
}

// Envelope is the framed form used by message transports (WebSocket).
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Wrap frames ev as an Envelope.
func Wrap(ev Event) (Envelope, error) {
	kind, data, err := Encode(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: kind, Data: data}, nil
}

// Unwrap decodes the event held by an Envelope.
func (e Envelope) Unwrap() (Event, error) {
	return Decode(e.Type, e.Data)
}
