package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Audio is one recorded utterance. Ref, when set, points at a stored copy resolvable by
// other processes.
type Audio struct {
	Data        []byte
	Filename    string
	ContentType string
	Ref         string
}

// Transcript is the result of speech recognition.
type Transcript struct {
	Text     string
	Language string
}

// Speech references synthesized audio for one chunk.
type Speech struct {
	AudioRef string
	Duration time.Duration
}

// Video references a rendered avatar clip for one chunk.
type Video struct {
	VideoRef string
	Duration time.Duration
}

// Exchange is one completed user/assistant pair of the conversation history.
type Exchange struct {
	User      string
	Assistant string
}

// Transcriber converts recorded audio to text. languageHint may be empty (auto-detect).
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio, languageHint string) (Transcript, error)
}

// Responder generates the assistant reply for the latest user text.
type Responder interface {
	Respond(ctx context.Context, text string, history []Exchange, language string) (string, error)
}

// SpeechSynthesizer renders text in the voice found at voiceRef.
type SpeechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, text, voiceRef, language string) (Speech, error)
}

// VideoSynthesizer animates the face at imageRef with the audio at audioRef.
type VideoSynthesizer interface {
	SynthesizeVideo(ctx context.Context, audioRef, imageRef string) (Video, error)
}

// AudioGate screens an upload before transcription and may return a trimmed copy.
type AudioGate interface {
	Screen(ctx context.Context, audio Audio) (Audio, error)
}

var (
	// ErrNoSpeech is returned by an AudioGate when the recording holds no voice.
	ErrNoSpeech = errors.New("agent: no speech detected")
	// ErrTurnInProgress is returned when a session already has an active turn.
	ErrTurnInProgress = errors.New("agent: a turn is already active for this session")
	// ErrCancelled is the cancellation cause for a turn aborted by the user.
	ErrCancelled = errors.New("agent: turn cancelled")
	// ErrEmptyTranscript means the transcriber heard nothing usable.
	ErrEmptyTranscript = errors.New("agent: empty transcript")
	// ErrAllChunksFailed means no chunk of the reply could be rendered.
	ErrAllChunksFailed = errors.New("agent: all chunks failed")
)

// TranscriptionError wraps a fatal transcription failure.
type TranscriptionError struct{ Err error }

func (e *TranscriptionError) Error() string { return "transcription failed: " + e.Err.Error() }
func (e *TranscriptionError) Unwrap() error { return e.Err }

// ResponseGenerationError wraps a fatal reply-generation failure.
type ResponseGenerationError struct{ Err error }

func (e *ResponseGenerationError) Error() string {
	return "response generation failed: " + e.Err.Error()
}
func (e *ResponseGenerationError) Unwrap() error { return e.Err }

// ChunkError records why a single chunk was skipped.
type ChunkError struct {
	Index int
	Stage string // "speech" or "video"
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d %s failed: %v", e.Index, e.Stage, e.Err)
}
func (e *ChunkError) Unwrap() error { return e.Err }
