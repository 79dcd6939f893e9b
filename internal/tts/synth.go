// Package tts turns reply chunks into stored WAV files using a streaming cloud TTS.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/storage"
	"github.com/chadiek/avatar-runtime/internal/wav"
)

// SampleRate of the PCM produced by every streamer.
const SampleRate = 48000

// ErrNoAudio is returned when a stream ends without producing samples.
var ErrNoAudio = errors.New("tts: no audio produced")

// PCMStreamer streams 48kHz mono PCM16 for text.
type PCMStreamer interface {
	StreamPCM48k(ctx context.Context, text, lang string) (<-chan []byte, <-chan error)
}

// StreamerFunc adapts a language-agnostic stream function such as DeepgramClient.StreamPCM48k.
type StreamerFunc func(ctx context.Context, text string) (<-chan []byte, <-chan error)

func (f StreamerFunc) StreamPCM48k(ctx context.Context, text, lang string) (<-chan []byte, <-chan error) {
	return f(ctx, text)
}

// Synthesizer implements agent.SpeechSynthesizer on top of a PCMStreamer: the stream is
// collected, wrapped as WAV and written to the artifact store.
type Synthesizer struct {
	Source PCMStreamer
	Store  storage.Store
}

// SynthesizeSpeech ignores voiceRef; cloud voices are chosen by model or voice id.
func (s *Synthesizer) SynthesizeSpeech(ctx context.Context, text, voiceRef, lang string) (agent.Speech, error) {
	pcm, err := Collect(ctx, s.Source, text, lang)
	if err != nil {
		return agent.Speech{}, err
	}
	audio := wav.FromPCM16LE(pcm, SampleRate)
	ref, err := s.Store.Put(ctx, storage.NewKey("tts", "wav"), "audio/wav", wav.Encode(audio))
	if err != nil {
		return agent.Speech{}, fmt.Errorf("tts: store audio: %w", err)
	}
	return agent.Speech{AudioRef: ref, Duration: audio.Duration()}, nil
}

// Collect drains a stream into one PCM buffer.
func Collect(ctx context.Context, src PCMStreamer, text, lang string) ([]byte, error) {
	pcmCh, errCh := src.StreamPCM48k(ctx, text, lang)
	var pcm []byte
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			pcm = append(pcm, b...)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	if len(pcm) < 2 {
		return nil, ErrNoAudio
	}
	return pcm, nil
}
