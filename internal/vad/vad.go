// Package vad locates the voiced part of a recorded utterance with a 10ms frame energy
// detector, and gates uploads that hold no speech before they reach transcription.
package vad

import (
	"context"
	"math"
	"time"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/wav"
)

const frameDur = 10 * time.Millisecond

// Config holds the detector thresholds.
type Config struct {
	// Threshold is the frame RMS, in PCM16 units, at which a frame counts as voiced.
	Threshold float64
	// SmoothFrames is the majority-vote window applied to per-frame decisions.
	SmoothFrames int
	// MinSpeech is the shortest voiced run that counts as speech.
	MinSpeech time.Duration
	// Padding is kept on both sides of the voiced span.
	Padding time.Duration
}

// Default suits close-talk microphone recordings.
func Default() Config {
	return Config{
		Threshold:    300,
		SmoothFrames: 4,
		MinSpeech:    120 * time.Millisecond,
		Padding:      220 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := Default()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.SmoothFrames < 1 {
		c.SmoothFrames = d.SmoothFrames
	}
	if c.MinSpeech < 0 {
		c.MinSpeech = 0
	}
	if c.Padding < 0 {
		c.Padding = 0
	}
	return c
}

// Span is a half-open range of sample offsets.
type Span struct {
	Start, End int
}

func (s Span) Len() int { return s.End - s.Start }

// Detect returns the span from the first to the last voiced run, widened by Padding.
// ok is false when no run reaches MinSpeech.
func Detect(p wav.PCM, cfg Config) (span Span, ok bool) {
	cfg = cfg.withDefaults()
	if p.SampleRate <= 0 || len(p.Samples) == 0 {
		return Span{}, false
	}
	frameLen := p.SampleRate / int(time.Second/frameDur)
	if frameLen < 1 {
		frameLen = 1
	}
	voiced := smooth(frameDecisions(p.Samples, frameLen, cfg.Threshold), cfg.SmoothFrames)

	minRun := int((cfg.MinSpeech + frameDur - 1) / frameDur)
	first, last := -1, -1
	for i := 0; i < len(voiced); {
		if !voiced[i] {
			i++
			continue
		}
		j := i
		for j < len(voiced) && voiced[j] {
			j++
		}
		if j-i >= minRun {
			if first < 0 {
				first = i
			}
			last = j
		}
		i = j
	}
	if first < 0 {
		return Span{}, false
	}

	pad := int(cfg.Padding / frameDur)
	span.Start = max(0, (first-pad)*frameLen)
	span.End = min(len(p.Samples), (last+pad)*frameLen)
	return span, true
}

// Trim returns the padded voiced part of p, sharing its backing array.
func Trim(p wav.PCM, cfg Config) (wav.PCM, bool) {
	span, ok := Detect(p, cfg)
	if !ok {
		return wav.PCM{SampleRate: p.SampleRate}, false
	}
	return wav.PCM{Samples: p.Samples[span.Start:span.End], SampleRate: p.SampleRate}, true
}

func frameDecisions(samples []int16, frameLen int, threshold float64) []bool {
	out := make([]bool, 0, len(samples)/frameLen+1)
	for off := 0; off < len(samples); off += frameLen {
		end := min(off+frameLen, len(samples))
		var sum float64
		for _, s := range samples[off:end] {
			f := float64(s)
			sum += f * f
		}
		out = append(out, math.Sqrt(sum/float64(end-off)) >= threshold)
	}
	return out
}

// smooth applies a trailing majority vote so single clicks and dropouts do not flip the state.
func smooth(in []bool, window int) []bool {
	out := make([]bool, len(in))
	count := 0
	for i, v := range in {
		if v {
			count++
		}
		n := window
		if i+1 < window {
			n = i + 1
		} else if i >= window && in[i-window] {
			count--
		}
		out[i] = count*2 >= n
	}
	return out
}

// Gate rejects WAV uploads without speech and trims leading and trailing silence.
// Uploads that are not WAV pass through untouched.
type Gate struct {
	cfg Config
	log *logger.Logger
}

func NewGate(cfg Config, log *logger.Logger) *Gate {
	return &Gate{cfg: cfg.withDefaults(), log: logger.OrNop(log).With("component", "VAD")}
}

var _ agent.AudioGate = (*Gate)(nil)

func (g *Gate) Screen(ctx context.Context, audio agent.Audio) (agent.Audio, error) {
	pcm, err := wav.Decode(audio.Data)
	if err != nil {
		g.log.Debug("recording is not wav, skipping voice check", "filename", audio.Filename, "error", err)
		return audio, nil
	}
	span, ok := Detect(pcm, g.cfg)
	if !ok {
		g.log.Info("no speech in recording", "duration", pcm.Duration())
		return audio, agent.ErrNoSpeech
	}
	if span.Len() == len(pcm.Samples) {
		return audio, nil
	}
	trimmed := wav.PCM{Samples: pcm.Samples[span.Start:span.End], SampleRate: pcm.SampleRate}
	g.log.Debug("trimmed silence", "from", pcm.Duration(), "to", trimmed.Duration())
	audio.Data = wav.Encode(trimmed)
	audio.ContentType = "audio/wav"
	return audio, nil
}
