package tts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/avatar-runtime/internal/logger"
)

type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	// IdleWindow ends the stream when no audio arrived for this long after the first frame.
	IdleWindow time.Duration
	MaxWait    time.Duration
	log        *logger.Logger
}

func NewDeepgramClient(apiKey, model string, log *logger.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: SampleRate,
		encoding:   "linear16",
		IdleWindow: 400 * time.Millisecond,
		MaxWait:    30 * time.Second,
		log:        logger.OrNop(log).With("component", "Deepgram"),
	}
}

// StreamPCM48k streams 48kHz mono PCM16 for text. The audio channel is closed when the
// server has flushed, audio went idle, ctx ended or MaxWait elapsed.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32
		flushed := make(chan struct{})
		var flushOnce sync.Once

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onFlushed: func() { flushOnce.Do(func() { close(flushed) }) },
			onError: func(msg string) {
				d.log.Warn("deepgram error message", "error", msg)
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn("deepgram: flush error", "error", err)
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxWait)
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-flushed:
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > d.IdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					if atomic.LoadInt32(&seenAudio) == 0 {
						errCh <- fmt.Errorf("deepgram: no audio within %s", d.MaxWait)
					}
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary  func([]byte) error
	onFlushed func()
	onError   func(string)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	if s.onFlushed != nil {
		s.onFlushed()
	}
	return nil
}
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error   { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error     { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error { return nil }
func (s *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	if s.onError != nil && e != nil {
		s.onError(fmt.Sprintf("%+v", *e))
	}
	return nil
}
func (s *speakCallback) UnhandledEvent([]byte) error { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
