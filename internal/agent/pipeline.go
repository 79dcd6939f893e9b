package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/avatar-runtime/internal/event"
	"github.com/chadiek/avatar-runtime/internal/logger"
)

// Providers bundles the four capabilities a turn calls out to.
type Providers struct {
	Transcriber Transcriber
	Responder   Responder
	Speech      SpeechSynthesizer
	Video       VideoSynthesizer
}

// Options tunes the pipeline.
type Options struct {
	// MaxChunkChars bounds chunk length; see Segment.
	MaxChunkChars int
	// LookAhead is how many chunks may be in flight at once.
	LookAhead int
	// VoiceRef and ImageRef identify the avatar's voice sample and face image.
	VoiceRef string
	ImageRef string
	// ProviderTimeout bounds transcription, reply and speech calls; VideoTimeout bounds
	// video synthesis. Zero disables the bound.
	ProviderTimeout time.Duration
	VideoTimeout    time.Duration
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
	// Gate, when set, screens the recording before it is transcribed.
	Gate AudioGate
}

func (o Options) withDefaults() Options {
	if o.MaxChunkChars < 2 {
		o.MaxChunkChars = 150
	}
	if o.LookAhead < 1 {
		o.LookAhead = 2
	}
	if o.EventBuffer < 1 {
		o.EventBuffer = 16
	}
	return o
}

// Pipeline drives conversation turns from audio to a stream of video chunks.
type Pipeline struct {
	providers Providers
	opts      Options
	log       *logger.Logger
	now       func() time.Time
}

func NewPipeline(p Providers, opts Options, log *logger.Logger) *Pipeline {
	return &Pipeline{
		providers: p,
		opts:      opts.withDefaults(),
		log:       logger.OrNop(log).With("component", "Pipeline"),
		now:       time.Now,
	}
}

// Stream is a running turn. Events yields every event of the turn and is closed after the
// last one; it cannot be restarted.
type Stream struct {
	Turn   *Turn
	Events <-chan event.Event
}

// RunTurn starts a turn for sess. It fails with ErrTurnInProgress when sess is busy.
// Cancelling ctx (client gone) abandons the turn and drops undelivered events;
// sess.Cancel() aborts it and still delivers a final error event.
func (p *Pipeline) RunTurn(ctx context.Context, sess *Session, audio Audio, languageHint string) (*Stream, error) {
	turn := newTurn(sess.ID, audio, languageHint, p.now())
	turnCtx, cancel := context.WithCancelCause(ctx)
	release, err := sess.acquire(ctx, turn, cancel)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	events := make(chan event.Event, p.opts.EventBuffer)
	out := emitter{ctx: ctx, out: events}
	log := p.log.With("session", sess.ID, "turn", turn.ID)

	go func() {
		defer close(events)
		defer release()
		defer cancel(nil)
		defer func() {
			if r := recover(); r != nil {
				log.Error("turn panicked", "panic", r)
				turn.failUnfinished(fmt.Errorf("panic: %v", r))
				turn.finish(TurnFailed, fmt.Errorf("panic: %v", r), p.now())
				out.emit(event.Fatal("internal error"))
			}
		}()
		p.run(turnCtx, out, sess, turn, audio, languageHint, log)
	}()
	return &Stream{Turn: turn, Events: events}, nil
}

type emitter struct {
	ctx context.Context
	out chan<- event.Event
}

// emit delivers ev unless the consumer has gone away.
func (e emitter) emit(ev event.Event) bool {
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (p *Pipeline) run(ctx context.Context, out emitter, sess *Session, turn *Turn, audio Audio, hint string, log *logger.Logger) {
	turn.setStatus(TurnStreaming)
	started := turn.Snapshot().StartedAt
	log.Info("turn started", "audio_bytes", len(audio.Data), "language", hint)

	if p.aborted(ctx, out, turn, log) {
		return
	}
	stageStart := p.now()
	if p.opts.Gate != nil {
		screened, err := p.opts.Gate.Screen(ctx, audio)
		if err != nil {
			message := "could not read the recording"
			if errors.Is(err, ErrNoSpeech) {
				message = "no speech detected in the recording"
			}
			p.fail(out, turn, &TranscriptionError{Err: err}, message, log)
			return
		}
		log.Debug("recording screened", "bytes_in", len(audio.Data), "bytes_out", len(screened.Data))
		audio = screened
	}
	tr, err := p.transcribe(ctx, audio, hint)
	if err == nil && strings.TrimSpace(tr.Text) == "" {
		err = ErrEmptyTranscript
	}
	if err != nil {
		if p.aborted(ctx, out, turn, log) {
			return
		}
		p.fail(out, turn, &TranscriptionError{Err: err}, "could not transcribe audio", log)
		return
	}
	tr.Text = strings.TrimSpace(tr.Text)
	turn.setTranscript(tr)
	language := turn.Snapshot().Language
	log.Info("transcribed", "text", tr.Text, "language", language, "elapsed", p.now().Sub(stageStart))
	out.emit(event.Transcription{Text: tr.Text, Language: language, Elapsed: event.SecondsOf(p.now().Sub(stageStart))})

	if p.aborted(ctx, out, turn, log) {
		return
	}
	stageStart = p.now()
	reply, err := p.respond(ctx, tr.Text, sess.History(), language)
	if err != nil {
		if p.aborted(ctx, out, turn, log) {
			return
		}
		p.fail(out, turn, &ResponseGenerationError{Err: err}, "could not generate a reply", log)
		return
	}
	reply = strings.TrimSpace(reply)
	segments := Segment(reply, p.opts.MaxChunkChars)
	turn.setReply(reply, segments)
	log.Info("reply generated", "chars", len(reply), "chunks", len(segments), "elapsed", p.now().Sub(stageStart))
	out.emit(event.Reply{Text: reply, Chunks: len(segments), Elapsed: event.SecondsOf(p.now().Sub(stageStart))})

	if len(segments) > 0 {
		p.renderChunks(ctx, out, turn, segments, language, log)
		if p.aborted(ctx, out, turn, log) {
			return
		}
	}

	ready := turn.readyCount()
	if len(segments) > 0 && ready == 0 {
		p.fail(out, turn, ErrAllChunksFailed, "could not generate any video for the reply", log)
		return
	}
	total := p.now().Sub(started)
	turn.finish(TurnComplete, nil, p.now())
	sess.appendExchange(tr.Text, reply)
	log.Info("turn complete", "ready", ready, "planned", len(segments), "elapsed", total)
	out.emit(event.Complete{TotalElapsed: event.SecondsOf(total), ChunkCount: ready})
}

// renderChunks runs speech then video synthesis for each segment with at most LookAhead
// chunks in flight. Chunk events are emitted as each video completes.
func (p *Pipeline) renderChunks(ctx context.Context, out emitter, turn *Turn, segments []string, language string, log *logger.Logger) {
	var g errgroup.Group
	g.SetLimit(p.opts.LookAhead)
	var ready atomic.Int32
	var (
		panicOnce sync.Once
		panicVal  any
	)
	for i, text := range segments {
		i, text := i, text
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicVal = r })
					turn.failChunk(i, fmt.Errorf("panic: %v", r))
				}
			}()
			if p.renderChunk(ctx, out, turn, i, text, language, log) {
				ready.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	// re-raised on the turn goroutine so the turn fails as a whole
	if panicVal != nil {
		panic(panicVal)
	}
	if ctx.Err() != nil {
		turn.failUnfinished(cancelCause(ctx))
	}
	log.Debug("chunks rendered", "ready", ready.Load(), "planned", len(segments))
}

func (p *Pipeline) renderChunk(ctx context.Context, out emitter, turn *Turn, i int, text, language string, log *logger.Logger) bool {
	if ctx.Err() != nil {
		turn.failChunk(i, cancelCause(ctx))
		return false
	}
	start := p.now()
	turn.startChunk(i)

	speech, err := p.synthesizeSpeech(ctx, text, language)
	if err != nil {
		return p.chunkFailed(ctx, out, turn, &ChunkError{Index: i, Stage: "speech", Err: err}, log)
	}
	turn.setChunkAudio(i, speech.AudioRef)
	if ctx.Err() != nil {
		turn.failChunk(i, cancelCause(ctx))
		return false
	}

	video, err := p.synthesizeVideo(ctx, speech.AudioRef)
	if err != nil {
		return p.chunkFailed(ctx, out, turn, &ChunkError{Index: i, Stage: "video", Err: err}, log)
	}
	elapsed := p.now().Sub(start)
	turn.readyChunk(i, video.VideoRef, elapsed)
	log.Info("chunk ready", "index", i, "elapsed", elapsed, "audio_duration", speech.Duration)
	out.emit(event.Chunk{
		Index:    i,
		Text:     text,
		VideoRef: video.VideoRef,
		AudioRef: speech.AudioRef,
		Elapsed:  event.SecondsOf(elapsed),
	})
	return true
}

func (p *Pipeline) chunkFailed(ctx context.Context, out emitter, turn *Turn, cerr *ChunkError, log *logger.Logger) bool {
	if ctx.Err() != nil {
		turn.failChunk(cerr.Index, cancelCause(ctx))
		return false
	}
	turn.failChunk(cerr.Index, cerr)
	log.Warn("chunk failed", "index", cerr.Index, "stage", cerr.Stage, "error", cerr.Err)
	out.emit(event.ChunkFailed(cerr.Index, fmt.Sprintf("chunk %d could not be generated", cerr.Index)))
	return false
}

// aborted finishes the turn if ctx is done. A user cancellation still gets a final
// error event; a vanished client does not.
func (p *Pipeline) aborted(ctx context.Context, out emitter, turn *Turn, log *logger.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := cancelCause(ctx)
	turn.failUnfinished(cause)
	turn.finish(TurnFailed, cause, p.now())
	if errors.Is(cause, ErrCancelled) {
		log.Info("turn cancelled")
		out.emit(event.Fatal("turn cancelled"))
		return true
	}
	log.Info("turn abandoned", "cause", cause)
	return true
}

func (p *Pipeline) fail(out emitter, turn *Turn, err error, message string, log *logger.Logger) {
	log.Error("turn failed", "error", err)
	turn.failUnfinished(err)
	turn.finish(TurnFailed, err, p.now())
	out.emit(event.Fatal(message))
}

func cancelCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func (p *Pipeline) transcribe(ctx context.Context, audio Audio, hint string) (Transcript, error) {
	ctx, cancel := withTimeout(ctx, p.opts.ProviderTimeout)
	defer cancel()
	return p.providers.Transcriber.Transcribe(ctx, audio, hint)
}

func (p *Pipeline) respond(ctx context.Context, text string, history []Exchange, language string) (string, error) {
	ctx, cancel := withTimeout(ctx, p.opts.ProviderTimeout)
	defer cancel()
	return p.providers.Responder.Respond(ctx, text, history, language)
}

func (p *Pipeline) synthesizeSpeech(ctx context.Context, text, language string) (Speech, error) {
	ctx, cancel := withTimeout(ctx, p.opts.ProviderTimeout)
	defer cancel()
	return p.providers.Speech.SynthesizeSpeech(ctx, text, p.opts.VoiceRef, language)
}

func (p *Pipeline) synthesizeVideo(ctx context.Context, audioRef string) (Video, error) {
	ctx, cancel := withTimeout(ctx, p.opts.VideoTimeout)
	defer cancel()
	return p.providers.Video.SynthesizeVideo(ctx, audioRef, p.opts.ImageRef)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
