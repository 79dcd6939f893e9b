package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/avatar-runtime/internal/event"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(ctx context.Context, audio Audio, hint string) (Transcript, error) {
	if f.err != nil {
		return Transcript{}, f.err
	}
	return Transcript{Text: f.text, Language: "en"}, nil
}

type fakeResponder struct {
	reply string
	err   error

	mu      sync.Mutex
	history [][]Exchange
}

func (f *fakeResponder) Respond(ctx context.Context, text string, history []Exchange, language string) (string, error) {
	f.mu.Lock()
	f.history = append(f.history, history)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.reply == "" {
		return "", nil
	}
	return f.reply, nil
}

type fakeSpeech struct{}

func (fakeSpeech) SynthesizeSpeech(ctx context.Context, text, voiceRef, language string) (Speech, error) {
	return Speech{AudioRef: "audio/" + text, Duration: time.Second}, nil
}

// fakeVideo renders "video/<text>", failing for texts in fail and tracking concurrency.
type fakeVideo struct {
	fail   map[string]bool
	delay  func(audioRef string) time.Duration
	block  bool
	panics bool

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (f *fakeVideo) SynthesizeVideo(ctx context.Context, audioRef, imageRef string) (Video, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.panics {
		panic("renderer exploded")
	}
	if f.block {
		<-ctx.Done()
		return Video{}, ctx.Err()
	}
	if f.delay != nil {
		select {
		case <-time.After(f.delay(audioRef)):
		case <-ctx.Done():
			return Video{}, ctx.Err()
		}
	}
	text := strings.TrimPrefix(audioRef, "audio/")
	if f.fail[text] {
		return Video{}, errors.New("gpu out of memory")
	}
	return Video{VideoRef: "video/" + text, Duration: time.Second}, nil
}

const fiveSentences = "One one one. Two two two. Tre tre tre. For for for. Fiv fiv fiv."

func newTestPipeline(tr Transcriber, resp Responder, video VideoSynthesizer, limit int) *Pipeline {
	return NewPipeline(Providers{
		Transcriber: tr,
		Responder:   resp,
		Speech:      fakeSpeech{},
		Video:       video,
	}, Options{MaxChunkChars: limit, LookAhead: 2, ImageRef: "face.png"}, nil)
}

func collect(t *testing.T, s *Stream) []event.Event {
	t.Helper()
	var out []event.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", out)
		}
	}
}

func chunkEvents(evs []event.Event) []event.Chunk {
	var out []event.Chunk
	for _, ev := range evs {
		if c, ok := ev.(event.Chunk); ok {
			out = append(out, c)
		}
	}
	return out
}

func TestRunTurn_HappyPath(t *testing.T) {
	resp := &fakeResponder{reply: fiveSentences}
	p := newTestPipeline(fakeTranscriber{text: " hi "}, resp, &fakeVideo{}, 14)
	sess := NewSession("s1", 5, nil)

	stream, err := p.RunTurn(context.Background(), sess, Audio{Data: []byte("wav")}, "en")
	require.NoError(t, err)
	evs := collect(t, stream)

	require.Len(t, evs, 8)
	assert.Equal(t, event.Transcription{Text: "hi", Language: "en", Elapsed: evs[0].(event.Transcription).Elapsed}, evs[0])
	reply := evs[1].(event.Reply)
	assert.Equal(t, 5, reply.Chunks)
	complete := evs[7].(event.Complete)
	assert.Equal(t, 5, complete.ChunkCount)

	seen := map[int]bool{}
	for _, c := range chunkEvents(evs) {
		assert.Equal(t, "video/"+c.Text, c.VideoRef)
		seen[c.Index] = true
	}
	assert.Len(t, seen, 5)

	state := stream.Turn.Snapshot()
	assert.Equal(t, TurnComplete, state.Status)
	assert.Len(t, state.ReadyChunks(), 5)
	for i, c := range state.Chunks {
		assert.Equal(t, i, c.Index)
	}
	assert.Nil(t, sess.Active())
	assert.Equal(t, []Exchange{{User: "hi", Assistant: fiveSentences}}, sess.History())
}

func TestRunTurn_EmptyReplyCompletesImmediately(t *testing.T) {
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: "   "}, &fakeVideo{}, 25)
	sess := NewSession("", 5, nil)
	stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	require.Len(t, evs, 3)
	assert.IsType(t, event.Transcription{}, evs[0])
	assert.Equal(t, 0, evs[1].(event.Reply).Chunks)
	assert.Equal(t, 0, evs[2].(event.Complete).ChunkCount)
	assert.Equal(t, TurnComplete, stream.Turn.Snapshot().Status)
}

func TestRunTurn_TranscriptionFailureIsFatal(t *testing.T) {
	for name, tr := range map[string]fakeTranscriber{
		"provider error": {err: errors.New("whisper crashed")},
		"empty text":     {text: "  "},
	} {
		t.Run(name, func(t *testing.T) {
			resp := &fakeResponder{reply: "unused"}
			p := newTestPipeline(tr, resp, &fakeVideo{}, 25)
			sess := NewSession("", 5, nil)
			stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
			require.NoError(t, err)
			evs := collect(t, stream)

			require.Len(t, evs, 1)
			assert.Equal(t, event.Fatal("could not transcribe audio"), evs[0])
			state := stream.Turn.Snapshot()
			assert.Equal(t, TurnFailed, state.Status)
			var terr *TranscriptionError
			assert.True(t, errors.As(state.Err, &terr))
			assert.Empty(t, resp.history)
			assert.Nil(t, sess.Active())
		})
	}
}

func TestRunTurn_ResponseFailureIsFatal(t *testing.T) {
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{err: errors.New("429")}, &fakeVideo{}, 25)
	sess := NewSession("", 5, nil)
	stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	require.Len(t, evs, 2)
	assert.IsType(t, event.Transcription{}, evs[0])
	assert.Equal(t, event.Fatal("could not generate a reply"), evs[1])
	for _, ev := range evs {
		if e, ok := ev.(event.Error); ok {
			assert.NotContains(t, e.Message, "429")
		}
	}
	var rerr *ResponseGenerationError
	assert.True(t, errors.As(stream.Turn.Snapshot().Err, &rerr))
	assert.Empty(t, sess.History())
}

func TestRunTurn_DegradedDelivery(t *testing.T) {
	video := &fakeVideo{fail: map[string]bool{"Tre tre tre.": true}}
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: fiveSentences}, video, 14)
	stream, err := p.RunTurn(context.Background(), NewSession("", 5, nil), Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	var indices []int
	for _, c := range chunkEvents(evs) {
		indices = append(indices, c.Index)
	}
	assert.ElementsMatch(t, []int{0, 1, 3, 4}, indices)
	assert.Contains(t, evs, event.Event(event.ChunkFailed(2, "chunk 2 could not be generated")))
	assert.Equal(t, event.Complete{TotalElapsed: evs[len(evs)-1].(event.Complete).TotalElapsed, ChunkCount: 4}, evs[len(evs)-1])

	state := stream.Turn.Snapshot()
	assert.Equal(t, TurnComplete, state.Status)
	assert.Equal(t, ChunkFailed, state.Chunks[2].Status)
	var cerr *ChunkError
	require.True(t, errors.As(state.Chunks[2].Err, &cerr))
	assert.Equal(t, "video", cerr.Stage)
}

func TestRunTurn_AllChunksFail(t *testing.T) {
	fail := map[string]bool{}
	for _, s := range Segment(fiveSentences, 14) {
		fail[s] = true
	}
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: fiveSentences}, &fakeVideo{fail: fail}, 14)
	sess := NewSession("", 5, nil)
	stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	assert.Empty(t, chunkEvents(evs))
	last := evs[len(evs)-1].(event.Error)
	assert.True(t, last.Fatal)
	state := stream.Turn.Snapshot()
	assert.Equal(t, TurnFailed, state.Status)
	assert.ErrorIs(t, state.Err, ErrAllChunksFailed)
	assert.Empty(t, state.ReadyChunks())
	assert.Nil(t, sess.Active())
}

func TestRunTurn_BusySessionAndRelease(t *testing.T) {
	video := &fakeVideo{delay: func(string) time.Duration { return 20 * time.Millisecond }}
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: "Hello."}, video, 25)
	sess := NewSession("", 5, nil)

	first, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)
	_, err = p.RunTurn(context.Background(), sess, Audio{}, "")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	collect(t, first)
	second, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)
	collect(t, second)
	assert.Len(t, sess.History(), 2)
}

func TestRunTurn_UserCancel(t *testing.T) {
	video := &fakeVideo{block: true}
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: fiveSentences}, video, 14)
	sess := NewSession("", 5, nil)
	stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return video.calls.Load() > 0 }, time.Second, time.Millisecond)
	assert.True(t, sess.Cancel())
	evs := collect(t, stream)

	assert.Equal(t, event.Fatal("turn cancelled"), evs[len(evs)-1])
	assert.Empty(t, chunkEvents(evs))
	state := stream.Turn.Snapshot()
	assert.Equal(t, TurnFailed, state.Status)
	assert.ErrorIs(t, state.Err, ErrCancelled)
	for _, c := range state.Chunks {
		assert.Equal(t, ChunkFailed, c.Status)
		assert.ErrorIs(t, c.Err, ErrCancelled)
	}
	assert.Nil(t, sess.Active())
	assert.False(t, sess.Cancel())
}

func TestRunTurn_ClientDisconnectReleasesSession(t *testing.T) {
	video := &fakeVideo{block: true}
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: fiveSentences}, video, 14)
	sess := NewSession("", 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.RunTurn(ctx, sess, Audio{}, "")
	require.NoError(t, err)

	// consume only the first event, then go away
	<-stream.Events
	cancel()
	require.Eventually(t, func() bool { return sess.Active() == nil }, 2*time.Second, time.Millisecond)
	assert.Equal(t, TurnFailed, stream.Turn.Snapshot().Status)
}

func TestRunTurn_LookAheadBound(t *testing.T) {
	video := &fakeVideo{delay: func(string) time.Duration { return 10 * time.Millisecond }}
	reply := strings.Repeat("Abc abc abc. ", 8)
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: reply}, video, 14)
	stream, err := p.RunTurn(context.Background(), NewSession("", 5, nil), Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	assert.Len(t, chunkEvents(evs), 8)
	assert.LessOrEqual(t, video.maxSeen.Load(), int32(2))
	assert.Equal(t, int32(2), video.maxSeen.Load())
}

func TestRunTurn_HistoryWindow(t *testing.T) {
	resp := &fakeResponder{reply: "Ok."}
	p := newTestPipeline(fakeTranscriber{text: "hi"}, resp, &fakeVideo{}, 25)
	sess := NewSession("", 2, nil)
	for i := 0; i < 4; i++ {
		stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
		require.NoError(t, err)
		collect(t, stream)
	}
	assert.Len(t, sess.History(), 2)
	require.Len(t, resp.history, 4)
	assert.Len(t, resp.history[0], 0)
	assert.Len(t, resp.history[3], 2)
}

func TestRunTurn_PanicIsContained(t *testing.T) {
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: "Hello."}, &fakeVideo{panics: true}, 25)
	sess := NewSession("", 5, nil)
	stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)
	assert.Equal(t, event.Fatal("internal error"), evs[len(evs)-1])
	assert.Nil(t, sess.Active())
}

type denyLock struct{ released atomic.Int32 }

func (d *denyLock) Acquire(ctx context.Context, sessionID, turnID string) (bool, error) {
	return false, nil
}
func (d *denyLock) Release(ctx context.Context, sessionID, turnID string) error {
	d.released.Add(1)
	return nil
}

func TestRunTurn_ExternalLockDenied(t *testing.T) {
	p := newTestPipeline(fakeTranscriber{text: "hi"}, &fakeResponder{reply: "Hello."}, &fakeVideo{}, 25)
	sess := NewSession("", 5, &denyLock{})
	_, err := p.RunTurn(context.Background(), sess, Audio{}, "")
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.Nil(t, sess.Active())
}

func TestSessions_GetAndSweep(t *testing.T) {
	reg := NewSessions(3, nil, time.Minute)
	a := reg.Get("a")
	assert.Same(t, a, reg.Get("a"))
	anon := reg.Get("")
	assert.NotEmpty(t, anon.ID)
	assert.Equal(t, 2, reg.Len())

	assert.Equal(t, 0, reg.Sweep(time.Now()))
	assert.Equal(t, 2, reg.Sweep(time.Now().Add(2*time.Minute)))
	_, ok := reg.Lookup("a")
	assert.False(t, ok)
}

func TestSessions_GetRefreshesIdleClock(t *testing.T) {
	reg := NewSessions(3, nil, time.Minute)
	a := reg.Get("a")
	a.mu.Lock()
	a.lastUsed = time.Now().Add(-time.Hour)
	a.mu.Unlock()

	assert.Same(t, a, reg.Get("a"))
	assert.Equal(t, 0, reg.Sweep(time.Now()))
	got, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got)
}

func ExampleSegment() {
	for _, c := range Segment("Hello there. How can I help you today? Let me know.", 25) {
		fmt.Println(c)
	}
	// Output:
	// Hello there.
	// How can I help you
	// today? Let me know.
}

type gateFunc func(Audio) (Audio, error)

func (f gateFunc) Screen(ctx context.Context, audio Audio) (Audio, error) { return f(audio) }

// seenTranscriber records the audio it was handed.
type seenTranscriber struct {
	mu  sync.Mutex
	got []byte
}

func (s *seenTranscriber) Transcribe(ctx context.Context, audio Audio, hint string) (Transcript, error) {
	s.mu.Lock()
	s.got = audio.Data
	s.mu.Unlock()
	return Transcript{Text: "hello"}, nil
}

func TestRunTurn_GateRejectsSilence(t *testing.T) {
	tr := &seenTranscriber{}
	p := newTestPipeline(tr, &fakeResponder{reply: "Hi."}, &fakeVideo{}, 150)
	p.opts.Gate = gateFunc(func(a Audio) (Audio, error) { return a, ErrNoSpeech })

	stream, err := p.RunTurn(context.Background(), NewSession("", 5, nil), Audio{Data: []byte("quiet")}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	require.Len(t, evs, 1)
	assert.Equal(t, event.Fatal("no speech detected in the recording"), evs[0])
	assert.Nil(t, tr.got)
	assert.ErrorIs(t, stream.Turn.Snapshot().Err, ErrNoSpeech)
}

func TestRunTurn_GateTrimsBeforeTranscription(t *testing.T) {
	tr := &seenTranscriber{}
	p := newTestPipeline(tr, &fakeResponder{reply: "Hi."}, &fakeVideo{}, 150)
	p.opts.Gate = gateFunc(func(a Audio) (Audio, error) {
		a.Data = a.Data[1:]
		return a, nil
	})

	stream, err := p.RunTurn(context.Background(), NewSession("", 5, nil), Audio{Data: []byte("xvoice")}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	assert.IsType(t, event.Complete{}, evs[len(evs)-1])
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, "voice", string(tr.got))
}

type hangingTranscriber struct{}

func (hangingTranscriber) Transcribe(ctx context.Context, audio Audio, hint string) (Transcript, error) {
	<-ctx.Done()
	return Transcript{}, ctx.Err()
}

type hangingResponder struct{}

func (hangingResponder) Respond(ctx context.Context, text string, history []Exchange, language string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunTurn_VideoTimeoutSkipsChunk(t *testing.T) {
	video := &fakeVideo{delay: func(audioRef string) time.Duration {
		if audioRef == "audio/Tre tre tre." {
			return time.Hour
		}
		return 0
	}}
	p := NewPipeline(Providers{
		Transcriber: fakeTranscriber{text: "hi"},
		Responder:   &fakeResponder{reply: fiveSentences},
		Speech:      fakeSpeech{},
		Video:       video,
	}, Options{MaxChunkChars: 14, LookAhead: 2, VideoTimeout: 20 * time.Millisecond}, nil)

	stream, err := p.RunTurn(context.Background(), NewSession("", 5, nil), Audio{}, "")
	require.NoError(t, err)
	evs := collect(t, stream)

	assert.Contains(t, evs, event.Event(event.ChunkFailed(2, "chunk 2 could not be generated")))
	assert.Len(t, chunkEvents(evs), 4)
	last, ok := evs[len(evs)-1].(event.Complete)
	require.True(t, ok, "turn should complete, got %v", evs[len(evs)-1])
	assert.Equal(t, 4, last.ChunkCount)

	state := stream.Turn.Snapshot()
	assert.Equal(t, TurnComplete, state.Status)
	assert.ErrorIs(t, state.Chunks[2].Err, context.DeadlineExceeded)
}

func TestRunTurn_ProviderTimeoutIsFatal(t *testing.T) {
	for name, tc := range map[string]struct {
		tr      Transcriber
		resp    Responder
		message string
	}{
		"transcriber": {hangingTranscriber{}, &fakeResponder{reply: "Hi."}, "could not transcribe audio"},
		"responder":   {fakeTranscriber{text: "hi"}, hangingResponder{}, "could not generate a reply"},
	} {
		t.Run(name, func(t *testing.T) {
			p := NewPipeline(Providers{
				Transcriber: tc.tr,
				Responder:   tc.resp,
				Speech:      fakeSpeech{},
				Video:       &fakeVideo{},
			}, Options{ProviderTimeout: 20 * time.Millisecond}, nil)

			sess := NewSession("", 5, nil)
			stream, err := p.RunTurn(context.Background(), sess, Audio{}, "")
			require.NoError(t, err)
			evs := collect(t, stream)

			assert.Equal(t, event.Fatal(tc.message), evs[len(evs)-1])
			state := stream.Turn.Snapshot()
			assert.Equal(t, TurnFailed, state.Status)
			assert.ErrorIs(t, state.Err, context.DeadlineExceeded)
			assert.Nil(t, sess.Active())
		})
	}
}
