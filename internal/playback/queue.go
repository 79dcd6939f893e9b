// Package playback plays a turn's video chunks strictly in index order while they arrive
// out of order and with jitter.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chadiek/avatar-runtime/internal/event"
	"github.com/chadiek/avatar-runtime/internal/logger"
)

// Player presents chunks. Load returns once the media can start; Play returns when it ended.
type Player interface {
	Load(ctx context.Context, c event.Chunk) error
	Play(ctx context.Context, c event.Chunk) error
}

// State is the playback driver's state.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StatePlaying  State = "playing"
	StateDraining State = "draining"
)

// ErrLoadTimeout is reported for a chunk whose media did not become ready in time.
var ErrLoadTimeout = errors.New("playback: load timed out")

type Options struct {
	// LoadTimeout bounds Player.Load; zero means 10s.
	LoadTimeout time.Duration
	// OnState observes driver transitions. It is called without the queue lock held.
	OnState func(s State, index int)
	// OnSkip observes chunks that were dropped.
	OnSkip func(index int, err error)
}

// Queue buffers chunks by index and drives a single player over them.
type Queue struct {
	player Player
	opts   Options
	log    *logger.Logger

	mu       sync.Mutex
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	pending  map[int]event.Chunk
	skipped  map[int]bool
	next     int
	played   []int
	complete bool
	driving  bool
	state    State
	done     chan struct{}
}

func NewQueue(player Player, opts Options, log *logger.Logger) *Queue {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	q := &Queue{
		player: player,
		opts:   opts,
		log:    logger.OrNop(log).With("component", "PlaybackQueue"),
	}
	q.resetLocked()
	return q
}

func (q *Queue) resetLocked() {
	if q.cancel != nil {
		q.cancel()
	}
	q.gen++
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.pending = map[int]event.Chunk{}
	q.skipped = map[int]bool{}
	q.next = 0
	q.played = nil
	q.complete = false
	q.driving = false
	q.state = StateIdle
	q.done = make(chan struct{})
}

// Reset drops everything buffered and stops the running driver.
func (q *Queue) Reset() {
	q.mu.Lock()
	q.resetLocked()
	q.mu.Unlock()
}

// Push buffers c and starts the driver when none is running. Duplicates, chunks behind
// the play head and chunks after Finish are ignored.
func (q *Queue) Push(c event.Chunk) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c.Index < q.next || q.complete {
		return
	}
	if _, dup := q.pending[c.Index]; dup {
		return
	}
	q.pending[c.Index] = c
	q.kickLocked()
}

// Skip marks an index that will never arrive.
func (q *Queue) Skip(index int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < q.next {
		return
	}
	q.skipped[index] = true
	delete(q.pending, index)
	q.kickLocked()
}

// Finish records that no more chunks will arrive. Missing indices are skipped from now on.
func (q *Queue) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.complete = true
	q.kickLocked()
}

// Done is closed once a finished turn has played out. Reset replaces it.
func (q *Queue) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Wait blocks until the turn played out or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Played returns the indices played so far, in order.
func (q *Queue) Played() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.played...)
}

func (q *Queue) isDone() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// kickLocked starts the driver unless one is already running.
func (q *Queue) kickLocked() {
	if q.driving {
		return
	}
	if _, ok := q.peekLocked(); !ok && !q.finishingLocked() {
		return
	}
	q.driving = true
	go q.drive(q.ctx, q.gen)
}

func (q *Queue) finishingLocked() bool {
	return q.complete && len(q.pending) == 0 && !q.isDone()
}

// peekLocked advances the play head over skipped indices and returns the chunk at it.
func (q *Queue) peekLocked() (event.Chunk, bool) {
	for {
		if c, ok := q.pending[q.next]; ok {
			return c, true
		}
		if q.skipped[q.next] {
			delete(q.skipped, q.next)
			q.next++
			continue
		}
		// after the turn finished nothing new can fill a gap
		if q.complete && len(q.pending) > 0 {
			q.next++
			continue
		}
		return event.Chunk{}, false
	}
}

func (q *Queue) drive(ctx context.Context, gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		c, ok := q.peekLocked()
		if !ok {
			if !q.finishingLocked() {
				// wait for the next chunk; Push starts a new driver
				q.driving = false
				q.state = StateIdle
				q.mu.Unlock()
				q.notify(StateIdle, -1)
				return
			}
			q.state = StateDraining
			q.mu.Unlock()
			q.notify(StateDraining, -1)

			q.mu.Lock()
			if q.gen != gen {
				q.mu.Unlock()
				return
			}
			q.state = StateIdle
			q.driving = false
			close(q.done)
			q.mu.Unlock()
			q.notify(StateIdle, -1)
			return
		}
		delete(q.pending, c.Index)
		q.next = c.Index + 1
		q.state = StateLoading
		q.mu.Unlock()

		q.notify(StateLoading, c.Index)
		if err := q.load(ctx, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("skipping chunk", "index", c.Index, "error", err)
			if q.opts.OnSkip != nil {
				q.opts.OnSkip(c.Index, err)
			}
			continue
		}

		if !q.setState(gen, StatePlaying) {
			return
		}
		q.notify(StatePlaying, c.Index)
		if err := q.player.Play(ctx, c); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("chunk playback failed", "index", c.Index, "error", err)
			if q.opts.OnSkip != nil {
				q.opts.OnSkip(c.Index, err)
			}
			continue
		}
		q.mu.Lock()
		if q.gen == gen {
			q.played = append(q.played, c.Index)
		}
		q.mu.Unlock()
	}
}

func (q *Queue) load(ctx context.Context, c event.Chunk) error {
	lctx, cancel := context.WithTimeoutCause(ctx, q.opts.LoadTimeout, ErrLoadTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- q.player.Load(lctx, c) }()
	select {
	case err := <-errc:
		return err
	case <-lctx.Done():
		// a stuck loader is abandoned rather than waited for
		return context.Cause(lctx)
	}
}

func (q *Queue) setState(gen uint64, s State) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen {
		return false
	}
	q.state = s
	return true
}

func (q *Queue) notify(s State, index int) {
	if q.opts.OnState != nil {
		q.opts.OnState(s, index)
	}
}
