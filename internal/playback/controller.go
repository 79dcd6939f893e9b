package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chadiek/avatar-runtime/internal/event"
	"github.com/chadiek/avatar-runtime/internal/logger"
)

var (
	// ErrTurnActive is returned by Begin while the previous turn is still live.
	ErrTurnActive = errors.New("playback: previous turn still active")
	// ErrShortPlayback means a drained turn played fewer chunks than complete announced.
	ErrShortPlayback = errors.New("playback: fewer chunks played than announced")
)

// View receives the text side of a turn. Calls happen on the goroutine feeding OnEvent.
type View interface {
	Transcript(text, language string)
	Reply(text string)
	// Notice surfaces an error message; fatal is false for a skipped chunk.
	Notice(message string, fatal bool)
}

// Controller applies a turn's events to the view and the playback queue.
type Controller struct {
	queue *Queue
	view  View
	log   *logger.Logger

	mu        sync.Mutex
	active    bool
	started   bool
	finished  bool
	expected  int
	stopFeed  func()
	lastError string
}

func NewController(queue *Queue, view View, log *logger.Logger) *Controller {
	return &Controller{
		queue:    queue,
		view:     view,
		log:      logger.OrNop(log).With("component", "PlaybackController"),
		expected: -1,
	}
}

// Begin opens a new turn. stop tears down the turn's network stream on Cancel and may be nil.
func (c *Controller) Begin(stop func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked() {
		return ErrTurnActive
	}
	c.queue.Reset()
	c.active = true
	c.started = false
	c.finished = false
	c.expected = -1
	c.stopFeed = stop
	c.lastError = ""
	return nil
}

// Live reports whether a turn is streaming or still playing out.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

func (c *Controller) liveLocked() bool {
	if !c.active {
		return false
	}
	if !c.finished {
		return true
	}
	select {
	case <-c.queue.Done():
		return false
	default:
		return true
	}
}

// OnEvent feeds one event of the current turn.
func (c *Controller) OnEvent(ev event.Event) {
	c.mu.Lock()
	if !c.active || c.finished {
		c.mu.Unlock()
		c.log.Debug("event outside an active turn", "kind", ev.Kind())
		return
	}
	c.mu.Unlock()

	switch e := ev.(type) {
	case event.Transcription:
		c.view.Transcript(e.Text, e.Language)
	case event.Reply:
		c.view.Reply(e.Text)
	case event.Chunk:
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		c.queue.Push(e)
	case event.Complete:
		c.mu.Lock()
		c.finished = true
		c.expected = e.ChunkCount
		c.mu.Unlock()
		c.queue.Finish()
	case event.Error:
		c.view.Notice(e.Message, e.Fatal)
		if !e.Fatal {
			if e.ChunkIndex != nil {
				c.queue.Skip(*e.ChunkIndex)
			}
			return
		}
		c.mu.Lock()
		c.lastError = e.Message
		if !c.started {
			// nothing to play
			c.active = false
			c.mu.Unlock()
			c.queue.Reset()
			return
		}
		c.finished = true
		c.mu.Unlock()
		// buffered chunks still play, then the turn stops
		c.queue.Finish()
	}
}

// Cancel tears down the stream and empties the queue. The next Begin succeeds immediately.
func (c *Controller) Cancel() {
	c.mu.Lock()
	stop := c.stopFeed
	c.stopFeed = nil
	c.active = false
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.queue.Reset()
}

// ExpectedChunks is the chunk_count announced by complete, or -1 before it arrived.
func (c *Controller) ExpectedChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected
}

// Err returns the fatal error message of the turn, if any.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// CheckPlayed compares the chunks played with the chunk_count announced by complete. It is
// meaningful once the queue has drained and returns nil while no count was announced.
func (c *Controller) CheckPlayed() error {
	want := c.ExpectedChunks()
	if want < 0 {
		return nil
	}
	if got := len(c.queue.Played()); got != want {
		return fmt.Errorf("%w: %d of %d", ErrShortPlayback, got, want)
	}
	return nil
}
