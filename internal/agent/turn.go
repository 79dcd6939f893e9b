package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnStatus is the lifecycle state of a conversation turn.
type TurnStatus string

const (
	TurnPending   TurnStatus = "pending"
	TurnStreaming TurnStatus = "streaming"
	TurnComplete  TurnStatus = "complete"
	TurnFailed    TurnStatus = "failed"
)

// ChunkStatus is the lifecycle state of one reply chunk.
type ChunkStatus string

const (
	ChunkQueued     ChunkStatus = "queued"
	ChunkGenerating ChunkStatus = "generating"
	ChunkReady      ChunkStatus = "ready"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is one playable unit of the reply.
type Chunk struct {
	Index    int
	Text     string
	AudioRef string
	VideoRef string
	Elapsed  time.Duration
	Status   ChunkStatus
	Err      error
}

// TurnState is a point-in-time copy of a turn.
type TurnState struct {
	ID         string
	SessionID  string
	InputRef   string
	Language   string
	Transcript string
	Reply      string
	Chunks     []Chunk
	Status     TurnStatus
	Err        error
	StartedAt  time.Time
	EndedAt    time.Time
}

// ReadyChunks returns the ready chunks in index order.
func (s TurnState) ReadyChunks() []Chunk {
	var out []Chunk
	for _, c := range s.Chunks {
		if c.Status == ChunkReady {
			out = append(out, c)
		}
	}
	return out
}

// Turn is the live record of one utterance and its reply. Only the pipeline mutates it.
type Turn struct {
	ID        string
	SessionID string

	mu    sync.Mutex
	state TurnState
}

func newTurn(sessionID string, audio Audio, language string, now time.Time) *Turn {
	id := uuid.NewString()
	return &Turn{
		ID:        id,
		SessionID: sessionID,
		state: TurnState{
			ID:        id,
			SessionID: sessionID,
			InputRef:  audio.Ref,
			Language:  language,
			Status:    TurnPending,
			StartedAt: now,
		},
	}
}

// Snapshot returns a copy safe to read while the turn is running.
func (t *Turn) Snapshot() TurnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.Chunks = append([]Chunk(nil), t.state.Chunks...)
	return s
}

func (t *Turn) setStatus(status TurnStatus) {
	t.mu.Lock()
	t.state.Status = status
	t.mu.Unlock()
}

func (t *Turn) setTranscript(tr Transcript) {
	t.mu.Lock()
	t.state.Transcript = tr.Text
	if tr.Language != "" {
		t.state.Language = tr.Language
	}
	t.mu.Unlock()
}

func (t *Turn) setReply(reply string, segments []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Reply = reply
	t.state.Chunks = make([]Chunk, len(segments))
	for i, s := range segments {
		t.state.Chunks[i] = Chunk{Index: i, Text: s, Status: ChunkQueued}
	}
}

func (t *Turn) updateChunk(i int, fn func(c *Chunk)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.state.Chunks) {
		return
	}
	c := &t.state.Chunks[i]
	if c.Status == ChunkReady || c.Status == ChunkFailed {
		return
	}
	fn(c)
}

func (t *Turn) startChunk(i int) {
	t.updateChunk(i, func(c *Chunk) { c.Status = ChunkGenerating })
}

func (t *Turn) setChunkAudio(i int, ref string) {
	t.updateChunk(i, func(c *Chunk) { c.AudioRef = ref })
}

func (t *Turn) readyChunk(i int, videoRef string, elapsed time.Duration) {
	t.updateChunk(i, func(c *Chunk) {
		c.VideoRef = videoRef
		c.Elapsed = elapsed
		c.Status = ChunkReady
	})
}

func (t *Turn) failChunk(i int, err error) {
	t.updateChunk(i, func(c *Chunk) {
		c.Status = ChunkFailed
		c.Err = err
	})
}

// failUnfinished marks every chunk that is not ready as failed with err.
func (t *Turn) failUnfinished(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.state.Chunks {
		c := &t.state.Chunks[i]
		if c.Status == ChunkQueued || c.Status == ChunkGenerating {
			c.Status = ChunkFailed
			c.Err = err
		}
	}
}

func (t *Turn) readyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.state.Chunks {
		if c.Status == ChunkReady {
			n++
		}
	}
	return n
}

func (t *Turn) finish(status TurnStatus, err error, now time.Time) {
	t.mu.Lock()
	t.state.Status = status
	t.state.Err = err
	t.state.EndedAt = now
	t.mu.Unlock()
}
