package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TurnLock guards the active turn of a session across processes. Acquire reports
// false when another holder owns the session.
type TurnLock interface {
	Acquire(ctx context.Context, sessionID, turnID string) (bool, error)
	Release(ctx context.Context, sessionID, turnID string) error
}

// Session is the per-client conversation context: bounded history and the active-turn guard.
type Session struct {
	ID string

	historyLimit int
	lock         TurnLock

	mu       sync.Mutex
	history  []Exchange
	active   *Turn
	cancel   context.CancelCauseFunc
	lastUsed time.Time
}

// NewSession creates a session keeping at most historyLimit exchanges. lock may be nil.
func NewSession(id string, historyLimit int, lock TurnLock) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, historyLimit: historyLimit, lock: lock, lastUsed: time.Now()}
}

// acquire marks turn as the active turn. The returned release is idempotent and must be
// called on every exit path.
func (s *Session) acquire(ctx context.Context, turn *Turn, cancel context.CancelCauseFunc) (func(), error) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	s.active = turn
	s.cancel = cancel
	s.mu.Unlock()

	unmark := func() {
		s.mu.Lock()
		if s.active == turn {
			s.active = nil
			s.cancel = nil
		}
		s.lastUsed = time.Now()
		s.mu.Unlock()
	}

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx, s.ID, turn.ID)
		if err != nil || !ok {
			unmark()
			if err != nil {
				return nil, err
			}
			return nil, ErrTurnInProgress
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unmark()
			if s.lock != nil {
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.lock.Release(rctx, s.ID, turn.ID)
			}
		})
	}, nil
}

// Active returns the running turn, or nil.
func (s *Session) Active() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Cancel aborts the active turn. It reports whether there was one.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(ErrCancelled)
	return true
}

// History returns a copy of the retained exchanges, oldest first.
func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exchange(nil), s.history...)
}

func (s *Session) appendExchange(user, assistant string) {
	if s.historyLimit <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Exchange{User: user, Assistant: assistant})
	if n := len(s.history); n > s.historyLimit {
		s.history = append([]Exchange(nil), s.history[n-s.historyLimit:]...)
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastUsed) {
		s.lastUsed = now
	}
	s.mu.Unlock()
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed, s.active == nil
}

// Sessions is the registry of live sessions.
type Sessions struct {
	historyLimit int
	lock         TurnLock
	idleTTL      time.Duration

	mu   sync.Mutex
	byID map[string]*Session
}

// NewSessions creates a registry. Sessions idle for longer than idleTTL are evicted by Sweep.
func NewSessions(historyLimit int, lock TurnLock, idleTTL time.Duration) *Sessions {
	return &Sessions{
		historyLimit: historyLimit,
		lock:         lock,
		idleTTL:      idleTTL,
		byID:         make(map[string]*Session),
	}
}

// Get returns the session for id, creating it if needed. An empty id creates a new session.
// Get counts as use, so a sweep cannot evict a session between Get and its turn starting.
func (r *Sessions) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok && id != "" {
		s.touch(time.Now())
		return s
	}
	s := NewSession(id, r.historyLimit, r.lock)
	r.byID[s.ID] = s
	return s
}

// Lookup returns an existing session.
func (r *Sessions) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Len returns the number of tracked sessions.
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Sweep evicts sessions without an active turn that have been idle longer than the TTL.
func (r *Sessions) Sweep(now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.byID {
		last, idle := s.idleSince()
		if idle && now.Sub(last) > r.idleTTL {
			delete(r.byID, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps periodically until ctx is done.
func (r *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
