package grant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one running grant poll loop.
type Session[R any] struct {
	id        string
	kind      string
	createdAt time.Time

	mu         sync.RWMutex
	state      State[R]
	cancelled  bool
	finishedAt time.Time

	updates chan State[R]
	done    chan struct{}
	cancel  context.CancelFunc
}

// Start launches a poll loop in its own goroutine. The loop lives until a
// terminal state, the deadline, Cancel, or cancellation of ctx.
func Start[R any](ctx context.Context, kind string, cfg PollConfig, fetch Fetcher[R]) *Session[R] {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Session[R]{
		id:        uuid.NewString(),
		kind:      kind,
		createdAt: cfg.Now(),
		state:     Pending[R](cfg.Interval),
		updates:   make(chan State[R], 1),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	s.updates <- s.state

	go func() {
		defer cancel()
		_, err := Poll(ctx, cfg, fetch, s.publish)
		s.mu.Lock()
		if err != nil {
			s.cancelled = true
		}
		s.finishedAt = cfg.Now()
		s.mu.Unlock()
		close(s.updates)
		close(s.done)
	}()
	return s
}

func (s *Session[R]) publish(st State[R]) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	// Latest wins: replace an unread update rather than block the loop.
	for {
		select {
		case s.updates <- st:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session[R]) ID() string           { return s.id }
func (s *Session[R]) Kind() string         { return s.kind }
func (s *Session[R]) CreatedAt() time.Time { return s.createdAt }

// State returns the latest state. After cancellation it stays at the last
// Pending state.
func (s *Session[R]) State() State[R] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Updates delivers state changes, starting with the initial Pending. Only the
// most recent unread change is buffered. Closed when the loop exits.
func (s *Session[R]) Updates() <-chan State[R] { return s.updates }

// Done is closed when the loop exits.
func (s *Session[R]) Done() <-chan struct{} { return s.done }

// Cancel stops the loop. It is a no-op once the loop has exited.
func (s *Session[R]) Cancel() { s.cancel() }

func (s *Session[R]) Cancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

// Wait blocks until the loop exits or ctx is done. It returns
// ErrSessionCancelled when the session was cancelled before reaching a
// terminal state.
func (s *Session[R]) Wait(ctx context.Context) (State[R], error) {
	select {
	case <-ctx.Done():
		return State[R]{}, ctx.Err()
	case <-s.done:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cancelled {
		return s.state, ErrSessionCancelled
	}
	return s.state, nil
}

func (s *Session[R]) finished() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finishedAt, !s.finishedAt.IsZero()
}

// Registry tracks sessions by ID.
type Registry[R any] struct {
	mu       sync.RWMutex
	sessions map[string]*Session[R]
}

func NewRegistry[R any]() *Registry[R] {
	return &Registry[R]{sessions: make(map[string]*Session[R])}
}

func (r *Registry[R]) Add(s *Session[R]) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *Registry[R]) Get(id string) (*Session[R], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Cancel stops and forgets the session.
func (r *Registry[R]) Cancel(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Cancel()
	return nil
}

// Forget removes the session without cancelling it.
func (r *Registry[R]) Forget(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// CancelAll stops every session and empties the registry.
func (r *Registry[R]) CancelAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session[R])
	r.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
}

// Prune forgets sessions that finished before now-retention and returns how
// many were removed.
func (r *Registry[R]) Prune(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if at, ok := s.finished(); ok && at.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Registry[R]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
