package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
)

// Recorder observes sessions and every event they emit. Implementations
// must not block for long; they run on the worker goroutine.
type Recorder interface {
	Opened(info types.SessionInfo)
	Record(id types.SessionID, ev types.Event)
	Closed(info types.SessionInfo)
}

// Session is one chat request's lifecycle, from acceptance to the transport
// releasing it.
type Session struct {
	ID        types.SessionID
	RequestID string
	ChatType  types.ChatType
	CreatedAt time.Time

	events   chan types.Event
	ctx      context.Context
	cancel   context.CancelCauseFunc
	detached chan struct{}
	done     chan struct{}
	recorder Recorder
	onClosed func(*Session)
	log      *slog.Logger

	detachOnce sync.Once
	mu         sync.Mutex
	state      types.SessionState
	failed     bool
}

// Events returns the session's outbound queue. It is closed after end.
func (s *Session) Events() <-chan types.Event {
	return s.events
}

// Done is closed when the worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel requests cooperative cancellation. The worker answers with
// error(cancelled) followed by end.
func (s *Session) Cancel() {
	s.cancel(types.ErrCancelled)
}

// Close detaches the transport: pending pushes abort, the worker is
// cancelled, and the session becomes Closed once the worker has exited.
// Transports call it after draining the queue or on disconnect.
func (s *Session) Close() {
	s.detachOnce.Do(func() { close(s.detached) })
	s.cancel(types.ErrCancelled)
	s.maybeClose()
}

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() types.SessionInfo {
	return types.SessionInfo{
		ID:        s.ID,
		RequestID: s.RequestID,
		ChatType:  s.ChatType,
		State:     s.State(),
		CreatedAt: s.CreatedAt,
	}
}

// push delivers events in order, blocking while the queue is full. It
// returns false once the transport has detached.
func (s *Session) push(evs ...types.Event) bool {
	for _, ev := range evs {
		select {
		case s.events <- ev:
		case <-s.detached:
			return false
		}
		if s.recorder != nil {
			s.recorder.Record(s.ID, ev)
		}
		s.observe(ev)
	}
	return true
}

func (s *Session) observe(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case types.EventError:
		s.failed = true
	case types.EventEnd:
		if s.state != types.SessionActive {
			return
		}
		if s.failed {
			s.state = types.SessionErrored
		} else {
			s.state = types.SessionCompleted
		}
	}
}

// finish runs when the worker exits.
func (s *Session) finish() {
	close(s.events)
	close(s.done)
	s.maybeClose()
}

func (s *Session) maybeClose() {
	select {
	case <-s.done:
	default:
		return
	}
	select {
	case <-s.detached:
	default:
		return
	}

	s.mu.Lock()
	if s.state == types.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = types.SessionClosed
	s.mu.Unlock()

	s.log.Debug("session closed")
	if s.recorder != nil {
		s.recorder.Closed(s.Info())
	}
	if s.onClosed != nil {
		s.onClosed(s)
	}
}
