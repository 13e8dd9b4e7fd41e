// Package journal keeps an on-disk audit of sessions and the events they
// emitted, for the debug API and the CLI.
package journal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
)

// Journal records sessions and their events. It satisfies the session
// manager's Recorder hook; write failures are logged, never surfaced to
// the session.
type Journal struct {
	Sessions *SessionStore
	Events   *EventStore

	mu     sync.Mutex
	failed map[types.SessionID]bool
}

// New creates a Journal rooted at dir.
func New(dir string) *Journal {
	return &Journal{
		Sessions: NewSessionStore(dir),
		Events:   NewEventStore(dir),
		failed:   make(map[types.SessionID]bool),
	}
}

func (j *Journal) Opened(info types.SessionInfo) {
	err := j.Sessions.Update(info.ID, func(r *Record) {
		r.RequestID = info.RequestID
		r.ChatType = info.ChatType
		r.State = info.State
		r.CreatedAt = info.CreatedAt.UTC()
		r.ClosedAt = nil
	})
	if err != nil {
		slog.Warn("journal session open failed", "session_id", string(info.ID), "error", err)
	}
}

func (j *Journal) Record(id types.SessionID, ev types.Event) {
	if err := j.Events.Append(id, ev); err != nil {
		slog.Warn("journal append failed", "session_id", string(id), "error", err)
	}

	switch ev.Type {
	case types.EventError:
		j.mu.Lock()
		j.failed[id] = true
		j.mu.Unlock()
	case types.EventEnd:
		j.mu.Lock()
		state := types.SessionCompleted
		if j.failed[id] {
			state = types.SessionErrored
		}
		delete(j.failed, id)
		j.mu.Unlock()
		if err := j.Sessions.Update(id, func(r *Record) { r.State = state }); err != nil {
			slog.Warn("journal session update failed", "session_id", string(id), "error", err)
		}
	}
}

func (j *Journal) Closed(info types.SessionInfo) {
	j.mu.Lock()
	delete(j.failed, info.ID)
	j.mu.Unlock()

	now := time.Now().UTC()
	err := j.Sessions.Update(info.ID, func(r *Record) {
		r.State = types.SessionClosed
		r.ClosedAt = &now
	})
	if err != nil {
		slog.Warn("journal session close failed", "session_id", string(info.ID), "error", err)
	}
}

// Prune deletes closed sessions that closed before cutoff, with their
// event logs. It returns the number of sessions removed.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	return j.Delete(func(r *Record) bool {
		return r.ClosedAt != nil && r.ClosedAt.Before(cutoff)
	})
}

// Delete removes every session matching fn along with its event log.
func (j *Journal) Delete(fn func(r *Record) bool) (int, error) {
	removed, err := j.Sessions.DeleteWhere(fn)
	if err != nil {
		return 0, fmt.Errorf("delete from index: %w", err)
	}
	for _, id := range removed {
		if err := j.Events.Remove(id); err != nil {
			slog.Warn("remove event log failed", "session_id", string(id), "error", err)
		}
	}
	return len(removed), nil
}
