package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
)

const maxEntryBytes = 4 << 20

// Entry is one journaled event.
type Entry struct {
	Seq   int64       `json:"seq"`
	At    time.Time   `json:"at"`
	Event types.Event `json:"event"`
}

// EventStore is a JSONL-backed append-only event store.
// Events are stored per-session in sessions/<sessionID>/events.jsonl.
type EventStore struct {
	root string

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	seqs  map[types.SessionID]int64
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		seqs:  make(map[types.SessionID]int64),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventStore) getLock(id types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[id] = lock
	return lock
}

func (e *EventStore) eventsPath(id types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(id), "events.jsonl")
}

// nextSeq returns the next sequence number, counting existing lines the
// first time a session is seen. Caller must hold the session lock.
func (e *EventStore) nextSeq(id types.SessionID) (int64, error) {
	e.mu.Lock()
	seq, ok := e.seqs[id]
	e.mu.Unlock()
	if !ok {
		n, err := e.count(id)
		if err != nil {
			return 0, err
		}
		seq = n
	}
	seq++
	e.mu.Lock()
	e.seqs[id] = seq
	e.mu.Unlock()
	return seq, nil
}

// count reads the event file and counts lines. Caller must hold the session lock.
func (e *EventStore) count(id types.SessionID) (int64, error) {
	f, err := os.Open(e.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryBytes)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// Append adds an event to the session's log with the next sequence number.
func (e *EventStore) Append(id types.SessionID, ev types.Event) error {
	lock := e.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	seq, err := e.nextSeq(id)
	if err != nil {
		return err
	}

	data, err := json.Marshal(Entry{Seq: seq, At: time.Now().UTC(), Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Tail returns the last N entries for the given session.
func (e *EventStore) Tail(id types.SessionID, limit int) ([]Entry, error) {
	lock := e.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(e.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryBytes)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return entries, nil
}

// Count returns the number of events for the given session.
func (e *EventStore) Count(id types.SessionID) (int64, error) {
	lock := e.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return e.count(id)
}

// Remove deletes the session's event log and forgets its lock.
func (e *EventStore) Remove(id types.SessionID) error {
	lock := e.getLock(id)
	lock.Lock()
	err := os.RemoveAll(filepath.Dir(e.eventsPath(id)))
	lock.Unlock()

	e.mu.Lock()
	delete(e.locks, id)
	delete(e.seqs, id)
	e.mu.Unlock()

	if err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}
