package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
)

// Record is the journaled summary of one session.
type Record struct {
	SessionID types.SessionID    `json:"sessionId"`
	RequestID string             `json:"requestId"`
	ChatType  types.ChatType     `json:"chatType"`
	State     types.SessionState `json:"state"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	ClosedAt  *time.Time         `json:"closedAt,omitempty"`
}

// SessionStore is a JSON-file-backed session index stored in
// sessions/sessions.json.
type SessionStore struct {
	root string
	mu   sync.RWMutex
}

// NewSessionStore creates a new file-backed SessionStore rooted at the given directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

// loadIndex reads sessions.json into a map keyed by session id.
func (s *SessionStore) loadIndex() (map[types.SessionID]*Record, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*Record), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*Record, len(records))
	for _, r := range records {
		index[r.SessionID] = r
	}
	return index, nil
}

// saveIndex writes the index sorted by creation time, atomically.
func (s *SessionStore) saveIndex(index map[types.SessionID]*Record) error {
	records := make([]*Record, 0, len(index))
	for _, r := range index {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.indexPath()), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// Update loads the record for id (creating it if absent), applies fn, and
// persists the result.
func (s *SessionStore) Update(id types.SessionID, fn func(r *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	r, ok := index[id]
	if !ok {
		r = &Record{SessionID: id, CreatedAt: time.Now().UTC()}
		index[id] = r
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return s.saveIndex(index)
}

// Get returns the record with the given id.
func (s *SessionStore) Get(id types.SessionID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	r, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return r, nil
}

// List returns all records, newest first.
func (s *SessionStore) List() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(index))
	for _, r := range index {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteWhere removes every record matching fn and returns their ids.
func (s *SessionStore) DeleteWhere(fn func(r *Record) bool) ([]types.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var removed []types.SessionID
	for id, r := range index {
		if fn(r) {
			delete(index, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, s.saveIndex(index)
}
