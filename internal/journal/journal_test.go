package journal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/chatstream/internal/types"
)

func TestEventStore(t *testing.T) {
	store := NewEventStore(t.TempDir())
	id := types.NewSessionID()

	if err := store.Append(id, types.NewEvent(types.TextData{Content: "hi", ChunkID: 0})); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Tail(id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", entries[0].Seq)
	}
	text, ok := entries[0].Event.Data.(types.TextData)
	if !ok || text.Content != "hi" {
		t.Errorf("unexpected payload %#v", entries[0].Event.Data)
	}

	count, err := store.Count(id)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestEventStoreTail(t *testing.T) {
	store := NewEventStore(t.TempDir())
	id := types.NewSessionID()

	for i := 0; i < 10; i++ {
		if err := store.Append(id, types.NewEvent(types.TextData{Content: "x", ChunkID: i})); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.Tail(id, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Seq != 8 || entries[2].Seq != 10 {
		t.Errorf("expected seqs 8..10, got %d..%d", entries[0].Seq, entries[2].Seq)
	}
}

func TestEventStoreResumesSeq(t *testing.T) {
	dir := t.TempDir()
	id := types.NewSessionID()

	first := NewEventStore(dir)
	for i := 0; i < 3; i++ {
		if err := first.Append(id, types.NewEvent(types.EndData{RequestID: "r"})); err != nil {
			t.Fatal(err)
		}
	}

	second := NewEventStore(dir)
	if err := second.Append(id, types.NewEvent(types.EndData{RequestID: "r"})); err != nil {
		t.Fatal(err)
	}
	entries, err := second.Tail(id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Seq != 4 {
		t.Errorf("expected seq 4, got %d", entries[0].Seq)
	}
}

func TestEventStoreConcurrentAppend(t *testing.T) {
	store := NewEventStore(t.TempDir())
	id := types.NewSessionID()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Append(id, types.NewEvent(types.TextData{Content: "c", ChunkID: i})); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := store.Tail(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
	}
}

func TestEventStoreTailMissing(t *testing.T) {
	store := NewEventStore(t.TempDir())
	entries, err := store.Tail("nope", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestSessionStore(t *testing.T) {
	store := NewSessionStore(t.TempDir())

	older := time.Now().Add(-time.Minute).UTC()
	if err := store.Update("a", func(r *Record) { r.CreatedAt = older; r.ChatType = types.ChatText }); err != nil {
		t.Fatal(err)
	}
	if err := store.Update("b", func(r *Record) { r.ChatType = types.ChatNotification }); err != nil {
		t.Fatal(err)
	}

	r, err := store.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if r.ChatType != types.ChatText {
		t.Errorf("expected text, got %s", r.ChatType)
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].SessionID != "b" {
		t.Errorf("expected newest first, got %+v", list)
	}

	if _, err := store.Get("missing"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	removed, err := store.DeleteWhere(func(r *Record) bool { return r.SessionID == "a" })
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Errorf("expected 1 removed, got %d", len(removed))
	}
	if _, err := os.Stat(filepath.Join(store.root, "sessions", "sessions.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp index left behind")
	}
}

func TestJournalLifecycle(t *testing.T) {
	j := New(t.TempDir())
	info := types.SessionInfo{
		ID:        "s1",
		RequestID: "req-1",
		ChatType:  types.ChatText,
		State:     types.SessionActive,
		CreatedAt: time.Now(),
	}

	j.Opened(info)
	j.Record(info.ID, types.NewEvent(types.StatusData{Stage: types.StageProcessing, Message: "processing request"}))
	j.Record(info.ID, types.NewEvent(types.ErrorData{ErrorCode: types.CodeTimeout, Message: "timed out", Details: map[string]any{}}))
	j.Record(info.ID, types.NewEvent(types.EndData{RequestID: "req-1"}))

	r, err := j.Sessions.Get(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != types.SessionErrored {
		t.Errorf("expected errored, got %s", r.State)
	}
	if r.RequestID != "req-1" {
		t.Errorf("expected req-1, got %s", r.RequestID)
	}

	j.Closed(info)
	r, err = j.Sessions.Get(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.State != types.SessionClosed || r.ClosedAt == nil {
		t.Errorf("expected closed with timestamp, got %+v", r)
	}

	count, err := j.Events.Count(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected 3 events, got %d", count)
	}
}

func TestJournalCompleted(t *testing.T) {
	j := New(t.TempDir())
	j.Opened(types.SessionInfo{ID: "ok", State: types.SessionActive, CreatedAt: time.Now()})
	j.Record("ok", types.NewEvent(types.EndData{RequestID: "r"}))

	r, err := j.Sessions.Get("ok")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != types.SessionCompleted {
		t.Errorf("expected completed, got %s", r.State)
	}
}

func TestJournalPrune(t *testing.T) {
	j := New(t.TempDir())
	for _, id := range []types.SessionID{"old", "live"} {
		j.Opened(types.SessionInfo{ID: id, State: types.SessionActive, CreatedAt: time.Now()})
		j.Record(id, types.NewEvent(types.EndData{RequestID: "r"}))
	}
	j.Closed(types.SessionInfo{ID: "old"})

	n, err := j.Prune(time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := j.Sessions.Get("old"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected old to be gone, got %v", err)
	}
	if count, _ := j.Events.Count("old"); count != 0 {
		t.Errorf("expected event log removed, got %d events", count)
	}
	if _, err := j.Sessions.Get("live"); err != nil {
		t.Errorf("open session should survive prune: %v", err)
	}
}

func TestJanitor(t *testing.T) {
	j := New(t.TempDir())
	j.Opened(types.SessionInfo{ID: "old", State: types.SessionActive, CreatedAt: time.Now()})
	j.Closed(types.SessionInfo{ID: "old"})

	jn := NewJanitor(j, "@every 1h", time.Hour)
	jn.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	jn.Sweep()

	if _, err := j.Sessions.Get("old"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected sweep to prune, got %v", err)
	}

	if err := jn.Start(); err != nil {
		t.Fatal(err)
	}
	jn.Stop()
}

func TestJanitorBadSchedule(t *testing.T) {
	jn := NewJanitor(New(t.TempDir()), "not a schedule", time.Hour)
	if err := jn.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
