package session

import (
	"context"
	"sync"
	"time"

	"github.com/user/chatstream/internal/types"
)

// Stage names used by the watchdog and in timeout error details.
const (
	stageSearch     = "search"
	stageAnalysis   = "analysis"
	stageGeneration = "generation"
)

// watchdog runs one timer for the current stage. Entering a new stage
// replaces the timer; firing cancels the session with a
// *types.StageTimeoutError cause.
type watchdog struct {
	mu     sync.Mutex
	timer  *time.Timer
	stage  string
	cancel context.CancelCauseFunc
}

func newWatchdog(cancel context.CancelCauseFunc) *watchdog {
	return &watchdog{cancel: cancel}
}

func (w *watchdog) enter(stage string, limit time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.stage = stage
	if limit <= 0 {
		return
	}
	w.timer = time.AfterFunc(limit, func() {
		w.cancel(&types.StageTimeoutError{Stage: stage})
	})
}

func (w *watchdog) current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
