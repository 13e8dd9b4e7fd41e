// Package session runs chat sessions: one worker per request, bounded by a
// shared pool, bridged to the transport through a bounded event queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chatstream/internal/backend"
	"github.com/user/chatstream/internal/normalize"
	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/internal/vision"
)

// ErrManagerClosed is returned by Open after Close.
var ErrManagerClosed = errors.New("session manager closed")

// ImageAnalyzer runs the image stage.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, images []types.ImageData) []types.ImageAnalysisResult
}

// Deps are the collaborators a Manager drives. Analyzer, Tokens and
// Recorder are optional.
type Deps struct {
	Normalizer *normalize.Normalizer
	Analyzer   ImageAnalyzer
	Gateway    backend.Gateway
	Tokens     TokenCounter
	Recorder   Recorder
}

// Config tunes a Manager. Zero values select the defaults.
type Config struct {
	Workers           int64         // default 4
	QueueSize         int           // default 64
	SearchTimeout     time.Duration // default 30s
	AnalysisTimeout   time.Duration // default 60s
	GenerationTimeout time.Duration // default 120s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 30 * time.Second
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 60 * time.Second
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 120 * time.Second
	}
	return c
}

// Stats is a snapshot of the process-wide counters.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Active   int64 `json:"active"`
	Busy     int64 `json:"busy"`
	Workers  int64 `json:"workers"`
}

// Manager owns every live session.
type Manager struct {
	deps Deps
	cfg  Config
	pool *Pool

	accepted atomic.Int64
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[types.SessionID]*Session
	closed   bool
}

// NewManager creates a Manager. Normalizer and Gateway are required.
func NewManager(deps Deps, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		pool:     NewPool(cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[types.SessionID]*Session),
	}
}

// Open accepts a request and returns its session. Validation happens here:
// an invalid request yields a session whose queue already holds
// error(validation_failed) and end, without a worker or pool slot. The
// error return is reserved for a closed manager or a done ctx.
//
// If req.SessionID names a live session, that session is cancelled and
// replaced.
func (m *Manager) Open(ctx context.Context, req types.ChatRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := req.SessionID
	if id == "" {
		id = types.NewSessionID()
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = types.NewRequestID()
	}

	norm, verr := m.deps.Normalizer.Normalize(req)

	sctx, cancel := context.WithCancelCause(m.ctx)
	queueSize := m.cfg.QueueSize
	if verr != nil && queueSize < 2 {
		queueSize = 2
	}
	s := &Session{
		ID:        id,
		RequestID: requestID,
		ChatType:  req.ChatType,
		CreatedAt: time.Now(),
		events:    make(chan types.Event, queueSize),
		ctx:       sctx,
		cancel:    cancel,
		detached:  make(chan struct{}),
		done:      make(chan struct{}),
		recorder:  m.deps.Recorder,
		onClosed:  m.forget,
		state:     types.SessionActive,
		log: slog.With(
			"session_id", string(id),
			"request_id", requestID,
			"partition", string(norm.PartitionID),
		),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel(ErrManagerClosed)
		return nil, ErrManagerClosed
	}
	if old, ok := m.sessions[id]; ok {
		old.log.Info("session replaced by new request")
		old.Cancel()
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if s.recorder != nil {
		s.recorder.Opened(s.Info())
	}

	if verr != nil {
		s.log.Info("request rejected", "error", verr)
		seq := NewSequencer(requestID, nil)
		evs := seq.Fail(types.CodeValidationFailed, verr.Error(), validationDetails(verr))
		s.push(append(evs, seq.Finish()...)...)
		s.finish()
		return s, nil
	}

	m.accepted.Add(1)
	m.active.Add(1)
	s.log.Info("session opened", "chat_type", string(req.ChatType), "images", len(req.Images))

	m.pool.Go(func() {
		defer m.active.Add(-1)
		defer s.finish()
		m.run(s, norm)
	})
	return s, nil
}

func validationDetails(err error) map[string]any {
	var ve *types.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		return map[string]any{"field": ve.Field}
	}
	return nil
}

// run drives one session through its stages. Every exit path pushes end.
func (m *Manager) run(s *Session, n normalize.Normalized) {
	seq := NewSequencer(s.RequestID, m.deps.Tokens)

	if err := m.pool.Acquire(s.ctx); err != nil {
		m.abort(s, seq, "")
		return
	}
	defer m.pool.Release()

	wd := newWatchdog(s.cancel)
	defer wd.stop()

	if !s.push(seq.Start()...) {
		return
	}

	query := n.Query
	if n.HasImages() {
		wd.enter(stageAnalysis, m.cfg.AnalysisTimeout)
		if !s.push(seq.BeginAnalysis()...) {
			return
		}

		var results []types.ImageAnalysisResult
		if m.deps.Analyzer != nil {
			results = m.deps.Analyzer.Analyze(s.ctx, n.Images)
		} else {
			results = unanalyzed(len(n.Images))
		}
		if s.ctx.Err() != nil {
			m.abort(s, seq, wd.current())
			return
		}
		if !s.push(seq.ImageAnalysis(results)...) {
			return
		}
		if n.RequiresImage() && !vision.AnySucceeded(results) {
			s.log.Warn("no image could be analyzed")
			s.push(seq.Fail(types.CodeImageAnalysisFailed, "no image could be analyzed", map[string]any{"images": len(results)})...)
			s.push(seq.Finish()...)
			return
		}
		query = n.WithImageAnalysis(results)
	}

	wd.enter(stageSearch, m.cfg.SearchTimeout)
	signals, err := m.deps.Gateway.Stream(s.ctx, backend.Query{
		Text:           query,
		PartitionID:    n.PartitionID,
		History:        n.History,
		InternetSearch: n.InternetSearch,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			m.abort(s, seq, wd.current())
			return
		}
		s.log.Error("backend stream failed to open", "error", err)
		s.push(seq.Fail(types.CodeGenerationFailed, err.Error(), nil)...)
		s.push(seq.Finish()...)
		return
	}

	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				if s.ctx.Err() != nil {
					m.abort(s, seq, wd.current())
					return
				}
				s.push(seq.Finish()...)
				s.log.Info("session finished", "state", seq.state.String())
				return
			}
			wasGenerating := seq.Generating()
			evs := seq.Signal(sig)
			if !wasGenerating && seq.Generating() {
				wd.enter(stageGeneration, m.cfg.GenerationTimeout)
			}
			if f, isFailure := sig.(types.Failure); isFailure {
				s.log.Error("backend reported failure", "reason", f.Reason)
			}
			if !s.push(evs...) {
				return
			}
			if seq.Errored() {
				s.push(seq.Finish()...)
				return
			}
		case <-s.ctx.Done():
			m.abort(s, seq, wd.current())
			return
		}
	}
}

// abort pushes the error for the session's cancellation cause, then end.
func (m *Manager) abort(s *Session, seq *Sequencer, stage string) {
	cause := context.Cause(s.ctx)
	var te *types.StageTimeoutError
	switch {
	case errors.As(cause, &te):
		s.log.Warn("stage timed out", "stage", te.Stage)
		s.push(seq.Fail(types.CodeTimeout, te.Error(), map[string]any{"stage": te.Stage})...)
	case errors.Is(cause, types.ErrCancelled), errors.Is(cause, context.Canceled):
		s.log.Info("session cancelled", "stage", stage)
		s.push(seq.Fail(types.CodeCancelled, "session cancelled", nil)...)
	default:
		s.log.Error("session aborted", "error", cause)
		s.push(seq.Fail(types.CodeInternal, fmt.Sprint(cause), nil)...)
	}
	s.push(seq.Finish()...)
}

func unanalyzed(n int) []types.ImageAnalysisResult {
	out := make([]types.ImageAnalysisResult, n)
	for i := range out {
		out[i] = types.ImageAnalysisResult{
			ImageIndex:  i,
			Description: vision.FailedDescription,
			Error:       "image analysis unavailable",
		}
	}
	return out
}

// forget removes a closed session from the registry unless it has already
// been replaced.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
	}
}

// Get returns a live session.
func (m *Manager) Get(id types.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Cancel cancels a live session.
func (m *Manager) Cancel(id types.SessionID) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, types.ErrSessionNotFound)
	}
	s.Cancel()
	return nil
}

// Events returns the outbound queue of a live session.
func (m *Manager) Events(id types.SessionID) (<-chan types.Event, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("events %s: %w", id, types.ErrSessionNotFound)
	}
	return s.Events(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []types.SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Stats returns the process-wide counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Accepted: m.accepted.Load(),
		Active:   m.active.Load(),
		Busy:     m.pool.Active(),
		Workers:  m.pool.Size(),
	}
}

// Close cancels every session and waits for all workers to exit. Sessions
// whose transport is still attached keep their queued events.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
	m.cancel()

	// Workers may be blocked on a full queue nobody reads any more.
	deadline := time.Now().Add(5 * time.Second)
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-time.After(time.Until(deadline)):
			s.log.Warn("worker did not exit, detaching")
			s.Close()
		}
	}
	m.pool.Wait()
}
