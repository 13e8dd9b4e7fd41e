package session

import (
	"strings"

	"github.com/user/chatstream/internal/types"
)

type seqState int

const (
	stateIdle seqState = iota
	stateSearching
	stateAnalyzing
	stateGenerating
	stateStreaming
	stateCompleted
	stateErrored
)

func (s seqState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSearching:
		return "searching"
	case stateAnalyzing:
		return "analyzing"
	case stateGenerating:
		return "generating"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

var stageMessages = map[types.Stage]string{
	types.StageProcessing: "processing request",
	types.StageAnalyzing:  "analyzing images",
	types.StageGenerating: "generating response",
	types.StageCompleted:  "response completed",
}

// TokenCounter counts tokens of generated text.
type TokenCounter interface {
	CountTokens(text string) int
}

// Sequencer decides the order of every event a session emits. Each method
// returns the events to push, possibly none; it never blocks.
//
// Status events follow processing, analyzing, generating. Once text has
// been emitted no further stage status passes, only the terminal
// status(completed). Exactly one end is produced, and nothing after it.
type Sequencer struct {
	requestID string
	tokens    TokenCounter

	state     seqState
	chunkID   int
	ended     bool
	generated strings.Builder
}

// NewSequencer creates a sequencer whose end event echoes requestID.
// tokens may be nil.
func NewSequencer(requestID string, tokens TokenCounter) *Sequencer {
	return &Sequencer{requestID: requestID, tokens: tokens}
}

func (s *Sequencer) terminal() bool {
	return s.ended || s.state == stateCompleted || s.state == stateErrored
}

// Generating reports whether generation has started.
func (s *Sequencer) Generating() bool {
	return s.state == stateGenerating || s.state == stateStreaming
}

// Errored reports whether an error event has been produced.
func (s *Sequencer) Errored() bool {
	return s.state == stateErrored
}

func status(stage types.Stage) types.Event {
	return types.NewEvent(types.StatusData{Stage: stage, Message: stageMessages[stage]})
}

// Start moves Idle to Searching.
func (s *Sequencer) Start() []types.Event {
	if s.state != stateIdle {
		return nil
	}
	s.state = stateSearching
	return []types.Event{status(types.StageProcessing)}
}

// BeginAnalysis moves Searching to Analyzing.
func (s *Sequencer) BeginAnalysis() []types.Event {
	if s.state != stateSearching {
		return nil
	}
	s.state = stateAnalyzing
	return []types.Event{status(types.StageAnalyzing)}
}

// ImageAnalysis reports per-image results. Only valid before generation.
func (s *Sequencer) ImageAnalysis(results []types.ImageAnalysisResult) []types.Event {
	if s.state != stateSearching && s.state != stateAnalyzing {
		return nil
	}
	if results == nil {
		results = []types.ImageAnalysisResult{}
	}
	return []types.Event{types.NewEvent(types.ImageAnalysisData{Analysis: results})}
}

// Signal maps one backend signal onto protocol events.
func (s *Sequencer) Signal(sig types.Signal) []types.Event {
	if s.terminal() {
		return nil
	}

	switch sig := sig.(type) {
	case types.StageStarted:
		if !sig.IsGeneration() {
			return nil
		}
		return s.enterGenerating()

	case types.TextChunk:
		if sig.Content == "" {
			return nil
		}
		out := s.enterGenerating()
		s.state = stateStreaming
		s.generated.WriteString(sig.Content)
		out = append(out, types.NewEvent(types.TextData{Content: sig.Content, ChunkID: s.chunkID}))
		s.chunkID++
		return out

	case types.References:
		mems := sig.Memories
		if mems == nil {
			mems = []types.MemoryReference{}
		}
		return []types.Event{types.NewEvent(types.ReferenceData{Memories: mems})}

	case types.Metrics:
		tokens := sig.TokensGenerated
		if tokens == 0 && s.tokens != nil {
			tokens = s.tokens.CountTokens(s.generated.String())
		}
		return []types.Event{types.NewEvent(types.MetricsData{
			ProcessingTimeMs: sig.ProcessingTime.Milliseconds(),
			TokensGenerated:  tokens,
		})}

	case types.Failure:
		return s.Fail(types.CodeGenerationFailed, sig.Reason, nil)
	}
	return nil
}

// enterGenerating emits status(generating) once, before any text.
func (s *Sequencer) enterGenerating() []types.Event {
	switch s.state {
	case stateIdle, stateSearching, stateAnalyzing:
		s.state = stateGenerating
		return []types.Event{status(types.StageGenerating)}
	}
	return nil
}

// Fail moves any non-terminal state to Errored.
func (s *Sequencer) Fail(code types.ErrorCode, message string, details map[string]any) []types.Event {
	if s.terminal() {
		return nil
	}
	s.state = stateErrored
	if details == nil {
		details = map[string]any{}
	}
	return []types.Event{types.NewEvent(types.ErrorData{ErrorCode: code, Message: message, Details: details})}
}

// Finish produces status(completed) on the success path, then end. Calls
// after the first are no-ops.
func (s *Sequencer) Finish() []types.Event {
	if s.ended {
		return nil
	}
	s.ended = true

	var out []types.Event
	if s.state != stateErrored {
		s.state = stateCompleted
		out = append(out, status(types.StageCompleted))
	}
	return append(out, types.NewEvent(types.EndData{RequestID: s.requestID}))
}
