// internal/types/signal.go
package types

import "time"

// Signal is one item of the backend's lazy reply sequence. The set of
// implementations is closed: StageStarted, TextChunk, References, Metrics
// and Failure.
type Signal interface {
	isSignal()
}

// Backend stage codes as emitted by the memory backend.
const (
	StageCodeSearchStarted  = "0"
	StageCodeSearchFinished = "1"
	StageCodeGenerating     = "2"
)

// StageStarted reports that the backend entered a stage.
type StageStarted struct {
	Code string
}

// IsGeneration reports whether the stage marks the start of generation.
func (s StageStarted) IsGeneration() bool {
	return s.Code == StageCodeGenerating || s.Code == string(StageGenerating)
}

type TextChunk struct {
	Content string
}

type References struct {
	Memories []MemoryReference
}

type Metrics struct {
	ProcessingTime  time.Duration
	TokensGenerated int
}

type Failure struct {
	Reason string
}

func (StageStarted) isSignal() {}
func (TextChunk) isSignal()    {}
func (References) isSignal()   {}
func (Metrics) isSignal()      {}
func (Failure) isSignal()      {}
