// internal/types/event.go
package types

import (
	"encoding/json"
	"fmt"
)

// EventType is the wire tag of an outbound event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventText          EventType = "text"
	EventImageAnalysis EventType = "image_analysis"
	EventReference     EventType = "reference"
	EventMetrics       EventType = "metrics"
	EventError         EventType = "error"
	EventEnd           EventType = "end"
)

// Stage is the processing phase reported by status events.
type Stage string

const (
	StageProcessing Stage = "processing"
	StageAnalyzing  Stage = "analyzing"
	StageGenerating Stage = "generating"
	StageCompleted  Stage = "completed"
)

// ErrorCode classifies error events.
type ErrorCode string

const (
	CodeValidationFailed    ErrorCode = "validation_failed"
	CodeImageAnalysisFailed ErrorCode = "image_analysis_failed"
	CodeGenerationFailed    ErrorCode = "generation_failed"
	CodeTimeout             ErrorCode = "timeout"
	CodeCancelled           ErrorCode = "cancelled"
	CodeInternal            ErrorCode = "internal_error"
)

// Payload is implemented only by the event data types in this file.
type Payload interface {
	eventType() EventType
}

type StatusData struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

type TextData struct {
	Content string `json:"content"`
	ChunkID int    `json:"chunkId"`
}

type ImageAnalysisData struct {
	Analysis []ImageAnalysisResult `json:"analysis"`
}

type ReferenceData struct {
	Memories []MemoryReference `json:"memories"`
}

type MetricsData struct {
	ProcessingTimeMs int64 `json:"processingTimeMs"`
	TokensGenerated  int   `json:"tokensGenerated"`
}

type ErrorData struct {
	ErrorCode ErrorCode      `json:"errorCode"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}

type EndData struct {
	RequestID string `json:"requestId"`
}

func (StatusData) eventType() EventType        { return EventStatus }
func (TextData) eventType() EventType          { return EventText }
func (ImageAnalysisData) eventType() EventType { return EventImageAnalysis }
func (ReferenceData) eventType() EventType     { return EventReference }
func (MetricsData) eventType() EventType       { return EventMetrics }
func (ErrorData) eventType() EventType         { return EventError }
func (EndData) eventType() EventType           { return EventEnd }

// Event is one message of the outbound protocol.
type Event struct {
	Type EventType `json:"type"`
	Data Payload   `json:"data"`
}

// NewEvent wraps a payload, deriving the type tag from it.
func NewEvent(p Payload) Event {
	return Event{Type: p.eventType(), Data: p}
}

// UnmarshalJSON decodes the data field according to the type tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var p Payload
	var err error
	switch raw.Type {
	case EventStatus:
		p, err = decodePayload[StatusData](raw.Data)
	case EventText:
		p, err = decodePayload[TextData](raw.Data)
	case EventImageAnalysis:
		p, err = decodePayload[ImageAnalysisData](raw.Data)
	case EventReference:
		p, err = decodePayload[ReferenceData](raw.Data)
	case EventMetrics:
		p, err = decodePayload[MetricsData](raw.Data)
	case EventError:
		p, err = decodePayload[ErrorData](raw.Data)
	case EventEnd:
		p, err = decodePayload[EndData](raw.Data)
	default:
		return fmt.Errorf("unknown event type: %q", raw.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s event: %w", raw.Type, err)
	}
	e.Type = raw.Type
	e.Data = p
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
