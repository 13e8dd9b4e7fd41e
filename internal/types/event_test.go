// internal/types/event_test.go
package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEventWireShape(t *testing.T) {
	ev := NewEvent(TextData{Content: "hi", ChunkID: 0})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"text","data":{"content":"hi","chunkId":0}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		NewEvent(StatusData{Stage: StageProcessing, Message: "processing request"}),
		NewEvent(ImageAnalysisData{Analysis: []ImageAnalysisResult{{ImageIndex: 0, Success: false, Error: "bad"}}}),
		NewEvent(ReferenceData{Memories: []MemoryReference{{MemoryID: "m1", ReferenceNumber: 1}}}),
		NewEvent(MetricsData{ProcessingTimeMs: 12, TokensGenerated: 3}),
		NewEvent(ErrorData{ErrorCode: CodeTimeout, Message: "slow", Details: map[string]any{}}),
		NewEvent(EndData{RequestID: "req_abc"}),
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		var decoded Event
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if decoded.Type != ev.Type {
			t.Errorf("expected type %s, got %s", ev.Type, decoded.Type)
		}
		if decoded.Data == nil {
			t.Errorf("%s: data not decoded", ev.Type)
		}
	}
}

func TestEventUnmarshalDecodesPayload(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"type":"error","data":{"errorCode":"cancelled","message":"stop","details":{"k":"v"}}}`), &ev); err != nil {
		t.Fatal(err)
	}
	ed, ok := ev.Data.(ErrorData)
	if !ok {
		t.Fatalf("expected ErrorData, got %T", ev.Data)
	}
	if ed.ErrorCode != CodeCancelled || ed.Details["k"] != "v" {
		t.Errorf("unexpected payload: %+v", ed)
	}
}

func TestEventUnmarshalUnknownType(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"type":"bogus","data":{}}`), &ev)
	if err == nil || !strings.Contains(err.Error(), "unknown event type") {
		t.Errorf("expected unknown type error, got %v", err)
	}
}

func TestSignalVariants(t *testing.T) {
	signals := []Signal{
		StageStarted{Code: StageCodeGenerating},
		TextChunk{Content: "x"},
		References{},
		Metrics{},
		Failure{Reason: "boom"},
	}
	if len(signals) != 5 {
		t.Fatal("expected five signal variants")
	}
	if !(StageStarted{Code: "2"}).IsGeneration() {
		t.Error("code 2 should mark generation")
	}
	if (StageStarted{Code: "0"}).IsGeneration() {
		t.Error("code 0 is the search stage")
	}
}

func TestErrorTypes(t *testing.T) {
	ve := &ValidationError{Field: "query", Reason: "must not be empty"}
	if ve.Error() != "validation error: query: must not be empty" {
		t.Errorf("unexpected message: %s", ve.Error())
	}

	inner := errors.New("connection refused")
	ge := &GatewayError{Op: "open", Err: inner}
	if !errors.Is(ge, inner) {
		t.Error("GatewayError should unwrap to its cause")
	}

	te := &StageTimeoutError{Stage: "generation"}
	if !errors.Is(te, ErrStageTimeout) {
		t.Error("StageTimeoutError should match ErrStageTimeout")
	}
}
