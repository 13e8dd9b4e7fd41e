package llm

import (
	"context"
	"errors"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, messages []Message) (*Response, error)
	StreamFunc   func(ctx context.Context, messages []Message) (<-chan Delta, error)
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages)
	}
	return &Response{Content: "mock response"}, nil
}

func (m *MockProvider) Stream(ctx context.Context, messages []Message) (<-chan Delta, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, messages)
	}
	ch := make(chan Delta, 1)
	ch <- Delta{Content: "mock stream"}
	close(ch)
	return ch, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()
	messages := []Message{{Role: "user", Content: "test"}}

	resp, err := provider.Complete(ctx, messages)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty response")
	}

	stream, err := provider.Stream(ctx, messages)
	if err != nil {
		t.Fatal(err)
	}
	delta := <-stream
	if delta.Content == "" {
		t.Error("expected non-empty delta")
	}
}

func TestMockProviderCustomStream(t *testing.T) {
	mock := &MockProvider{
		StreamFunc: func(ctx context.Context, messages []Message) (<-chan Delta, error) {
			ch := make(chan Delta, 4)
			ch <- Delta{Content: "hello "}
			ch <- Delta{Content: "world"}
			ch <- Delta{Content: "!"}
			ch <- Delta{Usage: &Usage{OutputTokens: 3}}
			close(ch)
			return ch, nil
		},
	}

	stream, err := mock.Stream(context.Background(), []Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatal(err)
	}

	var accumulated string
	var usage *Usage
	for delta := range stream {
		accumulated += delta.Content
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}
	if accumulated != "hello world!" {
		t.Errorf("expected 'hello world!', got %q", accumulated)
	}
	if usage == nil || usage.OutputTokens != 3 {
		t.Errorf("expected final usage delta, got %+v", usage)
	}
}

func TestMockProviderStreamError(t *testing.T) {
	boom := errors.New("boom")
	mock := &MockProvider{
		StreamFunc: func(ctx context.Context, messages []Message) (<-chan Delta, error) {
			ch := make(chan Delta, 2)
			ch <- Delta{Content: "partial"}
			ch <- Delta{Err: boom}
			close(ch)
			return ch, nil
		},
	}

	stream, _ := mock.Stream(context.Background(), nil)
	var last Delta
	for d := range stream {
		last = d
	}
	if !errors.Is(last.Err, boom) {
		t.Errorf("expected final delta to carry the error, got %v", last.Err)
	}
}
