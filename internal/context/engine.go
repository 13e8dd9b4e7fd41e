package context

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM and counts tokens of
// generated text.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// BuildPrompt assembles the system prompt, as much recent history as fits
// the budget, and the query as the final user message. The query is always
// included; history is dropped oldest first.
func (e *Engine) BuildPrompt(query string, partition types.PartitionID, history []types.HistoryMessage) ([]llm.Message, error) {
	var sys bytes.Buffer
	err := e.prompt.Execute(&sys, PromptData{
		Time:      time.Now().Format(time.RFC3339),
		Partition: string(partition),
	})
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	sysPrompt := sys.String()

	inputBudget := e.maxTokens - e.reserve
	remaining := inputBudget - e.CountTokens(sysPrompt) - e.CountTokens(query)

	// 70% for history, the rest is safety margin
	historyBudget := int(float64(remaining) * 0.7)

	// Walk backwards so the most recent turns survive truncation.
	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := e.CountTokens(history[i].Content)
		if used+n > historyBudget {
			break
		}
		used += n
		start = i
	}

	messages := make([]llm.Message, 0, 2+len(history)-start)
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	for _, h := range history[start:] {
		messages = append(messages, llm.Message{Role: string(h.Role), Content: h.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	return messages, nil
}
