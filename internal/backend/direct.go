package backend

import (
	"context"
	"time"

	ctxengine "github.com/user/chatstream/internal/context"
	"github.com/user/chatstream/internal/types"
	"github.com/user/chatstream/pkg/llm"
)

// DirectGateway answers without memory search by streaming straight from
// an LLM provider. It reports the same stage codes as the memory backend so
// the sequencer sees one protocol.
type DirectGateway struct {
	provider llm.Provider
	engine   *ctxengine.Engine
}

// NewDirectGateway creates a gateway over provider. engine builds the
// token-budgeted prompt and counts generated tokens.
func NewDirectGateway(provider llm.Provider, engine *ctxengine.Engine) *DirectGateway {
	return &DirectGateway{provider: provider, engine: engine}
}

func (g *DirectGateway) Stream(ctx context.Context, q Query) (<-chan types.Signal, error) {
	start := time.Now()

	messages, err := g.engine.BuildPrompt(q.Text, q.PartitionID, q.History)
	if err != nil {
		return nil, &types.GatewayError{Op: "open", Err: err}
	}
	deltas, err := g.provider.Stream(ctx, messages)
	if err != nil {
		return nil, &types.GatewayError{Op: "open", Err: err}
	}

	ch := make(chan types.Signal, 16)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}

		for _, code := range []string{types.StageCodeSearchStarted, types.StageCodeSearchFinished, types.StageCodeGenerating} {
			if !out.send(types.StageStarted{Code: code}) {
				return
			}
		}

		var generated []byte
		var usage *llm.Usage
		for d := range deltas {
			if d.Err != nil {
				out.send(types.Failure{Reason: d.Err.Error()})
				return
			}
			if d.Usage != nil {
				usage = d.Usage
			}
			if d.Content == "" {
				continue
			}
			generated = append(generated, d.Content...)
			if !out.send(types.TextChunk{Content: d.Content}) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		tokens := g.engine.CountTokens(string(generated))
		if usage != nil && usage.OutputTokens > 0 {
			tokens = usage.OutputTokens
		}
		out.send(types.Metrics{ProcessingTime: time.Since(start), TokensGenerated: tokens})
	}()
	return ch, nil
}
