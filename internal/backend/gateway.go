// Package backend wraps the external memory and generation capability
// behind a single streaming call.
package backend

import (
	"context"

	"github.com/user/chatstream/internal/types"
)

// Query is one enriched request for the backend.
type Query struct {
	Text           string
	PartitionID    types.PartitionID
	History        []types.HistoryMessage
	InternetSearch bool
}

// Gateway opens a reply stream for a query. The returned channel is closed
// when the backend finishes or ctx is cancelled. Failure to open the stream
// is reported as *types.GatewayError; failures after that arrive as a
// types.Failure signal.
type Gateway interface {
	Stream(ctx context.Context, q Query) (<-chan types.Signal, error)
}

// emitter delivers signals until the consumer goes away.
type emitter struct {
	ctx context.Context
	ch  chan<- types.Signal
}

func (e emitter) send(s types.Signal) bool {
	select {
	case e.ch <- s:
		return true
	case <-e.ctx.Done():
		return false
	}
}
