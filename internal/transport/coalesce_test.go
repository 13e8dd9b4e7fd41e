package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/chatstream/internal/types"
)

func text(s string) types.Event {
	return types.NewEvent(types.TextData{Content: s})
}

func contents(evs []types.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Data.(types.TextData).Content)
	}
	return out
}

func TestCoalescerHoldsShortText(t *testing.T) {
	c := newCoalescer(20)
	assert.Empty(t, c.push(text("Short. ")))
	assert.True(t, c.pending())
	assert.Equal(t, []string{"Short. "}, contents(c.flush()))
	assert.False(t, c.pending())
	assert.Empty(t, c.flush())
}

func TestCoalescerWaitsForBoundary(t *testing.T) {
	c := newCoalescer(5)
	assert.Empty(t, c.push(text("no boundary yet")))
	out := c.push(text(" now. tail"))
	assert.Equal(t, []string{"no boundary yet now."}, contents(out))
	assert.Equal(t, []string{" tail"}, contents(c.flush()))
}

func TestCoalescerJapaneseBoundary(t *testing.T) {
	c := newCoalescer(4)
	out := c.push(text("こんにちは。元気"))
	assert.Equal(t, []string{"こんにちは。"}, contents(out))
	assert.Equal(t, []string{"元気"}, contents(c.flush()))
}

func TestCoalescerFlushesBeforeOtherEvents(t *testing.T) {
	c := newCoalescer(80)
	c.push(text("partial"))
	end := types.NewEvent(types.EndData{RequestID: "r"})
	out := c.push(end)
	assert.Len(t, out, 2)
	assert.Equal(t, types.TextData{Content: "partial", ChunkID: 0}, out[0].Data)
	assert.Equal(t, end, out[1])
}

func TestCoalescerRenumbersChunks(t *testing.T) {
	c := newCoalescer(1)
	a := c.push(text("a."))
	b := c.push(text("b."))
	assert.Equal(t, 0, a[0].Data.(types.TextData).ChunkID)
	assert.Equal(t, 1, b[0].Data.(types.TextData).ChunkID)
}
