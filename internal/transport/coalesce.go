package transport

import (
	"strings"
	"unicode/utf8"

	"github.com/user/chatstream/internal/types"
)

// sentenceEnds covers both Japanese and ASCII sentence punctuation.
const sentenceEnds = "。？！．.?!\n"

// coalescer merges text events into sentence-sized frames. Non-text events
// flush the buffer first so ordering is preserved. Output chunk ids are
// renumbered from zero.
type coalescer struct {
	min     int
	buf     strings.Builder
	chunkID int
}

func newCoalescer(min int) *coalescer {
	return &coalescer{min: min}
}

// push returns the events ready to send after ev.
func (c *coalescer) push(ev types.Event) []types.Event {
	text, ok := ev.Data.(types.TextData)
	if !ok {
		return append(c.flush(), ev)
	}

	c.buf.WriteString(text.Content)
	if utf8.RuneCountInString(c.buf.String()) < c.min {
		return nil
	}

	buffered := c.buf.String()
	cut := strings.LastIndexAny(buffered, sentenceEnds)
	if cut < 0 {
		return nil
	}
	_, size := utf8.DecodeRuneInString(buffered[cut:])
	head, rest := buffered[:cut+size], buffered[cut+size:]

	c.buf.Reset()
	c.buf.WriteString(rest)
	return []types.Event{c.text(head)}
}

// pending reports whether text is buffered.
func (c *coalescer) pending() bool {
	return c.buf.Len() > 0
}

// flush emits whatever is buffered.
func (c *coalescer) flush() []types.Event {
	if c.buf.Len() == 0 {
		return nil
	}
	ev := c.text(c.buf.String())
	c.buf.Reset()
	return []types.Event{ev}
}

func (c *coalescer) text(s string) types.Event {
	ev := types.NewEvent(types.TextData{Content: s, ChunkID: c.chunkID})
	c.chunkID++
	return ev
}
