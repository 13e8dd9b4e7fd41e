package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatstream/internal/types"
)

func dialWS(t *testing.T, h *harness, clientID string) *Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/chat/" + clientID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	require.NoError(t, err)
	return c
}

func textReq() types.ChatRequest {
	return types.ChatRequest{Query: "hi", PartitionHint: "p1", ChatType: types.ChatText, RequestID: "req-ws"}
}

// collect reads frames until every listed session has sent end.
func collect(t *testing.T, c *Client, ids ...types.SessionID) map[types.SessionID][]types.Event {
	t.Helper()
	pending := make(map[types.SessionID]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	out := make(map[types.SessionID][]types.Event)
	for len(pending) > 0 {
		f, err := c.Next()
		require.NoError(t, err)
		out[f.SessionID] = append(out[f.SessionID], f.Event)
		if f.Type == types.EventEnd {
			delete(pending, f.SessionID)
		}
	}
	return out
}

func texts(evs []types.Event) []string {
	var out []string
	for _, ev := range evs {
		if td, ok := ev.Data.(types.TextData); ok {
			out = append(out, td.Content)
		}
	}
	return out
}

func TestWebSocketChat(t *testing.T) {
	h := newHarness(t, replying("Hel", "lo"), Options{}, nil)
	c := dialWS(t, h, "client1")
	defer c.Close()

	require.NoError(t, c.Chat("", textReq()))

	var frames []Frame
	for {
		f, err := c.Next()
		require.NoError(t, err)
		frames = append(frames, f)
		if f.Type == types.EventEnd {
			break
		}
	}

	id := string(frames[0].SessionID)
	assert.True(t, strings.HasPrefix(id, "client1_"), "unexpected session id %q", id)
	assert.Len(t, id, len("client1_")+8)
	for _, f := range frames {
		assert.Equal(t, frames[0].SessionID, f.SessionID)
	}
	assert.Equal(t, types.EndData{RequestID: "req-ws"}, frames[len(frames)-1].Data)
}

func TestWebSocketMultiplex(t *testing.T) {
	h := newHarness(t, replying("a", "b", "c"), Options{}, nil)
	c := dialWS(t, h, "client2")
	defer c.Close()

	require.NoError(t, c.Chat("s1", textReq()))
	require.NoError(t, c.Chat("s2", textReq()))

	got := collect(t, c, "s1", "s2")
	for _, id := range []types.SessionID{"s1", "s2"} {
		evs := got[id]
		assert.Equal(t, []string{"a", "b", "c"}, texts(evs), "session %s", id)
		assert.Equal(t, types.EventEnd, evs[len(evs)-1].Type)
	}
}

func TestWebSocketCancel(t *testing.T) {
	h := newHarness(t, hanging(), Options{}, nil)
	c := dialWS(t, h, "client3")
	defer c.Close()

	require.NoError(t, c.Chat("s1", textReq()))
	for {
		f, err := c.Next()
		require.NoError(t, err)
		if sd, ok := f.Data.(types.StatusData); ok && sd.Stage == types.StageGenerating {
			break
		}
	}

	require.NoError(t, c.Cancel("s1"))
	evs := collect(t, c, "s1")["s1"]
	require.Len(t, evs, 2)
	assert.Equal(t, types.CodeCancelled, evs[0].Data.(types.ErrorData).ErrorCode)
	assert.Equal(t, types.EventEnd, evs[1].Type)
	h.idle(t)
}

func TestWebSocketCancelUnknown(t *testing.T) {
	h := newHarness(t, replying(), Options{}, nil)
	c := dialWS(t, h, "client4")
	defer c.Close()

	require.NoError(t, c.Cancel("ghost"))
	f, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, types.SessionID("ghost"), f.SessionID)
	assert.Equal(t, types.EventError, f.Type)
}

func TestWebSocketUnknownAction(t *testing.T) {
	h := newHarness(t, replying(), Options{}, nil)
	c := dialWS(t, h, "client5")
	defer c.Close()

	require.NoError(t, c.send(Inbound{Action: "dance"}))
	f, err := c.Next()
	require.NoError(t, err)
	require.Equal(t, types.EventError, f.Type)
	errData := f.Data.(types.ErrorData)
	assert.Equal(t, types.CodeValidationFailed, errData.ErrorCode)
	assert.Contains(t, errData.Message, "dance")

	require.NoError(t, c.send(Inbound{Action: ActionChat}))
	f, err = c.Next()
	require.NoError(t, err)
	assert.Equal(t, types.EventError, f.Type)
}

func TestWebSocketDisconnectCancelsSessions(t *testing.T) {
	h := newHarness(t, hanging(), Options{}, nil)
	c := dialWS(t, h, "client6")

	require.NoError(t, c.Chat("s1", textReq()))
	require.NoError(t, c.Chat("s2", textReq()))
	require.Eventually(t, func() bool { return h.manager.Stats().Active == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	h.idle(t)
	require.Eventually(t, func() bool { return len(h.manager.List()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketCoalesce(t *testing.T) {
	h := newHarness(t, replying("Hello ", "world. ", "More"), Options{CoalesceText: true, CoalesceMin: 10}, nil)
	c := dialWS(t, h, "client7")
	defer c.Close()

	require.NoError(t, c.Chat("s1", textReq()))
	evs := collect(t, c, "s1")["s1"]

	assert.Equal(t, []string{"Hello world.", " More"}, texts(evs))
	var ids []int
	for _, ev := range evs {
		if td, ok := ev.Data.(types.TextData); ok {
			ids = append(ids, td.ChunkID)
		}
	}
	assert.Equal(t, []int{0, 1}, ids)
	assert.Equal(t, types.EventEnd, evs[len(evs)-1].Type)
}

func TestWebSocketSessionIDsAreScopedPerClient(t *testing.T) {
	h := newHarness(t, hanging(), Options{}, nil)
	alice := dialWS(t, h, "alice")
	defer alice.Close()
	bob := dialWS(t, h, "bob")
	defer bob.Close()

	require.NoError(t, alice.Chat("s1", textReq()))
	require.Eventually(t, func() bool { return h.manager.Stats().Active == 1 }, 2*time.Second, 10*time.Millisecond)

	// Same id from another client opens a second session instead of
	// replacing the first.
	require.NoError(t, bob.Chat("s1", textReq()))
	require.Eventually(t, func() bool { return h.manager.Stats().Active == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, info := range h.manager.List() {
		assert.True(t, strings.HasPrefix(string(info.ID), "ws:"), "unscoped id %q", info.ID)
	}

	require.NoError(t, bob.Cancel("s1"))
	bobEvents := collect(t, bob, "s1")["s1"]
	assert.Equal(t, types.EventEnd, bobEvents[len(bobEvents)-1].Type)
	require.Eventually(t, func() bool { return h.manager.Stats().Active == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Cancel("s1"))
	var errs []types.ErrorData
	for _, ev := range collect(t, alice, "s1")["s1"] {
		if ed, ok := ev.Data.(types.ErrorData); ok {
			errs = append(errs, ed)
		}
	}
	require.Len(t, errs, 1, "alice's session ended before she cancelled it")
	assert.Equal(t, types.CodeCancelled, errs[0].ErrorCode)
	h.idle(t)
}
