package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/user/chatstream/internal/types"
)

// Client speaks the multiplexed WebSocket protocol. Next must be called
// from a single goroutine; sends may come from any goroutine.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to a /ws/chat/{clientId} endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Chat starts a session. An empty id lets the server pick one.
func (c *Client) Chat(id types.SessionID, req types.ChatRequest) error {
	return c.send(Inbound{Action: ActionChat, SessionID: id, Request: &req})
}

// Cancel asks the server to cancel a session.
func (c *Client) Cancel(id types.SessionID) error {
	return c.send(Inbound{Action: ActionCancel, SessionID: id})
}

func (c *Client) send(msg Inbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Next blocks for the next frame.
func (c *Client) Next() (Frame, error) {
	var f Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}
