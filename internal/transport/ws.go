package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/chatstream/internal/session"
	"github.com/user/chatstream/internal/types"
)

// Actions accepted on the socket.
const (
	ActionChat   = "chat"
	ActionCancel = "cancel"
)

// Inbound is a client frame.
type Inbound struct {
	Action    string             `json:"action"`
	SessionID types.SessionID    `json:"sessionId,omitempty"`
	Request   *types.ChatRequest `json:"request,omitempty"`
}

// Frame is an outbound event tagged with the session it belongs to.
type Frame struct {
	SessionID types.SessionID `json:"sessionId"`
	types.Event
}

// UnmarshalJSON keeps the session id alongside the decoded event.
func (f *Frame) UnmarshalJSON(b []byte) error {
	var head struct {
		SessionID types.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	if err := f.Event.UnmarshalJSON(b); err != nil {
		return err
	}
	f.SessionID = head.SessionID
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := types.ClientID(r.PathValue("clientId"))
	if clientID == "" {
		http.Error(w, `{"error":"client id required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "client_id", string(clientID), "error", err)
		return
	}

	c := &wsConn{
		srv:      s,
		conn:     conn,
		clientID: clientID,
		sessions: make(map[types.SessionID]*session.Session),
		log:      slog.With("client_id", string(clientID)),
	}
	c.log.Info("websocket connected")
	c.serve()
	c.log.Info("websocket disconnected")
}

// wsConn multiplexes many sessions over one socket. One goroutine reads;
// each session has its own forwarding goroutine. Writes are serialized.
type wsConn struct {
	srv      *Server
	conn     *websocket.Conn
	clientID types.ClientID
	log      *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[types.SessionID]*session.Session
	wg       sync.WaitGroup
}

func (c *wsConn) serve() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.writeError("", types.CodeValidationFailed, "invalid JSON")
			continue
		}

		switch msg.Action {
		case ActionChat:
			c.startChat(msg)
		case ActionCancel:
			c.cancel(msg.SessionID)
		default:
			c.writeError(msg.SessionID, types.CodeValidationFailed, fmt.Sprintf("unknown action %q", msg.Action))
		}
	}
}

// newSessionID derives a session id for a chat frame that names none.
func (c *wsConn) newSessionID() types.SessionID {
	return types.SessionID(fmt.Sprintf("%s_%s", c.clientID, uuid.New().String()[:8]))
}

// scoped maps a connection-local session id to the manager's id space, so
// two clients choosing the same id never replace each other's sessions.
func (c *wsConn) scoped(local types.SessionID) types.SessionID {
	return types.SessionID("ws:" + string(c.clientID) + ":" + string(local))
}

func (c *wsConn) startChat(msg Inbound) {
	if msg.Request == nil {
		c.writeError(msg.SessionID, types.CodeValidationFailed, "request is required")
		return
	}
	local := msg.SessionID
	if local == "" {
		local = c.newSessionID()
	}
	req := *msg.Request
	req.SessionID = c.scoped(local)

	sess, err := c.srv.manager.Open(context.Background(), req)
	if err != nil {
		c.log.Warn("open session failed", "session_id", string(req.SessionID), "error", err)
		c.writeError(local, types.CodeInternal, "service unavailable")
		return
	}

	c.mu.Lock()
	c.sessions[local] = sess
	c.wg.Add(1)
	c.mu.Unlock()

	go c.forward(local, sess)
}

func (c *wsConn) cancel(id types.SessionID) {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		c.writeError(id, types.CodeValidationFailed, "session not found")
		return
	}
	sess.Cancel()
}

// forward drains one session onto the socket, tagging frames with the
// client's own id for it.
func (c *wsConn) forward(local types.SessionID, sess *session.Session) {
	defer c.wg.Done()
	defer c.release(local, sess)
	defer sess.Close()

	var co *coalescer
	var idle *time.Timer
	var idleC <-chan time.Time
	if c.srv.opts.CoalesceText {
		co = newCoalescer(c.srv.opts.CoalesceMin)
		idle = time.NewTimer(c.srv.opts.CoalesceIdle)
		idle.Stop()
		defer idle.Stop()
	}

	events := sess.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			out := []types.Event{ev}
			if co != nil {
				out = co.push(ev)
				if co.pending() {
					idle.Reset(c.srv.opts.CoalesceIdle)
					idleC = idle.C
				} else {
					idle.Stop()
					idleC = nil
				}
			}
			for _, e := range out {
				if err := c.write(Frame{SessionID: local, Event: e}); err != nil {
					c.log.Warn("websocket write failed", "session_id", string(sess.ID), "error", err)
					sess.Cancel()
					return
				}
			}
		case <-idleC:
			idleC = nil
			for _, e := range co.flush() {
				if err := c.write(Frame{SessionID: local, Event: e}); err != nil {
					sess.Cancel()
					return
				}
			}
		}
	}
}

func (c *wsConn) release(local types.SessionID, sess *session.Session) {
	c.mu.Lock()
	if c.sessions[local] == sess {
		delete(c.sessions, local)
	}
	c.mu.Unlock()
}

func (c *wsConn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writeError(id types.SessionID, code types.ErrorCode, msg string) {
	f := Frame{
		SessionID: id,
		Event:     types.NewEvent(types.ErrorData{ErrorCode: code, Message: msg, Details: map[string]any{}}),
	}
	if err := c.write(f); err != nil {
		c.log.Warn("websocket write failed", "error", err)
	}
}

// shutdown cancels every session of the connection and waits for the
// forwarders to exit.
func (c *wsConn) shutdown() {
	c.mu.Lock()
	for _, sess := range c.sessions {
		sess.Close()
	}
	c.mu.Unlock()

	c.conn.Close()
	c.wg.Wait()
}
