// Package ws implements the WebSocket delivery channel for the chat
// interface.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/creatorops/quotient/internal/agent"
	"github.com/creatorops/quotient/internal/prompts"
)

// ChatMessage is the inbound wire format. A bare text frame that is not
// valid JSON is accepted too and treated as a chat message for the
// connection's default session.
type ChatMessage struct {
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message"`
	UserID      string `json:"user_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	MessageType string `json:"message_type,omitempty"` // "chat" (default) or "clear"
}

// ChatResponse is the outbound wire format.
type ChatResponse struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	Sender      string `json:"sender"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"message_type"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Responder runs a reasoning cycle for one inbound message.
// *agent.Orchestrator satisfies it.
type Responder interface {
	HandleMessage(ctx context.Context, sessionID, text string) (*agent.Result, error)
}

// Sessions is the slice of the session store the channel needs.
type Sessions interface {
	CreateOrGet(id string)
	Clear(id string)
	Drop(id string)
}

// Channel upgrades HTTP requests to WebSocket connections and shuttles
// chat traffic between clients and the reasoning loop.
type Channel struct {
	logger           *slog.Logger
	responder        Responder
	sessions         Sessions
	dropOnDisconnect bool
	upgrader         websocket.Upgrader
}

// NewChannel creates the delivery channel. With dropOnDisconnect set,
// every session touched by a connection is discarded when that
// connection closes; otherwise sessions survive reconnects until the
// idle eviction sweep claims them.
func NewChannel(logger *slog.Logger, responder Responder, sessions Sessions, dropOnDisconnect bool) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		logger:           logger,
		responder:        responder,
		sessions:         sessions,
		dropOnDisconnect: dropOnDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The chat page may be served from a different origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and services the connection until the
// client goes away.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c.serve(r.Context(), conn, r.RemoteAddr)
}

// wsConn is the per-connection state. The write mutex keeps concurrent
// reasoning cycles from interleaving frames.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// defaultSession backs frames that carry no session_id.
	defaultSession string

	// touched records every session this connection used, for the
	// drop-on-disconnect policy.
	touchedMu sync.Mutex
	touched   map[string]struct{}

	// order holds the tail of each session's handler chain. Reserving a
	// slot happens in the read loop, so same-session frames are handled
	// in arrival order even though each handler runs on its own
	// goroutine.
	orderMu sync.Mutex
	order   map[string]chan struct{}
}

func (wc *wsConn) touch(id string) {
	wc.touchedMu.Lock()
	wc.touched[id] = struct{}{}
	wc.touchedMu.Unlock()
}

// reserve appends a slot to the session's handler chain. The caller
// waits on prev (nil for the first frame) before handling, and must
// close done when finished so the next frame can proceed.
func (wc *wsConn) reserve(id string) (prev, done chan struct{}) {
	done = make(chan struct{})
	wc.orderMu.Lock()
	prev = wc.order[id]
	wc.order[id] = done
	wc.orderMu.Unlock()
	return prev, done
}

func (wc *wsConn) writeJSON(v any) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.conn.WriteJSON(v)
}

func (c *Channel) serve(parent context.Context, conn *websocket.Conn, remote string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()

	wc := &wsConn{
		conn:           conn,
		defaultSession: uuid.New().String(),
		touched:        make(map[string]struct{}),
		order:          make(map[string]chan struct{}),
	}
	c.sessions.CreateOrGet(wc.defaultSession)
	wc.touch(wc.defaultSession)

	logger := c.logger.With("remote", remote, "session", wc.defaultSession)
	logger.Info("websocket connected")

	// Handlers for in-flight messages outlive the read loop briefly;
	// wait for them before applying the retention policy.
	var handlers sync.WaitGroup

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", "error", err)
			}
			break
		}

		msg := c.decode(data, wc.defaultSession)
		wc.touch(msg.SessionID)

		// The queue slot is taken here, before spawning: handler
		// goroutines racing to start must not reorder same-session
		// frames.
		prev, done := wc.reserve(msg.SessionID)

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer close(done)
			if prev != nil {
				select {
				case <-prev:
				case <-ctx.Done():
					return
				}
			}
			c.handle(ctx, wc, msg, logger)
		}()
	}

	cancel()
	handlers.Wait()

	if c.dropOnDisconnect {
		wc.touchedMu.Lock()
		for id := range wc.touched {
			c.sessions.Drop(id)
		}
		wc.touchedMu.Unlock()
	}
	logger.Info("websocket disconnected")
}

// decode parses an inbound frame. Non-JSON frames become plain chat
// messages, which keeps simple clients (wscat, curl pipes) usable.
func (c *Channel) decode(data []byte, defaultSession string) ChatMessage {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		msg = ChatMessage{Message: string(data), MessageType: "chat"}
	}
	if msg.SessionID == "" {
		msg.SessionID = defaultSession
	}
	if msg.MessageType == "" {
		msg.MessageType = "chat"
	}
	// The literal /clear command is an alias for a clear frame.
	if msg.MessageType == "chat" && strings.EqualFold(strings.TrimSpace(msg.Message), "/clear") {
		msg.MessageType = "clear"
	}
	return msg
}

func (c *Channel) handle(ctx context.Context, wc *wsConn, msg ChatMessage, logger *slog.Logger) {
	switch msg.MessageType {
	case "chat":
		c.handleChat(ctx, wc, msg, logger)
	case "clear":
		// Clear never touches the reasoning loop. A cycle already in
		// flight for this session may still land its result afterwards;
		// that result becomes the first turn of the fresh history.
		c.sessions.Clear(msg.SessionID)
		c.respond(wc, msg.SessionID, prompts.ClearConfirmation, true, "", logger)
	default:
		c.respond(wc, msg.SessionID, "", false, "unknown message_type: "+msg.MessageType, logger)
	}
}

func (c *Channel) handleChat(ctx context.Context, wc *wsConn, msg ChatMessage, logger *slog.Logger) {
	if strings.TrimSpace(msg.Message) == "" {
		c.respond(wc, msg.SessionID, "", false, "empty message", logger)
		return
	}

	result, err := c.responder.HandleMessage(ctx, msg.SessionID, msg.Message)
	if err != nil {
		logger.Error("message handling failed", "error", err)
		c.respond(wc, msg.SessionID, "", false, "internal error", logger)
		return
	}

	if result.Aborted {
		c.respond(wc, msg.SessionID, result.Text, false, result.AbortReason, logger)
		return
	}
	c.respond(wc, msg.SessionID, result.Text, true, "", logger)
}

func (c *Channel) respond(wc *wsConn, sessionID, message string, success bool, errMsg string, logger *slog.Logger) {
	resp := ChatResponse{
		SessionID:   sessionID,
		Message:     message,
		Sender:      "agent",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MessageType: "response",
		Success:     success,
		Error:       errMsg,
	}
	if err := wc.writeJSON(resp); err != nil {
		logger.Warn("websocket write failed", "error", err)
	}
}
