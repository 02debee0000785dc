package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/session"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 4096

	sendBuffer = 256
)

// RealtimeHandler upgrades clients to a websocket and drives a session
// from their frames.
type RealtimeHandler struct {
	deps     session.Deps
	upgrader websocket.Upgrader
	logger   *logger.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewRealtimeHandler creates a realtime handler. An empty origins list
// accepts any origin.
func NewRealtimeHandler(deps session.Deps, origins []string, log *logger.Logger) *RealtimeHandler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &RealtimeHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
		logger:  log,
		clients: make(map[*wsClient]struct{}),
	}
}

// Shutdown disconnects every client and waits for their sessions to
// close or for ctx to end. Hijacked connections are not covered by
// http.Server.Shutdown.
func (h *RealtimeHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *RealtimeHandler) track(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *RealtimeHandler) untrack(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.wg.Done()
}

type wsClient struct {
	conn   *websocket.Conn
	sess   *session.Session
	send   chan model.ServerEvent
	done   chan struct{}
	cancel context.CancelFunc
	logger *logger.Logger
}

// Serve handles GET /ws. Authentication happens before the upgrade.
func (h *RealtimeHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends when the handler returns, so the session
	// gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		conn:   conn,
		send:   make(chan model.ServerEvent, sendBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: middleware.RequestLogger(r.Context(), h.logger),
	}
	if !h.track(c) {
		cancel()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	defer h.untrack(c)
	c.sess = session.New(h.deps, ident, c.enqueue)

	metrics.IncrementConnections("websocket")
	c.logger.Info("websocket connected")

	c.sess.Start(ctx)
	c.enqueue(model.ServerEvent{Type: model.EventConnected})

	go c.writePump()
	c.readPump(ctx)
}

// enqueue hands an event to the writer. A client that falls a whole buffer
// behind is disconnected.
func (c *wsClient) enqueue(ev model.ServerEvent) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		c.logger.Warn("websocket client too slow, disconnecting")
		c.cancel()
		c.conn.Close()
	}
}

func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		c.cancel()
		closeCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		c.sess.Close(closeCtx)
		cancel()
		close(c.done)
		c.conn.Close()
		metrics.DecrementConnections("websocket")
		c.logger.Info("websocket disconnected")
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var ev model.ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendError("", "invalid_frame", "frame is not valid JSON")
			continue
		}
		if err := c.dispatch(ctx, ev); err != nil {
			code, msg := errorEvent(err)
			c.sendError(ev.ConversationID, code, msg)
		}
	}
}

func (c *wsClient) dispatch(ctx context.Context, ev model.ClientEvent) error {
	needsConversation := func() error {
		if err := middleware.ValidateID("conversation", ev.ConversationID); err != nil {
			return apperr.Invalid("ws."+string(ev.Type), err.Error())
		}
		return nil
	}

	switch ev.Type {
	case model.EventOpen:
		if err := needsConversation(); err != nil {
			return err
		}
		return c.sess.Open(ctx, ev.ConversationID)
	case model.EventLeave:
		if err := needsConversation(); err != nil {
			return err
		}
		c.sess.Leave(ctx, ev.ConversationID)
	case model.EventTyping:
		if err := needsConversation(); err != nil {
			return err
		}
		return c.sess.SetTyping(ctx, ev.ConversationID, ev.Typing)
	case model.EventKeystroke:
		if err := needsConversation(); err != nil {
			return err
		}
		return c.sess.Keystroke(ctx, ev.ConversationID)
	case model.EventVisibility:
		c.sess.SetVisibility(ctx, ev.Visible)
	case model.EventWatchPresence:
		return c.sess.WatchPresence(ctx, ev.UserID)
	default:
		return apperr.Invalid("ws.dispatch", "unknown event type")
	}
	return nil
}

func (c *wsClient) sendError(conversationID, code, message string) {
	data, _ := json.Marshal(&model.ErrorEvent{Code: code, Message: message})
	c.enqueue(model.ServerEvent{Type: model.EventError, ConversationID: conversationID, Data: data})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// errorEvent describes err for the client without server side detail.
func errorEvent(err error) (string, string) {
	if statusFor(err) >= http.StatusInternalServerError {
		return "internal", "internal error"
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		msg = ae.Msg
	}
	return apperr.KindOf(err).String(), msg
}
