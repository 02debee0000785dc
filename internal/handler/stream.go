package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

// StreamHandler serves message windows as Server-Sent Events.
type StreamHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	window              int
	heartbeat           time.Duration
	logger              *logger.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	window int,
	heartbeat time.Duration,
	log *logger.Logger,
) *StreamHandler {
	if window <= 0 {
		window = 100
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		window:              window,
		heartbeat:           heartbeat,
		logger:              log,
		quit:                make(chan struct{}),
	}
}

// Shutdown ends every open stream. It is meant for
// http.Server.RegisterOnShutdown.
func (h *StreamHandler) Shutdown() {
	h.quitOnce.Do(func() { close(h.quit) })
}

type windowUpdate struct {
	msgs []model.Message
	err  error
}

// Stream handles GET /api/v1/conversations/{id}/stream. Each event carries
// the whole visible window; intermediate snapshots may be skipped when the
// client reads slower than the window changes.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	conversationID, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if _, err := h.conversationService.Get(ctx, ident.UID, conversationID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Latest snapshot wins.
	updates := make(chan windowUpdate, 1)
	unsub, err := h.messageService.SubscribeRecent(ctx, conversationID, h.window, func(msgs []model.Message, err error) {
		u := windowUpdate{msgs: msgs, err: err}
		for {
			select {
			case updates <- u:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer unsub()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementConnections("sse")
	defer metrics.DecrementConnections("sse")

	log := middleware.RequestLogger(ctx, h.logger).WithConversation(conversationID)

	sendSSEEvent(w, flusher, string(model.EventConnected), map[string]string{
		"conversation_id": conversationID,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var prev []model.Message
	first := true
	for {
		select {
		case <-ctx.Done():
			log.Info("SSE client disconnected")
			return

		case <-h.quit:
			return

		case u := <-updates:
			if u.err != nil {
				log.Warn("window snapshot failed", zap.Error(u.err))
				sendSSEEvent(w, flusher, string(model.EventError), &model.ErrorEvent{
					Code:    "snapshot_failed",
					Message: "failed to load messages",
				})
				continue
			}
			visible := service.VisibleFor(u.msgs, ident.UID)
			diff := service.DiffWindow(prev, visible)
			if !first && diff.Empty() {
				continue
			}
			first = false
			prev = visible
			if visible == nil {
				visible = []model.Message{}
			}
			err := sendSSEEvent(w, flusher, string(model.EventMessages), &model.MessagesEvent{
				Messages: visible,
				Added:    diff.Added,
				Changed:  diff.Changed,
				Removed:  diff.Removed,
			})
			if err != nil {
				log.Warn("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, string(model.EventHeartbeat), &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
