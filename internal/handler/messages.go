package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/codec"
	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/search"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	window              int
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler. window is the largest
// number of recent messages a list or search covers.
func NewMessageHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	window int,
	log *logger.Logger,
) *MessageHandler {
	if window <= 0 {
		window = 100
	}
	return &MessageHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		window:              window,
		logger:              log,
	}
}

// SearchHit is one search result with highlight spans.
type SearchHit struct {
	Message model.Message `json:"message"`
	Spans   []search.Span `json:"spans"`
}

// SearchResponse is the response for GET .../search.
type SearchResponse struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
	Total   int         `json:"total"`
}

func contentDocument(content, text string) (codec.Document, error) {
	if err := middleware.ValidateMessageContent(content); err != nil {
		return nil, err
	}
	if err := middleware.ValidateMessageContent(text); err != nil {
		return nil, err
	}
	if content != "" {
		return codec.FromPortable(content), nil
	}
	return codec.FromPlainText(text), nil
}

// messageIDs reads {id} and {mid} from the route.
func messageIDs(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return "", "", false
	}
	mid, ok := pathID(w, "message", chi.URLParam(r, "mid"))
	if !ok {
		return "", "", false
	}
	return id, mid, true
}

// visibleWindow loads the caller's visible recent messages.
func (h *MessageHandler) visibleWindow(w http.ResponseWriter, r *http.Request, ident model.Identity, conversationID string, limit int) ([]model.Message, bool) {
	ctx := r.Context()
	if _, err := h.conversationService.Get(ctx, ident.UID, conversationID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	msgs, err := h.messageService.LoadRecent(ctx, conversationID, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return nil, false
	}
	return service.VisibleFor(msgs, ident.UID), true
}

// List handles GET /api/v1/conversations/{id}/messages?limit=N
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	limit := h.window
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= h.window {
			limit = parsed
		}
	}

	msgs, ok := h.visibleWindow(w, r, ident, id, limit)
	if !ok {
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, model.ListMessagesResponse{
		Messages: msgs,
		Pinned:   service.Pinned(msgs),
	})
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req model.SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := contentDocument(req.Content, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ReplyTo != "" {
		if _, ok := pathID(w, "message", req.ReplyTo); !ok {
			return
		}
	}

	msg, err := h.messageService.Send(r.Context(), ident, id, doc, service.SendOptions{ReplyToID: req.ReplyTo})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Edit handles PATCH /api/v1/conversations/{id}/messages/{mid}
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, mid, ok := messageIDs(w, r)
	if !ok {
		return
	}
	var req model.EditMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	doc, err := contentDocument(req.Content, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.messageService.Edit(r.Context(), ident, id, mid, doc, req.Version)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Delete handles DELETE /api/v1/conversations/{id}/messages/{mid}?scope=everyone|me
// The default scope is me.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, mid, ok := messageIDs(w, r)
	if !ok {
		return
	}

	var err error
	switch r.URL.Query().Get("scope") {
	case "", "me":
		err = h.messageService.DeleteForMe(r.Context(), ident, id, mid)
	case "everyone":
		err = h.messageService.DeleteForEveryone(r.Context(), ident, id, mid)
	default:
		writeError(w, http.StatusBadRequest, "scope must be everyone or me")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// React handles PUT /api/v1/conversations/{id}/messages/{mid}/reaction
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, mid, ok := messageIDs(w, r)
	if !ok {
		return
	}
	var req model.ReactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateEmoji(req.Emoji); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.messageService.React(r.Context(), ident, id, mid, req.Emoji, true); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unreact handles DELETE /api/v1/conversations/{id}/messages/{mid}/reaction
func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, mid, ok := messageIDs(w, r)
	if !ok {
		return
	}

	if err := h.messageService.React(r.Context(), ident, id, mid, "", false); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Pin handles PUT /api/v1/conversations/{id}/messages/{mid}/pin
func (h *MessageHandler) Pin(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, mid, ok := messageIDs(w, r)
	if !ok {
		return
	}
	var req model.PinRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.messageService.Pin(r.Context(), ident, id, mid, req.Pinned); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Forward handles POST /api/v1/conversations/{id}/messages/{mid}/forward.
// When some targets fail the response is 207 with a result per target.
func (h *MessageHandler) Forward(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, mid, ok := messageIDs(w, r)
	if !ok {
		return
	}
	var req model.ForwardRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	src, err := h.messageService.Get(r.Context(), id, mid)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	results, err := h.messageService.Forward(r.Context(), ident, src, req.Targets)
	if _, partial := apperr.AsPartial(err); err != nil && !partial {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"results": results})
}

// Search handles GET /api/v1/conversations/{id}/search?q=
func (h *MessageHandler) Search(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if err := middleware.ValidateSearchQuery(q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, ok := h.visibleWindow(w, r, ident, id, h.window)
	if !ok {
		return
	}
	hits := make([]SearchHit, 0)
	for _, m := range search.Search(msgs, q) {
		hits = append(hits, SearchHit{Message: m, Spans: search.Highlight(m.PlainText, q)})
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: q, Results: hits, Total: len(hits)})
}
