// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/realtime-conversations/internal/middleware"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations. An existing direct
// conversation with the same participant is returned with 200.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}

	var req model.CreateConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := h.service.Create(r.Context(), ident, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, model.CreateConversationResponse{Conversation: conv, Created: created})
}

// List handles GET /api/v1/conversations?view=inbox|archived
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}

	view := model.ConversationView(r.URL.Query().Get("view"))
	switch view {
	case "":
		view = model.ViewInbox
	case model.ViewInbox, model.ViewArchived:
	default:
		writeError(w, http.StatusBadRequest, "view must be inbox or archived")
		return
	}

	convs, err := h.service.ListForUser(r.Context(), ident.UID, view)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	conv, err := h.service.Get(r.Context(), ident.UID, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// AddParticipant handles POST /api/v1/conversations/{id}/participants
func (h *ConversationHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req model.ParticipantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, ok := pathID(w, "user", req.UserID); !ok {
		return
	}

	conv, err := h.service.AddParticipant(r.Context(), ident, id, req.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// RemoveParticipant handles DELETE /api/v1/conversations/{id}/participants/{uid}
func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	uid, ok := pathID(w, "user", chi.URLParam(r, "uid"))
	if !ok {
		return
	}

	conv, err := h.service.RemoveParticipant(r.Context(), ident, id, uid)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Leave handles POST /api/v1/conversations/{id}/leave
func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.service.Leave(r.Context(), ident, id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPreference handles PUT /api/v1/conversations/{id}/preferences
func (h *ConversationHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req model.PreferenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SetPreference(r.Context(), ident, id, req.Key, req.Value); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, "conversation", chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if _, err := h.service.Get(r.Context(), ident.UID, id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.service.MarkRead(r.Context(), id, ident.UID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
