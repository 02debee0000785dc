package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/presence"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// UserHandler handles profile and presence endpoints.
type UserHandler struct {
	users      *service.UserService
	store      docstore.Store
	staleAfter time.Duration
	logger     *logger.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users *service.UserService, store docstore.Store, staleAfter time.Duration, log *logger.Logger) *UserHandler {
	return &UserHandler{
		users:      users,
		store:      store,
		staleAfter: staleAfter,
		logger:     log,
	}
}

// UpsertMe handles PUT /api/v1/users/me. The profile comes from the token.
func (h *UserHandler) UpsertMe(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity(w, r)
	if !ok {
		return
	}
	user, err := h.users.Upsert(r.Context(), ident)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Find handles GET /api/v1/users?email=
func (h *UserHandler) Find(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	user, err := h.users.FindByEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Presence handles GET /api/v1/users/{uid}/presence
func (h *UserHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	uid, ok := pathID(w, "user", chi.URLParam(r, "uid"))
	if !ok {
		return
	}

	snap, err := h.store.Query(r.Context(), docstore.Doc(model.StatusPath(uid)))
	if err != nil {
		writeServiceError(w, r, h.logger, apperr.Transient("users.presence", err))
		return
	}
	writeJSON(w, http.StatusOK, presence.View(presence.Decode(uid, snap), time.Now(), h.staleAfter))
}
