package service

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/tracing"
)

// UserService is the user directory.
type UserService struct {
	store  docstore.Store
	logger *logger.Logger
	tracer trace.Tracer
	opts   options
}

// NewUserService creates a new user service.
func NewUserService(store docstore.Store, log *logger.Logger, opts ...Option) *UserService {
	return &UserService{
		store:  store,
		logger: log.Named("users"),
		tracer: tracing.Tracer("service.users"),
		opts:   defaultOptions(opts),
	}
}

// Upsert writes the caller's profile.
func (s *UserService) Upsert(ctx context.Context, ident model.Identity) (_ *model.User, err error) {
	const op = "users.upsert"
	ctx, span := s.tracer.Start(ctx, "UserService.Upsert", trace.WithAttributes(attribute.String("user_id", ident.UID)))
	defer func() { finish(span, err) }()

	if ident.UID == "" {
		return nil, apperr.Invalid(op, "missing user id")
	}
	now := s.opts.now()
	fields := docstore.Fields{
		"id":           ident.UID,
		"display_name": ident.DisplayName,
		"photo_url":    ident.PhotoURL,
		"email":        ident.Email,
		"email_lower":  strings.ToLower(strings.TrimSpace(ident.Email)),
		"updated_at":   now,
	}
	if _, err := s.store.Get(ctx, model.UserPath(ident.UID)); errors.Is(err, docstore.ErrNotFound) {
		fields["created_at"] = now
	}
	if err := s.store.Write(ctx, model.UserPath(ident.UID), fields, docstore.Merge()); err != nil {
		return nil, storeErr(op, err)
	}

	s.logger.Debug("user upserted", zap.String("user_id", ident.UID))
	return s.Get(ctx, ident.UID)
}

// Get loads a profile.
func (s *UserService) Get(ctx context.Context, uid string) (*model.User, error) {
	const op = "users.get"
	if uid == "" {
		return nil, apperr.Invalid(op, "missing user id")
	}
	doc, err := s.store.Get(ctx, model.UserPath(uid))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound(op, "user "+uid+" not found")
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	var u model.User
	if err := doc.DataTo(&u); err != nil {
		return nil, apperr.Transient(op, err)
	}
	return &u, nil
}

// FindByEmail looks a user up by email, ignoring case.
func (s *UserService) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	const op = "users.find_by_email"
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.Invalid(op, "missing email")
	}
	q := docstore.Collection(model.UsersCollection).Where("email_lower", docstore.OpEqual, email).Take(1)
	snap, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, storeErr(op, err)
	}
	doc, ok := snap.First()
	if !ok {
		return nil, apperr.NotFound(op, "no user with that email")
	}
	var u model.User
	if err := doc.DataTo(&u); err != nil {
		return nil, apperr.Transient(op, err)
	}
	return &u, nil
}
