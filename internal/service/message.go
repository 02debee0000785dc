package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/codec"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
	"github.com/capitalize-ai/realtime-conversations/pkg/tracing"
)

const previewTimeout = 15 * time.Second

// PreviewFetcher resolves link previews for a message's text. It never fails;
// URLs it cannot resolve are left out.
type PreviewFetcher interface {
	Fetch(ctx context.Context, text string) []model.LinkPreview
}

// SendOptions are optional parameters of Send.
type SendOptions struct {
	ReplyToID string
}

// MessageService handles message operations.
type MessageService struct {
	store    docstore.Store
	convs    *ConversationService
	previews PreviewFetcher
	logger   *logger.Logger
	tracer   trace.Tracer
	opts     options
}

// NewMessageService creates a new message service. previews may be nil.
func NewMessageService(store docstore.Store, convs *ConversationService, previews PreviewFetcher, log *logger.Logger, opts ...Option) *MessageService {
	return &MessageService{
		store:    store,
		convs:    convs,
		previews: previews,
		logger:   log.Named("messages"),
		tracer:   tracing.Tracer("service.messages"),
		opts:     defaultOptions(opts),
	}
}

func hasText(doc codec.Document) bool {
	return !codec.IsEmpty(doc) && strings.TrimSpace(codec.ToPlainText(doc)) != ""
}

// Send writes a new message and then updates the conversation summary and
// unread counters. A failed fan-out does not fail the send.
func (s *MessageService) Send(ctx context.Context, ident model.Identity, conversationID string, doc codec.Document, opts SendOptions) (_ *model.Message, err error) {
	const op = "messages.send"
	ctx, span := s.tracer.Start(ctx, "MessageService.Send",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer func() { finish(span, err) }()

	if !hasText(doc) {
		return nil, ErrEmptyContent
	}
	conv, err := s.convs.Get(ctx, ident.UID, conversationID)
	if err != nil {
		return nil, err
	}

	var reply *model.ReplyTo
	if opts.ReplyToID != "" {
		target, err := s.Get(ctx, conversationID, opts.ReplyToID)
		if err != nil {
			return nil, err
		}
		reply = &model.ReplyTo{
			MessageID:  target.ID,
			Content:    target.Content,
			PlainText:  target.DisplayText(),
			SenderID:   target.SenderID,
			SenderName: target.SenderName,
		}
	}

	now := s.opts.now()
	msg := s.newMessage(ident, conversationID, now)
	msg.Content = codec.ToPortable(doc)
	msg.PlainText = plainText(doc)
	msg.ReplyTo = reply

	if err := s.create(ctx, op, msg); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("send").Inc()

	s.fanout(ctx, conv, msg)
	s.attachPreviews(conversationID, msg.ID, msg.PlainText)
	return msg, nil
}

// plainText is the searchable text of doc without surrounding blank lines.
func plainText(doc codec.Document) string {
	return strings.TrimSpace(codec.ToPlainText(doc))
}

func (s *MessageService) newMessage(ident model.Identity, conversationID string, now time.Time) *model.Message {
	return &model.Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		SenderID:       ident.UID,
		SenderName:     ident.DisplayName,
		SenderPhotoURL: ident.PhotoURL,
		Type:           model.MessageText,
		CreatedAt:      now,
		Status:         model.StatusSent,
		DeliveredTo:    map[string]time.Time{ident.UID: now},
		ReadBy:         map[string]time.Time{},
		Version:        1,
	}
}

func (s *MessageService) create(ctx context.Context, op string, msg *model.Message) error {
	fields, err := toFields(msg)
	if err != nil {
		return apperr.Transient(op, err)
	}
	err = s.store.Write(ctx, model.MessagePath(msg.ConversationID, msg.ID), fields, docstore.IfNotExists())
	return storeErr(op, err)
}

func (s *MessageService) fanout(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	err := s.convs.OnNewMessage(ctx, conv, msg)
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID),
		zap.Error(err),
	}
	if pf, ok := apperr.AsPartial(err); ok {
		fields = append(fields, zap.Int("failed", len(pf.Failed())))
	}
	s.logger.Warn("conversation fan-out incomplete", fields...)
}

func (s *MessageService) attachPreviews(conversationID, messageID, text string) {
	if s.previews == nil {
		return
	}
	s.opts.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), previewTimeout)
		defer cancel()

		previews := s.previews.Fetch(ctx, text)
		if len(previews) == 0 {
			return
		}
		err := s.store.Write(ctx, model.MessagePath(conversationID, messageID), docstore.Fields{
			"link_previews": previews,
		}, docstore.MustExist())
		if err != nil {
			metrics.RecordDropped("preview")
			s.logger.Warn("link previews dropped",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	})
}

// Get loads one message.
func (s *MessageService) Get(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	const op = "messages.get"
	if err := docstore.ValidatePath(messageID); err != nil {
		return nil, apperr.Invalid(op, "invalid message id")
	}
	doc, err := s.store.Get(ctx, model.MessagePath(conversationID, messageID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound(op, "message not found")
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	var m model.Message
	if err := doc.DataTo(&m); err != nil {
		return nil, apperr.Transient(op, err)
	}
	return &m, nil
}

// loadOwn loads a message the caller sent.
func (s *MessageService) loadOwn(ctx context.Context, op string, ident model.Identity, conversationID, messageID string) (*model.Message, error) {
	if _, err := s.convs.Get(ctx, ident.UID, conversationID); err != nil {
		return nil, err
	}
	msg, err := s.Get(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != ident.UID {
		return nil, apperr.PermissionDenied(op, "only the sender can change a message")
	}
	return msg, nil
}

// loadVisible loads a message in a conversation the caller participates in.
func (s *MessageService) loadVisible(ctx context.Context, ident model.Identity, conversationID, messageID string) (*model.Message, error) {
	if _, err := s.convs.Get(ctx, ident.UID, conversationID); err != nil {
		return nil, err
	}
	return s.Get(ctx, conversationID, messageID)
}

// Edit replaces the body of the caller's message. expectedVersion, when
// non-zero, is the version the caller edited from; a newer stored version
// fails with a Conflict.
func (s *MessageService) Edit(ctx context.Context, ident model.Identity, conversationID, messageID string, doc codec.Document, expectedVersion int) (_ *model.Message, err error) {
	const op = "messages.edit"
	ctx, span := s.tracer.Start(ctx, "MessageService.Edit",
		trace.WithAttributes(attribute.String("conversation_id", conversationID), attribute.String("message_id", messageID)))
	defer func() { finish(span, err) }()

	if !hasText(doc) {
		return nil, ErrEmptyContent
	}
	msg, err := s.loadOwn(ctx, op, ident, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted() {
		return nil, apperr.Invariant(op, "deleted messages cannot be edited")
	}
	if expectedVersion == 0 {
		expectedVersion = msg.Version
	}
	if expectedVersion != msg.Version {
		return nil, apperr.Conflict(op, "message was changed by another edit")
	}

	plain := plainText(doc)
	err = s.store.Write(ctx, model.MessagePath(conversationID, messageID), docstore.Fields{
		"content":    codec.ToPortable(doc),
		"plain_text": plain,
		"edited_at":  s.opts.now(),
		"version":    docstore.Increment(1),
	}, docstore.MustExist(), docstore.Expect("version", expectedVersion))
	if errors.Is(err, docstore.ErrPrecondition) {
		return nil, apperr.Conflict(op, "message was changed by another edit")
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	metrics.MessagesTotal.WithLabelValues("edit").Inc()

	s.refreshLastMessage(ctx, conversationID, messageID, docstore.Fields{"last_message.text": plain})
	return s.Get(ctx, conversationID, messageID)
}

// refreshLastMessage patches the conversation summary if it still points at
// messageID.
func (s *MessageService) refreshLastMessage(ctx context.Context, conversationID, messageID string, fields docstore.Fields) {
	err := s.store.Write(ctx, model.ConversationPath(conversationID), fields,
		docstore.MustExist(), docstore.Expect("last_message.message_id", messageID))
	if err == nil || errors.Is(err, docstore.ErrPrecondition) {
		return
	}
	s.logger.Warn("last message refresh failed",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.Error(err),
	)
}

// DeleteForEveryone replaces the caller's message with a tombstone. Deleting
// twice is a no-op.
func (s *MessageService) DeleteForEveryone(ctx context.Context, ident model.Identity, conversationID, messageID string) (err error) {
	const op = "messages.delete"
	ctx, span := s.tracer.Start(ctx, "MessageService.DeleteForEveryone",
		trace.WithAttributes(attribute.String("conversation_id", conversationID), attribute.String("message_id", messageID)))
	defer func() { finish(span, err) }()

	msg, err := s.loadOwn(ctx, op, ident, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted() {
		return nil
	}

	err = s.store.Write(ctx, model.MessagePath(conversationID, messageID), docstore.Fields{
		"deleted_at":    s.opts.now(),
		"content":       docstore.Delete(),
		"plain_text":    "",
		"link_previews": docstore.Delete(),
		"version":       docstore.Increment(1),
	}, docstore.MustExist())
	if err != nil {
		return storeErr(op, err)
	}
	metrics.MessagesTotal.WithLabelValues("delete").Inc()

	s.refreshLastMessage(ctx, conversationID, messageID, docstore.Fields{
		"last_message.text": model.TombstoneText,
		"last_message.type": model.MessageDeleted,
	})
	return nil
}

// DeleteForMe hides a message from the caller only.
func (s *MessageService) DeleteForMe(ctx context.Context, ident model.Identity, conversationID, messageID string) error {
	const op = "messages.delete_for_me"
	if _, err := s.loadVisible(ctx, ident, conversationID, messageID); err != nil {
		return err
	}
	err := docstore.WriteArrayUnion(ctx, s.store, model.MessagePath(conversationID, messageID), "deleted_for", ident.UID)
	if err != nil {
		return storeErr(op, err)
	}
	metrics.MessagesTotal.WithLabelValues("delete_for_me").Inc()
	return nil
}

// React sets or removes the caller's reaction. A user holds at most one
// reaction per message; reacting again replaces it.
func (s *MessageService) React(ctx context.Context, ident model.Identity, conversationID, messageID, emoji string, add bool) error {
	const op = "messages.react"
	msg, err := s.loadVisible(ctx, ident, conversationID, messageID)
	if err != nil {
		return err
	}

	var value any = docstore.Delete()
	if add {
		emoji = strings.TrimSpace(emoji)
		if emoji == "" {
			return apperr.Invalid(op, "missing emoji")
		}
		if msg.IsDeleted() {
			return apperr.Invariant(op, "deleted messages cannot be reacted to")
		}
		value = model.Reaction{Emoji: emoji, DisplayName: ident.DisplayName, Timestamp: s.opts.now()}
	}
	err = s.store.Write(ctx, model.MessagePath(conversationID, messageID), docstore.Fields{
		"reactions." + ident.UID: value,
	}, docstore.MustExist())
	if err != nil {
		return storeErr(op, err)
	}
	metrics.MessagesTotal.WithLabelValues("react").Inc()
	return nil
}

// Pin pins or unpins a message for everyone in the conversation.
func (s *MessageService) Pin(ctx context.Context, ident model.Identity, conversationID, messageID string, pinned bool) error {
	const op = "messages.pin"
	msg, err := s.loadVisible(ctx, ident, conversationID, messageID)
	if err != nil {
		return err
	}

	fields := docstore.Fields{
		"is_pinned": false,
		"pinned_at": docstore.Delete(),
		"pinned_by": docstore.Delete(),
	}
	if pinned {
		if msg.IsDeleted() {
			return apperr.Invariant(op, "deleted messages cannot be pinned")
		}
		fields = docstore.Fields{
			"is_pinned": true,
			"pinned_at": s.opts.now(),
			"pinned_by": ident.UID,
		}
	}
	if err := s.store.Write(ctx, model.MessagePath(conversationID, messageID), fields, docstore.MustExist()); err != nil {
		return storeErr(op, err)
	}
	metrics.MessagesTotal.WithLabelValues("pin").Inc()
	return nil
}

// Forward copies src into each target conversation. Every target is an
// independent send; targets that succeeded stay sent when others fail, and
// the failures are reported in a *apperr.PartialFailure.
func (s *MessageService) Forward(ctx context.Context, ident model.Identity, src *model.Message, targets []string) (_ []model.ForwardResult, err error) {
	const op = "messages.forward"
	ctx, span := s.tracer.Start(ctx, "MessageService.Forward",
		trace.WithAttributes(attribute.String("message_id", src.ID), attribute.Int("targets", len(targets))))
	defer func() { finish(span, err) }()

	if src.IsDeleted() {
		return nil, apperr.Invariant(op, "deleted messages cannot be forwarded")
	}
	if _, err := s.convs.Get(ctx, ident.UID, src.ConversationID); err != nil {
		return nil, err
	}

	origin := src.ForwardedFrom
	if origin == nil {
		origin = &model.ForwardedFrom{
			MessageID:      src.ID,
			SenderID:       src.SenderID,
			SenderName:     src.SenderName,
			ConversationID: src.ConversationID,
		}
	}

	seen := map[string]bool{}
	var units []apperr.UnitResult
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		id, err := s.forwardOne(ctx, op, ident, src, origin, target)
		units = append(units, apperr.UnitResult{Target: target, ID: id, Err: err})
	}
	if len(units) == 0 {
		return nil, apperr.Invalid(op, "no forward targets")
	}

	results := make([]model.ForwardResult, 0, len(units))
	for _, u := range units {
		r := model.ForwardResult{ConversationID: u.Target, MessageID: u.ID}
		if u.Err != nil {
			r.Error = u.Err.Error()
		}
		results = append(results, r)
	}
	return results, apperr.Collect(op, units)
}

func (s *MessageService) forwardOne(ctx context.Context, op string, ident model.Identity, src *model.Message, origin *model.ForwardedFrom, target string) (string, error) {
	conv, err := s.convs.Get(ctx, ident.UID, target)
	if err != nil {
		return "", err
	}
	msg := s.newMessage(ident, target, s.opts.now())
	msg.Content = src.Content
	msg.PlainText = src.PlainText
	msg.LinkPreviews = src.LinkPreviews
	msg.IsForwarded = true
	msg.ForwardedFrom = origin

	if err := s.create(ctx, op, msg); err != nil {
		return "", err
	}
	metrics.MessagesTotal.WithLabelValues("forward").Inc()
	s.fanout(ctx, conv, msg)
	return msg.ID, nil
}

func (s *MessageService) recentQuery(conversationID string, limit int) docstore.Query {
	return docstore.Collection(model.MessagesPath(conversationID)).
		Order("created_at", true).
		Take(limit)
}

// LoadRecent returns the newest limit messages in ascending order.
func (s *MessageService) LoadRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	const op = "messages.load_recent"
	if err := docstore.ValidatePath(conversationID); err != nil {
		return nil, apperr.Invalid(op, "invalid conversation id")
	}
	snap, err := s.store.Query(ctx, s.recentQuery(conversationID, limit))
	if err != nil {
		return nil, storeErr(op, err)
	}
	msgs, err := decodeWindow(snap)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return msgs, nil
}

// SubscribeRecent streams the newest limit messages, ascending, as whole
// snapshots.
func (s *MessageService) SubscribeRecent(ctx context.Context, conversationID string, limit int, fn func([]model.Message, error)) (docstore.Unsubscribe, error) {
	const op = "messages.subscribe_recent"
	if err := docstore.ValidatePath(conversationID); err != nil {
		return nil, apperr.Invalid(op, "invalid conversation id")
	}
	unsub, err := s.store.Subscribe(ctx, s.recentQuery(conversationID, limit), func(snap docstore.Snapshot, err error) {
		if err != nil {
			fn(nil, apperr.Transient(op, err))
			return
		}
		msgs, err := decodeWindow(snap)
		if err != nil {
			fn(nil, apperr.Transient(op, err))
			return
		}
		fn(msgs, nil)
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return unsub, nil
}

// decodeWindow decodes a newest-first snapshot into ascending order.
func decodeWindow(snap docstore.Snapshot) ([]model.Message, error) {
	n := len(snap.Docs)
	out := make([]model.Message, n)
	for i, d := range snap.Docs {
		var m model.Message
		if err := d.DataTo(&m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			m.ID = d.ID
		}
		out[n-1-i] = m
	}
	return out, nil
}
