package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
	"github.com/capitalize-ai/realtime-conversations/pkg/tracing"
)

// directNamespace seeds the deterministic ids of direct conversations.
var directNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://capitalize.ai/conversations/direct"))

// DirectKey is the order-independent key of a pair of users.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// DirectID is the conversation id every client derives for a pair, so that
// concurrent creates race on one document instead of producing two.
func DirectID(a, b string) string {
	return uuid.NewSHA1(directNamespace, []byte(DirectKey(a, b))).String()
}

// ConversationService handles conversation operations.
type ConversationService struct {
	store  docstore.Store
	users  *UserService
	logger *logger.Logger
	tracer trace.Tracer
	opts   options
}

// NewConversationService creates a new conversation service.
func NewConversationService(store docstore.Store, users *UserService, log *logger.Logger, opts ...Option) *ConversationService {
	return &ConversationService{
		store:  store,
		users:  users,
		logger: log.Named("conversations"),
		tracer: tracing.Tracer("service.conversations"),
		opts:   defaultOptions(opts),
	}
}

// Create creates a conversation. For a direct conversation that already
// exists for the pair, the existing one is returned with created false.
func (s *ConversationService) Create(ctx context.Context, ident model.Identity, req model.CreateConversationRequest) (_ *model.Conversation, created bool, err error) {
	const op = "conversations.create"
	ctx, span := s.tracer.Start(ctx, "ConversationService.Create",
		trace.WithAttributes(attribute.String("type", string(req.Type))))
	defer func() { finish(span, err) }()

	if !req.Type.Valid() {
		return nil, false, apperr.Invalid(op, "unknown conversation type")
	}
	others, err := normalizeParticipants(op, ident.UID, req.ParticipantIDs)
	if err != nil {
		return nil, false, err
	}
	name := strings.TrimSpace(req.Name)

	switch req.Type {
	case model.ConversationDirect:
		if len(others) != 1 {
			return nil, false, apperr.Invariant(op, "a direct conversation has exactly one other participant")
		}
	case model.ConversationGroup:
		if name == "" {
			return nil, false, apperr.Invariant(op, "a group needs a name")
		}
		if len(others) < 1 {
			return nil, false, apperr.Invariant(op, "a group needs at least two participants")
		}
	}

	creatorRole := model.RoleMember
	if req.Type == model.ConversationGroup {
		creatorRole = model.RoleAdmin
	}
	now := s.opts.now()
	conv := &model.Conversation{
		Type:         req.Type,
		Participants: append([]string{ident.UID}, others...),
		ParticipantsData: map[string]model.Participant{
			ident.UID: {DisplayName: ident.DisplayName, PhotoURL: ident.PhotoURL, Role: creatorRole},
		},
		UnreadCount: map[string]int{ident.UID: 0},
		CreatedBy:   ident.UID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, uid := range others {
		u, err := s.users.Get(ctx, uid)
		if err != nil {
			return nil, false, err
		}
		conv.ParticipantsData[uid] = model.Participant{DisplayName: u.DisplayName, PhotoURL: u.PhotoURL, Role: model.RoleMember}
		conv.UnreadCount[uid] = 0
	}

	if req.Type == model.ConversationDirect {
		conv.DirectKey = DirectKey(ident.UID, others[0])
		conv.ID = DirectID(ident.UID, others[0])
	} else {
		conv.Name = name
		conv.ID = uuid.Must(uuid.NewV7()).String()
	}

	fields, err := toFields(conv)
	if err != nil {
		return nil, false, apperr.Transient(op, err)
	}
	err = s.store.Write(ctx, model.ConversationPath(conv.ID), fields, docstore.IfNotExists())
	if errors.Is(err, docstore.ErrExists) && req.Type == model.ConversationDirect {
		existing, err := s.load(ctx, op, conv.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, storeErr(op, err)
	}

	metrics.ConversationsTotal.WithLabelValues(string(conv.Type)).Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("type", string(conv.Type)),
		zap.String("created_by", ident.UID),
		zap.Int("participants", len(conv.Participants)),
	)
	return conv, true, nil
}

func normalizeParticipants(op, self string, ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if id == self {
			return nil, apperr.Invariant(op, "the creator cannot be listed as a participant")
		}
		if err := docstore.ValidatePath(id); err != nil {
			return nil, apperr.Invalid(op, "invalid participant id "+id)
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// Get loads a conversation the caller participates in.
func (s *ConversationService) Get(ctx context.Context, uid, conversationID string) (*model.Conversation, error) {
	const op = "conversations.get"
	conv, err := s.load(ctx, op, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(uid) {
		return nil, apperr.PermissionDenied(op, "not a participant")
	}
	return conv, nil
}

func (s *ConversationService) load(ctx context.Context, op, conversationID string) (*model.Conversation, error) {
	if err := docstore.ValidatePath(conversationID); err != nil {
		return nil, apperr.Invalid(op, "invalid conversation id")
	}
	doc, err := s.store.Get(ctx, model.ConversationPath(conversationID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apperr.NotFound(op, "conversation not found")
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	var conv model.Conversation
	if err := doc.DataTo(&conv); err != nil {
		return nil, apperr.Transient(op, err)
	}
	return &conv, nil
}

// loadGroupAsAdmin loads a group conversation the caller administers.
func (s *ConversationService) loadGroupAsAdmin(ctx context.Context, op, uid, conversationID string) (*model.Conversation, error) {
	conv, err := s.Get(ctx, uid, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != model.ConversationGroup {
		return nil, apperr.Invariant(op, "participants can only be changed in a group")
	}
	if !conv.IsAdmin(uid) {
		return nil, apperr.PermissionDenied(op, "only admins can change participants")
	}
	return conv, nil
}

// AddParticipant adds uid to a group. Adding an existing member is a no-op.
func (s *ConversationService) AddParticipant(ctx context.Context, ident model.Identity, conversationID, uid string) (_ *model.Conversation, err error) {
	const op = "conversations.add_participant"
	ctx, span := s.tracer.Start(ctx, "ConversationService.AddParticipant",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer func() { finish(span, err) }()

	conv, err := s.loadGroupAsAdmin(ctx, op, ident.UID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.HasParticipant(uid) {
		return conv, nil
	}
	u, err := s.users.Get(ctx, uid)
	if err != nil {
		return nil, err
	}

	err = s.store.Write(ctx, model.ConversationPath(conversationID), docstore.Fields{
		"participants":             docstore.ArrayUnion(uid),
		"participants_data." + uid: model.Participant{DisplayName: u.DisplayName, PhotoURL: u.PhotoURL, Role: model.RoleMember},
		"unread_count." + uid:      0,
		"updated_at":               s.opts.now(),
	}, docstore.MustExist())
	if err != nil {
		return nil, storeErr(op, err)
	}
	s.logger.Info("participant added",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", uid),
		zap.String("by", ident.UID),
	)
	return s.load(ctx, op, conversationID)
}

// RemoveParticipant removes another member from a group. Members leave with
// Leave.
func (s *ConversationService) RemoveParticipant(ctx context.Context, ident model.Identity, conversationID, uid string) (_ *model.Conversation, err error) {
	const op = "conversations.remove_participant"
	ctx, span := s.tracer.Start(ctx, "ConversationService.RemoveParticipant",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer func() { finish(span, err) }()

	if uid == ident.UID {
		return nil, apperr.Invariant(op, "use leave to remove yourself")
	}
	conv, err := s.loadGroupAsAdmin(ctx, op, ident.UID, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(uid) {
		return nil, apperr.NotFound(op, "not a participant")
	}
	if err := s.removeMember(ctx, conv, uid, nil); err != nil {
		return nil, storeErr(op, err)
	}
	s.logger.Info("participant removed",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", uid),
		zap.String("by", ident.UID),
	)
	return s.load(ctx, op, conversationID)
}

// Leave removes the caller from a group. When the last admin leaves, the
// longest-standing remaining member is promoted.
func (s *ConversationService) Leave(ctx context.Context, ident model.Identity, conversationID string) (err error) {
	const op = "conversations.leave"
	ctx, span := s.tracer.Start(ctx, "ConversationService.Leave",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer func() { finish(span, err) }()

	conv, err := s.Get(ctx, ident.UID, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != model.ConversationGroup {
		return apperr.Invariant(op, "only groups can be left")
	}

	extra := docstore.Fields{}
	if conv.IsAdmin(ident.UID) {
		if heir := nextAdmin(conv, ident.UID); heir != "" {
			extra["participants_data."+heir+".role"] = model.RoleAdmin
		}
	}
	if err := s.removeMember(ctx, conv, ident.UID, extra); err != nil {
		return storeErr(op, err)
	}
	s.logger.Info("participant left",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", ident.UID),
	)
	return nil
}

// nextAdmin returns the member to promote when leaving leaves no admin.
func nextAdmin(conv *model.Conversation, leaving string) string {
	heir := ""
	for _, p := range conv.Participants {
		if p == leaving {
			continue
		}
		if conv.IsAdmin(p) {
			return ""
		}
		if heir == "" {
			heir = p
		}
	}
	return heir
}

func (s *ConversationService) removeMember(ctx context.Context, conv *model.Conversation, uid string, extra docstore.Fields) error {
	fields := docstore.Fields{
		"participants":             docstore.ArrayRemove(uid),
		"participants_data." + uid: docstore.Delete(),
		"unread_count." + uid:      docstore.Delete(),
		"preferences." + uid:       docstore.Delete(),
		"typing." + uid:            docstore.Delete(),
		"updated_at":               s.opts.now(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return s.store.Write(ctx, model.ConversationPath(conv.ID), fields, docstore.MustExist())
}

// SetPreference sets one of the caller's flags for a conversation.
func (s *ConversationService) SetPreference(ctx context.Context, ident model.Identity, conversationID string, key model.PreferenceKey, value bool) error {
	const op = "conversations.set_preference"
	if !key.Valid() {
		return apperr.Invalid(op, "unknown preference "+string(key))
	}
	if _, err := s.Get(ctx, ident.UID, conversationID); err != nil {
		return err
	}
	err := s.store.Write(ctx, model.ConversationPath(conversationID), docstore.Fields{
		"preferences." + ident.UID + "." + string(key): value,
	}, docstore.MustExist())
	return storeErr(op, err)
}

// OnNewMessage records msg as the conversation's last message and bumps
// every recipient's unread counter. Each write is independent; failed units
// are reported in a *apperr.PartialFailure and left for reconciliation.
func (s *ConversationService) OnNewMessage(ctx context.Context, conv *model.Conversation, msg *model.Message) (err error) {
	const op = "conversations.fanout"
	ctx, span := s.tracer.Start(ctx, "ConversationService.OnNewMessage",
		trace.WithAttributes(
			attribute.String("conversation_id", conv.ID),
			attribute.Int("participants", len(conv.Participants)),
		))
	defer func() { finish(span, err) }()

	path := model.ConversationPath(conv.ID)
	results := make([]apperr.UnitResult, 0, len(conv.Participants))

	err = s.store.Write(ctx, path, docstore.Fields{
		"last_message": Summarize(msg),
		"updated_at":   msg.CreatedAt,
	}, docstore.MustExist())
	results = append(results, apperr.UnitResult{Target: "last_message", ID: msg.ID, Err: storeErr(op, err)})

	for _, uid := range conv.Participants {
		if uid == msg.SenderID {
			continue
		}
		err := s.store.Write(ctx, path, docstore.Fields{
			"unread_count." + uid: docstore.Increment(1),
		}, docstore.MustExist())
		if err != nil {
			metrics.UnreadFanoutFailures.Inc()
		}
		results = append(results, apperr.UnitResult{Target: uid, Err: storeErr(op, err)})
	}
	return apperr.Collect(op, results)
}

// Summarize builds the conversation list summary of msg.
func Summarize(msg *model.Message) *model.LastMessage {
	lm := &model.LastMessage{
		MessageID:  msg.ID,
		Text:       strings.TrimSpace(msg.PlainText),
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		CreatedAt:  msg.CreatedAt,
		Type:       msg.Type,
	}
	if msg.IsDeleted() {
		lm.Text = model.TombstoneText
		lm.Type = model.MessageDeleted
	}
	return lm
}

// MarkRead resets uid's unread counter and records the read point that
// reconciliation counts from.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, uid string) error {
	const op = "conversations.mark_read"
	err := s.store.Write(ctx, model.ConversationPath(conversationID), docstore.Fields{
		"unread_count." + uid: 0,
		"last_read_at." + uid: s.opts.now(),
	}, docstore.MustExist())
	return storeErr(op, err)
}

func (s *ConversationService) listQuery(uid string) docstore.Query {
	return docstore.Collection(model.ConversationsCollection).
		Where("participants", docstore.OpArrayContains, uid)
}

// ListForUser returns uid's conversations for a view, pinned first and then
// most recently updated.
func (s *ConversationService) ListForUser(ctx context.Context, uid string, view model.ConversationView) ([]model.ConversationSummary, error) {
	const op = "conversations.list"
	snap, err := s.store.Query(ctx, s.listQuery(uid))
	if err != nil {
		return nil, storeErr(op, err)
	}
	convs, err := decodeConversations(snap)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return SortForUser(convs, uid, view), nil
}

// SubscribeList streams uid's conversation list for a view.
func (s *ConversationService) SubscribeList(ctx context.Context, uid string, view model.ConversationView, fn func([]model.ConversationSummary, error)) (docstore.Unsubscribe, error) {
	const op = "conversations.subscribe_list"
	unsub, err := s.store.Subscribe(ctx, s.listQuery(uid), func(snap docstore.Snapshot, err error) {
		if err != nil {
			fn(nil, apperr.Transient(op, err))
			return
		}
		convs, err := decodeConversations(snap)
		if err != nil {
			fn(nil, apperr.Transient(op, err))
			return
		}
		fn(SortForUser(convs, uid, view), nil)
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return unsub, nil
}

// AllIDs lists every conversation id.
func (s *ConversationService) AllIDs(ctx context.Context) ([]string, error) {
	snap, err := s.store.Query(ctx, docstore.Collection(model.ConversationsCollection))
	if err != nil {
		return nil, storeErr("conversations.all", err)
	}
	ids := make([]string, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func decodeConversations(snap docstore.Snapshot) ([]model.Conversation, error) {
	out := make([]model.Conversation, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		var c model.Conversation
		if err := d.DataTo(&c); err != nil {
			return nil, err
		}
		if c.ID == "" {
			c.ID = d.ID
		}
		out = append(out, c)
	}
	return out, nil
}
