// Package session runs the engine for one connected client. A session owns
// the user's presence, typing and receipt trackers, follows one active
// conversation at a time and pushes snapshots to the client as events.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/presence"
	"github.com/capitalize-ai/realtime-conversations/internal/receipts"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/internal/typing"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// DefaultWindow is the number of recent messages a session follows.
const DefaultWindow = 100

// Deps are the shared components every session is built from.
type Deps struct {
	Store         docstore.Store
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Presence      presence.Config
	Typing        typing.Config
	Window        int
	Logger        *logger.Logger
	Now           func() time.Time
}

// Emitter delivers an event to the client. Calls never overlap.
type Emitter func(model.ServerEvent)

// Session is one client's live view.
type Session struct {
	ident    model.Identity
	deps     Deps
	emit     Emitter
	logger   *logger.Logger
	presence *presence.Tracker
	typing   *typing.Coordinator
	receipts *receipts.Tracker

	emitMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	active   string
	gen      uint64
	visible  bool
	window   []model.Message
	unsubs   []docstore.Unsubscribe
	watching map[string]docstore.Unsubscribe
	closed   bool
}

// New builds a session for ident. Nothing is written until Start.
func New(deps Deps, ident model.Identity, emit Emitter) *Session {
	if deps.Window <= 0 {
		deps.Window = DefaultWindow
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger.Named("session").With(zap.String("user_id", ident.UID))
	return &Session{
		ident:    ident,
		deps:     deps,
		emit:     emit,
		logger:   log,
		presence: presence.NewTracker(deps.Store, deps.Presence, deps.Logger, presence.WithClock(deps.Now)),
		typing:   typing.NewCoordinator(deps.Store, ident, deps.Typing, deps.Logger, typing.WithClock(deps.Now)),
		receipts: receipts.NewTracker(deps.Store, ident, deps.Conversations, deps.Logger, receipts.WithClock(deps.Now)),
		ctx:      context.Background(),
		visible:  true,
		watching: make(map[string]docstore.Unsubscribe),
	}
}

// Start marks the user online. ctx bounds the writes made from snapshot
// callbacks for the lifetime of the session.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.presence.Start(ctx, s.ident)
}

// Identity returns the session's user.
func (s *Session) Identity() model.Identity { return s.ident }

// Active returns the open conversation, if any.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Open makes conversationID the active conversation. The previous one is
// left: its subscriptions are disposed and the user's typing flag there is
// cleared.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if _, err := s.deps.Conversations.Get(ctx, s.ident.UID, conversationID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.Invariant("session.open", "session closed")
	}
	prev := s.active
	old := s.unsubs
	s.unsubs = nil
	s.active = conversationID
	s.window = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	dispose(old)
	if prev != "" && prev != conversationID {
		s.typing.Leave(ctx, prev)
		s.receipts.Forget(prev)
	}

	unsubMsgs, err := s.deps.Messages.SubscribeRecent(ctx, conversationID, s.deps.Window, func(msgs []model.Message, err error) {
		s.onWindow(gen, conversationID, msgs, err)
	})
	if err != nil {
		return err
	}
	unsubTyping, err := s.typing.Subscribe(ctx, conversationID, func(users []model.TypingEntry) {
		if !s.current(gen) {
			return
		}
		s.send(model.EventTyping, conversationID, model.TypingEvent{Users: users})
	})
	if err != nil {
		unsubMsgs()
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		unsubMsgs()
		unsubTyping()
		return nil
	}
	s.unsubs = []docstore.Unsubscribe{unsubMsgs, unsubTyping}
	s.mu.Unlock()

	s.logger.Debug("conversation opened", zap.String("conversation_id", conversationID))
	return nil
}

func (s *Session) onWindow(gen uint64, conversationID string, msgs []model.Message, err error) {
	if err != nil {
		s.logger.Warn("message window snapshot failed", zap.String("conversation_id", conversationID), zap.Error(err))
		s.send(model.EventError, conversationID, model.ErrorEvent{Code: "snapshot_failed", Message: err.Error()})
		return
	}
	visible := service.VisibleFor(msgs, s.ident.UID)

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	diff := service.DiffWindow(s.window, visible)
	first := s.window == nil
	s.window = visible
	viewing := s.visible
	ctx := s.ctx
	s.mu.Unlock()

	if first || !diff.Empty() {
		s.send(model.EventMessages, conversationID, model.MessagesEvent{
			Messages: visible,
			Added:    diff.Added,
			Changed:  diff.Changed,
			Removed:  diff.Removed,
		})
	}
	s.receipts.Process(ctx, conversationID, visible, viewing)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && !s.closed
}

// Leave closes conversationID if it is the active one.
func (s *Session) Leave(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if s.active != conversationID {
		s.mu.Unlock()
		return
	}
	old := s.unsubs
	s.unsubs = nil
	s.active = ""
	s.window = nil
	s.gen++
	s.mu.Unlock()

	dispose(old)
	s.typing.Leave(ctx, conversationID)
	s.receipts.Forget(conversationID)
}

// SetTyping forwards an explicit typing change. Only members may type.
func (s *Session) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if err := s.member(ctx, conversationID); err != nil {
		return err
	}
	s.typing.SetTyping(ctx, conversationID, isTyping)
	return nil
}

// Keystroke records input activity in conversationID.
func (s *Session) Keystroke(ctx context.Context, conversationID string) error {
	if err := s.member(ctx, conversationID); err != nil {
		return err
	}
	s.typing.Keystroke(ctx, conversationID)
	return nil
}

// member checks that the user belongs to conversationID. The active
// conversation was checked when it was opened.
func (s *Session) member(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if conversationID != "" && conversationID == active {
		return nil
	}
	_, err := s.deps.Conversations.Get(ctx, s.ident.UID, conversationID)
	return err
}

// SetVisibility records whether the client is in the foreground. Coming
// back marks the current window read.
func (s *Session) SetVisibility(ctx context.Context, visible bool) {
	s.mu.Lock()
	was := s.visible
	s.visible = visible
	active, window := s.active, s.window
	s.mu.Unlock()

	s.presence.SetVisibility(ctx, visible)
	if visible && !was && active != "" && window != nil {
		s.receipts.Process(ctx, active, window, true)
	}
}

// WatchPresence streams uid's presence to the client until the session
// closes. Watching the same user twice is a no-op.
func (s *Session) WatchPresence(ctx context.Context, uid string) error {
	if err := docstore.ValidatePath(uid); err != nil {
		return apperr.Invalid("session.watch_presence", "invalid user id")
	}
	s.mu.Lock()
	if _, ok := s.watching[uid]; ok || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.watching[uid] = func() {}
	s.mu.Unlock()

	unsub, err := s.presence.Subscribe(ctx, uid, func(p model.Presence) {
		s.send(model.EventPresence, "", presence.View(p, s.deps.Now(), s.presence.StaleAfter()))
	})
	if err != nil {
		s.mu.Lock()
		delete(s.watching, uid)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return nil
	}
	s.watching[uid] = unsub
	s.mu.Unlock()
	return nil
}

// Close clears typing, marks the user offline and disposes every
// subscription. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.unsubs
	s.unsubs = nil
	for _, unsub := range s.watching {
		subs = append(subs, unsub)
	}
	s.watching = nil
	s.mu.Unlock()

	dispose(subs)
	s.typing.Close(ctx)
	s.presence.Stop(ctx)
}

func (s *Session) send(t model.EventType, conversationID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode event failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emit(model.ServerEvent{Type: t, ConversationID: conversationID, Data: data})
}

func dispose(unsubs []docstore.Unsubscribe) {
	for _, u := range unsubs {
		u()
	}
}
