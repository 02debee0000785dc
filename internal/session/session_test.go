package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/codec"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/memstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/internal/typing"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

var (
	alice = model.Identity{UID: "alice", DisplayName: "Alice", Email: "alice@example.com"}
	bob   = model.Identity{UID: "bob", DisplayName: "Bob", Email: "bob@example.com"}
	carol = model.Identity{UID: "carol", DisplayName: "Carol", Email: "carol@example.com"}
)

type recorder struct {
	mu     sync.Mutex
	events []model.ServerEvent
}

func (r *recorder) emit(e model.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) last(t model.EventType) (model.ServerEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return model.ServerEvent{}, false
}

func (r *recorder) window(conversationID string) []model.Message {
	e, ok := r.last(model.EventMessages)
	if !ok || e.ConversationID != conversationID {
		return nil
	}
	var ev model.MessagesEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return nil
	}
	return ev.Messages
}

type env struct {
	store docstore.Store
	deps  Deps
	msgs  *service.MessageService
	convs *service.ConversationService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })

	log := logger.Nop()
	opts := []service.Option{service.WithSpawn(func(f func()) { f() })}
	users := service.NewUserService(store, log, opts...)
	for _, ident := range []model.Identity{alice, bob, carol} {
		_, err := users.Upsert(context.Background(), ident)
		require.NoError(t, err)
	}
	convs := service.NewConversationService(store, users, log, opts...)
	msgs := service.NewMessageService(store, convs, nil, log, opts...)
	return &env{
		store: store,
		msgs:  msgs,
		convs: convs,
		deps: Deps{
			Store:         store,
			Conversations: convs,
			Messages:      msgs,
			Typing:        typing.Config{Debounce: time.Minute, Liveness: time.Minute},
			Window:        20,
			Logger:        log,
		},
	}
}

func (e *env) group(t *testing.T, others ...string) string {
	t.Helper()
	conv, _, err := e.convs.Create(context.Background(), alice, model.CreateConversationRequest{
		Type:           model.ConversationGroup,
		Name:           "team",
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	return conv.ID
}

func (e *env) send(t *testing.T, from model.Identity, conversationID, text string) *model.Message {
	t.Helper()
	msg, err := e.msgs.Send(context.Background(), from, conversationID, codec.FromPlainText(text), service.SendOptions{})
	require.NoError(t, err)
	return msg
}

func (e *env) start(t *testing.T, ident model.Identity) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New(e.deps, ident, rec.emit)
	s.Start(context.Background())
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, rec
}

func (e *env) unread(t *testing.T, conversationID, uid string) int {
	t.Helper()
	conv, err := e.convs.Get(context.Background(), uid, conversationID)
	require.NoError(t, err)
	return conv.UnreadFor(uid)
}

func TestOpenStreamsWindowAndMarksRead(t *testing.T) {
	e := newEnv(t)
	id := e.group(t, "bob")
	first := e.send(t, alice, id, "hello")

	s, rec := e.start(t, bob)
	require.NoError(t, s.Open(context.Background(), id))
	assert.Equal(t, id, s.Active())

	require.Eventually(t, func() bool {
		w := rec.window(id)
		return len(w) == 1 && w[0].ID == first.ID
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		msg, err := e.msgs.Get(context.Background(), id, first.ID)
		if err != nil {
			return false
		}
		_, read := msg.ReadBy["bob"]
		return read && msg.Status == model.StatusRead
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.unread(t, id, "bob") == 0 }, 2*time.Second, 10*time.Millisecond)

	second := e.send(t, alice, id, "again")
	require.Eventually(t, func() bool {
		w := rec.window(id)
		return len(w) == 2 && w[1].ID == second.ID
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.unread(t, id, "bob") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackgroundedSessionOnlyDelivers(t *testing.T) {
	e := newEnv(t)
	id := e.group(t, "bob")

	s, _ := e.start(t, bob)
	s.SetVisibility(context.Background(), false)
	require.NoError(t, s.Open(context.Background(), id))

	msg := e.send(t, alice, id, "are you there")
	require.Eventually(t, func() bool {
		m, err := e.msgs.Get(context.Background(), id, msg.ID)
		if err != nil {
			return false
		}
		_, delivered := m.DeliveredTo["bob"]
		return delivered && m.Status == model.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, e.unread(t, id, "bob"))

	s.SetVisibility(context.Background(), true)
	require.Eventually(t, func() bool {
		m, err := e.msgs.Get(context.Background(), id, msg.ID)
		if err != nil {
			return false
		}
		_, read := m.ReadBy["bob"]
		return read
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.unread(t, id, "bob") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOpenRejectsNonMember(t *testing.T) {
	e := newEnv(t)
	id := e.group(t, "bob")

	s, _ := e.start(t, carol)
	err := s.Open(context.Background(), id)
	assert.True(t, apperr.IsPermissionDenied(err))
	assert.Empty(t, s.Active())
}

func TestSwitchingConversationClearsTyping(t *testing.T) {
	e := newEnv(t)
	first := e.group(t, "bob")
	second := e.group(t, "bob", "carol")

	s, _ := e.start(t, bob)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, first))
	require.NoError(t, s.SetTyping(ctx, first, true))

	conv, err := e.convs.Get(ctx, "bob", first)
	require.NoError(t, err)
	assert.Contains(t, conv.Typing, "bob")

	require.NoError(t, s.Open(ctx, second))
	conv, err = e.convs.Get(ctx, "bob", first)
	require.NoError(t, err)
	assert.NotContains(t, conv.Typing, "bob")
}

func TestTypingRequiresMembership(t *testing.T) {
	e := newEnv(t)
	id := e.group(t, "bob")
	ctx := context.Background()

	s, _ := e.start(t, carol)
	assert.True(t, apperr.IsPermissionDenied(s.SetTyping(ctx, id, true)))
	assert.True(t, apperr.IsPermissionDenied(s.Keystroke(ctx, id)))
	assert.True(t, apperr.IsNotFound(s.SetTyping(ctx, "missing", true)))

	conv, err := e.convs.Get(ctx, "alice", id)
	require.NoError(t, err)
	assert.Empty(t, conv.Typing)

	// Members may type without opening the conversation first.
	sb, _ := e.start(t, bob)
	require.NoError(t, sb.SetTyping(ctx, id, true))
	conv, err = e.convs.Get(ctx, "alice", id)
	require.NoError(t, err)
	assert.Contains(t, conv.Typing, "bob")
}

func TestTypingEventsExcludeSelf(t *testing.T) {
	e := newEnv(t)
	id := e.group(t, "bob")
	ctx := context.Background()

	sa, _ := e.start(t, alice)
	sb, recB := e.start(t, bob)
	require.NoError(t, sa.Open(ctx, id))
	require.NoError(t, sb.Open(ctx, id))

	require.NoError(t, sa.Keystroke(ctx, id))
	require.Eventually(t, func() bool {
		ev, ok := recB.last(model.EventTyping)
		if !ok {
			return false
		}
		var te model.TypingEvent
		if err := json.Unmarshal(ev.Data, &te); err != nil {
			return false
		}
		return len(te.Users) == 1 && te.Users[0].UserID == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveStopsUpdates(t *testing.T) {
	e := newEnv(t)
	id := e.group(t, "bob")
	ctx := context.Background()

	s, rec := e.start(t, bob)
	s.SetVisibility(ctx, false)
	require.NoError(t, s.Open(ctx, id))
	require.Eventually(t, func() bool { _, ok := rec.last(model.EventMessages); return ok }, 2*time.Second, 10*time.Millisecond)

	s.Leave(ctx, id)
	assert.Empty(t, s.Active())

	e.send(t, alice, id, "after leave")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.window(id))
	assert.Equal(t, 1, e.unread(t, id, "bob"))
}

func TestWatchPresenceAndClose(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sb, _ := e.start(t, bob)
	sa, recA := e.start(t, alice)
	require.NoError(t, sa.WatchPresence(ctx, "bob"))
	require.NoError(t, sa.WatchPresence(ctx, "bob"))

	status := func() model.PresenceStatus {
		ev, ok := recA.last(model.EventPresence)
		if !ok {
			return ""
		}
		var pv model.PresenceView
		if err := json.Unmarshal(ev.Data, &pv); err != nil {
			return ""
		}
		return pv.Effective
	}
	require.Eventually(t, func() bool { return status() == model.PresenceOnline }, 2*time.Second, 10*time.Millisecond)

	sb.Close(ctx)
	sb.Close(ctx)
	require.Eventually(t, func() bool { return status() == model.PresenceOffline }, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, sa.WatchPresence(ctx, "bad.id"))
}
