package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/internal/codec"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/memstore"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/storetest"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

var (
	alice = model.Identity{UID: "alice", DisplayName: "Alice", Email: "Alice@Example.com"}
	bob   = model.Identity{UID: "bob", DisplayName: "Bob", Email: "bob@example.com"}
	carol = model.Identity{UID: "carol", DisplayName: "Carol", Email: "carol@example.com"}
	dave  = model.Identity{UID: "dave", DisplayName: "Dave", Email: "dave@example.com"}
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type stubPreviews struct {
	previews []model.LinkPreview
}

func (s stubPreviews) Fetch(ctx context.Context, text string) []model.LinkPreview {
	return s.previews
}

type fixture struct {
	store *storetest.Faulty
	users *UserService
	convs *ConversationService
	msgs  *MessageService
}

func newFixture(t *testing.T, previews PreviewFetcher) *fixture {
	t.Helper()
	store := storetest.NewFaulty(memstore.New())
	t.Cleanup(func() { store.Close() })

	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts := []Option{WithClock(clock.Now), WithSpawn(func(f func()) { f() })}
	log := logger.Nop()

	f := &fixture{store: store}
	f.users = NewUserService(store, log, opts...)
	f.convs = NewConversationService(store, f.users, log, opts...)
	f.msgs = NewMessageService(store, f.convs, previews, log, opts...)

	for _, ident := range []model.Identity{alice, bob, carol, dave} {
		_, err := f.users.Upsert(context.Background(), ident)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) group(t *testing.T, creator model.Identity, name string, others ...string) *model.Conversation {
	t.Helper()
	conv, created, err := f.convs.Create(context.Background(), creator, model.CreateConversationRequest{
		Type:           model.ConversationGroup,
		Name:           name,
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	require.True(t, created)
	return conv
}

func (f *fixture) direct(t *testing.T, creator model.Identity, other string) *model.Conversation {
	t.Helper()
	conv, _, err := f.convs.Create(context.Background(), creator, model.CreateConversationRequest{
		Type:           model.ConversationDirect,
		ParticipantIDs: []string{other},
	})
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, from model.Identity, conversationID, text string) *model.Message {
	t.Helper()
	msg, err := f.msgs.Send(context.Background(), from, conversationID, codec.FromPlainText(text), SendOptions{})
	require.NoError(t, err)
	return msg
}

func (f *fixture) conversation(t *testing.T, id string) *model.Conversation {
	t.Helper()
	conv, err := f.convs.load(context.Background(), "test", id)
	require.NoError(t, err)
	return conv
}

func (f *fixture) message(t *testing.T, conversationID, id string) *model.Message {
	t.Helper()
	msg, err := f.msgs.Get(context.Background(), conversationID, id)
	require.NoError(t, err)
	return msg
}
