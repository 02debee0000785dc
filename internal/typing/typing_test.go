package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/memstore"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/storetest"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

func seedConversation(t *testing.T, s docstore.Store, id string) {
	t.Helper()
	err := s.Write(context.Background(), model.ConversationPath(id), docstore.Fields{
		"id":           id,
		"type":         model.ConversationGroup,
		"participants": []string{"alice", "bob"},
	})
	require.NoError(t, err)
}

func typingOf(t *testing.T, s docstore.Store, id string) map[string]model.TypingEntry {
	t.Helper()
	doc, err := s.Get(context.Background(), model.ConversationPath(id))
	require.NoError(t, err)
	var conv model.Conversation
	require.NoError(t, doc.DataTo(&conv))
	return conv.Typing
}

func TestSetTypingWritesOnceUntilIdle(t *testing.T) {
	ctx := context.Background()
	faulty := storetest.NewFaulty(memstore.New())
	defer faulty.Close()
	seedConversation(t, faulty, "c1")
	before := faulty.Writes(model.ConversationPath("c1"))

	c := NewCoordinator(faulty, model.Identity{UID: "alice", DisplayName: "Alice"}, Config{Debounce: time.Hour}, logger.Nop())
	defer c.Close(ctx)

	c.Keystroke(ctx, "c1")
	c.Keystroke(ctx, "c1")
	c.Keystroke(ctx, "c1")

	assert.Equal(t, 1, faulty.Writes(model.ConversationPath("c1"))-before)
	assert.True(t, c.IsTyping("c1"))

	entry, ok := typingOf(t, faulty, "c1")["alice"]
	require.True(t, ok)
	assert.Equal(t, "Alice", entry.DisplayName)
}

func TestDebounceClearsEntry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer store.Close()
	seedConversation(t, store, "c1")

	c := NewCoordinator(store, model.Identity{UID: "alice"}, Config{Debounce: 20 * time.Millisecond}, logger.Nop())
	c.SetTyping(ctx, "c1", true)
	require.Contains(t, typingOf(t, store, "c1"), "alice")

	require.Eventually(t, func() bool {
		_, ok := typingOf(t, store, "c1")["alice"]
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsTyping("c1"))
}

func TestExplicitStopAndLeave(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer store.Close()
	seedConversation(t, store, "c1")
	seedConversation(t, store, "c2")

	c := NewCoordinator(store, model.Identity{UID: "alice"}, Config{Debounce: time.Hour}, logger.Nop())
	c.SetTyping(ctx, "c1", true)
	c.SetTyping(ctx, "c2", true)

	c.SetTyping(ctx, "c1", false)
	assert.NotContains(t, typingOf(t, store, "c1"), "alice")

	c.Leave(ctx, "c2")
	assert.NotContains(t, typingOf(t, store, "c2"), "alice")
	assert.False(t, c.IsTyping("c2"))
}

func TestMissingConversationIsDropped(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer store.Close()

	c := NewCoordinator(store, model.Identity{UID: "alice"}, Config{Debounce: time.Hour}, logger.Nop())
	c.SetTyping(ctx, "ghost", true)
	c.SetTyping(ctx, "ghost", false)

	_, err := store.Get(ctx, model.ConversationPath("ghost"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

type recorder struct {
	mu   sync.Mutex
	last []model.TypingEntry
	n    int
}

func (r *recorder) record(users []model.TypingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = users
	r.n++
}

func (r *recorder) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.last))
	for _, e := range r.last {
		out = append(out, e.UserID)
	}
	return out
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func TestSubscribeExcludesSelf(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer store.Close()
	seedConversation(t, store, "c1")

	alice := NewCoordinator(store, model.Identity{UID: "alice"}, Config{Debounce: time.Hour, Liveness: time.Minute}, logger.Nop())
	bob := NewCoordinator(store, model.Identity{UID: "bob", DisplayName: "Bob"}, Config{Debounce: time.Hour, Liveness: time.Minute}, logger.Nop())
	defer alice.Close(ctx)
	defer bob.Close(ctx)

	rec := &recorder{}
	unsub, err := alice.Subscribe(ctx, "c1", rec.record)
	require.NoError(t, err)
	defer unsub()

	alice.SetTyping(ctx, "c1", true)
	bob.SetTyping(ctx, "c1", true)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob"}, rec.users())
	}, time.Second, 5*time.Millisecond)

	bob.SetTyping(ctx, "c1", false)
	require.Eventually(t, func() bool {
		return len(rec.users()) == 0 && rec.calls() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeExpiresAbandonedEntry(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer store.Close()
	seedConversation(t, store, "c1")

	// bob's entry is never cleared, as if the client died mid-input
	err := store.Write(ctx, model.ConversationPath("c1"), docstore.Fields{
		"typing.bob": model.TypingEntry{UserID: "bob", Timestamp: time.Now()},
	}, docstore.MustExist())
	require.NoError(t, err)

	alice := NewCoordinator(store, model.Identity{UID: "alice"}, Config{Liveness: 200 * time.Millisecond}, logger.Nop())
	rec := &recorder{}
	unsub, err := alice.Subscribe(ctx, "c1", rec.record)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		return rec.calls() >= 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return rec.calls() >= 2 && len(rec.users()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLiveEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	entries := map[string]model.TypingEntry{
		"alice": {UserID: "alice", Timestamp: now},
		"bob":   {UserID: "bob", Timestamp: now.Add(-2 * time.Second)},
		"carol": {UserID: "carol", Timestamp: now.Add(-6 * time.Second)},
		"dave":  {Timestamp: now.Add(-time.Second)},
		"erin":  {UserID: "erin", Timestamp: now.Add(-5 * time.Second)},
	}

	live := LiveEntries(entries, "alice", now, 5*time.Second)
	require.Len(t, live, 2)
	assert.Equal(t, "bob", live[0].UserID)
	assert.Equal(t, "dave", live[1].UserID)

	assert.Empty(t, LiveEntries(nil, "alice", now, 5*time.Second))
}
