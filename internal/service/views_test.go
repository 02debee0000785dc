package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestSortForUserStability(t *testing.T) {
	convs := []model.Conversation{
		{ID: "a", UpdatedAt: t0},
		{ID: "b", UpdatedAt: t0.Add(time.Minute), Preferences: map[string]model.Preferences{"u": {Pinned: true}}},
		{ID: "c", UpdatedAt: t0.Add(2 * time.Minute)},
		{ID: "d", UpdatedAt: t0.Add(-time.Minute), Preferences: map[string]model.Preferences{"u": {Pinned: true}}},
		{ID: "e", UpdatedAt: t0, UnreadCount: map[string]int{"u": 4}},
	}

	got := SortForUser(convs, "u", model.ViewInbox)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"b", "d", "c", "a", "e"}, ids)
	assert.Equal(t, 4, got[4].Unread)
}

func TestReactionGroupsOrdering(t *testing.T) {
	msg := model.Message{Reactions: map[string]model.Reaction{
		"u1": {Emoji: "👍", Timestamp: t0.Add(3 * time.Second)},
		"u2": {Emoji: "🎉", Timestamp: t0},
		"u3": {Emoji: "👍", Timestamp: t0.Add(time.Second)},
		"u4": {Emoji: "😂", Timestamp: t0.Add(2 * time.Second)},
	}}

	groups := ReactionGroups(msg)
	assert.Len(t, groups, 3)
	assert.Equal(t, "👍", groups[0].Emoji)
	assert.Equal(t, []string{"u3", "u1"}, groups[0].Users)
	assert.Equal(t, "🎉", groups[1].Emoji)
	assert.Equal(t, "😂", groups[2].Emoji)

	assert.Empty(t, ReactionGroups(model.Message{}))
}

func TestPinnedSkipsDeleted(t *testing.T) {
	at := t0
	deleted := t0
	msgs := []model.Message{
		{ID: "1", IsPinned: true, PinnedAt: &at},
		{ID: "2", IsPinned: true, PinnedAt: &at, DeletedAt: &deleted},
		{ID: "3"},
	}
	pinned := Pinned(msgs)
	assert.Len(t, pinned, 1)
	assert.Equal(t, "1", pinned[0].ID)
}

func TestClampIndex(t *testing.T) {
	assert.Equal(t, 0, ClampIndex(3, 0))
	assert.Equal(t, 0, ClampIndex(-1, 4))
	assert.Equal(t, 2, ClampIndex(2, 4))
	assert.Equal(t, 3, ClampIndex(9, 4))
}

func TestDiffWindow(t *testing.T) {
	prev := []model.Message{{ID: "1", Version: 1}, {ID: "2", Version: 1}, {ID: "3", Version: 1}}
	next := []model.Message{{ID: "2", Version: 1}, {ID: "3", Version: 2}, {ID: "4", Version: 1}}

	d := DiffWindow(prev, next)
	assert.Equal(t, []string{"4"}, d.Added)
	assert.Equal(t, []string{"3"}, d.Changed)
	assert.Equal(t, []string{"1"}, d.Removed)
	assert.False(t, d.Empty())

	assert.True(t, DiffWindow(next, next).Empty())
}
