package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

func TestCreateDirectIsUniquePerPair(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, created, err := f.convs.Create(ctx, alice, model.CreateConversationRequest{
		Type:           model.ConversationDirect,
		ParticipantIDs: []string{"bob"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, DirectKey("alice", "bob"), first.DirectKey)
	assert.Equal(t, model.RoleMember, first.ParticipantsData["alice"].Role)
	assert.Equal(t, "Bob", first.ParticipantsData["bob"].DisplayName)

	second, created, err := f.convs.Create(ctx, bob, model.CreateConversationRequest{
		Type:           model.ConversationDirect,
		ParticipantIDs: []string{"alice"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	all, err := f.convs.AllIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateDirectConcurrently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creator, other := alice, "bob"
			if i%2 == 1 {
				creator, other = bob, "alice"
			}
			conv, _, err := f.convs.Create(ctx, creator, model.CreateConversationRequest{
				Type:           model.ConversationDirect,
				ParticipantIDs: []string{other},
			})
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, DirectID("alice", "bob"), id)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  model.CreateConversationRequest
		kind apperr.Kind
	}{
		{"unknown type", model.CreateConversationRequest{Type: "broadcast", ParticipantIDs: []string{"bob"}}, apperr.KindInvalid},
		{"direct with self", model.CreateConversationRequest{Type: model.ConversationDirect, ParticipantIDs: []string{"alice"}}, apperr.KindInvariant},
		{"direct with two", model.CreateConversationRequest{Type: model.ConversationDirect, ParticipantIDs: []string{"bob", "carol"}}, apperr.KindInvariant},
		{"direct with nobody", model.CreateConversationRequest{Type: model.ConversationDirect}, apperr.KindInvariant},
		{"group without name", model.CreateConversationRequest{Type: model.ConversationGroup, ParticipantIDs: []string{"bob"}}, apperr.KindInvariant},
		{"group alone", model.CreateConversationRequest{Type: model.ConversationGroup, Name: "solo"}, apperr.KindInvariant},
		{"unknown user", model.CreateConversationRequest{Type: model.ConversationGroup, Name: "g", ParticipantIDs: []string{"zed"}}, apperr.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.convs.Create(ctx, alice, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.group(t, alice, "  Team  ", "bob", "carol", "bob")

	assert.Equal(t, "Team", conv.Name)
	assert.Equal(t, []string{"alice", "bob", "carol"}, conv.Participants)
	assert.True(t, conv.IsAdmin("alice"))
	assert.False(t, conv.IsAdmin("bob"))
	assert.Empty(t, conv.DirectKey)
}

func TestParticipantManagement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.group(t, alice, "Team", "bob")

	_, err := f.convs.AddParticipant(ctx, bob, conv.ID, "carol")
	assert.True(t, apperr.IsPermissionDenied(err))

	updated, err := f.convs.AddParticipant(ctx, alice, conv.ID, "carol")
	require.NoError(t, err)
	assert.True(t, updated.HasParticipant("carol"))
	assert.Equal(t, model.RoleMember, updated.ParticipantsData["carol"].Role)

	again, err := f.convs.AddParticipant(ctx, alice, conv.ID, "carol")
	require.NoError(t, err)
	assert.Len(t, again.Participants, 3)

	_, err = f.convs.RemoveParticipant(ctx, alice, conv.ID, "alice")
	assert.True(t, apperr.IsInvariant(err))

	updated, err = f.convs.RemoveParticipant(ctx, alice, conv.ID, "carol")
	require.NoError(t, err)
	assert.False(t, updated.HasParticipant("carol"))
	assert.NotContains(t, updated.ParticipantsData, "carol")
	assert.NotContains(t, updated.UnreadCount, "carol")

	_, err = f.convs.Get(ctx, "carol", conv.ID)
	assert.True(t, apperr.IsPermissionDenied(err))
}

func TestParticipantChangesRequireGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")

	_, err := f.convs.AddParticipant(ctx, alice, conv.ID, "carol")
	assert.True(t, apperr.IsInvariant(err))

	err = f.convs.Leave(ctx, alice, conv.ID)
	assert.True(t, apperr.IsInvariant(err))
}

func TestLeavePromotesNextAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.group(t, alice, "Team", "bob", "carol")

	require.NoError(t, f.convs.Leave(ctx, alice, conv.ID))

	after := f.conversation(t, conv.ID)
	assert.Equal(t, []string{"bob", "carol"}, after.Participants)
	assert.True(t, after.IsAdmin("bob"))
	assert.False(t, after.IsAdmin("carol"))

	err := f.convs.Leave(ctx, alice, conv.ID)
	assert.True(t, apperr.IsPermissionDenied(err))
}

func TestOnNewMessageFanout(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.group(t, alice, "Team", "bob", "carol")

	msg := f.send(t, alice, conv.ID, "hello")

	after := f.conversation(t, conv.ID)
	require.NotNil(t, after.LastMessage)
	assert.Equal(t, msg.ID, after.LastMessage.MessageID)
	assert.Equal(t, "hello", after.LastMessage.Text)
	assert.Equal(t, "Alice", after.LastMessage.SenderName)
	assert.Equal(t, 0, after.UnreadFor("alice"))
	assert.Equal(t, 1, after.UnreadFor("bob"))
	assert.Equal(t, 1, after.UnreadFor("carol"))
	assert.True(t, after.UpdatedAt.Equal(msg.CreatedAt))
}

func TestOnNewMessagePartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.group(t, alice, "Team", "bob", "carol")

	f.store.FailField("unread_count.carol")
	msg := &model.Message{ID: "m1", SenderID: "alice", PlainText: "hi", Type: model.MessageText, CreatedAt: time.Now()}
	err := f.convs.OnNewMessage(ctx, conv, msg)

	pf, ok := apperr.AsPartial(err)
	require.True(t, ok)
	require.Len(t, pf.Failed(), 1)
	assert.Equal(t, "carol", pf.Failed()[0].Target)
	assert.Len(t, pf.Succeeded(), 2)

	after := f.conversation(t, conv.ID)
	assert.Equal(t, "m1", after.LastMessage.MessageID)
	assert.Equal(t, 1, after.UnreadFor("bob"))
	assert.Equal(t, 0, after.UnreadFor("carol"))
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	f.send(t, alice, conv.ID, "one")
	f.send(t, alice, conv.ID, "two")
	require.Equal(t, 2, f.conversation(t, conv.ID).UnreadFor("bob"))

	require.NoError(t, f.convs.MarkRead(ctx, conv.ID, "bob"))
	assert.Equal(t, 0, f.conversation(t, conv.ID).UnreadFor("bob"))

	err := f.convs.MarkRead(ctx, "missing", "bob")
	assert.True(t, apperr.IsNotFound(err))
}

func TestListForUserViews(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	older := f.group(t, alice, "Older", "bob")
	pinned := f.group(t, alice, "Pinned", "bob")
	archived := f.group(t, alice, "Archived", "bob")
	newer := f.direct(t, alice, "bob")
	f.direct(t, carol, "dave")

	require.NoError(t, f.convs.SetPreference(ctx, alice, pinned.ID, model.PrefPinned, true))
	require.NoError(t, f.convs.SetPreference(ctx, alice, archived.ID, model.PrefArchived, true))

	inbox, err := f.convs.ListForUser(ctx, "alice", model.ViewInbox)
	require.NoError(t, err)
	ids := make([]string, 0, len(inbox))
	for _, c := range inbox {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{pinned.ID, newer.ID, older.ID}, ids)
	assert.True(t, inbox[0].MyPreferences.Pinned)

	arch, err := f.convs.ListForUser(ctx, "alice", model.ViewArchived)
	require.NoError(t, err)
	require.Len(t, arch, 1)
	assert.Equal(t, archived.ID, arch[0].ID)

	// bob's view is unaffected by alice's preferences
	bobs, err := f.convs.ListForUser(ctx, "bob", model.ViewInbox)
	require.NoError(t, err)
	assert.Len(t, bobs, 4)
}

func TestSetPreferenceValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")

	err := f.convs.SetPreference(ctx, alice, conv.ID, "starred", true)
	assert.True(t, apperr.IsInvalid(err))

	err = f.convs.SetPreference(ctx, carol, conv.ID, model.PrefMuted, true)
	assert.True(t, apperr.IsPermissionDenied(err))

	require.NoError(t, f.convs.SetPreference(ctx, bob, conv.ID, model.PrefMuted, true))
	after := f.conversation(t, conv.ID)
	assert.True(t, after.PreferencesFor("bob").Muted)
	assert.False(t, after.PreferencesFor("alice").Muted)
}

func TestSubscribeList(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var latest []model.ConversationSummary
	unsub, err := f.convs.SubscribeList(ctx, "bob", model.ViewInbox, func(list []model.ConversationSummary, err error) {
		assert.NoError(t, err)
		mu.Lock()
		latest = list
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	conv := f.direct(t, alice, "bob")
	f.send(t, alice, conv.ID, "ping")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Unread == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDirectIDIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectID("a", "b"), DirectID("b", "a"))
	assert.NotEqual(t, DirectID("a", "b"), DirectID("a", "c"))
	assert.Equal(t, "a:b", DirectKey("b", "a"))
}
