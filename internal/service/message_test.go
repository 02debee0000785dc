package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/realtime-conversations/internal/apperr"
	"github.com/capitalize-ai/realtime-conversations/internal/codec"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

func TestSendRejectsEmptyContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")

	for _, doc := range []codec.Document{codec.NewEmpty(), nil, codec.FromPlainText("  \n ")} {
		_, err := f.msgs.Send(ctx, alice, conv.ID, doc, SendOptions{})
		assert.ErrorIs(t, err, ErrEmptyContent)
		assert.True(t, apperr.IsInvalid(err))
	}

	snap, err := f.store.Query(ctx, docstore.Collection(model.MessagesPath(conv.ID)))
	require.NoError(t, err)
	assert.Empty(t, snap.Docs)
	assert.Nil(t, f.conversation(t, conv.ID).LastMessage)
}

func TestSendTrimsPlainText(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")

	doc := codec.Document{
		{Type: codec.BlockParagraph, Children: []codec.Leaf{{Text: ""}}},
		{Type: codec.BlockParagraph, Children: []codec.Leaf{{Text: "  see you "}}},
		{Type: codec.BlockParagraph, Children: []codec.Leaf{{Text: ""}}},
	}
	sent, err := f.msgs.Send(ctx, alice, conv.ID, doc, SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "see you", f.message(t, conv.ID, sent.ID).PlainText)
	assert.Equal(t, doc, codec.FromPortable(f.message(t, conv.ID, sent.ID).Content))
	require.NotNil(t, f.conversation(t, conv.ID).LastMessage)
	assert.Equal(t, "see you", f.conversation(t, conv.ID).LastMessage.Text)

	edited, err := f.msgs.Edit(ctx, alice, conv.ID, sent.ID, codec.FromPlainText("\nlater\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, "later", edited.PlainText)
	assert.Equal(t, "later", f.conversation(t, conv.ID).LastMessage.Text)
}

func TestSendRequiresParticipant(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.direct(t, alice, "bob")

	_, err := f.msgs.Send(context.Background(), carol, conv.ID, codec.FromPlainText("hi"), SendOptions{})
	assert.True(t, apperr.IsPermissionDenied(err))

	_, err = f.msgs.Send(context.Background(), carol, "nope", codec.FromPlainText("hi"), SendOptions{})
	assert.True(t, apperr.IsNotFound(err))
}

func TestSendInitialState(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.direct(t, alice, "bob")

	doc := codec.Document{{Type: codec.BlockParagraph, Children: []codec.Leaf{{Text: "hi "}, {Text: "there", Bold: true}}}}
	sent, err := f.msgs.Send(context.Background(), alice, conv.ID, doc, SendOptions{})
	require.NoError(t, err)

	got := f.message(t, conv.ID, sent.ID)
	assert.Equal(t, "hi there", got.PlainText)
	assert.Equal(t, doc, codec.FromPortable(got.Content))
	assert.Equal(t, model.StatusSent, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Contains(t, got.DeliveredTo, "alice")
	assert.Empty(t, got.ReadBy)
	assert.False(t, got.IsForwarded)
}

func TestReplySnapshotIsImmutable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	original := f.send(t, alice, conv.ID, "original")

	reply, err := f.msgs.Send(ctx, bob, conv.ID, codec.FromPlainText("answer"), SendOptions{ReplyToID: original.ID})
	require.NoError(t, err)

	_, err = f.msgs.Edit(ctx, alice, conv.ID, original.ID, codec.FromPlainText("rewritten"), 0)
	require.NoError(t, err)
	require.NoError(t, f.msgs.DeleteForEveryone(ctx, alice, conv.ID, original.ID))

	got := f.message(t, conv.ID, reply.ID)
	require.NotNil(t, got.ReplyTo)
	assert.Equal(t, original.ID, got.ReplyTo.MessageID)
	assert.Equal(t, "original", got.ReplyTo.PlainText)
	assert.Equal(t, "Alice", got.ReplyTo.SenderName)

	_, err = f.msgs.Send(ctx, bob, conv.ID, codec.FromPlainText("x"), SendOptions{ReplyToID: "missing"})
	assert.True(t, apperr.IsNotFound(err))
}

func TestSendAttachesLinkPreviews(t *testing.T) {
	preview := model.LinkPreview{URL: "https://example.com", Title: "Example"}
	f := newFixture(t, stubPreviews{previews: []model.LinkPreview{preview}})
	conv := f.direct(t, alice, "bob")

	sent := f.send(t, alice, conv.ID, "see https://example.com")
	got := f.message(t, conv.ID, sent.ID)
	assert.Equal(t, []model.LinkPreview{preview}, got.LinkPreviews)
}

func TestSendSurvivesFanoutFailure(t *testing.T) {
	f := newFixture(t, nil)
	conv := f.direct(t, alice, "bob")

	f.store.FailPath(model.ConversationPath(conv.ID))
	sent := f.send(t, alice, conv.ID, "still delivered")

	assert.Equal(t, "still delivered", f.message(t, conv.ID, sent.ID).PlainText)
	assert.Nil(t, f.conversation(t, conv.ID).LastMessage)
}

func TestEditOptimisticConcurrency(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	sent := f.send(t, alice, conv.ID, "first")

	edited, err := f.msgs.Edit(ctx, alice, conv.ID, sent.ID, codec.FromPlainText("second"), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, edited.Version)
	assert.Equal(t, "second", edited.PlainText)
	require.NotNil(t, edited.EditedAt)

	_, err = f.msgs.Edit(ctx, alice, conv.ID, sent.ID, codec.FromPlainText("stale"), 1)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, "second", f.message(t, conv.ID, sent.ID).PlainText)

	assert.Equal(t, "second", f.conversation(t, conv.ID).LastMessage.Text)
}

func TestEditRules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	sent := f.send(t, alice, conv.ID, "text")

	_, err := f.msgs.Edit(ctx, bob, conv.ID, sent.ID, codec.FromPlainText("hijack"), 0)
	assert.True(t, apperr.IsPermissionDenied(err))

	_, err = f.msgs.Edit(ctx, alice, conv.ID, sent.ID, codec.NewEmpty(), 0)
	assert.ErrorIs(t, err, ErrEmptyContent)

	require.NoError(t, f.msgs.DeleteForEveryone(ctx, alice, conv.ID, sent.ID))
	_, err = f.msgs.Edit(ctx, alice, conv.ID, sent.ID, codec.FromPlainText("revive"), 0)
	assert.True(t, apperr.IsInvariant(err))
}

func TestEditOfOlderMessageKeepsLastMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	older := f.send(t, alice, conv.ID, "older")
	f.send(t, bob, conv.ID, "newer")

	_, err := f.msgs.Edit(ctx, alice, conv.ID, older.ID, codec.FromPlainText("older, edited"), 0)
	require.NoError(t, err)
	assert.Equal(t, "newer", f.conversation(t, conv.ID).LastMessage.Text)
}

func TestDeleteForEveryone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	sent := f.send(t, alice, conv.ID, "oops")
	require.NoError(t, f.msgs.React(ctx, bob, conv.ID, sent.ID, "😮", true))

	err := f.msgs.DeleteForEveryone(ctx, bob, conv.ID, sent.ID)
	assert.True(t, apperr.IsPermissionDenied(err))

	require.NoError(t, f.msgs.DeleteForEveryone(ctx, alice, conv.ID, sent.ID))
	got := f.message(t, conv.ID, sent.ID)
	assert.True(t, got.IsDeleted())
	assert.Empty(t, got.Content)
	assert.Empty(t, got.PlainText)
	assert.Equal(t, model.TombstoneText, got.DisplayText())
	assert.Contains(t, got.Reactions, "bob")
	assert.Equal(t, 2, got.Version)

	require.NoError(t, f.msgs.DeleteForEveryone(ctx, alice, conv.ID, sent.ID))
	assert.Equal(t, 2, f.message(t, conv.ID, sent.ID).Version)

	lm := f.conversation(t, conv.ID).LastMessage
	assert.Equal(t, model.MessageDeleted, lm.Type)
	assert.Equal(t, model.TombstoneText, lm.Text)

	// tombstones stay visible to everyone
	window, err := f.msgs.LoadRecent(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, VisibleFor(window, "alice"), 1)
	assert.Len(t, VisibleFor(window, "bob"), 1)
}

func TestDeleteForMe(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	sent := f.send(t, alice, conv.ID, "private")
	f.send(t, alice, conv.ID, "public")

	require.NoError(t, f.msgs.DeleteForMe(ctx, bob, conv.ID, sent.ID))
	require.NoError(t, f.msgs.DeleteForMe(ctx, bob, conv.ID, sent.ID))
	assert.Equal(t, []string{"bob"}, f.message(t, conv.ID, sent.ID).DeletedFor)

	window, err := f.msgs.LoadRecent(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, VisibleFor(window, "bob"), 1)
	assert.Len(t, VisibleFor(window, "alice"), 2)

	err = f.msgs.DeleteForMe(ctx, bob, conv.ID, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestReactOnePerUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.group(t, alice, "Team", "bob", "carol")
	sent := f.send(t, alice, conv.ID, "vote")

	require.NoError(t, f.msgs.React(ctx, bob, conv.ID, sent.ID, "👍", true))
	require.NoError(t, f.msgs.React(ctx, bob, conv.ID, sent.ID, "❤️", true))
	require.NoError(t, f.msgs.React(ctx, carol, conv.ID, sent.ID, "❤️", true))

	got := f.message(t, conv.ID, sent.ID)
	require.Len(t, got.Reactions, 2)
	assert.Equal(t, "❤️", got.Reactions["bob"].Emoji)

	groups := ReactionGroups(*got)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, []string{"bob", "carol"}, groups[0].Users)

	require.NoError(t, f.msgs.React(ctx, bob, conv.ID, sent.ID, "", false))
	assert.NotContains(t, f.message(t, conv.ID, sent.ID).Reactions, "bob")

	err := f.msgs.React(ctx, bob, conv.ID, sent.ID, " ", true)
	assert.True(t, apperr.IsInvalid(err))
	err = f.msgs.React(ctx, dave, conv.ID, sent.ID, "👍", true)
	assert.True(t, apperr.IsPermissionDenied(err))
}

func TestPinAndUnpin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	first := f.send(t, alice, conv.ID, "first")
	second := f.send(t, bob, conv.ID, "second")

	require.NoError(t, f.msgs.Pin(ctx, bob, conv.ID, second.ID, true))
	require.NoError(t, f.msgs.Pin(ctx, alice, conv.ID, first.ID, true))

	got := f.message(t, conv.ID, first.ID)
	assert.True(t, got.IsPinned)
	assert.Equal(t, "alice", got.PinnedBy)
	require.NotNil(t, got.PinnedAt)

	window, err := f.msgs.LoadRecent(ctx, conv.ID, 10)
	require.NoError(t, err)
	pinned := Pinned(window)
	require.Len(t, pinned, 2)
	assert.Equal(t, second.ID, pinned[0].ID)

	require.NoError(t, f.msgs.Pin(ctx, alice, conv.ID, first.ID, false))
	got = f.message(t, conv.ID, first.ID)
	assert.False(t, got.IsPinned)
	assert.Nil(t, got.PinnedAt)
	assert.Empty(t, got.PinnedBy)
}

func TestForwardPartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	src := f.direct(t, alice, "bob")
	ok := f.group(t, alice, "Ok", "carol")
	broken := f.group(t, alice, "Broken", "dave")
	foreign := f.direct(t, carol, "dave")

	sent := f.send(t, bob, src.ID, "worth sharing")
	f.store.FailWrites(model.MessagesPath(broken.ID))

	results, err := f.msgs.Forward(ctx, alice, sent, []string{ok.ID, broken.ID, foreign.ID, ok.ID})
	pf, isPartial := apperr.AsPartial(err)
	require.True(t, isPartial)
	require.Len(t, results, 3)
	assert.Len(t, pf.Failed(), 2)
	assert.Len(t, pf.Succeeded(), 1)

	assert.Equal(t, ok.ID, results[0].ConversationID)
	assert.Empty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
	assert.NotEmpty(t, results[2].Error)
	assert.True(t, apperr.IsPermissionDenied(pf.Results[2].Err))

	copied := f.message(t, ok.ID, results[0].MessageID)
	assert.True(t, copied.IsForwarded)
	assert.Equal(t, "worth sharing", copied.PlainText)
	assert.Equal(t, "alice", copied.SenderID)
	require.NotNil(t, copied.ForwardedFrom)
	assert.Equal(t, sent.ID, copied.ForwardedFrom.MessageID)
	assert.Equal(t, "bob", copied.ForwardedFrom.SenderID)
	assert.Equal(t, src.ID, copied.ForwardedFrom.ConversationID)

	target := f.conversation(t, ok.ID)
	assert.Equal(t, copied.ID, target.LastMessage.MessageID)
	assert.Equal(t, 1, target.UnreadFor("carol"))
}

func TestForwardKeepsOrigin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.direct(t, alice, "bob")
	b := f.direct(t, alice, "carol")
	c := f.direct(t, carol, "dave")

	sent := f.send(t, bob, a.ID, "chain")
	first, err := f.msgs.Forward(ctx, alice, sent, []string{b.ID})
	require.NoError(t, err)

	hop := f.message(t, b.ID, first[0].MessageID)
	second, err := f.msgs.Forward(ctx, carol, hop, []string{c.ID})
	require.NoError(t, err)

	got := f.message(t, c.ID, second[0].MessageID)
	assert.Equal(t, sent.ID, got.ForwardedFrom.MessageID)
	assert.Equal(t, "bob", got.ForwardedFrom.SenderID)

	_, err = f.msgs.Forward(ctx, alice, sent, nil)
	assert.True(t, apperr.IsInvalid(err))
}

func TestLoadRecentWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")

	var ids []string
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		ids = append(ids, f.send(t, alice, conv.ID, text).ID)
	}

	window, err := f.msgs.LoadRecent(ctx, conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, ids[2:], []string{window[0].ID, window[1].ID, window[2].ID})
}

func TestSubscribeRecent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv := f.direct(t, alice, "bob")
	f.send(t, alice, conv.ID, "before")

	var mu sync.Mutex
	var snapshots [][]model.Message
	unsub, err := f.msgs.SubscribeRecent(ctx, conv.ID, 2, func(msgs []model.Message, err error) {
		assert.NoError(t, err)
		mu.Lock()
		snapshots = append(snapshots, msgs)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	f.send(t, bob, conv.ID, "after")
	f.send(t, alice, conv.ID, "latest")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) == 0 {
			return false
		}
		last := snapshots[len(snapshots)-1]
		return len(last) == 2 && last[0].PlainText == "after" && last[1].PlainText == "latest"
	}, time.Second, 5*time.Millisecond)
}
