package docstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMergeDottedFields(t *testing.T) {
	existing := map[string]any{
		"status":       "sent",
		"delivered_to": map[string]any{"alice": "2024-01-01T00:00:00Z"},
	}

	out, err := Apply(existing, Fields{
		"delivered_to.bob": "2024-01-01T00:00:05Z",
		"status":           "delivered",
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "delivered", out["status"])
	assert.Equal(t, map[string]any{
		"alice": "2024-01-01T00:00:00Z",
		"bob":   "2024-01-01T00:00:05Z",
	}, out["delivered_to"])
	assert.Equal(t, "sent", existing["status"], "existing document must not be mutated")
}

func TestApplyReplaceWithoutMerge(t *testing.T) {
	out, err := Apply(map[string]any{"a": 1.0, "b": 2.0}, Fields{"a": 3}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 3.0}, out)
}

func TestApplyMergeDeepMergesMaps(t *testing.T) {
	existing := map[string]any{"preferences": map[string]any{"alice": map[string]any{"muted": true}}}
	out, err := Apply(existing, Fields{
		"preferences": map[string]any{"alice": map[string]any{"pinned": true}},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"muted": true, "pinned": true},
		out["preferences"].(map[string]any)["alice"])
}

func TestTransforms(t *testing.T) {
	doc := map[string]any{
		"participants": []any{"a", "b"},
		"unread_count": map[string]any{"b": 2.0},
		"typing":       map[string]any{"a": map[string]any{"user_id": "a"}},
	}

	out, err := Apply(doc, Fields{
		"participants":   ArrayUnion("b", "c"),
		"unread_count.b": Increment(1),
		"unread_count.c": Increment(1),
		"typing.a":       Delete(),
	}, true)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b", "c"}, out["participants"])
	assert.Equal(t, map[string]any{"b": 3.0, "c": 1.0}, out["unread_count"])
	assert.Empty(t, out["typing"])

	out, err = Apply(out, Fields{"participants": ArrayRemove("a", "zzz")}, true)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "c"}, out["participants"])
}

func TestCommitPreconditions(t *testing.T) {
	doc := map[string]any{"version": 2.0}

	_, err := Commit(doc, true, Fields{"x": 1}, NewWriteOptions(IfNotExists()))
	assert.ErrorIs(t, err, ErrExists)

	_, err = Commit(nil, false, Fields{"x": 1}, NewWriteOptions(MustExist()))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Commit(doc, true, Fields{"version": 3}, NewWriteOptions(Merge(), Expect("version", 1)))
	assert.ErrorIs(t, err, ErrPrecondition)

	out, err := Commit(doc, true, Fields{"version": 3}, NewWriteOptions(Merge(), Expect("version", 2)))
	require.NoError(t, err)
	assert.Equal(t, 3.0, out["version"])
}

func TestEvaluateOrdersTimestampsAndLimits(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string, offset time.Duration, participants ...string) Document {
		ps := make([]any, len(participants))
		for i, p := range participants {
			ps[i] = p
		}
		return Document{ID: id, Path: "conversations/" + id, Data: map[string]any{
			"created_at":   base.Add(offset).Format(time.RFC3339Nano),
			"participants": ps,
		}}
	}

	docs := []Document{
		mk("a", 1500*time.Millisecond, "u1"),
		mk("b", 1*time.Second, "u1", "u2"),
		mk("c", 2*time.Second, "u2"),
	}

	snap := Evaluate(Collection("conversations").Order("created_at", true).Take(2), docs)
	require.Len(t, snap.Docs, 2)
	assert.Equal(t, "c", snap.Docs[0].ID)
	assert.Equal(t, "a", snap.Docs[1].ID)

	snap = Evaluate(Collection("conversations").Where("participants", OpArrayContains, "u1").Order("created_at", false), docs)
	require.Len(t, snap.Docs, 2)
	assert.Equal(t, "b", snap.Docs[0].ID)
	assert.Equal(t, "a", snap.Docs[1].ID)
}

func TestPaths(t *testing.T) {
	assert.True(t, IsDocPath("conversations/c1"))
	assert.False(t, IsDocPath("conversations/c1/messages"))
	assert.Equal(t, "conversations/c1/messages", Parent("conversations/c1/messages/m1"))
	assert.Equal(t, "m1", Base("conversations/c1/messages/m1"))
	assert.Error(t, ValidatePath("conversations/a.b"))
	assert.Error(t, ValidateDocPath("conversations"))

	q := Collection("conversations/c1/messages")
	assert.True(t, q.Affects("conversations/c1/messages/m1"))
	assert.False(t, q.Affects("conversations/c1"))
	assert.True(t, Doc("conversations/c1").Affects("conversations/c1"))
}

func TestDataTo(t *testing.T) {
	type rec struct {
		Status   string    `json:"status"`
		LastSeen time.Time `json:"last_seen"`
	}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC)
	out, err := Apply(nil, Fields{"status": "online", "last_seen": ts}, true)
	require.NoError(t, err)

	var r rec
	require.NoError(t, Document{Data: out}.DataTo(&r))
	assert.Equal(t, "online", r.Status)
	assert.True(t, ts.Equal(r.LastSeen))
}
