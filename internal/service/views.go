package service

import (
	"reflect"
	"sort"
	"time"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

// SortForUser projects conversations for uid: archived ones are dropped from
// the inbox and are the only ones in the archived view. Pinned
// conversations come first, then the most recently updated.
func SortForUser(convs []model.Conversation, uid string, view model.ConversationView) []model.ConversationSummary {
	out := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		prefs := c.PreferencesFor(uid)
		if prefs.Archived != (view == model.ViewArchived) {
			continue
		}
		out = append(out, model.ConversationSummary{
			Conversation:  c,
			Unread:        c.UnreadFor(uid),
			MyPreferences: prefs,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].MyPreferences.Pinned, out[j].MyPreferences.Pinned
		if pi != pj {
			return pi
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// VisibleFor drops messages uid deleted for themselves. Messages deleted for
// everyone stay, rendered as tombstones.
func VisibleFor(msgs []model.Message, uid string) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.HiddenFor(uid) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ReactionGroup aggregates the reactions sharing one emoji.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
	Names []string `json:"names"`

	first time.Time
}

// ReactionGroups groups a message's reactions by emoji, most used first and
// then by earliest reaction.
func ReactionGroups(msg model.Message) []ReactionGroup {
	uids := make([]string, 0, len(msg.Reactions))
	for uid := range msg.Reactions {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		ri, rj := msg.Reactions[uids[i]], msg.Reactions[uids[j]]
		if !ri.Timestamp.Equal(rj.Timestamp) {
			return ri.Timestamp.Before(rj.Timestamp)
		}
		return uids[i] < uids[j]
	})

	index := map[string]int{}
	var groups []ReactionGroup
	for _, uid := range uids {
		r := msg.Reactions[uid]
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji, first: r.Timestamp})
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, uid)
		groups[i].Names = append(groups[i].Names, r.DisplayName)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].first.Before(groups[j].first)
	})
	return groups
}

// Pinned returns the pinned, non-deleted messages of a window in pin order.
func Pinned(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if m.IsPinned && !m.IsDeleted() {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].PinnedAt, out[j].PinnedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return out
}

// ClampIndex keeps a cursor over n items in range after the list changed.
func ClampIndex(idx, n int) int {
	if n <= 0 || idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

// WindowDiff describes how a message window changed between snapshots.
type WindowDiff struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether nothing changed.
func (d WindowDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffWindow compares two snapshots of a window by message id.
func DiffWindow(prev, next []model.Message) WindowDiff {
	old := make(map[string]*model.Message, len(prev))
	for i := range prev {
		old[prev[i].ID] = &prev[i]
	}
	var d WindowDiff
	seen := make(map[string]bool, len(next))
	for i := range next {
		m := &next[i]
		seen[m.ID] = true
		p, ok := old[m.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, m.ID)
		case !reflect.DeepEqual(p, m):
			d.Changed = append(d.Changed, m.ID)
		}
	}
	for _, m := range prev {
		if !seen[m.ID] {
			d.Removed = append(d.Removed, m.ID)
		}
	}
	return d
}
