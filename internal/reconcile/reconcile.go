// Package reconcile repairs the denormalized fields of conversations that
// best-effort fan-out can leave behind: per-user unread counters and the
// last_message summary. Both are recomputed from the messages themselves.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

// Report summarizes one pass.
type Report struct {
	Conversations int `json:"conversations"`
	UnreadRepairs int `json:"unread_repairs"`
	LastRepairs   int `json:"last_message_repairs"`
	// Skipped counts repairs abandoned because the field changed between
	// read and write. The next pass picks them up again.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Conversations += o.Conversations
	r.UnreadRepairs += o.UnreadRepairs
	r.LastRepairs += o.LastRepairs
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Reconciler recomputes derived conversation fields.
type Reconciler struct {
	store  docstore.Store
	logger *logger.Logger
}

// New creates a reconciler over store.
func New(store docstore.Store, log *logger.Logger) *Reconciler {
	return &Reconciler{store: store, logger: log.Named("reconcile")}
}

// Run reconciles every conversation. A failure on one conversation is
// counted and logged; the pass continues with the rest.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	snap, err := r.store.Query(ctx, docstore.Collection(model.ConversationsCollection))
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return Report{}, fmt.Errorf("list conversations: %w", err)
	}

	ids := make([]string, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)

	var total Report
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			metrics.ReconcileRunsTotal.WithLabelValues("canceled").Inc()
			return total, err
		}
		rep, err := r.ReconcileConversation(ctx, id)
		total.add(rep)
		if err != nil {
			total.Failed++
			r.logger.Warn("reconcile conversation failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	result := "ok"
	if total.Failed > 0 {
		result = "partial"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(result).Inc()
	r.logger.Info("reconcile pass finished",
		zap.Int("conversations", total.Conversations),
		zap.Int("unread_repairs", total.UnreadRepairs),
		zap.Int("last_message_repairs", total.LastRepairs),
		zap.Int("skipped", total.Skipped),
		zap.Int("failed", total.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return total, nil
}

// ReconcileConversation repairs one conversation. Writes happen only where
// the stored value differs from the recomputed one, and only if the stored
// value is still the one that was read.
func (r *Reconciler) ReconcileConversation(ctx context.Context, id string) (Report, error) {
	path := model.ConversationPath(id)
	doc, err := r.store.Get(ctx, path)
	if err != nil {
		return Report{}, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var conv model.Conversation
	if err := doc.DataTo(&conv); err != nil {
		return Report{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}

	snap, err := r.store.Query(ctx, docstore.Collection(model.MessagesPath(id)))
	if err != nil {
		return Report{}, fmt.Errorf("load messages %s: %w", id, err)
	}
	msgs := make([]model.Message, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		var m model.Message
		if err := d.DataTo(&m); err != nil {
			return Report{}, fmt.Errorf("decode message %s: %w", d.Path, err)
		}
		if m.ID == "" {
			m.ID = d.ID
		}
		msgs = append(msgs, m)
	}
	sortMessages(msgs)

	rep := Report{Conversations: 1}
	log := r.logger.WithConversation(id)

	for _, uid := range conv.Participants {
		want := UnreadFor(msgs, uid, conv.ReadAt(uid))
		if conv.UnreadFor(uid) == want {
			continue
		}
		field := "unread_count." + uid
		observed, _ := docstore.Lookup(doc.Data, field)
		ok, err := r.repair(ctx, path, field, want, observed)
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.Skipped++
			continue
		}
		rep.UnreadRepairs++
		metrics.ReconcileRepairsTotal.WithLabelValues("unread_count").Inc()
		log.Info("repaired unread counter",
			zap.String("user_id", uid),
			zap.Int("was", conv.UnreadFor(uid)),
			zap.Int("now", want),
		)
	}

	want := LastMessageOf(msgs)
	if !sameLastMessage(conv.LastMessage, want) {
		observed, _ := docstore.Lookup(doc.Data, "last_message")
		var value any
		if want != nil {
			value = want
		}
		ok, err := r.repair(ctx, path, "last_message", value, observed)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.LastRepairs++
			metrics.ReconcileRepairsTotal.WithLabelValues("last_message").Inc()
			log.Info("repaired last message")
		} else {
			rep.Skipped++
		}
	}
	return rep, nil
}

func (r *Reconciler) repair(ctx context.Context, path, field string, value, observed any) (bool, error) {
	err := r.store.Write(ctx, path, docstore.Fields{field: value},
		docstore.MustExist(), docstore.Expect(field, observed))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docstore.ErrPrecondition), errors.Is(err, docstore.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("write %s: %w", field, err)
	}
}

// UnreadFor counts the messages uid has not read: those from others, newer
// than the newest message uid read or sent and created after readAt, that
// are neither deleted nor hidden for uid. msgs must be in ascending order.
func UnreadFor(msgs []model.Message, uid string, readAt time.Time) int {
	cutoff := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.SenderID == uid {
			cutoff = i
			break
		}
		if _, ok := m.ReadBy[uid]; ok {
			cutoff = i
			break
		}
	}

	n := 0
	for _, m := range msgs[cutoff+1:] {
		if m.SenderID == uid || m.IsDeleted() || m.HiddenFor(uid) {
			continue
		}
		if !readAt.IsZero() && !m.CreatedAt.After(readAt) {
			continue
		}
		n++
	}
	return n
}

// LastMessageOf summarizes the newest message, or returns nil when there
// is none. msgs must be in ascending order.
func LastMessageOf(msgs []model.Message) *model.LastMessage {
	if len(msgs) == 0 {
		return nil
	}
	return service.Summarize(&msgs[len(msgs)-1])
}

func sortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func sameLastMessage(a, b *model.LastMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.MessageID == b.MessageID &&
		a.Text == b.Text &&
		a.SenderID == b.SenderID &&
		a.SenderName == b.SenderName &&
		a.Type == b.Type &&
		a.CreatedAt.Equal(b.CreatedAt)
}
