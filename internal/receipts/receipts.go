// Package receipts records delivery and read receipts for the messages a
// user has received, and derives the status a sender should see.
package receipts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

// UnreadResetter clears a user's unread counter for a conversation.
type UnreadResetter interface {
	MarkRead(ctx context.Context, conversationID, uid string) error
}

type op string

const (
	opDelivered op = "delivered"
	opRead      op = "read"
)

type key struct {
	op        op
	messageID string
}

// Tracker writes receipts on behalf of one user. The processed set only
// remembers successful writes, so a failed receipt is retried the next time
// the message shows up in a window. It is kept per conversation and dropped
// by Forget.
type Tracker struct {
	store  docstore.Store
	ident  model.Identity
	unread UnreadResetter
	logger *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	processed map[string]map[key]struct{}
	reset     map[string]bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for ident. unread may be nil.
func NewTracker(store docstore.Store, ident model.Identity, unread UnreadResetter, log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		ident:     ident,
		unread:    unread,
		logger:    log.Named("receipts"),
		now:       time.Now,
		processed: make(map[string]map[key]struct{}),
		reset:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Process marks the window's messages delivered and, when viewing, read.
// Own messages are skipped. When viewing, the user's unread counter is reset
// the first time the conversation is processed and whenever new messages
// were marked read.
func (t *Tracker) Process(ctx context.Context, conversationID string, window []model.Message, viewing bool) {
	uid := t.ident.UID
	newlyRead := 0

	for i := range window {
		msg := &window[i]
		if msg.SenderID == uid || msg.IsDeleted() {
			continue
		}
		_, delivered := msg.DeliveredTo[uid]
		_, read := msg.ReadBy[uid]
		needDelivered := !delivered && !t.done(conversationID, opDelivered, msg.ID)
		needRead := viewing && !read && !t.done(conversationID, opRead, msg.ID)

		switch {
		case needRead:
			now := t.now()
			fields := docstore.Fields{
				"read_by." + uid: now,
				"status":         model.StatusRead,
			}
			if needDelivered {
				fields["delivered_to."+uid] = now
			}
			if t.write(ctx, conversationID, msg.ID, opRead, fields) {
				t.mark(conversationID, opRead, msg.ID)
				if needDelivered {
					t.mark(conversationID, opDelivered, msg.ID)
				}
				newlyRead++
			}
		case needDelivered:
			fields := docstore.Fields{"delivered_to." + uid: t.now()}
			if msg.Status != model.StatusRead {
				fields["status"] = model.StatusDelivered
			}
			if t.write(ctx, conversationID, msg.ID, opDelivered, fields) {
				t.mark(conversationID, opDelivered, msg.ID)
			}
		}
	}

	if !viewing || t.unread == nil {
		return
	}
	t.mu.Lock()
	first := !t.reset[conversationID]
	t.mu.Unlock()
	if newlyRead == 0 && !first {
		return
	}
	if err := t.unread.MarkRead(ctx, conversationID, uid); err != nil {
		t.drop("unread_reset", conversationID, "", err)
		return
	}
	t.mu.Lock()
	t.reset[conversationID] = true
	t.mu.Unlock()
}

// Forget drops the processed receipts and the unread reset state for a
// conversation.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	delete(t.processed, conversationID)
	delete(t.reset, conversationID)
	t.mu.Unlock()
}

func (t *Tracker) done(conversationID string, o op, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.processed[conversationID][key{o, messageID}]
	return ok
}

func (t *Tracker) mark(conversationID string, o op, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.processed[conversationID]
	if !ok {
		seen = make(map[key]struct{})
		t.processed[conversationID] = seen
	}
	seen[key{o, messageID}] = struct{}{}
}

func (t *Tracker) write(ctx context.Context, conversationID, messageID string, o op, fields docstore.Fields) bool {
	err := t.store.Write(ctx, model.MessagePath(conversationID, messageID), fields, docstore.MustExist())
	if err != nil {
		t.drop(string(o), conversationID, messageID, err)
		return false
	}
	metrics.ReceiptsTotal.WithLabelValues(string(o)).Inc()
	return true
}

func (t *Tracker) drop(o, conversationID, messageID string, err error) {
	metrics.RecordDropped("receipts")
	t.logger.Warn("receipt write dropped",
		zap.String("op", o),
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.String("user_id", t.ident.UID),
		zap.Error(err),
	)
}

// DeriveStatus computes the status the sender sees. Receipts from the
// sender's own devices do not count, and a message that reached read never
// goes back.
func DeriveStatus(msg model.Message) model.MessageStatus {
	if msg.Status == model.StatusRead {
		return model.StatusRead
	}
	for uid := range msg.ReadBy {
		if uid != msg.SenderID {
			return model.StatusRead
		}
	}
	if msg.Status == model.StatusDelivered {
		return model.StatusDelivered
	}
	for uid := range msg.DeliveredTo {
		if uid != msg.SenderID {
			return model.StatusDelivered
		}
	}
	switch msg.Status {
	case model.StatusFailed, model.StatusSending:
		return msg.Status
	}
	return model.StatusSent
}
