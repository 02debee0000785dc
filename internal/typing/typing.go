// Package typing publishes the local user's typing signal per conversation
// and aggregates other users' live signals.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const (
	DefaultDebounce = 3 * time.Second
	DefaultLiveness = 5 * time.Second

	writeTimeout = 5 * time.Second
)

// Config tunes the coordinator.
type Config struct {
	// Debounce is the input inactivity after which typing is cleared.
	Debounce time.Duration
	// Liveness is how long an entry counts as live without a refresh.
	Liveness time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Liveness <= 0 {
		c.Liveness = DefaultLiveness
	}
	return c
}

type marker struct {
	timer *time.Timer
	gen   uint64
}

// Coordinator owns one user's typing signals.
type Coordinator struct {
	store  docstore.Store
	ident  model.Identity
	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	markers map[string]*marker
	gen     uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator for ident.
func NewCoordinator(store docstore.Store, ident model.Identity, cfg Config, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		ident:   ident,
		cfg:     cfg.withDefaults(),
		logger:  log.Named("typing"),
		now:     time.Now,
		markers: make(map[string]*marker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTyping marks or clears the local user's typing entry. Marking is
// write-once-until-idle: while already marked, it only re-arms the debounce.
func (c *Coordinator) SetTyping(ctx context.Context, conversationID string, isTyping bool) {
	if !isTyping {
		c.clear(ctx, conversationID)
		return
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	if m, ok := c.markers[conversationID]; ok {
		m.timer.Stop()
		m.gen = gen
		m.timer = c.arm(conversationID, gen)
		c.mu.Unlock()
		return
	}
	c.markers[conversationID] = &marker{gen: gen, timer: c.arm(conversationID, gen)}
	c.mu.Unlock()

	err := c.store.Write(ctx, model.ConversationPath(conversationID), docstore.Fields{
		"typing." + c.ident.UID: model.TypingEntry{
			UserID:      c.ident.UID,
			DisplayName: c.ident.DisplayName,
			Timestamp:   c.now(),
		},
	}, docstore.MustExist())
	if err != nil {
		c.drop("start", conversationID, err)
	}
}

// Keystroke records local input. It is SetTyping(true).
func (c *Coordinator) Keystroke(ctx context.Context, conversationID string) {
	c.SetTyping(ctx, conversationID, true)
}

// IsTyping reports whether the local user is marked typing.
func (c *Coordinator) IsTyping(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.markers[conversationID]
	return ok
}

// Leave clears the entry and pending timer for a conversation being left.
func (c *Coordinator) Leave(ctx context.Context, conversationID string) {
	c.clear(ctx, conversationID)
}

// Close clears every active entry.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.markers))
	for id := range c.markers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.clear(ctx, id)
	}
}

// arm must be called with c.mu held.
func (c *Coordinator) arm(conversationID string, gen uint64) *time.Timer {
	return time.AfterFunc(c.cfg.Debounce, func() {
		c.mu.Lock()
		m, ok := c.markers[conversationID]
		current := ok && m.gen == gen
		c.mu.Unlock()
		if !current {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		c.clear(ctx, conversationID)
	})
}

func (c *Coordinator) clear(ctx context.Context, conversationID string) {
	c.mu.Lock()
	if m, ok := c.markers[conversationID]; ok {
		m.timer.Stop()
		delete(c.markers, conversationID)
	}
	c.mu.Unlock()

	err := c.store.Write(ctx, model.ConversationPath(conversationID), docstore.Fields{
		"typing." + c.ident.UID: docstore.Delete(),
	}, docstore.MustExist())
	if err != nil {
		c.drop("stop", conversationID, err)
	}
}

func (c *Coordinator) drop(op, conversationID string, err error) {
	metrics.RecordDropped("typing")
	c.logger.Warn("typing write dropped",
		zap.String("op", op),
		zap.String("conversation_id", conversationID),
		zap.String("user_id", c.ident.UID),
		zap.Error(err),
	)
}

// Subscribe streams the users typing in a conversation, excluding the local
// user and entries older than the liveness window. Staleness is evaluated on
// delivery and again when the oldest live entry expires, so an entry that is
// never cleared still disappears.
func (c *Coordinator) Subscribe(ctx context.Context, conversationID string, fn func([]model.TypingEntry)) (docstore.Unsubscribe, error) {
	w := &watcher{c: c, fn: fn}
	unsub, err := c.store.Subscribe(ctx, docstore.Doc(model.ConversationPath(conversationID)), func(snap docstore.Snapshot, err error) {
		if err != nil {
			c.logger.Warn("typing snapshot failed", zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		var conv model.Conversation
		if doc, ok := snap.First(); ok {
			if err := doc.DataTo(&conv); err != nil {
				c.logger.Warn("typing snapshot undecodable", zap.String("conversation_id", conversationID), zap.Error(err))
				return
			}
		}
		w.update(conv.Typing)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		unsub()
		w.stop()
	}, nil
}

type watcher struct {
	c  *Coordinator
	fn func([]model.TypingEntry)

	mu      sync.Mutex
	entries map[string]model.TypingEntry
	last    []model.TypingEntry
	primed  bool
	expiry  *time.Timer
	stopped bool
}

func (w *watcher) update(entries map[string]model.TypingEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = entries
	w.emit()
}

func (w *watcher) emit() {
	if w.stopped {
		return
	}
	now := w.c.now()
	live := LiveEntries(w.entries, w.c.ident.UID, now, w.c.cfg.Liveness)

	if w.expiry != nil {
		w.expiry.Stop()
		w.expiry = nil
	}
	if len(live) > 0 {
		next := live[0].Timestamp.Add(w.c.cfg.Liveness)
		for _, e := range live[1:] {
			if t := e.Timestamp.Add(w.c.cfg.Liveness); t.Before(next) {
				next = t
			}
		}
		wait := next.Sub(now) + time.Millisecond
		w.expiry = time.AfterFunc(wait, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.emit()
		})
	}

	if w.primed && sameUsers(w.last, live) {
		return
	}
	w.primed = true
	w.last = live
	w.fn(live)
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.expiry != nil {
		w.expiry.Stop()
	}
}

// LiveEntries returns entries other than self younger than the liveness
// window at now, oldest first. An entry exactly liveness old has expired.
func LiveEntries(entries map[string]model.TypingEntry, self string, now time.Time, liveness time.Duration) []model.TypingEntry {
	live := make([]model.TypingEntry, 0, len(entries))
	for uid, e := range entries {
		if uid == self || e.UserID == self {
			continue
		}
		if now.Sub(e.Timestamp) >= liveness {
			continue
		}
		if e.UserID == "" {
			e.UserID = uid
		}
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Timestamp.Equal(live[j].Timestamp) {
			return live[i].UserID < live[j].UserID
		}
		return live[i].Timestamp.Before(live[j].Timestamp)
	})
	return live
}

func sameUsers(a, b []model.TypingEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || !a[i].Timestamp.Equal(b[i].Timestamp) {
			return false
		}
	}
	return true
}
