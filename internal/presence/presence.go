// Package presence maintains the local user's online/offline record and
// exposes other users' records as live streams.
//
// The store has no TTL, so a client that dies without going offline leaves
// an "online" record behind. The heartbeat keeps last_seen fresh while the
// user is really online, and readers use EffectiveStatus to treat records
// with an old last_seen as offline.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const (
	DefaultHeartbeat  = 30 * time.Second
	DefaultStaleAfter = 2 * time.Minute
)

// Config tunes the tracker.
type Config struct {
	Heartbeat  time.Duration
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Tracker owns one user's presence for the lifetime of a session.
type Tracker struct {
	store  docstore.Store
	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	uid     string
	online  bool
	stopHB  chan struct{}
	hbDone  chan struct{}
	running bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. Nothing is written until Start.
func NewTracker(store docstore.Store, cfg Config, log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: log.Named("presence"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start marks the user online and begins the heartbeat.
func (t *Tracker) Start(ctx context.Context, ident model.Identity) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.uid = ident.UID
	t.running = true
	t.stopHB = make(chan struct{})
	t.hbDone = make(chan struct{})
	stop, done := t.stopHB, t.hbDone
	t.mu.Unlock()

	t.GoOnline(ctx, ident.UID)
	go t.heartbeat(stop, done)
}

// Stop ends the heartbeat and marks the user offline. It must run before
// the session goes away; if it never does, the record goes stale.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopHB)
	done, uid := t.hbDone, t.uid
	t.mu.Unlock()

	<-done
	t.GoOffline(ctx, uid)
}

// GoOnline upserts {status: online, last_seen: now}.
func (t *Tracker) GoOnline(ctx context.Context, uid string) {
	t.mu.Lock()
	t.online = true
	t.mu.Unlock()
	t.write(ctx, uid, model.PresenceOnline)
}

// GoOffline upserts {status: offline, last_seen: now}.
func (t *Tracker) GoOffline(ctx context.Context, uid string) {
	t.mu.Lock()
	t.online = false
	t.mu.Unlock()
	t.write(ctx, uid, model.PresenceOffline)
}

// SetVisibility maps foreground/background transitions onto online/offline.
func (t *Tracker) SetVisibility(ctx context.Context, visible bool) {
	t.mu.Lock()
	uid, running, online := t.uid, t.running, t.online
	t.mu.Unlock()
	if !running {
		return
	}
	switch {
	case visible && !online:
		t.GoOnline(ctx, uid)
	case !visible && online:
		t.GoOffline(ctx, uid)
	}
}

// Online reports the local state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *Tracker) heartbeat(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			uid, online := t.uid, t.online
			t.mu.Unlock()
			if !online {
				continue
			}
			now := t.now()
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Heartbeat)
			err := t.store.Write(ctx, model.StatusPath(uid), docstore.Fields{
				"last_seen":  now,
				"updated_at": now,
			}, docstore.Merge())
			cancel()
			if err != nil {
				t.drop("heartbeat", uid, err)
			}
		}
	}
}

func (t *Tracker) write(ctx context.Context, uid string, status model.PresenceStatus) {
	now := t.now()
	err := t.store.Write(ctx, model.StatusPath(uid), docstore.Fields{
		"user_id":    uid,
		"status":     status,
		"last_seen":  now,
		"updated_at": now,
	}, docstore.Merge())
	if err != nil {
		t.drop(string(status), uid, err)
	}
}

func (t *Tracker) drop(op, uid string, err error) {
	metrics.RecordDropped("presence")
	t.logger.Warn("presence write dropped",
		zap.String("op", op),
		zap.String("user_id", uid),
		zap.Error(err),
	)
}

// Subscribe streams uid's presence record. A missing record reads as offline.
func (t *Tracker) Subscribe(ctx context.Context, uid string, fn func(model.Presence)) (docstore.Unsubscribe, error) {
	return Subscribe(ctx, t.store, uid, t.logger, fn)
}

// Subscribe streams uid's presence record from store.
func Subscribe(ctx context.Context, store docstore.Store, uid string, log *logger.Logger, fn func(model.Presence)) (docstore.Unsubscribe, error) {
	return store.Subscribe(ctx, docstore.Doc(model.StatusPath(uid)), func(snap docstore.Snapshot, err error) {
		if err != nil {
			log.Warn("presence snapshot failed", zap.String("user_id", uid), zap.Error(err))
			return
		}
		fn(Decode(uid, snap))
	})
}

// Decode reads a presence snapshot, defaulting to offline.
func Decode(uid string, snap docstore.Snapshot) model.Presence {
	p := model.Presence{UserID: uid, Status: model.PresenceOffline}
	doc, ok := snap.First()
	if !ok {
		return p
	}
	if err := doc.DataTo(&p); err != nil || p.Status == "" {
		p.Status = model.PresenceOffline
	}
	p.UserID = uid
	return p
}

// EffectiveStatus treats an online record whose last_seen is older than
// staleAfter as offline.
func EffectiveStatus(p model.Presence, now time.Time, staleAfter time.Duration) model.PresenceStatus {
	if p.Status != model.PresenceOnline {
		return model.PresenceOffline
	}
	if !p.LastSeen.IsZero() && now.Sub(p.LastSeen) > staleAfter {
		return model.PresenceOffline
	}
	return model.PresenceOnline
}

// LastSeenLabel renders a status line such as "online" or
// "last seen 5 minutes ago".
func LastSeenLabel(p model.Presence, now time.Time, staleAfter time.Duration) string {
	if EffectiveStatus(p, now, staleAfter) == model.PresenceOnline {
		return "online"
	}
	if p.LastSeen.IsZero() {
		return "offline"
	}
	return "last seen " + humanize.RelTime(p.LastSeen, now, "ago", "from now")
}

// View decorates a record with its effective status and label.
func View(p model.Presence, now time.Time, staleAfter time.Duration) model.PresenceView {
	return model.PresenceView{
		Presence:  p,
		Effective: EffectiveStatus(p, now, staleAfter),
		Label:     LastSeenLabel(p, now, staleAfter),
	}
}

// StaleAfter returns the configured staleness threshold.
func (t *Tracker) StaleAfter() time.Duration {
	return t.cfg.StaleAfter
}
