package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// DefaultCron runs a pass every fifteen minutes.
const DefaultCron = "*/15 * * * *"

// Runner performs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (Report, error)
}

// Scheduler runs passes on a cron schedule. Passes never overlap: a tick
// that arrives while a pass is running is skipped.
type Scheduler struct {
	runner Runner
	expr   string
	logger *logger.Logger
	next   func(now time.Time) (time.Time, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.Mutex
}

// NewScheduler validates expr. An empty expression means DefaultCron.
func NewScheduler(runner Runner, expr string, log *logger.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid reconcile cron expression: %q", expr)
	}
	s := &Scheduler{
		runner: runner,
		expr:   expr,
		logger: log.Named("reconcile.scheduler"),
	}
	s.next = func(now time.Time) (time.Time, error) {
		return gronx.NextTickAfter(s.expr, now, false)
	}
	return s, nil
}

// Start launches the loop. It returns immediately; Stop ends it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("reconcile scheduler started", zap.String("cron", s.expr))
}

// Stop ends the loop and waits for a running pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.running.Lock()
	s.running.Unlock()
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		next, err := s.next(time.Now().UTC())
		if err != nil {
			s.logger.Error("reconcile next tick failed", zap.String("cron", s.expr), zap.Error(err))
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		if !sleep(ctx, wait) {
			s.logger.Info("reconcile scheduler stopping")
			return
		}
		go s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if !s.running.TryLock() {
		s.logger.Warn("reconcile pass still running, skipping tick")
		return
	}
	defer s.running.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.Run(ctx); err != nil {
		s.logger.Error("reconcile pass failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
