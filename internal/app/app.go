// Package app assembles the engine from configuration. It is shared by the
// API server and the operator CLI.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-conversations/internal/config"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/memstore"
	"github.com/capitalize-ai/realtime-conversations/internal/docstore/pebblestore"
	natsclient "github.com/capitalize-ai/realtime-conversations/internal/nats"
	"github.com/capitalize-ai/realtime-conversations/internal/preview"
	"github.com/capitalize-ai/realtime-conversations/internal/service"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

// App holds the store, the services built on it and whatever must be
// released on exit.
type App struct {
	Store         docstore.Store
	Users         *service.UserService
	Conversations *service.ConversationService
	Messages      *service.MessageService

	// Checks are readiness probes keyed by dependency name.
	Checks map[string]func(context.Context) error

	closers []func()
}

// Options select the optional parts of New.
type Options struct {
	// Previews enables link preview fetching on send.
	Previews bool
}

// New opens the configured store and builds the services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Checks: map[string]func(context.Context) error{}}

	store, err := a.openStore(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			log.Warn("store close failed", zap.Error(err))
		}
	})

	var fetcher service.PreviewFetcher
	if opts.Previews && cfg.PreviewEnabled {
		fetcher = a.previewFetcher(ctx, cfg, log)
	}

	a.Users = service.NewUserService(store, log)
	a.Conversations = service.NewConversationService(store, a.Users, log)
	a.Messages = service.NewMessageService(store, a.Conversations, fetcher, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (docstore.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return memstore.New(), nil

	case config.BackendPebble:
		store, err := pebblestore.Open(cfg.PebblePath, log)
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		log.Info("pebble store opened", zap.String("path", cfg.PebblePath))
		return store, nil

	case config.BackendNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.Checks["nats"] = client.Ping

		kv, err := natsclient.EnsureBucket(ctx, client, cfg.NATSKVBucket)
		if err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.NATSKVBucket, err)
		}
		return natsclient.NewKVStore(kv, log), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// previewFetcher builds the fetcher, with a Redis cache when one is
// configured and reachable.
func (a *App) previewFetcher(ctx context.Context, cfg *config.Config, log *logger.Logger) *preview.Fetcher {
	var cache preview.Cache
	if cfg.RedisURL != "" {
		rc, err := preview.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, previews are not cached", zap.Error(err))
		} else {
			cache = rc
			a.closers = append(a.closers, func() { rc.Close() })
			a.Checks["redis"] = rc.Ping
		}
	}
	return preview.NewFetcher(preview.Config{
		Timeout:  cfg.PreviewTimeout,
		RPS:      cfg.PreviewRPS,
		Burst:    cfg.PreviewBurst,
		CacheTTL: cfg.PreviewCacheTTL,
	}, cache, log)
}

// Close releases everything New acquired, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
