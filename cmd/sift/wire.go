package main

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/steveyegge/sift/internal/alert"
	"github.com/steveyegge/sift/internal/buffer"
	"github.com/steveyegge/sift/internal/deduplication"
	"github.com/steveyegge/sift/internal/pipeline"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/storage"
)

// openStore opens the configured storage backend
func openStore(ctx context.Context) (storage.Storage, error) {
	store, err := storage.NewStorage(ctx, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

// openBuffer connects to the Redis event buffer
func openBuffer(ctx context.Context) (*buffer.Redis, error) {
	buf, err := buffer.New(cfg.Buffer)
	if err != nil {
		return nil, err
	}
	if err := buf.Ping(ctx); err != nil {
		_ = buf.Close()
		return nil, err
	}
	return buf, nil
}

// newGuard creates a quota guard over store
func newGuard(store storage.Storage, clock quartz.Clock) (*quota.Guard, error) {
	return quota.NewGuard(cfg.Quota, store, clock)
}

// newPipeline wires a pipeline from the loaded configuration
func newPipeline(store storage.Storage, buf *buffer.Redis, observer pipeline.Observer, clock quartz.Clock) (*pipeline.Pipeline, error) {
	guard, err := newGuard(store, clock)
	if err != nil {
		return nil, err
	}
	resolver, err := deduplication.NewResolver(cfg.Dedup)
	if err != nil {
		return nil, err
	}
	return pipeline.New(cfg.Pipeline, pipeline.Deps{
		Buffer:   buf,
		Store:    store,
		Quota:    guard,
		Resolver: resolver,
		Reporter: alert.New(cfg.Alert, alert.WithClock(clock)),
		Observer: observer,
		Clock:    clock,
	})
}
