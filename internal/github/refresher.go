package github

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"flowlens/internal/model"
	"flowlens/internal/store"
)

// Number of repositories to refresh in parallel.
const concurrency = 5

// Refresher periodically re-fetches metadata for every known repository.
type Refresher struct {
	store    store.Store
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(st store.Store, client *Client, interval time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{store: st, client: client, interval: interval, logger: logger}
}

// Run refreshes on a fixed interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("Starting repository metadata refresher", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshAll(ctx)

	for {
		select {
		case <-ticker.C:
			r.refreshAll(ctx)
		case <-ctx.Done():
			r.logger.Info("Metadata refresher shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// refreshAll fans out over all repositories with bounded parallelism.
// Per-repository failures are logged and skipped.
func (r *Refresher) refreshAll(ctx context.Context) {
	repos, err := r.store.Repositories(ctx)
	if err != nil {
		r.logger.Error("Failed to list repositories for refresh", "error", err)
		return
	}
	if len(repos) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, repo := range repos {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := r.refreshOne(gctx, repo); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("Failed to refresh repository metadata", "full_name", repo.FullName, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Refresher) refreshOne(ctx context.Context, repo model.Repository) error {
	updated, err := r.client.RepositoryMetadata(ctx, repo)
	if err != nil {
		return err
	}
	return r.store.UpdateRepositoryMetadata(ctx, updated)
}
