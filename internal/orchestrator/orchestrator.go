// Package orchestrator turns claimed mutations into broadcast deltas and,
// for diff-bearing change requests, risk insights. The delta path never
// waits on enrichment: status transitions reach subscribers at store
// latency while engine calls run on their own bounded worker pool.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"flowlens/internal/engine"
	domainerrors "flowlens/internal/errors"
	"flowlens/internal/model"
	"flowlens/internal/store"
)

// enrichQueueSize bounds pending enrichment jobs. When the queue is full
// the job is dropped with a log line; insights are advisory.
const enrichQueueSize = 64

// Broadcaster fans a delta out to all live subscribers.
type Broadcaster interface {
	Broadcast(delta model.Delta)
}

// Analyzer is the external analysis engine.
type Analyzer interface {
	Analyze(ctx context.Context, files []engine.FileAnalysis) (*engine.Assessment, error)
}

// Orchestrator implements detector.Handler.
type Orchestrator struct {
	store          store.Store
	analyzer       Analyzer
	hub            Broadcaster
	logger         *slog.Logger
	concurrency    int
	insightRetries uint64
	jobs           chan model.ChangeRequest
}

// New creates an Orchestrator with a worker pool of the given concurrency.
func New(st store.Store, analyzer Analyzer, hub Broadcaster, concurrency int, logger *slog.Logger) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		store:          st,
		analyzer:       analyzer,
		hub:            hub,
		logger:         logger,
		concurrency:    concurrency,
		insightRetries: 2,
		jobs:           make(chan model.ChangeRequest, enrichQueueSize),
	}
}

// Run owns the enrichment workers until ctx is done. In-flight engine
// calls are abandoned on shutdown through ctx cancellation; each call is
// separately time-bounded by the engine client.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Starting enrichment workers", "concurrency", o.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case cr := <-o.jobs:
					o.enrich(gctx, cr)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// HandleMutation processes one claimed mutation: schedule enrichment when
// the record carries diff data, then compute and broadcast the delta. The
// two halves are independent; an enrichment failure never suppresses the
// delta.
func (o *Orchestrator) HandleMutation(ctx context.Context, m store.Mutation) error {
	if m.Kind == store.KindChangeRequest {
		cr, err := o.store.ChangeRequest(ctx, m.RepoID, m.Number)
		switch {
		case errors.Is(err, domainerrors.ErrNotFound):
			o.logger.Warn("Claimed change request disappeared", "repo_id", m.RepoID, "number", m.Number)
		case err != nil:
			o.logger.Error("Failed to load change request, skipping enrichment", "repo_id", m.RepoID, "number", m.Number, "error", err)
		case len(cr.FilesChanged) > 0:
			o.scheduleEnrichment(cr)
		}
	}

	delta, err := o.computeDelta(ctx, m)
	if err != nil {
		return err
	}
	o.hub.Broadcast(delta)
	return nil
}

// computeDelta reduces the latest pipeline stage statuses to the single
// externally visible state. A change request with no pipeline run yet is
// simply pending.
func (o *Orchestrator) computeDelta(ctx context.Context, m store.Mutation) (model.Delta, error) {
	state := model.StatusPending
	run, err := o.store.PipelineRun(ctx, m.RepoID, m.Number)
	switch {
	case errors.Is(err, domainerrors.ErrNotFound):
	case err != nil:
		return model.Delta{}, err
	default:
		state = model.AggregateStatus(run)
	}
	return model.Delta{RepoID: m.RepoID, Number: m.Number, State: state}, nil
}

func (o *Orchestrator) scheduleEnrichment(cr model.ChangeRequest) {
	select {
	case o.jobs <- cr:
	default:
		o.logger.Warn("Enrichment queue full, skipping", "repo_id", cr.RepoID, "number", cr.Number, "commit_sha", cr.CommitSHA)
	}
}

// enrich calls the engine and persists the resulting insight. A prior
// insight for the same commit makes this a no-op, so re-delivered webhooks
// do not generate duplicates.
func (o *Orchestrator) enrich(ctx context.Context, cr model.ChangeRequest) {
	logger := o.logger.With("repo_id", cr.RepoID, "number", cr.Number, "commit_sha", cr.CommitSHA)

	exists, err := o.store.InsightExists(ctx, cr.RepoID, cr.Number, cr.CommitSHA)
	if err != nil {
		logger.Error("Failed to check for existing insight, skipping enrichment", "error", err)
		return
	}
	if exists {
		logger.Debug("Insight already exists for commit, skipping enrichment")
		return
	}

	assessment, err := o.analyzer.Analyze(ctx, engine.DescribeFiles(cr.FilesChanged))
	if err != nil {
		logger.Warn("Enrichment skipped, analysis engine unavailable", "error", err)
		return
	}

	insight := model.Insight{
		RepoID:         cr.RepoID,
		Number:         cr.Number,
		CommitSHA:      cr.CommitSHA,
		RiskLevel:      assessment.RiskLevel,
		Summary:        assessment.Summary,
		Recommendation: assessment.Recommendation,
	}
	if err := o.persistInsight(ctx, insight); err != nil {
		logger.Error("Dropping insight, store writes kept failing", "error", err)
		return
	}
	logger.Info("Stored insight", "risk_level", assessment.RiskLevel)
}

// persistInsight writes with the same bounded retry budget as engine calls.
func (o *Orchestrator) persistInsight(ctx context.Context, in model.Insight) error {
	op := func() error {
		_, err := o.store.InsertInsight(ctx, in)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newInsightBackOff(), o.insightRetries), ctx)
	return backoff.Retry(op, bo)
}

func newInsightBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}
