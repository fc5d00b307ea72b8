// Package detector discovers mutated store rows and hands them downstream.
// Two interchangeable sources exist: a fixed-interval scan and a
// notification listener backed by a low-frequency safety scan. Both claim a
// row before processing it, so a restart mid-batch reprocesses at most the
// claimed-but-unhandled remainder, which downstream handling absorbs
// idempotently.
package detector

import (
	"context"
	"log/slog"
	"time"

	"flowlens/internal/store"
)

// Handler consumes claimed mutations. The enrichment orchestrator is the
// production implementation.
type Handler interface {
	HandleMutation(ctx context.Context, m store.Mutation) error
}

// ClaimResult is the outcome of the optimistic claim on a mutation row.
type ClaimResult int

const (
	// Claimed means this detector flipped the processed flag and owns the row.
	Claimed ClaimResult = iota
	// AlreadyProcessed means another pass claimed the row first.
	AlreadyProcessed
	// StoreError means the claim could not be attempted; the row stays
	// unprocessed and a later scan retries it.
	StoreError
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyProcessed:
		return "already_processed"
	case StoreError:
		return "store_error"
	}
	return "unknown"
}

// ChangeSource delivers every processed=false mutation to the handler at
// least once, recovering that guarantee after a restart without external
// coordination.
type ChangeSource interface {
	Run(ctx context.Context) error
}

// claim attempts the optimistic claim and maps the outcome to its variant.
func claim(ctx context.Context, st store.Store, m store.Mutation) (ClaimResult, error) {
	ok, err := st.Claim(ctx, m)
	switch {
	case err != nil:
		return StoreError, err
	case !ok:
		return AlreadyProcessed, nil
	default:
		return Claimed, nil
	}
}

// scan runs one full pass over the unprocessed rows: claim each, then hand
// the claimed ones to the handler. A store error aborts the pass; the next
// tick retries whatever is still unclaimed.
func scan(ctx context.Context, st store.Store, h Handler, logger *slog.Logger) error {
	muts, err := st.UnprocessedMutations(ctx)
	if err != nil {
		return err
	}
	if len(muts) == 0 {
		return nil
	}
	logger.Info("Found unprocessed mutations", "count", len(muts))

	for _, m := range muts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := claim(ctx, st, m)
		switch result {
		case StoreError:
			return err
		case AlreadyProcessed:
			logger.Debug("Mutation claimed elsewhere", "kind", m.Kind, "id", m.ID)
			continue
		}
		if err := h.HandleMutation(ctx, m); err != nil {
			// The row is already claimed; the handler logs and degrades on
			// its own, nothing to retry here.
			logger.Error("Handler failed for mutation", "kind", m.Kind, "id", m.ID, "error", err)
		}
	}
	return nil
}

// PollingSource discovers mutations by scanning on a fixed interval.
type PollingSource struct {
	store    store.Store
	handler  Handler
	interval time.Duration
	logger   *slog.Logger
}

// NewPollingSource creates a scan-mode change source.
func NewPollingSource(st store.Store, h Handler, interval time.Duration, logger *slog.Logger) *PollingSource {
	return &PollingSource{store: st, handler: h, interval: interval, logger: logger}
}

// Run scans until ctx is done. Store errors are logged and retried on the
// next tick, never fatal.
func (s *PollingSource) Run(ctx context.Context) error {
	s.logger.Info("Starting polling change source", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := scan(ctx, s.store, s.handler, s.logger); err != nil && ctx.Err() == nil {
		s.logger.Error("Scan pass failed", "error", err)
	}
	for {
		select {
		case <-ticker.C:
			if err := scan(ctx, s.store, s.handler, s.logger); err != nil && ctx.Err() == nil {
				s.logger.Error("Scan pass failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("Polling change source shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
