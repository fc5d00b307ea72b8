// Package store abstracts the relational store behind the pipeline:
// discovering unprocessed mutations, claiming them, and fetching the full
// entities they refer to.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowlens/internal/model"
)

// MutationKind identifies which mutable table a mutation row lives in.
type MutationKind string

const (
	KindChangeRequest MutationKind = "change_requests"
	KindPipelineRun   MutationKind = "pipeline_runs"
	KindInsight       MutationKind = "insights"
)

// Valid reports whether k names one of the three mutable tables.
func (k MutationKind) Valid() bool {
	switch k {
	case KindChangeRequest, KindPipelineRun, KindInsight:
		return true
	}
	return false
}

// Mutation is a pending, unprocessed row discovered by the change detector.
type Mutation struct {
	Kind      MutationKind
	ID        uuid.UUID
	RepoID    uuid.UUID
	Number    int
	UpdatedAt time.Time
}

// DashboardEntry is one row of the dashboard listing: the change request,
// its pipeline stage statuses, and the most recent insight if any.
type DashboardEntry struct {
	ChangeRequest model.ChangeRequest `json:"change_request"`
	Pipeline      *model.PipelineRun  `json:"pipeline,omitempty"`
	LatestInsight *model.Insight      `json:"latest_insight,omitempty"`
}

// Store is the pipeline's view of the relational store. The upstream
// webhook receiver writes rows with processed=false; everything here either
// reads them or flips that flag.
type Store interface {
	// UnprocessedMutations returns every row across the three mutable
	// tables with processed=false, oldest first.
	UnprocessedMutations(ctx context.Context) ([]Mutation, error)

	// MutationByID fetches a single mutation row regardless of its
	// processed flag. Returns errors.ErrNotFound if the row is gone.
	MutationByID(ctx context.Context, kind MutationKind, id uuid.UUID) (Mutation, error)

	// Claim atomically marks the row processed. It reports false when the
	// row was already claimed, which is the routine outcome under
	// duplicate delivery.
	Claim(ctx context.Context, m Mutation) (bool, error)

	ChangeRequest(ctx context.Context, repoID uuid.UUID, number int) (model.ChangeRequest, error)
	PipelineRun(ctx context.Context, repoID uuid.UUID, number int) (model.PipelineRun, error)

	// InsightExists reports whether an insight was already generated for
	// this change request at this commit.
	InsightExists(ctx context.Context, repoID uuid.UUID, number int, commitSHA string) (bool, error)
	InsertInsight(ctx context.Context, in model.Insight) (model.Insight, error)
	InsightsFor(ctx context.Context, repoID uuid.UUID, number int) ([]model.Insight, error)

	Dashboard(ctx context.Context) ([]DashboardEntry, error)

	Repositories(ctx context.Context) ([]model.Repository, error)
	UpdateRepositoryMetadata(ctx context.Context, repo model.Repository) error
}

// Listener is a dedicated change-notification subscription. Wait blocks
// until a notification arrives or ctx is done.
type Listener interface {
	Wait(ctx context.Context) (payload string, err error)
	Close(ctx context.Context) error
}
