// Package reconciler merges the delta stream into a local view of change
// requests. Deltas may arrive out of order or more than once; the merge
// rule only ever advances an entity along the status priority order, so
// any replay of a delta sequence converges to the same final state.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"flowlens/internal/model"
)

// EntityFetcher materializes a change request the first time a delta
// references it. The query API is the production implementation.
type EntityFetcher interface {
	FetchChangeRequest(ctx context.Context, repoID uuid.UUID, number int) (model.ChangeRequest, error)
}

// Outcome says what Apply did with a delta.
type Outcome int

const (
	// Applied means the cached state advanced (or was idempotently re-set).
	Applied Outcome = iota
	// Inserted means the entity was unseen, fetched, and cached.
	Inserted
	// IgnoredStale means the delta lost the monotonicity check. Routine
	// under reordering, not a fault.
	IgnoredStale
	// IgnoredAbsent means the entity is unseen and the delta's state is
	// terminal, so there is nothing worth materializing.
	IgnoredAbsent
	// IgnoredUnknown means the state value is unrecognized.
	IgnoredUnknown
	// FetchFailed means the entity fetch errored; a later delta retries.
	FetchFailed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Inserted:
		return "inserted"
	case IgnoredStale:
		return "ignored_stale"
	case IgnoredAbsent:
		return "ignored_absent"
	case IgnoredUnknown:
		return "ignored_unknown"
	case FetchFailed:
		return "fetch_failed"
	}
	return "unknown"
}

type key struct {
	repoID uuid.UUID
	number int
}

// Entry is one cached entity with its observed state.
type Entry struct {
	ChangeRequest model.ChangeRequest
	State         model.Status
}

// Reconciler owns one connection's cache. Message handling is sequential
// per connection, so there is no internal locking; embed one Reconciler
// per view.
type Reconciler struct {
	fetcher EntityFetcher
	logger  *slog.Logger
	cache   map[key]*Entry
}

// New creates an empty Reconciler.
func New(fetcher EntityFetcher, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[key]*Entry),
	}
}

// Apply merges one delta into the cache per the status priority order:
// an incoming state lands only if its priority is at least the cached one,
// and a cached sink (merged, closed) is never overridden.
func (r *Reconciler) Apply(ctx context.Context, delta model.Delta) Outcome {
	if !delta.State.Known() {
		r.logger.Debug("Ignoring delta with unrecognized state", "state", string(delta.State))
		return IgnoredUnknown
	}

	k := key{repoID: delta.RepoID, number: delta.Number}
	entry, ok := r.cache[k]
	if !ok {
		if delta.State.IsSink() {
			// Entity was never displayed here and is already terminal.
			return IgnoredAbsent
		}
		cr, err := r.fetcher.FetchChangeRequest(ctx, delta.RepoID, delta.Number)
		if err != nil {
			r.logger.Warn("Full-entity fetch failed", "repo_id", delta.RepoID, "number", delta.Number, "error", err)
			return FetchFailed
		}
		r.cache[k] = &Entry{ChangeRequest: cr, State: delta.State}
		return Inserted
	}

	if !delta.State.Replaces(entry.State) {
		r.logger.Debug("Ignoring stale delta",
			"repo_id", delta.RepoID, "number", delta.Number,
			"cached", string(entry.State), "incoming", string(delta.State))
		return IgnoredStale
	}
	entry.State = delta.State
	return Applied
}

// State returns the cached state for an entity, if present.
func (r *Reconciler) State(repoID uuid.UUID, number int) (model.Status, bool) {
	entry, ok := r.cache[key{repoID: repoID, number: number}]
	if !ok {
		return "", false
	}
	return entry.State, true
}

// Entry returns the cached entry for an entity, if present.
func (r *Reconciler) Entry(repoID uuid.UUID, number int) (Entry, bool) {
	entry, ok := r.cache[key{repoID: repoID, number: number}]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of cached entities.
func (r *Reconciler) Len() int {
	return len(r.cache)
}

// DecodeDelta parses a wire message. Malformed payloads are an error for
// the caller to log and drop, never a crash.
func DecodeDelta(raw []byte) (model.Delta, error) {
	var delta model.Delta
	if err := json.Unmarshal(raw, &delta); err != nil {
		return model.Delta{}, fmt.Errorf("malformed delta payload: %w", err)
	}
	if delta.RepoID == uuid.Nil {
		return model.Delta{}, fmt.Errorf("delta missing repo_id")
	}
	return delta, nil
}

// MessageReader is the inbound side of a subscriber connection;
// *websocket.Conn satisfies it.
type MessageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// Listen consumes wire messages until the connection fails or ctx is done,
// applying each decoded delta. Malformed messages are dropped and logged.
func (r *Reconciler) Listen(ctx context.Context, conn MessageReader) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		delta, err := DecodeDelta(raw)
		if err != nil {
			r.logger.Warn("Dropping malformed delta", "error", err)
			continue
		}
		outcome := r.Apply(ctx, delta)
		r.logger.Debug("Merged delta", "repo_id", delta.RepoID, "number", delta.Number, "state", string(delta.State), "outcome", outcome.String())
	}
}
