package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned by store lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ErrUnknownState is returned when a delta carries a state value the
// receiver does not recognize.
type ErrUnknownState struct {
	State string
}

func (e *ErrUnknownState) Error() string {
	return fmt.Sprintf("unrecognized state value: %q", e.State)
}

// ErrEntityNotFound reports an entity fetch miss for a specific change request.
type ErrEntityNotFound struct {
	RepoID uuid.UUID
	Number int
}

func (e *ErrEntityNotFound) Error() string {
	return fmt.Sprintf("change request %s/#%d not found", e.RepoID, e.Number)
}
