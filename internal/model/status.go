package model

// Status is the externally visible state of a change request, as carried in
// a Delta. The zero value is not a valid status.
type Status string

const (
	StatusPending     Status = "pending"
	StatusBuilding    Status = "building"
	StatusBuildFailed Status = "buildFailed"
	StatusBuildPassed Status = "buildPassed"
	StatusApproved    Status = "approved"
	StatusMerged      Status = "merged"
	StatusClosed      Status = "closed"
)

// statusPriority is the total order used by the subscriber-side merge rule.
// buildFailed and buildPassed deliberately share a rank: both are end states
// of the build phase, and neither outranks the other.
var statusPriority = map[Status]int{
	StatusPending:     0,
	StatusBuilding:    1,
	StatusBuildFailed: 2,
	StatusBuildPassed: 2,
	StatusApproved:    3,
	StatusMerged:      4,
	StatusClosed:      4,
}

// Known reports whether s is a recognized status. Subscribers must ignore
// deltas carrying unrecognized values rather than erroring.
func (s Status) Known() bool {
	_, ok := statusPriority[s]
	return ok
}

// Priority returns the merge rank of s, or -1 for unrecognized values.
func (s Status) Priority() int {
	p, ok := statusPriority[s]
	if !ok {
		return -1
	}
	return p
}

// IsSink reports whether s is terminal. A cached sink is never overridden,
// not even by the other sink.
func (s Status) IsSink() bool {
	return s == StatusMerged || s == StatusClosed
}

// Replaces reports whether an incoming status s may overwrite cached.
// Equal-priority replacement is allowed so duplicate deliveries stay
// idempotent and a late build verdict can land.
func (s Status) Replaces(cached Status) bool {
	if cached.IsSink() {
		return false
	}
	return s.Priority() >= cached.Priority()
}

// AggregateStatus reduces the four independent stage statuses of a pipeline
// run to the single status broadcast to subscribers. The most final stage
// wins: a merge outranks a close, which outranks approval, and so on down
// to the build phase.
func AggregateStatus(run PipelineRun) Status {
	switch {
	case run.StatusMerge == StageMerged:
		return StatusMerged
	case run.StatusPR == StageClosed:
		return StatusClosed
	case run.StatusApproval == StageApproved:
		return StatusApproved
	case run.StatusBuild == StageFailed:
		return StatusBuildFailed
	case run.StatusBuild == StageSuccess:
		return StatusBuildPassed
	case run.StatusBuild == StageRunning:
		return StatusBuilding
	default:
		return StatusPending
	}
}
