package model

import (
	"time"

	"github.com/google/uuid"
)

// Repository represents a tracked source repository. Rows are created the
// first time a mutation references them; metadata is refreshed out of band.
type Repository struct {
	ID            uuid.UUID `json:"id"`
	GithubID      int64     `json:"github_id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   *string   `json:"description,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	HTMLURL       string    `json:"html_url"`
	Language      *string   `json:"language,omitempty"`
	Stars         int       `json:"stars"`
	Forks         int       `json:"forks"`
	OpenPRs       int       `json:"open_prs"`
	TotalPRs      int       `json:"total_prs"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FileChange describes a single changed file within a change request.
type FileChange struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// ChangeRequest is the stored view of a pull request. Unique per
// (RepoID, Number). Processed=false marks a pending mutation that the
// change detector has not yet handed downstream.
type ChangeRequest struct {
	ID           uuid.UUID    `json:"id"`
	RepoID       uuid.UUID    `json:"repo_id"`
	Number       int          `json:"number"`
	Title        string       `json:"title"`
	Description  *string      `json:"description,omitempty"`
	Author       string       `json:"author"`
	AuthorAvatar string       `json:"author_avatar"`
	CommitSHA    string       `json:"commit_sha"`
	Branch       string       `json:"branch"`
	BaseBranch   string       `json:"base_branch"`
	URL          string       `json:"url"`
	State        string       `json:"state"`
	Additions    int          `json:"additions"`
	Deletions    int          `json:"deletions"`
	ChangedFiles int          `json:"changed_files"`
	Draft        bool         `json:"draft"`
	FilesChanged []FileChange `json:"files_changed"`
	Processed    bool         `json:"-"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HistoryEntry is one append-only audit record on a pipeline run.
type HistoryEntry struct {
	At    time.Time `json:"at"`
	Field string    `json:"field"`
	Value string    `json:"value"`
}

// Stage status values as written by the upstream webhook receiver.
const (
	StagePending  = "pending"
	StageCreated  = "created"
	StageOpen     = "open"
	StageClosed   = "closed"
	StageRunning  = "running"
	StageSuccess  = "success"
	StageFailed   = "failed"
	StageApproved = "approved"
	StageMerged   = "merged"
)

// PipelineRun holds the four independent stage statuses for one change
// request, plus an append-only history. Unique per (RepoID, Number).
type PipelineRun struct {
	ID             uuid.UUID      `json:"id"`
	RepoID         uuid.UUID      `json:"repo_id"`
	Number         int            `json:"number"`
	CommitSHA      string         `json:"commit_sha"`
	Author         string         `json:"author"`
	StatusPR       string         `json:"status_pr"`
	StatusBuild    string         `json:"status_build"`
	StatusApproval string         `json:"status_approval"`
	StatusMerge    string         `json:"status_merge"`
	History        []HistoryEntry `json:"history"`
	Processed      bool           `json:"-"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RiskLevel is the analysis engine's verdict for a change request.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Insight is one enrichment result. Rows are append-only.
type Insight struct {
	ID             uuid.UUID `json:"id"`
	RepoID         uuid.UUID `json:"repo_id"`
	Number         int       `json:"pr_number"`
	CommitSHA      string    `json:"commit_sha"`
	RiskLevel      RiskLevel `json:"risk_level"`
	Summary        string    `json:"summary"`
	Recommendation string    `json:"recommendation"`
	CreatedAt      time.Time `json:"created_at"`
}

// Delta is the ephemeral wire-level projection broadcast to subscribers.
// The JSON shape is fixed: exactly these three fields.
type Delta struct {
	RepoID uuid.UUID `json:"repo_id"`
	Number int       `json:"pr_number"`
	State  Status    `json:"state"`
}
