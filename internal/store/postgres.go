package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainerrors "flowlens/internal/errors"
	"flowlens/internal/model"
)

// NotifyChannel is the Postgres channel the mutation trigger notifies on.
// Payloads have the form "<table>:<row id>".
const NotifyChannel = "flowlens_mutations"

const (
	unprocessedQuery = `
		SELECT tbl, id, repo_id, number, updated_at FROM (
			SELECT 'change_requests' AS tbl, id, repo_id, number, updated_at
			FROM change_requests WHERE processed = false
			UNION ALL
			SELECT 'pipeline_runs', id, repo_id, number, updated_at
			FROM pipeline_runs WHERE processed = false
			UNION ALL
			SELECT 'insights', id, repo_id, number, created_at
			FROM insights WHERE processed = false
		) m ORDER BY updated_at ASC`

	changeRequestQuery = `
		SELECT id, repo_id, number, title, description, author, author_avatar,
		       commit_sha, branch, base_branch, url, state, additions, deletions,
		       changed_files, draft, files_changed, processed, created_at, updated_at
		FROM change_requests WHERE repo_id = $1 AND number = $2`

	pipelineRunQuery = `
		SELECT id, repo_id, number, commit_sha, author, status_pr, status_build,
		       status_approval, status_merge, history, processed, updated_at
		FROM pipeline_runs WHERE repo_id = $1 AND number = $2`

	insightExistsQuery = `
		SELECT EXISTS (
			SELECT 1 FROM insights
			WHERE repo_id = $1 AND number = $2 AND commit_sha = $3
		)`

	insertInsightQuery = `
		INSERT INTO insights (id, repo_id, number, commit_sha, risk_level, summary, recommendation, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		RETURNING id, created_at`

	insightsForQuery = `
		SELECT id, repo_id, number, commit_sha, risk_level, summary, recommendation, created_at
		FROM insights WHERE repo_id = $1 AND number = $2
		ORDER BY created_at DESC`

	dashboardQuery = `
		SELECT cr.id, cr.repo_id, cr.number, cr.title, cr.description, cr.author,
		       cr.author_avatar, cr.commit_sha, cr.branch, cr.base_branch, cr.url,
		       cr.state, cr.additions, cr.deletions, cr.changed_files, cr.draft,
		       cr.files_changed, cr.created_at, cr.updated_at,
		       p.id, p.commit_sha, p.author, p.status_pr, p.status_build,
		       p.status_approval, p.status_merge, p.history, p.updated_at,
		       i.id, i.commit_sha, i.risk_level, i.summary, i.recommendation, i.created_at
		FROM change_requests cr
		LEFT JOIN pipeline_runs p ON p.repo_id = cr.repo_id AND p.number = cr.number
		LEFT JOIN LATERAL (
			SELECT id, commit_sha, risk_level, summary, recommendation, created_at
			FROM insights
			WHERE repo_id = cr.repo_id AND number = cr.number
			ORDER BY created_at DESC LIMIT 1
		) i ON true
		ORDER BY cr.updated_at DESC`

	repositoriesQuery = `
		SELECT id, github_id, owner, name, full_name, description, default_branch,
		       html_url, language, stars, forks, open_prs, total_prs, created_at, updated_at
		FROM repositories ORDER BY full_name`

	updateRepositoryQuery = `
		UPDATE repositories
		SET description = $2, default_branch = $3, html_url = $4, language = $5,
		    stars = $6, forks = $7, open_prs = $8, total_prs = $9, updated_at = now()
		WHERE id = $1`
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store backed by pool.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

func (p *Postgres) UnprocessedMutations(ctx context.Context) ([]Mutation, error) {
	rows, err := p.pool.Query(ctx, unprocessedQuery)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed mutations: %w", err)
	}
	defer rows.Close()

	var muts []Mutation
	for rows.Next() {
		var m Mutation
		var tbl string
		if err := rows.Scan(&tbl, &m.ID, &m.RepoID, &m.Number, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		m.Kind = MutationKind(tbl)
		muts = append(muts, m)
	}
	return muts, rows.Err()
}

func (p *Postgres) MutationByID(ctx context.Context, kind MutationKind, id uuid.UUID) (Mutation, error) {
	if !kind.Valid() {
		return Mutation{}, fmt.Errorf("invalid mutation kind %q", kind)
	}
	tsColumn := "updated_at"
	if kind == KindInsight {
		tsColumn = "created_at"
	}
	// kind is validated above, so interpolating the table name is safe.
	query := fmt.Sprintf(`SELECT id, repo_id, number, %s FROM %s WHERE id = $1`, tsColumn, kind)

	m := Mutation{Kind: kind}
	err := p.pool.QueryRow(ctx, query, id).Scan(&m.ID, &m.RepoID, &m.Number, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mutation{}, domainerrors.ErrNotFound
	}
	if err != nil {
		return Mutation{}, fmt.Errorf("fetch mutation %s/%s: %w", kind, id, err)
	}
	return m, nil
}

func (p *Postgres) Claim(ctx context.Context, m Mutation) (bool, error) {
	if !m.Kind.Valid() {
		return false, fmt.Errorf("invalid mutation kind %q", m.Kind)
	}
	query := fmt.Sprintf(`UPDATE %s SET processed = true WHERE id = $1 AND processed = false`, m.Kind)
	tag, err := p.pool.Exec(ctx, query, m.ID)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", m.Kind, m.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ChangeRequest(ctx context.Context, repoID uuid.UUID, number int) (model.ChangeRequest, error) {
	var cr model.ChangeRequest
	var files []byte
	err := p.pool.QueryRow(ctx, changeRequestQuery, repoID, number).Scan(
		&cr.ID, &cr.RepoID, &cr.Number, &cr.Title, &cr.Description, &cr.Author,
		&cr.AuthorAvatar, &cr.CommitSHA, &cr.Branch, &cr.BaseBranch, &cr.URL,
		&cr.State, &cr.Additions, &cr.Deletions, &cr.ChangedFiles, &cr.Draft,
		&files, &cr.Processed, &cr.CreatedAt, &cr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChangeRequest{}, domainerrors.ErrNotFound
	}
	if err != nil {
		return model.ChangeRequest{}, fmt.Errorf("fetch change request %s/#%d: %w", repoID, number, err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &cr.FilesChanged); err != nil {
			return model.ChangeRequest{}, fmt.Errorf("decode files_changed for %s/#%d: %w", repoID, number, err)
		}
	}
	return cr, nil
}

func (p *Postgres) PipelineRun(ctx context.Context, repoID uuid.UUID, number int) (model.PipelineRun, error) {
	var run model.PipelineRun
	var history []byte
	err := p.pool.QueryRow(ctx, pipelineRunQuery, repoID, number).Scan(
		&run.ID, &run.RepoID, &run.Number, &run.CommitSHA, &run.Author,
		&run.StatusPR, &run.StatusBuild, &run.StatusApproval, &run.StatusMerge,
		&history, &run.Processed, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PipelineRun{}, domainerrors.ErrNotFound
	}
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("fetch pipeline run %s/#%d: %w", repoID, number, err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &run.History); err != nil {
			return model.PipelineRun{}, fmt.Errorf("decode history for %s/#%d: %w", repoID, number, err)
		}
	}
	return run, nil
}

func (p *Postgres) InsightExists(ctx context.Context, repoID uuid.UUID, number int, commitSHA string) (bool, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, insightExistsQuery, repoID, number, commitSHA).Scan(&exists); err != nil {
		return false, fmt.Errorf("check insight existence: %w", err)
	}
	return exists, nil
}

func (p *Postgres) InsertInsight(ctx context.Context, in model.Insight) (model.Insight, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	err := p.pool.QueryRow(ctx, insertInsightQuery,
		in.ID, in.RepoID, in.Number, in.CommitSHA, in.RiskLevel, in.Summary, in.Recommendation,
	).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return model.Insight{}, fmt.Errorf("insert insight for %s/#%d: %w", in.RepoID, in.Number, err)
	}
	return in, nil
}

func (p *Postgres) InsightsFor(ctx context.Context, repoID uuid.UUID, number int) ([]model.Insight, error) {
	rows, err := p.pool.Query(ctx, insightsForQuery, repoID, number)
	if err != nil {
		return nil, fmt.Errorf("query insights for %s/#%d: %w", repoID, number, err)
	}
	defer rows.Close()

	var insights []model.Insight
	for rows.Next() {
		var in model.Insight
		if err := rows.Scan(&in.ID, &in.RepoID, &in.Number, &in.CommitSHA,
			&in.RiskLevel, &in.Summary, &in.Recommendation, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

func (p *Postgres) Dashboard(ctx context.Context) ([]DashboardEntry, error) {
	rows, err := p.pool.Query(ctx, dashboardQuery)
	if err != nil {
		return nil, fmt.Errorf("query dashboard: %w", err)
	}
	defer rows.Close()

	var entries []DashboardEntry
	for rows.Next() {
		var (
			e       DashboardEntry
			files   []byte
			history []byte

			pipeID       *uuid.UUID
			pipeSHA      *string
			pipeAuthor   *string
			pipePR       *string
			pipeBuild    *string
			pipeApproval *string
			pipeMerge    *string
			pipeUpdated  *time.Time

			insID     *uuid.UUID
			insSHA    *string
			insRisk   *string
			insSum    *string
			insRec    *string
			insCreate *time.Time
		)
		cr := &e.ChangeRequest
		err := rows.Scan(
			&cr.ID, &cr.RepoID, &cr.Number, &cr.Title, &cr.Description, &cr.Author,
			&cr.AuthorAvatar, &cr.CommitSHA, &cr.Branch, &cr.BaseBranch, &cr.URL,
			&cr.State, &cr.Additions, &cr.Deletions, &cr.ChangedFiles, &cr.Draft,
			&files, &cr.CreatedAt, &cr.UpdatedAt,
			&pipeID, &pipeSHA, &pipeAuthor, &pipePR, &pipeBuild, &pipeApproval,
			&pipeMerge, &history, &pipeUpdated,
			&insID, &insSHA, &insRisk, &insSum, &insRec, &insCreate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dashboard row: %w", err)
		}
		if len(files) > 0 {
			if err := json.Unmarshal(files, &cr.FilesChanged); err != nil {
				return nil, fmt.Errorf("decode files_changed: %w", err)
			}
		}
		if pipeID != nil {
			run := model.PipelineRun{
				ID:             *pipeID,
				RepoID:         cr.RepoID,
				Number:         cr.Number,
				CommitSHA:      *pipeSHA,
				Author:         *pipeAuthor,
				StatusPR:       *pipePR,
				StatusBuild:    *pipeBuild,
				StatusApproval: *pipeApproval,
				StatusMerge:    *pipeMerge,
				UpdatedAt:      *pipeUpdated,
			}
			if len(history) > 0 {
				if err := json.Unmarshal(history, &run.History); err != nil {
					return nil, fmt.Errorf("decode history: %w", err)
				}
			}
			e.Pipeline = &run
		}
		if insID != nil {
			e.LatestInsight = &model.Insight{
				ID:             *insID,
				RepoID:         cr.RepoID,
				Number:         cr.Number,
				CommitSHA:      *insSHA,
				RiskLevel:      model.RiskLevel(*insRisk),
				Summary:        *insSum,
				Recommendation: *insRec,
				CreatedAt:      *insCreate,
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) Repositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := p.pool.Query(ctx, repositoriesQuery)
	if err != nil {
		return nil, fmt.Errorf("query repositories: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		var r model.Repository
		if err := rows.Scan(&r.ID, &r.GithubID, &r.Owner, &r.Name, &r.FullName,
			&r.Description, &r.DefaultBranch, &r.HTMLURL, &r.Language,
			&r.Stars, &r.Forks, &r.OpenPRs, &r.TotalPRs,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (p *Postgres) UpdateRepositoryMetadata(ctx context.Context, repo model.Repository) error {
	_, err := p.pool.Exec(ctx, updateRepositoryQuery,
		repo.ID, repo.Description, repo.DefaultBranch, repo.HTMLURL, repo.Language,
		repo.Stars, repo.Forks, repo.OpenPRs, repo.TotalPRs,
	)
	if err != nil {
		return fmt.Errorf("update repository %s: %w", repo.FullName, err)
	}
	return nil
}

// pgListener holds a dedicated pooled connection subscribed to the
// notification channel for as long as it lives.
type pgListener struct {
	conn *pgxpool.Conn
}

// Listen acquires a dedicated connection and subscribes it to NotifyChannel.
func (p *Postgres) Listen(ctx context.Context) (Listener, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}
	return &pgListener{conn: conn}, nil
}

func (l *pgListener) Wait(ctx context.Context) (string, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (l *pgListener) Close(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, "UNLISTEN "+NotifyChannel)
	return err
}
