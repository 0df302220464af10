package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-sync/internal/gherr"
	"github-activity-sync/internal/model"
)

// RecordStore persists the fetched domain records. All writes are
// upserts keyed on each record's natural identifier, so re-fetching a day is
// idempotent.
type RecordStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecordStore creates a RecordStore backed by the given pool.
func NewRecordStore(pool *pgxpool.Pool, logger *slog.Logger) *RecordStore {
	return &RecordStore{pool: pool, logger: logger}
}

// SavePullRequest upserts a pull request by (organization, repository, number).
func (s *RecordStore) SavePullRequest(ctx context.Context, pr *model.PullRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pull_requests (
			organization, repository, number, github_id, title, state, author, url,
			additions, deletions, changed_files, created_at, updated_at, merged_at, closed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (organization, repository, number)
		DO UPDATE SET
			title = EXCLUDED.title, state = EXCLUDED.state, author = EXCLUDED.author,
			url = EXCLUDED.url, additions = EXCLUDED.additions, deletions = EXCLUDED.deletions,
			changed_files = EXCLUDED.changed_files, updated_at = EXCLUDED.updated_at,
			merged_at = EXCLUDED.merged_at, closed_at = EXCLUDED.closed_at`,
		pr.Organization, pr.Repository, pr.Number, pr.GithubID, pr.Title, pr.State, pr.Author, pr.URL,
		pr.Additions, pr.Deletions, pr.ChangedFiles, pr.CreatedAt, pr.UpdatedAt, toNullTime(pr.MergedAt), toNullTime(pr.ClosedAt))
	if err != nil {
		return &gherr.StorageError{Op: "save pull request", Err: err}
	}
	return nil
}

// SaveReviews upserts the reviews of a pull request in one transaction.
func (s *RecordStore) SaveReviews(ctx context.Context, reviews []model.Review) error {
	if len(reviews) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range reviews {
		batch.Queue(`
			INSERT INTO reviews (github_id, organization, repository, pr_number, author, state, body, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (github_id)
			DO UPDATE SET state = EXCLUDED.state, body = EXCLUDED.body, submitted_at = EXCLUDED.submitted_at`,
			r.GithubID, r.Organization, r.Repository, r.PRNumber, r.Author, r.State, r.Body, r.SubmittedAt)
	}
	return s.sendBatch(ctx, "save reviews", batch)
}

// SaveComments upserts pull request comments of either kind in one transaction.
func (s *RecordStore) SaveComments(ctx context.Context, comments []model.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range comments {
		batch.Queue(`
			INSERT INTO comments (github_id, organization, repository, pr_number, kind, author, body, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (github_id, kind)
			DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
			c.GithubID, c.Organization, c.Repository, c.PRNumber, c.Kind, c.Author, c.Body, c.CreatedAt, c.UpdatedAt)
	}
	return s.sendBatch(ctx, "save comments", batch)
}

// SaveCommits upserts commits by (organization, repository, sha) in one transaction.
func (s *RecordStore) SaveCommits(ctx context.Context, commits []model.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range commits {
		batch.Queue(`
			INSERT INTO commits (sha, organization, repository, pr_number, author_name, author_email, message, url, additions, deletions, commit_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (organization, repository, sha)
			DO UPDATE SET pr_number = GREATEST(commits.pr_number, EXCLUDED.pr_number),
				message = EXCLUDED.message, additions = EXCLUDED.additions, deletions = EXCLUDED.deletions`,
			c.SHA, c.Organization, c.Repository, c.PRNumber, c.AuthorName, c.AuthorEmail, c.Message, c.URL, c.Additions, c.Deletions, c.CommitDate)
	}
	return s.sendBatch(ctx, "save commits", batch)
}

// ListPullRequests returns the stored pull requests for a repository,
// most recently updated first.
func (s *RecordStore) ListPullRequests(ctx context.Context, org, repo string) ([]model.PullRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization, repository, number, github_id, title, state, author, url,
		       additions, deletions, changed_files, created_at, updated_at, merged_at, closed_at
		FROM pull_requests
		WHERE organization = $1 AND repository = $2
		ORDER BY updated_at DESC`,
		org, repo)
	if err != nil {
		return nil, &gherr.StorageError{Op: "query pull requests", Err: err}
	}
	defer rows.Close()

	var prs []model.PullRequest
	for rows.Next() {
		var pr model.PullRequest
		if err := rows.Scan(
			&pr.Organization, &pr.Repository, &pr.Number, &pr.GithubID, &pr.Title, &pr.State, &pr.Author, &pr.URL,
			&pr.Additions, &pr.Deletions, &pr.ChangedFiles, &pr.CreatedAt, &pr.UpdatedAt, &pr.MergedAt, &pr.ClosedAt,
		); err != nil {
			return nil, &gherr.StorageError{Op: "scan pull request", Err: err}
		}
		prs = append(prs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, &gherr.StorageError{Op: "iterate pull requests", Err: err}
	}
	return prs, nil
}

func (s *RecordStore) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &gherr.StorageError{Op: op, Err: err}
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return &gherr.StorageError{Op: op, Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &gherr.StorageError{Op: op, Err: err}
	}
	return nil
}

func toNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
