//go:build integration

package main

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-activity-sync/internal/model"
	"github-activity-sync/internal/store"
)

func setupTestDatabase(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestLedger_Integration(t *testing.T) {
	ctx := context.Background()
	pool := setupTestDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ledger := store.NewLedger(pool, logger)

	rec := func(day string, items int) model.DaySyncRecord {
		return model.DaySyncRecord{
			ResourceType: model.ResourcePullRequests,
			Organization: "acme",
			Repository:   "widgets",
			SyncDate:     day,
			SyncedAt:     time.Now().UTC(),
			ItemsSynced:  items,
		}
	}

	t.Run("accumulates disjoint windows", func(t *testing.T) {
		require.NoError(t, ledger.SaveBatch(ctx, []model.DaySyncRecord{
			rec("2025-01-01", 1), rec("2025-01-02", 2), rec("2025-01-03", 0),
		}))
		require.NoError(t, ledger.SaveBatch(ctx, []model.DaySyncRecord{
			rec("2025-01-04", 3), rec("2025-01-05", 1), rec("2025-01-06", 0), rec("2025-01-07", 4),
		}))

		days, err := ledger.GetSyncedDays(ctx, model.ResourcePullRequests, "acme", "widgets", "2025-01-01", "2025-01-07")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"2025-01-01", "2025-01-02", "2025-01-03", "2025-01-04",
			"2025-01-05", "2025-01-06", "2025-01-07",
		}, days)
	})

	t.Run("upsert by natural key is idempotent", func(t *testing.T) {
		require.NoError(t, ledger.Save(ctx, rec("2025-01-01", 9)))

		days, err := ledger.GetSyncedDays(ctx, model.ResourcePullRequests, "acme", "widgets", "2025-01-01", "2025-01-01")
		require.NoError(t, err)
		assert.Equal(t, []string{"2025-01-01"}, days, "still exactly one row for the day")
	})

	t.Run("range query respects resource type and repository", func(t *testing.T) {
		days, err := ledger.GetSyncedDays(ctx, model.ResourceCommits, "acme", "widgets", "2025-01-01", "2025-01-07")
		require.NoError(t, err)
		assert.Empty(t, days)

		days, err = ledger.GetSyncedDays(ctx, model.ResourcePullRequests, "acme", "other", "2025-01-01", "2025-01-07")
		require.NoError(t, err)
		assert.Empty(t, days)
	})

	t.Run("delete range purges only the window", func(t *testing.T) {
		require.NoError(t, ledger.DeleteRange(ctx, model.ResourcePullRequests, "acme", "widgets", "2025-01-02", "2025-01-04"))

		days, err := ledger.GetSyncedDays(ctx, model.ResourcePullRequests, "acme", "widgets", "2025-01-01", "2025-01-07")
		require.NoError(t, err)
		assert.Equal(t, []string{"2025-01-01", "2025-01-05", "2025-01-06", "2025-01-07"}, days)
	})

	t.Run("delete by repository purges everything", func(t *testing.T) {
		require.NoError(t, ledger.DeleteByRepository(ctx, "acme", "widgets"))

		days, err := ledger.GetSyncedDays(ctx, model.ResourcePullRequests, "acme", "widgets", "2025-01-01", "2025-01-07")
		require.NoError(t, err)
		assert.Empty(t, days)
	})
}

func TestRecordStore_Integration(t *testing.T) {
	ctx := context.Background()
	pool := setupTestDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	records := store.NewRecordStore(pool, logger)

	created := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	pr := &model.PullRequest{
		Organization: "acme",
		Repository:   "widgets",
		Number:       42,
		GithubID:     4242,
		Title:        "Add frobnicator",
		State:        "open",
		Author:       "alice",
		URL:          "https://example.com/42",
		CreatedAt:    created,
		UpdatedAt:    created,
	}

	t.Run("pull request save is an upsert", func(t *testing.T) {
		require.NoError(t, records.SavePullRequest(ctx, pr))

		merged := created.Add(48 * time.Hour)
		pr.State = "closed"
		pr.MergedAt = &merged
		pr.Additions = 120
		require.NoError(t, records.SavePullRequest(ctx, pr))

		stored, err := records.ListPullRequests(ctx, "acme", "widgets")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "closed", stored[0].State)
		assert.Equal(t, 120, stored[0].Additions)
		require.NotNil(t, stored[0].MergedAt)
		assert.Equal(t, merged.Unix(), stored[0].MergedAt.Unix())
	})

	t.Run("sub-resource batches are transactional upserts", func(t *testing.T) {
		reviews := []model.Review{
			{GithubID: 1, Organization: "acme", Repository: "widgets", PRNumber: 42, Author: "bob", State: "APPROVED", SubmittedAt: created},
		}
		require.NoError(t, records.SaveReviews(ctx, reviews))
		reviews[0].State = "CHANGES_REQUESTED"
		require.NoError(t, records.SaveReviews(ctx, reviews))

		comments := []model.Comment{
			{GithubID: 7, Organization: "acme", Repository: "widgets", PRNumber: 42, Kind: model.CommentKindIssue, Author: "carol", Body: "nice", CreatedAt: created, UpdatedAt: created},
			{GithubID: 7, Organization: "acme", Repository: "widgets", PRNumber: 42, Kind: model.CommentKindReview, Author: "carol", Body: "inline", CreatedAt: created, UpdatedAt: created},
		}
		require.NoError(t, records.SaveComments(ctx, comments), "same github id with different kinds must coexist")

		commits := []model.Commit{
			{SHA: "abc123", Organization: "acme", Repository: "widgets", PRNumber: 42, AuthorName: "alice", CommitDate: created},
			{SHA: "abc123", Organization: "acme", Repository: "widgets", PRNumber: 0, AuthorName: "alice", CommitDate: created},
		}
		require.NoError(t, records.SaveCommits(ctx, commits[:1]))
		require.NoError(t, records.SaveCommits(ctx, commits[1:]), "direct-commit sighting of a PR commit upserts, not duplicates")
	})
}
