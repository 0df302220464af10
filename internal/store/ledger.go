// Package store provides the Postgres persistence layer: the day-level sync
// ledger and the domain record stores.
package store

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-activity-sync/internal/gherr"
	"github-activity-sync/internal/model"
)

// Ledger persists day-completion records. One row per
// (resource type, organization, repository, day), unique on that tuple.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLedger creates a Ledger backed by the given pool.
func NewLedger(pool *pgxpool.Pool, logger *slog.Logger) *Ledger {
	return &Ledger{pool: pool, logger: logger}
}

const upsertDaySQL = `
INSERT INTO day_sync_records (resource_type, organization, repository, sync_date, synced_at, items_synced)
VALUES ($1, $2, $3, $4::date, $5, $6)
ON CONFLICT (resource_type, organization, repository, sync_date)
DO UPDATE SET synced_at = EXCLUDED.synced_at, items_synced = EXCLUDED.items_synced`

// Save upserts a single completion record by its natural key.
func (l *Ledger) Save(ctx context.Context, rec model.DaySyncRecord) error {
	_, err := l.pool.Exec(ctx, upsertDaySQL,
		rec.ResourceType, rec.Organization, rec.Repository, rec.SyncDate, rec.SyncedAt, rec.ItemsSynced)
	if err != nil {
		return &gherr.StorageError{Op: "save day record", Err: err}
	}
	return nil
}

// SaveBatch upserts all records inside a single transaction; a mid-batch
// failure leaves no partial completion state.
func (l *Ledger) SaveBatch(ctx context.Context, recs []model.DaySyncRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &gherr.StorageError{Op: "begin day batch", Err: err}
	}
	defer tx.Rollback(ctx) // Rollback is a no-op once the transaction is committed.

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(upsertDaySQL,
			rec.ResourceType, rec.Organization, rec.Repository, rec.SyncDate, rec.SyncedAt, rec.ItemsSynced)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return &gherr.StorageError{Op: "save day batch", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &gherr.StorageError{Op: "commit day batch", Err: err}
	}
	return nil
}

// GetSyncedDays returns the day-keys with a completion record in the
// inclusive [startKey, endKey] range, ascending.
func (l *Ledger) GetSyncedDays(ctx context.Context, resourceType model.ResourceType, org, repo, startKey, endKey string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT to_char(sync_date, 'YYYY-MM-DD')
		FROM day_sync_records
		WHERE resource_type = $1 AND organization = $2 AND repository = $3
		  AND sync_date BETWEEN $4::date AND $5::date
		ORDER BY sync_date`,
		resourceType, org, repo, startKey, endKey)
	if err != nil {
		return nil, &gherr.StorageError{Op: "query synced days", Err: err}
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, &gherr.StorageError{Op: "scan synced day", Err: err}
		}
		days = append(days, day)
	}
	if err := rows.Err(); err != nil {
		return nil, &gherr.StorageError{Op: "iterate synced days", Err: err}
	}
	return days, nil
}

// DeleteRange purges completion records in the inclusive range. Used only by
// the force-resync path.
func (l *Ledger) DeleteRange(ctx context.Context, resourceType model.ResourceType, org, repo, startKey, endKey string) error {
	tag, err := l.pool.Exec(ctx, `
		DELETE FROM day_sync_records
		WHERE resource_type = $1 AND organization = $2 AND repository = $3
		  AND sync_date BETWEEN $4::date AND $5::date`,
		resourceType, org, repo, startKey, endKey)
	if err != nil {
		return &gherr.StorageError{Op: "delete day range", Err: err}
	}
	l.logger.Debug("Purged ledger range", "org", org, "repo", repo, "resource", resourceType, "rows", tag.RowsAffected())
	return nil
}

// DeleteByRepository purges all completion records for a repository across
// resource types.
func (l *Ledger) DeleteByRepository(ctx context.Context, org, repo string) error {
	_, err := l.pool.Exec(ctx, `
		DELETE FROM day_sync_records WHERE organization = $1 AND repository = $2`,
		org, repo)
	if err != nil {
		return &gherr.StorageError{Op: "delete repository days", Err: err}
	}
	return nil
}
