// Package planner computes which days of a requested window still need a
// fetch. It is a pure function of ledger state and calendar math; it never
// touches the network.
package planner

import (
	"context"
	"log/slog"

	"github-activity-sync/internal/calendar"
	"github-activity-sync/internal/model"
)

// LedgerReader is the slice of the sync ledger the planner depends on.
type LedgerReader interface {
	GetSyncedDays(ctx context.Context, resourceType model.ResourceType, org, repo, startKey, endKey string) ([]string, error)
}

// Planner builds per-repository sync plans.
type Planner struct {
	ledger LedgerReader
	logger *slog.Logger
}

// New creates a Planner reading from the given ledger.
func New(ledger LedgerReader, logger *slog.Logger) *Planner {
	return &Planner{ledger: ledger, logger: logger}
}

// PlanRepo partitions the window's days into days needing a fetch and days
// the ledger already covers. With force set, every day is scheduled and the
// ledger is not consulted.
func (p *Planner) PlanRepo(ctx context.Context, resourceType model.ResourceType, org, repo string, window calendar.Window, force bool) (model.SyncPlan, error) {
	plan := model.SyncPlan{Organization: org, Repository: repo}
	allDays := window.Days()

	if force {
		plan.DaysToSync = allDays
		return plan, nil
	}

	synced, err := p.ledger.GetSyncedDays(ctx, resourceType, org, repo,
		calendar.DayKey(window.Start), calendar.DayKey(window.End))
	if err != nil {
		return model.SyncPlan{}, err
	}

	syncedSet := make(map[string]struct{}, len(synced))
	for _, day := range synced {
		syncedSet[day] = struct{}{}
	}

	// Single pass: partition rather than filtering the day list twice.
	for _, day := range allDays {
		if _, ok := syncedSet[day]; ok {
			plan.DaysSkipped = append(plan.DaysSkipped, day)
		} else {
			plan.DaysToSync = append(plan.DaysToSync, day)
		}
	}

	p.logger.Debug("Planned repository sync",
		"org", org, "repo", repo, "resource", resourceType,
		"days_to_sync", len(plan.DaysToSync), "days_skipped", len(plan.DaysSkipped))
	return plan, nil
}

// Plan fans PlanRepo out over the repositories and aggregates totals for
// reporting.
func (p *Planner) Plan(ctx context.Context, resourceType model.ResourceType, org string, repos []string, window calendar.Window, force bool) (model.PlanSet, error) {
	var set model.PlanSet
	for _, repo := range repos {
		plan, err := p.PlanRepo(ctx, resourceType, org, repo, window, force)
		if err != nil {
			return model.PlanSet{}, err
		}
		set.Plans = append(set.Plans, plan)
		set.TotalDaysToSync += len(plan.DaysToSync)
		set.TotalDaysSkipped += len(plan.DaysSkipped)
	}
	return set, nil
}
