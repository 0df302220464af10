// Package syncer orchestrates incremental, resumable synchronization of
// GitHub activity at day granularity: plan the missing days, batch them into
// contiguous ranges, fetch and persist the covering records, and atomically
// mark only the days that were actually completed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github-activity-sync/internal/calendar"
	"github-activity-sync/internal/gherr"
	"github-activity-sync/internal/model"
)

const (
	// Bounded concurrency for direct-commit detail fetches. Everything else
	// in a run is strictly sequential so the completion-marking contract
	// stays simple and the rate-limit budget is shared predictably.
	commitDetailConcurrency = 5

	// Heuristic used for quota estimation before fetching a repository.
	expectedRecordsPerDay = 5
)

// PullRequestPager yields pages of pull requests on demand. The consumer may
// stop calling Next at any point without fetching further pages.
type PullRequestPager interface {
	Next(ctx context.Context) (prs []model.PullRequest, done bool, err error)
}

// APIClient is the slice of the GitHub client the syncer depends on.
type APIClient interface {
	CheckQuota(ctx context.Context) (model.QuotaSnapshot, error)
	Quota() model.QuotaSnapshot
	EstimateCalls(expectedRecords int) int
	ListRepositories(ctx context.Context, org string) ([]string, error)
	GetDefaultBranch(ctx context.Context, org, repo string) (string, error)
	PullRequests(org, repo string) PullRequestPager
	GetPullRequest(ctx context.Context, org, repo string, number int) (*model.PullRequest, error)
	ListReviews(ctx context.Context, org, repo string, number int) ([]model.Review, error)
	ListIssueComments(ctx context.Context, org, repo string, number int) ([]model.Comment, error)
	ListReviewComments(ctx context.Context, org, repo string, number int) ([]model.Comment, error)
	ListPullRequestCommits(ctx context.Context, org, repo string, number int) ([]model.Commit, error)
	ListCommits(ctx context.Context, org, repo, branch string, since, until time.Time) ([]model.Commit, error)
	GetCommit(ctx context.Context, org, repo, sha string) (*model.Commit, error)
}

// LedgerStore is the slice of the sync ledger the syncer depends on.
type LedgerStore interface {
	SaveBatch(ctx context.Context, recs []model.DaySyncRecord) error
	DeleteRange(ctx context.Context, resourceType model.ResourceType, org, repo, startKey, endKey string) error
}

// RecordStore persists fetched domain records.
type RecordStore interface {
	SavePullRequest(ctx context.Context, pr *model.PullRequest) error
	SaveReviews(ctx context.Context, reviews []model.Review) error
	SaveComments(ctx context.Context, comments []model.Comment) error
	SaveCommits(ctx context.Context, commits []model.Commit) error
}

// RepoPlanner computes per-repository sync plans from ledger state.
type RepoPlanner interface {
	PlanRepo(ctx context.Context, resourceType model.ResourceType, org, repo string, window calendar.Window, force bool) (model.SyncPlan, error)
}

// Options are the parameters of a sync run.
type Options struct {
	Repo           string   // sync a single repository; empty means the whole organization
	ExcludeRepos   []string // repository names to skip
	Start          time.Time
	End            time.Time
	Force          bool // re-sync every day, purging ledger coverage first
	SkipQuotaCheck bool // bypass the per-repository quota gate
	Progress       model.ProgressFunc
}

// Syncer orchestrates the fetching and storing of activity data.
type Syncer struct {
	client  APIClient
	ledger  LedgerStore
	records RecordStore
	planner RepoPlanner
	logger  *slog.Logger
	org     string
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(client APIClient, ledger LedgerStore, records RecordStore, planner RepoPlanner, logger *slog.Logger, org string) *Syncer {
	return &Syncer{
		client:  client,
		ledger:  ledger,
		records: records,
		planner: planner,
		logger:  logger,
		org:     org,
	}
}

// errInsufficientQuota signals that the quota gate refused a repository for
// this run; the repository stays pending for the next run.
var errInsufficientQuota = errors.New("insufficient quota for repository")

// Sync runs the full synchronization for the requested window. Per-record
// failures are collected into the summary; validation and authentication
// failures return an error before any day is marked. Quota exhaustion aborts
// the remaining repository queue and is returned alongside the summary of
// work already committed.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*model.SyncSummary, error) {
	started := time.Now()

	window, err := calendar.NewWindow(opts.Start, opts.End)
	if err != nil {
		return nil, err
	}

	repos, err := s.resolveRepos(ctx, opts)
	if err != nil {
		return nil, err
	}

	summary := &model.SyncSummary{}
	var quotaErr error

	for i, repo := range repos {
		err := s.syncRepo(ctx, repo, window, opts, summary)
		switch {
		case err == nil:
			summary.RepoCount++
		case errors.Is(err, errInsufficientQuota):
			summary.ReposSkipped++
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%s: skipped, not enough quota remaining this run", repo))
		case isQuotaExceeded(err):
			remaining := len(repos) - i
			summary.ReposSkipped += remaining
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%v; aborting run with %d repositories unsynced", err, remaining))
			quotaErr = err
		default:
			summary.ReposSkipped++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", repo, err))
		}
		if quotaErr != nil {
			break
		}
	}

	summary.DurationMs = time.Since(started).Milliseconds()
	return summary, quotaErr
}

// resolveRepos determines the repository list for the run.
func (s *Syncer) resolveRepos(ctx context.Context, opts Options) ([]string, error) {
	var repos []string
	if opts.Repo != "" {
		name, err := s.normalizeRepo(opts.Repo)
		if err != nil {
			return nil, err
		}
		repos = []string{name}
	} else {
		var err error
		repos, err = s.client.ListRepositories(ctx, s.org)
		if err != nil {
			return nil, err
		}
	}

	if len(opts.ExcludeRepos) == 0 {
		return repos, nil
	}
	var filtered []string
	for _, r := range repos {
		if !slices.Contains(opts.ExcludeRepos, r) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// normalizeRepo accepts a bare repository name or 'owner/name' scoped to the
// configured organization.
func (s *Syncer) normalizeRepo(repo string) (string, error) {
	parts := strings.Split(repo, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return parts[0], nil
	case len(parts) == 2 && parts[0] == s.org && parts[1] != "":
		return parts[1], nil
	default:
		return "", &gherr.ErrInvalidRepoFormat{Repo: repo}
	}
}

// syncRepo runs the plan → batch → gate → fetch → persist → mark pipeline
// for one repository.
func (s *Syncer) syncRepo(ctx context.Context, repo string, window calendar.Window, opts Options, summary *model.SyncSummary) error {
	logger := s.logger.With("org", s.org, "repo", repo)
	logger.Info("Syncing repository")

	// Force purges ledger coverage first so both plans schedule every day.
	if opts.Force {
		startKey, endKey := calendar.DayKey(window.Start), calendar.DayKey(window.End)
		for _, rt := range []model.ResourceType{model.ResourcePullRequests, model.ResourceCommits} {
			if err := s.ledger.DeleteRange(ctx, rt, s.org, repo, startKey, endKey); err != nil {
				return err
			}
		}
	}

	// Each resource type has its own ledger coverage: a commit-phase failure
	// in an earlier run leaves commit days pending even when every
	// pull-request day is covered, so the two plans are computed
	// independently.
	prPlan, err := s.planner.PlanRepo(ctx, model.ResourcePullRequests, s.org, repo, window, opts.Force)
	if err != nil {
		return err
	}
	commitPlan, err := s.planner.PlanRepo(ctx, model.ResourceCommits, s.org, repo, window, opts.Force)
	if err != nil {
		return err
	}
	summary.DaysSkipped += len(prPlan.DaysSkipped) + len(commitPlan.DaysSkipped)

	pending := make(map[string]struct{}, len(prPlan.DaysToSync)+len(commitPlan.DaysToSync))
	for _, d := range prPlan.DaysToSync {
		pending[d] = struct{}{}
	}
	for _, d := range commitPlan.DaysToSync {
		pending[d] = struct{}{}
	}
	s.emit(opts, model.ProgressEvent{
		Phase:      model.PhasePlanning,
		Repository: repo,
		Processed:  len(prPlan.DaysSkipped) + len(commitPlan.DaysSkipped),
		Total: len(prPlan.DaysToSync) + len(prPlan.DaysSkipped) +
			len(commitPlan.DaysToSync) + len(commitPlan.DaysSkipped),
	})

	if len(pending) == 0 {
		logger.Info("All days already synced")
		s.emit(opts, model.ProgressEvent{Phase: model.PhaseRepoDone, Repository: repo, Message: "all days synced"})
		return nil
	}

	// Quota gate over the union of pending days.
	if !opts.SkipQuotaCheck {
		quota, err := s.client.CheckQuota(ctx)
		if err != nil {
			return err
		}
		needed := s.client.EstimateCalls(len(pending) * expectedRecordsPerDay)
		s.emit(opts, model.ProgressEvent{Phase: model.PhaseQuotaCheck, Repository: repo, Total: needed, Quota: &quota})
		if quota.Remaining < needed {
			logger.Warn("Skipping repository, quota too low for estimated cost",
				"remaining", quota.Remaining, "estimated", needed)
			s.emit(opts, model.ProgressEvent{Phase: model.PhaseRepoSkipped, Repository: repo, Message: "insufficient quota"})
			return errInsufficientQuota
		}
	}

	// Pull-request pass over its own pending days: batch contiguous days
	// (the earliest batch start bounds the descending-sorted listing), fetch
	// candidates, then per-record detail fetch and persist with attribution
	// of confirmed days. Per-record failures are contained; quota exhaustion
	// aborts.
	confirmed := make(map[string]int) // day-key -> items processed
	var repoErrs []string
	var candidateCount int
	if len(prPlan.DaysToSync) > 0 {
		prBatches, err := calendar.BatchContiguous(prPlan.DaysToSync)
		if err != nil {
			return err
		}

		candidates, err := s.fetchCandidates(ctx, repo, window, prBatches[0].Start, opts, summary)
		if err != nil {
			return err
		}
		candidateCount = len(candidates)

		daysToSync := make(map[string]struct{}, len(prPlan.DaysToSync))
		for _, d := range prPlan.DaysToSync {
			daysToSync[d] = struct{}{}
		}

		for i, candidate := range candidates {
			if err := s.processPullRequest(ctx, repo, candidate.Number, daysToSync, confirmed, summary); err != nil {
				if isQuotaExceeded(err) {
					return err
				}
				logger.Error("Failed to process pull request", "number", candidate.Number, "error", err)
				repoErrs = append(repoErrs, fmt.Sprintf("%s#%d: %v", repo, candidate.Number, err))
				continue
			}
			s.emit(opts, model.ProgressEvent{
				Phase:      model.PhaseProcessing,
				Repository: repo,
				Processed:  i + 1,
				Total:      len(candidates),
			})
		}
	}

	// Direct commits to the default branch over the commit ledger's pending
	// days, independently contained. Quota exhaustion here still aborts
	// without marking any in-flight day.
	commitConfirmed := make(map[string]int)
	var commitErrs []string
	if len(commitPlan.DaysToSync) > 0 {
		commitBatches, err := calendar.BatchContiguous(commitPlan.DaysToSync)
		if err != nil {
			return err
		}
		commitErrs, err = s.syncDirectCommits(ctx, repo, commitBatches, opts, summary, commitConfirmed)
		if err != nil {
			return err
		}
	}

	// Atomic completion marking, per resource type. A clean pass marks every
	// planned day, zero-activity days included; an errored pass marks only
	// days with confirmed processed data.
	s.emit(opts, model.ProgressEvent{Phase: model.PhaseMarkingDays, Repository: repo})
	if err := s.markDays(ctx, repo, model.ResourcePullRequests, prPlan.DaysToSync, confirmed, len(repoErrs) == 0, summary); err != nil {
		return err
	}
	if err := s.markDays(ctx, repo, model.ResourceCommits, commitPlan.DaysToSync, commitConfirmed, len(commitErrs) == 0, summary); err != nil {
		return err
	}

	summary.Errors = append(summary.Errors, repoErrs...)
	summary.Errors = append(summary.Errors, commitErrs...)

	quota := s.client.Quota()
	s.emit(opts, model.ProgressEvent{Phase: model.PhaseRepoDone, Repository: repo, Processed: candidateCount, Total: candidateCount, Quota: &quota})
	logger.Info("Repository sync finished",
		"candidates", candidateCount, "errors", len(repoErrs)+len(commitErrs))
	return nil
}

// fetchCandidates consumes listing pages (sorted by last update descending)
// until results fall before the fetch-window start, then filters to pull
// requests with activity inside the requested window and de-duplicates by
// number.
func (s *Syncer) fetchCandidates(ctx context.Context, repo string, window calendar.Window, fetchStart time.Time, opts Options, summary *model.SyncSummary) ([]model.PullRequest, error) {
	s.emit(opts, model.ProgressEvent{Phase: model.PhaseFetching, Repository: repo})

	pager := s.client.PullRequests(s.org, repo)
	seen := make(map[int]struct{})
	var candidates []model.PullRequest

	for {
		page, done, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}

		pastWindow := false
		for _, pr := range page {
			if pr.UpdatedAt.Before(fetchStart) {
				// Listing is sorted by updated desc; everything after this
				// point predates the fetch window.
				pastWindow = true
				break
			}
			if _, dup := seen[pr.Number]; dup {
				continue
			}
			seen[pr.Number] = struct{}{}

			if s.inWindow(&pr, window) {
				candidates = append(candidates, pr)
			} else {
				summary.PRsSkipped++
			}
		}
		if pastWindow {
			break
		}
	}
	return candidates, nil
}

// inWindow reports whether any of the pull request's activity timestamps
// fall inside the requested window.
func (s *Syncer) inWindow(pr *model.PullRequest, window calendar.Window) bool {
	for _, t := range pr.ActivityTimes() {
		if window.Contains(t) {
			return true
		}
	}
	return false
}

// processPullRequest fetches full detail and sub-resources for one pull
// request, persists everything, and attributes its activity days.
func (s *Syncer) processPullRequest(ctx context.Context, repo string, number int, daysToSync map[string]struct{}, confirmed map[string]int, summary *model.SyncSummary) error {
	// Listing payloads omit additions/deletions/changed files.
	pr, err := s.client.GetPullRequest(ctx, s.org, repo, number)
	if err != nil {
		return err
	}
	if err := s.records.SavePullRequest(ctx, pr); err != nil {
		return err
	}

	reviews, err := s.client.ListReviews(ctx, s.org, repo, number)
	if err != nil {
		return err
	}
	if err := s.records.SaveReviews(ctx, reviews); err != nil {
		return err
	}

	issueComments, err := s.client.ListIssueComments(ctx, s.org, repo, number)
	if err != nil {
		return err
	}
	reviewComments, err := s.client.ListReviewComments(ctx, s.org, repo, number)
	if err != nil {
		return err
	}
	comments := append(issueComments, reviewComments...)
	if err := s.records.SaveComments(ctx, comments); err != nil {
		return err
	}

	commits, err := s.client.ListPullRequestCommits(ctx, s.org, repo, number)
	if err != nil {
		return err
	}
	if err := s.records.SaveCommits(ctx, commits); err != nil {
		return err
	}

	summary.PRsFetched++
	summary.ReviewsFetched += len(reviews)
	summary.CommentsFetched += len(comments)
	summary.CommitsFetched += len(commits)

	// The record is fully persisted; its activity days now count as
	// confirmed evidence for completion marking.
	for _, t := range pr.ActivityTimes() {
		day := calendar.DayKey(t)
		if _, planned := daysToSync[day]; planned {
			confirmed[day]++
		}
	}
	return nil
}

// syncDirectCommits fetches and persists default-branch commits for each day
// batch. Detail fetches are issued concurrently up to a small fixed limit;
// each result is independent and keyed by its own SHA, so this does not
// affect the completion-marking contract. Failures are contained and
// reported in the returned list, never aborting the repository pass; only
// quota exhaustion is returned as an error.
func (s *Syncer) syncDirectCommits(ctx context.Context, repo string, batches []calendar.Batch, opts Options, summary *model.SyncSummary, confirmed map[string]int) ([]string, error) {
	logger := s.logger.With("org", s.org, "repo", repo)

	branch, err := s.client.GetDefaultBranch(ctx, s.org, repo)
	if err != nil {
		if isQuotaExceeded(err) {
			return nil, err
		}
		return []string{fmt.Sprintf("%s: resolve default branch: %v", repo, err)}, nil
	}

	var errs []string
	for _, batch := range batches {
		listed, err := s.client.ListCommits(ctx, s.org, repo, branch, batch.Start, batch.End)
		if err != nil {
			if isQuotaExceeded(err) {
				return errs, err
			}
			errs = append(errs, fmt.Sprintf("%s: list commits %s..%s: %v",
				repo, calendar.DayKey(batch.Start), calendar.DayKey(batch.End), err))
			continue
		}
		if len(listed) == 0 {
			continue
		}
		s.emit(opts, model.ProgressEvent{Phase: model.PhaseCommits, Repository: repo, Total: len(listed)})

		detailed := make([]model.Commit, len(listed))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(commitDetailConcurrency)
		for i, c := range listed {
			g.Go(func() error {
				full, err := s.client.GetCommit(gctx, s.org, repo, c.SHA)
				if err != nil {
					return fmt.Errorf("commit %s: %w", c.SHA, err)
				}
				detailed[i] = *full
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if isQuotaExceeded(err) {
				return errs, err
			}
			errs = append(errs, fmt.Sprintf("%s: %v", repo, err))
			continue
		}

		if err := s.records.SaveCommits(ctx, detailed); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", repo, err))
			continue
		}

		summary.CommitsFetched += len(detailed)
		for _, c := range detailed {
			confirmed[calendar.DayKey(c.CommitDate)]++
		}
		logger.Debug("Persisted direct commits",
			"batch_start", calendar.DayKey(batch.Start), "count", len(detailed))
	}
	return errs, nil
}

// markDays writes the completion records for a repository pass. With no
// errors in the pass, every planned day is marked (zero-activity days
// included); otherwise only days with confirmed processed data are marked,
// so interrupted work stays pending for the next run.
func (s *Syncer) markDays(ctx context.Context, repo string, resourceType model.ResourceType, daysToSync []string, confirmed map[string]int, cleanPass bool, summary *model.SyncSummary) error {
	now := time.Now().UTC()
	var recs []model.DaySyncRecord
	for _, day := range daysToSync {
		items, hasData := confirmed[day]
		if !cleanPass && !hasData {
			continue
		}
		recs = append(recs, model.DaySyncRecord{
			ResourceType: resourceType,
			Organization: s.org,
			Repository:   repo,
			SyncDate:     day,
			SyncedAt:     now,
			ItemsSynced:  items,
		})
	}
	if len(recs) == 0 {
		return nil
	}

	if err := s.ledger.SaveBatch(ctx, recs); err != nil {
		return err
	}
	summary.DaysSynced += len(recs)
	return nil
}

func (s *Syncer) emit(opts Options, ev model.ProgressEvent) {
	if opts.Progress != nil {
		opts.Progress(ev)
	}
}

func isQuotaExceeded(err error) bool {
	var q *gherr.QuotaExceededError
	return errors.As(err, &q)
}
