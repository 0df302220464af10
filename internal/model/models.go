// Package model holds the domain records and sync bookkeeping types.
package model

import "time"

// ResourceType identifies which kind of activity a ledger entry tracks.
type ResourceType string

const (
	ResourcePullRequests ResourceType = "pull_requests"
	ResourceCommits      ResourceType = "commits"
)

// DaySyncRecord is the unit of completion tracking: its existence for a
// (resource type, organization, repository, day) key means the upstream
// source was queried broadly enough to observe every record whose
// last-modified timestamp falls on that day.
type DaySyncRecord struct {
	ResourceType ResourceType
	Organization string
	Repository   string
	SyncDate     string // canonical YYYY-MM-DD day-key
	SyncedAt     time.Time
	ItemsSynced  int
}

// PullRequest represents a pull request fetched from GitHub.
type PullRequest struct {
	Organization string
	Repository   string
	Number       int
	GithubID     int64
	Title        string
	State        string
	Author       string
	URL          string
	Additions    int
	Deletions    int
	ChangedFiles int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MergedAt     *time.Time
	ClosedAt     *time.Time
}

// ActivityTimes returns the timestamps that attribute this pull request to
// calendar days: creation, merge, and close.
func (pr *PullRequest) ActivityTimes() []time.Time {
	times := []time.Time{pr.CreatedAt}
	if pr.MergedAt != nil {
		times = append(times, *pr.MergedAt)
	}
	if pr.ClosedAt != nil {
		times = append(times, *pr.ClosedAt)
	}
	return times
}

// Review is a pull request review.
type Review struct {
	GithubID     int64
	Organization string
	Repository   string
	PRNumber     int
	Author       string
	State        string
	Body         string
	SubmittedAt  time.Time
}

// CommentKind distinguishes conversation comments from inline review comments.
type CommentKind string

const (
	CommentKindIssue  CommentKind = "issue"
	CommentKindReview CommentKind = "review"
)

// Comment is a pull request comment of either kind.
type Comment struct {
	GithubID     int64
	Organization string
	Repository   string
	PRNumber     int
	Kind         CommentKind
	Author       string
	Body         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Commit represents a commit, either on a pull request branch or pushed
// directly to the default branch.
type Commit struct {
	SHA          string
	Organization string
	Repository   string
	PRNumber     int // 0 for direct commits
	AuthorName   string
	AuthorEmail  string
	Message      string
	URL          string
	Additions    int
	Deletions    int
	CommitDate   time.Time
}

// SyncPlan partitions a repository's requested window into days needing a
// fetch and days already covered by the ledger.
type SyncPlan struct {
	Organization string
	Repository   string
	DaysToSync   []string
	DaysSkipped  []string
}

// PlanSet aggregates per-repository plans for reporting.
type PlanSet struct {
	Plans            []SyncPlan
	TotalDaysToSync  int
	TotalDaysSkipped int
}

// SyncSummary reports the outcome of a sync run. Per-record failures are
// collected into Errors rather than aborting the run.
type SyncSummary struct {
	RepoCount       int      `json:"repo_count"`
	ReposSkipped    int      `json:"repos_skipped"`
	PRsFetched      int      `json:"prs_fetched"`
	PRsSkipped      int      `json:"prs_skipped"`
	ReviewsFetched  int      `json:"reviews_fetched"`
	CommentsFetched int      `json:"comments_fetched"`
	CommitsFetched  int      `json:"commits_fetched"`
	DaysSynced      int      `json:"days_synced"`
	DaysSkipped     int      `json:"days_skipped"`
	DurationMs      int64    `json:"duration_ms"`
	Errors          []string `json:"errors"`
}

// QuotaSnapshot is the client's view of the upstream rate-limit budget.
type QuotaSnapshot struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SyncPhase labels the stage a progress event was emitted from.
type SyncPhase string

const (
	PhasePlanning    SyncPhase = "planning"
	PhaseQuotaCheck  SyncPhase = "quota_check"
	PhaseFetching    SyncPhase = "fetching"
	PhaseProcessing  SyncPhase = "processing"
	PhaseCommits     SyncPhase = "commits"
	PhaseMarkingDays SyncPhase = "marking_days"
	PhaseRepoDone    SyncPhase = "repo_done"
	PhaseRepoSkipped SyncPhase = "repo_skipped"
)

// ProgressEvent is the structured progress contract consumed by the CLI and
// web layers. Fields not relevant to a phase are left zero.
type ProgressEvent struct {
	Phase      SyncPhase      `json:"phase"`
	Repository string         `json:"repository,omitempty"`
	Processed  int            `json:"processed,omitempty"`
	Total      int            `json:"total,omitempty"`
	Message    string         `json:"message,omitempty"`
	Quota      *QuotaSnapshot `json:"quota,omitempty"`
}

// ProgressFunc receives progress events. Implementations must not block;
// the syncer treats the callback as fire-and-forget.
type ProgressFunc func(ProgressEvent)
