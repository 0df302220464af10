// Package github wraps the go-github client with quota tracking, pre-flight
// throttling, retry with exponential backoff, and typed error translation.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github-activity-sync/internal/gherr"
	"github-activity-sync/internal/model"
)

const (
	perPage = 100 // Max page size the API allows

	// Calls consumed per pull request beyond the listing itself:
	// detail + reviews + issue comments + review comments + PR commits.
	callsPerRecord = 5
)

// Options tunes retry and throttling behavior.
type Options struct {
	MaxRetries     int
	Backoff        time.Duration
	QuotaThreshold int
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.QuotaThreshold <= 0 {
		o.QuotaThreshold = 10
	}
	return o
}

// Client is a rate-limit-aware wrapper around the go-github client. The
// quota cache is an explicit field refreshed by CheckQuota and by response
// headers; commit detail fetches go through the shared client concurrently,
// so access is mutex-guarded.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
	opts   Options

	quotaMu sync.Mutex
	quota   model.QuotaSnapshot
}

// NewClient creates a Client authenticated with the given bearer token.
func NewClient(token string, logger *slog.Logger, opts Options) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// Quota returns the cached quota snapshot from the most recent check or
// response. Zero value until the first call.
func (c *Client) Quota() model.QuotaSnapshot {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	return c.quota
}

func (c *Client) setQuota(q model.QuotaSnapshot) {
	c.quotaMu.Lock()
	c.quota = q
	c.quotaMu.Unlock()
}

// CheckQuota fetches the current rate-limit state from the dedicated
// endpoint and refreshes the cache.
func (c *Client) CheckQuota(ctx context.Context) (model.QuotaSnapshot, error) {
	limits, resp, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		translated, _ := c.translate("rate limit", err)
		return model.QuotaSnapshot{}, translated
	}
	c.observeResponse(resp)

	core := limits.GetCore()
	q := model.QuotaSnapshot{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   core.Reset.Time,
	}
	c.setQuota(q)
	return q, nil
}

// EstimateCalls computes the total API calls needed to fully process the
// expected number of records: listing pages plus a fixed per-record cost for
// detail and sub-resource fetches.
func (c *Client) EstimateCalls(expectedRecords int) int {
	if expectedRecords <= 0 {
		return 1
	}
	listingPages := (expectedRecords + perPage - 1) / perPage
	return listingPages + expectedRecords*callsPerRecord
}

// ListRepositories returns the names of all repositories in the organization.
func (c *Client) ListRepositories(ctx context.Context, org string) ([]string, error) {
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var names []string
	for {
		var (
			repos []*github.Repository
			resp  *github.Response
		)
		err := c.withRetry(ctx, fmt.Sprintf("list repositories for %s", org), func() (*github.Response, error) {
			var err error
			repos, resp, err = c.gh.Repositories.ListByOrg(ctx, org, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range repos {
			names = append(names, r.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// GetDefaultBranch returns the repository's default branch name.
func (c *Client) GetDefaultBranch(ctx context.Context, org, repo string) (string, error) {
	var branch string
	err := c.withRetry(ctx, fmt.Sprintf("get repository %s/%s", org, repo), func() (*github.Response, error) {
		r, resp, err := c.gh.Repositories.Get(ctx, org, repo)
		if err == nil {
			branch = r.GetDefaultBranch()
		}
		return resp, err
	})
	return branch, err
}

// PullRequests returns a lazy pager over the repository's pull requests,
// sorted by last update descending. The consumer may stop calling Next at
// any point without fetching remaining pages.
func (c *Client) PullRequests(org, repo string) *PullRequestPager {
	return &PullRequestPager{
		client: c,
		org:    org,
		repo:   repo,
		opts: &github.PullRequestListOptions{
			State:       "all",
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: github.ListOptions{PerPage: perPage},
		},
	}
}

// PullRequestPager yields pages of pull requests on demand.
type PullRequestPager struct {
	client *Client
	org    string
	repo   string
	opts   *github.PullRequestListOptions
	done   bool
}

// Next fetches the next page. done is true once no pages remain; the
// returned slice is empty in that case.
func (p *PullRequestPager) Next(ctx context.Context) (prs []model.PullRequest, done bool, err error) {
	if p.done {
		return nil, true, nil
	}

	var (
		raw  []*github.PullRequest
		resp *github.Response
	)
	err = p.client.withRetry(ctx, fmt.Sprintf("list pull requests for %s/%s", p.org, p.repo), func() (*github.Response, error) {
		var err error
		raw, resp, err = p.client.gh.PullRequests.List(ctx, p.org, p.repo, p.opts)
		return resp, err
	})
	if err != nil {
		return nil, false, err
	}

	for _, pr := range raw {
		prs = append(prs, toInternalPullRequest(p.org, p.repo, pr))
	}

	if resp.NextPage == 0 {
		p.done = true
	} else {
		p.opts.Page = resp.NextPage
	}
	return prs, false, nil
}

// GetPullRequest fetches full detail for a single pull request. Listing
// endpoints omit additions/deletions/changed files, so the detail call is
// required before persisting.
func (c *Client) GetPullRequest(ctx context.Context, org, repo string, number int) (*model.PullRequest, error) {
	var pr *github.PullRequest
	err := c.withRetry(ctx, fmt.Sprintf("get pull request %s/%s#%d", org, repo, number), func() (*github.Response, error) {
		var err error
		var resp *github.Response
		pr, resp, err = c.gh.PullRequests.Get(ctx, org, repo, number)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := toInternalPullRequest(org, repo, pr)
	return &out, nil
}

// ListReviews fetches all reviews for a pull request.
func (c *Client) ListReviews(ctx context.Context, org, repo string, number int) ([]model.Review, error) {
	opts := &github.ListOptions{PerPage: perPage}
	var reviews []model.Review
	for {
		var (
			raw  []*github.PullRequestReview
			resp *github.Response
		)
		err := c.withRetry(ctx, fmt.Sprintf("list reviews for %s/%s#%d", org, repo, number), func() (*github.Response, error) {
			var err error
			raw, resp, err = c.gh.PullRequests.ListReviews(ctx, org, repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, r := range raw {
			reviews = append(reviews, model.Review{
				GithubID:     r.GetID(),
				Organization: org,
				Repository:   repo,
				PRNumber:     number,
				Author:       r.GetUser().GetLogin(),
				State:        r.GetState(),
				Body:         r.GetBody(),
				SubmittedAt:  r.GetSubmittedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return reviews, nil
}

// ListIssueComments fetches the conversation comments on a pull request.
func (c *Client) ListIssueComments(ctx context.Context, org, repo string, number int) ([]model.Comment, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	var comments []model.Comment
	for {
		var (
			raw  []*github.IssueComment
			resp *github.Response
		)
		err := c.withRetry(ctx, fmt.Sprintf("list issue comments for %s/%s#%d", org, repo, number), func() (*github.Response, error) {
			var err error
			raw, resp, err = c.gh.Issues.ListComments(ctx, org, repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, cm := range raw {
			comments = append(comments, model.Comment{
				GithubID:     cm.GetID(),
				Organization: org,
				Repository:   repo,
				PRNumber:     number,
				Kind:         model.CommentKindIssue,
				Author:       cm.GetUser().GetLogin(),
				Body:         cm.GetBody(),
				CreatedAt:    cm.GetCreatedAt().Time,
				UpdatedAt:    cm.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// ListReviewComments fetches the inline review comments on a pull request.
func (c *Client) ListReviewComments(ctx context.Context, org, repo string, number int) ([]model.Comment, error) {
	opts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: perPage}}
	var comments []model.Comment
	for {
		var (
			raw  []*github.PullRequestComment
			resp *github.Response
		)
		err := c.withRetry(ctx, fmt.Sprintf("list review comments for %s/%s#%d", org, repo, number), func() (*github.Response, error) {
			var err error
			raw, resp, err = c.gh.PullRequests.ListComments(ctx, org, repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, cm := range raw {
			comments = append(comments, model.Comment{
				GithubID:     cm.GetID(),
				Organization: org,
				Repository:   repo,
				PRNumber:     number,
				Kind:         model.CommentKindReview,
				Author:       cm.GetUser().GetLogin(),
				Body:         cm.GetBody(),
				CreatedAt:    cm.GetCreatedAt().Time,
				UpdatedAt:    cm.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}

// ListPullRequestCommits fetches the commits on a pull request branch.
func (c *Client) ListPullRequestCommits(ctx context.Context, org, repo string, number int) ([]model.Commit, error) {
	opts := &github.ListOptions{PerPage: perPage}
	var commits []model.Commit
	for {
		var (
			raw  []*github.RepositoryCommit
			resp *github.Response
		)
		err := c.withRetry(ctx, fmt.Sprintf("list commits for %s/%s#%d", org, repo, number), func() (*github.Response, error) {
			var err error
			raw, resp, err = c.gh.PullRequests.ListCommits(ctx, org, repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, rc := range raw {
			commits = append(commits, toInternalCommit(org, repo, number, rc))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, nil
}

// ListCommits fetches commits on the given branch within [since, until].
func (c *Client) ListCommits(ctx context.Context, org, repo, branch string, since, until time.Time) ([]model.Commit, error) {
	opts := &github.CommitsListOptions{
		SHA:         branch,
		Since:       since,
		Until:       until,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var commits []model.Commit
	for {
		var (
			raw  []*github.RepositoryCommit
			resp *github.Response
		)
		err := c.withRetry(ctx, fmt.Sprintf("list commits for %s/%s", org, repo), func() (*github.Response, error) {
			var err error
			raw, resp, err = c.gh.Repositories.ListCommits(ctx, org, repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}

		for _, rc := range raw {
			commits = append(commits, toInternalCommit(org, repo, 0, rc))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, nil
}

// GetCommit fetches full detail for a single commit, including the additions
// and deletions the listing endpoint omits.
func (c *Client) GetCommit(ctx context.Context, org, repo, sha string) (*model.Commit, error) {
	var rc *github.RepositoryCommit
	err := c.withRetry(ctx, fmt.Sprintf("get commit %s/%s@%s", org, repo, sha), func() (*github.Response, error) {
		var err error
		var resp *github.Response
		rc, resp, err = c.gh.Repositories.GetCommit(ctx, org, repo, sha, nil)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := toInternalCommit(org, repo, 0, rc)
	out.Additions = rc.GetStats().GetAdditions()
	out.Deletions = rc.GetStats().GetDeletions()
	return &out, nil
}

// withRetry runs the call with pre-flight throttling and the retry policy:
// transient failures retried with exponential backoff, quota exhaustion and
// auth failures translated to typed errors and never retried.
func (c *Client) withRetry(ctx context.Context, op string, call func() (*github.Response, error)) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.opts.Backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("Retrying after transient failure", "op", op, "attempt", attempt, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := call()
		c.observeResponse(resp)
		if err == nil {
			return nil
		}

		translated, retryable := c.translate(op, err)
		if !retryable {
			return translated
		}
		lastErr = translated
	}
	return lastErr
}

// throttle suspends until quota reset when the cached remaining budget has
// dropped below the safety threshold, then re-checks.
func (c *Client) throttle(ctx context.Context) error {
	q := c.Quota()
	if q.Limit == 0 || q.Remaining >= c.opts.QuotaThreshold {
		return nil
	}
	wait := time.Until(q.ResetAt)
	if wait <= 0 {
		return nil
	}

	c.logger.Warn("Quota nearly exhausted, waiting for reset",
		"remaining", q.Remaining, "reset_at", q.ResetAt.UTC().Format(time.RFC3339), "wait", wait.String())
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := c.CheckQuota(ctx)
	return err
}

// observeResponse refreshes the quota cache from response headers.
func (c *Client) observeResponse(resp *github.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	c.setQuota(model.QuotaSnapshot{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		ResetAt:   resp.Rate.Reset.Time,
	})
}

// translate maps a go-github error to the typed taxonomy and reports
// whether the failure is transient.
func (c *Client) translate(op string, err error) (error, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &gherr.QuotaExceededError{ResetAt: rateErr.Rate.Reset.Time}, false
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		reset := time.Now()
		if abuseErr.RetryAfter != nil {
			reset = reset.Add(*abuseErr.RetryAfter)
		}
		return &gherr.QuotaExceededError{ResetAt: reset}, false
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == 401:
			return &gherr.AuthenticationError{Err: err}, false
		case code == 404:
			return &gherr.ResourceNotFoundError{Resource: op, Err: err}, false
		case code >= 500:
			return err, true
		default:
			return err, false
		}
	}

	// Transport-level failure; worth retrying.
	return err, true
}

func toInternalPullRequest(org, repo string, pr *github.PullRequest) model.PullRequest {
	out := model.PullRequest{
		Organization: org,
		Repository:   repo,
		Number:       pr.GetNumber(),
		GithubID:     pr.GetID(),
		Title:        pr.GetTitle(),
		State:        pr.GetState(),
		Author:       pr.GetUser().GetLogin(),
		URL:          pr.GetHTMLURL(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
		ChangedFiles: pr.GetChangedFiles(),
		CreatedAt:    pr.GetCreatedAt().Time,
		UpdatedAt:    pr.GetUpdatedAt().Time,
	}
	if pr.MergedAt != nil {
		t := pr.GetMergedAt().Time
		out.MergedAt = &t
	}
	if pr.ClosedAt != nil {
		t := pr.GetClosedAt().Time
		out.ClosedAt = &t
	}
	return out
}

func toInternalCommit(org, repo string, prNumber int, rc *github.RepositoryCommit) model.Commit {
	return model.Commit{
		SHA:          rc.GetSHA(),
		Organization: org,
		Repository:   repo,
		PRNumber:     prNumber,
		AuthorName:   rc.GetCommit().GetAuthor().GetName(),
		AuthorEmail:  rc.GetCommit().GetAuthor().GetEmail(),
		Message:      rc.GetCommit().GetMessage(),
		URL:          rc.GetHTMLURL(),
		CommitDate:   rc.GetCommit().GetAuthor().GetDate().Time,
	}
}
