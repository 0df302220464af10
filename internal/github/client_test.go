package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-activity-sync/internal/gherr"
	"github-activity-sync/internal/model"
)

// setupTestClient creates a httptest server and a client pointing to it.
func setupTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewClient("", logger, Options{MaxRetries: 3, Backoff: time.Millisecond})

	gh := github.NewClient(server.Client())
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = baseURL
	client.gh = gh

	return client, server
}

func TestClient_Retry(t *testing.T) {
	t.Run("succeeds on first try", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			assert.Equal(t, "/repos/test/repo", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, `{"id": 1, "name": "repo", "default_branch": "main"}`)
		})
		client, _ := setupTestClient(t, handler)

		branch, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.Equal(t, "main", branch)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})

	t.Run("retries on 503 and succeeds", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requestCount, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, `{"id": 1, "name": "repo", "default_branch": "main"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "should have made two requests")
	})

	t.Run("fails after max retries on persistent server error", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		require.Error(t, err)
		assert.Equal(t, int32(client.opts.MaxRetries), atomic.LoadInt32(&requestCount))
	})

	t.Run("does not retry quota exhaustion", func(t *testing.T) {
		var requestCount int32
		resetAt := time.Now().Add(30 * time.Minute).Truncate(time.Second)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintln(w, `{"message": "API rate limit exceeded"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		require.Error(t, err)
		var quotaErr *gherr.QuotaExceededError
		require.ErrorAs(t, err, &quotaErr)
		assert.Equal(t, resetAt.Unix(), quotaErr.ResetAt.Unix())
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount), "quota errors must not be retried")
	})

	t.Run("does not retry authentication failure", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, `{"message": "Bad credentials"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		var authErr *gherr.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})

	t.Run("translates 404 to ResourceNotFoundError", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"message": "Not Found"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		var nfErr *gherr.ResourceNotFoundError
		require.ErrorAs(t, err, &nfErr)
	})
}

func TestClient_CheckQuota(t *testing.T) {
	resetAt := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"resources": {"core": {"limit": 5000, "remaining": 4321, "reset": %d}}}`, resetAt.Unix())
	})
	client, _ := setupTestClient(t, handler)

	quota, err := client.CheckQuota(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5000, quota.Limit)
	assert.Equal(t, 4321, quota.Remaining)
	assert.Equal(t, resetAt.Unix(), quota.ResetAt.Unix())
	assert.Equal(t, quota, client.Quota(), "quota should be cached on the client")
}

func TestClient_CheckQuota_TranslatesErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"message": "Bad credentials"}`)
	})
	client, _ := setupTestClient(t, handler)

	_, err := client.CheckQuota(context.Background())

	var authErr *gherr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, client.Quota().Limit, "a failed check must not populate the cache")
}

func TestClient_QuotaCacheUnderConcurrentResponses(t *testing.T) {
	// Commit detail fetches share the client across goroutines; every
	// response refreshes the cached snapshot.
	var requestCount int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requestCount, 1)
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", 5000-n))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()))
		fmt.Fprintln(w, `{"id": 1, "name": "repo", "default_branch": "main"}`)
	})
	client, _ := setupTestClient(t, handler)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetDefaultBranch(context.Background(), "test", "repo")
			assert.NoError(t, err)
			_ = client.Quota()
		}()
	}
	wg.Wait()

	q := client.Quota()
	assert.Equal(t, 5000, q.Limit)
	assert.Less(t, q.Remaining, 5000)
}

func TestClient_Throttle(t *testing.T) {
	t.Run("waits for reset when remaining is below threshold", func(t *testing.T) {
		resetAt := time.Now().Add(50 * time.Millisecond)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/rate_limit" {
				fmt.Fprintf(w, `{"resources": {"core": {"limit": 5000, "remaining": 5000, "reset": %d}}}`, time.Now().Add(time.Hour).Unix())
				return
			}
			fmt.Fprintln(w, `{"id": 1, "name": "repo", "default_branch": "main"}`)
		})
		client, _ := setupTestClient(t, handler)
		client.setQuota(model.QuotaSnapshot{Limit: 5000, Remaining: 2, ResetAt: resetAt})

		start := time.Now()
		_, err := client.GetDefaultBranch(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "client should wait for quota reset")
	})

	t.Run("throttle wait is cancellable", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client.setQuota(model.QuotaSnapshot{Limit: 5000, Remaining: 1, ResetAt: time.Now().Add(time.Hour)})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := client.GetDefaultBranch(ctx, "test", "repo")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPullRequestPager(t *testing.T) {
	t.Run("yields pages lazily and honors early stop", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			assert.Equal(t, "/repos/test/repo/pulls", r.URL.Path)
			// Advertise more pages; the consumer should never fetch them.
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/test/repo/pulls?page=2>; rel="next"`, "http://"+r.Host))
			fmt.Fprintln(w, `[{"id": 10, "number": 1, "title": "first", "state": "open", "user": {"login": "alice"}}]`)
		})
		client, _ := setupTestClient(t, handler)

		pager := client.PullRequests("test", "repo")
		prs, done, err := pager.Next(context.Background())

		require.NoError(t, err)
		assert.False(t, done)
		require.Len(t, prs, 1)
		assert.Equal(t, 1, prs[0].Number)
		assert.Equal(t, "alice", prs[0].Author)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount), "no further pages fetched until requested")
	})

	t.Run("reports done after the last page", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, `[{"id": 10, "number": 1, "title": "only", "state": "closed", "user": {"login": "bob"}}]`)
		})
		client, _ := setupTestClient(t, handler)

		pager := client.PullRequests("test", "repo")
		prs, done, err := pager.Next(context.Background())
		require.NoError(t, err)
		assert.False(t, done)
		assert.Len(t, prs, 1)

		prs, done, err = pager.Next(context.Background())
		require.NoError(t, err)
		assert.True(t, done)
		assert.Empty(t, prs)
	})
}

func TestClient_EstimateCalls(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := NewClient("", logger, Options{})

	assert.Equal(t, 1, client.EstimateCalls(0), "probing an empty repo still costs a listing call")
	assert.Equal(t, 1+callsPerRecord, client.EstimateCalls(1))
	assert.Equal(t, 2+150*callsPerRecord, client.EstimateCalls(150), "two listing pages for 150 records")
}
