package catalog

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/playscope/pkg/retry"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return New(Config{
		BaseURL:       srv.URL,
		RatePerSecond: 1000,
		PageSize:      2,
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
		BreakerFailures: 3,
		BreakerTimeout:  time.Hour,
	})
}

func TestListPagePagination(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/games/list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		switch r.URL.Query().Get("cursor") {
		case "":
			io.WriteString(w, `{"nextPageCursor":"p2","data":[{"universeId":1},{"universeId":2}]}`)
		case "p2":
			io.WriteString(w, `{"nextPageCursor":"","data":[{"universeId":3}]}`)
		default:
			http.Error(w, "bad cursor", http.StatusBadRequest)
		}
	})
	c := newTestClient(t, mux)

	first, err := c.ListPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, first.IDs)
	assert.Equal(t, "p2", first.NextCursor)

	second, err := c.ListPage(context.Background(), first.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, second.IDs)
	assert.Empty(t, second.NextCursor)
}

func TestRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"data":[{"universeId":9}]}`)
	}))

	page, err := c.ListPage(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, page.IDs)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))

	_, err := c.ListPage(context.Background(), "")
	var statusErr *retry.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.ListPage(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())
	assert.Equal(t, int32(3), calls.Load(), "the fourth attempt is rejected by the open breaker")

	_, err = c.ListPage(context.Background(), "")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetailsMergesVotes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/games", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1,2", r.URL.Query().Get("universeIds"))
		io.WriteString(w, `{"data":[
			{"id":1,"rootPlaceId":11,"name":"Obby","description":"jump","creator":{"name":"alice"},"genre":"Obby","visits":100,"playing":5,"favoritedCount":7,"updated":"2024-03-01T10:00:00Z"},
			{"id":2,"rootPlaceId":22,"name":"Tycoon","creator":{"name":"bob"},"visits":50}
		]}`)
	})
	mux.HandleFunc("/v1/games/votes", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":1,"upVotes":90,"downVotes":10}]}`)
	})
	c := newTestClient(t, mux)

	exps, err := c.Details(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	require.Len(t, exps, 2)

	assert.Equal(t, "1", exps[0].UniverseID)
	assert.Equal(t, "11", exps[0].RootPlaceID)
	assert.Equal(t, "alice", exps[0].Creator)
	assert.Equal(t, int64(90), exps[0].UpVotes)
	assert.Equal(t, int64(7), exps[0].Favorites)
	assert.Equal(t, 2024, exps[0].UpdatedAt.Year())
	assert.Equal(t, int64(0), exps[1].UpVotes)
}

func TestDetailsRejectsOversizedBatch(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	ids := make([]string, MaxBatch+1)
	_, err := c.Details(context.Background(), ids)
	assert.Error(t, err)
}

func TestThumbnailsKeepsCompletedOnly(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/games/multiget/thumbnails", r.URL.Path)
		io.WriteString(w, `{"data":[{"universeId":1,"thumbnails":[
			{"state":"Completed","imageUrl":"https://cdn/a.png"},
			{"state":"Pending","imageUrl":""}
		]}]}`)
	}))

	thumbs, err := c.Thumbnails(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"1": {"https://cdn/a.png"}}, thumbs)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
