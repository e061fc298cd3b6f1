package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/playscope/internal/corpus"
	"github.com/psantana5/playscope/pkg/api"
	"github.com/psantana5/playscope/pkg/auth"
	"github.com/psantana5/playscope/pkg/events"
	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/similarity"
	"github.com/psantana5/playscope/pkg/store"
)

type fakeCorpus struct {
	items []similarity.Item
	exps  map[string]*models.Experience
	err   error
}

func (c *fakeCorpus) Get(id string) (*models.Experience, error) {
	if e, ok := c.exps[id]; ok {
		return e, nil
	}
	return nil, corpus.ErrNotFound
}

func (c *fakeCorpus) Items() ([]similarity.Item, error) { return c.items, c.err }

func (c *fakeCorpus) Popularity() (map[string]float64, error) {
	pop := make(map[string]float64)
	for id, e := range c.exps {
		pop[id] = float64(e.Visits)
	}
	return pop, nil
}

func (c *fakeCorpus) Names() (map[string]string, error) {
	names := make(map[string]string)
	for id, e := range c.exps {
		names[id] = e.Name
	}
	return names, nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return [][]float32{e.vector}, nil
}

type fakeStore struct {
	store.JobStore
	pingErr error
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

type testEnv struct {
	router  *mux.Router
	manager *jobs.Manager
	store   *store.MemoryStore
}

func newTestEnv(t *testing.T, c api.Corpus, e api.Embedder) *testEnv {
	t.Helper()

	s := store.NewMemoryStore()
	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	registry := jobs.NewRegistry().
		MustRegister("stats", func(ctx context.Context) (interface{}, error) {
			return map[string]int{"experiences": 3}, nil
		}).
		MustRegister("fail", func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("boom")
		})

	m := jobs.NewManager(s, broker, registry, nil)
	t.Cleanup(func() { m.Wait(context.Background()) })

	h := api.NewHandler(api.Config{
		Manager:  m,
		Store:    s,
		Corpus:   c,
		Embedder: e,
		Tokens:   auth.NewTokenManager(),
		Version:  "test",
	})
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return &testEnv{router: r, manager: m, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, w, &body)
	return body["error"]
}

func TestCreateJobRunsCommand(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/jobs", `{"command":"stats"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "pending", resp["status"])
	id := resp["job_id"]
	require.NotEmpty(t, id)

	require.NoError(t, env.manager.Wait(context.Background()))

	w = env.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	decodeBody(t, w, &job)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"experiences":3}`, string(job.Result))
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown command", `{"command":"nope"}`, "unknown command"},
		{"missing command", `{}`, "command: failed required"},
		{"malformed json", `{"command":`, "invalid request body"},
		{"unknown field", `{"command":"stats","extra":1}`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorBody(t, w), tt.want)
		})
	}

	stats, err := env.manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total, "rejected submissions must not create jobs")
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job not found", errorBody(t, w))

	w = env.do(t, http.MethodDelete, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFixedRoutesBeforeIDRoutes(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/v1/jobs/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.Stats
	decodeBody(t, w, &stats)
	assert.Equal(t, 0, stats.Total)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/prune", `{"days":0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestListJobsWithFilters(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	for _, cmd := range []string{"stats", "stats", "fail"} {
		_, err := env.manager.Submit(ctx, cmd)
		require.NoError(t, err)
	}
	require.NoError(t, env.manager.Wait(ctx))

	var all jobs.ListResult
	w := env.do(t, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &all)
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, all.Count, all.Stats.Total)
	assert.Equal(t, 2, all.Stats.Completed)
	assert.Equal(t, 1, all.Stats.Failed)

	var failed jobs.ListResult
	w = env.do(t, http.MethodGet, "/api/v1/jobs?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &failed)
	require.Len(t, failed.Jobs, 1)
	assert.Equal(t, "fail", failed.Jobs[0].Command)
	assert.Equal(t, "boom", failed.Jobs[0].Error)

	var page jobs.ListResult
	w = env.do(t, http.MethodGet, "/api/v1/jobs?command=stats&limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &page)
	assert.Len(t, page.Jobs, 1)

	for _, q := range []string{"?status=bogus", "?limit=-1", "?offset=x"} {
		w = env.do(t, http.MethodGet, "/api/v1/jobs"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	id, err := env.manager.CreateJob(context.Background(), "stats")
	require.NoError(t, err)

	w := env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateProgress(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	id, err := env.manager.CreateJob(ctx, "stats")
	require.NoError(t, err)
	_, err = env.store.StartJob(ctx, id, time.Now())
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/progress", `{"current":2,"total":5,"message":"page 2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var job models.Job
	decodeBody(t, w, &job)
	require.NotNil(t, job.Progress)
	assert.Equal(t, 2, job.Progress.Current)
	assert.Equal(t, 5, job.Progress.Total)
	assert.Equal(t, models.JobStatusRunning, job.Status, "progress must not change status")

	w = env.do(t, http.MethodPost, "/api/v1/jobs/missing/progress", `{"current":1,"total":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/progress", `{"current":-1,"total":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateProgressRequiresRunningJob(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	pending, err := env.manager.CreateJob(ctx, "stats")
	require.NoError(t, err)
	w := env.do(t, http.MethodPost, "/api/v1/jobs/"+pending+"/progress", `{"current":1,"total":5}`)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	done, err := env.manager.CreateJob(ctx, "stats")
	require.NoError(t, err)
	require.NoError(t, env.manager.RunJob(ctx, done, func(ctx context.Context) (interface{}, error) {
		return map[string]bool{"ok": true}, nil
	}))
	w = env.do(t, http.MethodPost, "/api/v1/jobs/"+done+"/progress", `{"current":3,"total":10}`)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	for _, id := range []string{pending, done} {
		job, err := env.manager.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, job.Progress, "rejected progress must not be stored")
		assert.NoError(t, models.CheckInvariants(job))
	}
}

func TestPruneJobs(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/jobs/prune", `{"days":7}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]int64
	decodeBody(t, w, &resp)
	assert.Equal(t, int64(0), resp["deleted"])

	w = env.do(t, http.MethodPost, "/api/v1/jobs/prune", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/jobs/prune", `{"days":-3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListCommands(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/v1/commands", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Commands []string `json:"commands"`
		Count    int      `json:"count"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, []string{"fail", "stats"}, resp.Commands)
	assert.Equal(t, 2, resp.Count)
}

func TestCreateToken(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/tokens", `{"subject":"ci","ttl_hours":1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	decodeBody(t, w, &resp)
	assert.True(t, strings.HasPrefix(resp.Token, "ci."))
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)

	w = env.do(t, http.MethodPost, "/api/v1/tokens", `{"subject":"a.b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func similarityCorpus() *fakeCorpus {
	return &fakeCorpus{
		items: []similarity.Item{
			{ID: "a", Vector: []float32{1, 0}},
			{ID: "b", Vector: []float32{0.9, 0.1}},
			{ID: "c", Vector: []float32{0, 1}},
		},
		exps: map[string]*models.Experience{
			"a": {UniverseID: "a", Name: "Alpha", Visits: 10},
			"b": {UniverseID: "b", Name: "Bravo", Visits: 1000},
			"c": {UniverseID: "c", Name: "Charlie", Visits: 1},
		},
	}
}

type rankResponse struct {
	Results []models.RankedExperience `json:"results"`
	Count   int                       `json:"count"`
}

func TestSimilarByID(t *testing.T) {
	env := newTestEnv(t, similarityCorpus(), nil)

	w := env.do(t, http.MethodPost, "/api/v1/similar", `{"id":"a","k":5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp rankResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "b", resp.Results[0].ID)
	assert.Equal(t, "Bravo", resp.Results[0].Name)
	assert.Equal(t, "c", resp.Results[1].ID)
	for _, r := range resp.Results {
		assert.NotEqual(t, "a", r.ID, "query id must be excluded")
	}
}

func TestSimilarByVector(t *testing.T) {
	env := newTestEnv(t, similarityCorpus(), nil)

	w := env.do(t, http.MethodPost, "/api/v1/similar", `{"vector":[0,1],"k":1,"popularity_weighted":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp rankResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c", resp.Results[0].ID)
}

func TestSimilarErrors(t *testing.T) {
	tests := []struct {
		name   string
		corpus *fakeCorpus
		body   string
		code   int
	}{
		{"neither id nor vector", similarityCorpus(), `{"k":3}`, http.StatusBadRequest},
		{"dimension mismatch", similarityCorpus(), `{"vector":[1,0,0]}`, http.StatusBadRequest},
		{"unknown id", similarityCorpus(), `{"id":"zzz"}`, http.StatusNotFound},
		{"no embeddings", &fakeCorpus{err: corpus.ErrNoEmbeddings}, `{"id":"a"}`, http.StatusConflict},
		{"empty corpus", &fakeCorpus{}, `{"vector":[1,0]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.corpus, nil)
			w := env.do(t, http.MethodPost, "/api/v1/similar", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.NotEmpty(t, errorBody(t, w))
		})
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, similarityCorpus(), &fakeEmbedder{vector: []float32{1, 0}})

	w := env.do(t, http.MethodPost, "/api/v1/search", `{"query":"obby","k":2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp rankResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "b", resp.Results[1].ID)
}

func TestSearchWithoutEmbedder(t *testing.T) {
	env := newTestEnv(t, similarityCorpus(), nil)

	w := env.do(t, http.MethodPost, "/api/v1/search", `{"query":"obby"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSearchEmbedFailure(t *testing.T) {
	env := newTestEnv(t, similarityCorpus(), &fakeEmbedder{err: errors.New("upstream down")})

	w := env.do(t, http.MethodPost, "/api/v1/search", `{"query":"obby"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGetExperience(t *testing.T) {
	env := newTestEnv(t, similarityCorpus(), nil)

	w := env.do(t, http.MethodGet, "/api/v1/experiences/b", "")
	require.Equal(t, http.StatusOK, w.Code)
	var exp models.Experience
	decodeBody(t, w, &exp)
	assert.Equal(t, "Bravo", exp.Name)

	w = env.do(t, http.MethodGet, "/api/v1/experiences/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.HealthResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Store)
	assert.Equal(t, "test", resp.Version)
	require.NotNil(t, resp.Jobs)
}

func TestHealthStoreDown(t *testing.T) {
	s := store.NewMemoryStore()
	m := jobs.NewManager(s, nil, jobs.NewRegistry(), nil)
	h := api.NewHandler(api.Config{
		Manager: m,
		Store:   &fakeStore{JobStore: s, pingErr: errors.New("database is locked")},
	})
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp api.HealthResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "database is locked", resp.Store)
}
