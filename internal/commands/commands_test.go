package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/playscope/internal/catalog"
	"github.com/psantana5/playscope/internal/corpus"
	"github.com/psantana5/playscope/internal/llm"
	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/models"
)

type fakeCatalog struct {
	pages map[string]*catalog.Page
	exps  map[string]*models.Experience
	thumb map[string][]string
}

func (f *fakeCatalog) ListPage(_ context.Context, cursor string) (*catalog.Page, error) {
	p, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("unknown cursor %q", cursor)
	}
	return p, nil
}

func (f *fakeCatalog) Details(_ context.Context, ids []string) ([]*models.Experience, error) {
	out := make([]*models.Experience, 0, len(ids))
	for _, id := range ids {
		cp := *f.exps[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeCatalog) Thumbnails(_ context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, id := range ids {
		out[id] = f.thumb[id]
	}
	return out, nil
}

func (f *fakeCatalog) Download(_ context.Context, url string) (io.Reader, error) {
	return strings.NewReader("img:" + url), nil
}

type fakeDescriber struct{ fail map[string]bool }

func (f *fakeDescriber) Describe(_ context.Context, exp *models.Experience) (*llm.Description, error) {
	if f.fail[exp.UniverseID] {
		return nil, errors.New("model unavailable")
	}
	return &llm.Description{Summary: "About " + exp.Name, Tags: []string{"fun"}}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []models.Progress
}

func (r *recordingReporter) Report(current, total int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, models.Progress{Current: current, Total: total, Message: message})
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{
		pages: map[string]*catalog.Page{
			"":   {IDs: []string{"1", "2"}, NextCursor: "c2"},
			"c2": {IDs: []string{"3"}},
		},
		exps: map[string]*models.Experience{
			"1": {UniverseID: "1", Name: "Obby", Genre: "Obby", Visits: 10},
			"2": {UniverseID: "2", Name: "Tycoon", Genre: "Tycoon", Visits: 20},
			"3": {UniverseID: "3", Name: "Parkour", Genre: "Obby", Visits: 30},
		},
		thumb: map[string][]string{"1": {"u1a", "u1b"}, "3": {"u3"}},
	}
}

func setup(t *testing.T) (Deps, *jobs.MapRegistry) {
	t.Helper()
	c, err := corpus.Open(t.TempDir())
	require.NoError(t, err)
	d := Deps{
		Catalog:   newCatalog(),
		Corpus:    c,
		Describer: &fakeDescriber{},
		Embedder:  fakeEmbedder{},
	}
	return d, NewRegistry(d)
}

func run(t *testing.T, reg jobs.Registry, name string, rep jobs.ProgressReporter) (interface{}, error) {
	t.Helper()
	work, ok := reg.Lookup(name)
	require.True(t, ok, "command %s registered", name)
	ctx := context.Background()
	if rep != nil {
		ctx = jobs.WithReporter(ctx, rep)
	}
	return work(ctx)
}

func TestRegistryNames(t *testing.T) {
	_, reg := setup(t)
	assert.Equal(t, []string{"describe", "download", "embed", "gather", "stats"}, reg.Names())
}

func TestGatherFollowsCursor(t *testing.T) {
	d, reg := setup(t)
	rep := &recordingReporter{}

	res, err := run(t, reg, Gather, rep)
	require.NoError(t, err)
	assert.Equal(t, GatherResult{Saved: 3, Pages: 2}, res)

	ids, err := d.Corpus.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	require.Len(t, rep.reports, 2)
	assert.Equal(t, 2, rep.reports[1].Current)
}

func TestGatherKeepsGeneratedFields(t *testing.T) {
	d, reg := setup(t)
	require.NoError(t, d.Corpus.Save(&models.Experience{UniverseID: "1", Name: "old", GeneratedDescription: "kept", Tags: []string{"t"}}))

	_, err := run(t, reg, Gather, nil)
	require.NoError(t, err)

	got, err := d.Corpus.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "Obby", got.Name)
	assert.Equal(t, "kept", got.GeneratedDescription)
	assert.Equal(t, []string{"t"}, got.Tags)
}

func TestCommandsRequireCorpus(t *testing.T) {
	_, reg := setup(t)
	for _, name := range []string{Download, Describe, Embed} {
		_, err := run(t, reg, name, nil)
		assert.ErrorIs(t, err, ErrEmptyCorpus, name)
	}
}

func TestPipeline(t *testing.T) {
	d, reg := setup(t)

	_, err := run(t, reg, Gather, nil)
	require.NoError(t, err)

	res, err := run(t, reg, Download, nil)
	require.NoError(t, err)
	assert.Equal(t, DownloadResult{Downloaded: 3, Experiences: 3}, res)
	exp, err := d.Corpus.Get("1")
	require.NoError(t, err)
	assert.Len(t, exp.Thumbnails, 2)

	res, err = run(t, reg, Describe, nil)
	require.NoError(t, err)
	assert.Equal(t, DescribeResult{Described: 3}, res)

	// Second run has nothing left to do
	res, err = run(t, reg, Describe, nil)
	require.NoError(t, err)
	assert.Equal(t, DescribeResult{Skipped: 3}, res)

	res, err = run(t, reg, Embed, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.(EmbedResult).Embedded)
	assert.Equal(t, 2, res.(EmbedResult).Dimensions)

	res, err = run(t, reg, Stats, nil)
	require.NoError(t, err)
	stats := res.(StatsResult)
	assert.Equal(t, 3, stats.Experiences)
	assert.Equal(t, 3, stats.Described)
	assert.Equal(t, 3, stats.Embedded)
	assert.Equal(t, int64(60), stats.TotalVisits)
	assert.Equal(t, []GenreCount{{Genre: "Obby", Count: 2}, {Genre: "Tycoon", Count: 1}}, stats.Genres)
}

func TestDescribePartialFailure(t *testing.T) {
	d, _ := setup(t)
	d.Describer = &fakeDescriber{fail: map[string]bool{"2": true}}
	reg := NewRegistry(d)

	_, err := run(t, reg, Gather, nil)
	require.NoError(t, err)

	res, err := run(t, reg, Describe, nil)
	require.NoError(t, err)
	assert.Equal(t, DescribeResult{Described: 2, Failed: 1}, res)
}

func TestDescribeAllFail(t *testing.T) {
	d, _ := setup(t)
	d.Describer = &fakeDescriber{fail: map[string]bool{"1": true, "2": true, "3": true}}
	reg := NewRegistry(d)

	_, err := run(t, reg, Gather, nil)
	require.NoError(t, err)

	_, err = run(t, reg, Describe, nil)
	assert.ErrorContains(t, err, "model unavailable")
}

func TestMissingCollaborators(t *testing.T) {
	c, err := corpus.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Save(&models.Experience{UniverseID: "1", Name: "x"}))
	reg := NewRegistry(Deps{Corpus: c})

	_, err = run(t, reg, Describe, nil)
	assert.ErrorIs(t, err, llm.ErrAPIKeyNotSet)
	_, err = run(t, reg, Gather, nil)
	assert.Error(t, err)

	res, err := run(t, reg, Stats, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.(StatsResult).Experiences)
}
