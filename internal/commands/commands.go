// Package commands holds the corpus-building units of work run as jobs.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/psantana5/playscope/internal/catalog"
	"github.com/psantana5/playscope/internal/corpus"
	"github.com/psantana5/playscope/internal/llm"
	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/models"
)

const (
	Gather   = "gather"
	Download = "download"
	Describe = "describe"
	Embed    = "embed"
	Stats    = "stats"
)

var ErrEmptyCorpus = errors.New("corpus is empty: run gather first")

// Catalog is the remote source of experiences
type Catalog interface {
	ListPage(ctx context.Context, cursor string) (*catalog.Page, error)
	Details(ctx context.Context, ids []string) ([]*models.Experience, error)
	Thumbnails(ctx context.Context, ids []string) (map[string][]string, error)
	Download(ctx context.Context, url string) (io.Reader, error)
}

// Describer produces a generated description
type Describer interface {
	Describe(ctx context.Context, exp *models.Experience) (*llm.Description, error)
}

// Embedder turns texts into vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Deps are the collaborators the commands need. Catalog, Describer and
// Embedder may be nil; the matching commands then fail when run.
type Deps struct {
	Catalog   Catalog
	Corpus    *corpus.Corpus
	Describer Describer
	Embedder  Embedder
	MaxPages  int
	Logger    *logging.Logger
}

// NewRegistry returns a registry holding every corpus command
func NewRegistry(d Deps) *jobs.MapRegistry {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.MaxPages <= 0 {
		d.MaxPages = 20
	}
	d.Logger = d.Logger.WithComponent("commands")

	return jobs.NewRegistry().
		MustRegister(Gather, d.gather).
		MustRegister(Download, d.download).
		MustRegister(Describe, d.describe).
		MustRegister(Embed, d.embed).
		MustRegister(Stats, d.stats)
}

func (d Deps) requireCorpus() ([]*models.Experience, error) {
	exps, err := d.Corpus.List()
	if err != nil {
		return nil, err
	}
	if len(exps) == 0 {
		return nil, ErrEmptyCorpus
	}
	return exps, nil
}

// GatherResult summarises a gather run
type GatherResult struct {
	Saved int `json:"saved"`
	Pages int `json:"pages"`
}

func (d Deps) gather(ctx context.Context) (interface{}, error) {
	if d.Catalog == nil {
		return nil, errors.New("catalog client is not configured")
	}
	progress := jobs.ReporterFrom(ctx)
	res := GatherResult{}

	cursor := ""
	for res.Pages < d.MaxPages {
		page, err := d.Catalog.ListPage(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("list page %d: %w", res.Pages+1, err)
		}
		res.Pages++

		for start := 0; start < len(page.IDs); start += catalog.MaxBatch {
			end := min(start+catalog.MaxBatch, len(page.IDs))
			exps, err := d.Catalog.Details(ctx, page.IDs[start:end])
			if err != nil {
				return nil, fmt.Errorf("details for page %d: %w", res.Pages, err)
			}
			for _, exp := range exps {
				mergeGenerated(d.Corpus, exp)
				if err := d.Corpus.Save(exp); err != nil {
					return nil, err
				}
				res.Saved++
			}
		}

		progress.Report(res.Pages, d.MaxPages, fmt.Sprintf("page %d: %d experiences saved", res.Pages, res.Saved))

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	d.Logger.Info("Gather complete", map[string]interface{}{"saved": res.Saved, "pages": res.Pages})
	return res, nil
}

// mergeGenerated keeps fields produced locally when a record is refreshed from the catalog
func mergeGenerated(c *corpus.Corpus, fresh *models.Experience) {
	old, err := c.Get(fresh.UniverseID)
	if err != nil {
		return
	}
	fresh.GeneratedDescription = old.GeneratedDescription
	fresh.Tags = old.Tags
	fresh.Thumbnails = old.Thumbnails
}

// DownloadResult summarises a download run
type DownloadResult struct {
	Downloaded  int `json:"downloaded"`
	Experiences int `json:"experiences"`
	Skipped     int `json:"skipped"`
}

func (d Deps) download(ctx context.Context) (interface{}, error) {
	if d.Catalog == nil {
		return nil, errors.New("catalog client is not configured")
	}
	exps, err := d.requireCorpus()
	if err != nil {
		return nil, err
	}
	progress := jobs.ReporterFrom(ctx)
	res := DownloadResult{}

	pending := make([]*models.Experience, 0, len(exps))
	for _, e := range exps {
		if len(e.Thumbnails) > 0 {
			res.Skipped++
			continue
		}
		pending = append(pending, e)
	}

	for start := 0; start < len(pending); start += catalog.MaxBatch {
		batch := pending[start:min(start+catalog.MaxBatch, len(pending))]
		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.UniverseID
		}

		urls, err := d.Catalog.Thumbnails(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("thumbnails: %w", err)
		}

		for _, exp := range batch {
			for n, u := range urls[exp.UniverseID] {
				body, err := d.Catalog.Download(ctx, u)
				if err != nil {
					return nil, fmt.Errorf("download %s: %w", u, err)
				}
				path, err := d.Corpus.SaveThumbnail(exp.UniverseID, n, body)
				if err != nil {
					return nil, err
				}
				exp.Thumbnails = append(exp.Thumbnails, path)
				res.Downloaded++
			}
			if err := d.Corpus.Save(exp); err != nil {
				return nil, err
			}
			res.Experiences++
			progress.Report(res.Experiences, len(pending), exp.Name)
		}
	}

	return res, nil
}

// DescribeResult summarises a describe run
type DescribeResult struct {
	Described int `json:"described"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (d Deps) describe(ctx context.Context) (interface{}, error) {
	if d.Describer == nil {
		return nil, llm.ErrAPIKeyNotSet
	}
	exps, err := d.requireCorpus()
	if err != nil {
		return nil, err
	}
	progress := jobs.ReporterFrom(ctx)
	res := DescribeResult{}

	var firstErr error
	for i, exp := range exps {
		if exp.GeneratedDescription != "" {
			res.Skipped++
			continue
		}

		desc, err := d.Describer.Describe(ctx, exp)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			d.Logger.Warn("Describe failed", map[string]interface{}{"id": exp.UniverseID, "error": err.Error()})
			continue
		}

		exp.GeneratedDescription = desc.Summary
		exp.Tags = desc.Tags
		if err := d.Corpus.Save(exp); err != nil {
			return nil, err
		}
		res.Described++
		progress.Report(i+1, len(exps), exp.Name)
	}

	if res.Described == 0 && firstErr != nil {
		return nil, fmt.Errorf("every describe call failed: %w", firstErr)
	}
	return res, nil
}

// EmbedResult summarises an embed run
type EmbedResult struct {
	Embedded   int `json:"embedded"`
	Dimensions int `json:"dimensions"`
}

func (d Deps) embed(ctx context.Context) (interface{}, error) {
	if d.Embedder == nil {
		return nil, llm.ErrAPIKeyNotSet
	}
	exps, err := d.requireCorpus()
	if err != nil {
		return nil, err
	}
	progress := jobs.ReporterFrom(ctx)

	texts := make([]string, len(exps))
	for i, e := range exps {
		texts[i] = e.EmbeddingText()
	}
	progress.Report(0, len(exps), "embedding")

	vectors, err := d.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(exps) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d experiences", len(vectors), len(exps))
	}

	out := make(map[string][]float32, len(exps))
	for i, e := range exps {
		out[e.UniverseID] = vectors[i]
	}
	if err := d.Corpus.SaveEmbeddings(out); err != nil {
		return nil, err
	}
	progress.Report(len(exps), len(exps), "embeddings saved")

	res := EmbedResult{Embedded: len(out)}
	if len(vectors) > 0 {
		res.Dimensions = len(vectors[0])
	}
	return res, nil
}

// GenreCount is one row of the genre breakdown
type GenreCount struct {
	Genre string `json:"genre"`
	Count int    `json:"count"`
}

// StatsResult summarises the corpus
type StatsResult struct {
	Experiences int          `json:"experiences"`
	Described   int          `json:"described"`
	Embedded    int          `json:"embedded"`
	TotalVisits int64        `json:"total_visits"`
	Genres      []GenreCount `json:"genres"`
}

func (d Deps) stats(ctx context.Context) (interface{}, error) {
	exps, err := d.Corpus.List()
	if err != nil {
		return nil, err
	}

	res := StatsResult{Experiences: len(exps), Genres: []GenreCount{}}
	genres := make(map[string]int)
	for _, e := range exps {
		res.TotalVisits += e.Visits
		if e.GeneratedDescription != "" {
			res.Described++
		}
		g := e.Genre
		if g == "" {
			g = "unknown"
		}
		genres[g]++
	}

	vectors, err := d.Corpus.LoadEmbeddings()
	switch {
	case err == nil:
		res.Embedded = len(vectors)
	case errors.Is(err, corpus.ErrNoEmbeddings):
	default:
		return nil, err
	}

	for g, n := range genres {
		res.Genres = append(res.Genres, GenreCount{Genre: g, Count: n})
	}
	sort.Slice(res.Genres, func(i, j int) bool {
		if res.Genres[i].Count != res.Genres[j].Count {
			return res.Genres[i].Count > res.Genres[j].Count
		}
		return res.Genres[i].Genre < res.Genres[j].Genre
	})

	return res, nil
}
