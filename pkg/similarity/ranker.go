// Package similarity ranks corpus vectors against a query by cosine similarity.
package similarity

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrEmptyCorpus       = errors.New("corpus is empty")
	ErrEmptyQuery        = errors.New("query vector is empty")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Popularity weights are clamped to this range so raw semantic order is
// perturbed but never inverted
const (
	MinPopularityWeight = 0.8
	MaxPopularityWeight = 1.0
)

// Item is one corpus entry
type Item struct {
	ID     string
	Vector []float32
}

// Result is one ranked hit
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// WeightFunc returns the score multiplier for an id
type WeightFunc func(id string) float64

// Options controls a ranking
type Options struct {
	// K bounds the result count. Zero, negative or oversized K returns every eligible item.
	K int
	// ExcludeID is omitted from the output, typically the query's own id
	ExcludeID string
	// Weight, when set, multiplies each cosine score
	Weight WeightFunc
}

// Cosine returns the cosine similarity of a and b.
// A zero-norm vector has similarity 0 with everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Rank scores every corpus item against query and returns the top K in
// descending score order. Items with equal scores keep their corpus order.
func Rank(query []float32, corpus []Item, opts Options) ([]Result, error) {
	if len(corpus) == 0 {
		return nil, ErrEmptyCorpus
	}
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}

	results := make([]Result, 0, len(corpus))
	for _, item := range corpus {
		score, err := Cosine(query, item.Vector)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", item.ID, err)
		}
		if opts.ExcludeID != "" && item.ID == opts.ExcludeID {
			continue
		}
		if opts.Weight != nil {
			score *= opts.Weight(item.ID)
		}
		results = append(results, Result{ID: item.ID, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if opts.K > 0 && opts.K < len(results) {
		results = results[:opts.K]
	}
	return results, nil
}

// Lookup returns the vector for id
func Lookup(corpus []Item, id string) ([]float32, bool) {
	for _, item := range corpus {
		if item.ID == id {
			return item.Vector, true
		}
	}
	return nil, false
}

// Clamp limits w to the popularity weight range
func Clamp(w float64) float64 {
	if math.IsNaN(w) || w < MinPopularityWeight {
		return MinPopularityWeight
	}
	if w > MaxPopularityWeight {
		return MaxPopularityWeight
	}
	return w
}

// PopularityWeight maps raw popularity counts (visits, players) onto
// [0.8, 1.0] on a log scale relative to the most popular item.
// Unknown ids get the minimum weight.
func PopularityWeight(popularity map[string]float64) WeightFunc {
	var maxLog float64
	for _, v := range popularity {
		if v > 0 {
			maxLog = math.Max(maxLog, math.Log1p(v))
		}
	}

	return func(id string) float64 {
		v, ok := popularity[id]
		switch {
		case !ok:
			return MinPopularityWeight
		case maxLog == 0:
			// Nothing has any popularity, so nothing is boosted over anything else
			return MaxPopularityWeight
		case v <= 0:
			return MinPopularityWeight
		}
		span := MaxPopularityWeight - MinPopularityWeight
		return Clamp(MinPopularityWeight + span*math.Log1p(v)/maxLog)
	}
}
