package similarity

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestRankExcludesSelf(t *testing.T) {
	corpus := []Item{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 0}},
	}

	results, err := Rank([]float32{1, 0}, corpus, Options{K: 2, ExcludeID: "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, ids(results))
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.0, results[1].Score, 1e-9)
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2}, []float32{2, 4}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero query", []float32{0, 0}, []float32{1, 0}, 0},
		{"zero item", []float32{1, 0}, []float32{0, 0}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cosine(tt.a, tt.b)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(got))
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestRankRejectsMalformedInput(t *testing.T) {
	_, err := Rank([]float32{1, 0}, nil, Options{})
	assert.ErrorIs(t, err, ErrEmptyCorpus)

	_, err = Rank(nil, []Item{{ID: "a", Vector: []float32{1}}}, Options{})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	corpus := []Item{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{1, 0, 0}},
	}
	_, err = Rank([]float32{1, 0}, corpus, Options{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// A mismatched excluded item is still a caller error
	_, err = Rank([]float32{1, 0}, corpus, Options{ExcludeID: "b"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRankZeroVectorStaysRankable(t *testing.T) {
	corpus := []Item{
		{ID: "zero", Vector: []float32{0, 0}},
		{ID: "x", Vector: []float32{1, 0}},
		{ID: "neg", Vector: []float32{-1, 0}},
	}

	results, err := Rank([]float32{1, 0}, corpus, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "zero", "neg"}, ids(results))

	results, err = Rank([]float32{0, 0}, corpus, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"zero", "x", "neg"}, ids(results), "zero query scores everything 0, corpus order kept")
}

func TestRankKLargerThanCorpus(t *testing.T) {
	corpus := randomCorpus(25, 8, 1)

	for _, k := range []int{0, -1, 25, 26, 1000} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			results, err := Rank(corpus[0].Vector, corpus, Options{K: k})
			require.NoError(t, err)
			require.Len(t, results, len(corpus))

			seen := map[string]int{}
			for _, r := range results {
				seen[r.ID]++
			}
			for _, item := range corpus {
				assert.Equal(t, 1, seen[item.ID], "id %s should appear exactly once", item.ID)
			}
		})
	}
}

func TestRankIsDescending(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		corpus := randomCorpus(50, 16, seed)
		query := randomCorpus(1, 16, seed+100)[0].Vector

		results, err := Rank(query, corpus, Options{K: 10})
		require.NoError(t, err)
		require.Len(t, results, 10)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	}
}

func TestRankTiesKeepCorpusOrder(t *testing.T) {
	corpus := []Item{
		{ID: "third", Vector: []float32{2, 0}},
		{ID: "first", Vector: []float32{1, 0}},
		{ID: "second", Vector: []float32{3, 0}},
	}

	results, err := Rank([]float32{1, 0}, corpus, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "first", "second"}, ids(results))
}

func TestRankWeightingMonotonic(t *testing.T) {
	corpus := []Item{
		{ID: "quiet", Vector: []float32{1, 1}},
		{ID: "popular", Vector: []float32{1, 1}},
		{ID: "other", Vector: []float32{0, 1}},
	}
	weight := PopularityWeight(map[string]float64{
		"quiet":   10,
		"popular": 1_000_000,
		"other":   500,
	})

	results, err := Rank([]float32{1, 1}, corpus, Options{Weight: weight})
	require.NoError(t, err)
	require.Equal(t, "popular", results[0].ID, "equal cosine, higher weight ranks first")
	assert.Equal(t, "quiet", results[1].ID)
}

func TestPopularityWeightDoesNotInvertLargeGaps(t *testing.T) {
	corpus := []Item{
		{ID: "relevant-niche", Vector: []float32{1, 0}},
		{ID: "irrelevant-hit", Vector: []float32{0, 1}},
	}
	weight := PopularityWeight(map[string]float64{
		"relevant-niche": 1,
		"irrelevant-hit": 1e9,
	})

	results, err := Rank([]float32{1, 0.1}, corpus, Options{Weight: weight})
	require.NoError(t, err)
	assert.Equal(t, "relevant-niche", results[0].ID)
}

func TestPopularityWeightRange(t *testing.T) {
	weight := PopularityWeight(map[string]float64{"a": 0, "b": 10, "c": 1e6})

	assert.Equal(t, MinPopularityWeight, weight("a"))
	assert.Equal(t, MinPopularityWeight, weight("missing"))
	assert.InDelta(t, MaxPopularityWeight, weight("c"), 1e-9)
	assert.Greater(t, weight("b"), MinPopularityWeight)
	assert.Less(t, weight("b"), MaxPopularityWeight)

	flat := PopularityWeight(map[string]float64{"a": 0, "b": 0})
	assert.Equal(t, flat("a"), flat("b"))

	assert.Equal(t, MinPopularityWeight, Clamp(math.NaN()))
	assert.Equal(t, MinPopularityWeight, Clamp(0.1))
	assert.Equal(t, MaxPopularityWeight, Clamp(7))
	assert.Equal(t, 0.9, Clamp(0.9))
}

func TestLookup(t *testing.T) {
	corpus := []Item{{ID: "a", Vector: []float32{1}}}
	v, ok := Lookup(corpus, "a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)

	_, ok = Lookup(corpus, "b")
	assert.False(t, ok)
}

func randomCorpus(n, dim int, seed int64) []Item {
	rng := rand.New(rand.NewSource(seed))
	items := make([]Item, n)
	for i := range items {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		items[i] = Item{ID: fmt.Sprintf("item-%d", i), Vector: vec}
	}
	return items
}
