package corpus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/playscope/pkg/models"
)

func openTemp(t *testing.T) *Corpus {
	t.Helper()
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	return c
}

func TestSaveGetList(t *testing.T) {
	c := openTemp(t)

	for _, id := range []string{"30", "10", "20"} {
		require.NoError(t, c.Save(&models.Experience{UniverseID: id, Name: "game " + id, Visits: 5}))
	}

	got, err := c.Get("20")
	require.NoError(t, err)
	assert.Equal(t, "game 20", got.Name)

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "10", list[0].UniverseID)
	assert.Equal(t, "30", list[2].UniverseID)

	_, err = c.Get("99")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsPathTraversal(t *testing.T) {
	c := openTemp(t)

	assert.ErrorIs(t, c.Save(&models.Experience{UniverseID: "../evil"}), ErrInvalidID)
	_, err := c.Get("../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestEmbeddings(t *testing.T) {
	c := openTemp(t)

	_, err := c.LoadEmbeddings()
	assert.ErrorIs(t, err, ErrNoEmbeddings)

	require.NoError(t, c.SaveEmbeddings(map[string][]float32{
		"b": {0, 1},
		"a": {1, 0},
	}))

	items, err := c.Items()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, []float32{1, 0}, items[0].Vector)

	// A fresh handle reads the file rather than the cache
	reopened, err := Open(c.Dir())
	require.NoError(t, err)
	vectors, err := reopened.LoadEmbeddings()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vectors["b"])

	// Callers cannot mutate the cache
	vectors["b"][0] = 9
	again, err := reopened.LoadEmbeddings()
	require.NoError(t, err)
	assert.Equal(t, float32(0), again["b"][0])
}

func TestSaveThumbnail(t *testing.T) {
	c := openTemp(t)

	path, err := c.SaveThumbnail("42", 0, strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir(), "thumbnails", "42", "0.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestPopularityAndNames(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Save(&models.Experience{UniverseID: "1", Name: "Obby", Visits: 100}))
	require.NoError(t, c.Save(&models.Experience{UniverseID: "2", Name: "Tycoon", Visits: 7}))

	pop, err := c.Popularity()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"1": 100, "2": 7}, pop)

	names, err := c.Names()
	require.NoError(t, err)
	assert.Equal(t, "Tycoon", names["2"])
}
