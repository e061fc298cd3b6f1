package corpus

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/similarity"
)

const (
	experiencesDir = "experiences"
	thumbnailsDir  = "thumbnails"
	embeddingsFile = "embeddings.json"
)

var (
	ErrNotFound     = errors.New("experience not found")
	ErrInvalidID    = errors.New("invalid experience id")
	ErrNoEmbeddings = errors.New("no embeddings have been generated")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Corpus is the on-disk set of experiences and their embeddings.
// Safe for concurrent use within one process.
type Corpus struct {
	dir string

	mu         sync.RWMutex
	embeddings map[string][]float32 // cached after first load
}

// Open creates the directory layout under dir if needed
func Open(dir string) (*Corpus, error) {
	for _, sub := range []string{experiencesDir, thumbnailsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create corpus directory: %w", err)
		}
	}
	return &Corpus{dir: dir}, nil
}

// Dir returns the root directory
func (c *Corpus) Dir() string { return c.dir }

func validID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (c *Corpus) experiencePath(id string) string {
	return filepath.Join(c.dir, experiencesDir, id+".json")
}

// Save writes one experience record atomically
func (c *Corpus) Save(exp *models.Experience) error {
	if err := validID(exp.UniverseID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal experience: %w", err)
	}
	return writeAtomic(c.experiencePath(exp.UniverseID), data)
}

// Get loads one experience record
func (c *Corpus) Get(id string) (*models.Experience, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.experiencePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read experience %s: %w", id, err)
	}

	var exp models.Experience
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("failed to parse experience %s: %w", id, err)
	}
	return &exp, nil
}

// IDs returns every stored experience id in ascending order
func (c *Corpus) IDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.dir, experiencesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list corpus: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// List loads every experience, ordered by id
func (c *Corpus) List() ([]*models.Experience, error) {
	ids, err := c.IDs()
	if err != nil {
		return nil, err
	}

	out := make([]*models.Experience, 0, len(ids))
	for _, id := range ids {
		exp, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// SaveEmbeddings replaces embeddings.json and the cached copy
func (c *Corpus) SaveEmbeddings(vectors map[string][]float32) error {
	data, err := json.Marshal(vectors)
	if err != nil {
		return fmt.Errorf("failed to marshal embeddings: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeAtomic(filepath.Join(c.dir, embeddingsFile), data); err != nil {
		return err
	}
	c.embeddings = copyVectors(vectors)
	return nil
}

// LoadEmbeddings returns the id to vector map, or ErrNoEmbeddings
func (c *Corpus) LoadEmbeddings() (map[string][]float32, error) {
	c.mu.RLock()
	cached := c.embeddings
	c.mu.RUnlock()
	if cached != nil {
		return copyVectors(cached), nil
	}

	data, err := os.ReadFile(filepath.Join(c.dir, embeddingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoEmbeddings
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}

	vectors := make(map[string][]float32)
	if err := json.Unmarshal(data, &vectors); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings: %w", err)
	}

	c.mu.Lock()
	c.embeddings = vectors
	c.mu.Unlock()

	return copyVectors(vectors), nil
}

// Items returns the embeddings as a ranking corpus sorted by id
func (c *Corpus) Items() ([]similarity.Item, error) {
	vectors, err := c.LoadEmbeddings()
	if err != nil {
		return nil, err
	}

	items := make([]similarity.Item, 0, len(vectors))
	for id, v := range vectors {
		items = append(items, similarity.Item{ID: id, Vector: v})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Popularity returns visits per experience id
func (c *Corpus) Popularity() (map[string]float64, error) {
	exps, err := c.List()
	if err != nil {
		return nil, err
	}
	pop := make(map[string]float64, len(exps))
	for _, e := range exps {
		pop[e.UniverseID] = float64(e.Visits)
	}
	return pop, nil
}

// Names returns display names per experience id
func (c *Corpus) Names() (map[string]string, error) {
	exps, err := c.List()
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(exps))
	for _, e := range exps {
		names[e.UniverseID] = e.Name
	}
	return names, nil
}

// ThumbnailPath is where the n-th image for id is stored
func (c *Corpus) ThumbnailPath(id string, n int) string {
	return filepath.Join(c.dir, thumbnailsDir, id, fmt.Sprintf("%d.png", n))
}

// SaveThumbnail streams r into the n-th image slot for id
func (c *Corpus) SaveThumbnail(id string, n int, r io.Reader) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	path := c.ThumbnailPath(id, n)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".thumb-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close thumbnail: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename thumbnail: %w", err)
	}
	return path, nil
}

// writeAtomic writes to a temp file in the target directory, syncs, then renames
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func copyVectors(in map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(in))
	for k, v := range in {
		out[k] = append([]float32(nil), v...)
	}
	return out
}
