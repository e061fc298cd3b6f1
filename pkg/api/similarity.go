package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/playscope/internal/corpus"
	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/similarity"
)

// Similar handles POST /api/v1/similar
func (h *Handler) Similar(w http.ResponseWriter, r *http.Request) {
	if h.corpus == nil {
		writeError(w, http.StatusServiceUnavailable, "corpus not configured")
		return
	}

	var req models.SimilarRequest
	if !h.decode(w, r, &req) {
		return
	}

	kind := "vector"
	if req.ID != "" {
		kind = "id"
	}
	results, err := h.rank(req.ID, req.Vector, req.K, req.PopularityWeighted)
	h.observer.SimilarityQuery(kind, err)
	if err != nil {
		h.rankError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// Search handles POST /api/v1/search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.corpus == nil {
		writeError(w, http.StatusServiceUnavailable, "corpus not configured")
		return
	}
	if h.embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "embedding backend not configured")
		return
	}

	var req models.SearchRequest
	if !h.decode(w, r, &req) {
		return
	}

	vectors, err := h.embedder.Embed(r.Context(), []string{req.Query})
	if err != nil {
		h.observer.SimilarityQuery("search", err)
		h.logger.Error("Failed to embed query", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusBadGateway, "failed to embed query")
		return
	}
	if len(vectors) != 1 {
		h.observer.SimilarityQuery("search", errors.New("embedding count mismatch"))
		writeError(w, http.StatusBadGateway, "embedding backend returned no vector")
		return
	}

	results, err := h.rank("", vectors[0], req.K, req.PopularityWeighted)
	h.observer.SimilarityQuery("search", err)
	if err != nil {
		h.rankError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   req.Query,
		"results": results,
		"count":   len(results),
	})
}

var errUnknownExperience = errors.New("experience has no embedding")

// rank scores the corpus against the vector for id, or against vector when id is empty
func (h *Handler) rank(id string, vector []float32, k int, weighted bool) ([]models.RankedExperience, error) {
	items, err := h.corpus.Items()
	if err != nil {
		return nil, err
	}

	opts := similarity.Options{K: k}
	if id != "" {
		v, ok := similarity.Lookup(items, id)
		if !ok {
			return nil, errUnknownExperience
		}
		vector = v
		opts.ExcludeID = id
	}
	if weighted {
		pop, err := h.corpus.Popularity()
		if err != nil {
			return nil, err
		}
		opts.Weight = similarity.PopularityWeight(pop)
	}

	ranked, err := similarity.Rank(vector, items, opts)
	if err != nil {
		return nil, err
	}

	names, err := h.corpus.Names()
	if err != nil {
		h.logger.Warn("Failed to load experience names", map[string]interface{}{"error": err.Error()})
	}
	out := make([]models.RankedExperience, len(ranked))
	for i, res := range ranked {
		out[i] = models.RankedExperience{ID: res.ID, Name: names[res.ID], Score: res.Score}
	}
	return out, nil
}

func (h *Handler) rankError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, similarity.ErrDimensionMismatch),
		errors.Is(err, similarity.ErrEmptyCorpus),
		errors.Is(err, similarity.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errUnknownExperience):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, corpus.ErrNoEmbeddings):
		writeError(w, http.StatusConflict, "no embeddings yet, run the embed command")
	default:
		h.internalError(w, r, "Failed to rank experiences", err)
	}
}

// GetExperience handles GET /api/v1/experiences/{id}
func (h *Handler) GetExperience(w http.ResponseWriter, r *http.Request) {
	if h.corpus == nil {
		writeError(w, http.StatusServiceUnavailable, "corpus not configured")
		return
	}

	exp, err := h.corpus.Get(mux.Vars(r)["id"])
	switch {
	case errors.Is(err, corpus.ErrNotFound):
		writeError(w, http.StatusNotFound, "experience not found")
	case errors.Is(err, corpus.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.internalError(w, r, "Failed to load experience", err)
	default:
		writeJSON(w, http.StatusOK, exp)
	}
}
