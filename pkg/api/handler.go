// Package api exposes the job engine and similarity search over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/psantana5/playscope/pkg/auth"
	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/similarity"
)

// maxBodyBytes bounds request bodies. Raw query vectors are the largest input.
const maxBodyBytes = 1 << 20

// Corpus is the read side of the experience corpus
type Corpus interface {
	Get(id string) (*models.Experience, error)
	Items() ([]similarity.Item, error)
	Popularity() (map[string]float64, error)
	Names() (map[string]string, error)
}

// Embedder turns query text into a vector
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Pinger reports store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueryObserver is notified of every ranking request
type QueryObserver interface {
	SimilarityQuery(kind string, err error)
}

// Config wires the handler to its collaborators.
// Corpus, Embedder, Events and Tokens are optional.
type Config struct {
	Manager  *jobs.Manager
	Store    Pinger
	Corpus   Corpus
	Embedder Embedder
	Events   http.Handler
	Tokens   *auth.TokenManager
	Observer QueryObserver
	Logger   *logging.Logger
	Version  string
}

// Handler serves the HTTP API
type Handler struct {
	manager  *jobs.Manager
	store    Pinger
	corpus   Corpus
	embedder Embedder
	events   http.Handler
	tokens   *auth.TokenManager
	observer QueryObserver
	logger   *logging.Logger
	validate *validator.Validate
	version  string
	started  time.Time
}

type nopObserver struct{}

func (nopObserver) SimilarityQuery(string, error) {}

// NewHandler creates a handler
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Handler{
		manager:  cfg.Manager,
		store:    cfg.Store,
		corpus:   cfg.Corpus,
		embedder: cfg.Embedder,
		events:   cfg.Events,
		tokens:   cfg.Tokens,
		observer: cfg.Observer,
		logger:   cfg.Logger.WithComponent("api"),
		validate: newValidator(),
		version:  cfg.Version,
		started:  time.Now(),
	}
}

// RegisterRoutes registers all API routes.
// Fixed paths under /jobs are registered before /jobs/{id}.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/jobs/stats", h.GetStats).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/prune", h.PruneJobs).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", h.CreateJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", h.DeleteJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/progress", h.UpdateProgress).Methods(http.MethodPost)

	v1.HandleFunc("/commands", h.ListCommands).Methods(http.MethodGet)

	v1.HandleFunc("/similar", h.Similar).Methods(http.MethodPost)
	v1.HandleFunc("/search", h.Search).Methods(http.MethodPost)
	v1.HandleFunc("/experiences/{id}", h.GetExperience).Methods(http.MethodGet)

	if h.tokens != nil {
		v1.HandleFunc("/tokens", h.CreateToken).Methods(http.MethodPost)
	}
	if h.events != nil {
		v1.Handle("/events", h.events).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and writes a generic 500
func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, map[string]interface{}{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	writeError(w, http.StatusInternalServerError, msg)
}
