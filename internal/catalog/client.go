// Package catalog is an HTTP client for the public games catalog: listing,
// details, votes and thumbnails. Requests are throttled client-side, retried
// on 429/5xx, and short-circuited once the remote keeps failing.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/retry"
)

const (
	maxBodyBytes = 16 << 20
	// MaxBatch is the largest number of ids the batch endpoints accept
	MaxBatch = 50
)

// Config configures a Client
type Config struct {
	BaseURL         string
	ThumbnailsURL   string
	RatePerSecond   float64
	PageSize        int
	Retry           retry.Config
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	HTTPClient      *http.Client
	Logger          *logging.Logger
}

// Client talks to the catalog API
type Client struct {
	base    string
	thumbs  string
	size    int
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	retry   retry.Config
	logger  *logging.Logger
}

// New builds a client, filling zero fields with defaults
func New(cfg Config) *Client {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.ThumbnailsURL == "" {
		cfg.ThumbnailsURL = cfg.BaseURL
	}

	logger := cfg.Logger.WithComponent("catalog")
	failures := cfg.BreakerFailures

	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		thumbs:  strings.TrimRight(cfg.ThumbnailsURL, "/"),
		size:    cfg.PageSize,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		retry:   cfg.Retry,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Client errors say nothing about the remote's health
		IsSuccessful: func(err error) bool {
			var statusErr *retry.StatusError
			if errors.As(err, &statusErr) {
				return !retry.IsRetryableStatus(statusErr.StatusCode)
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return c
}

// BreakerState exposes the breaker for health reporting
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// get fetches u through the limiter, breaker and retry policy and returns the body
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, c.retry, func() error {
		b, err := c.breaker.Execute(func() ([]byte, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return c.do(ctx, u)
		})
		if err != nil {
			var statusErr *retry.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
				c.logger.Debug("Rate limited by catalog", map[string]interface{}{"url": u})
			}
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       truncate(string(data), 200),
		}
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	data, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", u, err)
	}
	return nil
}

// Page is one page of a listing
type Page struct {
	IDs        []string
	NextCursor string
}

type listResponse struct {
	NextPageCursor string `json:"nextPageCursor"`
	Data           []struct {
		UniverseID int64 `json:"universeId"`
	} `json:"data"`
}

// ListPage returns one page of experience ids; an empty cursor starts from the beginning
func (c *Client) ListPage(ctx context.Context, cursor string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.size))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp listResponse
	if err := c.getJSON(ctx, c.base+"/v1/games/list?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	page := &Page{NextCursor: resp.NextPageCursor, IDs: make([]string, 0, len(resp.Data))}
	for _, d := range resp.Data {
		page.IDs = append(page.IDs, strconv.FormatInt(d.UniverseID, 10))
	}
	return page, nil
}

type detailsResponse struct {
	Data []struct {
		ID          int64  `json:"id"`
		RootPlaceID int64  `json:"rootPlaceId"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Creator     struct {
			Name string `json:"name"`
		} `json:"creator"`
		Genre          string    `json:"genre"`
		Visits         int64     `json:"visits"`
		Playing        int64     `json:"playing"`
		FavoritedCount int64     `json:"favoritedCount"`
		Updated        time.Time `json:"updated"`
	} `json:"data"`
}

type votesResponse struct {
	Data []struct {
		ID        int64 `json:"id"`
		UpVotes   int64 `json:"upVotes"`
		DownVotes int64 `json:"downVotes"`
	} `json:"data"`
}

// Details fetches metadata and votes for up to MaxBatch ids, in the order returned by the API
func (c *Client) Details(ctx context.Context, ids []string) ([]*models.Experience, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("at most %d ids per request, got %d", MaxBatch, len(ids))
	}
	joined := strings.Join(ids, ",")

	var details detailsResponse
	if err := c.getJSON(ctx, c.base+"/v1/games?universeIds="+url.QueryEscape(joined), &details); err != nil {
		return nil, err
	}

	var votes votesResponse
	if err := c.getJSON(ctx, c.base+"/v1/games/votes?universeIds="+url.QueryEscape(joined), &votes); err != nil {
		return nil, err
	}
	byID := make(map[int64][2]int64, len(votes.Data))
	for _, v := range votes.Data {
		byID[v.ID] = [2]int64{v.UpVotes, v.DownVotes}
	}

	out := make([]*models.Experience, 0, len(details.Data))
	for _, d := range details.Data {
		v := byID[d.ID]
		out = append(out, &models.Experience{
			UniverseID:  strconv.FormatInt(d.ID, 10),
			RootPlaceID: strconv.FormatInt(d.RootPlaceID, 10),
			Name:        d.Name,
			Creator:     d.Creator.Name,
			Genre:       d.Genre,
			Description: d.Description,
			Visits:      d.Visits,
			Playing:     d.Playing,
			Favorites:   d.FavoritedCount,
			UpVotes:     v[0],
			DownVotes:   v[1],
			UpdatedAt:   d.Updated,
		})
	}
	return out, nil
}

type thumbnailsResponse struct {
	Data []struct {
		UniverseID int64 `json:"universeId"`
		Thumbnails []struct {
			State    string `json:"state"`
			ImageURL string `json:"imageUrl"`
		} `json:"thumbnails"`
	} `json:"data"`
}

// Thumbnails returns completed image URLs per id
func (c *Client) Thumbnails(ctx context.Context, ids []string) (map[string][]string, error) {
	if len(ids) == 0 {
		return map[string][]string{}, nil
	}
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("at most %d ids per request, got %d", MaxBatch, len(ids))
	}

	q := url.Values{}
	q.Set("universeIds", strings.Join(ids, ","))
	q.Set("size", "768x432")
	q.Set("format", "Png")

	var resp thumbnailsResponse
	if err := c.getJSON(ctx, c.thumbs+"/v1/games/multiget/thumbnails?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(resp.Data))
	for _, d := range resp.Data {
		id := strconv.FormatInt(d.UniverseID, 10)
		for _, t := range d.Thumbnails {
			if t.State == "Completed" && t.ImageURL != "" {
				out[id] = append(out[id], t.ImageURL)
			}
		}
	}
	return out, nil
}

// Download fetches an absolute URL, typically an image
func (c *Client) Download(ctx context.Context, u string) (io.Reader, error) {
	data, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
