// Package llm wraps the OpenAI API for the two things the corpus needs:
// a structured description of an experience and embedding vectors.
package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/retry"
)

const (
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEmbeddingModel = "text-embedding-3-small"
	// MaxEmbeddingBatch is the largest input array the embeddings endpoint accepts
	MaxEmbeddingBatch = 100
)

var (
	ErrAPIKeyNotSet          = errors.New("llm api key not set: set PLAYSCOPE_LLM_API_KEY or OPENAI_API_KEY")
	ErrInvalidResponseFormat = errors.New("invalid response format")
)

// Config configures a Client
type Config struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
	// MaxTokens caps each input; 0 disables truncation
	MaxTokens   int
	Temperature float64
	Retry       retry.Config
	HTTPClient  *http.Client
	Logger      *logging.Logger
}

// Client implements Describe and Embed
type Client struct {
	api      openai.Client
	cfg      Config
	breaker  *gobreaker.CircuitBreaker[any]
	truncate *Truncator
	schema   *descriptionSchema
	logger   *logging.Logger
}

// New builds a client; it fails only when no API key is configured
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.Config{
			MaxRetries:     3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     32 * time.Second,
			Multiplier:     2,
		}
	}
	cfg.Retry.ShouldRetry = isRetryable
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are handled by pkg/retry so they are visible to the breaker
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	schema, err := compileDescriptionSchema()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.WithComponent("llm")
	c := &Client{
		api:    openai.NewClient(opts...),
		cfg:    cfg,
		schema: schema,
		logger: logger,
	}
	if cfg.MaxTokens > 0 {
		c.truncate = NewTruncator(cfg.MaxTokens)
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return c, nil
}

// call runs fn under the retry policy with every attempt passing through the breaker
func call[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		v, err := c.breaker.Execute(func() (any, error) {
			return fn()
		})
		if err != nil {
			if isRateLimitError(err) {
				c.logger.Debug("Rate limited by llm api")
			}
			return err
		}
		out = v.(T)
		return nil
	})
	return out, err
}

func (c *Client) clip(text string) string {
	if c.truncate == nil {
		return text
	}
	return c.truncate.Truncate(text)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retry.IsRetryableStatus(apiErr.StatusCode)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, ErrInvalidResponseFormat) {
		return false
	}
	return retry.IsRetryable(err)
}
