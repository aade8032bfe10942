// Package request provides the HTTP client shared by the remote data
// sources: rate-limited, retrying with exponential backoff, and backed by
// the local response cache.
package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"geopop/pkg/cache"
	"geopop/pkg/config"
)

// ErrTransient marks failures worth retrying: network errors, timeouts,
// rate-limit signals, server errors, and unparsable response bodies.
var ErrTransient = errors.New("transient request failure")

// Client handles HTTP requests with rate limiting, retry, and caching.
type Client struct {
	httpClient *http.Client
	cache      cache.Cacher
	limiter    *rate.Limiter
	userAgent  string

	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// New creates a new Client. maxQPS bounds the request rate; zero or
// negative disables rate limiting.
func New(cfg *config.RequestConfig, c cache.Cacher, maxQPS float64, userAgent string) *Client {
	var limiter *rate.Limiter
	if maxQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxQPS), 1)
	}
	if c == nil {
		c = cache.NullCache{}
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout.Std()},
		cache:      c,
		limiter:    limiter,
		userAgent:  userAgent,
		retries:    cfg.Retries,
		baseDelay:  cfg.Backoff.BaseDelay.Std(),
		maxDelay:   cfg.Backoff.MaxDelay.Std(),
	}
}

// Get performs a GET request, caching the body if cacheKey is provided.
func (c *Client) Get(ctx context.Context, u string, headers map[string]string, cacheKey string) ([]byte, error) {
	return c.do(ctx, u, headers, cacheKey, nil)
}

// GetJSON performs a GET request and decodes the body into v. A body that
// fails to decode counts as a transient failure and is retried; only
// decodable bodies are cached.
func (c *Client) GetJSON(ctx context.Context, u string, headers map[string]string, cacheKey string, v any) error {
	decode := func(body []byte) error {
		return json.Unmarshal(body, v)
	}
	_, err := c.do(ctx, u, headers, cacheKey, decode)
	return err
}

func (c *Client) do(ctx context.Context, u string, headers map[string]string, cacheKey string, decode func([]byte) error) ([]byte, error) {
	// Cache hits bypass the limiter entirely.
	if cacheKey != "" {
		if val, hit := c.cache.GetCache(ctx, cacheKey); hit {
			slog.Debug("cache hit", "key", cacheKey)
			if decode != nil {
				if err := decode(val); err == nil {
					return val, nil
				}
				// A stale unparsable entry falls through to the network.
				slog.Warn("discarding undecodable cache entry", "key", cacheKey)
			} else {
				return val, nil
			}
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			slog.Warn("request failed, retrying", "url", u, "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, err := c.attempt(ctx, u, headers)
		if err == nil && decode != nil {
			if decodeErr := decode(body); decodeErr != nil {
				err = fmt.Errorf("%w: undecodable response: %v", ErrTransient, decodeErr)
			}
		}
		if err == nil {
			if cacheKey != "" {
				if cacheErr := c.cache.SetCache(ctx, cacheKey, body); cacheErr != nil {
					slog.Error("failed to cache response", "url", u, "error", cacheErr)
				}
			}
			return body, nil
		}

		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// attempt performs a single HTTP round trip.
func (c *Client) attempt(ctx context.Context, u string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors and client timeouts are retryable.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read error: %v", ErrTransient, err)
	}
	return body, nil
}

// backoffDelay returns base * 2^(attempt-1), capped at the configured max.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}
