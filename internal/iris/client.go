package iris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cctprelay/internal/cctp"
)

// Config represents Iris client configuration.
type Config struct {
	BaseURL           string
	Environment       string // "production" or "sandbox"
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int // zero selects the default, negative disables retries
	RetryBackoff      time.Duration
}

// Client fetches attestations from Circle's Iris API. Requests go through a rate
// limiter and a circuit breaker. 5xx answers and transport errors are retried with
// exponential backoff before they surface.
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	logger         *zap.Logger
}

func NewClient(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.BaseURL == "" {
		if config.Environment == "sandbox" {
			config.BaseURL = SandboxURL
		} else {
			config.BaseURL = ProductionURL
		}
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}

	cbSettings := gobreaker.Settings{
		Name:        "IrisAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Answers that prove the service is up do not count against it.
		IsSuccessful: func(err error) bool {
			var rateLimited *cctp.RateLimitError
			var apiErr *APIError
			return err == nil || errors.Is(err, cctp.ErrDecode) || errors.As(err, &rateLimited) || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Iris circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:         logger,
	}
}

func (c *Client) BaseURL() string { return c.config.BaseURL }

type v2MessagesResponse struct {
	Messages []cctp.AttestationResponse `json:"messages"`
}

// Fetch returns the attestation entry for query. Unknown messages and transactions
// (404) come back as a pending response. A 429 is a *cctp.RateLimitError and an
// unparseable body wraps cctp.ErrDecode.
func (c *Client) Fetch(ctx context.Context, query cctp.AttestationQuery) (cctp.AttestationResponse, error) {
	switch query.Version {
	case cctp.V1:
		endpoint := "/v1/attestations/" + query.MessageHash.Hex()
		var resp cctp.AttestationResponse
		found, err := c.doRequest(ctx, endpoint, &resp)
		if err != nil {
			return cctp.AttestationResponse{}, fmt.Errorf("get attestation failed: %w", err)
		}
		if !found {
			return pendingResponse(), nil
		}
		return resp, nil

	case cctp.V2:
		endpoint := fmt.Sprintf("/v2/messages/%d?transactionHash=%s",
			uint32(query.SourceDomain), url.QueryEscape(query.TxHash.Hex()))
		var resp v2MessagesResponse
		found, err := c.doRequest(ctx, endpoint, &resp)
		if err != nil {
			return cctp.AttestationResponse{}, fmt.Errorf("get messages failed: %w", err)
		}
		if !found || query.Index >= len(resp.Messages) || query.Index < 0 {
			return pendingResponse(), nil
		}
		return resp.Messages[query.Index], nil
	}
	return cctp.AttestationResponse{}, fmt.Errorf("%w: attestation query version %d", cctp.ErrChainNotSupported, uint32(query.Version))
}

func pendingResponse() cctp.AttestationResponse {
	return cctp.AttestationResponse{Status: cctp.ServiceStatusPending}
}

// Ping checks that the service answers at all. Any HTTP response counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("iris unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, endpoint string, response interface{}) (bool, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}

	found, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.doRequestInternal(ctx, endpoint, response)
	})
	if err != nil {
		return false, err
	}
	return found.(bool), nil
}

func (c *Client) doRequestInternal(ctx context.Context, endpoint string, response interface{}) (bool, error) {
	fullURL := c.config.BaseURL + endpoint

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return false, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			c.logger.Warn("Iris server error",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			continue
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return false, &cctp.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
		case resp.StatusCode >= 400:
			apiErr := &APIError{}
			if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(body))
			}
			apiErr.StatusCode = resp.StatusCode
			return false, apiErr
		}

		if err := json.Unmarshal(body, response); err != nil {
			return false, fmt.Errorf("%w: unmarshal response: %v", cctp.ErrDecode, err)
		}
		return true, nil
	}
	return false, lastErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
