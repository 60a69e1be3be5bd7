package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"

	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/logger"
)

const removeInactivePath = "/v1/associations/inactive:remove"

// APIError is a non-2xx answer from the companion service
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("companion API error (status %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying later may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type removeInactiveRequest struct {
	SelfManagedOnly bool `json:"self_managed_only"`
	InactiveDays    int  `json:"inactive_days"`
}

type removeInactiveResponse struct {
	Removed int `json:"removed"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// AssociationConfig holds configuration for the companion service client
type AssociationConfig struct {
	BaseURL            string
	Timeout            time.Duration
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// DefaultAssociationConfig returns a default configuration
func DefaultAssociationConfig() AssociationConfig {
	return AssociationConfig{
		BaseURL:            "http://localhost:8081",
		Timeout:            30 * time.Second,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: time.Minute,
	}
}

// AssociationClient talks to the companion service that owns association records
type AssociationClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *logger.Logger
}

var _ jobs.AssociationRemover = (*AssociationClient)(nil)

// NewAssociationClient creates a client guarded by a circuit breaker
func NewAssociationClient(cfg AssociationConfig) *AssociationClient {
	defaults := DefaultAssociationConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaults.BreakerMaxFailures
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaults.BreakerOpenTimeout
	}

	c := &AssociationClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.New("association-client"),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "companion-api",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		// client errors say nothing about the service's health
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("action", "breaker_state_change").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker changed state")
		},
	})

	return c
}

// RemoveInactiveSelfManagedAssociations asks the companion service to delete
// self-managed associations idle for at least inactiveDays and returns how
// many it removed
func (c *AssociationClient) RemoveInactiveSelfManagedAssociations(ctx context.Context, inactiveDays int) (int, error) {
	body, err := json.Marshal(removeInactiveRequest{
		SelfManagedOnly: true,
		InactiveDays:    inactiveDays,
	})
	if err != nil {
		return 0, errors.Wrap(err, "encode removal request")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, removeInactivePath, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, errors.Wrap(err, "companion API unavailable")
		}
		return 0, err
	}

	return result.(*removeInactiveResponse).Removed, nil
}

func (c *AssociationClient) post(ctx context.Context, path string, body []byte) (*removeInactiveResponse, error) {
	url := c.baseURL + path
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.LogAPICall(http.MethodPost, url, 0, time.Since(start), err)
		return nil, errors.Wrap(err, "failed to make request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		c.logger.LogAPICall(http.MethodPost, url, resp.StatusCode, time.Since(start), apiErr)
		return nil, apiErr
	}

	var result removeInactiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.LogAPICall(http.MethodPost, url, resp.StatusCode, time.Since(start), err)
		return nil, errors.Wrap(err, "failed to decode response")
	}

	c.logger.LogAPICall(http.MethodPost, url, resp.StatusCode, time.Since(start), nil)
	return &result, nil
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var parsed errorResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(data))
}
