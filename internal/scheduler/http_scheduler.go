package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"frameworks/fedmgr/internal/clients"
	"frameworks/fedmgr/internal/logging"
)

// HTTPScheduler is the production Scheduler: a thin JSON-over-HTTP client
// to the local scheduler daemon, using the same retry + circuit-breaker
// discipline as configstore.HTTPClient. Scheduling policy and accounting
// live entirely on the other side of this boundary (spec Non-goals); this
// client only forwards the calls fedmgr's worker loops need to make.
type HTTPScheduler struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// HTTPSchedulerConfig configures HTTPScheduler.
type HTTPSchedulerConfig struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

func NewHTTPScheduler(cfg HTTPSchedulerConfig) *HTTPScheduler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	retryConfig := clients.DefaultRetryConfig()
	if cfg.RetryConfig != nil {
		retryConfig = *cfg.RetryConfig
	}
	if cfg.CircuitBreakerConfig != nil {
		retryConfig.CircuitBreaker = clients.NewCircuitBreaker(*cfg.CircuitBreakerConfig)
	}
	return &HTTPScheduler{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		serviceToken: cfg.ServiceToken,
		logger:       cfg.Logger,
		retryConfig:  retryConfig,
	}
}

func (c *HTTPScheduler) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	resp, err := clients.DoWithRetry(ctx, c.httpClient, req, c.retryConfig)
	if err != nil {
		return fmt.Errorf("scheduler: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrIndexNotAssigned
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("scheduler: %s %s returned %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPScheduler) NextLocalID(ctx context.Context) (uint32, error) {
	var out struct {
		LocalID uint32 `json:"local_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/next-id", nil, &out); err != nil {
		return 0, err
	}
	return out.LocalID, nil
}

func (c *HTTPScheduler) Allocate(ctx context.Context, localID uint32, desc JobDesc) (JobState, error) {
	var st JobState
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/jobs/%d", localID), desc, &st)
	return st, err
}

func (c *HTTPScheduler) Requeue(ctx context.Context, localID uint32, clearHold bool, uid uint32) error {
	body := struct {
		ClearHold bool   `json:"clear_hold"`
		UID       uint32 `json:"uid"`
	}{clearHold, uid}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/requeue", localID), body, nil)
}

func (c *HTTPScheduler) Revoke(ctx context.Context, localID uint32, isComplete bool, rc int, startTime time.Time) error {
	body := struct {
		Complete   bool      `json:"complete"`
		ReturnCode int       `json:"return_code"`
		StartTime  time.Time `json:"start_time"`
	}{isComplete, rc, startTime}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/revoke", localID), body, nil)
}

func (c *HTTPScheduler) FindJob(ctx context.Context, localID uint32) (JobState, error) {
	var st JobState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%d", localID), nil, &st)
	return st, err
}

func (c *HTTPScheduler) KillStep(ctx context.Context, localID uint32, killMsg string, uid uint32) error {
	body := struct {
		Msg string `json:"msg"`
		UID uint32 `json:"uid"`
	}{killMsg, uid}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/jobs/%d/kill", localID), body, nil)
}

func (c *HTTPScheduler) PurgeJob(ctx context.Context, localID uint32) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/jobs/%d", localID), nil, nil)
}

func (c *HTTPScheduler) Update(ctx context.Context, localID uint32, desc JobDesc, submitter string, uid uint32) error {
	body := struct {
		Desc      JobDesc `json:"desc"`
		Submitter string  `json:"submitter"`
		UID       uint32  `json:"uid"`
	}{desc, submitter, uid}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/jobs/%d", localID), body, nil)
}
