// Package configstore implements the production client for the federation
// configuration store: the authoritative, externally-owned source of truth
// for federation membership. The contract itself (federation.ConfigStore)
// lives next to its consumer; this package supplies the JSON-over-HTTP
// implementation, with the same retry and circuit-breaker discipline as
// the fleet's other inter-service clients.
package configstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"frameworks/fedmgr/internal/clients"
	"frameworks/fedmgr/internal/federation"
	"frameworks/fedmgr/internal/logging"
)

// HTTPClient is the production federation.ConfigStore: a thin
// JSON-over-HTTP client to the federation configuration store service.
type HTTPClient struct {
	baseURL      string
	httpClient   *http.Client
	serviceToken string
	logger       logging.Logger
	retryConfig  clients.RetryConfig
}

// HTTPClientConfig configures HTTPClient.
type HTTPClientConfig struct {
	BaseURL              string
	ServiceToken         string
	Timeout              time.Duration
	Logger               logging.Logger
	RetryConfig          *clients.RetryConfig
	CircuitBreakerConfig *clients.CircuitBreakerConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
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
	return &HTTPClient{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		serviceToken: cfg.ServiceToken,
		logger:       cfg.Logger,
		retryConfig:  retryConfig,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
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
		return &federation.TransportError{Peer: "configstore", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("configstore: %s %s returned %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) GetFederations(ctx context.Context, controllerName string) (federation.FederationRecord, bool, error) {
	var rec federation.FederationRecord
	err := c.do(ctx, http.MethodGet, "/federations/"+controllerName, nil, &rec)
	if err != nil {
		return federation.FederationRecord{}, false, err
	}
	if rec.Name == "" {
		return federation.FederationRecord{}, false, nil
	}
	return rec, true, nil
}

func (c *HTTPClient) ModifyClusters(ctx context.Context, fedName string, deltas []federation.ClusterDelta) error {
	return c.do(ctx, http.MethodPatch, "/federations/"+fedName+"/clusters", deltas, nil)
}

func (c *HTTPClient) ModifyFederations(ctx context.Context, fedName string, delta federation.FederationDelta) error {
	return c.do(ctx, http.MethodPatch, "/federations/"+fedName, delta, nil)
}

// Watch long-polls the store's streaming-update endpoint, emitting one
// newline-delimited-JSON record per line onto the returned channel.
func (c *HTTPClient) Watch(ctx context.Context, controllerName string) (<-chan federation.FederationRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/federations/"+controllerName+"/watch", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &federation.TransportError{Peer: "configstore", Err: err}
	}

	out := make(chan federation.FederationRecord, 4)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var rec federation.FederationRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				c.logger.WithError(err).Warn("configstore watch: malformed update, dropping")
				continue
			}
			out <- rec
		}
	}()
	return out, nil
}
