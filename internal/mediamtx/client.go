package mediamtx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourusername/camagent/internal/breaker"
	"go.uber.org/zap"
)

// PathConfig mirrors the remote server path configuration fields this agent
// drives. Patch requests marshal only the fields that are set, so booleans
// that participate in patches are pointers.
type PathConfig struct {
	Source                string `json:"source,omitempty"`
	SourceOnDemand        bool   `json:"sourceOnDemand,omitempty"`
	RunOnDemand           string `json:"runOnDemand,omitempty"`
	RunOnDemandRestart    bool   `json:"runOnDemandRestart,omitempty"`
	RunOnDemandCloseAfter string `json:"runOnDemandCloseAfter,omitempty"`
	Record                *bool  `json:"record,omitempty"`
	RecordPath            string `json:"recordPath,omitempty"`
	RecordFormat          string `json:"recordFormat,omitempty"`
}

// PathStatus is the runtime state of a path as reported by the remote server.
type PathStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// pathList is the paged list the remote server returns.
type pathList struct {
	Items     []PathStatus `json:"items"`
	ItemCount int          `json:"itemCount"`
}

// Client talks to the remote media server's control API. Every call passes
// through the circuit breaker; callers scope the context with the deadline
// for their operation kind.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *breaker.Breaker
	logger     *zap.Logger
}

// NewClient creates a control API client.
func NewClient(baseURL string, b *breaker.Breaker, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: b,
		logger:  logger.With(zap.String("component", "mediamtx_client")),
	}
}

// CreatePath adds a new path configuration on the remote server.
func (c *Client) CreatePath(ctx context.Context, name string, config PathConfig) error {
	_, err := c.do(ctx, http.MethodPost, "/v3/config/paths/add/"+name, config)
	return err
}

// PatchPath applies a partial configuration change to an existing path.
func (c *Client) PatchPath(ctx context.Context, name string, config PathConfig) error {
	_, err := c.do(ctx, http.MethodPatch, "/v3/config/paths/patch/"+name, config)
	return err
}

// GetPathConfig fetches the configured state of a path. This is the source
// of truth for "is recording enabled" - it is never cached locally.
func (c *Client) GetPathConfig(ctx context.Context, name string) (*PathConfig, error) {
	body, err := c.do(ctx, http.MethodGet, "/v3/config/paths/get/"+name, nil)
	if err != nil {
		return nil, err
	}

	var config PathConfig
	if err := json.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("failed to decode path config: %w", err)
	}

	return &config, nil
}

// GetPathStatus fetches the runtime state of a path. A path that has never
// been activated answers 404, which maps to ErrPathNotFound.
func (c *Client) GetPathStatus(ctx context.Context, name string) (*PathStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/v3/paths/get/"+name, nil)
	if err != nil {
		return nil, err
	}

	var status PathStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to decode path status: %w", err)
	}

	return &status, nil
}

// ListPaths fetches the runtime state of all active paths.
func (c *Client) ListPaths(ctx context.Context) ([]PathStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/v3/paths/list", nil)
	if err != nil {
		return nil, err
	}

	var list pathList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode path list: %w", err)
	}

	return list.Items, nil
}

// do issues one request through the circuit breaker. Network errors,
// deadline expiry and 5xx responses count as breaker failures; 4xx means
// the remote answered, so only the typed error is returned.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var respBody []byte
	var apiErr *APIError

	execErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reqBody io.Reader
		if payload != nil {
			jsonData, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal request: %w", err)
			}
			reqBody = bytes.NewBuffer(jsonData)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			apiErr = &APIError{StatusCode: resp.StatusCode, Message: string(body)}
			return apiErr
		}

		if resp.StatusCode >= 400 {
			apiErr = &APIError{StatusCode: resp.StatusCode, Message: string(body)}
			return nil
		}

		respBody = body
		return nil
	})

	if execErr != nil {
		if errors.Is(execErr, breaker.ErrOpen) ||
			errors.Is(execErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, execErr)
		}
		return nil, execErr
	}

	if apiErr != nil {
		if apiErr.StatusCode == 404 {
			return nil, fmt.Errorf("%w: %w", ErrPathNotFound, apiErr)
		}
		return nil, apiErr
	}

	return respBody, nil
}
