// Package client is a Go client for the fieldkit local HTTP API.
package client

import (
	"bytes"
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

	"github.com/sethvargo/go-retry"
)

// Client talks to a running fieldkit server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Health returns the server's health. It needs no API key.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// WaitReady polls Health with exponential backoff until the server answers
// or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	b := retry.WithCappedDuration(time.Second, retry.NewExponential(20*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if _, err := c.Health(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Values returns the resolved fields of an instance.
func (c *Client) Values(ctx context.Context, key InstanceKey) ([]Field, error) {
	var resp struct {
		Fields []Field `json:"fields"`
	}
	if err := c.do(ctx, http.MethodGet, instancePath(key)+"/values", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

// Save records a local edit. A nil value leaves the value unchanged and
// records a comment only; "" clears the field.
func (c *Client) Save(ctx context.Context, key InstanceKey, dataElementID, categoryOptionComboID string, value, comment *string) error {
	path := instancePath(key) + "/values/" + url.PathEscape(dataElementID) + "/" + url.PathEscape(categoryOptionComboID)
	body := map[string]*string{"value": value, "comment": comment}
	return c.do(ctx, http.MethodPut, path, nil, body, nil)
}

// State returns the sync and completion state of an instance.
func (c *Client) State(ctx context.Context, key InstanceKey) (*InstanceState, error) {
	var st InstanceState
	if err := c.do(ctx, http.MethodGet, instancePath(key)+"/state", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetCompletion moves an instance to a new completion state. Completing an
// instance with blocking validation errors fails with a 409 Error whose
// Issues list the errors.
func (c *Client) SetCompletion(ctx context.Context, key InstanceKey, state string) (*Completion, error) {
	var rec Completion
	body := map[string]string{"state": state}
	if err := c.do(ctx, http.MethodPut, instancePath(key)+"/completion", nil, body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate evaluates the validation rules of an instance.
func (c *Client) Validate(ctx context.Context, key InstanceKey) (*ValidationSummary, error) {
	var s ValidationSummary
	if err := c.do(ctx, http.MethodPost, instancePath(key)+"/validate", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SyncInstance synchronizes one instance and waits for the result.
func (c *Client) SyncInstance(ctx context.Context, key InstanceKey) (*SyncResult, error) {
	return c.sync(ctx, instancePath(key)+"/sync", nil)
}

// Sync starts a global sync. With wait the call returns the finished
// result; without it the result only carries the "accepted" status.
func (c *Client) Sync(ctx context.Context, force, wait bool) (*SyncResult, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	if wait {
		q.Set("wait", "true")
	}
	return c.sync(ctx, "/api/v1/sync", q)
}

// sync posts a sync request. A run already in progress (409) or a
// throttled request (429) is reported through the result status, not as an
// error.
func (c *Client) sync(ctx context.Context, path string, q url.Values) (*SyncResult, error) {
	var res SyncResult
	err := c.do(ctx, http.MethodPost, path, q, nil, &res)
	if err == nil {
		return &res, nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusConflict || apiErr.Status == http.StatusTooManyRequests) {
		if jsonErr := json.Unmarshal(apiErr.body, &res); jsonErr == nil && res.Status != "" {
			return &res, nil
		}
	}
	return nil, err
}

// CancelSync cancels the sync in flight, if any.
func (c *Client) CancelSync(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sync", nil, nil, nil)
}

// ClearSyncError clears the sticky sync error state.
func (c *Client) ClearSyncError(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sync/error", nil, nil, nil)
}

// Progress returns the sync run in flight, or nil when idle.
func (c *Client) Progress(ctx context.Context) (*Progress, error) {
	var resp struct {
		Progress *Progress `json:"progress"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync/progress", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Progress, nil
}

// ListInstances lists the instances of a program in an explicit page window.
func (c *Client) ListInstances(ctx context.Context, programID string, offset, limit int) ([]InstanceSummary, error) {
	q := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	var resp struct {
		Instances []InstanceSummary `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/programs/"+url.PathEscape(programID)+"/instances", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func instancePath(k InstanceKey) string {
	return "/api/v1/instances/" + url.PathEscape(k.ProgramID) + "/" + url.PathEscape(k.Period) +
		"/" + url.PathEscape(k.OrgUnitID) + "/" + url.PathEscape(k.AttributeOptionComboID)
}

// do sends an authenticated request. Non-2xx responses are decoded into
// an *Error.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), body: data}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
