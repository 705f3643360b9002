// Package edgefn invokes the hosted server-side procedures (refund issuance)
// over HTTP.
package edgefn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wellnest/marketplace-api/pkg/logging"
)

// ErrProcedureUnavailable means the procedure could not be reached or is not
// deployed. Callers may fall back to a local path.
var ErrProcedureUnavailable = errors.New("edgefn: procedure unavailable")

// Result is the procedure's response envelope.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config describes the procedure host.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client posts JSON payloads to named procedures.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Invoke calls procedure name with payload. Transport failures, 404 and 5xx
// responses wrap ErrProcedureUnavailable; a reachable procedure that declines
// returns a Result with Success false and a nil error.
func (c *Client) Invoke(ctx context.Context, name string, payload any) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: %s: no base url configured", ErrProcedureUnavailable, name)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("edgefn: %s: encode payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("edgefn: %s: request build: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProcedureUnavailable, name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	c.logger.Debug("edgefn: invoked", "procedure", name, "status", resp.StatusCode, "duration_ms", time.Since(started).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s: status %d", ErrProcedureUnavailable, name, resp.StatusCode)
	case resp.StatusCode >= http.StatusMultipleChoices:
		return &Result{Success: false, Error: errorMessage(raw, resp.StatusCode)}, nil
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("edgefn: %s: decode response: %w", name, err)
		}
	}
	result := &Result{Success: true, Data: envelope.Data, Error: envelope.Error}
	if envelope.Success != nil {
		result.Success = *envelope.Success
	}
	return result, nil
}

func errorMessage(raw []byte, status int) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("procedure returned status %d", status)
}
