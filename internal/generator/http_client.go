package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"montage/internal/config"
)

const userAgent = "Montage-Go/0.1.0"

// HTTPClient talks to a collaborator exposing:
//
//	POST   {endpoint}/v1/executions          execute a stage
//	GET    {endpoint}/v1/executions/{token}  poll parked work
//	DELETE {endpoint}/v1/executions/{token}  abort parked work
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient builds a client from the generator config section.
func NewHTTPClient(cfg config.Generator) (*HTTPClient, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("generator endpoint is not configured")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("generator endpoint: %w", err)
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type wireResponse struct {
	Status     string          `json:"status"`
	ContentRef string          `json:"content_ref"`
	Kind       string          `json:"kind"`
	Token      string          `json:"token"`
	Extra      json.RawMessage `json:"extra"`
	Error      string          `json:"error"`
	Retryable  bool            `json:"retryable"`
}

// Execute implements Generator.
func (c *HTTPClient) Execute(ctx context.Context, req Request) (Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode generator request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/executions", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build generator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	return c.do(httpReq, req.Stage)
}

// Poll implements Generator.
func (c *HTTPClient) Poll(ctx context.Context, token string) (Outcome, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/executions/"+url.PathEscape(token), nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("build poll request: %w", err)
	}
	return c.do(httpReq, "")
}

// Abort implements Generator.
func (c *HTTPClient) Abort(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint+"/v1/executions/"+url.PathEscape(token), nil)
	if err != nil {
		return fmt.Errorf("build abort request: %w", err)
	}
	_, err = c.do(httpReq, "")
	return err
}

func (c *HTTPClient) do(req *http.Request, stage string) (Outcome, error) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Outcome{}, err
		}
		return Outcome{}, &Error{Stage: stage, Message: "request failed", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, &Error{Stage: stage, Message: "read response", Retryable: true, Cause: err}
	}

	var wire wireResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &wire); err != nil && resp.StatusCode < 300 {
			return Outcome{}, &Error{Stage: stage, Message: "decode response", Cause: err}
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Outcome{}, &Error{Stage: stage, Message: statusMessage(resp.StatusCode, wire.Error), Retryable: true}
	case resp.StatusCode >= 400:
		return Outcome{}, &Error{Stage: stage, Message: statusMessage(resp.StatusCode, wire.Error), Retryable: wire.Retryable}
	}

	switch wire.Status {
	case "failed":
		return Outcome{}, &Error{Stage: stage, Message: wire.Error, Retryable: wire.Retryable}
	case "pending", "accepted":
		if wire.Token == "" {
			return Outcome{}, &Error{Stage: stage, Message: "pending response without token", Retryable: true}
		}
		return Outcome{Pending: true, Token: wire.Token}, nil
	}
	if req.Method == http.MethodDelete {
		return Outcome{}, nil
	}
	if wire.ContentRef == "" {
		return Outcome{}, &Error{Stage: stage, Message: "response missing content_ref"}
	}
	return Outcome{ContentRef: wire.ContentRef, Kind: wire.Kind, Token: wire.Token, Extra: wire.Extra}, nil
}

func statusMessage(code int, detail string) string {
	if detail = strings.TrimSpace(detail); detail != "" {
		return fmt.Sprintf("status %d: %s", code, detail)
	}
	return fmt.Sprintf("status %d", code)
}
