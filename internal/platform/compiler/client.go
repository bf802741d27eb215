package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"code_exec_service/internal/common"
	"code_exec_service/internal/monitor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxResponseBytes = 4 << 20

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	OAuth2  *clientcredentials.Config
}

// Request is the outbound run-code body.
type Request struct {
	Compiler    string       `json:"compiler"`
	Code        string       `json:"code"`
	Input       string       `json:"input"`
	CallbackURL string       `json:"callback_url,omitempty"`
	ExtraParams *ExtraParams `json:"extra_params,omitempty"`
}

type ExtraParams struct {
	ExecutionID string `json:"execution_id"`
}

// Client calls the third-party run-code API.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
	tracer *monitor.Tracer
}

// NewClient builds a Client. When cfg.OAuth2 is set, requests carry a bearer
// token from the client-credentials flow instead of the static API key.
func NewClient(cfg Config, tracer *monitor.Tracer) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := &http.Client{Timeout: timeout}
	httpClient := base
	if cfg.OAuth2 != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cfg.OAuth2.Client(ctx)
		httpClient.Timeout = timeout
	}
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		http:   httpClient,
		tracer: tracer,
	}
}

// Run executes code synchronously and returns the provider's result.
func (c *Client) Run(ctx context.Context, req Request) (*Result, error) {
	body, err := c.post(ctx, "run", req)
	if err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, common.Errorf("decode compiler response: %v: %w", err, common.ErrUpstream)
	}
	res := resp.Result()
	return &res, nil
}

// Dispatch submits code for asynchronous execution. The result is delivered
// later to req.CallbackURL.
func (c *Client) Dispatch(ctx context.Context, req Request) error {
	if req.CallbackURL == "" || req.ExtraParams == nil || req.ExtraParams.ExecutionID == "" {
		return common.Errorf("dispatch requires a callback url and execution id: %w", common.ErrValidation)
	}
	_, err := c.post(ctx, "dispatch", req)
	return err
}

func (c *Client) post(ctx context.Context, op string, req Request) ([]byte, error) {
	ctx, span := c.tracer.StartSpan(ctx, "compiler."+op,
		monitor.AttrCompiler.String(req.Compiler),
		attribute.Int("code.size", len(req.Code)),
	)
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal compiler request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build compiler request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		monitor.FailSpan(span, err, "request failed")
		return nil, common.Errorf("call compiler api: %w: %w", err, common.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		monitor.FailSpan(span, err, "read failed")
		return nil, common.Errorf("read compiler response: %v: %w", err, common.ErrUpstream)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, common.Errorf("compiler api returned HTTP %d: %s: %w", resp.StatusCode, truncate(string(body), 512), common.ErrUpstream)
	}
	return body, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
