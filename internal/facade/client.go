// Package facade is the HTTP client for the rule-management service that
// executes firewall mutations on the enforcement device. It exposes the
// four rule operations plus a health probe, and classifies every non-2xx
// response into the pipeline's error taxonomy.
//
// The client deliberately performs no retries of its own: retry policy is
// owned by the dispatcher so that each attempt yields exactly one history
// row and per-subscriber ordering is preserved.
package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

// HeaderIdempotencyKey carries the deterministic mutation key; the facade
// suppresses duplicates bearing the same key.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// CreateBlockRequest is the POST /api/v1/rules/block body.
type CreateBlockRequest struct {
	SourceIP string           `json:"sourceIP"`
	AppName  string           `json:"appName"`
	Ports    []model.PortRule `json:"ports"`
	MSISDN   string           `json:"phoneId"`
	RuleName string           `json:"ruleName,omitempty"`
}

// CreateBlockResponse is the 2xx body of a create.
type CreateBlockResponse struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
}

// Client talks to the rule facade.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a Client with the given per-call timeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		tracer:  otel.Tracer("rule-facade-client"),
	}
}

// CreateBlock installs a block rule for one app on one source address.
func (c *Client) CreateBlock(ctx context.Context, req CreateBlockRequest, idemKey string) (CreateBlockResponse, error) {
	ctx, span := c.tracer.Start(ctx, "facade.create_block")
	defer span.End()

	var resp CreateBlockResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/rules/block", req, idemKey, &resp)
	if err != nil {
		span.RecordError(err)
		return CreateBlockResponse{}, err
	}
	c.logger.Info("created block rule",
		zap.String("msisdn", req.MSISDN),
		zap.String("app", req.AppName),
		zap.String("rule_id", resp.RuleID),
	)
	return resp, nil
}

// UpdateBlock rebinds an existing rule to a new source address.
func (c *Client) UpdateBlock(ctx context.Context, ruleID, newSourceIP, idemKey string) error {
	ctx, span := c.tracer.Start(ctx, "facade.update_block")
	defer span.End()

	body := map[string]string{"newSourceIP": newSourceIP}
	err := c.do(ctx, http.MethodPut, "/api/v1/rules/"+ruleID, body, idemKey, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	c.logger.Info("updated block rule",
		zap.String("rule_id", ruleID),
		zap.String("new_source_ip", newSourceIP),
	)
	return nil
}

// DeleteBlock removes a rule. A 404 surfaces as KindNotFound; the executor
// treats it as already-gone.
func (c *Client) DeleteBlock(ctx context.Context, ruleID, idemKey string) error {
	ctx, span := c.tracer.Start(ctx, "facade.delete_block")
	defer span.End()

	err := c.do(ctx, http.MethodDelete, "/api/v1/rules/"+ruleID, nil, idemKey, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	c.logger.Info("deleted block rule", zap.String("rule_id", ruleID))
	return nil
}

// Verify reports whether the rule still exists on the device.
func (c *Client) Verify(ctx context.Context, ruleID string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "facade.verify")
	defer span.End()

	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/rules/"+ruleID, nil, "", &resp)
	if model.KindOf(err) == model.KindNotFound {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return resp.Status == "active", nil
}

// Health probes the facade's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

// do executes one request and decodes a 2xx JSON body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, idemKey string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return model.Fatal(fmt.Errorf("marshal %s %s: %w", method, path, err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return model.Fatal(fmt.Errorf("build %s %s: %w", method, path, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return model.Transient(fmt.Errorf("%s %s: decode response: %w", method, path, err))
		}
	}
	return nil
}

// classify maps a facade response status to the error taxonomy.
func classify(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return model.NotFound(fmt.Errorf("facade returned 404"))
	case code == http.StatusConflict:
		return model.Conflict(fmt.Errorf("facade returned 409"))
	case code == http.StatusTooManyRequests:
		return model.RateLimited(fmt.Errorf("facade returned 429"), retryAfter(resp))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.Fatal(fmt.Errorf("facade auth failure: HTTP %d", code))
	case code >= 400 && code < 500:
		return model.Malformed(fmt.Errorf("facade rejected request: HTTP %d", code))
	default:
		return model.Transient(fmt.Errorf("facade returned HTTP %d", code))
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
