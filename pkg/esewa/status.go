package esewa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/krishiconnect/marketplace-backend/pkg/errors"
)

const (
	defaultStatusTimeout        = 10 * time.Second
	responseBodyReadLimit int64 = 1024
)

// StatusQuery identifies the transaction to look up.
type StatusQuery struct {
	ProductCode     string
	TotalAmount     string
	TransactionUUID string
}

// StatusResponse is the gateway's authoritative view of a transaction.
type StatusResponse struct {
	Status          string
	RefID           string
	TotalAmount     string
	ProductCode     string
	TransactionUUID string
}

// IsComplete reports whether the gateway confirms completion.
func (r *StatusResponse) IsComplete() bool {
	return r != nil && r.Status == StatusComplete
}

// StatusClient queries the gateway's transaction status endpoint.
type StatusClient struct {
	httpClient *http.Client
	statusURL  string
	timeout    time.Duration
}

// Option configures optional client behavior.
type Option func(*StatusClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *StatusClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewStatusClient builds a client for statusURL. Every check is bounded by timeout.
func NewStatusClient(statusURL string, timeout time.Duration, opts ...Option) (*StatusClient, error) {
	trimmed := strings.TrimSpace(statusURL)
	if trimmed == "" {
		return nil, errors.New("esewa status url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid esewa status url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultStatusTimeout
	}

	client := &StatusClient{
		statusURL:  trimmed,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Check asks the gateway for the transaction status. Transport failures,
// timeouts and non-2xx answers are DEPENDENCY_ERROR and never a success.
func (c *StatusClient) Check(ctx context.Context, q StatusQuery) (*StatusResponse, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "esewa status client not configured")
	}
	if strings.TrimSpace(q.TransactionUUID) == "" || strings.TrimSpace(q.TotalAmount) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "transaction uuid and total amount are required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(q), nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build status request")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute status request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "status request failed")
	}

	var apiResp map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode status response")
	}

	return &StatusResponse{
		Status:          scalarText(apiResp["status"]),
		RefID:           scalarText(apiResp["ref_id"]),
		TotalAmount:     scalarText(apiResp["total_amount"]),
		ProductCode:     scalarText(apiResp["product_code"]),
		TransactionUUID: scalarText(apiResp["transaction_uuid"]),
	}, nil
}

func (c *StatusClient) buildURL(q StatusQuery) string {
	params := url.Values{}
	params.Set("product_code", q.ProductCode)
	params.Set("total_amount", q.TotalAmount)
	params.Set("transaction_uuid", q.TransactionUUID)

	sep := "?"
	if strings.Contains(c.statusURL, "?") {
		sep = "&"
	}
	return c.statusURL + sep + params.Encode()
}
