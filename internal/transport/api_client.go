package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/unioneyes/claimsync/internal/config"
	"github.com/unioneyes/claimsync/internal/creds"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
)

// APIClient talks to the claims API over HTTP. It carries no internal
// retry: failed writes are the queue's to reschedule, so one call maps
// to exactly one request on the wire.
type APIClient struct {
	client       *http.Client
	uploadClient *http.Client
	baseURL      string
	userAgent    string
	tokens       *creds.TokenStore
	logger       *events.Logger

	// invoked once per rejected bearer
	onUnauthorized func()
}

// NewAPIClient creates an API client.
func NewAPIClient(cfg *config.APIConfig, tokens *creds.TokenStore, logger *events.Logger) *APIClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &APIClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		uploadClient: &http.Client{
			Timeout:   cfg.UploadTimeout,
			Transport: transport,
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		tokens:    tokens,
		logger:    logger.WithField("component", "api_client"),
	}
}

// OnUnauthorized registers a callback fired when the API rejects the
// bearer token.
func (c *APIClient) OnUnauthorized(fn func()) {
	c.onUnauthorized = fn
}

// CreateEntity POSTs a new entity to the collection endpoint.
func (c *APIClient) CreateEntity(ctx context.Context, endpoint string, data json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPost, c.baseURL+endpoint, data, nil, c.client)
	return err
}

// UpdateEntity PUTs the full entity to {endpoint}/{id}.
func (c *APIClient) UpdateEntity(ctx context.Context, endpoint, id string, data json.RawMessage) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s%s/%s", c.baseURL, endpoint, url.PathEscape(id)), data, nil, c.client)
	return err
}

// DeleteEntity removes the entity on the server.
func (c *APIClient) DeleteEntity(ctx context.Context, endpoint, id string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s%s/%s", c.baseURL, endpoint, url.PathEscape(id)), nil, nil, c.client)
	return err
}

// PullUpdates fetches one page of server-side changes newer than the
// given watermark.
func (c *APIClient) PullUpdates(ctx context.Context, endpoint string, updatedAfter int64, limit, offset int) (*models.PullPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if updatedAfter > 0 {
		q.Set("updatedAfter", strconv.FormatInt(updatedAfter, 10))
	}

	body, err := c.do(ctx, http.MethodGet, c.baseURL+endpoint+"?"+q.Encode(), nil, nil, c.client)
	if err != nil {
		return nil, err
	}

	var page models.PullPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse pull response: %w", err)
	}
	return &page, nil
}

// Upload sends a large payload using the longer upload timeout.
func (c *APIClient) Upload(ctx context.Context, uploadURL, method string, data json.RawMessage, headers map[string]string) error {
	if method == "" {
		method = http.MethodPost
	}
	_, err := c.do(ctx, method, uploadURL, data, headers, c.uploadClient)
	return err
}

// Login exchanges credentials for a token and stores it.
func (c *APIClient) Login(ctx context.Context, email, password string) (*creds.Token, error) {
	payload, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login payload: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/auth/login", payload, nil, c.client)
	if err != nil {
		return nil, err
	}

	var token creds.Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parse login response: %w", err)
	}

	if err := c.tokens.SetToken(&token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return &token, nil
}

// Execute runs a queued operation against the API. Implements the
// queue's executor contract.
func (c *APIClient) Execute(ctx context.Context, op *models.Operation) error {
	target := op.URL
	if target == "" {
		target = c.baseURL + "/" + op.Entity
	}

	switch op.Type {
	case models.OpCreate:
		return c.CreateEntity(ctx, "/"+op.Entity, op.Data)

	case models.OpUpdate:
		id, err := models.EntityID(op.Data)
		if err != nil {
			return err
		}
		return c.UpdateEntity(ctx, "/"+op.Entity, id, op.Data)

	case models.OpDelete:
		id, err := models.EntityID(op.Data)
		if err != nil {
			return err
		}
		return c.DeleteEntity(ctx, "/"+op.Entity, id)

	case models.OpUpload:
		return c.Upload(ctx, target, op.Method, op.Data, op.Headers)

	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// do executes one request and returns the response body. Non-2xx
// responses become *models.APIError when the body parses as one.
func (c *APIClient) do(ctx context.Context, method, target string, body json.RawMessage, headers map[string]string, client *http.Client) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if reqID := events.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if token, err := c.tokens.Token(); err == nil {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	logger := c.logger
	if reqID := events.GetRequestID(ctx); reqID != "" {
		logger = logger.WithField("request_id", reqID)
	}

	logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    target,
		"size":   len(body),
	}).Debug("Sending request")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"status": resp.StatusCode,
		"size":   len(respBody),
	}).Debug("Received response")

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr models.APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Message != "" {
			apiErr.StatusCode = resp.StatusCode
			return nil, &apiErr
		}
		return nil, &models.APIError{
			Code:       "http_error",
			Message:    string(respBody),
			StatusCode: resp.StatusCode,
		}
	}

	return respBody, nil
}
