// Package apiclient is an HTTP client for the listener's operator API.
package apiclient

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

	"github.com/proofmint/notarylistener/internal/listener"
	"github.com/proofmint/notarylistener/internal/registry"
)

// Config holds the connection settings.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:3001"
	AdminSecret string // Sent as a bearer token when set
	Timeout     time.Duration
}

// Client is a pure HTTP client for the listener API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// IsBlockchainDisabled reports whether err is the API's blockchain_disabled answer.
func IsBlockchainDisabled(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "blockchain_disabled"
}

// doRequest makes an HTTP request and decodes a 2xx JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: respBody}
		var shape struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &shape) == nil {
			apiErr.Code, apiErr.Message = shape.Error, shape.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeFailure fills out from the body of a 502 diagnostic answer, which
// still carries the result.
func decodeFailure(err error, out any) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadGateway {
		if json.Unmarshal(apiErr.Body, out) == nil {
			return nil
		}
	}
	return err
}

// RegisterResult is the answer of RegisterEscrow.
type RegisterResult struct {
	DocumentHash string                `json:"documentHash"`
	Registration registry.Registration `json:"registration"`
	Warning      string                `json:"warning,omitempty"`
}

// RegisterEscrow maps documentHash to escrowID.
func (c *Client) RegisterEscrow(ctx context.Context, documentHash, escrowID string) (*RegisterResult, error) {
	body := map[string]string{
		"documentHash": documentHash,
		"escrowId":     escrowID,
	}
	var out RegisterResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPending returns the pending escrows sorted by document hash.
func (c *Client) ListPending(ctx context.Context) ([]registry.Entry, error) {
	var out struct {
		Escrows []registry.Entry `json:"escrows"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/escrows", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Escrows, nil
}

type statusEnvelope struct {
	Status listener.Status `json:"status"`
}

// Status returns the listener status.
func (c *Client) Status(ctx context.Context) (*listener.Status, error) {
	var out statusEnvelope
	if err := c.doRequest(ctx, http.MethodGet, "/v1/listener/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// Reconnect forces a fresh subscription. On failure the returned status is
// still filled when the server sent one.
func (c *Client) Reconnect(ctx context.Context) (*listener.Status, error) {
	var out statusEnvelope
	err := c.doRequest(ctx, http.MethodPost, "/v1/listener/reconnect", nil, nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			_ = json.Unmarshal(apiErr.Body, &out)
		}
		return &out.Status, err
	}
	return &out.Status, nil
}

// StopListening detaches the subscription.
func (c *Client) StopListening(ctx context.Context) (*listener.Status, error) {
	var out statusEnvelope
	if err := c.doRequest(ctx, http.MethodPost, "/v1/listener/stop", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// TestProvider runs the provider diagnostic. A failed probe is returned as
// a result with Connected false, not as an error.
func (c *Client) TestProvider(ctx context.Context) (*listener.ProviderTest, error) {
	var out struct {
		Provider listener.ProviderTest `json:"provider"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/v1/listener/test/provider", nil, nil, &out)
	if err = decodeFailure(err, &out); err != nil {
		return nil, err
	}
	return &out.Provider, nil
}

// TestEvents runs the event path diagnostic.
func (c *Client) TestEvents(ctx context.Context) (*listener.EventListenerTest, error) {
	var out struct {
		Events listener.EventListenerTest `json:"events"`
	}
	err := c.doRequest(ctx, http.MethodGet, "/v1/listener/test/events", nil, nil, &out)
	if err = decodeFailure(err, &out); err != nil {
		return nil, err
	}
	return &out.Events, nil
}

// Health returns the raw /health document.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return apiErr.Body, nil
	}
	return out, err
}
