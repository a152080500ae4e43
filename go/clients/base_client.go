package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// APIError is a non-2xx response from the backend
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status code: %d, response: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with one of the given codes
func IsStatus(err error, codes ...int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.StatusCode == code {
			return true
		}
	}
	return false
}

// Response is a successful or 304 response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type BaseClient struct {
	baseURL string
	client  *http.Client

	mu      sync.RWMutex
	headers map[string]string
}

func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// HTTPClient returns the underlying client, shared with RPC clients
func (c *BaseClient) HTTPClient() *http.Client {
	return c.client
}

func (c *BaseClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// SetBearerToken authenticates every request with the user session token
func (c *BaseClient) SetBearerToken(token string) {
	c.SetHeader("Authorization", "Bearer "+token)
}

// Header returns a copy of the default headers
func (c *BaseClient) Header() http.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := make(http.Header, len(c.headers))
	for key, value := range c.headers {
		h.Set(key, value)
	}
	return h
}

// Do sends a request with the default headers plus extra. A 304 is
// returned as a Response; other non-2xx statuses become *APIError.
func (c *BaseClient) Do(ctx context.Context, method, endpoint string, body io.Reader, extra http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = c.Header()
	for key, values := range extra {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotModified {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(responseBody)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: responseBody}, nil
}

func (c *BaseClient) MakeRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	resp, err := c.Do(ctx, method, endpoint, body, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *BaseClient) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodGet, endpoint, nil)
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, body io.Reader) ([]byte, error) {
	return c.MakeRequest(ctx, http.MethodPost, endpoint, body)
}
