// Package client provides an HTTP client for the filevault API with retry
// and bearer-token auth.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/filevault/pkg/protocol"
	"github.com/fruitsalade/filevault/pkg/retry"
)

// Client talks to a filevault server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// readError turns a failed response into an APIError. 5xx responses other
// than 504 are retryable; a 504 means the server already spent its own
// deadline on the request.
func readError(resp *http.Response) error {
	var body protocol.ErrorResponse
	msg := http.StatusText(resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	err := &APIError{StatusCode: resp.StatusCode, Message: msg}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusGatewayTimeout {
		return retry.Retryable(err)
	}
	return err
}

// do sends the request built by newReq and hands a 2xx response to handle.
// Idempotent requests are retried on transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, idempotent bool, newReq func() (*http.Request, error), handle func(*http.Response) error) error {
	attempt := func() error {
		req, err := newReq()
		if err != nil {
			return err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return readError(resp)
		}
		return handle(resp)
	}

	var err error
	if idempotent {
		err = retry.Do(ctx, c.retryConfig, attempt)
	} else {
		err = attempt()
	}
	var retryable retry.RetryableError
	if errors.As(err, &retryable) {
		return retryable.Err
	}
	return err
}

func decodeJSON(v any) func(*http.Response) error {
	return func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(v)
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var health protocol.HealthResponse
	err := c.do(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	}, decodeJSON(&health))
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// File is one file to upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Upload sends files as one batch. Uploads are not retried: a failed batch
// may have stored some of its files.
func (c *Client) Upload(ctx context.Context, files []File) ([]protocol.File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
		if f.ContentType != "" {
			h.Set("Content-Type", f.ContentType)
		}
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create part %s: %w", f.Name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("write part %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var resp protocol.UploadResponse
	err := c.do(ctx, false, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/files", bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, decodeJSON(&resp))
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// List returns the caller's files, oldest first.
func (c *Client) List(ctx context.Context) ([]protocol.File, error) {
	var resp protocol.ListResponse
	err := c.do(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files", nil)
	}, decodeJSON(&resp))
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Meta returns the record of one file.
func (c *Client) Meta(ctx context.Context, id uuid.UUID) (*protocol.File, error) {
	var f protocol.File
	err := c.do(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files/"+id.String()+"/meta", nil)
	}, decodeJSON(&f))
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Download returns the content of one file and its content type.
func (c *Client) Download(ctx context.Context, id uuid.UUID) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := c.do(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files/"+id.String(), nil)
	}, func(resp *http.Response) error {
		var err error
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.Retryable(err)
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

// Delete removes one file.
func (c *Client) Delete(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/files/"+id.String(), nil)
	}, func(*http.Response) error { return nil })
}
