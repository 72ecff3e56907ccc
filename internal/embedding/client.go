package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const probeTimeout = 3 * time.Second

// StatusError is a non-200 reply from an embedding backend.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Backend, e.Code, e.Body)
}

// apiClient is the JSON-over-HTTP transport shared by the backends.
type apiClient struct {
	backend string
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(backend, baseURL, apiKey string, timeout time.Duration) apiClient {
	return apiClient{
		backend: backend,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// call sends in (when non-nil) as JSON to path and decodes the reply into out
// (when non-nil).
func (c apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Backend: c.backend, Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode reply: %w", c.backend, err)
	}
	return nil
}

// probe runs a short GET with its own deadline.
func (c apiClient) probe(ctx context.Context, path string, out any) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.call(ctx, http.MethodGet, path, nil, out) == nil
}
