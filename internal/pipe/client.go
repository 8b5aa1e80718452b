package pipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Request is one call to a named reasoning pipe.
type Request struct {
	Pipe      string            `json:"pipe"`
	Prompt    string            `json:"prompt"`
	System    string            `json:"system,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Completion is the raw text returned by a pipe.
type Completion struct {
	Text  string `json:"completion"`
	Model string `json:"model,omitempty"`
}

// Client invokes reasoning pipes. Implementations must honour ctx cancellation.
type Client interface {
	Call(ctx context.Context, req Request) (Completion, error)
}

// HTTPClient calls a pipe service over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	runPath    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient constructs a client targeting the pipe service at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		runPath: "/v1/pipes/run",
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithHTTPClient replaces the underlying transport client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.httpClient = hc
	return c
}

// Call posts the request and returns the completion text.
func (c *HTTPClient) Call(ctx context.Context, req Request) (Completion, error) {
	if c == nil || c.baseURL == "" {
		return Completion{}, &Error{Kind: KindHTTP, Pipe: req.Pipe, Err: fmt.Errorf("pipe service base URL not configured")}
	}
	var out Completion
	if err := c.postJSON(ctx, c.resolvePath(c.runPath), req, &out); err != nil {
		return Completion{}, classify(req.Pipe, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return Completion{}, &Error{Kind: KindParse, Pipe: req.Pipe, Err: fmt.Errorf("empty completion")}
	}
	return out, nil
}

func (c *HTTPClient) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *HTTPClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pipe service returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindParse, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
