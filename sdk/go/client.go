package stewardsdk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Steward HTTP API client for workers posting event
// bundles and artifacts.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event is one fact in a bundle. Seq is assigned by the server.
type Event struct {
	Seq      int64          `json:"seq,omitempty"`
	EventID  string         `json:"event_id"`
	Type     string         `json:"event_type"`
	TS       string         `json:"timestamp"`
	ActorID  string         `json:"actor_id"`
	Target   string         `json:"target,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	BundleID string         `json:"bundle_id,omitempty"`
}

// ArtifactRef links a bundle to content already uploaded to the store.
type ArtifactRef struct {
	SHA256    string `json:"sha256"`
	Name      string `json:"artifact_name"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// Bundle is the unit of ingestion.
type Bundle struct {
	Target    string        `json:"target"`
	BundleID  string        `json:"bundle_id,omitempty"`
	Events    []Event       `json:"events"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// AppendResult reports what ingestion did. MissingArtifacts lists bundle
// artifact refs whose blob the server has not seen yet.
type AppendResult struct {
	Appended         int      `json:"appended"`
	Deduplicated     []string `json:"deduplicated,omitempty"`
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
	LastSeq          int64    `json:"last_seq"`
}

// ArtifactRecord is stored blob metadata.
type ArtifactRecord struct {
	SHA256    string `json:"sha256"`
	Name      string `json:"artifact_name"`
	SizeBytes int64  `json:"size_bytes"`
	Target    string `json:"target,omitempty"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ingest appends a bundle. Safe to retry: already-seen event IDs are
// deduplicated server-side.
func (c *Client) Ingest(ctx context.Context, b Bundle) (AppendResult, error) {
	var resp AppendResult
	err := c.do(ctx, http.MethodPost, "v0/events/ingest", b, &resp)
	return resp, err
}

// RecentEvents returns the newest events, newest first.
func (c *Client) RecentEvents(ctx context.Context, limit int, target string) ([]Event, error) {
	endpoint := "v0/events/recent"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if target != "" {
		q.Set("target", target)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PutArtifact uploads content under its computed hash and returns the key.
func (c *Client) PutArtifact(ctx context.Context, name, target string, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:])
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if target != "" {
		q.Set("target", target)
	}
	endpoint := fmt.Sprintf("v0/artifacts/%s", key)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ArtifactRecord
	if err := c.doRaw(ctx, http.MethodPut, endpoint, content, &resp); err != nil {
		return "", err
	}
	return resp.SHA256, nil
}

// GetArtifact downloads a blob by content hash.
func (c *Client) GetArtifact(ctx context.Context, key string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("v0/artifacts/%s", url.PathEscape(key)), nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

// Health checks the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf, "application/json")
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, bytes.NewReader(body), "application/octet-stream")
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Request, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}
