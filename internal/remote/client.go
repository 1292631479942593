// Package remote is the HTTP client for the Pulse remote API.
package remote

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

	"github.com/fentz26/pulse/internal/models"
	"github.com/fentz26/pulse/internal/syncerr"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of a rejected response is kept.
const maxErrorBody = 4 << 10

// Client wraps calls to the remote resource API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for baseURL. A zero timeout means DefaultTimeout.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Create POSTs a new resource.
func (c *Client) Create(ctx context.Context, rt models.ResourceType, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/"+rt.Path(), idempotencyKey, payload, nil)
}

// Update PUTs a whole resource.
func (c *Client) Update(ctx context.Context, rt models.ResourceType, id, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/"+rt.Path()+"/"+url.PathEscape(id), idempotencyKey, payload, nil)
}

// Delete removes a resource. A 404 is success: the resource is already gone.
func (c *Client) Delete(ctx context.Context, rt models.ResourceType, id, idempotencyKey string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+rt.Path()+"/"+url.PathEscape(id), idempotencyKey, nil, nil)
	if rr, ok := asRejected(err); ok && rr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Custom POSTs a named operation, scoped to id when given.
func (c *Client) Custom(ctx context.Context, rt models.ResourceType, name, id, idempotencyKey string, payload json.RawMessage) (json.RawMessage, error) {
	path := "/" + rt.Path()
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	path += "/" + url.PathEscape(name)
	return c.do(ctx, http.MethodPost, path, idempotencyKey, payload, nil)
}

// List fetches a whole collection. The response may be a bare array or an
// object with an "items" or "data" array; every element needs an "id".
func (c *Client) List(ctx context.Context, rt models.ResourceType) ([]models.CachedEntity, error) {
	body, err := c.do(ctx, http.MethodGet, "/"+rt.Path(), "", nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := unwrapList(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s list: %w", rt, err)
	}

	entities := make([]models.CachedEntity, 0, len(items))
	for _, raw := range items {
		id, err := EntityID(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s list: %w", rt, err)
		}
		entities = append(entities, models.CachedEntity{ResourceType: rt, ID: id, Data: raw})
	}
	return entities, nil
}

// FetchSourceData calls data-sources/{id}/data with the provider token.
func (c *Client) FetchSourceData(ctx context.Context, sourceID, dataType, providerToken string, params url.Values) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("type", dataType)

	headers := http.Header{}
	if providerToken != "" {
		headers.Set("X-Provider-Token", providerToken)
	}
	path := "/data-sources/" + url.PathEscape(sourceID) + "/data?" + q.Encode()
	return c.do(ctx, http.MethodGet, path, "", nil, headers)
}

// DeleteDataSource removes the remote record of a connection.
func (c *Client) DeleteDataSource(ctx context.Context, sourceID string) error {
	return c.Delete(ctx, models.ResourceDataSource, sourceID, "")
}

// Health checks the remote API is reachable and healthy.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", "", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload json.RawMessage, headers http.Header) (json.RawMessage, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, syncerr.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w: %w", method, path, syncerr.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, &syncerr.RemoteRejected{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(respBody)),
		}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}
	return json.RawMessage(respBody), nil
}

func asRejected(err error) (*syncerr.RemoteRejected, bool) {
	var rr *syncerr.RemoteRejected
	ok := errors.As(err, &rr)
	return rr, ok
}

func unwrapList(body json.RawMessage) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var envelope struct {
		Items []json.RawMessage `json:"items"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Items != nil {
		return envelope.Items, nil
	}
	return envelope.Data, nil
}

// EntityID extracts the "id" field of a JSON object. Numeric ids are
// returned in their decimal form.
func EntityID(raw json.RawMessage) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("entity is not an object: %w", err)
	}
	idRaw, ok := obj["id"]
	if !ok {
		return "", fmt.Errorf("entity has no id")
	}
	var s string
	if err := json.Unmarshal(idRaw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(idRaw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported id %s", string(idRaw))
}
