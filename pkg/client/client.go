// Package client talks to a node's HTTP control API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"freepress/pkg/config"
	"freepress/pkg/events"
	"freepress/pkg/mirror"
	"freepress/pkg/node"
	"freepress/pkg/types"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx response from the node.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(ep *config.Endpoint) *Client {
	return &Client{
		baseURL: strings.TrimRight(ep.BaseURL, "/"),
		http:    &http.Client{Timeout: ep.Timeout},
	}
}

// Connect resolves target through the client configuration: a node name,
// an address, or empty for the preferred node.
func Connect(target string) (*Client, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	ep, err := cfg.ResolveEndpoint(target)
	if err != nil {
		return nil, err
	}
	return New(ep), nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health returns the /health body. A 503 from /health/ready is not an
// error here; callers read the reported state.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (node.Status, error) {
	var st node.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// ManifestQuery mirrors the /api/manifests query parameters.
type ManifestQuery struct {
	Tag       string
	Publisher string
	Site      string
	Sort      string
	Latest    bool
	Limit     int
}

func (q ManifestQuery) values() url.Values {
	v := url.Values{}
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	if q.Publisher != "" {
		v.Set("publisher", q.Publisher)
	}
	if q.Site != "" {
		v.Set("site", q.Site)
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	if q.Latest {
		v.Set("latest", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) Manifests(ctx context.Context, q ManifestQuery) ([]types.Manifest, error) {
	path := "/api/manifests"
	if enc := q.values().Encode(); enc != "" {
		path += "?" + enc
	}
	var out struct {
		Manifests []types.Manifest `json:"manifests"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Manifests, err
}

func (c *Client) Publish(ctx context.Context) (*mirror.Result, error) {
	var res mirror.Result
	if err := c.do(ctx, http.MethodPost, "/api/publish", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Mirror(ctx context.Context, manifestCID string) (types.MirrorRecord, error) {
	var rec types.MirrorRecord
	err := c.do(ctx, http.MethodPost, "/api/mirror", map[string]string{"cid": manifestCID}, &rec)
	return rec, err
}

func (c *Client) Unmirror(ctx context.Context, recordCID string) error {
	return c.do(ctx, http.MethodDelete, "/api/mirror/"+url.PathEscape(recordCID), nil, nil)
}

func (c *Client) Mirrors(ctx context.Context) ([]types.MirrorRecord, error) {
	var out struct {
		Mirrors []types.MirrorRecord `json:"mirrors"`
	}
	err := c.do(ctx, http.MethodGet, "/api/mirrors", nil, &out)
	return out.Mirrors, err
}

type keypair struct {
	PublicKey string `json:"public_key"`
}

// Keypair returns the node's publisher key; a 404 APIError when it has none.
func (c *Client) Keypair(ctx context.Context) (string, error) {
	var kp keypair
	err := c.do(ctx, http.MethodGet, "/api/keypair", nil, &kp)
	return kp.PublicKey, err
}

func (c *Client) GenerateKeypair(ctx context.Context) (string, error) {
	var kp keypair
	err := c.do(ctx, http.MethodPost, "/api/generate-keypair", nil, &kp)
	return kp.PublicKey, err
}

// Event is an events.Event with its payload left undecoded.
type Event struct {
	Kind events.Kind     `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Watch streams node events to fn until ctx is done or the node closes
// the stream.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		fn(ev)
	}
}
