// Package client is a typed Go client for the ledger HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ubl/pkg/api"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status int
	Body   contracts.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ubl api %d: %s: %s", e.Status, e.Body.ErrorKind, e.Body.Message)
}

// Kind is the error kind the server reported.
func (e *APIError) Kind() contracts.ErrorKind { return e.Body.ErrorKind }

// Client talks to one ledger server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.AcceptVersionHeader, "^"+api.ProtocolVersion.String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil || apiErr.Body.ErrorKind == "" {
			apiErr.Body = contracts.ErrorBody{ErrorKind: contracts.KindInternal, Message: http.StatusText(resp.StatusCode)}
		}
		return apiErr
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*dst, err = io.ReadAll(resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, path, body, nil, out)
}

// Submit calls POST /v1/commits.
func (c *Client) Submit(ctx context.Context, commit *contracts.Commit) (*contracts.Receipt, error) {
	var out contracts.Receipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/commits", commit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate calls POST /v1/commits/validate. A nil error means the commit
// would be accepted against the current head.
func (c *Client) Validate(ctx context.Context, commit *contracts.Commit) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/commits/validate", commit, nil)
}

// Containers calls GET /v1/containers.
func (c *Client) Containers(ctx context.Context) ([]contracts.ContainerID, error) {
	var out struct {
		Containers []contracts.ContainerID `json:"containers"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/containers", nil, &out)
	return out.Containers, err
}

// Head calls GET /v1/containers/{id}/head.
func (c *Client) Head(ctx context.Context, cid contracts.ContainerID) (contracts.Head, error) {
	var out contracts.Head
	err := c.doJSON(ctx, http.MethodGet, "/v1/containers/"+cid.String()+"/head", nil, &out)
	return out, err
}

// Page is one page of entries. NextAfter is set when more may follow.
type Page struct {
	Entries   []contracts.Entry `json:"entries"`
	NextAfter *uint64           `json:"next_after,omitempty"`
}

// Entries calls GET /v1/containers/{id}/entries. limit <= 0 uses the server default.
func (c *Client) Entries(ctx context.Context, cid contracts.ContainerID, after uint64, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out Page
	if err := c.doJSON(ctx, http.MethodGet, "/v1/containers/"+cid.String()+"/entries?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entry calls GET /v1/containers/{id}/entries/{seq}.
func (c *Client) Entry(ctx context.Context, cid contracts.ContainerID, seq uint64) (*contracts.Entry, error) {
	var out contracts.Entry
	path := fmt.Sprintf("/v1/containers/%s/entries/%d", cid, seq)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Proof calls GET /v1/containers/{id}/proof/{seq}.
func (c *Client) Proof(ctx context.Context, cid contracts.ContainerID, seq uint64) (*api.ProofResponse, error) {
	var out api.ProofResponse
	path := fmt.Sprintf("/v1/containers/%s/proof/%d", cid, seq)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutAtom calls PUT /v1/atoms. A non-zero claimed hash is checked by the
// server against the canonical form of raw.
func (c *Client) PutAtom(ctx context.Context, raw []byte, claimed contracts.Hash) (*api.AtomResponse, error) {
	header := http.Header{}
	if !claimed.IsZero() {
		header.Set("X-Atom-Hash", claimed.String())
	}
	var out api.AtomResponse
	if err := c.do(ctx, http.MethodPut, "/v1/atoms", bytes.NewReader(raw), header, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAtom calls GET /v1/atoms/{hash} and returns the canonical bytes.
func (c *Client) GetAtom(ctx context.Context, h contracts.Hash) ([]byte, error) {
	var out []byte
	err := c.do(ctx, http.MethodGet, "/v1/atoms/"+h.String(), nil, nil, &out)
	return out, err
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}
