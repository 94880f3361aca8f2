package remotesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/connectivity"
	"github.com/trezcool/feeledger/core/syncq"
)

// Error is a non-2xx answer from the remote.
type Error struct {
	StatusCode int
	Body       string
}

func (err *Error) Error() string {
	return fmt.Sprintf("remote answered HTTP %d: %s", err.StatusCode, err.Body)
}

// Client talks to a PostgREST-style backend: one table per entity kind under /rest/v1.
type Client struct {
	baseURL    string
	apiKey     string
	probeTable string
	http       *rest.Client
}

var (
	_ syncq.Remote        = (*Client)(nil)
	_ connectivity.Prober = (*Client)(nil)
)

// NewClient builds a client. httpClient decides whether failures are captured for replay:
// the sync queue uses a plain client, the local proxy a capturing one.
func NewClient(baseURL, apiKey, probeTable string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		probeTable: probeTable,
		http:       &rest.Client{HTTPClient: httpClient},
	}
}

func (c *Client) tableURL(table string) string {
	return c.baseURL + "/rest/v1/" + table
}

func (c *Client) headers(idempotencyKey string) map[string]string {
	h := map[string]string{
		"apikey":        c.apiKey,
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

func (c *Client) do(ctx context.Context, req rest.Request) (*rest.Response, error) {
	httpReq, err := rest.BuildRequestObject(req)
	if err != nil {
		return nil, errors.Wrap(err, "building remote request")
	}
	res, err := c.http.MakeRequest(httpReq.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewUnreachableError(err)
	}
	defer func() { _ = res.Body.Close() }()

	built, err := rest.BuildResponse(res)
	if err != nil {
		return nil, core.NewUnreachableError(err)
	}
	if built.StatusCode < 200 || built.StatusCode > 299 {
		return built, &Error{StatusCode: built.StatusCode, Body: built.Body}
	}
	return built, nil
}

// Insert upserts the row so a create replayed after a crash does not duplicate it.
func (c *Client) Insert(ctx context.Context, entity syncq.EntityKind, row json.RawMessage, idempotencyKey string) error {
	h := c.headers(idempotencyKey)
	h["Prefer"] = "resolution=merge-duplicates,return=minimal"
	_, err := c.do(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: c.tableURL(string(entity)),
		Headers: h,
		Body:    row,
	})
	return err
}

func (c *Client) Update(ctx context.Context, entity syncq.EntityKind, id int64, patch json.RawMessage, idempotencyKey string) error {
	h := c.headers(idempotencyKey)
	h["Prefer"] = "return=minimal"
	_, err := c.do(ctx, rest.Request{
		Method:      rest.Patch,
		BaseURL:     c.tableURL(string(entity)),
		Headers:     h,
		QueryParams: map[string]string{"id": "eq." + strconv.FormatInt(id, 10)},
		Body:        patch,
	})
	return err
}

func (c *Client) Delete(ctx context.Context, entity syncq.EntityKind, id int64, idempotencyKey string) error {
	_, err := c.do(ctx, rest.Request{
		Method:      rest.Delete,
		BaseURL:     c.tableURL(string(entity)),
		Headers:     c.headers(idempotencyKey),
		QueryParams: map[string]string{"id": "eq." + strconv.FormatInt(id, 10)},
	})
	if rerr, ok := errors.Cause(err).(*Error); ok && rerr.StatusCode == http.StatusNotFound {
		// already gone
		return nil
	}
	return err
}

// Ping does the cheap limited select used as the reachability probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, rest.Request{
		Method:      rest.Get,
		BaseURL:     c.tableURL(c.probeTable),
		Headers:     c.headers(""),
		QueryParams: map[string]string{"select": "id", "limit": "1"},
	})
	return err
}

// Target returns the remote base URL, used by the local interception proxy.
func (c *Client) Target() string { return c.baseURL }

// AuthHeaders are the credentials the proxy adds to forwarded requests.
func (c *Client) AuthHeaders() http.Header {
	h := make(http.Header)
	h.Set("apikey", c.apiKey)
	h.Set("Authorization", "Bearer "+c.apiKey)
	return h
}
