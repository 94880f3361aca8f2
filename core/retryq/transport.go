package retryq

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

// ReplayHeader marks requests sent by the Replayer so they are never captured twice.
const ReplayHeader = "X-Replay-Request-Id"

// hop-by-hop and per-attempt headers, and credentials, that must not be stored
var skippedHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
	"Authorization", "Apikey", "Cookie", "Proxy-Authorization",
}

func IsMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Transport captures mutating requests that fail at the network level into the retry queue.
// Reads and requests that reached the remote pass through untouched.
type Transport struct {
	base     http.RoundTripper
	repo     Repository
	logger   core.Logger
	clock    core.Clock
	onQueued func(Request)
}

var _ http.RoundTripper = (*Transport)(nil)

func NewTransport(base http.RoundTripper, repo Repository, logger core.Logger, clock ...core.Clock) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{base: base, repo: repo, logger: logger}
	if len(clock) > 0 {
		t.clock = clock[0]
	}
	return t
}

// OnQueued registers a callback run after each capture.
func (t *Transport) OnQueued(fn func(Request)) { t.onQueued = fn }

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !IsMutating(req.Method) || req.Header.Get(ReplayHeader) != "" {
		return t.base.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	res, err := t.base.RoundTrip(req)
	if err == nil {
		return res, nil
	}
	if req.Context().Err() != nil {
		// cancelled by the caller, not a network failure
		return nil, err
	}

	captured := Request{
		RequestID:     uuid.New().String(),
		Method:        req.Method,
		URL:           req.URL.String(),
		Header:        storableHeader(req.Header),
		Body:          body,
		FirstFailedAt: t.clock.Now(),
		Attempts:      1,
		LastError:     err.Error(),
	}
	if captured, err = t.push(req, captured, err); err != nil {
		return nil, err
	}
	t.logger.Info(fmt.Sprintf("retryq: captured %s %s as %s", captured.Method, captured.URL, captured.RequestID))
	if t.onQueued != nil {
		t.onQueued(captured)
	}
	return nil, &QueuedError{RequestID: captured.RequestID, Err: errors.New(captured.LastError)}
}

func (t *Transport) push(req *http.Request, captured Request, cause error) (Request, error) {
	saved, err := t.repo.PushRequest(req.Context(), captured)
	if err != nil {
		t.logger.Error(fmt.Sprintf("retryq: could not capture %s %s", captured.Method, captured.URL), err)
		return Request{}, errors.Wrapf(cause, "capture failed: %v", err)
	}
	return saved, nil
}

func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, k := range skippedHeaders {
		out.Del(k)
	}
	return out
}
