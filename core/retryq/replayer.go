package retryq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

type Repository interface {
	PushRequest(ctx context.Context, r Request, exec ...core.DBExecutor) (Request, error)
	// QueryRequests returns captured requests oldest first.
	QueryRequests(ctx context.Context, exec ...core.DBExecutor) ([]Request, error)
	CountRequests(ctx context.Context, exec ...core.DBExecutor) (int, error)
	RecordAttempt(ctx context.Context, id int64, at time.Time, reason string, exec ...core.DBExecutor) error
	DeleteRequest(ctx context.Context, id int64, exec ...core.DBExecutor) error
	// DropRequest removes the request and records it as lost, atomically.
	DropRequest(ctx context.Context, id int64, lost LostWrite) (LostWrite, error)
	QueryLostWrites(ctx context.Context, since time.Time, exec ...core.DBExecutor) ([]LostWrite, error)
	CountLostWrites(ctx context.Context, exec ...core.DBExecutor) (int, error)
}

// Replayer resends captured requests in strict FIFO order.
type Replayer struct {
	repo      Repository
	client    *http.Client
	retention time.Duration
	auth      func() http.Header
	logger    core.Logger
	clock     core.Clock
}

// Transient reports whether a response status means the remote may accept the same request
// later: server errors, throttling, timeouts and credentials it could not verify.
func Transient(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= http.StatusInternalServerError
}

// NewReplayer builds a Replayer. client must not capture failures itself.
func NewReplayer(repo Repository, client *http.Client, retention time.Duration, logger core.Logger, clock ...core.Clock) *Replayer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cl := *client
	cl.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	r := &Replayer{repo: repo, client: &cl, retention: retention, logger: logger}
	if len(clock) > 0 {
		r.clock = clock[0]
	}
	return r
}

// Authorize sets the credentials added to every replayed request. Captured requests are
// stored without them, so replays always carry the current key.
func (r *Replayer) Authorize(auth func() http.Header) { r.auth = auth }

// Expire drops every request older than the retention window and returns the lost writes.
func (r *Replayer) Expire(ctx context.Context) ([]LostWrite, error) {
	reqs, err := r.repo.QueryRequests(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "querying captured requests")
	}

	now := r.clock.Now()
	var lost []LostWrite
	for _, req := range reqs {
		if !req.Expired(now, r.retention) {
			continue
		}
		detail := fmt.Sprintf("not delivered within %s after %d attempt(s); last error: %s", r.retention, req.Attempts, req.LastError)
		lw, err := r.repo.DropRequest(ctx, req.ID, lostWrite(req, ReasonExpired, detail, now))
		if err != nil {
			return lost, errors.Wrap(err, "dropping expired request")
		}
		lost = append(lost, lw)
	}
	if len(lost) > 0 {
		r.logger.Error(fmt.Sprintf("retryq: %d write(s) expired before reaching the remote", len(lost)), map[string]interface{}{"lost": lost})
	}
	return lost, nil
}

// Replay expires stale requests, then resends the rest oldest first. A network failure or a
// transient status keeps the request at the head and stops the batch; any other 4xx drops it
// as rejected.
// A network failure is returned as a core.UnreachableError.
func (r *Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	lost, err := r.Expire(ctx)
	res.Lost = lost
	if err != nil {
		return res, err
	}

	reqs, err := r.repo.QueryRequests(ctx)
	if err != nil {
		return res, errors.Wrap(err, "querying captured requests")
	}
	res.Remaining = len(reqs)

	for _, req := range reqs {
		if err = ctx.Err(); err != nil {
			res.Stopped = true
			return res, err
		}

		now := r.clock.Now()
		status, body, sendErr := r.send(ctx, req)
		switch {
		case sendErr != nil:
			res.Stopped = true
			if err = r.repo.RecordAttempt(ctx, req.ID, now, sendErr.Error()); err != nil {
				return res, errors.Wrap(err, "recording attempt")
			}
			return res, core.NewUnreachableError(sendErr)

		case Transient(status):
			res.Stopped = true
			reason := fmt.Sprintf("HTTP %d: %s", status, body)
			r.logger.Warn(fmt.Sprintf("retryq: replay of %s failed, batch stopped", req.RequestID), reason)
			if err = r.repo.RecordAttempt(ctx, req.ID, now, reason); err != nil {
				return res, errors.Wrap(err, "recording attempt")
			}
			return res, nil

		case status >= http.StatusBadRequest:
			detail := fmt.Sprintf("rejected by the remote with HTTP %d: %s", status, body)
			lw, err := r.repo.DropRequest(ctx, req.ID, lostWrite(req, ReasonRejected, detail, now))
			if err != nil {
				return res, errors.Wrap(err, "dropping rejected request")
			}
			r.logger.Error(fmt.Sprintf("retryq: %s %s rejected by the remote", req.Method, req.URL), detail)
			res.Rejected++
			res.Remaining--
			res.Lost = append(res.Lost, lw)

		default:
			if err = r.repo.DeleteRequest(ctx, req.ID); err != nil {
				return res, errors.Wrap(err, "deleting replayed request")
			}
			res.Replayed++
			res.Remaining--
		}
	}
	return res, nil
}

func (r *Replayer) send(ctx context.Context, req Request) (int, string, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, "", err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if r.auth != nil {
		for k, vs := range r.auth() {
			httpReq.Header[k] = append([]string(nil), vs...)
		}
	}
	httpReq.Header.Set(ReplayHeader, req.RequestID)
	if httpReq.Header.Get("Idempotency-Key") == "" {
		httpReq.Header.Set("Idempotency-Key", req.RequestID)
	}

	res, err := r.client.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = res.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return res.StatusCode, string(msg), nil
}

// Size is the number of requests awaiting replay.
func (r *Replayer) Size(ctx context.Context) (int, error) {
	return r.repo.CountRequests(ctx)
}

func (r *Replayer) LostWrites(ctx context.Context, since time.Time) ([]LostWrite, error) {
	return r.repo.QueryLostWrites(ctx, since)
}

func (r *Replayer) CountLostWrites(ctx context.Context) (int, error) {
	return r.repo.CountLostWrites(ctx)
}
