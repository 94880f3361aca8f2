package sqlxrepos

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/retryq"
)

type requestRow struct {
	ID            int64       `db:"id"`
	RequestID     string      `db:"request_id"`
	Method        string      `db:"method"`
	URL           string      `db:"url"`
	Headers       string      `db:"headers"`
	Body          []byte      `db:"body"` // snappy
	FirstFailedAt time.Time   `db:"first_failed_at"`
	LastAttemptAt null.Time   `db:"last_attempt_at"`
	Attempts      int         `db:"attempts"`
	LastError     null.String `db:"last_error"`
}

type lostWriteRow struct {
	ID            int64     `db:"id"`
	RequestID     string    `db:"request_id"`
	Reason        string    `db:"reason"`
	Method        string    `db:"method"`
	URL           string    `db:"url"`
	Detail        string    `db:"detail"`
	FirstFailedAt time.Time `db:"first_failed_at"`
	LostAt        time.Time `db:"lost_at"`
}

const (
	requestColumns   = "id, request_id, method, url, headers, body, first_failed_at, last_attempt_at, attempts, last_error"
	lostWriteColumns = "id, request_id, reason, method, url, detail, first_failed_at, lost_at"
)

func (r requestRow) request() (retryq.Request, error) {
	req := retryq.Request{
		ID:            r.ID,
		RequestID:     r.RequestID,
		Method:        r.Method,
		URL:           r.URL,
		Header:        make(http.Header),
		FirstFailedAt: r.FirstFailedAt.UTC(),
		LastAttemptAt: utcPtr(r.LastAttemptAt),
		Attempts:      r.Attempts,
		LastError:     r.LastError.String,
	}
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &req.Header); err != nil {
			return retryq.Request{}, errors.Wrapf(err, "decoding headers of %s", r.RequestID)
		}
	}
	if len(r.Body) > 0 {
		body, err := snappy.Decode(nil, r.Body)
		if err != nil {
			return retryq.Request{}, errors.Wrapf(err, "decompressing body of %s", r.RequestID)
		}
		req.Body = body
	}
	return req, nil
}

func (r lostWriteRow) lostWrite() retryq.LostWrite {
	return retryq.LostWrite{
		ID:            r.ID,
		RequestID:     r.RequestID,
		Reason:        retryq.LossReason(r.Reason),
		Method:        r.Method,
		URL:           r.URL,
		Detail:        r.Detail,
		FirstFailedAt: r.FirstFailedAt.UTC(),
		LostAt:        r.LostAt.UTC(),
	}
}

type retryQueueRepository struct {
	db core.DB
}

var _ retryq.Repository = (*retryQueueRepository)(nil) // interface compliance check

func NewRetryQueueRepository(db core.DB) *retryQueueRepository {
	return &retryQueueRepository{db: db}
}

func (repo retryQueueRepository) PushRequest(ctx context.Context, r retryq.Request, exec ...core.DBExecutor) (retryq.Request, error) {
	headers, err := json.Marshal(r.Header)
	if err != nil {
		return retryq.Request{}, errors.Wrap(err, "encoding headers")
	}
	var body []byte
	if len(r.Body) > 0 {
		body = snappy.Encode(nil, r.Body)
	}

	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		`INSERT INTO retry_queue (request_id, method, url, headers, body, first_failed_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Method, r.URL, string(headers), body, r.FirstFailedAt.UTC(), r.Attempts, null.NewString(r.LastError, r.LastError != ""))
	if err != nil {
		return retryq.Request{}, errors.Wrap(err, "pushing captured request")
	}
	r.ID = id
	return r, nil
}

func (repo retryQueueRepository) QueryRequests(ctx context.Context, exec ...core.DBExecutor) ([]retryq.Request, error) {
	exe := getExec(repo.db, exec)
	var rows []requestRow
	if err := sqlx.SelectContext(ctx, exe, &rows, "SELECT "+requestColumns+" FROM retry_queue ORDER BY id ASC"); err != nil {
		return nil, errors.Wrap(err, "querying captured requests")
	}
	reqs := make([]retryq.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.request()
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (repo retryQueueRepository) CountRequests(ctx context.Context, exec ...core.DBExecutor) (int, error) {
	var cnt int
	if err := sqlx.GetContext(ctx, getExec(repo.db, exec), &cnt, "SELECT COUNT(*) FROM retry_queue"); err != nil {
		return 0, errors.Wrap(err, "counting captured requests")
	}
	return cnt, nil
}

func (repo retryQueueRepository) RecordAttempt(ctx context.Context, id int64, at time.Time, reason string, exec ...core.DBExecutor) error {
	_, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE retry_queue SET attempts = attempts + 1, last_attempt_at = ?, last_error = ? WHERE id = ?",
		at.UTC(), reason, id)
	if err != nil {
		return errors.Wrap(err, "recording replay attempt")
	}
	return nil
}

func (repo retryQueueRepository) DeleteRequest(ctx context.Context, id int64, exec ...core.DBExecutor) error {
	if _, err := execAffected(ctx, getExec(repo.db, exec), "DELETE FROM retry_queue WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "deleting captured request")
	}
	return nil
}

func (repo retryQueueRepository) DropRequest(ctx context.Context, id int64, lost retryq.LostWrite) (retryq.LostWrite, error) {
	err := core.InTx(ctx, repo.db, func(tx core.DBExecutor) error {
		if err := repo.DeleteRequest(ctx, id, tx); err != nil {
			return err
		}
		lostID, err := insertReturningID(ctx, tx,
			`INSERT INTO lost_writes (request_id, reason, method, url, detail, first_failed_at, lost_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			lost.RequestID, string(lost.Reason), lost.Method, lost.URL, lost.Detail, lost.FirstFailedAt.UTC(), lost.LostAt.UTC())
		if err != nil {
			return errors.Wrap(err, "recording lost write")
		}
		lost.ID = lostID
		return nil
	})
	if err != nil {
		return retryq.LostWrite{}, err
	}
	return lost, nil
}

// QueryLostWrites returns lost writes newest first; a zero since returns all of them.
func (repo retryQueueRepository) QueryLostWrites(ctx context.Context, since time.Time, exec ...core.DBExecutor) ([]retryq.LostWrite, error) {
	exe := getExec(repo.db, exec)
	var rows []lostWriteRow
	if err := sqlx.SelectContext(ctx, exe, &rows, "SELECT "+lostWriteColumns+" FROM lost_writes ORDER BY id DESC"); err != nil {
		return nil, errors.Wrap(err, "querying lost writes")
	}
	lost := make([]retryq.LostWrite, 0, len(rows))
	for _, r := range rows {
		lw := r.lostWrite()
		if !since.IsZero() && lw.LostAt.Before(since) {
			continue
		}
		lost = append(lost, lw)
	}
	return lost, nil
}

func (repo retryQueueRepository) CountLostWrites(ctx context.Context, exec ...core.DBExecutor) (int, error) {
	var cnt int
	if err := sqlx.GetContext(ctx, getExec(repo.db, exec), &cnt, "SELECT COUNT(*) FROM lost_writes"); err != nil {
		return 0, errors.Wrap(err, "counting lost writes")
	}
	return cnt, nil
}
