package retryq

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type LossReason string

const (
	ReasonExpired  LossReason = "expired"
	ReasonRejected LossReason = "rejected"
)

// Request is a captured mutating HTTP request awaiting replay.
type Request struct {
	ID            int64       `json:"id"`
	RequestID     string      `json:"request_id"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Header        http.Header `json:"header"`
	Body          []byte      `json:"-"`
	FirstFailedAt time.Time   `json:"first_failed_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error"`
}

// Expired reports whether the request outlived the retention window at now.
func (r Request) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(r.FirstFailedAt) > retention
}

// LostWrite is a captured request that will never reach the remote.
type LostWrite struct {
	ID            int64      `json:"id"`
	RequestID     string     `json:"request_id"`
	Reason        LossReason `json:"reason"`
	Method        string     `json:"method"`
	URL           string     `json:"url"`
	Detail        string     `json:"detail"`
	FirstFailedAt time.Time  `json:"first_failed_at"`
	LostAt        time.Time  `json:"lost_at"`
}

func lostWrite(r Request, reason LossReason, detail string, at time.Time) LostWrite {
	return LostWrite{
		RequestID:     r.RequestID,
		Reason:        reason,
		Method:        r.Method,
		URL:           r.URL,
		Detail:        detail,
		FirstFailedAt: r.FirstFailedAt,
		LostAt:        at,
	}
}

// QueuedError is returned by Transport when a failed request was captured for replay.
type QueuedError struct {
	RequestID string
	Err       error
}

func (err *QueuedError) Error() string {
	return fmt.Sprintf("request queued for replay (%s): %v", err.RequestID, err.Err)
}

func (err *QueuedError) Unwrap() error { return err.Err }

// IsQueued reports whether err (possibly wrapped by http.Client) means the request was captured.
func IsQueued(err error) (*QueuedError, bool) {
	var qe *QueuedError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

type ReplayResult struct {
	Replayed  int         `json:"replayed"`
	Rejected  int         `json:"rejected"`
	Remaining int         `json:"remaining"`
	Stopped   bool        `json:"stopped"`
	Lost      []LostWrite `json:"lost,omitempty"`
}
