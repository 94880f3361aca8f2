package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
)

var ErrInvalidOperation = errors.New("invalid sync operation")

type (
	Repository interface {
		AppendEntry(ctx context.Context, entry Entry, exec ...core.DBExecutor) (Entry, error)
		// QueryPendingEntries returns pending entries in insertion order.
		QueryPendingEntries(ctx context.Context, exec ...core.DBExecutor) ([]Entry, error)
		QueryEntries(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Entry, error)
		MarkEntrySynced(ctx context.Context, id int64, at time.Time, exec ...core.DBExecutor) error
		MarkEntryFailed(ctx context.Context, id int64, reason string, exec ...core.DBExecutor) error
		// CountPendingEntries returns the number of pending entries and, among them, those that failed at least once.
		CountPendingEntries(ctx context.Context, exec ...core.DBExecutor) (pending int, failing int, err error)
		LastSyncedAt(ctx context.Context, exec ...core.DBExecutor) (time.Time, error)
		BumpSyncLog(ctx context.Context, entity EntityKind, synced int, at time.Time, exec ...core.DBExecutor) error
		QuerySyncLog(ctx context.Context, exec ...core.DBExecutor) ([]LogEntry, error)
	}

	// Remote is the backend of record, addressed per entity kind.
	Remote interface {
		Insert(ctx context.Context, entity EntityKind, row json.RawMessage, idempotencyKey string) error
		Update(ctx context.Context, entity EntityKind, id int64, patch json.RawMessage, idempotencyKey string) error
		Delete(ctx context.Context, entity EntityKind, id int64, idempotencyKey string) error
	}

	// Enqueuer is what ledger services need from the queue.
	Enqueuer interface {
		Enqueue(ctx context.Context, sess core.Session, op Operation, entity EntityKind, entityID int64, data interface{}, exec ...core.DBExecutor) (Entry, error)
	}
)

type Manager struct {
	repo   Repository
	remote Remote
	logger core.Logger
	clock  core.Clock

	drainMu sync.Mutex
}

var _ Enqueuer = (*Manager)(nil)

func NewManager(repo Repository, remote Remote, logger core.Logger, clock ...core.Clock) *Manager {
	m := &Manager{repo: repo, remote: remote, logger: logger}
	if len(clock) > 0 {
		m.clock = clock[0]
	}
	return m
}

// Enqueue appends a pending entry. Pass the transaction that performed the local write
// so both commit together.
func (m *Manager) Enqueue(ctx context.Context, sess core.Session, op Operation, entity EntityKind, entityID int64, data interface{}, exec ...core.DBExecutor) (Entry, error) {
	if !op.Valid() {
		return Entry{}, errors.Wrap(ErrInvalidOperation, string(op))
	}

	snapshot := json.RawMessage("{}")
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Entry{}, errors.Wrap(err, "encoding sync snapshot")
		}
		snapshot = raw
	}

	entry := Entry{
		SchoolID:       sess.SchoolID,
		Operation:      op,
		Entity:         entity,
		Data:           snapshot,
		Timestamp:      m.clock.Now().UnixNano() / int64(time.Millisecond),
		Status:         StatusPending,
		IdempotencyKey: uuid.New().String(),
	}
	if entityID > 0 {
		entry.EntityID = &entityID
	}
	return m.repo.AppendEntry(ctx, entry, exec...)
}

// Drain replays pending entries in insertion order.
//
// A remote rejection leaves the entry pending and skips every later entry for the same
// entity or for one of its children; independent entries continue. A network failure
// aborts the pass and is returned as a core.UnreachableError.
func (m *Manager) Drain(ctx context.Context) (DrainResult, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	var res DrainResult
	entries, err := m.repo.QueryPendingEntries(ctx)
	if err != nil {
		return res, errors.Wrap(err, "querying pending entries")
	}
	if len(entries) == 0 {
		return res, nil
	}

	synced := make(map[EntityKind]int)
	blocked := make(map[string]bool)
	defer func() {
		if logErr := m.bumpLog(ctx, synced); logErr != nil {
			m.logger.Error("syncq: updating sync log", logErr)
		}
	}()

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			res.Aborted = true
			return res, err
		}
		if m.isBlocked(entry, blocked) {
			res.Skipped++
			continue
		}

		if err = m.replay(ctx, entry); err != nil {
			if core.IsUnreachable(err) {
				res.Aborted = true
				m.logger.Warn(fmt.Sprintf("syncq: remote unreachable, pass aborted at entry %d", entry.ID), err)
				return res, err
			}

			res.Failed++
			blocked[entry.ref()] = true
			m.logger.Warn(fmt.Sprintf("syncq: remote rejected entry %d (%s %s)", entry.ID, entry.Operation, entry.Entity), err)
			if markErr := m.repo.MarkEntryFailed(ctx, entry.ID, err.Error()); markErr != nil {
				return res, errors.Wrap(markErr, "marking entry failed")
			}
			continue
		}

		if err = m.repo.MarkEntrySynced(ctx, entry.ID, m.clock.Now()); err != nil {
			// the remote has the change; replaying it later relies on its idempotency
			return res, errors.Wrap(err, "marking entry synced")
		}
		res.Synced++
		synced[entry.Entity]++
	}
	return res, nil
}

func (m *Manager) isBlocked(entry Entry, blocked map[string]bool) bool {
	if len(blocked) == 0 {
		return false
	}
	if blocked[entry.ref()] {
		return true
	}
	for _, ref := range entry.parentRefs() {
		if blocked[ref] {
			// children of a blocked parent block their own dependents too
			blocked[entry.ref()] = true
			return true
		}
	}
	return false
}

func (m *Manager) replay(ctx context.Context, entry Entry) error {
	switch entry.Operation {
	case OpCreate:
		return m.remote.Insert(ctx, entry.Entity, entry.Data, entry.IdempotencyKey)
	case OpUpdate:
		if entry.EntityID == nil {
			return errors.Errorf("update entry %d has no entity id", entry.ID)
		}
		return m.remote.Update(ctx, entry.Entity, *entry.EntityID, entry.Data, entry.IdempotencyKey)
	case OpDelete:
		if entry.EntityID == nil {
			return errors.Errorf("delete entry %d has no entity id", entry.ID)
		}
		return m.remote.Delete(ctx, entry.Entity, *entry.EntityID, entry.IdempotencyKey)
	default:
		return errors.Wrap(ErrInvalidOperation, string(entry.Operation))
	}
}

func (m *Manager) bumpLog(ctx context.Context, synced map[EntityKind]int) error {
	now := m.clock.Now()
	for _, kind := range EntityKinds {
		if err := m.repo.BumpSyncLog(ctx, kind, synced[kind], now); err != nil {
			return err
		}
	}
	return nil
}

// Status summarizes the queue for users: "error" wins over "pending" wins over "synced".
func (m *Manager) Status(ctx context.Context) (QueueStatus, error) {
	pending, failing, err := m.repo.CountPendingEntries(ctx)
	if err != nil {
		return QueueStatus{}, errors.Wrap(err, "counting pending entries")
	}
	last, err := m.repo.LastSyncedAt(ctx)
	if err != nil {
		return QueueStatus{}, errors.Wrap(err, "reading last sync time")
	}

	st := QueueStatus{Pending: pending, Failing: failing, State: StateSynced}
	if !last.IsZero() {
		st.LastSyncedAt = &last
	}
	switch {
	case failing > 0:
		st.State = StateError
	case pending > 0:
		st.State = StatePending
	}
	return st, nil
}

func (m *Manager) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	return m.repo.QueryEntries(ctx, filter)
}

func (m *Manager) SyncLog(ctx context.Context) ([]LogEntry, error) {
	return m.repo.QuerySyncLog(ctx)
}
