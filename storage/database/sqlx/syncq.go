package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/syncq"
)

type entryRow struct {
	ID             int64        `db:"id"`
	SchoolID       int64        `db:"school_id"`
	Operation      string       `db:"operation"`
	Entity         string       `db:"entity"`
	EntityID       null.Int64   `db:"entity_id"`
	Data           string       `db:"data"`
	QueuedAtMs     int64        `db:"queued_at_ms"`
	Status         syncq.Status `db:"status"`
	SyncedAt       null.Time    `db:"synced_at"`
	IdempotencyKey string       `db:"idempotency_key"`
	Attempts       int          `db:"attempts"`
	LastError      null.String  `db:"last_error"`
}

const entryColumns = "id, school_id, operation, entity, entity_id, data, queued_at_ms, status, synced_at, idempotency_key, attempts, last_error"

func (r entryRow) entry() syncq.Entry {
	return syncq.Entry{
		ID:             r.ID,
		SchoolID:       r.SchoolID,
		Operation:      syncq.Operation(r.Operation),
		Entity:         syncq.EntityKind(r.Entity),
		EntityID:       r.EntityID.Ptr(),
		Data:           json.RawMessage(r.Data),
		Timestamp:      r.QueuedAtMs,
		Status:         r.Status,
		SyncedAt:       utcPtr(r.SyncedAt),
		IdempotencyKey: r.IdempotencyKey,
		Attempts:       r.Attempts,
		LastError:      r.LastError.String,
	}
}

type syncQueueRepository struct {
	db core.DBExecutor
}

var _ syncq.Repository = (*syncQueueRepository)(nil) // interface compliance check

func NewSyncQueueRepository(db core.DBExecutor) *syncQueueRepository {
	return &syncQueueRepository{db: db}
}

func (repo syncQueueRepository) AppendEntry(ctx context.Context, entry syncq.Entry, exec ...core.DBExecutor) (syncq.Entry, error) {
	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		`INSERT INTO sync_queue (school_id, operation, entity, entity_id, data, queued_at_ms, status, idempotency_key, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		entry.SchoolID, string(entry.Operation), string(entry.Entity), null.Int64FromPtr(entry.EntityID),
		string(entry.Data), entry.Timestamp, entry.Status, entry.IdempotencyKey)
	if err != nil {
		return syncq.Entry{}, errors.Wrap(err, "appending sync entry")
	}
	entry.ID = id
	return entry, nil
}

func (repo syncQueueRepository) selectEntries(ctx context.Context, exe core.DBExecutor, w where, limit int) ([]syncq.Entry, error) {
	q := "SELECT " + entryColumns + " FROM sync_queue" + w.String() + " ORDER BY id ASC"
	args := w.args
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []entryRow
	if err := sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying sync entries")
	}
	entries := make([]syncq.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry())
	}
	return entries, nil
}

func (repo syncQueueRepository) QueryPendingEntries(ctx context.Context, exec ...core.DBExecutor) ([]syncq.Entry, error) {
	var w where
	w.add("status = ?", syncq.StatusPending)
	return repo.selectEntries(ctx, getExec(repo.db, exec), w, 0)
}

func (repo syncQueueRepository) QueryEntries(ctx context.Context, filter syncq.QueryFilter, exec ...core.DBExecutor) ([]syncq.Entry, error) {
	var w where
	if filter.Status != nil {
		w.add("status = ?", *filter.Status)
	}
	if filter.Entity != "" {
		w.add("entity = ?", string(filter.Entity))
	}
	if filter.EntityID > 0 {
		w.add("entity_id = ?", filter.EntityID)
	}
	return repo.selectEntries(ctx, getExec(repo.db, exec), w, filter.Limit)
}

// MarkEntrySynced only flips pending entries: a synced entry stays synced.
func (repo syncQueueRepository) MarkEntrySynced(ctx context.Context, id int64, at time.Time, exec ...core.DBExecutor) error {
	_, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE sync_queue SET status = ?, synced_at = ?, attempts = attempts + 1, last_error = NULL WHERE id = ? AND status = ?",
		syncq.StatusSynced, at.UTC(), id, syncq.StatusPending)
	if err != nil {
		return errors.Wrap(err, "marking sync entry synced")
	}
	return nil
}

func (repo syncQueueRepository) MarkEntryFailed(ctx context.Context, id int64, reason string, exec ...core.DBExecutor) error {
	_, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ? AND status = ?",
		reason, id, syncq.StatusPending)
	if err != nil {
		return errors.Wrap(err, "marking sync entry failed")
	}
	return nil
}

func (repo syncQueueRepository) CountPendingEntries(ctx context.Context, exec ...core.DBExecutor) (int, int, error) {
	exe := getExec(repo.db, exec)
	var counts struct {
		Pending int `db:"pending"`
		Failing int `db:"failing"`
	}
	q := `SELECT COUNT(*) AS pending, COALESCE(SUM(CASE WHEN last_error IS NOT NULL THEN 1 ELSE 0 END), 0) AS failing
		FROM sync_queue WHERE status = ?`
	if err := sqlx.GetContext(ctx, exe, &counts, exe.Rebind(q), syncq.StatusPending); err != nil {
		return 0, 0, errors.Wrap(err, "counting pending sync entries")
	}
	return counts.Pending, counts.Failing, nil
}

func (repo syncQueueRepository) LastSyncedAt(ctx context.Context, exec ...core.DBExecutor) (time.Time, error) {
	exe := getExec(repo.db, exec)
	var last null.Time
	q := "SELECT synced_at FROM sync_queue WHERE status = ? ORDER BY synced_at DESC, id DESC LIMIT 1"
	if err := sqlx.GetContext(ctx, exe, &last, exe.Rebind(q), syncq.StatusSynced); err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, errors.Wrap(err, "reading last sync time")
	}
	return last.Time.UTC(), nil
}

func (repo syncQueueRepository) BumpSyncLog(ctx context.Context, entity syncq.EntityKind, synced int, at time.Time, exec ...core.DBExecutor) error {
	_, err := execAffected(ctx, getExec(repo.db, exec),
		`INSERT INTO sync_log (entity, passes, synced, last_synced_at) VALUES (?, 1, ?, ?)
		ON CONFLICT (entity) DO UPDATE SET passes = sync_log.passes + 1, synced = sync_log.synced + excluded.synced, last_synced_at = excluded.last_synced_at`,
		string(entity), synced, at.UTC())
	if err != nil {
		return errors.Wrap(err, "updating sync log")
	}
	return nil
}

func (repo syncQueueRepository) QuerySyncLog(ctx context.Context, exec ...core.DBExecutor) ([]syncq.LogEntry, error) {
	exe := getExec(repo.db, exec)
	var log []syncq.LogEntry
	if err := sqlx.SelectContext(ctx, exe, &log, "SELECT entity, passes, synced, last_synced_at FROM sync_log ORDER BY entity ASC"); err != nil {
		return nil, errors.Wrap(err, "querying sync log")
	}
	return log, nil
}
