package syncq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/syncq"
	"github.com/trezcool/feeledger/storage/database/sqlx"
	"github.com/trezcool/feeledger/tests"
)

type fixture struct {
	mgr    *syncq.Manager
	remote *testutil.FakeRemote
	clock  *testutil.Clock
	sess   core.Session
}

func setup(t *testing.T) fixture {
	db := testutil.PrepareDB(t)
	remote := testutil.NewFakeRemote()
	clock := testutil.NewClock(time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	return fixture{
		mgr:    syncq.NewManager(sqlxrepos.NewSyncQueueRepository(db), remote, &testutil.Logger{}, clock.Func()),
		remote: remote,
		clock:  clock,
		sess:   core.NewSession(1, "u-1", "bursar", false),
	}
}

func (f fixture) enqueue(t *testing.T, op syncq.Operation, entity syncq.EntityKind, id int64, data interface{}) syncq.Entry {
	t.Helper()
	entry, err := f.mgr.Enqueue(context.Background(), f.sess, op, entity, id, data)
	require.NoError(t, err)
	return entry
}

func (f fixture) byStatus(t *testing.T, status syncq.Status) []syncq.Entry {
	t.Helper()
	entries, err := f.mgr.Query(context.Background(), syncq.QueryFilter{Status: &status})
	require.NoError(t, err)
	return entries
}

func TestManager_Enqueue(t *testing.T) {
	f := setup(t)

	entry := f.enqueue(t, syncq.OpCreate, syncq.EntityPayment, 7, map[string]interface{}{"id": 7, "amount": "2500"})
	assert.NotZero(t, entry.ID)
	assert.Equal(t, syncq.StatusPending, entry.Status)
	assert.Equal(t, f.clock.Now().UnixNano()/int64(time.Millisecond), entry.Timestamp)
	assert.NotEmpty(t, entry.IdempotencyKey)
	require.NotNil(t, entry.EntityID)
	assert.Equal(t, int64(7), *entry.EntityID)
	assert.JSONEq(t, `{"id":7,"amount":"2500"}`, string(entry.Data))

	other := f.enqueue(t, syncq.OpCreate, syncq.EntityPayment, 8, nil)
	assert.NotEqual(t, entry.IdempotencyKey, other.IdempotencyKey)
	assert.JSONEq(t, `{}`, string(other.Data))

	_, err := f.mgr.Enqueue(context.Background(), f.sess, "upsert", syncq.EntityPayment, 9, nil)
	assert.Equal(t, syncq.ErrInvalidOperation, errors.Cause(err))
}

func TestManager_Drain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// two writes made while offline
	f.enqueue(t, syncq.OpCreate, syncq.EntityFee, 1, map[string]interface{}{"id": 1, "school_id": 1})
	f.enqueue(t, syncq.OpUpdate, syncq.EntityInstallment, 3, map[string]interface{}{"id": 3, "fee_id": 1, "status": "partial"})

	res, err := f.mgr.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncq.DrainResult{Synced: 2}, res)

	synced := f.byStatus(t, syncq.StatusSynced)
	require.Len(t, synced, 2)
	for _, e := range synced {
		require.NotNil(t, e.SyncedAt)
		assert.Equal(t, f.clock.Now(), *e.SyncedAt)
		assert.Equal(t, 1, e.Attempts)
	}

	calls := f.remote.Received()
	require.Len(t, calls, 2)
	assert.Equal(t, syncq.OpCreate, calls[0].Op)
	assert.Equal(t, syncq.EntityFee, calls[0].Entity)
	assert.Equal(t, syncq.OpUpdate, calls[1].Op)
	assert.Equal(t, int64(3), calls[1].ID)
	assert.Equal(t, synced[0].IdempotencyKey, calls[0].IdempotencyKey)

	t.Run("synced entries are not replayed", func(t *testing.T) {
		res, err := f.mgr.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, syncq.DrainResult{}, res)
		assert.Len(t, f.remote.Received(), 2)
	})

	t.Run("sync log", func(t *testing.T) {
		log, err := f.mgr.SyncLog(ctx)
		require.NoError(t, err)
		require.Len(t, log, len(syncq.EntityKinds))
		counts := make(map[syncq.EntityKind]int)
		for _, l := range log {
			assert.Equal(t, 1, l.Passes)
			counts[l.Entity] = l.Synced
		}
		assert.Equal(t, 1, counts[syncq.EntityFee])
		assert.Equal(t, 1, counts[syncq.EntityInstallment])
		assert.Equal(t, 0, counts[syncq.EntityPayment])
	})
}

func TestManager_Drain_OrderPreserved(t *testing.T) {
	f := setup(t)

	var want []int64
	for id := int64(1); id <= 5; id++ {
		f.enqueue(t, syncq.OpUpdate, syncq.EntityStudent, id, map[string]interface{}{"id": id})
		want = append(want, id)
	}
	_, err := f.mgr.Drain(context.Background())
	require.NoError(t, err)

	var got []int64
	for _, c := range f.remote.Received() {
		got = append(got, c.ID)
	}
	assert.Equal(t, want, got)
}

func TestManager_Drain_Rejection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.remote.FailOn("schools:1", errors.New("remote answered HTTP 409"))
	f.enqueue(t, syncq.OpUpdate, syncq.EntitySchool, 1, map[string]interface{}{"id": 1})
	f.enqueue(t, syncq.OpUpdate, syncq.EntityStudent, 10, map[string]interface{}{"id": 10, "school_id": 1})
	f.enqueue(t, syncq.OpUpdate, syncq.EntityStudent, 11, map[string]interface{}{"id": 11, "school_id": 2})
	f.enqueue(t, syncq.OpCreate, syncq.EntityPayment, 20, map[string]interface{}{"id": 20, "school_id": 2, "student_id": 10})
	f.enqueue(t, syncq.OpUpdate, syncq.EntitySchool, 1, map[string]interface{}{"id": 1, "name": "renamed"})

	res, err := f.mgr.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncq.DrainResult{Synced: 1, Failed: 1, Skipped: 3}, res)

	calls := f.remote.Received()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(11), calls[0].ID, "independent entries still sync")

	pending := f.byStatus(t, syncq.StatusPending)
	require.Len(t, pending, 4)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "409")
	assert.Equal(t, 0, pending[1].Attempts, "skipped entries are not attempted")

	st, err := f.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncq.StateError, st.State)
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, 1, st.Failing)

	// the remote accepts it on the next pass
	f.remote.FailOn("schools:1", nil)
	res, err = f.mgr.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncq.DrainResult{Synced: 4}, res)

	var ids []int64
	for _, c := range f.remote.Received()[1:] {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []int64{1, 10, 0, 1}, ids)

	st, err = f.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncq.StateSynced, st.State)
}

func TestManager_Drain_Unreachable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.enqueue(t, syncq.OpCreate, syncq.EntityFee, 1, map[string]interface{}{"id": 1})
	f.enqueue(t, syncq.OpCreate, syncq.EntityFee, 2, map[string]interface{}{"id": 2})
	f.remote.SetDown(true)

	res, err := f.mgr.Drain(ctx)
	require.Error(t, err)
	assert.True(t, core.IsUnreachable(err))
	assert.True(t, res.Aborted)
	assert.Zero(t, res.Synced)

	pending := f.byStatus(t, syncq.StatusPending)
	require.Len(t, pending, 2)
	for _, e := range pending {
		assert.Equal(t, 0, e.Attempts)
		assert.Empty(t, e.LastError)
	}

	st, err := f.mgr.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, syncq.StatePending, st.State)
	assert.Nil(t, st.LastSyncedAt)

	f.remote.SetDown(false)
	res, err = f.mgr.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
}

func TestManager_Drain_Cancelled(t *testing.T) {
	f := setup(t)
	f.enqueue(t, syncq.OpCreate, syncq.EntityFee, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.mgr.Drain(ctx)
	assert.Error(t, err)
	assert.Empty(t, f.remote.Received())
}

func TestEntry_JSON(t *testing.T) {
	syncedAt := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	id := int64(4)

	tests := []struct {
		name  string
		entry syncq.Entry
		want  map[string]interface{}
	}{
		{
			name:  "pending",
			entry: syncq.Entry{ID: 1, Operation: syncq.OpCreate, Entity: syncq.EntityFee, Data: json.RawMessage(`{}`), Timestamp: 1706778000000},
			want:  map[string]interface{}{"synced": "no", "timestamp": float64(1706778000000)},
		},
		{
			name: "synced",
			entry: syncq.Entry{ID: 2, Operation: syncq.OpUpdate, Entity: syncq.EntityFee, EntityID: &id, Data: json.RawMessage(`{}`),
				Status: syncq.StatusSynced, SyncedAt: &syncedAt},
			want: map[string]interface{}{"synced": "yes", "entityId": float64(4), "syncedAt": "2024-02-01T09:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.entry)
			require.NoError(t, err)
			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(raw, &got))
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}

			var back syncq.Entry
			require.NoError(t, json.Unmarshal(raw, &back))
			assert.Equal(t, tt.entry.Status, back.Status)
		})
	}

	t.Run("invalid marker", func(t *testing.T) {
		var s syncq.Status
		assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &s))
	})
}
