package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/ledger"
	"github.com/trezcool/feeledger/core/school"
	"github.com/trezcool/feeledger/core/syncq"
	"github.com/trezcool/feeledger/storage/database"
)

// PrepareDB opens a private in-memory SQLite ledger and migrates it up.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()
	conf := core.NewTestConfig()
	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("PrepareDB() failed to open: %v", err)
	}
	if err = database.Migrate(context.Background(), db.DB, conf.Database.Engine, "up"); err != nil {
		_ = db.Close()
		t.Fatalf("PrepareDB() failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewValidator returns a validator with every package's custom tags registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	school.InitValidators(validate, translator)
	ledger.InitValidators(validate, translator)
	return validate, translator
}

func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func CreateSchool(t *testing.T, repo school.Repository, name string, createdAt ...time.Time) school.School {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	sch, err := repo.CreateSchool(context.Background(), school.School{
		Name:      name,
		Status:    school.StatusActive,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	})
	if err != nil {
		t.Fatalf("CreateSchool() failed: %v", err)
	}
	return sch
}

func CreateStudent(t *testing.T, repo school.Repository, schoolID int64, name, grade string) school.Student {
	t.Helper()
	now := time.Now().UTC()
	std, err := repo.CreateStudent(context.Background(), school.Student{
		SchoolID:  schoolID,
		Name:      name,
		Grade:     grade,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	return std
}

// Clock is a settable clock for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Func adapts the clock to core.Clock.
func (c *Clock) Func() core.Clock {
	return c.Now
}

// Logger records messages instead of printing them.
type Logger struct {
	mu       sync.Mutex
	Messages []string
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string) {
	l.mu.Lock()
	l.Messages = append(l.Messages, level+": "+msg)
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, _ ...interface{}) { l.log("DEBUG", msg) }
func (l *Logger) Info(msg string, _ ...interface{})  { l.log("INFO", msg) }
func (l *Logger) Warn(msg string, _ ...interface{})  { l.log("WARN", msg) }
func (l *Logger) Error(msg string, _ ...interface{}) { l.log("ERROR", msg) }
func (l *Logger) Fatal(msg string, _ ...interface{}) { l.log("FATAL", msg) }

func (l *Logger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Messages...)
}

// RemoteCall is one call received by a FakeRemote.
type RemoteCall struct {
	Op             syncq.Operation
	Entity         syncq.EntityKind
	ID             int64
	Data           json.RawMessage
	IdempotencyKey string
}

// FakeRemote is an in-memory syncq.Remote. Failures are keyed by "entity:id"
// for updates and deletes, or by entity for inserts.
type FakeRemote struct {
	mu    sync.Mutex
	Calls []RemoteCall
	Fail  map[string]error
	Down  bool
}

var _ syncq.Remote = (*FakeRemote)(nil)

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{Fail: make(map[string]error)}
}

func (r *FakeRemote) SetDown(down bool) {
	r.mu.Lock()
	r.Down = down
	r.mu.Unlock()
}

func (r *FakeRemote) FailOn(key string, err error) {
	r.mu.Lock()
	if err == nil {
		delete(r.Fail, key)
	} else {
		r.Fail[key] = err
	}
	r.mu.Unlock()
}

func (r *FakeRemote) record(call RemoteCall, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Down {
		return core.NewUnreachableError(fmt.Errorf("connection refused"))
	}
	if err, ok := r.Fail[key]; ok {
		return err
	}
	r.Calls = append(r.Calls, call)
	return nil
}

func (r *FakeRemote) Insert(_ context.Context, entity syncq.EntityKind, row json.RawMessage, idemKey string) error {
	return r.record(RemoteCall{Op: syncq.OpCreate, Entity: entity, Data: row, IdempotencyKey: idemKey}, string(entity))
}

func (r *FakeRemote) Update(_ context.Context, entity syncq.EntityKind, id int64, patch json.RawMessage, idemKey string) error {
	return r.record(RemoteCall{Op: syncq.OpUpdate, Entity: entity, ID: id, Data: patch, IdempotencyKey: idemKey}, fmt.Sprintf("%s:%d", entity, id))
}

func (r *FakeRemote) Delete(_ context.Context, entity syncq.EntityKind, id int64, idemKey string) error {
	return r.record(RemoteCall{Op: syncq.OpDelete, Entity: entity, ID: id, IdempotencyKey: idemKey}, fmt.Sprintf("%s:%d", entity, id))
}

func (r *FakeRemote) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Down {
		return core.NewUnreachableError(fmt.Errorf("connection refused"))
	}
	return nil
}

func (r *FakeRemote) Received() []RemoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RemoteCall(nil), r.Calls...)
}
