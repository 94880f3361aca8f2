package syncq

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// EntityKind doubles as the remote table name.
type EntityKind string

const (
	EntitySchool      EntityKind = "schools"
	EntityStudent     EntityKind = "students"
	EntityFee         EntityKind = "fees"
	EntityInstallment EntityKind = "installments"
	EntityPayment     EntityKind = "payments"
)

var EntityKinds = []EntityKind{EntitySchool, EntityStudent, EntityFee, EntityInstallment, EntityPayment}

// Status is the sync marker of an Entry.
// It is stored as "pending" | "synced" and travels on the wire as "no" | "yes".
type Status int

const (
	StatusPending Status = iota
	StatusSynced
)

func (s Status) String() string {
	if s == StatusSynced {
		return "synced"
	}
	return "pending"
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s == StatusSynced {
		return []byte(`"yes"`), nil
	}
	return []byte(`"no"`), nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return err
	}
	return s.parse(str)
}

func (s *Status) parse(str string) error {
	switch str {
	case "yes", "synced":
		*s = StatusSynced
	case "no", "pending", "":
		*s = StatusPending
	default:
		return fmt.Errorf("syncq: invalid sync status %q", str)
	}
	return nil
}

func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Status) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	case nil:
		*s = StatusPending
		return nil
	default:
		return fmt.Errorf("syncq: cannot scan %T into Status", src)
	}
}

// Entry is one durable, append-only record of a local mutation awaiting replay.
type Entry struct {
	ID             int64           `json:"id"`
	SchoolID       int64           `json:"school_id,omitempty"`
	Operation      Operation       `json:"operation"`
	Entity         EntityKind      `json:"entity"`
	EntityID       *int64          `json:"entityId,omitempty"`
	Data           json.RawMessage `json:"data"`
	Timestamp      int64           `json:"timestamp"` // epoch ms
	Status         Status          `json:"synced"`
	SyncedAt       *time.Time      `json:"syncedAt,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
}

func (e Entry) ref() string {
	if e.EntityID == nil {
		return string(e.Entity) + "#entry" + strconv.FormatInt(e.ID, 10)
	}
	return entityRef(e.Entity, *e.EntityID)
}

func entityRef(kind EntityKind, id int64) string {
	return string(kind) + ":" + strconv.FormatInt(id, 10)
}

// parentKeys maps snapshot fields to the entity they reference.
var parentKeys = map[string]EntityKind{
	"school_id":          EntitySchool,
	"student_id":         EntityStudent,
	"fee_id":             EntityFee,
	"adjusts_payment_id": EntityPayment,
}

// parentRefs lists the entities this entry's snapshot references.
func (e Entry) parentRefs() []string {
	if len(e.Data) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return nil
	}
	refs := make([]string, 0, len(parentKeys))
	for key, kind := range parentKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var id *int64
		if err := json.Unmarshal(raw, &id); err != nil || id == nil {
			continue
		}
		refs = append(refs, entityRef(kind, *id))
	}
	return refs
}

type QueryFilter struct {
	Status   *Status    `query:"-"`
	Entity   EntityKind `query:"entity"`
	EntityID int64      `query:"entity_id"`
	Limit    int        `query:"limit"`
}

// LogEntry is the coarse per-entity sync counter.
type LogEntry struct {
	Entity       EntityKind `json:"entity" db:"entity"`
	Passes       int        `json:"passes" db:"passes"`
	Synced       int        `json:"synced" db:"synced"`
	LastSyncedAt time.Time  `json:"last_synced_at" db:"last_synced_at"`
}

// State is the aggregate sync state surfaced to users.
type State string

const (
	StateSynced  State = "synced"
	StatePending State = "pending"
	StateError   State = "error"
)

type QueueStatus struct {
	Pending      int        `json:"pending" yaml:"pending"`
	Failing      int        `json:"failing" yaml:"failing"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	State        State      `json:"state" yaml:"state"`
}

type DrainResult struct {
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
	Aborted bool `json:"aborted"`
}
