package school

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/feeledger/core"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

var Statuses = []Status{StatusActive, StatusInactive, StatusPending}

type School struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	SubscriptionStart *time.Time `json:"subscription_start"`
	SubscriptionEnd   *time.Time `json:"subscription_end"`
	CreatedAt         time.Time  `json:"created_at"` // UTC
	UpdatedAt         time.Time  `json:"updated_at"` // UTC
}

// IsSubscribed reports whether t falls within the subscription window.
// An open end means no expiry.
func (s School) IsSubscribed(t time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	if s.SubscriptionStart != nil && t.Before(*s.SubscriptionStart) {
		return false
	}
	return s.SubscriptionEnd == nil || t.Before(*s.SubscriptionEnd)
}

type Student struct {
	ID            int64     `json:"id"`
	SchoolID      int64     `json:"school_id"`
	Name          string    `json:"name"`
	Grade         string    `json:"grade"`
	GuardianName  string    `json:"guardian_name"`
	GuardianPhone string    `json:"guardian_phone"`
	CreatedAt     time.Time `json:"created_at"` // UTC
	UpdatedAt     time.Time `json:"updated_at"` // UTC
}

// NewSchool contains information needed to register a School.
type NewSchool struct {
	Name              string     `json:"name" validate:"required,max=200"`
	Status            Status     `json:"status" validate:"omitempty,school_status"`
	SubscriptionStart *time.Time `json:"subscription_start"`
	SubscriptionEnd   *time.Time `json:"subscription_end"`
}

func (ns *NewSchool) Validate(validate *validator.Validate) error {
	ns.Name = core.CleanString(ns.Name)
	if ns.Status == "" {
		ns.Status = StatusPending
	}
	if err := validate.Struct(ns); err != nil {
		return err
	}
	return validateWindow(ns.SubscriptionStart, ns.SubscriptionEnd)
}

// UpdateSchool defines what may be changed on a School by its operators.
// Status is changed through Service.SetStatus.
type UpdateSchool struct {
	Name              string     `json:"name" validate:"max=200"`
	SubscriptionStart *time.Time `json:"subscription_start"`
	SubscriptionEnd   *time.Time `json:"subscription_end"`
}

func (us *UpdateSchool) Validate(orig School, validate *validator.Validate) error {
	if name := core.CleanString(us.Name); name != "" {
		us.Name = name
	} else {
		us.Name = orig.Name
	}
	if us.SubscriptionStart == nil {
		us.SubscriptionStart = orig.SubscriptionStart
	}
	if us.SubscriptionEnd == nil {
		us.SubscriptionEnd = orig.SubscriptionEnd
	}
	if err := validate.Struct(us); err != nil {
		return err
	}
	return validateWindow(us.SubscriptionStart, us.SubscriptionEnd)
}

func validateWindow(start, end *time.Time) error {
	if start != nil && end != nil && !end.After(*start) {
		return core.NewValidationError(ErrInvalidWindow, core.FieldError{
			Field: "subscription_end",
			Error: ErrInvalidWindow.Error(),
		})
	}
	return nil
}

type NewStudent struct {
	Name          string `json:"name" validate:"required,max=200"`
	Grade         string `json:"grade" validate:"required,max=32"`
	GuardianName  string `json:"guardian_name" validate:"max=200"`
	GuardianPhone string `json:"guardian_phone" validate:"max=32"`
}

func (ns *NewStudent) Validate(validate *validator.Validate) error {
	ns.Name = core.CleanString(ns.Name)
	ns.Grade = core.CleanString(ns.Grade)
	ns.GuardianName = core.CleanString(ns.GuardianName)
	ns.GuardianPhone = core.CleanString(ns.GuardianPhone)
	return validate.Struct(ns)
}

type UpdateStudent struct {
	Name          string  `json:"name" validate:"max=200"`
	Grade         string  `json:"grade" validate:"max=32"`
	GuardianName  *string `json:"guardian_name" validate:"omitempty,max=200"`
	GuardianPhone *string `json:"guardian_phone" validate:"omitempty,max=32"`
}

func (us *UpdateStudent) Validate(orig Student, validate *validator.Validate) error {
	if name := core.CleanString(us.Name); name != "" {
		us.Name = name
	} else {
		us.Name = orig.Name
	}
	if grade := core.CleanString(us.Grade); grade != "" {
		us.Grade = grade
	} else {
		us.Grade = orig.Grade
	}
	if us.GuardianName == nil {
		us.GuardianName = &orig.GuardianName
	}
	if us.GuardianPhone == nil {
		us.GuardianPhone = &orig.GuardianPhone
	}
	return validate.Struct(us)
}

type QueryFilter struct {
	Search string `query:"search"`
	Status Status `query:"status"`
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

type StudentFilter struct {
	SchoolID int64  `query:"-"`
	Grade    string `query:"grade"`
	Search   string `query:"search"`
}

func (sf *StudentFilter) Clean() {
	sf.Grade = core.CleanString(sf.Grade)
	sf.Search = core.CleanString(sf.Search)
}
