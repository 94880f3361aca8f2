package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNoSchool = errors.New("no school selected for this session")

// Session is the explicit operator context every ledger operation runs under.
// It is built once per authenticated request (or CLI run) and never stored globally.
type Session struct {
	ID        string    `json:"id"`
	SchoolID  int64     `json:"school_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	StartedAt time.Time `json:"started_at"`
}

func NewSession(schoolID int64, userID, username string, isAdmin bool) Session {
	return Session{
		ID:        uuid.New().String(),
		SchoolID:  schoolID,
		UserID:    userID,
		Username:  username,
		IsAdmin:   isAdmin,
		StartedAt: time.Now().UTC(),
	}
}

// SystemSession is used by background jobs & the admin CLI.
func SystemSession() Session {
	return NewSession(0, "system", "system", true)
}

// RequireSchool returns ErrNoSchool unless the session is scoped to a school.
func (s Session) RequireSchool() error {
	if s.SchoolID <= 0 {
		return NewValidationError(ErrNoSchool, FieldError{Field: "school_id", Error: ErrNoSchool.Error()})
	}
	return nil
}

// CanAccessSchool reports whether the session may operate on the given school.
func (s Session) CanAccessSchool(schoolID int64) bool {
	return s.IsAdmin || (s.SchoolID > 0 && s.SchoolID == schoolID)
}
