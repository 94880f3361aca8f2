package school

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/syncq"
)

var (
	ErrNotFound        = errors.New("school not found")
	ErrStudentNotFound = errors.New("student not found")
	ErrForbidden       = errors.New("operation not allowed for this session")
	ErrInvalidWindow   = errors.New("subscription end must be after its start")
	ErrStudentHasFees  = errors.New("student has ledger records and cannot be deleted")
)

type Repository interface {
	CreateSchool(ctx context.Context, sch School, exec ...core.DBExecutor) (School, error)
	GetSchool(ctx context.Context, id int64, exec ...core.DBExecutor) (School, error)
	QuerySchools(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]School, error)
	UpdateSchool(ctx context.Context, sch School, exec ...core.DBExecutor) (School, error)

	CreateStudent(ctx context.Context, std Student, exec ...core.DBExecutor) (Student, error)
	GetStudent(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (Student, error)
	// QueryStudents applies AND on the filter fields; Search is a case-insensitive match on the name.
	QueryStudents(ctx context.Context, filter StudentFilter, exec ...core.DBExecutor) ([]Student, error)
	UpdateStudent(ctx context.Context, std Student, exec ...core.DBExecutor) (Student, error)
	DeleteStudent(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) error
	StudentHasLedgerRecords(ctx context.Context, id int64, exec ...core.DBExecutor) (bool, error)
}

type Service struct {
	db       core.DB
	repo     Repository
	queue    syncq.Enqueuer
	validate *validator.Validate
	logger   core.Logger
	clock    core.Clock
}

func NewService(db core.DB, repo Repository, queue syncq.Enqueuer, validate *validator.Validate, logger core.Logger, clock ...core.Clock) *Service {
	svc := &Service{db: db, repo: repo, queue: queue, validate: validate, logger: logger}
	if len(clock) > 0 {
		svc.clock = clock[0]
	}
	return svc
}

func (svc *Service) Create(ctx context.Context, sess core.Session, ns NewSchool) (School, error) {
	if !sess.IsAdmin {
		return School{}, ErrForbidden
	}
	if err := ns.Validate(svc.validate); err != nil {
		return School{}, err
	}

	now := svc.clock.Now()
	sch := School{
		Name:              ns.Name,
		Status:            ns.Status,
		SubscriptionStart: ns.SubscriptionStart,
		SubscriptionEnd:   ns.SubscriptionEnd,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		var err error
		if sch, err = svc.repo.CreateSchool(ctx, sch, tx); err != nil {
			return err
		}
		_, err = svc.queue.Enqueue(ctx, sess, syncq.OpCreate, syncq.EntitySchool, sch.ID, sch, tx)
		return err
	})
	if err != nil {
		return School{}, err
	}
	return sch, nil
}

func (svc *Service) Get(ctx context.Context, sess core.Session, id int64) (School, error) {
	if !sess.CanAccessSchool(id) {
		return School{}, ErrNotFound
	}
	return svc.repo.GetSchool(ctx, id)
}

// Query returns every school for admins and the session's own school otherwise.
func (svc *Service) Query(ctx context.Context, sess core.Session, filter QueryFilter) ([]School, error) {
	if !sess.IsAdmin {
		sch, err := svc.Get(ctx, sess, sess.SchoolID)
		if err != nil {
			if errors.Cause(err) == ErrNotFound {
				return []School{}, nil
			}
			return nil, err
		}
		return []School{sch}, nil
	}
	filter.Clean()
	return svc.repo.QuerySchools(ctx, filter)
}

func (svc *Service) Update(ctx context.Context, sess core.Session, id int64, us UpdateSchool) (School, error) {
	orig, err := svc.Get(ctx, sess, id)
	if err != nil {
		return School{}, err
	}
	if err = us.Validate(orig, svc.validate); err != nil {
		return School{}, err
	}

	sch := orig
	sch.Name = us.Name
	sch.SubscriptionStart = us.SubscriptionStart
	sch.SubscriptionEnd = us.SubscriptionEnd
	return svc.save(ctx, sess, sch)
}

// SetStatus toggles a school between active, inactive and pending. Admin only.
func (svc *Service) SetStatus(ctx context.Context, sess core.Session, id int64, status Status) (School, error) {
	if !sess.IsAdmin {
		return School{}, ErrForbidden
	}
	if err := svc.validate.Var(string(status), "required,"+schoolStatusTag); err != nil {
		return School{}, core.NewValidationError(err, core.FieldError{Field: "status", Error: schoolStatusText})
	}
	sch, err := svc.repo.GetSchool(ctx, id)
	if err != nil {
		return School{}, err
	}
	if sch.Status == status {
		return sch, nil
	}
	sch.Status = status
	return svc.save(ctx, sess, sch)
}

func (svc *Service) save(ctx context.Context, sess core.Session, sch School) (School, error) {
	sch.UpdatedAt = svc.clock.Now()
	err := core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		var err error
		if sch, err = svc.repo.UpdateSchool(ctx, sch, tx); err != nil {
			return err
		}
		_, err = svc.queue.Enqueue(ctx, sess, syncq.OpUpdate, syncq.EntitySchool, sch.ID, sch, tx)
		return err
	})
	if err != nil {
		return School{}, err
	}
	return sch, nil
}

func (svc *Service) CreateStudent(ctx context.Context, sess core.Session, ns NewStudent) (Student, error) {
	if err := sess.RequireSchool(); err != nil {
		return Student{}, err
	}
	if err := ns.Validate(svc.validate); err != nil {
		return Student{}, err
	}

	now := svc.clock.Now()
	std := Student{
		SchoolID:      sess.SchoolID,
		Name:          ns.Name,
		Grade:         ns.Grade,
		GuardianName:  ns.GuardianName,
		GuardianPhone: ns.GuardianPhone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		var err error
		if std, err = svc.repo.CreateStudent(ctx, std, tx); err != nil {
			return err
		}
		_, err = svc.queue.Enqueue(ctx, sess, syncq.OpCreate, syncq.EntityStudent, std.ID, std, tx)
		return err
	})
	if err != nil {
		return Student{}, err
	}
	return std, nil
}

func (svc *Service) GetStudent(ctx context.Context, sess core.Session, id int64) (Student, error) {
	if err := sess.RequireSchool(); err != nil {
		return Student{}, err
	}
	return svc.repo.GetStudent(ctx, sess.SchoolID, id)
}

func (svc *Service) QueryStudents(ctx context.Context, sess core.Session, filter StudentFilter) ([]Student, error) {
	if err := sess.RequireSchool(); err != nil {
		return nil, err
	}
	filter.Clean()
	filter.SchoolID = sess.SchoolID
	return svc.repo.QueryStudents(ctx, filter)
}

func (svc *Service) UpdateStudent(ctx context.Context, sess core.Session, id int64, us UpdateStudent) (Student, error) {
	orig, err := svc.GetStudent(ctx, sess, id)
	if err != nil {
		return Student{}, err
	}
	if err = us.Validate(orig, svc.validate); err != nil {
		return Student{}, err
	}

	std := orig
	std.Name = us.Name
	std.Grade = us.Grade
	std.GuardianName = *us.GuardianName
	std.GuardianPhone = *us.GuardianPhone
	std.UpdatedAt = svc.clock.Now()
	err = core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		var err error
		if std, err = svc.repo.UpdateStudent(ctx, std, tx); err != nil {
			return err
		}
		_, err = svc.queue.Enqueue(ctx, sess, syncq.OpUpdate, syncq.EntityStudent, std.ID, std, tx)
		return err
	})
	if err != nil {
		return Student{}, err
	}
	return std, nil
}

// DeleteStudent removes a student that has no fees, installments or payments.
func (svc *Service) DeleteStudent(ctx context.Context, sess core.Session, id int64) error {
	std, err := svc.GetStudent(ctx, sess, id)
	if err != nil {
		return err
	}
	return core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		hasRecords, err := svc.repo.StudentHasLedgerRecords(ctx, std.ID, tx)
		if err != nil {
			return err
		}
		if hasRecords {
			return core.NewValidationError(ErrStudentHasFees, core.FieldError{Field: "id", Error: ErrStudentHasFees.Error()})
		}
		if err = svc.repo.DeleteStudent(ctx, std.SchoolID, std.ID, tx); err != nil {
			return err
		}
		_, err = svc.queue.Enqueue(ctx, sess, syncq.OpDelete, syncq.EntityStudent, std.ID, std, tx)
		return err
	})
}
