package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/school"
)

type schoolRow struct {
	ID                int64     `db:"id"`
	Name              string    `db:"name"`
	Status            string    `db:"status"`
	SubscriptionStart null.Time `db:"subscription_start"`
	SubscriptionEnd   null.Time `db:"subscription_end"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

type studentRow struct {
	ID            int64     `db:"id"`
	SchoolID      int64     `db:"school_id"`
	Name          string    `db:"name"`
	Grade         string    `db:"grade"`
	GuardianName  string    `db:"guardian_name"`
	GuardianPhone string    `db:"guardian_phone"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const (
	schoolColumns  = "id, name, status, subscription_start, subscription_end, created_at, updated_at"
	studentColumns = "id, school_id, name, grade, guardian_name, guardian_phone, created_at, updated_at"
)

func nullTimeFromPtr(t *time.Time) null.Time {
	if t == nil {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

func (r schoolRow) school() school.School {
	return school.School{
		ID:                r.ID,
		Name:              r.Name,
		Status:            school.Status(r.Status),
		SubscriptionStart: utcPtr(r.SubscriptionStart),
		SubscriptionEnd:   utcPtr(r.SubscriptionEnd),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func (r studentRow) student() school.Student {
	return school.Student{
		ID:            r.ID,
		SchoolID:      r.SchoolID,
		Name:          r.Name,
		Grade:         r.Grade,
		GuardianName:  r.GuardianName,
		GuardianPhone: r.GuardianPhone,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

type schoolRepository struct {
	db core.DBExecutor
}

var _ school.Repository = (*schoolRepository)(nil) // interface compliance check

func NewSchoolRepository(db core.DBExecutor) *schoolRepository {
	return &schoolRepository{db: db}
}

func (repo schoolRepository) CreateSchool(ctx context.Context, sch school.School, exec ...core.DBExecutor) (school.School, error) {
	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		"INSERT INTO schools (name, status, subscription_start, subscription_end, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		sch.Name, string(sch.Status), nullTimeFromPtr(sch.SubscriptionStart), nullTimeFromPtr(sch.SubscriptionEnd), sch.CreatedAt.UTC(), sch.UpdatedAt.UTC())
	if err != nil {
		return school.School{}, errors.Wrap(err, "inserting school")
	}
	sch.ID = id
	return sch, nil
}

func (repo schoolRepository) GetSchool(ctx context.Context, id int64, exec ...core.DBExecutor) (school.School, error) {
	exe := getExec(repo.db, exec)
	var row schoolRow
	if err := sqlx.GetContext(ctx, exe, &row, exe.Rebind("SELECT "+schoolColumns+" FROM schools WHERE id = ?"), id); err != nil {
		return school.School{}, trapNoRowsErr(err, school.ErrNotFound, "finding school")
	}
	return row.school(), nil
}

func (repo schoolRepository) QuerySchools(ctx context.Context, filter school.QueryFilter, exec ...core.DBExecutor) ([]school.School, error) {
	exe := getExec(repo.db, exec)
	var w where
	if filter.Search != "" {
		w.add("LOWER(name) LIKE ?", likePattern(filter.Search))
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}

	var rows []schoolRow
	q := "SELECT " + schoolColumns + " FROM schools" + w.String() + " ORDER BY name ASC, id ASC"
	if err := sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), w.args...); err != nil {
		return nil, errors.Wrap(err, "querying schools")
	}
	schools := make([]school.School, 0, len(rows))
	for _, r := range rows {
		schools = append(schools, r.school())
	}
	return schools, nil
}

func (repo schoolRepository) UpdateSchool(ctx context.Context, sch school.School, exec ...core.DBExecutor) (school.School, error) {
	n, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE schools SET name = ?, status = ?, subscription_start = ?, subscription_end = ?, updated_at = ? WHERE id = ?",
		sch.Name, string(sch.Status), nullTimeFromPtr(sch.SubscriptionStart), nullTimeFromPtr(sch.SubscriptionEnd), sch.UpdatedAt.UTC(), sch.ID)
	if err != nil {
		return school.School{}, errors.Wrap(err, "updating school")
	}
	if n == 0 {
		return school.School{}, school.ErrNotFound
	}
	return sch, nil
}

func (repo schoolRepository) CreateStudent(ctx context.Context, std school.Student, exec ...core.DBExecutor) (school.Student, error) {
	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		"INSERT INTO students (school_id, name, grade, guardian_name, guardian_phone, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		std.SchoolID, std.Name, std.Grade, std.GuardianName, std.GuardianPhone, std.CreatedAt.UTC(), std.UpdatedAt.UTC())
	if err != nil {
		return school.Student{}, errors.Wrap(err, "inserting student")
	}
	std.ID = id
	return std, nil
}

func (repo schoolRepository) GetStudent(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (school.Student, error) {
	exe := getExec(repo.db, exec)
	var row studentRow
	q := "SELECT " + studentColumns + " FROM students WHERE school_id = ? AND id = ?"
	if err := sqlx.GetContext(ctx, exe, &row, exe.Rebind(q), schoolID, id); err != nil {
		return school.Student{}, trapNoRowsErr(err, school.ErrStudentNotFound, "finding student")
	}
	return row.student(), nil
}

func (repo schoolRepository) QueryStudents(ctx context.Context, filter school.StudentFilter, exec ...core.DBExecutor) ([]school.Student, error) {
	exe := getExec(repo.db, exec)
	var w where
	w.add("school_id = ?", filter.SchoolID)
	if filter.Grade != "" {
		w.add("grade = ?", filter.Grade)
	}
	if filter.Search != "" {
		w.add("LOWER(name) LIKE ?", likePattern(filter.Search))
	}

	var rows []studentRow
	q := "SELECT " + studentColumns + " FROM students" + w.String() + " ORDER BY name ASC, id ASC"
	if err := sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), w.args...); err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	students := make([]school.Student, 0, len(rows))
	for _, r := range rows {
		students = append(students, r.student())
	}
	return students, nil
}

func (repo schoolRepository) UpdateStudent(ctx context.Context, std school.Student, exec ...core.DBExecutor) (school.Student, error) {
	n, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE students SET name = ?, grade = ?, guardian_name = ?, guardian_phone = ?, updated_at = ? WHERE school_id = ? AND id = ?",
		std.Name, std.Grade, std.GuardianName, std.GuardianPhone, std.UpdatedAt.UTC(), std.SchoolID, std.ID)
	if err != nil {
		return school.Student{}, errors.Wrap(err, "updating student")
	}
	if n == 0 {
		return school.Student{}, school.ErrStudentNotFound
	}
	return std, nil
}

func (repo schoolRepository) DeleteStudent(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) error {
	n, err := execAffected(ctx, getExec(repo.db, exec), "DELETE FROM students WHERE school_id = ? AND id = ?", schoolID, id)
	if err != nil {
		return errors.Wrap(err, "deleting student")
	}
	if n == 0 {
		return school.ErrStudentNotFound
	}
	return nil
}

func (repo schoolRepository) StudentHasLedgerRecords(ctx context.Context, id int64, exec ...core.DBExecutor) (bool, error) {
	exe := getExec(repo.db, exec)
	var cnt int
	q := `SELECT (SELECT COUNT(*) FROM fees WHERE student_id = ?)
		+ (SELECT COUNT(*) FROM installments WHERE student_id = ?)
		+ (SELECT COUNT(*) FROM payments WHERE student_id = ?)`
	if err := sqlx.GetContext(ctx, exe, &cnt, exe.Rebind(q), id, id, id); err != nil {
		return false, errors.Wrap(err, "checking student ledger records")
	}
	return cnt > 0, nil
}
