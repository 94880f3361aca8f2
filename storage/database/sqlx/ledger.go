package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/ledger"
)

type feeRow struct {
	ID           int64           `db:"id"`
	SchoolID     int64           `db:"school_id"`
	Name         string          `db:"name"`
	Amount       decimal.Decimal `db:"amount"`
	DueDate      time.Time       `db:"due_date"`
	Grade        string          `db:"grade"`
	StudentID    null.Int64      `db:"student_id"`
	Installments int             `db:"installments"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

type installmentRow struct {
	ID         int64               `db:"id"`
	SchoolID   int64               `db:"school_id"`
	FeeID      int64               `db:"fee_id"`
	StudentID  int64               `db:"student_id"`
	Number     int                 `db:"number"`
	Amount     decimal.Decimal     `db:"amount"`
	DueDate    time.Time           `db:"due_date"`
	Status     string              `db:"status"`
	PaidAmount decimal.NullDecimal `db:"paid_amount"`
	PaidDate   null.Time           `db:"paid_date"`
	CreatedAt  time.Time           `db:"created_at"`
	UpdatedAt  time.Time           `db:"updated_at"`
}

type paymentRow struct {
	ID                int64           `db:"id"`
	SchoolID          int64           `db:"school_id"`
	FeeID             int64           `db:"fee_id"`
	StudentID         int64           `db:"student_id"`
	Kind              string          `db:"kind"`
	Amount            decimal.Decimal `db:"amount"`
	PaidAt            time.Time       `db:"paid_at"`
	Method            string          `db:"method"`
	InstallmentNumber null.Int        `db:"installment_number"`
	AdjustsPaymentID  null.Int64      `db:"adjusts_payment_id"`
	Notes             string          `db:"notes"`
	CreatedAt         time.Time       `db:"created_at"`
}

const (
	feeColumns         = "id, school_id, name, amount, due_date, grade, student_id, installments, created_at, updated_at"
	installmentColumns = "id, school_id, fee_id, student_id, number, amount, due_date, status, paid_amount, paid_date, created_at, updated_at"
	paymentColumns     = "id, school_id, fee_id, student_id, kind, amount, paid_at, method, installment_number, adjusts_payment_id, notes, created_at"
)

func (r feeRow) fee() ledger.Fee {
	return ledger.Fee{
		ID:           r.ID,
		SchoolID:     r.SchoolID,
		Name:         r.Name,
		Amount:       r.Amount,
		DueDate:      r.DueDate.UTC(),
		Grade:        r.Grade,
		StudentID:    r.StudentID.Ptr(),
		Installments: r.Installments,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (r installmentRow) installment() ledger.Installment {
	return ledger.Installment{
		ID:         r.ID,
		SchoolID:   r.SchoolID,
		FeeID:      r.FeeID,
		StudentID:  r.StudentID,
		Number:     r.Number,
		Amount:     r.Amount,
		DueDate:    r.DueDate.UTC(),
		Status:     ledger.InstallmentStatus(r.Status),
		PaidAmount: r.PaidAmount,
		PaidDate:   utcPtr(r.PaidDate),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func (r paymentRow) payment() ledger.Payment {
	return ledger.Payment{
		ID:                r.ID,
		SchoolID:          r.SchoolID,
		FeeID:             r.FeeID,
		StudentID:         r.StudentID,
		Kind:              ledger.PaymentKind(r.Kind),
		Amount:            r.Amount,
		PaidAt:            r.PaidAt.UTC(),
		Method:            r.Method,
		InstallmentNumber: r.InstallmentNumber.Ptr(),
		AdjustsPaymentID:  r.AdjustsPaymentID.Ptr(),
		Notes:             r.Notes,
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

type ledgerRepository struct {
	db core.DBExecutor
}

var _ ledger.Repository = (*ledgerRepository)(nil) // interface compliance check

func NewLedgerRepository(db core.DBExecutor) *ledgerRepository {
	return &ledgerRepository{db: db}
}

// Fees

func (repo ledgerRepository) CreateFee(ctx context.Context, fee ledger.Fee, exec ...core.DBExecutor) (ledger.Fee, error) {
	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		"INSERT INTO fees (school_id, name, amount, due_date, grade, student_id, installments, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		fee.SchoolID, fee.Name, fee.Amount, fee.DueDate.UTC(), fee.Grade, null.Int64FromPtr(fee.StudentID), fee.Installments, fee.CreatedAt.UTC(), fee.UpdatedAt.UTC())
	if err != nil {
		return ledger.Fee{}, errors.Wrap(err, "inserting fee")
	}
	fee.ID = id
	return fee, nil
}

func (repo ledgerRepository) GetFee(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (ledger.Fee, error) {
	exe := getExec(repo.db, exec)
	var row feeRow
	q := "SELECT " + feeColumns + " FROM fees WHERE school_id = ? AND id = ?"
	if err := sqlx.GetContext(ctx, exe, &row, exe.Rebind(q), schoolID, id); err != nil {
		return ledger.Fee{}, trapNoRowsErr(err, ledger.ErrFeeNotFound, "finding fee")
	}
	return row.fee(), nil
}

func (repo ledgerRepository) selectFees(ctx context.Context, exe core.DBExecutor, w where) ([]ledger.Fee, error) {
	var rows []feeRow
	q := "SELECT " + feeColumns + " FROM fees" + w.String() + " ORDER BY due_date ASC, id ASC"
	if err := sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), w.args...); err != nil {
		return nil, errors.Wrap(err, "querying fees")
	}
	fees := make([]ledger.Fee, 0, len(rows))
	for _, r := range rows {
		fees = append(fees, r.fee())
	}
	return fees, nil
}

func (repo ledgerRepository) QueryFees(ctx context.Context, filter ledger.FeeFilter, exec ...core.DBExecutor) ([]ledger.Fee, error) {
	var w where
	w.add("school_id = ?", filter.SchoolID)
	if filter.Grade != "" {
		w.add("grade = ?", filter.Grade)
	}
	if filter.StudentID > 0 {
		w.add("student_id = ?", filter.StudentID)
	}
	return repo.selectFees(ctx, getExec(repo.db, exec), w)
}

func (repo ledgerRepository) QueryStudentFees(ctx context.Context, schoolID, studentID int64, grade string, exec ...core.DBExecutor) ([]ledger.Fee, error) {
	var w where
	w.add("school_id = ?", schoolID)
	w.add("(student_id = ? OR (student_id IS NULL AND grade = ?))", studentID, grade)
	return repo.selectFees(ctx, getExec(repo.db, exec), w)
}

func (repo ledgerRepository) UpdateFee(ctx context.Context, fee ledger.Fee, exec ...core.DBExecutor) (ledger.Fee, error) {
	n, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE fees SET name = ?, amount = ?, due_date = ?, installments = ?, updated_at = ? WHERE school_id = ? AND id = ?",
		fee.Name, fee.Amount, fee.DueDate.UTC(), fee.Installments, fee.UpdatedAt.UTC(), fee.SchoolID, fee.ID)
	if err != nil {
		return ledger.Fee{}, errors.Wrap(err, "updating fee")
	}
	if n == 0 {
		return ledger.Fee{}, ledger.ErrFeeNotFound
	}
	return fee, nil
}

func (repo ledgerRepository) DeleteFee(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) error {
	n, err := execAffected(ctx, getExec(repo.db, exec), "DELETE FROM fees WHERE school_id = ? AND id = ?", schoolID, id)
	if err != nil {
		return errors.Wrap(err, "deleting fee")
	}
	if n == 0 {
		return ledger.ErrFeeNotFound
	}
	return nil
}

// Installments

func (repo ledgerRepository) CreateInstallment(ctx context.Context, inst ledger.Installment, exec ...core.DBExecutor) (ledger.Installment, error) {
	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		`INSERT INTO installments (school_id, fee_id, student_id, number, amount, due_date, status, paid_amount, paid_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.SchoolID, inst.FeeID, inst.StudentID, inst.Number, inst.Amount, inst.DueDate.UTC(), string(inst.Status),
		inst.PaidAmount, nullTimeFromPtr(inst.PaidDate), inst.CreatedAt.UTC(), inst.UpdatedAt.UTC())
	if err != nil {
		return ledger.Installment{}, errors.Wrap(err, "inserting installment")
	}
	inst.ID = id
	return inst, nil
}

func (repo ledgerRepository) GetInstallment(ctx context.Context, feeID, studentID int64, number int, exec ...core.DBExecutor) (ledger.Installment, error) {
	exe := getExec(repo.db, exec)
	var row installmentRow
	q := "SELECT " + installmentColumns + " FROM installments WHERE fee_id = ? AND student_id = ? AND number = ?"
	if err := sqlx.GetContext(ctx, exe, &row, exe.Rebind(q), feeID, studentID, number); err != nil {
		return ledger.Installment{}, trapNoRowsErr(err, ledger.ErrInstallmentNotFound, "finding installment")
	}
	return row.installment(), nil
}

func (repo ledgerRepository) QueryInstallments(ctx context.Context, filter ledger.InstallmentFilter, exec ...core.DBExecutor) ([]ledger.Installment, error) {
	exe := getExec(repo.db, exec)
	var w where
	w.add("school_id = ?", filter.SchoolID)
	if filter.FeeID > 0 {
		w.add("fee_id = ?", filter.FeeID)
	}
	if filter.StudentID > 0 {
		w.add("student_id = ?", filter.StudentID)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}

	var rows []installmentRow
	q := "SELECT " + installmentColumns + " FROM installments" + w.String() + " ORDER BY fee_id ASC, student_id ASC, number ASC"
	if err := sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), w.args...); err != nil {
		return nil, errors.Wrap(err, "querying installments")
	}
	insts := make([]ledger.Installment, 0, len(rows))
	for _, r := range rows {
		insts = append(insts, r.installment())
	}
	return insts, nil
}

func (repo ledgerRepository) UpdateInstallment(ctx context.Context, inst ledger.Installment, exec ...core.DBExecutor) (ledger.Installment, error) {
	n, err := execAffected(ctx, getExec(repo.db, exec),
		"UPDATE installments SET amount = ?, due_date = ?, status = ?, paid_amount = ?, paid_date = ?, updated_at = ? WHERE id = ?",
		inst.Amount, inst.DueDate.UTC(), string(inst.Status), inst.PaidAmount, nullTimeFromPtr(inst.PaidDate), inst.UpdatedAt.UTC(), inst.ID)
	if err != nil {
		return ledger.Installment{}, errors.Wrap(err, "updating installment")
	}
	if n == 0 {
		return ledger.Installment{}, ledger.ErrInstallmentNotFound
	}
	return inst, nil
}

func (repo ledgerRepository) DeleteInstallment(ctx context.Context, id int64, exec ...core.DBExecutor) error {
	if _, err := execAffected(ctx, getExec(repo.db, exec), "DELETE FROM installments WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "deleting installment")
	}
	return nil
}

// Payments

func (repo ledgerRepository) CreatePayment(ctx context.Context, p ledger.Payment, exec ...core.DBExecutor) (ledger.Payment, error) {
	id, err := insertReturningID(ctx, getExec(repo.db, exec),
		`INSERT INTO payments (school_id, fee_id, student_id, kind, amount, paid_at, method, installment_number, adjusts_payment_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SchoolID, p.FeeID, p.StudentID, string(p.Kind), p.Amount, p.PaidAt.UTC(), p.Method,
		null.IntFromPtr(p.InstallmentNumber), null.Int64FromPtr(p.AdjustsPaymentID), p.Notes, p.CreatedAt.UTC())
	if err != nil {
		return ledger.Payment{}, errors.Wrap(err, "inserting payment")
	}
	p.ID = id
	return p, nil
}

func (repo ledgerRepository) GetPayment(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (ledger.Payment, error) {
	exe := getExec(repo.db, exec)
	var row paymentRow
	q := "SELECT " + paymentColumns + " FROM payments WHERE school_id = ? AND id = ?"
	if err := sqlx.GetContext(ctx, exe, &row, exe.Rebind(q), schoolID, id); err != nil {
		return ledger.Payment{}, trapNoRowsErr(err, ledger.ErrPaymentNotFound, "finding payment")
	}
	return row.payment(), nil
}

func (repo ledgerRepository) QueryPayments(ctx context.Context, filter ledger.PaymentFilter, exec ...core.DBExecutor) ([]ledger.Payment, error) {
	exe := getExec(repo.db, exec)
	var w where
	w.add("school_id = ?", filter.SchoolID)
	if filter.FeeID > 0 {
		w.add("fee_id = ?", filter.FeeID)
	}
	if filter.StudentID > 0 {
		w.add("student_id = ?", filter.StudentID)
	}
	if filter.Kind != "" {
		w.add("kind = ?", string(filter.Kind))
	}
	if filter.AdjustsPaymentID > 0 {
		w.add("adjusts_payment_id = ?", filter.AdjustsPaymentID)
	}
	if filter.GeneralOnly {
		w.add("installment_number IS NULL")
	}

	var rows []paymentRow
	q := "SELECT " + paymentColumns + " FROM payments" + w.String() + " ORDER BY id ASC"
	if err := sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), w.args...); err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	pmts := make([]ledger.Payment, 0, len(rows))
	for _, r := range rows {
		pmts = append(pmts, r.payment())
	}
	return pmts, nil
}

func (repo ledgerRepository) CountFeePayments(ctx context.Context, feeID int64, exec ...core.DBExecutor) (int, error) {
	exe := getExec(repo.db, exec)
	var cnt int
	if err := sqlx.GetContext(ctx, exe, &cnt, exe.Rebind("SELECT COUNT(*) FROM payments WHERE fee_id = ?"), feeID); err != nil {
		return 0, errors.Wrap(err, "counting fee payments")
	}
	return cnt, nil
}
