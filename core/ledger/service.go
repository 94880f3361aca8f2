package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/school"
	"github.com/trezcool/feeledger/core/syncq"
)

var (
	ErrFeeNotFound         = errors.New("fee not found")
	ErrInstallmentNotFound = errors.New("installment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrAmbiguousTarget     = errors.New("a fee targets either a grade or a student, not both")
	ErrFeeHasPayments      = errors.New("fee has payments and cannot be deleted")
	ErrInstallmentRequired = errors.New("installment_number is required for fees paid in installments")
	ErrNotInstallmentFee   = errors.New("this fee is not paid in installments")
	ErrAdjustAdjustment    = errors.New("adjustments cannot be adjusted; adjust the original payment")
)

type (
	Repository interface {
		CreateFee(ctx context.Context, fee Fee, exec ...core.DBExecutor) (Fee, error)
		GetFee(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (Fee, error)
		QueryFees(ctx context.Context, filter FeeFilter, exec ...core.DBExecutor) ([]Fee, error)
		// QueryStudentFees returns the fees targeting the student directly or through their grade.
		QueryStudentFees(ctx context.Context, schoolID, studentID int64, grade string, exec ...core.DBExecutor) ([]Fee, error)
		UpdateFee(ctx context.Context, fee Fee, exec ...core.DBExecutor) (Fee, error)
		DeleteFee(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) error

		CreateInstallment(ctx context.Context, inst Installment, exec ...core.DBExecutor) (Installment, error)
		GetInstallment(ctx context.Context, feeID, studentID int64, number int, exec ...core.DBExecutor) (Installment, error)
		QueryInstallments(ctx context.Context, filter InstallmentFilter, exec ...core.DBExecutor) ([]Installment, error)
		UpdateInstallment(ctx context.Context, inst Installment, exec ...core.DBExecutor) (Installment, error)
		DeleteInstallment(ctx context.Context, id int64, exec ...core.DBExecutor) error

		CreatePayment(ctx context.Context, p Payment, exec ...core.DBExecutor) (Payment, error)
		GetPayment(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (Payment, error)
		QueryPayments(ctx context.Context, filter PaymentFilter, exec ...core.DBExecutor) ([]Payment, error)
		CountFeePayments(ctx context.Context, feeID int64, exec ...core.DBExecutor) (int, error)
	}

	// Roster resolves the students a fee applies to.
	Roster interface {
		GetStudent(ctx context.Context, schoolID, id int64, exec ...core.DBExecutor) (school.Student, error)
		QueryStudents(ctx context.Context, filter school.StudentFilter, exec ...core.DBExecutor) ([]school.Student, error)
	}
)

type Service struct {
	db       core.DB
	repo     Repository
	roster   Roster
	queue    syncq.Enqueuer
	validate *validator.Validate
	logger   core.Logger
	clock    core.Clock
}

func NewService(db core.DB, repo Repository, roster Roster, queue syncq.Enqueuer, validate *validator.Validate, logger core.Logger, clock ...core.Clock) *Service {
	svc := &Service{db: db, repo: repo, roster: roster, queue: queue, validate: validate, logger: logger}
	if len(clock) > 0 {
		svc.clock = clock[0]
	}
	return svc
}

// targets lists the students a fee applies to.
func (svc *Service) targets(ctx context.Context, fee Fee, exec core.DBExecutor) ([]school.Student, error) {
	if fee.StudentID != nil {
		std, err := svc.roster.GetStudent(ctx, fee.SchoolID, *fee.StudentID, exec)
		if err != nil {
			if errors.Cause(err) == school.ErrStudentNotFound {
				return nil, core.NewValidationError(err, core.FieldError{Field: "student_id", Error: err.Error()})
			}
			return nil, err
		}
		return []school.Student{std}, nil
	}
	return svc.roster.QueryStudents(ctx, school.StudentFilter{SchoolID: fee.SchoolID, Grade: fee.Grade}, exec)
}

func (svc *Service) enqueue(ctx context.Context, sess core.Session, tx core.DBExecutor, op syncq.Operation, kind syncq.EntityKind, id int64, data interface{}) error {
	_, err := svc.queue.Enqueue(ctx, sess, op, kind, id, data, tx)
	return err
}

func (svc *Service) createSchedule(ctx context.Context, sess core.Session, tx core.DBExecutor, insts []Installment) ([]Installment, error) {
	created := make([]Installment, 0, len(insts))
	for _, inst := range insts {
		inst, err := svc.repo.CreateInstallment(ctx, inst, tx)
		if err != nil {
			return nil, err
		}
		if err = svc.enqueue(ctx, sess, tx, syncq.OpCreate, syncq.EntityInstallment, inst.ID, inst.snapshot()); err != nil {
			return nil, err
		}
		created = append(created, inst)
	}
	return created, nil
}

// CreateFee stores the fee and, for N > 1 installments, fans it out into N installments
// for every target student, all in one local transaction.
func (svc *Service) CreateFee(ctx context.Context, sess core.Session, nf NewFee) (Fee, []Installment, error) {
	if err := sess.RequireSchool(); err != nil {
		return Fee{}, nil, err
	}
	if err := nf.Validate(svc.validate); err != nil {
		return Fee{}, nil, err
	}

	now := svc.clock.Now()
	fee := Fee{
		SchoolID:     sess.SchoolID,
		Name:         nf.Name,
		Amount:       nf.Amount,
		DueDate:      nf.DueDate,
		Grade:        nf.Grade,
		StudentID:    nf.StudentID,
		Installments: nf.Installments,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var insts []Installment
	err := core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		students, err := svc.targets(ctx, fee, tx)
		if err != nil {
			return err
		}
		if fee, err = svc.repo.CreateFee(ctx, fee, tx); err != nil {
			return err
		}
		if err = svc.enqueue(ctx, sess, tx, syncq.OpCreate, syncq.EntityFee, fee.ID, fee); err != nil {
			return err
		}
		for _, std := range students {
			created, err := svc.createSchedule(ctx, sess, tx, BuildSchedule(fee, std.ID, now))
			if err != nil {
				return err
			}
			insts = append(insts, created...)
		}
		return nil
	})
	if err != nil {
		return Fee{}, nil, err
	}
	return fee, insts, nil
}

func (svc *Service) GetFee(ctx context.Context, sess core.Session, id int64) (Fee, error) {
	if err := sess.RequireSchool(); err != nil {
		return Fee{}, err
	}
	return svc.repo.GetFee(ctx, sess.SchoolID, id)
}

func (svc *Service) QueryFees(ctx context.Context, sess core.Session, filter FeeFilter) ([]Fee, error) {
	if err := sess.RequireSchool(); err != nil {
		return nil, err
	}
	filter.SchoolID = sess.SchoolID
	filter.Grade = core.CleanString(filter.Grade)
	return svc.repo.QueryFees(ctx, filter)
}

// UpdateFee edits a fee. When its amount, due date or installment count changes, each target
// student's schedule is regenerated without touching installments that already received money.
func (svc *Service) UpdateFee(ctx context.Context, sess core.Session, id int64, uf UpdateFee) (Fee, error) {
	orig, err := svc.GetFee(ctx, sess, id)
	if err != nil {
		return Fee{}, err
	}
	if err = uf.Validate(orig, svc.validate); err != nil {
		return Fee{}, err
	}

	fee := uf.apply(orig)
	now := svc.clock.Now()
	fee.UpdatedAt = now
	reschedule := !fee.Amount.Equal(orig.Amount) || !fee.DueDate.Equal(orig.DueDate) || fee.Installments != orig.Installments

	err = core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		if reschedule {
			if err := svc.reschedule(ctx, sess, tx, fee, now); err != nil {
				return err
			}
		}
		var err error
		if fee, err = svc.repo.UpdateFee(ctx, fee, tx); err != nil {
			return err
		}
		return svc.enqueue(ctx, sess, tx, syncq.OpUpdate, syncq.EntityFee, fee.ID, fee)
	})
	if err != nil {
		return Fee{}, err
	}
	return fee, nil
}

func (svc *Service) reschedule(ctx context.Context, sess core.Session, tx core.DBExecutor, fee Fee, now time.Time) error {
	students, err := svc.targets(ctx, fee, tx)
	if err != nil {
		return err
	}
	existing, err := svc.repo.QueryInstallments(ctx, InstallmentFilter{SchoolID: fee.SchoolID, FeeID: fee.ID}, tx)
	if err != nil {
		return err
	}
	byStudent := make(map[int64][]Installment)
	for _, inst := range existing {
		byStudent[inst.StudentID] = append(byStudent[inst.StudentID], inst)
	}
	// students who left the grade keep their schedule; it is still regenerated
	for studentID := range byStudent {
		found := false
		for _, std := range students {
			if std.ID == studentID {
				found = true
				break
			}
		}
		if !found {
			students = append(students, school.Student{ID: studentID, SchoolID: fee.SchoolID})
		}
	}

	for _, std := range students {
		if err = svc.checkGeneralPaid(ctx, tx, fee, std.ID, byStudent[std.ID]); err != nil {
			return err
		}
		plan, err := PlanRegeneration(fee, std.ID, byStudent[std.ID], now)
		if err != nil {
			return err
		}
		if plan.IsNoop() {
			continue
		}
		for _, inst := range plan.Remove {
			if err = svc.repo.DeleteInstallment(ctx, inst.ID, tx); err != nil {
				return err
			}
			if err = svc.enqueue(ctx, sess, tx, syncq.OpDelete, syncq.EntityInstallment, inst.ID, inst.snapshot()); err != nil {
				return err
			}
		}
		if _, err = svc.createSchedule(ctx, sess, tx, plan.Create); err != nil {
			return err
		}
		svc.logger.Info(fmt.Sprintf("ledger: fee %d rescheduled for student %d (kept %d, removed %d, created %d)",
			fee.ID, std.ID, len(plan.Keep), len(plan.Remove), len(plan.Create)), sess)
	}
	return nil
}

// checkGeneralPaid guards payments made while the fee had no installments: the fee cannot be
// lowered below them nor split into installments once any exist.
func (svc *Service) checkGeneralPaid(ctx context.Context, tx core.DBExecutor, fee Fee, studentID int64, insts []Installment) error {
	for _, inst := range insts {
		if inst.Paid().IsPositive() {
			// handled by PlanRegeneration
			return nil
		}
	}
	pmts, err := svc.repo.QueryPayments(ctx, PaymentFilter{SchoolID: fee.SchoolID, FeeID: fee.ID, StudentID: studentID, GeneralOnly: true}, tx)
	if err != nil {
		return err
	}
	paid := sumPayments(pmts)
	if fee.HasSchedule() && paid.IsPositive() {
		msg := fmt.Sprintf("%s paid without installments; the fee cannot be split", paid.StringFixed(2))
		return core.NewValidationError(ErrScheduleConflict, core.FieldError{Field: "installments", Error: msg})
	}
	if paid.GreaterThan(fee.Amount) {
		msg := fmt.Sprintf("%s (%s paid)", ErrAmountBelowPaid.Error(), paid.StringFixed(2))
		return core.NewValidationError(ErrAmountBelowPaid, core.FieldError{Field: "amount", Error: msg})
	}
	return nil
}

// DeleteFee removes a fee and its installments. Fees with payments are kept for the record.
func (svc *Service) DeleteFee(ctx context.Context, sess core.Session, id int64) error {
	fee, err := svc.GetFee(ctx, sess, id)
	if err != nil {
		return err
	}
	return core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		cnt, err := svc.repo.CountFeePayments(ctx, fee.ID, tx)
		if err != nil {
			return err
		}
		if cnt > 0 {
			return core.NewValidationError(ErrFeeHasPayments, core.FieldError{Field: "id", Error: ErrFeeHasPayments.Error()})
		}

		insts, err := svc.repo.QueryInstallments(ctx, InstallmentFilter{SchoolID: fee.SchoolID, FeeID: fee.ID}, tx)
		if err != nil {
			return err
		}
		for _, inst := range insts {
			if err = svc.repo.DeleteInstallment(ctx, inst.ID, tx); err != nil {
				return err
			}
			if err = svc.enqueue(ctx, sess, tx, syncq.OpDelete, syncq.EntityInstallment, inst.ID, inst.snapshot()); err != nil {
				return err
			}
		}
		if err = svc.repo.DeleteFee(ctx, fee.SchoolID, fee.ID, tx); err != nil {
			return err
		}
		return svc.enqueue(ctx, sess, tx, syncq.OpDelete, syncq.EntityFee, fee.ID, fee)
	})
}

// RecordPayment runs the payment through the installment state machine (or, for general fees,
// the fee balance) and appends exactly one immutable Payment when it is accepted.
func (svc *Service) RecordPayment(ctx context.Context, sess core.Session, np NewPayment) (Payment, *Installment, error) {
	if err := sess.RequireSchool(); err != nil {
		return Payment{}, nil, err
	}
	if err := np.Validate(svc.validate); err != nil {
		return Payment{}, nil, err
	}

	now := svc.clock.Now()
	paidAt := np.PaidAt.UTC()
	if np.PaidAt.IsZero() {
		paidAt = now
	}
	pmt := Payment{
		SchoolID:          sess.SchoolID,
		FeeID:             np.FeeID,
		StudentID:         np.StudentID,
		Kind:              KindPayment,
		Amount:            np.Amount,
		PaidAt:            paidAt,
		Method:            np.Method,
		InstallmentNumber: np.InstallmentNumber,
		Notes:             np.Notes,
		CreatedAt:         now,
	}

	var updated *Installment
	err := core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		fee, err := svc.lookupFee(ctx, sess.SchoolID, np.FeeID, tx)
		if err != nil {
			return err
		}
		if _, err = svc.lookupStudent(ctx, sess.SchoolID, np.StudentID, tx); err != nil {
			return err
		}

		switch {
		case np.InstallmentNumber != nil:
			if !fee.HasSchedule() {
				return core.NewValidationError(ErrNotInstallmentFee, core.FieldError{Field: "installment_number", Error: ErrNotInstallmentFee.Error()})
			}
			inst, err := svc.lookupInstallment(ctx, fee.ID, np.StudentID, *np.InstallmentNumber, tx)
			if err != nil {
				return err
			}
			if inst, err = ApplyPayment(inst, np.Amount, paidAt); err != nil {
				return err
			}
			if updated, err = svc.saveInstallment(ctx, sess, tx, inst, now); err != nil {
				return err
			}
		case fee.HasSchedule():
			return core.NewValidationError(ErrInstallmentRequired, core.FieldError{Field: "installment_number", Error: ErrInstallmentRequired.Error()})
		default:
			if err = svc.checkGeneralBalance(ctx, tx, fee, np.StudentID, np.Amount); err != nil {
				return err
			}
		}

		if pmt, err = svc.repo.CreatePayment(ctx, pmt, tx); err != nil {
			return err
		}
		return svc.enqueue(ctx, sess, tx, syncq.OpCreate, syncq.EntityPayment, pmt.ID, pmt)
	})
	if err != nil {
		return Payment{}, nil, err
	}
	return pmt, updated, nil
}

// AdjustPayment records a signed correction of an existing payment. The original payment is
// never modified; the net of a payment and its adjustments stays within [0, original amount].
func (svc *Service) AdjustPayment(ctx context.Context, sess core.Session, paymentID int64, na NewAdjustment) (Payment, *Installment, error) {
	if err := sess.RequireSchool(); err != nil {
		return Payment{}, nil, err
	}
	if err := na.Validate(svc.validate); err != nil {
		return Payment{}, nil, err
	}

	now := svc.clock.Now()
	paidAt := na.PaidAt.UTC()
	if na.PaidAt.IsZero() {
		paidAt = now
	}

	var (
		adj     Payment
		updated *Installment
	)
	err := core.InTx(ctx, svc.db, func(tx core.DBExecutor) error {
		orig, err := svc.repo.GetPayment(ctx, sess.SchoolID, paymentID, tx)
		if err != nil {
			return err
		}
		if orig.Kind != KindPayment {
			return core.NewValidationError(ErrAdjustAdjustment, core.FieldError{Field: "id", Error: ErrAdjustAdjustment.Error()})
		}

		prior, err := svc.repo.QueryPayments(ctx, PaymentFilter{SchoolID: sess.SchoolID, AdjustsPaymentID: orig.ID}, tx)
		if err != nil {
			return err
		}
		net := orig.Amount.Add(sumPayments(prior)).Add(na.Amount)
		if net.IsNegative() {
			return core.NewValidationError(ErrNegativePaid, core.FieldError{Field: "amount", Error: ErrNegativePaid.Error()})
		}
		if net.GreaterThan(orig.Amount) {
			msg := fmt.Sprintf("adjustments cannot raise a payment above its original amount (%s)", orig.Amount.StringFixed(2))
			return core.NewValidationError(ErrOverpayment, core.FieldError{Field: "amount", Error: msg})
		}

		if orig.InstallmentNumber != nil {
			inst, err := svc.lookupInstallment(ctx, orig.FeeID, orig.StudentID, *orig.InstallmentNumber, tx)
			if err != nil {
				return err
			}
			if inst, err = ApplyAdjustment(inst, na.Amount, paidAt); err != nil {
				return err
			}
			if updated, err = svc.saveInstallment(ctx, sess, tx, inst, now); err != nil {
				return err
			}
		} else if na.Amount.IsPositive() {
			fee, err := svc.lookupFee(ctx, sess.SchoolID, orig.FeeID, tx)
			if err != nil {
				return err
			}
			if err = svc.checkGeneralBalance(ctx, tx, fee, orig.StudentID, na.Amount); err != nil {
				return err
			}
		}

		origID := orig.ID
		adj = Payment{
			SchoolID:          orig.SchoolID,
			FeeID:             orig.FeeID,
			StudentID:         orig.StudentID,
			Kind:              KindAdjustment,
			Amount:            na.Amount,
			PaidAt:            paidAt,
			Method:            orig.Method,
			InstallmentNumber: orig.InstallmentNumber,
			AdjustsPaymentID:  &origID,
			Notes:             na.Notes,
			CreatedAt:         now,
		}
		if adj, err = svc.repo.CreatePayment(ctx, adj, tx); err != nil {
			return err
		}
		return svc.enqueue(ctx, sess, tx, syncq.OpCreate, syncq.EntityPayment, adj.ID, adj)
	})
	if err != nil {
		return Payment{}, nil, err
	}
	return adj, updated, nil
}

func (svc *Service) saveInstallment(ctx context.Context, sess core.Session, tx core.DBExecutor, inst Installment, now time.Time) (*Installment, error) {
	inst.UpdatedAt = now
	inst, err := svc.repo.UpdateInstallment(ctx, inst, tx)
	if err != nil {
		return nil, err
	}
	if err = svc.enqueue(ctx, sess, tx, syncq.OpUpdate, syncq.EntityInstallment, inst.ID, inst.snapshot()); err != nil {
		return nil, err
	}
	inst.Overdue = IsOverdue(inst, now)
	return &inst, nil
}

// checkGeneralBalance holds payments on a fee without installments to the fee amount.
func (svc *Service) checkGeneralBalance(ctx context.Context, tx core.DBExecutor, fee Fee, studentID int64, amount decimal.Decimal) error {
	pmts, err := svc.repo.QueryPayments(ctx, PaymentFilter{SchoolID: fee.SchoolID, FeeID: fee.ID, StudentID: studentID, GeneralOnly: true}, tx)
	if err != nil {
		return err
	}
	paid := sumPayments(pmts)
	if paid.Add(amount).GreaterThan(fee.Amount) {
		return overpaymentError(fee.Amount.Sub(paid))
	}
	return nil
}

func (svc *Service) lookupFee(ctx context.Context, schoolID, id int64, tx core.DBExecutor) (Fee, error) {
	fee, err := svc.repo.GetFee(ctx, schoolID, id, tx)
	if err != nil && errors.Cause(err) == ErrFeeNotFound {
		return Fee{}, core.NewValidationError(err, core.FieldError{Field: "fee_id", Error: err.Error()})
	}
	return fee, err
}

func (svc *Service) lookupStudent(ctx context.Context, schoolID, id int64, tx core.DBExecutor) (school.Student, error) {
	std, err := svc.roster.GetStudent(ctx, schoolID, id, tx)
	if err != nil && errors.Cause(err) == school.ErrStudentNotFound {
		return school.Student{}, core.NewValidationError(err, core.FieldError{Field: "student_id", Error: err.Error()})
	}
	return std, err
}

func (svc *Service) lookupInstallment(ctx context.Context, feeID, studentID int64, number int, tx core.DBExecutor) (Installment, error) {
	inst, err := svc.repo.GetInstallment(ctx, feeID, studentID, number, tx)
	if err != nil && errors.Cause(err) == ErrInstallmentNotFound {
		return Installment{}, core.NewValidationError(err, core.FieldError{Field: "installment_number", Error: err.Error()})
	}
	return inst, err
}

// QueryInstallments derives the overdue flag on every read; Overdue in the filter is applied
// after derivation.
func (svc *Service) QueryInstallments(ctx context.Context, sess core.Session, filter InstallmentFilter) ([]Installment, error) {
	if err := sess.RequireSchool(); err != nil {
		return nil, err
	}
	filter.SchoolID = sess.SchoolID
	insts, err := svc.repo.QueryInstallments(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := svc.clock.Now()
	result := make([]Installment, 0, len(insts))
	for _, inst := range insts {
		inst.Overdue = IsOverdue(inst, now)
		if filter.Overdue != nil && inst.Overdue != *filter.Overdue {
			continue
		}
		result = append(result, inst)
	}
	return result, nil
}

func (svc *Service) QueryPayments(ctx context.Context, sess core.Session, filter PaymentFilter) ([]Payment, error) {
	if err := sess.RequireSchool(); err != nil {
		return nil, err
	}
	filter.SchoolID = sess.SchoolID
	return svc.repo.QueryPayments(ctx, filter)
}

// StudentBalance totals what is due, paid, outstanding and overdue for a student.
func (svc *Service) StudentBalance(ctx context.Context, sess core.Session, studentID int64) (Balance, error) {
	if err := sess.RequireSchool(); err != nil {
		return Balance{}, err
	}
	std, err := svc.roster.GetStudent(ctx, sess.SchoolID, studentID)
	if err != nil {
		return Balance{}, err
	}
	fees, err := svc.repo.QueryStudentFees(ctx, sess.SchoolID, std.ID, std.Grade)
	if err != nil {
		return Balance{}, err
	}
	insts, err := svc.repo.QueryInstallments(ctx, InstallmentFilter{SchoolID: sess.SchoolID, StudentID: std.ID})
	if err != nil {
		return Balance{}, err
	}
	pmts, err := svc.repo.QueryPayments(ctx, PaymentFilter{SchoolID: sess.SchoolID, StudentID: std.ID})
	if err != nil {
		return Balance{}, err
	}

	// fees the student owes through a previous grade are still referenced by their installments and payments
	seen := make(map[int64]bool, len(fees))
	for _, fee := range fees {
		seen[fee.ID] = true
	}
	var referenced []int64
	for _, inst := range insts {
		if !seen[inst.FeeID] {
			seen[inst.FeeID] = true
			referenced = append(referenced, inst.FeeID)
		}
	}
	for _, p := range pmts {
		if !seen[p.FeeID] {
			seen[p.FeeID] = true
			referenced = append(referenced, p.FeeID)
		}
	}
	for _, id := range referenced {
		fee, err := svc.repo.GetFee(ctx, sess.SchoolID, id)
		if err != nil {
			return Balance{}, errors.Wrapf(err, "loading fee %d", id)
		}
		fees = append(fees, fee)
	}

	now := svc.clock.Now()
	bal := Balance{StudentID: std.ID, Due: decimal.Zero, Paid: sumPayments(pmts), Overdue: decimal.Zero}
	for _, fee := range fees {
		bal.Due = bal.Due.Add(fee.Amount)

		if fee.HasSchedule() {
			for _, inst := range insts {
				if inst.FeeID == fee.ID && IsOverdue(inst, now) {
					bal.Overdue = bal.Overdue.Add(inst.Outstanding())
				}
			}
			continue
		}
		if fee.DueDate.Before(now) {
			var paid decimal.Decimal
			for _, p := range pmts {
				if p.FeeID == fee.ID && p.InstallmentNumber == nil {
					paid = paid.Add(p.Amount)
				}
			}
			if outstanding := fee.Amount.Sub(paid); outstanding.IsPositive() {
				bal.Overdue = bal.Overdue.Add(outstanding)
			}
		}
	}
	bal.Outstanding = bal.Due.Sub(bal.Paid)
	return bal, nil
}

func sumPayments(pmts []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range pmts {
		total = total.Add(p.Amount)
	}
	return total
}
