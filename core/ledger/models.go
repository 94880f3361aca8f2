package ledger

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/feeledger/core"
)

type InstallmentStatus string

const (
	StatusUnpaid  InstallmentStatus = "unpaid"
	StatusPartial InstallmentStatus = "partial"
	StatusPaid    InstallmentStatus = "paid"
)

type PaymentKind string

const (
	KindPayment    PaymentKind = "payment"
	KindAdjustment PaymentKind = "adjustment"
)

// Payment methods
const (
	MethodCash         = "cash"
	MethodBankTransfer = "bank_transfer"
	MethodMobileMoney  = "mobile_money"
	MethodCard         = "card"
	MethodOther        = "other"
)

var Methods = []string{MethodCash, MethodBankTransfer, MethodMobileMoney, MethodCard, MethodOther}

// Fee targets either one student or every student of a grade.
// With Installments > 1 it is the template of the installment schedule.
type Fee struct {
	ID           int64           `json:"id"`
	SchoolID     int64           `json:"school_id"`
	Name         string          `json:"name"`
	Amount       decimal.Decimal `json:"amount"`
	DueDate      time.Time       `json:"due_date"`
	Grade        string          `json:"grade"`
	StudentID    *int64          `json:"student_id"`
	Installments int             `json:"installments"`
	CreatedAt    time.Time       `json:"created_at"` // UTC
	UpdatedAt    time.Time       `json:"updated_at"` // UTC
}

func (f Fee) HasSchedule() bool { return f.Installments > 1 }

type Installment struct {
	ID         int64               `json:"id"`
	SchoolID   int64               `json:"school_id"`
	FeeID      int64               `json:"fee_id"`
	StudentID  int64               `json:"student_id"`
	Number     int                 `json:"number"`
	Amount     decimal.Decimal     `json:"amount"`
	DueDate    time.Time           `json:"due_date"`
	Status     InstallmentStatus   `json:"status"`
	PaidAmount decimal.NullDecimal `json:"paid_amount"`
	PaidDate   *time.Time          `json:"paid_date"`
	CreatedAt  time.Time           `json:"created_at"` // UTC
	UpdatedAt  time.Time           `json:"updated_at"` // UTC

	// derived on read, never stored
	Overdue bool `json:"overdue,omitempty"`
}

// Paid returns the paid amount, zero when unset.
func (inst Installment) Paid() decimal.Decimal {
	if !inst.PaidAmount.Valid {
		return decimal.Zero
	}
	return inst.PaidAmount.Decimal
}

func (inst Installment) Outstanding() decimal.Decimal {
	return inst.Amount.Sub(inst.Paid())
}

// snapshot is the row shape sent to the remote.
func (inst Installment) snapshot() Installment {
	inst.Overdue = false
	return inst
}

// Payment is an immutable record of money received, or a signed correction of one.
type Payment struct {
	ID                int64           `json:"id"`
	SchoolID          int64           `json:"school_id"`
	FeeID             int64           `json:"fee_id"`
	StudentID         int64           `json:"student_id"`
	Kind              PaymentKind     `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	PaidAt            time.Time       `json:"paid_at"`
	Method            string          `json:"method"`
	InstallmentNumber *int            `json:"installment_number"`
	AdjustsPaymentID  *int64          `json:"adjusts_payment_id"`
	Notes             string          `json:"notes"`
	CreatedAt         time.Time       `json:"created_at"` // UTC
}

// NewFee contains information needed to create a Fee.
type NewFee struct {
	Name         string          `json:"name" validate:"required,max=200"`
	Amount       decimal.Decimal `json:"amount" validate:"dgt0"`
	DueDate      time.Time       `json:"due_date" validate:"required"`
	Grade        string          `json:"grade" validate:"required_without=StudentID,max=32"`
	StudentID    *int64          `json:"student_id" validate:"omitempty,gt=0"`
	Installments int             `json:"installments" validate:"omitempty,min=1,max=60"`
}

func (nf *NewFee) Validate(validate *validator.Validate) error {
	nf.Name = core.CleanString(nf.Name)
	nf.Grade = core.CleanString(nf.Grade)
	if nf.Installments == 0 {
		nf.Installments = 1
	}
	if err := validate.Struct(nf); err != nil {
		return err
	}
	if nf.StudentID != nil && nf.Grade != "" {
		return core.NewValidationError(ErrAmbiguousTarget, core.FieldError{Field: "grade", Error: ErrAmbiguousTarget.Error()})
	}
	if !CanSplit(nf.Amount, nf.Installments) {
		return splitError(nf.Amount, nf.Installments, "installments")
	}
	nf.DueDate = core.Day(nf.DueDate)
	return nil
}

// UpdateFee defines what may change on a Fee. Nil fields keep their value.
// Changing amount, due date or installment count regenerates the unpaid part of the schedule.
type UpdateFee struct {
	Name         string           `json:"name" validate:"max=200"`
	Amount       *decimal.Decimal `json:"amount"`
	DueDate      *time.Time       `json:"due_date"`
	Installments *int             `json:"installments" validate:"omitempty,min=1,max=60"`
}

func (uf *UpdateFee) Validate(orig Fee, validate *validator.Validate) error {
	if name := core.CleanString(uf.Name); name != "" {
		uf.Name = name
	} else {
		uf.Name = orig.Name
	}
	if uf.Amount == nil {
		uf.Amount = &orig.Amount
	}
	if uf.DueDate == nil {
		uf.DueDate = &orig.DueDate
	} else {
		due := core.Day(*uf.DueDate)
		uf.DueDate = &due
	}
	if uf.Installments == nil {
		uf.Installments = &orig.Installments
	}

	if err := validate.Struct(uf); err != nil {
		return err
	}
	if !uf.Amount.IsPositive() {
		return core.NewValidationError(ErrNonPositiveAmount, core.FieldError{Field: "amount", Error: ErrNonPositiveAmount.Error()})
	}
	if !CanSplit(*uf.Amount, *uf.Installments) {
		return splitError(*uf.Amount, *uf.Installments, "installments")
	}
	return nil
}

func (uf UpdateFee) apply(orig Fee) Fee {
	fee := orig
	fee.Name = uf.Name
	fee.Amount = *uf.Amount
	fee.DueDate = *uf.DueDate
	fee.Installments = *uf.Installments
	return fee
}

type NewPayment struct {
	FeeID             int64           `json:"fee_id" validate:"required"`
	StudentID         int64           `json:"student_id" validate:"required"`
	InstallmentNumber *int            `json:"installment_number" validate:"omitempty,min=1"`
	Amount            decimal.Decimal `json:"amount" validate:"dgt0"`
	PaidAt            time.Time       `json:"paid_at"`
	Method            string          `json:"method" validate:"required,pay_method"`
	Notes             string          `json:"notes" validate:"max=500"`
}

func (np *NewPayment) Validate(validate *validator.Validate) error {
	np.Method = core.CleanString(np.Method, true /* lower */)
	np.Notes = core.CleanString(np.Notes)
	return validate.Struct(np)
}

// NewAdjustment corrects an existing payment by a signed amount.
type NewAdjustment struct {
	Amount decimal.Decimal `json:"amount" validate:"dnz"`
	PaidAt time.Time       `json:"paid_at"`
	Notes  string          `json:"notes" validate:"required,max=500"`
}

func (na *NewAdjustment) Validate(validate *validator.Validate) error {
	na.Notes = core.CleanString(na.Notes)
	return validate.Struct(na)
}

type FeeFilter struct {
	SchoolID  int64  `query:"-"`
	Grade     string `query:"grade"`
	StudentID int64  `query:"student_id"`
}

type InstallmentFilter struct {
	SchoolID  int64             `query:"-"`
	FeeID     int64             `query:"fee_id"`
	StudentID int64             `query:"student_id"`
	Status    InstallmentStatus `query:"status"`
	Overdue   *bool             `query:"-"`
}

type PaymentFilter struct {
	SchoolID         int64       `query:"-"`
	FeeID            int64       `query:"fee_id"`
	StudentID        int64       `query:"student_id"`
	Kind             PaymentKind `query:"kind"`
	AdjustsPaymentID int64       `query:"-"`
	// GeneralOnly keeps payments not tied to an installment.
	GeneralOnly bool `query:"-"`
}

// Balance is a student's standing across every fee that applies to them.
type Balance struct {
	StudentID   int64           `json:"student_id"`
	Due         decimal.Decimal `json:"due"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Overdue     decimal.Decimal `json:"overdue"`
}
