package ledger

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/feeledger/core"
)

var (
	ErrNonPositiveAmount = errors.New("amount must be positive")
	ErrZeroAdjustment    = errors.New("adjustment must not be zero")
	ErrOverpayment       = errors.New("payment exceeds the outstanding balance")
	ErrNegativePaid      = errors.New("adjustment would make the paid amount negative")
)

// StatusFor derives the installment status from its amount and paid amount.
func StatusFor(amount, paid decimal.Decimal) InstallmentStatus {
	switch {
	case !paid.IsPositive():
		return StatusUnpaid
	case paid.GreaterThanOrEqual(amount):
		return StatusPaid
	default:
		return StatusPartial
	}
}

// ApplyPayment returns inst with amount a added to its paid amount.
// Non-positive amounts and amounts above the outstanding balance are rejected
// and leave inst untouched.
func ApplyPayment(inst Installment, a decimal.Decimal, at time.Time) (Installment, error) {
	if !a.IsPositive() {
		return inst, core.NewValidationError(ErrNonPositiveAmount, core.FieldError{Field: "amount", Error: ErrNonPositiveAmount.Error()})
	}
	newPaid := inst.Paid().Add(a)
	if newPaid.GreaterThan(inst.Amount) {
		return inst, overpaymentError(inst.Outstanding())
	}

	paidDate := at.UTC()
	inst.PaidAmount = decimal.NewNullDecimal(newPaid)
	inst.Status = StatusFor(inst.Amount, newPaid)
	inst.PaidDate = &paidDate
	return inst, nil
}

// ApplyAdjustment moves the paid amount by a signed delta, keeping it within [0, amount].
func ApplyAdjustment(inst Installment, delta decimal.Decimal, at time.Time) (Installment, error) {
	if delta.IsZero() {
		return inst, core.NewValidationError(ErrZeroAdjustment, core.FieldError{Field: "amount", Error: ErrZeroAdjustment.Error()})
	}
	newPaid := inst.Paid().Add(delta)
	if newPaid.IsNegative() {
		return inst, core.NewValidationError(ErrNegativePaid, core.FieldError{Field: "amount", Error: ErrNegativePaid.Error()})
	}
	if newPaid.GreaterThan(inst.Amount) {
		return inst, overpaymentError(inst.Outstanding())
	}

	inst.Status = StatusFor(inst.Amount, newPaid)
	if newPaid.IsZero() {
		inst.PaidAmount = decimal.NullDecimal{}
		inst.PaidDate = nil
		return inst, nil
	}
	paidDate := at.UTC()
	inst.PaidAmount = decimal.NewNullDecimal(newPaid)
	inst.PaidDate = &paidDate
	return inst, nil
}

// IsOverdue is derived on every read.
func IsOverdue(inst Installment, now time.Time) bool {
	return inst.Status != StatusPaid && inst.DueDate.Before(now)
}

func overpaymentError(outstanding decimal.Decimal) error {
	msg := fmt.Sprintf("%s (outstanding: %s)", ErrOverpayment.Error(), outstanding.StringFixed(2))
	return core.NewValidationError(ErrOverpayment, core.FieldError{Field: "amount", Error: msg})
}
