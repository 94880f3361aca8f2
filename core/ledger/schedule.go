package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/feeledger/core"
)

var (
	ErrScheduleConflict = errors.New("schedule change conflicts with paid installments")
	ErrAmountBelowPaid  = errors.New("fee amount is below what has already been paid")
	ErrAmountTooSmall   = errors.New("amount is too small for that many installments")
)

var cent = decimal.New(1, -2)

// CanSplit reports whether total split into n installments gives each one at least a cent.
func CanSplit(total decimal.Decimal, n int) bool {
	return n <= 1 || total.GreaterThanOrEqual(cent.Mul(decimal.NewFromInt(int64(n))))
}

func splitError(total decimal.Decimal, n int, field string) error {
	msg := fmt.Sprintf("%s cannot be split into %d installments of at least 0.01", total.StringFixed(2), n)
	return core.NewValidationError(ErrAmountTooSmall, core.FieldError{Field: field, Error: msg})
}

// SplitAmount splits total into n parts rounded down to cents, the remainder going to the
// last part so the parts always sum to total.
func SplitAmount(total decimal.Decimal, n int) []decimal.Decimal {
	if n < 1 {
		n = 1
	}
	parts := make([]decimal.Decimal, n)
	base := total.Div(decimal.NewFromInt(int64(n))).Truncate(2)
	for i := 0; i < n-1; i++ {
		parts[i] = base
	}
	parts[n-1] = total.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))
	return parts
}

// AddMonths moves t by n calendar months, clamping to the last day of the target month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return first.AddDate(0, 0, d-1)
}

// dueDateFor returns the due date of installment number (1-based).
func dueDateFor(fee Fee, number int) time.Time {
	return AddMonths(fee.DueDate, number-1)
}

// BuildSchedule fans a fee with N > 1 installments out into N unpaid installments for one
// student, due one calendar month apart starting at the fee due date.
func BuildSchedule(fee Fee, studentID int64, now time.Time) []Installment {
	if !fee.HasSchedule() {
		return nil
	}
	amounts := SplitAmount(fee.Amount, fee.Installments)
	insts := make([]Installment, 0, fee.Installments)
	for i, amount := range amounts {
		number := i + 1
		insts = append(insts, newInstallment(fee, studentID, number, amount, now))
	}
	return insts
}

func newInstallment(fee Fee, studentID int64, number int, amount decimal.Decimal, now time.Time) Installment {
	return Installment{
		SchoolID:  fee.SchoolID,
		FeeID:     fee.ID,
		StudentID: studentID,
		Number:    number,
		Amount:    amount,
		DueDate:   dueDateFor(fee, number),
		Status:    StatusUnpaid,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Regeneration is the plan for bringing one student's schedule in line with an edited fee.
type Regeneration struct {
	Keep   []Installment
	Remove []Installment
	Create []Installment
}

func (r Regeneration) IsNoop() bool { return len(r.Remove) == 0 && len(r.Create) == 0 }

// PlanRegeneration keeps every installment with a nonzero paid amount untouched and rebuilds
// the unpaid remainder so the schedule still sums to the fee amount. Changes that would alter
// a paid installment are rejected with a validation error.
func PlanRegeneration(fee Fee, studentID int64, existing []Installment, now time.Time) (Regeneration, error) {
	var plan Regeneration
	for _, inst := range existing {
		if inst.Paid().IsPositive() {
			plan.Keep = append(plan.Keep, inst)
		} else {
			plan.Remove = append(plan.Remove, inst)
		}
	}
	sort.Slice(plan.Keep, func(i, j int) bool { return plan.Keep[i].Number < plan.Keep[j].Number })

	n := fee.Installments
	if !fee.HasSchedule() {
		n = 0
	}
	if len(plan.Keep) > n {
		msg := fmt.Sprintf("%d installment(s) already received payments; the count cannot go below that", len(plan.Keep))
		return Regeneration{}, core.NewValidationError(ErrScheduleConflict, core.FieldError{Field: "installments", Error: msg})
	}

	taken := make(map[int]bool, len(plan.Keep))
	keptTotal := decimal.Zero
	for _, inst := range plan.Keep {
		if inst.Number > n {
			msg := fmt.Sprintf("installment %d already received payments", inst.Number)
			return Regeneration{}, core.NewValidationError(ErrScheduleConflict, core.FieldError{Field: "installments", Error: msg})
		}
		taken[inst.Number] = true
		keptTotal = keptTotal.Add(inst.Amount)
	}
	if n == 0 {
		// no schedule anymore: drop the unpaid installments
		return plan, nil
	}

	remainder := fee.Amount.Sub(keptTotal)
	slots := n - len(plan.Keep)
	if remainder.IsNegative() || (slots == 0 && !remainder.IsZero()) || (slots > 0 && !remainder.IsPositive()) {
		msg := fmt.Sprintf("%s (%s already scheduled on paid installments)", ErrAmountBelowPaid.Error(), keptTotal.StringFixed(2))
		return Regeneration{}, core.NewValidationError(ErrAmountBelowPaid, core.FieldError{Field: "amount", Error: msg})
	}

	if !CanSplit(remainder, slots) {
		return Regeneration{}, splitError(remainder, slots, "installments")
	}

	if slots > 0 {
		amounts := SplitAmount(remainder, slots)
		idx := 0
		for number := 1; number <= n; number++ {
			if taken[number] {
				continue
			}
			plan.Create = append(plan.Create, newInstallment(fee, studentID, number, amounts[idx], now))
			idx++
		}
	}

	if sameSchedule(plan.Remove, plan.Create) {
		plan.Remove, plan.Create = nil, nil
	}
	return plan, nil
}

// sameSchedule reports whether rebuilding would produce the installments that are already there.
func sameSchedule(current, rebuilt []Installment) bool {
	if len(current) != len(rebuilt) {
		return false
	}
	byNumber := make(map[int]Installment, len(current))
	for _, inst := range current {
		byNumber[inst.Number] = inst
	}
	for _, inst := range rebuilt {
		cur, ok := byNumber[inst.Number]
		if !ok || !cur.Amount.Equal(inst.Amount) || !cur.DueDate.Equal(inst.DueDate) {
			return false
		}
	}
	return true
}
