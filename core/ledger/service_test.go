package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/ledger"
	"github.com/trezcool/feeledger/core/school"
	"github.com/trezcool/feeledger/core/syncq"
	"github.com/trezcool/feeledger/storage/database/sqlx"
	"github.com/trezcool/feeledger/tests"
)

type fixture struct {
	svc     *ledger.Service
	queue   *syncq.Manager
	schools school.Repository
	clock   *testutil.Clock
	sess    core.Session
	school  school.School
}

func setup(t *testing.T) fixture {
	db := testutil.PrepareDB(t)
	validate, _ := testutil.NewValidator()
	logger := &testutil.Logger{}
	clock := testutil.NewClock(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))

	schools := sqlxrepos.NewSchoolRepository(db)
	queue := syncq.NewManager(sqlxrepos.NewSyncQueueRepository(db), testutil.NewFakeRemote(), logger, clock.Func())
	svc := ledger.NewService(db, sqlxrepos.NewLedgerRepository(db), schools, queue, validate, logger, clock.Func())

	sch := testutil.CreateSchool(t, schools, "Lycée Wima")
	return fixture{
		svc:     svc,
		queue:   queue,
		schools: schools,
		clock:   clock,
		sess:    core.NewSession(sch.ID, "u-1", "bursar", false),
		school:  sch,
	}
}

func (f fixture) pending(t *testing.T, entity syncq.EntityKind) []syncq.Entry {
	t.Helper()
	status := syncq.StatusPending
	entries, err := f.queue.Query(context.Background(), syncq.QueryFilter{Status: &status, Entity: entity})
	require.NoError(t, err)
	return entries
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }
func intPtr(i int) *int              { return &i }
func int64Ptr(i int64) *int64        { return &i }

func verrCause(t *testing.T, err error) error {
	t.Helper()
	verr, ok := errors.Cause(err).(*core.ValidationError)
	require.True(t, ok, "want a validation error, got %v", err)
	return verr.Err
}

func TestService_InstallmentLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Amani", "6A")

	// a fee of 5000 in 2 installments
	fee, insts, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name:         "Tuition T1",
		Amount:       amount("5000"),
		DueDate:      testutil.Date(2024, 1, 31),
		StudentID:    int64Ptr(std.ID),
		Installments: 2,
	})
	require.NoError(t, err)
	require.Len(t, insts, 2)
	for _, inst := range insts {
		assert.True(t, amount("2500").Equal(inst.Amount))
		assert.Equal(t, ledger.StatusUnpaid, inst.Status)
	}
	assert.Len(t, f.pending(t, syncq.EntityFee), 1)
	assert.Len(t, f.pending(t, syncq.EntityInstallment), 2)

	pay := func(amt string) (ledger.Payment, *ledger.Installment, error) {
		return f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
			FeeID:             fee.ID,
			StudentID:         std.ID,
			InstallmentNumber: intPtr(1),
			Amount:            amount(amt),
			Method:            "Cash",
		})
	}

	// half of the first installment
	pmt, inst, err := pay("1250")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, ledger.StatusPartial, inst.Status)
	assert.True(t, amount("1250").Equal(inst.Paid()))
	require.NotNil(t, pmt.InstallmentNumber)
	assert.Equal(t, 1, *pmt.InstallmentNumber)
	assert.Equal(t, ledger.KindPayment, pmt.Kind)
	assert.Equal(t, "cash", pmt.Method)

	// the rest of it
	_, inst, err = pay("1250")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, inst.Status)

	// nothing left to pay
	_, _, err = pay("1")
	assert.Equal(t, ledger.ErrOverpayment, verrCause(t, err))

	pmts, err := f.svc.QueryPayments(ctx, f.sess, ledger.PaymentFilter{FeeID: fee.ID})
	require.NoError(t, err)
	assert.Len(t, pmts, 2, "a rejected payment is not recorded")
	assert.Len(t, f.pending(t, syncq.EntityPayment), 2)

	insts, err = f.svc.QueryInstallments(ctx, f.sess, ledger.InstallmentFilter{FeeID: fee.ID})
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.Equal(t, ledger.StatusPaid, insts[0].Status)
	assert.Equal(t, ledger.StatusUnpaid, insts[1].Status)
}

func TestService_OverpaymentRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Baraka", "6A")

	fee, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name:         "Tuition",
		Amount:       amount("10000"),
		DueDate:      testutil.Date(2024, 2, 1),
		StudentID:    int64Ptr(std.ID),
		Installments: 2,
	})
	require.NoError(t, err)

	_, _, err = f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: fee.ID, StudentID: std.ID, InstallmentNumber: intPtr(1), Amount: amount("6000"), Method: "cash",
	})
	assert.Equal(t, ledger.ErrOverpayment, verrCause(t, err))

	insts, err := f.svc.QueryInstallments(ctx, f.sess, ledger.InstallmentFilter{FeeID: fee.ID})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUnpaid, insts[0].Status)
	assert.False(t, insts[0].PaidAmount.Valid)
}

func TestService_RecordPayment_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Chausiku", "5B")

	scheduled, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Tuition", Amount: amount("900"), DueDate: testutil.Date(2024, 2, 1), Grade: "5B", Installments: 3,
	})
	require.NoError(t, err)
	general, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Uniform", Amount: amount("100"), DueDate: testutil.Date(2024, 2, 1), Grade: "5B",
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		sess    core.Session
		np      ledger.NewPayment
		wantErr error
	}{
		{
			name:    "no school",
			sess:    core.NewSession(0, "u", "u", false),
			np:      ledger.NewPayment{FeeID: general.ID, StudentID: std.ID, Amount: amount("10"), Method: "cash"},
			wantErr: core.ErrNoSchool,
		},
		{
			name:    "unknown fee",
			sess:    f.sess,
			np:      ledger.NewPayment{FeeID: 999, StudentID: std.ID, Amount: amount("10"), Method: "cash"},
			wantErr: ledger.ErrFeeNotFound,
		},
		{
			name:    "unknown student",
			sess:    f.sess,
			np:      ledger.NewPayment{FeeID: general.ID, StudentID: 999, Amount: amount("10"), Method: "cash"},
			wantErr: school.ErrStudentNotFound,
		},
		{
			name:    "installment required",
			sess:    f.sess,
			np:      ledger.NewPayment{FeeID: scheduled.ID, StudentID: std.ID, Amount: amount("10"), Method: "cash"},
			wantErr: ledger.ErrInstallmentRequired,
		},
		{
			name:    "not an installment fee",
			sess:    f.sess,
			np:      ledger.NewPayment{FeeID: general.ID, StudentID: std.ID, InstallmentNumber: intPtr(1), Amount: amount("10"), Method: "cash"},
			wantErr: ledger.ErrNotInstallmentFee,
		},
		{
			name:    "unknown installment",
			sess:    f.sess,
			np:      ledger.NewPayment{FeeID: scheduled.ID, StudentID: std.ID, InstallmentNumber: intPtr(4), Amount: amount("10"), Method: "cash"},
			wantErr: ledger.ErrInstallmentNotFound,
		},
		{
			name:    "general fee overpaid",
			sess:    f.sess,
			np:      ledger.NewPayment{FeeID: general.ID, StudentID: std.ID, Amount: amount("100.01"), Method: "cash"},
			wantErr: ledger.ErrOverpayment,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.RecordPayment(ctx, tt.sess, tt.np)
			assert.Equal(t, tt.wantErr, verrCause(t, err))
		})
	}

	t.Run("invalid input", func(t *testing.T) {
		_, _, err := f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{FeeID: general.ID, StudentID: std.ID, Amount: amount("-1"), Method: "barter"})
		assert.Error(t, err)
	})
}

func TestService_AdjustPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Dalila", "4C")

	fee, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Tuition", Amount: amount("2000"), DueDate: testutil.Date(2024, 2, 1), StudentID: int64Ptr(std.ID), Installments: 2,
	})
	require.NoError(t, err)
	pmt, _, err := f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: fee.ID, StudentID: std.ID, InstallmentNumber: intPtr(1), Amount: amount("1000"), Method: "mobile_money",
	})
	require.NoError(t, err)

	adj, inst, err := f.svc.AdjustPayment(ctx, f.sess, pmt.ID, ledger.NewAdjustment{Amount: amount("-400"), Notes: "partial refund"})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindAdjustment, adj.Kind)
	require.NotNil(t, adj.AdjustsPaymentID)
	assert.Equal(t, pmt.ID, *adj.AdjustsPaymentID)
	require.NotNil(t, inst)
	assert.Equal(t, ledger.StatusPartial, inst.Status)
	assert.True(t, amount("600").Equal(inst.Paid()))

	t.Run("above the original payment", func(t *testing.T) {
		_, _, err := f.svc.AdjustPayment(ctx, f.sess, pmt.ID, ledger.NewAdjustment{Amount: amount("400.01"), Notes: "typo"})
		assert.Equal(t, ledger.ErrOverpayment, verrCause(t, err))
	})
	t.Run("below zero", func(t *testing.T) {
		_, _, err := f.svc.AdjustPayment(ctx, f.sess, pmt.ID, ledger.NewAdjustment{Amount: amount("-600.01"), Notes: "typo"})
		assert.Equal(t, ledger.ErrNegativePaid, verrCause(t, err))
	})
	t.Run("adjusting an adjustment", func(t *testing.T) {
		_, _, err := f.svc.AdjustPayment(ctx, f.sess, adj.ID, ledger.NewAdjustment{Amount: amount("1"), Notes: "typo"})
		assert.Equal(t, ledger.ErrAdjustAdjustment, verrCause(t, err))
	})
	t.Run("unknown payment", func(t *testing.T) {
		_, _, err := f.svc.AdjustPayment(ctx, f.sess, 999, ledger.NewAdjustment{Amount: amount("1"), Notes: "typo"})
		assert.Equal(t, ledger.ErrPaymentNotFound, errors.Cause(err))
	})
	t.Run("full refund", func(t *testing.T) {
		_, inst, err := f.svc.AdjustPayment(ctx, f.sess, pmt.ID, ledger.NewAdjustment{Amount: amount("-600"), Notes: "refund"})
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusUnpaid, inst.Status)
		assert.Nil(t, inst.PaidDate)
	})

	orig, err := f.svc.QueryPayments(ctx, f.sess, ledger.PaymentFilter{Kind: ledger.KindPayment})
	require.NoError(t, err)
	require.Len(t, orig, 1)
	assert.True(t, amount("1000").Equal(orig[0].Amount), "the original payment is never modified")
}

func TestService_UpdateFee_KeepsPaidInstallments(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Eshe", "3A")

	fee, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Tuition", Amount: amount("3000"), DueDate: testutil.Date(2024, 1, 15), Grade: "3A", Installments: 3,
	})
	require.NoError(t, err)
	_, paid, err := f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: fee.ID, StudentID: std.ID, InstallmentNumber: intPtr(1), Amount: amount("500"), Method: "cash",
	})
	require.NoError(t, err)

	n := 4
	newAmount := amount("4000")
	updated, err := f.svc.UpdateFee(ctx, f.sess, fee.ID, ledger.UpdateFee{Amount: &newAmount, Installments: &n})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Installments)

	insts, err := f.svc.QueryInstallments(ctx, f.sess, ledger.InstallmentFilter{FeeID: fee.ID, StudentID: std.ID})
	require.NoError(t, err)
	require.Len(t, insts, 4)
	assert.Equal(t, paid.ID, insts[0].ID, "the paid installment is untouched")
	assert.True(t, amount("500").Equal(insts[0].Paid()))
	total := decimal.Zero
	for _, inst := range insts {
		total = total.Add(inst.Amount)
	}
	assert.True(t, newAmount.Equal(total))

	t.Run("rename only", func(t *testing.T) {
		before := len(f.pending(t, syncq.EntityInstallment))
		_, err := f.svc.UpdateFee(ctx, f.sess, fee.ID, ledger.UpdateFee{Name: "Tuition 2024"})
		require.NoError(t, err)
		assert.Len(t, f.pending(t, syncq.EntityInstallment), before)
	})
	t.Run("below paid installments", func(t *testing.T) {
		one := 1
		_, err := f.svc.UpdateFee(ctx, f.sess, fee.ID, ledger.UpdateFee{Installments: &one})
		assert.Equal(t, ledger.ErrScheduleConflict, verrCause(t, err))
	})
	t.Run("too many installments for the amount", func(t *testing.T) {
		tiny := amount("0.03")
		_, err := f.svc.UpdateFee(ctx, f.sess, fee.ID, ledger.UpdateFee{Amount: &tiny})
		assert.Equal(t, ledger.ErrAmountTooSmall, verrCause(t, err))
	})
	t.Run("unpaid remainder too small", func(t *testing.T) {
		// 1000 stays on the paid installment; 0.02 cannot fill three more
		justAbove := amount("1000.02")
		_, err := f.svc.UpdateFee(ctx, f.sess, fee.ID, ledger.UpdateFee{Amount: &justAbove})
		assert.Equal(t, ledger.ErrAmountTooSmall, verrCause(t, err))
	})
}

func TestService_DeleteFee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Fumo", "2A")

	newFee := ledger.NewFee{Name: "Trip", Amount: amount("200"), DueDate: testutil.Date(2024, 3, 1), Grade: "2A", Installments: 2}
	unpaid, _, err := f.svc.CreateFee(ctx, f.sess, newFee)
	require.NoError(t, err)
	paid, _, err := f.svc.CreateFee(ctx, f.sess, newFee)
	require.NoError(t, err)
	_, _, err = f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: paid.ID, StudentID: std.ID, InstallmentNumber: intPtr(2), Amount: amount("100"), Method: "card",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteFee(ctx, f.sess, unpaid.ID))
	_, err = f.svc.GetFee(ctx, f.sess, unpaid.ID)
	assert.Equal(t, ledger.ErrFeeNotFound, errors.Cause(err))

	err = f.svc.DeleteFee(ctx, f.sess, paid.ID)
	assert.Equal(t, ledger.ErrFeeHasPayments, verrCause(t, err))
}

func TestService_CreateFee_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Gaudi", "1A")

	t.Run("grade and student", func(t *testing.T) {
		_, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
			Name: "X", Amount: amount("1"), DueDate: testutil.Date(2024, 1, 1), Grade: "1A", StudentID: int64Ptr(std.ID),
		})
		assert.Equal(t, ledger.ErrAmbiguousTarget, verrCause(t, err))
	})
	t.Run("unknown student", func(t *testing.T) {
		_, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
			Name: "X", Amount: amount("1"), DueDate: testutil.Date(2024, 1, 1), StudentID: int64Ptr(999),
		})
		assert.Equal(t, school.ErrStudentNotFound, verrCause(t, err))
	})
	t.Run("no target", func(t *testing.T) {
		_, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{Name: "X", Amount: amount("1"), DueDate: testutil.Date(2024, 1, 1)})
		assert.Error(t, err)
	})
	t.Run("non-positive amount", func(t *testing.T) {
		_, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{Name: "X", Amount: amount("0"), DueDate: testutil.Date(2024, 1, 1), Grade: "1A"})
		assert.Error(t, err)
	})
	t.Run("amount too small for installments", func(t *testing.T) {
		_, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
			Name: "X", Amount: amount("0.05"), DueDate: testutil.Date(2024, 1, 1), Grade: "1A", Installments: 10,
		})
		assert.Equal(t, ledger.ErrAmountTooSmall, verrCause(t, err))
	})
	t.Run("single installment has no schedule", func(t *testing.T) {
		_, insts, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{Name: "X", Amount: amount("10"), DueDate: testutil.Date(2024, 1, 1), Grade: "1A"})
		require.NoError(t, err)
		assert.Empty(t, insts)
	})
}

func TestService_StudentBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Hadiza", "6B")

	// due before "now" (2024-01-05): installment 1 overdue, installment 2 not yet
	scheduled, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Tuition", Amount: amount("1000"), DueDate: testutil.Date(2024, 1, 1), Grade: "6B", Installments: 2,
	})
	require.NoError(t, err)
	general, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Books", Amount: amount("300"), DueDate: testutil.Date(2023, 12, 1), StudentID: int64Ptr(std.ID),
	})
	require.NoError(t, err)

	_, _, err = f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: scheduled.ID, StudentID: std.ID, InstallmentNumber: intPtr(1), Amount: amount("200"), Method: "cash",
	})
	require.NoError(t, err)
	_, _, err = f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: general.ID, StudentID: std.ID, Amount: amount("100"), Method: "cash",
	})
	require.NoError(t, err)

	bal, err := f.svc.StudentBalance(ctx, f.sess, std.ID)
	require.NoError(t, err)
	assert.True(t, amount("1300").Equal(bal.Due), "due = %s", bal.Due)
	assert.True(t, amount("300").Equal(bal.Paid), "paid = %s", bal.Paid)
	assert.True(t, amount("1000").Equal(bal.Outstanding), "outstanding = %s", bal.Outstanding)
	// 300 left on installment 1 and 200 on books
	assert.True(t, amount("500").Equal(bal.Overdue), "overdue = %s", bal.Overdue)

	overdue := true
	insts, err := f.svc.QueryInstallments(ctx, f.sess, ledger.InstallmentFilter{StudentID: std.ID, Overdue: &overdue})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, 1, insts[0].Number)
	assert.True(t, insts[0].Overdue)
}

func TestService_StudentBalance_gradeChange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Jabari", "3A")

	fee, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Tuition", Amount: amount("600"), DueDate: testutil.Date(2024, 3, 1), Grade: "3A", Installments: 3,
	})
	require.NoError(t, err)
	_, _, err = f.svc.RecordPayment(ctx, f.sess, ledger.NewPayment{
		FeeID: fee.ID, StudentID: std.ID, InstallmentNumber: intPtr(1), Amount: amount("200"), Method: "cash",
	})
	require.NoError(t, err)

	// promoted mid-year: the 3A fee is still owed
	std.Grade = "4A"
	_, err = f.schools.UpdateStudent(ctx, std)
	require.NoError(t, err)

	bal, err := f.svc.StudentBalance(ctx, f.sess, std.ID)
	require.NoError(t, err)
	assert.True(t, amount("600").Equal(bal.Due), "due = %s", bal.Due)
	assert.True(t, amount("200").Equal(bal.Paid), "paid = %s", bal.Paid)
	assert.True(t, amount("400").Equal(bal.Outstanding), "outstanding = %s", bal.Outstanding)
}

func TestService_SchoolScope(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	std := testutil.CreateStudent(t, f.schools, f.school.ID, "Imani", "1A")
	fee, _, err := f.svc.CreateFee(ctx, f.sess, ledger.NewFee{
		Name: "Tuition", Amount: amount("100"), DueDate: testutil.Date(2024, 1, 1), StudentID: int64Ptr(std.ID),
	})
	require.NoError(t, err)

	other := testutil.CreateSchool(t, f.schools, "Other")
	sess := core.NewSession(other.ID, "u-2", "other", false)

	_, err = f.svc.GetFee(ctx, sess, fee.ID)
	assert.Equal(t, ledger.ErrFeeNotFound, errors.Cause(err))
	fees, err := f.svc.QueryFees(ctx, sess, ledger.FeeFilter{})
	require.NoError(t, err)
	assert.Empty(t, fees)
}
