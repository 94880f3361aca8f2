package echoapi_test

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/feeledger/core/ledger"
)

type feeResponse struct {
	Fee          ledger.Fee           `json:"fee"`
	Installments []ledger.Installment `json:"installments"`
}

type paymentResponse struct {
	Payment     ledger.Payment      `json:"payment"`
	Installment *ledger.Installment `json:"installment"`
}

func amountEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestLedgerApi_installments(t *testing.T) {
	f := setup(t)
	sch := f.createSchool(t, "Mwana")
	std := f.createStudent(t, sch.ID, "Jo Kabila", "P1")
	token := f.bursarToken(t, sch.ID)

	rec := httpTest{
		method: http.MethodPost, path: "/v1/fees", token: token,
		body: []byte(fmt.Sprintf(`{"name":"Tuition","amount":"5000","due_date":"2024-01-31T00:00:00Z","student_id":%d,"installments":2}`, std.ID)),
	}.run(t, f.app)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created feeResponse
	decode(t, rec, &created)
	fee := created.Fee
	require.Len(t, created.Installments, 2)
	for _, inst := range created.Installments {
		amountEqual(t, "2500", inst.Amount)
		assert.Equal(t, ledger.StatusUnpaid, inst.Status)
	}

	pay := func(number int, amount string) httpTest {
		return httpTest{
			method: http.MethodPost, path: "/v1/payments", token: token,
			body: []byte(fmt.Sprintf(`{"fee_id":%d,"student_id":%d,"installment_number":%d,"amount":%q,"method":"Cash"}`, fee.ID, std.ID, number, amount)),
		}
	}

	t.Run("partial payment", func(t *testing.T) {
		rec := pay(1, "1000").run(t, f.app)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var got paymentResponse
		decode(t, rec, &got)
		assert.Equal(t, ledger.KindPayment, got.Payment.Kind)
		assert.Equal(t, ledger.MethodCash, got.Payment.Method)
		require.NotNil(t, got.Installment)
		assert.Equal(t, ledger.StatusPartial, got.Installment.Status)
		amountEqual(t, "1000", got.Installment.Paid())
	})

	t.Run("overpayment", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"amount": "payment exceeds the outstanding balance (outstanding: 1500.00)"}),
		}
		checkCodeAndData(t, tt, pay(1, "2000").run(t, f.app))
	})

	t.Run("installment required", func(t *testing.T) {
		rec := httpTest{
			method: http.MethodPost, path: "/v1/payments", token: token,
			body: []byte(fmt.Sprintf(`{"fee_id":%d,"student_id":%d,"amount":"10","method":"cash"}`, fee.ID, std.ID)),
		}.run(t, f.app)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown payment method", func(t *testing.T) {
		rec := httpTest{
			method: http.MethodPost, path: "/v1/payments", token: token,
			body: []byte(fmt.Sprintf(`{"fee_id":%d,"student_id":%d,"installment_number":2,"amount":"10","method":"barter"}`, fee.ID, std.ID)),
		}.run(t, f.app)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var fields map[string]string
		decode(t, rec, &fields)
		assert.Contains(t, fields, "method")
	})

	t.Run("unknown installment", func(t *testing.T) {
		tt := httpTest{
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"installment_number": ledger.ErrInstallmentNotFound.Error()}),
		}
		checkCodeAndData(t, tt, pay(3, "10").run(t, f.app))
	})

	t.Run("query installments", func(t *testing.T) {
		tests := []struct {
			query string
			want  []ledger.InstallmentStatus
		}{
			{query: "", want: []ledger.InstallmentStatus{ledger.StatusPartial, ledger.StatusUnpaid}},
			{query: "?status=partial", want: []ledger.InstallmentStatus{ledger.StatusPartial}},
			{query: "?fee_id=" + strconv.FormatInt(fee.ID, 10) + "&overdue=true", want: []ledger.InstallmentStatus{ledger.StatusPartial, ledger.StatusUnpaid}},
		}
		for _, tt := range tests {
			rec := httpTest{path: "/v1/installments" + tt.query, token: token}.run(t, f.app)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var insts []ledger.Installment
			decode(t, rec, &insts)
			var got []ledger.InstallmentStatus
			for _, inst := range insts {
				got = append(got, inst.Status)
			}
			assert.Equal(t, tt.want, got, tt.query)
		}

		rec := httpTest{path: "/v1/installments?overdue=maybe", token: token}.run(t, f.app)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("balance", func(t *testing.T) {
		rec := httpTest{path: "/v1/students/" + strconv.FormatInt(std.ID, 10) + "/balance", token: token}.run(t, f.app)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var bal ledger.Balance
		decode(t, rec, &bal)
		assert.Equal(t, std.ID, bal.StudentID)
		amountEqual(t, "5000", bal.Due)
		amountEqual(t, "1000", bal.Paid)
		amountEqual(t, "4000", bal.Outstanding)
		amountEqual(t, "4000", bal.Overdue)
	})

	t.Run("fee with payments cannot be deleted", func(t *testing.T) {
		rec := httpTest{method: http.MethodDelete, path: "/v1/fees/" + strconv.FormatInt(fee.ID, 10), token: token}.run(t, f.app)
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		var fields map[string]string
		decode(t, rec, &fields)
		assert.Equal(t, ledger.ErrFeeHasPayments.Error(), fields["id"])
	})
}

func TestLedgerApi_adjustments(t *testing.T) {
	f := setup(t)
	sch := f.createSchool(t, "Mwana")
	std := f.createStudent(t, sch.ID, "Jo Kabila", "P1")
	token := f.bursarToken(t, sch.ID)

	rec := httpTest{
		method: http.MethodPost, path: "/v1/fees", token: token,
		body: []byte(`{"name":"Uniform","amount":"300","due_date":"2099-01-31T00:00:00Z","grade":"P1"}`),
	}.run(t, f.app)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created feeResponse
	decode(t, rec, &created)
	assert.Empty(t, created.Installments, "single payment fees have no schedule")

	rec = httpTest{
		method: http.MethodPost, path: "/v1/payments", token: token,
		body: []byte(fmt.Sprintf(`{"fee_id":%d,"student_id":%d,"amount":"300","method":"mobile_money"}`, created.Fee.ID, std.ID)),
	}.run(t, f.app)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var paid paymentResponse
	decode(t, rec, &paid)
	assert.Nil(t, paid.Installment)
	path := "/v1/payments/" + strconv.FormatInt(paid.Payment.ID, 10) + "/adjustments"

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "notes required", body: `{"amount":"-50"}`, wantCode: http.StatusBadRequest},
		{name: "zero", body: `{"amount":"0","notes":"typo"}`, wantCode: http.StatusBadRequest},
		{name: "refund", body: `{"amount":"-50","notes":"refund"}`, wantCode: http.StatusCreated},
		{name: "beyond the fee", body: `{"amount":"100","notes":"typo"}`, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httpTest{method: http.MethodPost, path: path, body: []byte(tt.body), token: token}.run(t, f.app)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}

	t.Run("payments", func(t *testing.T) {
		rec := httpTest{path: "/v1/payments?kind=adjustment", token: token}.run(t, f.app)
		require.Equal(t, http.StatusOK, rec.Code)
		var pmts []ledger.Payment
		decode(t, rec, &pmts)
		require.Len(t, pmts, 1)
		amountEqual(t, "-50", pmts[0].Amount)
		require.NotNil(t, pmts[0].AdjustsPaymentID)
		assert.Equal(t, paid.Payment.ID, *pmts[0].AdjustsPaymentID)
	})

	t.Run("adjusting an adjustment", func(t *testing.T) {
		rec := httpTest{path: "/v1/payments?kind=adjustment", token: token}.run(t, f.app)
		var pmts []ledger.Payment
		decode(t, rec, &pmts)
		require.NotEmpty(t, pmts)
		rec = httpTest{
			method: http.MethodPost, path: "/v1/payments/" + strconv.FormatInt(pmts[0].ID, 10) + "/adjustments",
			body: []byte(`{"amount":"10","notes":"again"}`), token: token,
		}.run(t, f.app)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestLedgerApi_fees(t *testing.T) {
	f := setup(t)
	sch := f.createSchool(t, "Mwana")
	other := f.createSchool(t, "Amani")
	f.createStudent(t, sch.ID, "Jo Kabila", "P1")
	token := f.bursarToken(t, sch.ID)

	rec := httpTest{
		method: http.MethodPost, path: "/v1/fees", token: token,
		body: []byte(`{"name":"Tuition","amount":"900","due_date":"2099-01-31T00:00:00Z","grade":"P1","installments":3}`),
	}.run(t, f.app)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created feeResponse
	decode(t, rec, &created)
	require.Len(t, created.Installments, 3)
	path := "/v1/fees/" + strconv.FormatInt(created.Fee.ID, 10)

	tests := []httpTest{
		{name: "Auth required", path: "/v1/fees", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "grade (unknown)", path: "/v1/fees?grade=P9", token: token, wantCode: http.StatusOK, wantData: marchallList(t)},
		{
			name: "Retrieve from another school", path: path, token: f.bursarToken(t, other.ID),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: ledger.ErrFeeNotFound.Error()}),
		},
		{
			name: "both grade & student", method: http.MethodPost, path: "/v1/fees", token: token,
			body:     []byte(`{"name":"Bus","amount":"10","due_date":"2099-01-31T00:00:00Z","grade":"P1","student_id":1}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"grade": ledger.ErrAmbiguousTarget.Error()}),
		},
		{
			name: "unknown student", method: http.MethodPost, path: "/v1/fees", token: token,
			body:     []byte(`{"name":"Bus","amount":"10","due_date":"2099-01-31T00:00:00Z","student_id":999}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"student_id": "student not found"}),
		},
		{
			name: "non positive amount", method: http.MethodPost, path: "/v1/fees", token: token,
			body:     []byte(`{"name":"Bus","amount":"-10","due_date":"2099-01-31T00:00:00Z","grade":"P1"}`),
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkCodeAndData(t, tt, tt.run(t, f.app))
		})
	}

	t.Run("query & retrieve", func(t *testing.T) {
		rec := httpTest{path: "/v1/fees", token: token}.run(t, f.app)
		require.Equal(t, http.StatusOK, rec.Code)
		var fees []ledger.Fee
		decode(t, rec, &fees)
		require.Len(t, fees, 1)
		assert.Equal(t, created.Fee.ID, fees[0].ID)
		amountEqual(t, "900", fees[0].Amount)

		rec = httpTest{path: path, token: token}.run(t, f.app)
		require.Equal(t, http.StatusOK, rec.Code)
		var fee ledger.Fee
		decode(t, rec, &fee)
		assert.Equal(t, "Tuition", fee.Name)
		assert.Equal(t, "P1", fee.Grade)
		assert.Equal(t, 3, fee.Installments)
		assert.True(t, fee.DueDate.Equal(created.Fee.DueDate))
	})

	t.Run("update regenerates the schedule", func(t *testing.T) {
		rec := httpTest{method: http.MethodPut, path: path, body: []byte(`{"installments":2}`), token: token}.run(t, f.app)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var fee ledger.Fee
		decode(t, rec, &fee)
		assert.Equal(t, 2, fee.Installments)
		assert.Equal(t, "Tuition", fee.Name)

		rec = httpTest{path: "/v1/installments?fee_id=" + strconv.FormatInt(fee.ID, 10), token: token}.run(t, f.app)
		var insts []ledger.Installment
		decode(t, rec, &insts)
		require.Len(t, insts, 2)
		amountEqual(t, "450", insts[0].Amount)
	})

	t.Run("delete", func(t *testing.T) {
		rec := httpTest{method: http.MethodDelete, path: path, token: token}.run(t, f.app)
		assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		rec = httpTest{path: path, token: token}.run(t, f.app)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("writes are queued for the remote", func(t *testing.T) {
		st, err := f.worker.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, st.Queue.Failing)
		assert.NotZero(t, st.Queue.Pending)
	})
}
