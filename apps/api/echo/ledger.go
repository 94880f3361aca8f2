package echoapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/feeledger/core"
	"github.com/trezcool/feeledger/core/ledger"
)

type ledgerApi struct {
	svc *ledger.Service
}

type (
	feeResponse struct {
		Fee          ledger.Fee           `json:"fee"`
		Installments []ledger.Installment `json:"installments"`
	}

	paymentResponse struct {
		Payment     ledger.Payment      `json:"payment"`
		Installment *ledger.Installment `json:"installment,omitempty"`
	}
)

func registerLedgerAPI(g *echo.Group, jwt, nudge echo.MiddlewareFunc, svc *ledger.Service) {
	api := ledgerApi{svc: svc}

	fg := g.Group("/fees", jwt, nudge)
	fg.GET("", api.queryFees)
	fg.POST("", api.createFee)
	fg.GET("/:id", api.retrieveFee)
	fg.PUT("/:id", api.updateFee)
	fg.DELETE("/:id", api.destroyFee)

	g.GET("/installments", api.queryInstallments, jwt)

	pg := g.Group("/payments", jwt, nudge)
	pg.GET("", api.queryPayments)
	pg.POST("", api.recordPayment)
	pg.POST("/:id/adjustments", api.adjustPayment)

	g.GET("/students/:id/balance", api.balance, jwt)
}

// Handlers

func (api *ledgerApi) createFee(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data ledger.NewFee
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewFee")
	}

	fee, insts, err := api.svc.CreateFee(ctx.Request().Context(), sess, data)
	if err != nil {
		return errors.Wrap(err, "creating fee")
	}
	if insts == nil {
		insts = []ledger.Installment{}
	}
	return ctx.JSON(http.StatusCreated, feeResponse{Fee: fee, Installments: insts})
}

func (api *ledgerApi) queryFees(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	filter := new(ledger.FeeFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []ledger.Fee{})
	}

	fees, err := api.svc.QueryFees(ctx.Request().Context(), sess, *filter)
	if err != nil {
		return errors.Wrap(err, "querying fees")
	}
	if fees == nil {
		fees = []ledger.Fee{}
	}
	return ctx.JSON(http.StatusOK, fees)
}

func (api *ledgerApi) retrieveFee(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	fee, err := api.svc.GetFee(ctx.Request().Context(), sess, id)
	if err != nil {
		return errors.Wrap(err, "retrieving fee")
	}
	return ctx.JSON(http.StatusOK, fee)
}

func (api *ledgerApi) updateFee(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	var data ledger.UpdateFee
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateFee")
	}

	fee, err := api.svc.UpdateFee(ctx.Request().Context(), sess, id, data)
	if err != nil {
		return errors.Wrap(err, "updating fee")
	}
	return ctx.JSON(http.StatusOK, fee)
}

func (api *ledgerApi) destroyFee(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteFee(ctx.Request().Context(), sess, id); err != nil {
		return errors.Wrap(err, "deleting fee")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *ledgerApi) queryInstallments(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	filter := new(ledger.InstallmentFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []ledger.Installment{})
	}
	if param := ctx.QueryParam("overdue"); param != "" {
		overdue, err := strconv.ParseBool(param)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "overdue", Error: "must be true or false"})
		}
		filter.Overdue = &overdue
	}

	insts, err := api.svc.QueryInstallments(ctx.Request().Context(), sess, *filter)
	if err != nil {
		return errors.Wrap(err, "querying installments")
	}
	if insts == nil {
		insts = []ledger.Installment{}
	}
	return ctx.JSON(http.StatusOK, insts)
}

func (api *ledgerApi) recordPayment(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var data ledger.NewPayment
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayment")
	}

	pmt, inst, err := api.svc.RecordPayment(ctx.Request().Context(), sess, data)
	if err != nil {
		return errors.Wrap(err, "recording payment")
	}
	return ctx.JSON(http.StatusCreated, paymentResponse{Payment: pmt, Installment: inst})
}

func (api *ledgerApi) adjustPayment(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	var data ledger.NewAdjustment
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAdjustment")
	}

	adj, inst, err := api.svc.AdjustPayment(ctx.Request().Context(), sess, id, data)
	if err != nil {
		return errors.Wrap(err, "adjusting payment")
	}
	return ctx.JSON(http.StatusCreated, paymentResponse{Payment: adj, Installment: inst})
}

func (api *ledgerApi) queryPayments(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	filter := new(ledger.PaymentFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []ledger.Payment{})
	}

	pmts, err := api.svc.QueryPayments(ctx.Request().Context(), sess, *filter)
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	if pmts == nil {
		pmts = []ledger.Payment{}
	}
	return ctx.JSON(http.StatusOK, pmts)
}

func (api *ledgerApi) balance(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	id, err := pathID(ctx)
	if err != nil {
		return err
	}
	bal, err := api.svc.StudentBalance(ctx.Request().Context(), sess, id)
	if err != nil {
		return errors.Wrap(err, "computing student balance")
	}
	return ctx.JSON(http.StatusOK, bal)
}
