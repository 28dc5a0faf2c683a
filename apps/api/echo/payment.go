package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/classesnumeriques/platform/core"
	"github.com/classesnumeriques/platform/core/subscription"
)

type paymentApi struct {
	*handlerDeps
	svc subscription.ServiceInterface
}

func registerPaymentAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps *handlerDeps, svc subscription.ServiceInterface) {
	api := paymentApi{handlerDeps: deps, svc: svc}

	pg := g.Group("/payment")

	// called by the payment gateway; authenticated by the notification signature
	pg.POST("/notification", api.notification)

	pg.GET("/plans", api.plans, jwt)
	pg.GET("/status", api.status, jwt)
	pg.GET("/payments", api.payments, jwt)
	pg.POST("/select_school", api.selectSchool, jwt, teacherMiddleware())
	pg.POST("/checkout", api.checkout, jwt, teacherMiddleware())
	pg.POST("/activate", api.activate, jwt, adminMiddleware())
}

func (api *paymentApi) plans(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.svc.Plans())
}

func (api *paymentApi) status(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	acc, err := api.svc.CheckAccess(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "checking access")
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *paymentApi) payments(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	filter := &subscription.PaymentFilter{Status: subscription.PaymentStatus(ctx.QueryParam("status"))}
	if usr.IsAdmin() {
		filter.PayerID = ctx.QueryParam("payer_id")
		filter.SchoolID = ctx.QueryParam("school_id")
	} else {
		filter.PayerID = usr.ID
	}

	payments, err := api.svc.QueryPayments(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	if payments == nil {
		payments = []subscription.Payment{}
	}
	return ctx.JSON(http.StatusOK, payments)
}

func (api *paymentApi) selectSchool(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data subscription.SelectSchool
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SelectSchool")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	sel, err := api.svc.SelectSchool(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "selecting school")
	}
	return ctx.JSON(http.StatusOK, sel)
}

func (api *paymentApi) checkout(ctx echo.Context) error {
	usr, err := api.contextUser(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	var data subscription.Checkout
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Checkout")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	pmt, err := api.svc.StartCheckout(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "starting checkout")
	}
	return ctx.JSON(http.StatusCreated, pmt)
}

func (api *paymentApi) notification(ctx echo.Context) error {
	var data subscription.Notification
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Notification")
	}
	if data.OrderID == "" {
		return core.NewFieldValidationError("order_id", "this field is required")
	}

	pmt, err := api.svc.HandleNotification(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "handling payment notification")
	}
	return ctx.JSON(http.StatusOK, echo.Map{"order_id": pmt.OrderID, "status": pmt.Status})
}

type ActivationRequest struct {
	UserID   string `json:"user_id" validate:"omitempty,uuid"`
	SchoolID string `json:"school_id" validate:"omitempty,uuid"`
	Months   int    `json:"months" validate:"min=0,max=120"`
}

func (api *paymentApi) activate(ctx echo.Context) error {
	var data ActivationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ActivationRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}
	if data.UserID == "" && data.SchoolID == "" {
		return core.NewFieldValidationError("user_id", "a user or a school is required")
	}

	act := subscription.Activation{UserID: data.UserID, SchoolID: data.SchoolID, Months: data.Months}
	if err := api.svc.Activate(ctx.Request().Context(), act); err != nil {
		return errors.Wrap(err, "activating subscription")
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Subscription activated."})
}
