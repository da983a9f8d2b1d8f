package handlers

import (
	"errors"
	"net/http"

	"github.com/clearpoint/billing/internal/app/service/checkout"
	subsvc "github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/models"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/response"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type CreateSubscriptionRequest struct {
	CustomerID    string `json:"customer_id" binding:"required"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
	PlanID        string `json:"plan_id" binding:"required"`
	BillingCycle  string `json:"billing_cycle" binding:"required"`
}

type CreateSubscriptionResponse struct {
	Subscription   *models.Subscription `json:"subscription"`
	PaymentPageURL string               `json:"payment_page_url,omitempty"`
}

// @Summary      Create subscription
// @Description  Creates a trial subscription for the customer and returns the hosted page for card setup. A customer may hold one non-terminal subscription at a time.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body CreateSubscriptionRequest true "Subscription request"
// @Success      200  {object}  handlers.RespCreateSubscription
// @Router       /billing/subscriptions [post]
func ApiCreateSubscription(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		res, err := svc.StartSubscription(c.Request.Context(), checkout.StartParams{
			CustomerID:    req.CustomerID,
			CustomerName:  req.CustomerName,
			CustomerEmail: req.CustomerEmail,
			CustomerPhone: req.CustomerPhone,
			PlanID:        req.PlanID,
			BillingCycle:  types.BillingCycle(req.BillingCycle),
		})
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, subsvc.ErrDuplicateActive) || errors.Is(err, subsvc.ErrUnknownPlan) {
				code = response.APIResponseCodeBadRequest
			} else {
				logctx.FromCtx(c, log).Errorw("create subscription failed", "error", err.Error())
			}
			c.JSON(http.StatusOK, response.ErrorT(code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&CreateSubscriptionResponse{
			Subscription:   res.Subscription,
			PaymentPageURL: res.PaymentPageURL,
		}))
	}
}

// @Summary      Get subscription
// @Tags         Subscription
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /billing/subscriptions/{id} [get]
func ApiGetSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, subsvc.ErrNotFound) {
				c.JSON(http.StatusNotFound, response.ErrorT(response.APIResponseCodeError, "subscription not found"))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

type CancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

// @Summary      Cancel subscription
// @Description  Requests cancellation. Trials cancel immediately; paid subscriptions keep access until the end of the paid period.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Param        request body CancelSubscriptionRequest false "Cancellation reason"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /billing/subscriptions/{id}/cancel [post]
func ApiCancelSubscription(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelSubscriptionRequest
		_ = c.ShouldBindJSON(&req)

		sub, err := svc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
		if err != nil {
			if errors.Is(err, subsvc.ErrNotFound) {
				c.JSON(http.StatusNotFound, response.ErrorT(response.APIResponseCodeError, "subscription not found"))
				return
			}
			logctx.FromCtx(c, log).Errorw("cancel subscription failed", "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

// @Summary      List subscription payments
// @Tags         Subscription
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Success      200  {object}  handlers.RespPayments
// @Router       /billing/subscriptions/{id}/payments [get]
func ApiListPayments(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		payments, err := svc.ListPayments(c.Request.Context(), c.Param("id"), 0)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(payments))
	}
}

type OneTimePaymentRequest struct {
	CustomerID    string `json:"customer_id" binding:"required"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	Amount        int64  `json:"amount" binding:"required"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
}

// @Summary      One-time payment
// @Description  Charges a single payment outside any subscription, e.g. hardware purchases.
// @Tags         Payment
// @Accept       json
// @Produce      json
// @Param        request body OneTimePaymentRequest true "Payment request"
// @Success      200  {object}  handlers.RespPayment
// @Router       /billing/payments/one-time [post]
func ApiOneTimePayment(svc *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OneTimePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		p, err := svc.OneTimeCharge(c.Request.Context(), checkout.OneTimeParams{
			CustomerID:    req.CustomerID,
			CustomerName:  req.CustomerName,
			CustomerEmail: req.CustomerEmail,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Description:   req.Description,
		})
		if err != nil {
			logctx.FromCtx(c, log).Errorw("one-time payment failed", "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(p))
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, co *checkout.Service, sub *subsvc.Service, log *zap.SugaredLogger) {
	r.POST("/subscriptions", ApiCreateSubscription(co, log))
	r.GET("/subscriptions/:id", ApiGetSubscription(sub))
	r.POST("/subscriptions/:id/cancel", ApiCancelSubscription(co, log))
	r.GET("/subscriptions/:id/payments", ApiListPayments(sub))
	r.POST("/payments/one-time", ApiOneTimePayment(co, log))
}
