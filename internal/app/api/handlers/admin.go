package handlers

import (
	"errors"
	"net/http"

	"github.com/clearpoint/billing/internal/app/service/checkout"
	"github.com/clearpoint/billing/internal/app/service/lifecycle"
	subsvc "github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/response"
	"github.com/clearpoint/billing/pkg/tool"
	"github.com/clearpoint/billing/pkg/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ListSubscriptionsRequest struct {
	Filters []*types.CommonFilter `json:"filters"`
	AfterID string                `json:"after_id"`
	Size    int                   `json:"size"`
}

// @Summary      List subscriptions (Admin)
// @Description  Filterable, keyset-paged subscription listing for back-office tooling.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ListSubscriptionsRequest true "Filters and pagination"
// @Success      200  {object}  handlers.RespSubscriptions
// @Router       /billing/admin/subscriptions/list [post]
func ApiListSubscriptions(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListSubscriptionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		subs, err := svc.Scan(c.Request.Context(), req.Filters, req.AfterID, req.Size)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(subs))
	}
}

type AdminCreateSubscriptionRequest struct {
	CustomerID   string `json:"customer_id" binding:"required"`
	PlanID       string `json:"plan_id" binding:"required"`
	BillingCycle string `json:"billing_cycle" binding:"required"`
}

// @Summary      Create subscription manually (Admin)
// @Description  Creates a subscription for pre-paid or migrated customers and activates it immediately, skipping the trial.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body AdminCreateSubscriptionRequest true "Subscription request"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /billing/admin/subscriptions [post]
func ApiAdminCreateSubscription(svc *subsvc.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdminCreateSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		sub, err := svc.Create(c.Request.Context(), subsvc.CreateParams{
			CustomerID:   req.CustomerID,
			PlanID:       req.PlanID,
			BillingCycle: types.BillingCycle(req.BillingCycle),
		})
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, subsvc.ErrDuplicateActive) || errors.Is(err, subsvc.ErrUnknownPlan) {
				code = response.APIResponseCodeBadRequest
			}
			c.JSON(http.StatusOK, response.ErrorT(code, err.Error()))
			return
		}

		// Pre-paid: straight to active, no trial.
		res, err := svc.ApplyEvent(c.Request.Context(), sub.ID,
			lifecycle.Event{Kind: lifecycle.EventAdminForceActivate}, types.SyncSourceAdmin)
		if err != nil {
			logctx.FromCtx(c, log).Errorw("admin activate after create failed", "subscription_id", sub.ID, "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res.Subscription))
	}
}

// @Summary      Force activate subscription (Admin)
// @Description  Reactivates a suspended or past_due subscription with a fresh billing period. Terminal subscriptions are rejected.
// @Tags         Admin
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /billing/admin/subscriptions/{id}/activate [post]
func ApiAdminActivate(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.ApplyEvent(c.Request.Context(), c.Param("id"),
			lifecycle.Event{Kind: lifecycle.EventAdminForceActivate}, types.SyncSourceAdmin)
		if err != nil {
			if errors.Is(err, subsvc.ErrNotFound) {
				c.JSON(http.StatusNotFound, response.ErrorT(response.APIResponseCodeError, "subscription not found"))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res.Subscription))
	}
}

type SimulateChargeRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// @Summary      Simulate successful charge (Admin)
// @Description  Applies a successful charge without touching the gateway, for support and staging use. Advances the billing period like a real charge.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Param        request body SimulateChargeRequest false "Charge override"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /billing/admin/subscriptions/{id}/simulate-charge [post]
func ApiAdminSimulateCharge(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SimulateChargeRequest
		_ = c.ShouldBindJSON(&req)

		id := c.Param("id")
		sub, err := svc.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, subsvc.ErrNotFound) {
				c.JSON(http.StatusNotFound, response.ErrorT(response.APIResponseCodeError, "subscription not found"))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}

		amount := req.Amount
		if amount == 0 {
			amount = sub.Amount
		}
		currency := req.Currency
		if currency == "" {
			currency = sub.Currency
		}

		res, err := svc.ApplyEvent(c.Request.Context(), id, lifecycle.Event{
			Kind:              lifecycle.EventAdminSimulateCharge,
			Amount:            amount,
			Currency:          currency,
			ProviderChargeRef: "manual-" + tool.GenerateUUIDV7(),
		}, types.SyncSourceAdmin)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res.Subscription))
	}
}

// @Summary      Cancel subscription (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Param        request body CancelSubscriptionRequest false "Cancellation reason"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /billing/admin/subscriptions/{id}/cancel [post]
func ApiAdminCancel(co *checkout.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return ApiCancelSubscription(co, log)
}

// @Summary      Subscription audit trail (Admin)
// @Description  Returns the append-only transition history for one subscription, newest first.
// @Tags         Admin
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Success      200  {object}  handlers.RespSyncHistory
// @Router       /billing/admin/subscriptions/{id}/history [get]
func ApiAdminHistory(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := svc.ListHistory(c.Request.Context(), c.Param("id"), 0)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(rows))
	}
}

func RegisterAdminRoutes(r gin.IRouter, sub *subsvc.Service, co *checkout.Service, log *zap.SugaredLogger) {
	r.POST("/subscriptions", ApiAdminCreateSubscription(sub, log))
	r.POST("/subscriptions/list", ApiListSubscriptions(sub))
	r.POST("/subscriptions/:id/activate", ApiAdminActivate(sub))
	r.POST("/subscriptions/:id/simulate-charge", ApiAdminSimulateCharge(sub))
	r.POST("/subscriptions/:id/cancel", ApiAdminCancel(co, log))
	r.GET("/subscriptions/:id/history", ApiAdminHistory(sub))
}
