package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/clearpoint/billing/internal/app/service/reconcile"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// @Summary      Sync one subscription (Admin)
// @Description  Reconciles a single subscription against the payment provider's authoritative state.
// @Tags         Sync
// @Produce      json
// @Param        subscriptionId path string true "Subscription ID"
// @Success      200  {object}  handlers.RespSyncResult
// @Router       /billing/sync/{subscriptionId} [post]
func ApiSyncOne(engine *reconcile.Engine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("subscriptionId")
		res, err := engine.SyncOne(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, subscription.ErrNotFound) {
				c.JSON(http.StatusNotFound, response.ErrorT(response.APIResponseCodeError, "subscription not found"))
				return
			}
			if errors.Is(err, reconcile.ErrNoProviderRef) {
				c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			logctx.FromCtx(c, log).Errorw("sync failed", "subscription_id", id, "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Sync all subscriptions (Admin)
// @Description  Runs bulk reconciliation over stale subscriptions. force=true widens the pass to every syncable subscription.
// @Tags         Sync
// @Produce      json
// @Param        force query bool false "Sync regardless of staleness"
// @Success      200  {object}  handlers.RespSyncSummary
// @Router       /billing/sync-all [post]
func ApiSyncAll(orch *reconcile.Orchestrator, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))
		sum, err := orch.SyncAll(c.Request.Context(), force)
		if err != nil {
			if errors.Is(err, reconcile.ErrAlreadyRunning) {
				c.JSON(http.StatusConflict, response.ErrorT(response.APIResponseCodeError, "bulk sync already in progress"))
				return
			}
			logctx.FromCtx(c, log).Errorw("bulk sync failed", "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sum))
	}
}

func RegisterSyncRoutes(r gin.IRouter, engine *reconcile.Engine, orch *reconcile.Orchestrator, log *zap.SugaredLogger) {
	r.POST("/sync/:subscriptionId", ApiSyncOne(engine, log))
	r.POST("/sync-all", ApiSyncAll(orch, log))
}
