package handlers

import (
	"context"
	"net/http"

	croncmd "github.com/clearpoint/billing/internal/app/service/cron"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func cronPass(log *zap.SugaredLogger, run func(context.Context) (*croncmd.Report, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep, err := run(c.Request.Context())
		if err != nil {
			logctx.FromCtx(c, log).Errorw("cron pass failed", "path", c.FullPath(), "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(rep))
	}
}

// @Summary      Process expired trials (Cron)
// @Description  Moves lapsed trials forward: to active for subscriptions with a card on file, to suspended otherwise. Idempotent per day.
// @Tags         Cron
// @Produce      json
// @Success      200  {object}  handlers.RespCronReport
// @Router       /billing/cron/process-trials [post]
func ApiProcessTrials(r *croncmd.Runner, log *zap.SugaredLogger) gin.HandlerFunc {
	return cronPass(log, r.ProcessTrials)
}

// @Summary      Process pending cancellations (Cron)
// @Description  Finishes cancel-at-period-end wind-downs whose paid window has lapsed. Idempotent per day.
// @Tags         Cron
// @Produce      json
// @Success      200  {object}  handlers.RespCronReport
// @Router       /billing/cron/process-cancellations [post]
func ApiProcessCancellations(r *croncmd.Runner, log *zap.SugaredLogger) gin.HandlerFunc {
	return cronPass(log, r.ProcessCancellations)
}

// @Summary      Sweep overdue subscriptions (Cron)
// @Description  Reconciles subscriptions whose next billing date passed without a charge event, recovering lost webhooks. Idempotent per day.
// @Tags         Cron
// @Produce      json
// @Success      200  {object}  handlers.RespCronReport
// @Router       /billing/cron/overdue-sweep [post]
func ApiOverdueSweep(r *croncmd.Runner, log *zap.SugaredLogger) gin.HandlerFunc {
	return cronPass(log, r.OverdueSweep)
}

func RegisterCronRoutes(r gin.IRouter, runner *croncmd.Runner, log *zap.SugaredLogger) {
	r.POST("/process-trials", ApiProcessTrials(runner, log))
	r.POST("/process-cancellations", ApiProcessCancellations(runner, log))
	r.POST("/overdue-sweep", ApiOverdueSweep(runner, log))
}
