package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/clearpoint/billing/internal/app/service/webhook"
	"github.com/clearpoint/billing/pkg/logctx"
	"github.com/clearpoint/billing/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxWebhookBody bounds how much of a delivery is read before parsing.
const maxWebhookBody = 1 << 20

// @Summary      Payment gateway webhook
// @Description  Receives signed charge notifications from the payment gateway. Returns 200 for accepted or duplicate events, 400 for malformed payloads, 401 for bad signatures.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload body string true "Gateway notification payload"
// @Success      200  {object}  handlers.RespWebhook
// @Failure      400  {object}  response.APIResponse[string]
// @Failure      401  {object}  response.APIResponse[string]
// @Router       /billing/webhook [post]
func ApiWebhook(ing *webhook.Ingestor, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT(response.APIResponseCodeBadRequest, "unreadable body"))
			return
		}

		traceID := c.GetString("traceID")
		res, err := ing.Ingest(c.Request.Context(), body,
			c.GetHeader("hash"), c.GetHeader("User-Agent"), traceID)

		switch {
		case err == nil:
			c.JSON(http.StatusOK, response.OKT(res))
		case errors.Is(err, webhook.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, response.ErrorT(response.APIResponseCodeError, "invalid signature"))
		case errors.Is(err, webhook.ErrMalformed):
			c.JSON(http.StatusBadRequest, response.ErrorT(response.APIResponseCodeBadRequest, "malformed payload"))
		case errors.Is(err, webhook.ErrUnmatched):
			// Valid but unattributable: acknowledge so the gateway stops
			// retrying; the archive row keeps it findable.
			logctx.FromCtx(c, log).Warnw("webhook matched no subscription")
			c.JSON(http.StatusOK, response.OKT[any](nil))
		default:
			logctx.FromCtx(c, log).Errorw("webhook processing failed", "error", err.Error())
			c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, "processing failed"))
		}
	}
}

func RegisterWebhookRoutes(r gin.IRouter, ing *webhook.Ingestor, log *zap.SugaredLogger) {
	r.POST("/webhook", ApiWebhook(ing, log))
}
