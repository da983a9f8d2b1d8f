package handlers

import (
	"net/http"

	"github.com/clearpoint/billing/internal/app/service/entitlement"
	"github.com/clearpoint/billing/pkg/response"

	"github.com/gin-gonic/gin"
)

// @Summary      Entitlement query
// @Description  The sanctioned way for other subsystems to check whether a customer currently has access. Always answers; internal failures deny with reason=system_error.
// @Tags         Entitlement
// @Produce      json
// @Param        customerId path string true "Customer ID"
// @Success      200  {object}  handlers.RespAccessDecision
// @Router       /billing/entitlement/{customerId} [get]
func ApiHasAccess(svc *entitlement.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := svc.HasAccess(c.Request.Context(), c.Param("customerId"))
		c.JSON(http.StatusOK, response.OKT(d))
	}
}

func RegisterEntitlementRoutes(r gin.IRouter, svc *entitlement.Service) {
	r.GET("/entitlement/:customerId", ApiHasAccess(svc))
}
