package handlers

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestBillingRoutesRegistered(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/billing")
	RegisterWebhookRoutes(g, nil, nil)
	RegisterEntitlementRoutes(g, nil)
	RegisterSubscriptionRoutes(g, nil, nil, nil)
	RegisterSyncRoutes(g, nil, nil, nil)
	RegisterCronRoutes(g.Group("/cron"), nil, nil)
	RegisterAdminRoutes(g.Group("/admin"), nil, nil, nil)

	routes := r.Routes()
	contains := func(target string) bool {
		for _, rt := range routes {
			if rt.Method+" "+rt.Path == target {
				return true
			}
		}
		return false
	}

	require.True(t, contains("POST /billing/webhook"))
	require.True(t, contains("GET /billing/entitlement/:customerId"))
	require.True(t, contains("POST /billing/subscriptions"))
	require.True(t, contains("POST /billing/subscriptions/:id/cancel"))
	require.True(t, contains("GET /billing/subscriptions/:id/payments"))
	require.True(t, contains("POST /billing/payments/one-time"))
	require.True(t, contains("POST /billing/sync/:subscriptionId"))
	require.True(t, contains("POST /billing/sync-all"))
	require.True(t, contains("POST /billing/cron/process-trials"))
	require.True(t, contains("POST /billing/cron/process-cancellations"))
	require.True(t, contains("POST /billing/cron/overdue-sweep"))
	require.True(t, contains("POST /billing/admin/subscriptions/:id/activate"))
	require.True(t, contains("GET /billing/admin/subscriptions/:id/history"))
}
