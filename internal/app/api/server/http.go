package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/clearpoint/billing/docs"
	"github.com/clearpoint/billing/internal/app/api/handlers"
	"github.com/clearpoint/billing/internal/app/service/checkout"
	croncmd "github.com/clearpoint/billing/internal/app/service/cron"
	"github.com/clearpoint/billing/internal/app/service/entitlement"
	"github.com/clearpoint/billing/internal/app/service/reconcile"
	subsvc "github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/app/service/webhook"
	cfgpkg "github.com/clearpoint/billing/pkg/config"

	mw "github.com/clearpoint/billing/internal/app/api/middleware"

	metrics "github.com/clearpoint/billing/pkg/metrics"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

func registerRoutes(
	r *gin.Engine,
	log *zap.SugaredLogger,
	cfg *cfgpkg.Config,
	ing *webhook.Ingestor,
	engine *reconcile.Engine,
	orch *reconcile.Orchestrator,
	runner *croncmd.Runner,
	ent *entitlement.Service,
	sub *subsvc.Service,
	co *checkout.Service,
) {
	// Prometheus metrics
	if cfg != nil && cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Billing surface
	billing := r.Group("/billing")
	billing.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())

	// Gateway callbacks authenticate themselves via HMAC signature.
	handlers.RegisterWebhookRoutes(billing, ing, log)
	handlers.RegisterEntitlementRoutes(billing, ent)
	handlers.RegisterSubscriptionRoutes(billing, co, sub, log)

	// Operator surface behind the admin token.
	adminAuth := mw.AdminAuthMiddleware(cfg.Auth.AdminJWTSecret)
	syncGroup := billing.Group("/")
	syncGroup.Use(adminAuth)
	handlers.RegisterSyncRoutes(syncGroup, engine, orch, log)
	handlers.RegisterAdminRoutes(billing.Group("/admin", adminAuth), sub, co, log)

	// Scheduler surface behind the shared cron secret.
	handlers.RegisterCronRoutes(billing.Group("/cron", mw.CronAuthMiddleware(cfg.Auth.CronSecret)), runner, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
