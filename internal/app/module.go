package app

import (
	"time"

	"github.com/clearpoint/billing/internal/app/api/server"
	"github.com/clearpoint/billing/internal/app/service/checkout"
	croncmd "github.com/clearpoint/billing/internal/app/service/cron"
	"github.com/clearpoint/billing/internal/app/service/entitlement"
	"github.com/clearpoint/billing/internal/app/service/reconcile"
	"github.com/clearpoint/billing/internal/app/service/subscription"
	"github.com/clearpoint/billing/internal/app/service/webhook"
	"github.com/clearpoint/billing/internal/app/service/webhooklog"
	"github.com/clearpoint/billing/internal/platform/db"
	"github.com/clearpoint/billing/internal/platform/payplus"
	"github.com/clearpoint/billing/pkg/config"
	"github.com/clearpoint/billing/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	payplus.Module,
	subscription.Module,
	webhooklog.Module,
	webhook.Module,
	reconcile.Module,
	croncmd.Module,
	entitlement.Module,
	checkout.Module,
)
