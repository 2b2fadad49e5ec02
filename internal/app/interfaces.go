package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/wacrm/config"
	"github.com/talkincode/wacrm/internal/fanout"
	"github.com/talkincode/wacrm/internal/repository"
	"github.com/talkincode/wacrm/internal/whatsapp"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
	Repos() *repository.Repositories
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// WhatsAppProvider exposes the session engine
type WhatsAppProvider interface {
	WhatsApp() *whatsapp.Service
}

// FanoutProvider exposes the live event hub
type FanoutProvider interface {
	Hub() *fanout.Hub
}

// AppContext combines all provider interfaces for full application context
// Handlers should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	WhatsAppProvider
	FanoutProvider

	MigrateDB(track bool) error
	DropAll()
	Release(ctx context.Context)
}
