package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wacrm/config"
	"github.com/talkincode/wacrm/internal/domain"
	"github.com/talkincode/wacrm/internal/fanout"
	"github.com/talkincode/wacrm/internal/repository"
	"github.com/talkincode/wacrm/internal/storage"
	"github.com/talkincode/wacrm/internal/whatsapp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	repos     *repository.Repositories
	hub       *fanout.Hub
	wa        *whatsapp.Service

	rdb         *redis.Client
	kafka       *fanout.KafkaSink
	relayCancel context.CancelFunc
}

// Ensure Application implements all interfaces
var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ WhatsAppProvider  = (*Application)(nil)
	_ FanoutProvider    = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Repos() *repository.Repositories {
	return a.repos
}

func (a *Application) WhatsApp() *whatsapp.Service {
	return a.wa
}

func (a *Application) Hub() *fanout.Hub {
	return a.hub
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Init(cfg *config.AppConfig) error {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	initLogger(cfg.Logger)

	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	a.gormDB, err = getDatabase(cfg.Database, cfg.GetDataDir())
	if err != nil {
		return err
	}
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	ids, err := repository.NewIDGenerator(cfg.System.NodeID)
	if err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}
	a.repos = repository.NewGormRepositories(a.gormDB, ids)

	if err := a.initFanout(cfg); err != nil {
		return err
	}
	if err := a.initWhatsApp(cfg); err != nil {
		return err
	}
	a.initJob()
	return nil
}

func initLogger(cfg config.LogConfig) {
	var zapConfig zap.Config
	if cfg.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var logger *zap.Logger
	if cfg.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}

		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller())
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

// initFanout builds the hub and attaches the optional redis relay and kafka sink.
func (a *Application) initFanout(cfg *config.AppConfig) error {
	a.hub = fanout.NewHub()

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		relay := fanout.NewRedisRelay(a.rdb, cfg.Redis.Channel, fmt.Sprintf("%s-%d", cfg.System.Appid, cfg.System.NodeID))
		a.hub.AddSink(relay)
		var relayCtx context.Context
		relayCtx, a.relayCancel = context.WithCancel(context.Background())
		go func() {
			if err := relay.Run(relayCtx, a.hub); err != nil {
				zap.L().Error("fanout: redis relay stopped", zap.Error(err))
			}
		}()
		zap.L().Info("fanout: redis relay enabled", zap.String("channel", cfg.Redis.Channel))
	}

	if cfg.Kafka.Enabled {
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, fanout.NewSaramaConfig())
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		a.kafka = fanout.NewKafkaSink(producer, cfg.Kafka.Topic)
		a.hub.AddSink(a.kafka)
		zap.L().Info("fanout: kafka sink enabled", zap.String("topic", cfg.Kafka.Topic))
	}
	return nil
}

func (a *Application) initWhatsApp(cfg *config.AppConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sqlDB, err := a.gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	container, err := whatsapp.OpenDeviceStore(ctx, sqlDB, cfg.Database.Type)
	if err != nil {
		return err
	}

	var blobs storage.BlobStore
	if cfg.Storage.Enabled {
		store, err := storage.NewMinioStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		blobs = store
	} else {
		zap.L().Warn("whatsapp: object storage disabled, media urls stay empty")
	}

	factory := whatsapp.NewWhatsmeowFactory(container, cfg.WhatsApp.DeviceName)
	a.wa, err = whatsapp.NewService(a.repos, factory, a.hub, blobs, whatsapp.OptionsFromConfig(cfg.WhatsApp))
	if err != nil {
		return err
	}
	n, err := a.wa.Restore(ctx)
	if err != nil {
		zap.L().Error("whatsapp: restore sessions failed", zap.Error(err))
	} else {
		zap.L().Info("whatsapp: restoring sessions", zap.Int("count", n))
	}
	return nil
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	if err := db.Migrator().AutoMigrate(domain.Tables...); err != nil {
		zap.S().Error(err)
		return err
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

// Release stops background work. Sessions are disconnected without logging
// out so they are restored on the next start.
func (a *Application) Release(ctx context.Context) {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.wa != nil {
		a.wa.Shutdown(ctx)
	}
	if a.relayCancel != nil {
		a.relayCancel()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			zap.L().Warn("kafka producer close", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = zap.L().Sync()
}
