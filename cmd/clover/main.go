package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/pricerecord"
	"github.com/Ramsey-B/clover/internal/repositories/snapshot"
	"github.com/Ramsey-B/clover/internal/repositories/transition"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/importer"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/orchestrator"
	"github.com/Ramsey-B/clover/pkg/reconciler"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/routes/dlq"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	"github.com/Ramsey-B/clover/pkg/routes/snapshots"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/startup"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to read configuration: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlxDB, err := connectDatabase(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer sqlxDB.Close()

	db := database.NewDatabaseInstance(sqlxDB, logger)

	if err := runMigrations(cfg, sqlxDB, logger); err != nil {
		logger.WithError(err).Error("Failed to run database migrations")
		os.Exit(1)
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	deadLetters := redis.NewDeadLetterQueue(redisClient, cfg.DLQStream, cfg.DLQMaxLen, logger)

	eventProducer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer eventProducer.Close()

	auditProducer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaAuditTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer auditProducer.Close()

	importReader := kafka.NewImportReader(kafka.ReaderConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaInputTopic,
		ConsumerGroup: cfg.KafkaConsumerGroup,
	}, logger)
	defer importReader.Close()

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	priceRepo := pricerecord.NewRepository(db, logger)
	transitionRepo := transition.NewRepository(db, logger)
	snapshotRepo := snapshot.NewRepository(db, logger)

	emitter := events.NewEmitter(eventProducer, auditProducer, m, logger)
	rec := reconciler.New(priceRepo, snapshotRepo, emitter, m, logger, cfg.ReconcileMaxAttempts)
	extractor := scheduler.NewExtractor(transitionRepo, logger)
	pool := orchestrator.NewPool(cfg.OrchestratorWorkerCount, cfg.OrchestratorAskTimeout, logger)

	orch := orchestrator.NewOrchestrator(
		rec,
		priceRepo,
		extractor,
		emitter,
		parseBroadcastMap(cfg.BroadcastChannels),
		cfg.DefaultVatRate,
		logger,
	)

	runner := scheduler.NewRunner(transitionRepo, pool, orch, scheduler.Config{
		PollInterval: cfg.SchedulePollInterval,
		AckTimeout:   cfg.ScheduleAckTimeout,
	}, m, logger)

	pipeline := importer.NewPipeline(importReader, deadLetters, pool, orch, importer.Config{
		BatchCap:                cfg.ImportBatchCap,
		PollTimeout:             cfg.ImportPollTimeout,
		CycleInterval:           cfg.ImportCycleInterval,
		SupportedSchemaVersions: cfg.SupportedSchemaVersions,
	}, m, logger)

	manager := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	manager.AddDependency(component{name: "pool", start: pool.Start, stop: pool.Stop})
	manager.AddDependency(component{name: "schedule-runner", dependsOn: []string{"pool"}, start: runner.Start, stop: runner.Stop})
	if cfg.KafkaConsumerEnabled {
		manager.AddDependency(component{name: "import-pipeline", dependsOn: []string{"pool"}, start: pipeline.Start, stop: pipeline.Stop})
	}

	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start components")
		os.Exit(1)
	}

	e, checker, err := newServer(cfg, sqlxDB, redisClient, eventProducer, importReader, snapshotRepo, deadLetters, registry)
	if err != nil {
		logger.WithError(err).Error("Failed to build HTTP server")
		os.Exit(1)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil {
			logger.WithError(err).Info("HTTP server stopped")
		}
	}()
	checker.SetReady(true)

	logger.Infof("%s started on port %d", cfg.AppName, cfg.Port)

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checker.SetReady(false)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Component shutdown failed")
	}

	logger.Info("Shutdown complete")
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func connectDatabase(cfg config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return db, nil
}

func runMigrations(cfg config.Config, db *sqlx.DB, logger ectologger.Logger) error {
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	migrator := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
	})
	return migrator.Migrate(cfg.DatabaseName, driver)
}

func newServer(
	cfg config.Config,
	db *sqlx.DB,
	redisClient *redis.Client,
	producer *kafka.Producer,
	reader *kafka.ImportReader,
	snapshotRepo snapshot.Store,
	deadLetters *redis.DeadLetterQueue,
	registry *prometheus.Registry,
) (*echo.Echo, *health.Checker, error) {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return nil, nil, err
	}
	if err := ectoinject.RegisterInstance[snapshot.Store](container, snapshotRepo); err != nil {
		return nil, nil, err
	}
	if err := ectoinject.RegisterInstance[*redis.DeadLetterQueue](container, deadLetters); err != nil {
		return nil, nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqCtx, err := ectoinject.SetActiveContainer(c.Request().Context(), container.GetContainerID())
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(reqCtx))
			return next(c)
		}
	})

	checker := health.NewChecker(db, redisClient, producer, reader, version)
	checker.RegisterRoutes(e)

	snapshots.Register(e.Group("/api/v1/snapshots"))
	dlq.Register(e.Group("/api/v1/dlq"))

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return e, checker, nil
}

// parseBroadcastMap parses store:channel entries into the broadcast map
func parseBroadcastMap(entries []string) map[string]string {
	broadcast := make(map[string]string, len(entries))
	for _, entry := range entries {
		store, channel, ok := strings.Cut(entry, ":")
		if !ok || store == "" || channel == "" {
			continue
		}
		broadcast[store] = channel
	}
	return broadcast
}

// component adapts start/stop funcs to a startup dependency
type component struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (c component) GetName() string              { return c.name }
func (c component) DependsOn() []string          { return c.dependsOn }
func (c component) Start(ctx context.Context) error { return c.start(ctx) }
func (c component) Stop(ctx context.Context) error  { return c.stop(ctx) }
