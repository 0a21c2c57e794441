package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/fernhollow/registry/config"
	blocklistrepo "github.com/fernhollow/registry/internal/repositories/blocklist"
	entityrepo "github.com/fernhollow/registry/internal/repositories/entity"
	entitylinkrepo "github.com/fernhollow/registry/internal/repositories/entitylink"
	fieldsourcerepo "github.com/fernhollow/registry/internal/repositories/fieldsource"
	geocodecacherepo "github.com/fernhollow/registry/internal/repositories/geocodecache"
	identifierrepo "github.com/fernhollow/registry/internal/repositories/identifier"
	matchcandidaterepo "github.com/fernhollow/registry/internal/repositories/matchcandidate"
	mergerecordrepo "github.com/fernhollow/registry/internal/repositories/mergerecord"
	orgcontactrepo "github.com/fernhollow/registry/internal/repositories/orgcontact"
	reviewqueuerepo "github.com/fernhollow/registry/internal/repositories/reviewqueue"
	sourcepriorityrepo "github.com/fernhollow/registry/internal/repositories/sourcepriority"
	"github.com/fernhollow/registry/pkg/database"
	"github.com/fernhollow/registry/pkg/decision"
	"github.com/fernhollow/registry/pkg/events"
	"github.com/fernhollow/registry/pkg/geocode"
	"github.com/fernhollow/registry/pkg/graph"
	"github.com/fernhollow/registry/pkg/ingest"
	"github.com/fernhollow/registry/pkg/kafka"
	"github.com/fernhollow/registry/pkg/matching"
	"github.com/fernhollow/registry/pkg/merge"
	"github.com/fernhollow/registry/pkg/middleware"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/resolver"
	blocklistroute "github.com/fernhollow/registry/pkg/routes/blocklist"
	entityroute "github.com/fernhollow/registry/pkg/routes/entity"
	"github.com/fernhollow/registry/pkg/routes/health"
	matchcandidateroute "github.com/fernhollow/registry/pkg/routes/matchcandidate"
	mergeroute "github.com/fernhollow/registry/pkg/routes/merge"
	orgcontactroute "github.com/fernhollow/registry/pkg/routes/orgcontact"
	recordroute "github.com/fernhollow/registry/pkg/routes/record"
	reviewqueueroute "github.com/fernhollow/registry/pkg/routes/reviewqueue"
	sourcepriorityroute "github.com/fernhollow/registry/pkg/routes/sourcepriority"
	"github.com/fernhollow/registry/pkg/startup"
	"github.com/fernhollow/registry/pkg/survivorship"
	"github.com/fernhollow/registry/pkg/tracing"
	"github.com/fernhollow/registry/pkg/tracing/exporters"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	if cfg.TracingEnabled {
		shutdown, err := setupTracing(ctx, cfg)
		if err != nil {
			logger.WithError(err).Error("Failed to set up tracing")
		} else {
			defer shutdown(ctx)
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	sqlxDB, err := sqlx.Open(cfg.DatabaseDriver, databaseDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	db := database.NewDatabaseInstance(sqlxDB, logger)

	// Repositories
	entities := entityrepo.NewRepository(db, logger)
	identifiers := identifierrepo.NewRepository(db, logger)
	links := entitylinkrepo.NewRepository(db, logger)
	fieldSources := fieldsourcerepo.NewRepository(db, logger)
	candidates := matchcandidaterepo.NewRepository(db, logger)
	mergeRecords := mergerecordrepo.NewRepository(db, logger)
	reviews := reviewqueuerepo.NewRepository(db, logger)
	geocodeCache := geocodecacherepo.NewRepository(db, logger)
	blocklists := blocklistrepo.NewRepository(db, logger)
	priorities := sourcepriorityrepo.NewRepository(db, logger)
	orgContacts := orgcontactrepo.NewRepository(db, logger)

	// Domain services
	geocoder := geocode.NewResolver(
		geocode.NewHTTPProvider(geocode.HTTPProviderConfig{
			BaseURL:    cfg.GeocodeProviderURL,
			APIKey:     cfg.GeocodeAPIKey,
			RegionBias: cfg.GeocodeRegionBias,
			Timeout:    cfg.GeocodeTimeout,
		}),
		geocodeCache,
		geocode.ResolverConfig{
			RequestsPerSecond:   cfg.GeocodeRequestsPerSecond,
			MaxAttempts:         cfg.GeocodeMaxAttempts,
			ConfidenceThreshold: cfg.GeocodeConfidenceThreshold,
		},
		logger,
	)

	survivorshipService := survivorship.NewService(fieldSources, priorities, logger)
	resolverService := resolver.NewService(entities, identifiers, orgContacts, geocoder, logger)
	generator := matching.NewGenerator(entities, identifiers, links, candidates, matching.GeneratorConfig{
		BatchSize:    cfg.MatchBatchSize,
		MinScore:     cfg.MatchMinScore,
		MaxPerEntity: cfg.MatchMaxPerEntity,
	}, logger)
	engine := decision.NewEngine(decision.Config{
		AutoMergeEnabled:        cfg.AutoMergeEnabled,
		AutoMergeNameSimilarity: cfg.AutoMergeNameSimilarity,
	})
	mergeManager := merge.NewManager(db, entities, identifiers, links, fieldSources, mergeRecords, candidates, logger)
	processor := ingest.NewProcessor(db, resolverService, links, reviews, blocklists, survivorshipService, generator, logger)
	scanner := matching.NewScanner(matching.ScannerConfig{
		Interval:         time.Duration(cfg.MatchScanIntervalSeconds) * time.Second,
		DecisionBatch:    cfg.MatchBatchSize,
		AutoMergeEnabled: cfg.AutoMergeEnabled,
	}, generator, candidates, entities, blocklists, engine, mergeManager, logger)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()
	emitter := events.NewEmitter(producer, logger)

	var projector *graph.Projector
	var graphClient *graph.Client
	if cfg.GraphDBEnabled {
		graphClient, err = graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create graph client: %w", err)
		}
		defer graphClient.Close(ctx)
		projector = graph.NewProjector(graphClient, logger)
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaInputTopic,
		ConsumerGroup: cfg.KafkaConsumerGroup,
	}, logger, recordHandler(processor, entities, emitter, projector, logger))

	// Dependency injection for route handlers
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	registrations := []error{
		ectoinject.RegisterInstance[ectologger.Logger](container, logger),
		ectoinject.RegisterInstance[*entityrepo.Repository](container, entities),
		ectoinject.RegisterInstance[*identifierrepo.Repository](container, identifiers),
		ectoinject.RegisterInstance[*entitylinkrepo.Repository](container, links),
		ectoinject.RegisterInstance[*matchcandidaterepo.Repository](container, candidates),
		ectoinject.RegisterInstance[*mergerecordrepo.Repository](container, mergeRecords),
		ectoinject.RegisterInstance[*reviewqueuerepo.Repository](container, reviews),
		ectoinject.RegisterInstance[*blocklistrepo.Repository](container, blocklists),
		ectoinject.RegisterInstance[*sourcepriorityrepo.Repository](container, priorities),
		ectoinject.RegisterInstance[*orgcontactrepo.Repository](container, orgContacts),
		ectoinject.RegisterInstance[*survivorship.Service](container, survivorshipService),
		ectoinject.RegisterInstance[*merge.Manager](container, mergeManager),
		ectoinject.RegisterInstance[*ingest.Processor](container, processor),
		ectoinject.RegisterInstance[*matching.Scanner](container, scanner),
		ectoinject.RegisterInstance[*events.Emitter](container, emitter),
	}
	if projector != nil {
		registrations = append(registrations, ectoinject.RegisterInstance[*graph.Projector](container, projector))
	}
	for _, err := range registrations {
		if err != nil {
			return fmt.Errorf("failed to register dependency: %w", err)
		}
	}

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	checker := health.NewChecker(db, consumer, version)
	checker.RegisterRoutes(e)

	v1 := e.Group("/v1")
	recordroute.Register(v1.Group("/records"))
	entityroute.Register(v1.Group("/entities"))
	matchcandidateroute.Register(v1.Group("/match"))
	reviewqueueroute.Register(v1.Group("/review"))
	mergeroute.Register(v1.Group("/merges"))
	orgcontactroute.Register(v1.Group("/org-contacts"))
	blocklistroute.Register(v1.Group("/blocklist"))
	sourcepriorityroute.Register(v1.Group("/priorities"))

	// Startup ordering: database first, then the background consumers, then
	// the HTTP server
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&dependency{
		name: "database",
		start: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			return migrateDatabase(cfg, logger, sqlxDB)
		},
		stop: func(ctx context.Context) error {
			return sqlxDB.Close()
		},
	})
	if cfg.GraphDBEnabled {
		boot.AddDependency(&dependency{
			name: "graph",
			start: func(ctx context.Context) error {
				return graphClient.VerifyConnectivity(ctx)
			},
			stop: func(ctx context.Context) error { return nil },
		})
	}
	if cfg.KafkaConsumerEnabled {
		boot.AddDependency(&dependency{
			name:      "kafka-consumer",
			dependsOn: []string{"database"},
			start:     consumer.Start,
			stop: func(ctx context.Context) error {
				return consumer.Stop()
			},
		})
	}
	if cfg.MatchScanEnabled {
		boot.AddDependency(&dependency{
			name:      "match-scanner",
			dependsOn: []string{"database"},
			start: func(ctx context.Context) error {
				scanner.Start(ctx)
				return nil
			},
			stop: scanner.Stop,
		})
	}
	boot.AddDependency(&dependency{
		name:      "http-server",
		dependsOn: []string{"database"},
		start: func(ctx context.Context) error {
			go func() {
				if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("HTTP server stopped")
				}
			}()
			checker.SetReady(true)
			return nil
		},
		stop: func(ctx context.Context) error {
			checker.SetReady(false)
			return e.Shutdown(ctx)
		},
	})

	if err := boot.Start(ctx); err != nil {
		return err
	}
	logger.WithField("port", cfg.Port).Infof("%s started on port %d", cfg.AppName, cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return boot.Stop(stopCtx)
}

// recordHandler wires the ingest pipeline to the consumer and fans successful
// outcomes out to the event stream and graph projection
func recordHandler(processor *ingest.Processor, entities *entityrepo.Repository, emitter *events.Emitter, projector *graph.Projector, logger ectologger.Logger) kafka.RecordHandler {
	return func(ctx context.Context, record *models.StagedRecord) error {
		outcome, err := processor.Process(ctx, record, nil)
		if err != nil {
			return err
		}

		type resolved struct {
			result *resolver.Result
			kind   models.EntityKind
		}
		results := []resolved{}
		if outcome.Person != nil {
			results = append(results, resolved{outcome.Person, models.EntityKindPerson})
		}
		if outcome.Place != nil {
			results = append(results, resolved{&outcome.Place.Result, models.EntityKindPlace})
		}
		if outcome.Cat != nil {
			results = append(results, resolved{outcome.Cat, models.EntityKindCat})
		}

		for _, r := range results {
			if r.result.EntityID == "" {
				continue
			}
			entity, err := entities.Get(ctx, r.result.EntityID)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("Failed to load resolved entity for event emission")
				continue
			}
			switch r.result.Outcome {
			case resolver.OutcomeCreated:
				_ = emitter.EmitEntityCreated(ctx, entity)
			case resolver.OutcomeMatched:
				_ = emitter.EmitEntityMatched(ctx, entity.ID, entity.Kind)
			}
			if projector != nil {
				if err := projector.ProjectEntity(ctx, entity); err != nil {
					logger.WithContext(ctx).WithError(err).Warn("Graph projection failed")
				}
			}
		}

		return nil
	}
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	if cfg.PrettyLogs {
		zapLogger, _ = zap.NewDevelopment()
	} else {
		zapLogger, _ = zap.NewProduction()
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func setupTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: true,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(cfg.AppName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return provider.Shutdown, nil
}

func migrateDatabase(cfg config.Config, logger ectologger.Logger, sqlxDB *sqlx.DB) error {
	driver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	service := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return service.Migrate(cfg.DatabaseName, driver)
}

func databaseDSN(cfg config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)
}

// dependency adapts start/stop funcs to the startup graph
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string   { return d.name }
func (d *dependency) DependsOn() []string {
	return d.dependsOn
}
func (d *dependency) Start(ctx context.Context) error { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error  { return d.stop(ctx) }
