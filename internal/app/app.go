// Package app builds the service graph shared by the API, the worker and
// etlctl from one loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/cache"
	"github.com/cuongbtq/ingest-engine/internal/config"
	"github.com/cuongbtq/ingest-engine/internal/dataset"
	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/fetcher"
	"github.com/cuongbtq/ingest-engine/internal/importer"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
	"github.com/cuongbtq/ingest-engine/internal/runner"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/shared/logger"
	"github.com/cuongbtq/ingest-engine/shared/objectstore"
	"github.com/cuongbtq/ingest-engine/shared/postgresql"
	"github.com/cuongbtq/ingest-engine/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/ingest-engine/shared/redis"
)

// Services holds every long-lived dependency of a process
type Services struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *postgresql.Client
	Storage  *storage.Storage
	Ledger   *ledger.Ledger
	Runner   *runner.Runner
	Jobs     *importer.Jobs
	SteamSpy *fetcher.SteamSpyClient
	Opener   *dataset.Opener
	Cache    cache.Cache
	// Objects is nil unless object_store is enabled
	Objects *objectstore.Client

	closers []func() error
}

// InitLogger builds the process logger from the logging section
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// New connects to PostgreSQL and the optional Redis and object store, then
// wires the ledger, the runner and the job registry
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Services, error) {
	s := &Services{Config: cfg, Logger: log}

	db, err := postgresql.NewClient(&postgresql.Config{
		URL:             cfg.Database.URL,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.DB = db
	s.closers = append(s.closers, db.Close)

	s.Cache = cache.NewMemory()
	if cfg.Redis.Enabled {
		rdb, err := sharedredis.NewClient(ctx, &sharedredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		s.Cache = cache.NewRedis(rdb, cfg.Redis.KeyPrefix)
		s.closers = append(s.closers, rdb.Close)
	}

	s.Opener = dataset.NewOpener(nil)
	if cfg.ObjectStore.Enabled {
		objects, err := objectstore.NewClient(&objectstore.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			UseSSL:    cfg.ObjectStore.UseSSL,
			Region:    cfg.ObjectStore.Region,
		}, log)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize object store: %w", err)
		}
		s.Objects = objects
		s.Opener = dataset.NewOpener(objects)
	}

	s.Storage = storage.NewStorage(db.GetDB(), log)
	s.Ledger = ledger.New(s.Storage.Jobs, log)
	s.Runner = runner.New(s.Ledger, log,
		runner.WithName(processName()),
		runner.WithClaimTTL(cfg.Worker.ClaimTTL),
	)
	s.SteamSpy = fetcher.NewSteamSpyClient(fetcher.SteamSpyConfig{
		BaseURL: cfg.SteamSpy.BaseURL,
		Timeout: cfg.SteamSpy.RequestTimeout,
	}, log)

	items := fetcher.NewItemFetcher(s.SteamSpy, cfg.SteamSpy.ItemInterval, log,
		fetcher.WithCache(s.Cache, cfg.Redis.TTL))

	s.Jobs = importer.NewJobs()
	s.Jobs.Register(domain.JobTypePlayerStats,
		importer.NewPlayerStatsJob(s.Storage.Games, items, storage.NewPlayerStatsWriter(db.GetDB())))
	s.Jobs.Register(domain.JobTypeReleaseDates,
		importer.NewReleaseDatesJob(s.Opener, s.Storage.Games))

	return s, nil
}

// processName identifies this process in job claims
func processName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// CatalogImport returns the paged SteamSpy catalog import
func (s *Services) CatalogImport() *importer.BulkImport[storage.Game] {
	return importer.NewCatalogImport(
		s.Storage.Games,
		storage.NewGameWriter(s.DB.GetDB()),
		s.pages(),
		s.Storage.Checkpoints,
		s.Config.Import.WindowSize,
		s.Logger,
	)
}

// PlayerStatsImport returns the paged SteamSpy player stats import
func (s *Services) PlayerStatsImport() *importer.BulkImport[storage.PlayerStats] {
	return importer.NewPlayerStatsImport(
		s.Storage.Games,
		storage.NewPlayerStatsWriter(s.DB.GetDB()),
		s.pages(),
		s.Storage.Checkpoints,
		s.Config.Import.WindowSize,
		s.Logger,
	)
}

// AssociationImport returns the genre or tag pair import
func (s *Services) AssociationImport(kind storage.AssociationKind) (*importer.AssociationImport, error) {
	writer, err := storage.NewAssociationWriter(s.DB.GetDB(), kind)
	if err != nil {
		return nil, err
	}
	return importer.NewAssociationImport(
		kind,
		s.Opener,
		s.Storage.Games,
		writer,
		s.Storage.Checkpoints,
		s.Config.Import.AssociationWindowSize,
		s.Logger,
	), nil
}

func (s *Services) pages() *fetcher.BulkFetcher {
	return fetcher.NewBulkFetcher(s.SteamSpy, s.Config.SteamSpy.PageInterval, s.Logger)
}

// Close releases connections in reverse order of creation
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// InitRabbitMQ connects to the job queue
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, log)
}
