package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"imageBatch/worker/backend"
	"imageBatch/worker/cache"
	"imageBatch/worker/concurrency"
	"imageBatch/worker/config"
	"imageBatch/worker/converter"
	"imageBatch/worker/kafka"
	"imageBatch/worker/metrics"
	"imageBatch/worker/pool"
	"imageBatch/worker/repository"
	"imageBatch/worker/scheduler"
	"imageBatch/worker/service"
	"imageBatch/worker/storage"
)

// App owns every long lived component of the batch worker.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Repo       repository.Repository
	Store      storage.Store
	Pool       *pool.WorkerPool
	Controller *concurrency.Controller
	Scheduler  *scheduler.Scheduler
	Service    *service.BatchService
	Registry   *prometheus.Registry

	events kafka.Publisher
	redis  *redis.Client
}

func NewLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func OpenRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	var (
		repo repository.Repository
		err  error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		repo, err = repository.ConnectPostgres(ctx, cfg.DatabaseURL)
	default:
		repo, err = repository.OpenSQLite(ctx, cfg.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DatabaseDriver, err)
	}
	if err := repo.Migrate(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *App, err error) {
	a = &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	if a.Repo, err = OpenRepository(ctx, cfg); err != nil {
		return nil, err
	}
	logger.Info("Connected to queue store", zap.String("driver", cfg.DatabaseDriver))

	switch cfg.StorageBackend {
	case "s3":
		a.Store, err = storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Secure:    cfg.S3Secure,
		})
	default:
		a.Store, err = storage.NewLocalStore(cfg.StorageDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var progress service.ProgressCache
	if cfg.RedisAddr != "" {
		if a.redis, err = cache.Connect(ctx, cfg.RedisAddr); err != nil {
			return nil, err
		}
		progress = cache.NewProgressCache(a.redis)
		logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	a.events = kafka.NopPublisher()
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		if a.events, err = kafka.NewProducer(brokers, cfg.KafkaTopic); err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		logger.Info("Publishing batch events", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	}

	if cfg.AIBaseURL == "" {
		logger.Warn("AI_API_BASE_URL is not set, every task will fail")
	}
	gen := backend.NewChatClient(backend.ChatConfig{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Timeout: cfg.AITimeout.Duration,
	}, logger.Named("backend"))

	format, err := converter.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	conv := converter.NewConverter(logger.Named("converter"), cfg.MaxImageDimension, format)

	a.Pool = pool.NewWorkerPool(cfg.Concurrency)
	a.Controller = concurrency.NewController(a.Repo, a.Pool, logger.Named("concurrency"))
	if _, err = a.Controller.Load(ctx, cfg.Concurrency); err != nil {
		return nil, err
	}

	processor := service.NewProcessor(a.Repo, gen, a.Store, conv, a.events, progress, m, logger.Named("processor"),
		service.ProcessorConfig{MaxRetries: cfg.MaxRetries, CallTimeout: cfg.AITimeout.Duration})

	a.Scheduler = scheduler.New(a.Repo, a.Pool, processor, progress, m, logger.Named("scheduler"), scheduler.Options{
		PollInterval:  cfg.PollInterval.Duration,
		DispatchDelay: cfg.DispatchDelay.Duration,
		ErrorBackoff:  cfg.ErrorBackoff.Duration,
	})

	a.Service = service.NewBatchService(a.Repo, a.Store, a.Scheduler, a.Controller, progress, a.events,
		logger.Named("batch"), service.BatchConfig{DefaultModel: cfg.DefaultModel, MaxImages: cfg.MaxBatchImages})

	return a, nil
}

// Run recovers stale work, then drives the scheduler until ctx is cancelled.
// Besides explicit Start calls the scheduler is woken by submit events from
// other processes and by a periodic rescan, which also picks up a ceiling
// changed through another process.
func (a *App) Run(ctx context.Context) error {
	if a.Config.RecoverStaleTasks {
		if _, err := a.Service.RecoverStaleTasks(ctx, a.Config.StaleTaskAge.Duration); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Scheduler.Run(ctx)
	}()

	if brokers := a.Config.Brokers(); len(brokers) > 0 {
		consumer, err := kafka.NewConsumer(brokers, a.Config.KafkaGroupID, a.Logger.Named("events"))
		if err != nil {
			a.Logger.Warn("Kafka consumer unavailable, relying on rescans", zap.Error(err))
		} else {
			defer consumer.Close()
			go func() {
				errCh <- consumer.Consume(ctx, a.Config.KafkaTopic, a.onEvent)
			}()
		}
	}

	if a.Config.MetricsAddr != "" {
		srv := &http.Server{
			Addr:    a.Config.MetricsAddr,
			Handler: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			a.Logger.Info("Serving metrics", zap.String("addr", a.Config.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
		}()
	}

	a.Scheduler.Start()

	ticker := time.NewTicker(a.Config.IdleRescan.Duration)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if _, err := a.Controller.Refresh(ctx); err != nil {
				a.Logger.Warn("Concurrency refresh failed", zap.Error(err))
			}
			a.Scheduler.Start()
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				runErr = err
				break loop
			}
		}
	}

	cancel()
	a.Logger.Info("Waiting for running tasks", zap.Int("active", a.Pool.Active()))
	<-done
	return runErr
}

func (a *App) onEvent(_ context.Context, event *kafka.Event) error {
	if event.Type.Wakes() {
		a.Scheduler.Start()
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	return errors.Join(errs...)
}
