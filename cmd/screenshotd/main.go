// Package main wires together the screenshot service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/api"
	"github.com/crstnmac/browser-pool-sub001/internal/browser"
	"github.com/crstnmac/browser-pool-sub001/internal/clock/system"
	"github.com/crstnmac/browser-pool-sub001/internal/config"
	"github.com/crstnmac/browser-pool-sub001/internal/email"
	"github.com/crstnmac/browser-pool-sub001/internal/handlers"
	"github.com/crstnmac/browser-pool-sub001/internal/id/uuid"
	"github.com/crstnmac/browser-pool-sub001/internal/jobs"
	"github.com/crstnmac/browser-pool-sub001/internal/logging"
	"github.com/crstnmac/browser-pool-sub001/internal/metrics"
	pubsubpublisher "github.com/crstnmac/browser-pool-sub001/internal/publisher/pubsub"
	"github.com/crstnmac/browser-pool-sub001/internal/quota"
	"github.com/crstnmac/browser-pool-sub001/internal/safeurl"
	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
	"github.com/crstnmac/browser-pool-sub001/internal/storage/gcs"
	"github.com/crstnmac/browser-pool-sub001/internal/storage/local"
	"github.com/crstnmac/browser-pool-sub001/internal/storage/memory"
	"github.com/crstnmac/browser-pool-sub001/internal/storage/postgres"
	"github.com/crstnmac/browser-pool-sub001/internal/webhooks"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	clock := system.New()
	idGen := uuid.New()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var (
		accounts screenshot.AccountStore
		subs     screenshot.SubscriptionStore
		subRead  handlers.SubscriptionLookup
		audit    screenshot.AuditSink
	)
	if cfg.DB.DSN != "" {
		pgPool, err := postgres.Connect(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: int32(cfg.DB.MaxConns)})
		if err != nil {
			logger.Fatal("connect to postgres failed", zap.Error(err))
		}
		defer pgPool.Close()
		accounts = postgres.NewAccountStore(pgPool)
		subStore := postgres.NewSubscriptionStore(pgPool)
		subs = subStore
		subRead = subStore
		audit = postgres.NewAuditStore(pgPool)
	} else {
		logger.Warn("no database configured, using in-memory stores")
		store := memory.NewStore()
		accounts = store
		subs = store
		subRead = store
		audit = store
	}

	blobs, cleanupBlobs, err := buildBlobStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("init blob store failed", zap.Error(err))
	}
	defer cleanupBlobs()

	// Job dispatch degrades to the disabled variant when the broker is
	// unreachable; the process still serves synchronous captures.
	var (
		manager      *jobs.Manager
		brokerForAPI jobs.Broker
		closeBroker  = func() {}
	)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	broker := jobs.NewRedisBroker(rdb)
	pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
	err = broker.Ping(pingCtx)
	cancelPing()
	if err != nil {
		logger.Warn("job broker unreachable, dispatch disabled",
			zap.String("addr", cfg.Broker.Addr), zap.Error(err))
		_ = broker.Close()
		manager = jobs.NewDisabledManager(logger.Named("jobs"))
	} else {
		manager = jobs.NewManager(broker, clock, idGen, logger.Named("jobs"))
		brokerForAPI = broker
		closeBroker = func() {
			if err := broker.Close(); err != nil {
				logger.Warn("close broker failed", zap.Error(err))
			}
		}
	}

	backend, err := browser.NewChromeBackend(browser.ChromeConfig{
		UserAgent:      cfg.Browser.UserAgent,
		CaptureTimeout: cfg.Browser.CaptureTimeout(),
		DefaultWidth:   cfg.Browser.DefaultWidth,
		DefaultHeight:  cfg.Browser.DefaultHeight,
		Quality:        cfg.Browser.Quality,
	})
	if err != nil {
		logger.Fatal("start browser backend failed", zap.Error(err))
	}
	pool, err := browser.NewPool(ctx, backend, browser.Config{
		Capacity:       cfg.Browser.PoolSize,
		AcquireTimeout: cfg.Browser.AcquireTimeout(),
		ResetTimeout:   cfg.Browser.ResetTimeout(),
	}, logger.Named("pool"))
	if err != nil {
		logger.Fatal("build browser pool failed", zap.Error(err))
	}

	var publisher screenshot.Publisher
	var closePublisher = func() {}
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Warn("pubsub client init failed, event mirror disabled", zap.Error(err))
		} else {
			publisher = pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
			closePublisher = func() {
				if err := client.Close(); err != nil {
					logger.Warn("close pubsub client failed", zap.Error(err))
				}
			}
		}
	}
	defer closePublisher()

	validator := safeurl.New(logger.Named("safeurl"))
	enforcer := quota.New(accounts, audit, clock, logger.Named("quota"))
	deliverer := webhooks.NewDeliverer(nil, clock)
	engine := webhooks.NewEngine(subs, deliverer, handlers.WebhookEnqueuer{Manager: manager, Clock: clock}, clock, logger.Named("webhooks"))
	enforcer.SetNotifier(engine)

	capturer := handlers.NewCapturer(handlers.CapturerDeps{
		Validator: validator,
		Pool:      pool,
		Blobs:     blobs,
		Prefix:    cfg.Storage.Prefix,
		Accounts:  accounts,
		Enforcer:  enforcer,
		Engine:    engine,
		Publisher: publisher,
		Topic:     cfg.PubSub.TopicName,
		Clock:     clock,
		IDGen:     idGen,
		Logger:    logger.Named("capture"),
	})

	sender := email.NewSMTPSender(email.SMTPConfig{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
	})

	registerQueue(manager, cfg, jobs.QueueEmail, handlers.EmailJobHandler(sender))
	registerQueue(manager, cfg, jobs.QueueWebhook, handlers.WebhookJobHandler(subRead, engine))
	registerQueue(manager, cfg, jobs.QueueScreenshot, handlers.ScreenshotHandler(capturer))

	tracker := api.NewJobTracker()
	go jobs.LogEvents(manager.Events(), logger.Named("jobs"), func(evt jobs.JobEvent) {
		tracker.Observe(evt)
		metrics.ObserveJob(string(evt.Queue), string(evt.Status))
	})

	managerDone := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(managerDone)
	}()

	apiServer := api.NewServer(api.Deps{
		Accounts:  accounts,
		Validator: validator,
		Enforcer:  enforcer,
		Capturer:  capturer,
		Manager:   manager,
		Broker:    brokerForAPI,
		Tracker:   tracker,
		Logger:    logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// Workers drain before the pool and broker go away underneath them.
	select {
	case <-managerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker drain timed out")
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("close browser pool failed", zap.Error(err))
	}
	closeBroker()
	logger.Info("shutdown complete")
}

// registerQueue binds one queue's handler with its configured policy.
func registerQueue(manager *jobs.Manager, cfg config.Config, queue jobs.QueueName, handler jobs.Handler) {
	qc := cfg.Queues[string(queue)]
	manager.Register(queue, jobs.QueueConfig{
		Concurrency: qc.Concurrency,
		MaxAttempts: qc.MaxAttempts,
		Backoff:     backoffFor(qc),
	}, handler)
}

func backoffFor(qc config.QueueConfig) jobs.Backoff {
	if qc.BackoffKind == "fixed" {
		return jobs.Fixed(qc.BackoffDelay())
	}
	return jobs.Exponential(qc.BackoffDelay())
}

// buildBlobStore selects the artifact backend from config. The returned
// cleanup closes any underlying client.
func buildBlobStore(ctx context.Context, cfg config.StorageConfig) (screenshot.BlobStore, func(), error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "memory":
		return memory.NewBlobStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
