package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/quatton/qagent/apps/worker/config"
	"github.com/quatton/qagent/apps/worker/routes"
	"github.com/quatton/qagent/apps/worker/services/agent"
	"github.com/quatton/qagent/apps/worker/services/auth"
	runssvc "github.com/quatton/qagent/apps/worker/services/runs"
	"github.com/quatton/qagent/pkg/db"
	"github.com/quatton/qagent/pkg/kv"
	"github.com/quatton/qagent/pkg/qart"
	"github.com/quatton/qagent/pkg/qbill"
	"github.com/quatton/qagent/pkg/qlog"
	"github.com/quatton/qagent/pkg/qrun"
	"github.com/quatton/qagent/pkg/qworker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.ValidateEnv()
	if err != nil {
		log.Fatalf("❌ %v\n", err)
	}

	cfg.Print(log.Printf)

	logger := qlog.NewDefault()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
		logger.Info("generated instance id", "instance_id", instanceID)
	}

	cache, err := newCache(cfg)
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}
	defer cache.Close()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer database.Close()

	runStore := db.NewRunStore(database)
	usageStore := db.NewUsageStore(database)
	finalizer := qbill.New(qbill.DefaultPricing(), usageStore, logger)

	var opts []qrun.CoordinatorOption
	var archive *qart.Archive
	if cfg.S3Endpoint != "" {
		s3, err := qart.NewS3Store(qart.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("failed to initialize transcript archive: %v", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			log.Fatalf("failed to ensure transcript bucket: %v", err)
		}
		archive = qart.NewArchive(s3)
		opts = append(opts, qrun.WithArchiver(archive))
	}

	coordinator := qrun.NewCoordinator(
		cache,
		agent.NewEchoProducer(),
		runStore,
		finalizer,
		logger,
		qrun.Config{
			InstanceID:   instanceID,
			LockTTL:      time.Duration(cfg.LockTTLSeconds) * time.Second,
			Retention:    time.Duration(cfg.RetentionHours) * time.Hour,
			ShutdownWait: time.Duration(cfg.ShutdownWaitSecs) * time.Second,
		},
		opts...,
	)

	dispatcher := qworker.NewDispatcher(cache, coordinator, cfg.Concurrency, logger)
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- dispatcher.Run(ctx) }()

	authSvc := auth.NewService(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTL)*time.Second)
	var runOpts []runssvc.Option
	if archive != nil {
		runOpts = append(runOpts, runssvc.WithArchive(archive))
	}
	runsSvc := runssvc.NewService(cache, runStore, logger, runOpts...)

	router := chi.NewMux()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	humaCfg := huma.DefaultConfig("qagent Worker", "1.0.0")
	humaCfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "HMAC-signed application token",
		},
	}

	api := humachi.New(router, humaCfg)
	api.UseMiddleware(authSvc.Middleware())
	routes.RegisterRoutes(api, runsSvc)

	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("🚀 Worker %s starting on %s\n", instanceID, addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("⏳ Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	// Wait for in-flight runs to drain.
	if err := <-dispatcherDone; err != nil {
		log.Printf("dispatcher drain: %v", err)
	}
	log.Println("👋 Worker stopped")
}

func newCache(cfg *config.EnvConfig) (kv.Store, error) {
	switch cfg.CacheBackend {
	case "memory":
		return kv.NewMemoryStore(), nil
	default:
		return kv.NewValkeyStore(kv.ValkeyConfig{
			Addr:     cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
		})
	}
}
