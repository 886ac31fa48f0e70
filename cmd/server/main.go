package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geekgifts/tracker/internal/api"
	"github.com/geekgifts/tracker/internal/automigrate"
	"github.com/geekgifts/tracker/internal/blob"
	"github.com/geekgifts/tracker/internal/config"
	"github.com/geekgifts/tracker/internal/logging"
	"github.com/geekgifts/tracker/internal/metrics"
	"github.com/geekgifts/tracker/internal/scheduler"
	"github.com/geekgifts/tracker/internal/store"
	"github.com/geekgifts/tracker/internal/tracker"
	"github.com/geekgifts/tracker/internal/ws"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := logging.Configure(log.StandardLogger(), logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "geekgifts-server",
	}); err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
}

// app holds the wired service graph.
type app struct {
	handler http.Handler
	hub     *ws.Hub
	sweeper *scheduler.DueSweeper
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("Shutdown cleanup failed")
		}
	}
}

func run(ctx context.Context, cfg config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go a.hub.Run(hubCtx)

	if a.sweeper != nil {
		go func() {
			if err := a.sweeper.Start(ctx); err != nil {
				log.WithError(err).Error("Due sweep stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"port":  cfg.Port,
			"store": cfg.StoreDriver,
			"blob":  cfg.Blob.Driver,
		}).Info("Geek Gifts tracker starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{}

	requests, closeStore, err := openRequestStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	blobs, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    cfg.Blob.S3Bucket,
			Region:    cfg.Blob.S3Region,
			Endpoint:  cfg.Blob.S3Endpoint,
			PathStyle: cfg.Blob.S3PathStyle,
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open attachment storage: %w", err)
	}

	a.hub = ws.NewHub()
	a.hub.OnClientCount = metrics.SetWebSocketClients

	svc := tracker.New(requests, blobs, tracker.Options{
		Events:     a.hub,
		Logger:     log.StandardLogger(),
		MaxRetries: cfg.UpdateMaxRetries,
	})

	if cfg.DueSweep.Enabled {
		a.sweeper = scheduler.NewDueSweeper(svc, a.hub, scheduler.DueSweepConfig{
			Schedule: cfg.DueSweep.Schedule,
			Timezone: cfg.DueSweep.Timezone,
		})
		a.sweeper.Logger = log.StandardLogger()
	}

	a.handler = api.NewRouter(api.RouterConfig{
		Service:        svc,
		Hub:            a.hub,
		Requests:       svc,
		Logger:         log.StandardLogger(),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	return a, nil
}

func openRequestStore(ctx context.Context, cfg config.Config) (tracker.Store, func() error, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("Using in-memory request store; data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := automigrate.Run(db, cfg.MigrationsDir); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		return store.NewPostgresStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
