package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/config"
	"github.com/ryabkov82/rndc-batch-server/internal/httpapi"
	"github.com/ryabkov82/rndc-batch-server/internal/logger"
	"github.com/ryabkov82/rndc-batch-server/internal/rndc"
	"github.com/ryabkov82/rndc-batch-server/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	appLog := logger.NewZapAdapter(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appLog)
	if err != nil {
		appLog.WithError(err).Error("Failed to initialise server", nil)
		os.Exit(1)
	}

	if err := a.run(ctx); err != nil {
		appLog.WithError(err).Error("Server error", nil)
		os.Exit(1)
	}
	appLog.Info("Server stopped", nil)
}

// app wires the batch store, queue, registry client, processor and HTTP API.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	store     batch.Store
	queue     batch.Queue
	processor *batch.Processor
	server    *http.Server
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	queue, err := a.openQueue(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.queue = queue

	registry := rndc.NewClient(cfg.RNDC, log.WithFields(map[string]interface{}{"component": "rndc"}))
	tracker := batch.NewTracker(store, queue, log.WithFields(map[string]interface{}{"component": "tracker"}))
	a.processor = batch.NewProcessor(tracker, queue, registry, cfg.RNDC.Workers,
		log.WithFields(map[string]interface{}{"component": "processor"}))

	handler, err := httpapi.NewHandler(tracker, registry, cfg, log.WithFields(map[string]interface{}{"component": "http"}))
	if err != nil {
		a.close()
		return nil, err
	}
	a.server = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpapi.SetupRouter(handler, cfg.Server.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (batch.Store, error) {
	switch a.cfg.Storage.Driver {
	case "postgres":
		pg, err := batch.OpenPostgres(ctx, a.cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.log.Info("Using postgres batch store", nil)
		return pg, nil
	default:
		a.log.Info("Using in-memory batch store", nil)
		return batch.NewMemoryStore(), nil
	}
}

func (a *app) openQueue(ctx context.Context) (batch.Queue, error) {
	if a.cfg.Redis.Address == "" {
		q := batch.NewMemoryQueue(a.cfg.Server.QueueSize)
		a.closers = append(a.closers, q.Close)
		return q, nil
	}
	q, err := batch.NewRedisQueue(ctx, a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("open redis queue: %w", err)
	}
	a.closers = append(a.closers, q.Close)
	a.log.Info("Using redis batch queue", map[string]interface{}{"address": a.cfg.Redis.Address})
	return q, nil
}

// run serves HTTP and processes batches until ctx is done, then shuts down.
func (a *app) run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	if err := a.processor.Start(workerCtx); err != nil {
		a.close()
		return fmt.Errorf("start processor: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("Server starting", map[string]interface{}{
			"port":    a.cfg.Server.Port,
			"version": version.String(),
		})
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down...", nil)
	case err, ok := <-serveErr:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("Server shutdown error", nil)
	}

	// Records in flight stay in processing and are picked up on the next start.
	cancelWorkers()
	done := make(chan struct{})
	go func() {
		a.processor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.log.Warn("Workers did not stop before the shutdown deadline", nil)
	}

	a.close()
	return runErr
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("Close failed", nil)
		}
	}
	a.closers = nil
}
