// Command kernelci-api runs the KernelCI API core service: the Node Store,
// the Event Log + Transient Bus + Subscription Registry pub/sub stack, the
// State Machine Driver, and the HTTP surface binding them together (see
// SPEC_FULL.md's package layout).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kernelci/kernelci-api-core/internal/auth"
	"github.com/kernelci/kernelci-api-core/internal/bus"
	"github.com/kernelci/kernelci-api-core/internal/config"
	"github.com/kernelci/kernelci-api-core/internal/delivery"
	"github.com/kernelci/kernelci-api-core/internal/eventlog"
	"github.com/kernelci/kernelci-api-core/internal/httpapi"
	"github.com/kernelci/kernelci-api-core/internal/node"
	"github.com/kernelci/kernelci-api-core/internal/platform/logging"
	"github.com/kernelci/kernelci-api-core/internal/platform/retry"
	"github.com/kernelci/kernelci-api-core/internal/statemachine"
	"github.com/kernelci/kernelci-api-core/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retryCfg := retry.Config{Attempts: cfg.Store.RetryAttempts, BaseDelay: cfg.Store.RetryBaseDelay}

	eventStore, closeEventStore, err := buildEventLog(cfg, retryCfg, logger)
	if err != nil {
		return fmt.Errorf("building event log: %w", err)
	}
	defer closeEventStore()

	nodeStore, closeNodeStore, err := buildNodeStore(cfg, retryCfg)
	if err != nil {
		return fmt.Errorf("building node store: %w", err)
	}
	defer closeNodeStore()

	transit, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("building transient bus: %w", err)
	}
	if err := transit.Start(ctx); err != nil {
		return fmt.Errorf("starting transient bus: %w", err)
	}
	defer transit.Stop(context.Background()) //nolint:errcheck

	positions, err := buildPositionStore(cfg, retryCfg)
	if err != nil {
		return fmt.Errorf("building subscriber position store: %w", err)
	}

	registry := subscription.NewRegistry(positions, eventStore.MaxSequenceID)
	engine := delivery.NewEngine(eventStore, transit, registry, logger)

	schemas := node.NewSchemaRegistry()
	nodeService := node.NewService(nodeStore, schemas, eventStore, transit, logger)

	authenticator, err := auth.NewJWTAuthenticator(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Algorithm)
	if err != nil {
		return fmt.Errorf("building authenticator: %w", err)
	}

	driver := statemachine.New(nodeService, cfg.Driver.TickInterval(), time.Now, logger)
	if err := driver.Start(ctx); err != nil {
		return fmt.Errorf("starting state machine driver: %w", err)
	}
	defer driver.Stop()

	server := httpapi.New(nodeService, engine, registry, eventStore, transit, authenticator, cfg.Listen.WaitBudget(), logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildEventLog(cfg config.Config, retryCfg retry.Config, logger *zap.Logger) (eventlog.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		store, err := eventlog.NewSQLiteStore(cfg.Store.URL, cfg.Store.EventHistoryTTLDuration(), retryCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		store := eventlog.NewMemoryStore(cfg.Store.EventHistoryTTLDuration(), nil)
		return store, func() { store.Close() }, nil
	}
}

func buildNodeStore(cfg config.Config, retryCfg retry.Config) (node.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		store, err := node.NewSQLiteNodeStore(cfg.Store.URL, retryCfg, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		store := node.NewMemoryStore(nil, nil)
		return store, func() {}, nil
	}
}

func buildBus(cfg config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.BusDriverNATS:
		return bus.NewNATSBus(cfg.Bus.URL), nil
	default:
		return bus.NewMemoryBus(), nil
	}
}

func buildPositionStore(cfg config.Config, retryCfg retry.Config) (subscription.PositionStore, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		return subscription.NewSQLitePositionStore(cfg.Store.URL, retryCfg)
	default:
		return subscription.NewMemoryPositionStore(), nil
	}
}
