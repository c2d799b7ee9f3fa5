// Package main is the entrypoint for the odinfed-go identity server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/odinfed/odinfed-go/internal/cache/memory"
	"github.com/odinfed/odinfed-go/internal/config"
	"github.com/odinfed/odinfed-go/internal/connections"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/httpclient"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/notifications"
	"github.com/odinfed/odinfed-go/internal/peer"
	"github.com/odinfed/odinfed-go/internal/server"
	"github.com/odinfed/odinfed-go/internal/store"

	// Register store drivers
	_ "github.com/odinfed/odinfed-go/internal/store/sqlite"
)

const (
	queueTick      = 10 * time.Second
	recoverTick    = time.Minute
	shutdownWindow = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	tenant := flag.String("tenant", "", "Tenant domain name (overrides config)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	ssrfMode := flag.String("ssrf-mode", "", "SSRF protection mode: strict or off (overrides config)")
	flag.Parse()

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		FlagOverrides: config.FlagOverrides{
			Tenant:       tenant,
			ListenAddr:   listenAddr,
			DataDir:      dataDir,
			LoggingLevel: loggingLevel,
			SSRFMode:     ssrfMode,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "trace":
		level = slog.LevelDebug - 4 // slog has no trace, use debug-4
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	tenantID, err := identity.New(cfg.Tenant)
	if err != nil {
		logger.Error("invalid tenant", "error", err)
		os.Exit(1)
	}

	st, err := store.New(&store.DriverConfig{Driver: cfg.Store.Driver, DataDir: cfg.DataDir})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	if err := st.Init(context.Background()); err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	payloads, err := storage.NewPayloadStore(filepath.Join(cfg.DataDir, "payloads"))
	if err != nil {
		logger.Error("failed to create payload store", "error", err)
		os.Exit(1)
	}

	manager := storage.NewManager(st, logger)
	publisher := notifications.NewPublisher(logger)
	svc := storage.NewService(drives.FileSystemStandard, st, manager, payloads, publisher, logger)
	conns := connections.NewManager(st, logger)

	rawHTTPClient := httpclient.New(&cfg.OutboundHTTP)
	endpointCache := memory.New(5*time.Minute, time.Minute)
	client := peer.NewClient(rawHTTPClient, endpointCache, nil, logger)

	outboxSettings, err := peer.OutboxSettingsFrom(cfg.Outbox)
	if err != nil {
		logger.Error("invalid outbox settings", "error", err)
		os.Exit(1)
	}
	inboxSettings, err := peer.InboxSettingsFrom(cfg.Inbox)
	if err != nil {
		logger.Error("invalid inbox settings", "error", err)
		os.Exit(1)
	}
	outbox := peer.NewOutbox(tenantID, outboxSettings, st, payloads, conns, client, logger)
	inbox := peer.NewInbox(tenantID, inboxSettings, st, svc, conns, logger)

	srv, err := server.New(cfg, logger, &server.Deps{
		Tenant:  tenantID,
		Storage: svc,
		Manager: manager,
		Conns:   conns,
		Outbox:  outbox,
		Inbox:   inbox,
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runQueueWorker(ctx, logger, manager, outbox, inbox)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server started, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// runQueueWorker drives the transfer queues: a processing pass over every
// drive on each tick and a periodic sweep for reservations left behind by
// a crashed pass.
func runQueueWorker(ctx context.Context, logger *slog.Logger, manager *storage.Manager, outbox *peer.Outbox, inbox *peer.Inbox) {
	process := time.NewTicker(queueTick)
	defer process.Stop()
	sweep := time.NewTicker(recoverTick)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-process.C:
			all, err := manager.ListDrives(ctx)
			if err != nil {
				logger.Warn("listing drives for queue pass", "error", err)
				continue
			}
			for _, d := range all {
				if _, err := outbox.ProcessDrive(ctx, d.ID); err != nil {
					logger.Warn("outbox pass failed", "drive", d.ID, "error", err)
				}
				if _, err := inbox.ProcessDrive(ctx, d.ID); err != nil {
					logger.Warn("inbox pass failed", "drive", d.ID, "error", err)
				}
			}
		case <-sweep.C:
			if _, err := outbox.Recover(ctx); err != nil {
				logger.Warn("outbox recovery failed", "error", err)
			}
			if _, err := inbox.Recover(ctx); err != nil {
				logger.Warn("inbox recovery failed", "error", err)
			}
		}
	}
}
