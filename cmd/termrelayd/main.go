package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/db"
	"github.com/g960059/termrelay/internal/lifecycle"
	"github.com/g960059/termrelay/internal/logging"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/registry"
)

func main() {
	configPath := flag.String("config", os.Getenv("TERMRELAY_CONFIG"), "config file (YAML)")
	socketDir := flag.String("socket-dir", "", "directory for registry and session sockets")
	dbPath := flag.String("db", "", "SQLite path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *socketDir != "" {
		cfg.SocketDir = *socketDir
	}
	if *dbPath != "" {
		cfg.RegistryDBPath = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New(os.Stderr, "termrelayd")
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(ctx, cfg.RegistryDBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	manager := newManager(cfg, store, logger)
	go manager.Run(ctx)

	srv := registry.NewServer(cfg, store, manager, registry.WithLogger(logger.With("component", "registry")))
	return srv.Start(ctx)
}

func newManager(cfg config.Config, store *db.Store, logger *log.Logger) *lifecycle.Manager {
	lcLogger := logger.With("component", "lifecycle")
	return lifecycle.NewManager(store, lifecycle.ManagerOptions{
		Interval:            cfg.ManagerInterval,
		IdleTimeout:         cfg.IdleTimeout,
		ArchiveAfter:        cfg.ArchiveAfter,
		HeartbeatStaleAfter: cfg.HeartbeatStaleAfter,
		Logger:              lcLogger,
		Observer: func(sessionID string, from, to model.SessionStatus) error {
			lcLogger.Debug("transition", "session", sessionID, "from", from, "to", to)
			return nil
		},
	})
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termrelayd: %v\n", err)
	os.Exit(1)
}
