// Command picongad runs the conga relay: it accepts participant
// connections, routes MSG frames around each conga's ring, and resolves
// membership against a pluggable registry backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/neilcollins/piconga/internal/conga"
	"github.com/neilcollins/piconga/internal/config"
	"github.com/neilcollins/piconga/internal/logging"
	"github.com/neilcollins/piconga/internal/relay"
	"github.com/neilcollins/piconga/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel)

	var reg store.Registry
	switch cfg.Registry {
	case "postgres":
		reg, err = store.OpenPostgres(cfg.RegistryDSN)
	default:
		reg, err = store.OpenSQLite(cfg.RegistryDSN)
	}
	if err != nil {
		return fmt.Errorf("picongad: open registry: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &relay.Acceptor{
		Hub:             conga.NewHub(),
		Registry:        reg,
		Logger:          logger,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}

	logger.Notice().Str("listen", cfg.Listen).Str("registry", cfg.Registry).Log("picongad: starting")
	if err := a.Serve(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("picongad: serve: %w", err)
	}
	logger.Notice().Log("picongad: shut down cleanly")
	return nil
}
