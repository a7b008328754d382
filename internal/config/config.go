// Package config defines the relay's command-line configuration surface.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/neilcollins/piconga/internal/logging"
)

// Config holds the relay's runtime configuration, populated by Parse.
type Config struct {
	Listen          string
	Registry        string // "sqlite" or "postgres"
	RegistryDSN     string
	LogLevel        logiface.Level
	ShutdownTimeout time.Duration
}

// Parse builds a Config from args (typically os.Args[1:]).
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("picongad", flag.ContinueOnError)

	listen := fs.String("listen", ":8888", "address to accept conga participant connections on")
	registry := fs.String("registry", "sqlite", `registry backend: "sqlite" or "postgres"`)
	registryDSN := fs.String("registry-dsn", "piconga.db", "sqlite file path, or postgres:// DSN when -registry=postgres")
	logLevel := fs.String("log-level", "info", "log level: trace, debug, info, notice, warning, error, critical, alert, emergency")
	shutdownTimeout := fs.Duration("shutdown-timeout", 5*time.Second, "bounded drain window for in-flight connections on shutdown")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	switch *registry {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("config: unrecognized -registry %q", *registry)
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Listen:          *listen,
		Registry:        *registry,
		RegistryDSN:     *registryDSN,
		LogLevel:        level,
		ShutdownTimeout: *shutdownTimeout,
	}, nil
}
