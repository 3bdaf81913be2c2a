// Command server runs escrowd, the offer negotiation and escrow engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print the build version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("escrowd %s (%s)\n", version, commit)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		// No config means no log settings yet.
		logging.New("", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", version)
	logger.Info("starting escrowd",
		"commit", commit,
		"env", cfg.Env,
		"payment_provider", cfg.PaymentProvider,
		"persistent", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("server setup failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
