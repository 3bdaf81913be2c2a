// Command migrate applies or inspects the escrowd schema.
//
//	migrate up               apply pending migrations
//	migrate down             roll back the latest migration
//	migrate status           list applied and pending migrations
//	migrate version          print the schema version
//	migrate redo             roll back and re-apply the latest migration
//	migrate up-to <N>        migrate up to version N
//	migrate down-to <N>      roll back to version N
//
// It reads DATABASE_URL, LOG_LEVEL and LOG_FORMAT like the server does.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/migrations"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate [-timeout 5m] <up|down|status|version|redo|up-to N|down-to N>")
	flag.PrintDefaults()
}

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "abort if the migration runs longer than this")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, dsn, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", flag.Arg(0))
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
