// migrate - apply or inspect the escrowsync PostgreSQL schema
//
//	migrate [-dir migrations] [-timeout 5m] up|down|status|version|redo|up-to N|down-to N
//
// The database comes from -database or DATABASE_URL.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowsync/internal/logging"
)

// gooseLogger routes goose output through slog.
type gooseLogger struct{ l *slog.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Info(fmt.Sprintf(format, v...))
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func main() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dir := fs.String("dir", "migrations", "directory holding the SQL migrations")
	dsn := fs.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	timeout := fs.Duration("timeout", 5*time.Minute, "give up after this long")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = fs.Parse(os.Args[1:])

	logger := logging.NewWriter(os.Stderr, *logLevel, "text")
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|status|version|redo|up-to N|down-to N")
		os.Exit(2)
	}
	if *dsn == "" {
		logger.Error("DATABASE_URL or -database is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	err := run(ctx, *dsn, *dir, fs.Arg(0), fs.Args()[1:], logger)
	cancel()
	stop()
	if err != nil {
		logger.Error("migration failed", "command", fs.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn, dir, command string, args []string, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	goose.SetLogger(gooseLogger{l: logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	start := time.Now()
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return err
	}
	logger.Debug("migration finished", "command", command, "elapsed", time.Since(start))
	return nil
}
