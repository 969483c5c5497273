package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

// Exit codes: 0 clean, 1 failure to run, 3 mismatches found.
const exitMismatch = 3

func main() {
	dsn := flag.String("dsn", os.Getenv("WALLET_DATABASE_URL"), "postgres connection string")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "usage: go run ./cmd/reconcile --dsn <url>")
		os.Exit(2)
	}
	logger, err := logging.New(*level, "production")
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.OpenPostgres(ctx, *dsn)
	if err != nil {
		logger.Error("open database", zap.Error(err))
		os.Exit(1)
	}
	defer pg.Close()

	report, err := ledger.NewReconciler(pg, clock.RealClock{}, logger).Run(ctx)
	if err != nil {
		logger.Error("reconcile", zap.Error(err))
		os.Exit(1)
	}
	os.Exit(emit(os.Stdout, report))
}

// emit writes the report as JSON and returns the process exit code.
func emit(w io.Writer, report ledger.Report) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return 1
	}
	if !report.OK() {
		return exitMismatch
	}
	return 0
}
