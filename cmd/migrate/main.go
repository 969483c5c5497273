package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("WALLET_DATABASE_URL"), "postgres connection string")
	flag.Parse()

	args := flag.Args()
	if *dsn == "" || len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: go run ./cmd/migrate [--dsn <url>] <up|down|status|redo|version> [args]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.OpenPostgres(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := store.Migrate(ctx, pg.DB(), args[0], args[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
