package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stackalign/internal/cli"
	"stackalign/internal/config"
	"stackalign/internal/logging"
	"stackalign/internal/pipeline"
	"stackalign/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stackalign:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	dbPath, err := config.ExpandPath(cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.New(dbPath)
	if err != nil {
		log.Warn("job history disabled", "database", dbPath, "error", err)
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
