package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/buildinfo"
	"github.com/dmitrijs2005/attachkit/internal/client/cli"
	"github.com/dmitrijs2005/attachkit/internal/client/config"
	"github.com/dmitrijs2005/attachkit/internal/flagx"
	"github.com/dmitrijs2005/attachkit/internal/logging"
	"github.com/dmitrijs2005/attachkit/internal/tracing"
)

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "version" {
		buildinfo.PrintBuildData(os.Stdout)
		return 0
	}

	cfg, err := config.Load(args)
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(ctx, "attachctl", buildinfo.Version, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn(ctx, "tracing disabled", logging.KeyError, err)
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	app, err := cli.NewApp(ctx, cfg, logger, os.Stdout)
	if err != nil {
		logger.Error(ctx, "startup failed", logging.KeyError, err)
		return 1
	}
	defer app.Close()

	if cfg.MetricsAddr != "" {
		if err := app.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			logger.Error(ctx, "metrics", logging.KeyError, err)
			return 1
		}
	}

	if err := app.Run(ctx, flagx.StripArgs(args, config.Flags)); err != nil {
		if errors.Is(err, cli.ErrUsage) {
			return 2
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
