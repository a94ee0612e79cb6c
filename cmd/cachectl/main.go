package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guarzo/cachesync/common"
	"github.com/guarzo/cachesync/modules/app"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (CACHESYNC_* env vars override it)")
	ttl := flag.Duration("ttl", -1, "TTL for set (0 = no expiry, negative = store default)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] stats\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] get <namespace> <key>\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] [-ttl <duration>] set <namespace> <key> <json>\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] clear [namespace]\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] sweep\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] fetch <url>\n")
		fmt.Fprintf(os.Stderr, "  cachectl [-config <file>] metrics\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger, err := common.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Sugar().Errorw("startup failed", "error", err)
		os.Exit(1)
	}

	h := Handler{app: a, out: os.Stdout, err: os.Stderr, ttl: *ttl}
	code := h.Run(ctx, flag.Args())
	if err := a.Close(); err != nil {
		logger.Sugar().Warnw("shutdown", "error", err)
	}
	os.Exit(code)
}
