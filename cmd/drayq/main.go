package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/drayq/drayq"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	worker, err := drayq.New(cfg.Options())
	if err != nil {
		log.Fatalf("failed to initialize worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	go func() {
		<-ctx.Done()
		// Unregisters the handler, so a second signal kills the
		// process immediately instead of waiting out the grace period.
		stop()
	}()

	if err := worker.Run(ctx); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}
