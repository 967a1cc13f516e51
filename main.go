package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/filevault/filevault/server"
)

func main() {
	// Parse command line flags
	configPath := pflag.StringP("config", "c", "", "Path to a YAML configuration file, or ssm:/parameter/path")
	shutdownTimeout := pflag.Duration("shutdown-timeout", 15*time.Second, "Grace period for in-flight requests on shutdown")
	pflag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := server.NewLogger(config.Log.Level, config.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, config, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("starting filevault")
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown incomplete")
		os.Exit(1)
	}
}
