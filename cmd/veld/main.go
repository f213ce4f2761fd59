package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/veld-ldap/veld/internal/logger"
	"github.com/veld-ldap/veld/internal/server"
	"github.com/veld-ldap/veld/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	if err := configureLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to open log output: %v", err)
	}

	logger.Info("veld directory server starting")
	logger.Info("storage backend: %s", cfg.Storage.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := config.CreateStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Cleanup(); err != nil {
			logger.Error("storage cleanup: %v", err)
		}
	}()

	srv := server.New(server.Config{
		Listen:            cfg.Server.Listen,
		MaxConnections:    cfg.Server.MaxConnections,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		RequestBurst:      cfg.Server.RequestBurst,
		WriteTarget:       cfg.Server.WriteTarget,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, store)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received %v, shutting down", sig)
		cancel()
		if err := <-serveErr; err != nil {
			logger.Error("server shutdown: %v", err)
		}
	case err := <-serveErr:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}

	logger.Info("veld stopped")
}

// configureLogOutput points the logger at the configured destination.
func configureLogOutput(output string) error {
	switch output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		logger.SetOutput(f)
	}
	return nil
}
