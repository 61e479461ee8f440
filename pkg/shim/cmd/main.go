package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/castiron/crucible/pkg/shim"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := shim.Config{
		UpstreamURL: os.Getenv("CRUCIBLE_MODEL_SERVER_URL"),
	}
	if raw := os.Getenv("CRUCIBLE_SHIM_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			logger.Error("invalid CRUCIBLE_SHIM_PORT", "value", raw, "error", err)
			os.Exit(1)
		}
		cfg.Port = port
	}

	server, err := shim.NewServer(logger, cfg)
	if err != nil {
		logger.Error("shim init failed", "error", err)
		os.Exit(1)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	if err := server.Start(); err != nil {
		logger.Error("shim server failed", "error", err)
		os.Exit(1)
	}
}
