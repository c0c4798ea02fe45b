package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/tvsync/internal/kv"
	"github.com/agentworkforce/tvsync/internal/logging"
	"github.com/agentworkforce/tvsync/internal/tvapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Stderr, nil); err != nil {
		log.Fatalf("tvserver failed: %v", err)
	}
}

// run serves until ctx ends. ready, when set, receives the bound address.
func run(ctx context.Context, stderr io.Writer, ready chan<- string) error {
	logger, err := logging.New(stderr, envOrDefault("TVSERVER_LOG_LEVEL", "info"), envOrDefault("TVSERVER_LOG_FORMAT", "text"))
	if err != nil {
		return err
	}
	handler, closeStore, err := buildServerFromEnv(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn(ctx, "closing state store", "err", err)
		}
	}()

	secret := envOrDefault("TVSERVER_JWT_SECRET", "dev-secret")
	if user := strings.TrimSpace(os.Getenv("TVSERVER_DEV_USER")); user != "" {
		token, err := tvapi.IssueToken(secret, user, durationEnv("TVSERVER_DEV_TOKEN_TTL", 24*time.Hour), time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "dev token for %s: %s\n", user, token)
	}

	listener, err := net.Listen("tcp", envOrDefault("TVSERVER_ADDR", ":8000"))
	if err != nil {
		return err
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	logger.Info(ctx, "tvserver listening", "addr", listener.Addr().String())
	if ready != nil {
		ready <- listener.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info(ctx, "tvserver stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), durationEnv("TVSERVER_SHUTDOWN_TIMEOUT", 5*time.Second))
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildServerFromEnv builds the API handler. With TVSERVER_STATE_DSN set the
// record store is loaded from and persisted to that backend.
func buildServerFromEnv(ctx context.Context, logger logging.Logger) (*tvapi.Server, func() error, error) {
	closeStore := func() error { return nil }
	store := tvapi.NewStore()
	if dsn := strings.TrimSpace(os.Getenv("TVSERVER_STATE_DSN")); dsn != "" {
		backend, err := kv.BuildBackendFromDSN(dsn)
		if err != nil {
			return nil, nil, err
		}
		store, err = tvapi.NewStoreWithBackend(ctx, backend)
		if err != nil {
			_ = backend.Close()
			return nil, nil, err
		}
		closeStore = backend.Close
	}
	server := tvapi.NewServerWithConfig(store, tvapi.ServerConfig{
		JWTSecret:       envOrDefault("TVSERVER_JWT_SECRET", "dev-secret"),
		RateLimitMax:    intEnv("TVSERVER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("TVSERVER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("TVSERVER_MAX_BODY_BYTES", 0),
		OriginPatterns:  listEnv("TVSERVER_ORIGIN_PATTERNS"),
		Logger:          logger,
	})
	return server, closeStore, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
