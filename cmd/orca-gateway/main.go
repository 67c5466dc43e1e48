package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidahmann/orca/internal/api"
	"github.com/davidahmann/orca/internal/app"
	"github.com/davidahmann/orca/internal/auth"
	"github.com/davidahmann/orca/internal/config"
	"github.com/davidahmann/orca/internal/logging"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

const shutdownTimeout = 10 * time.Second

// newServer builds the application and its HTTP server and starts the outbox
// relay when one is configured. The returned closer stops the relay and
// releases the ledger and publisher.
func newServer(cfg config.Config, logger *slog.Logger) (*http.Server, func() error, error) {
	a, err := app.Build(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closeApp := a.Close
	if a.Relay != nil {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.Relay.Run(ctx, cfg.Kafka.OutboxInterval)
		}()
		closeApp = func() error {
			cancel()
			<-done
			return a.Close()
		}
	}
	h := &api.Handler{
		Pipeline:  a.Pipeline,
		Validator: a.Validator,
		Store:     a.Store,
		Auth:      auth.StaticToken{Token: cfg.APIToken},
		Logger:    logger,
	}
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}, closeApp, nil
}

type envFn func(string) string
type listenFn func(*http.Server) error
type serverFactory func(cfg config.Config, logger *slog.Logger) (*http.Server, func() error, error)

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("orca-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to orca config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(firstNonEmpty(*configPath, getenv("ORCA_CONFIG_PATH")))
	if err != nil {
		return err
	}
	logger, err := logging.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	server, closeApp, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeApp == nil {
			return
		}
		if err := closeApp(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	logger.Info("orca-gateway listening", "addr", server.Addr)
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listenAndServe serves until SIGINT or SIGTERM, then drains in-flight
// requests.
func listenAndServe(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
