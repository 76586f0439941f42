package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"memhttpd/internal/memhttpd"
)

func main() {
	var (
		configPath string
		port       int
		root       string
	)
	flag.StringVar(&configPath, "config", os.Getenv("MEMHTTPD_CONFIG"), "path to memhttpd.yaml (defaults apply when empty)")
	flag.IntVar(&port, "port", -1, "listen port, overrides server.port")
	flag.StringVar(&root, "root", "", "content directory, overrides store.root")
	flag.Parse()

	if err := run(configPath, port, root); err != nil {
		fmt.Fprintf(os.Stderr, "memhttpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, port int, root string) error {
	cfg := memhttpd.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = memhttpd.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.Override(port, root); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := memhttpd.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := memhttpd.NewServer(cfg, logger, memhttpd.ServerOptions{})
	if err != nil {
		logger.Error("init server", zap.Error(err))
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", memhttpd.MetricsHandler())
		ms := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("memhttpd stopped")
	return nil
}
