package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cams-connector/internal/config"
	"cams-connector/internal/proxy"
	"cams-connector/internal/tunnel"
)

// serverCommand возвращает команду запуска прокси
func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Start the proxy server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config/proxy.yaml",
				Usage:   "Path to config file",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Shared device token (overrides config)",
				EnvVars: []string{"CAMS_DEVICE_TOKEN"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	logger, err := newLogger(c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadProxyConfig(c.String("config"))
	if err != nil {
		logger.Warn("Failed to load config, using defaults", zap.Error(err))
		cfg = config.DefaultProxyConfig()
	}
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if token := c.String("token"); token != "" {
		cfg.DeviceToken = token
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	registry := proxy.NewRegistry(logger)
	hub := proxy.NewHub(cfg, registry, logger)
	handler := proxy.NewHandler(cfg, registry, logger)
	router := proxy.NewRouter(cfg, handler, hub, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// только заголовки: тела ответов - долгоживущие видеопотоки
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting proxy server", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down proxy server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	registry.CloseAll(tunnel.ReasonShutdown)

	logger.Info("Proxy server stopped")
	return nil
}

// newLogger создает zap-логгер в production или development режиме
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return cfg.Build()
}
