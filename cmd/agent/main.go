package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"cams-connector/internal/agent"
	"cams-connector/internal/config"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "cams-agent",
		Usage: "Device agent streaming local recordings through the proxy tunnel",
		Commands: []*cli.Command{
			runCommand(),
			versionCommand(),
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCommand возвращает команду запуска агента
func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect to the proxy and serve requests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config/agent.yaml",
				Usage:   "Path to config file",
			},
			&cli.StringFlag{
				Name:    "proxy-url",
				Usage:   "Proxy websocket URL (overrides config)",
				EnvVars: []string{"CAMS_PROXY_URL"},
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
		Action: runAgent,
	}
}

func runAgent(c *cli.Context) error {
	logger, err := newLogger(c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadAgentConfig(c.String("config"))
	if err != nil {
		logger.Warn("Failed to load config, using defaults", zap.Error(err))
		cfg = config.DefaultAgentConfig()
	}
	if url := c.String("proxy-url"); url != "" {
		cfg.ProxyURL = url
	}
	if token := c.String("token"); token != "" {
		cfg.DeviceToken = token
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("Starting device agent",
		zap.String("device_id", cfg.DeviceID),
		zap.String("recordings_root", cfg.RecordingsRoot))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.New(cfg, logger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Device agent stopped")
	return nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("CAMS Connector Agent\n")
			fmt.Printf("Version:    %s\n", Version)
			fmt.Printf("Commit:     %s\n", Commit)
			fmt.Printf("Build Date: %s\n", BuildDate)
			return nil
		},
	}
}

// newLogger создает zap-логгер в production или development режиме
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
