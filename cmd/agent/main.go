package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"dispatch-agent/internal/agent"
	"dispatch-agent/internal/config"
	"dispatch-agent/internal/runner"
	"dispatch-agent/internal/server"
	"dispatch-agent/internal/websocket"
	"dispatch-agent/utils"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile string
	var showVersion bool

	flagSet := pflag.NewFlagSet("dispatch-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config file (required)")
	flagSet.StringVar(&envFile, "env-file", ".env", "load environment variables from this file when it exists")
	flagSet.BoolVar(&showVersion, "version", false, "print the agent version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("dispatch-agent", utils.AgentVersion)
		return nil
	}
	if configPath == "" {
		return errors.New("--config is required")
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", configPath, err)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"version", utils.AgentVersion,
		"name", cfg.Name,
		"server", cfg.Server,
		"workspaces", cfg.WorkspacesPath,
	)

	client := websocket.NewClient(websocket.Options{
		Server:               cfg.Server,
		Name:                 cfg.Name,
		Token:                cfg.Token,
		HeartbeatInterval:    cfg.HeartbeatEvery(),
		ReconnectInterval:    cfg.ReconnectEvery(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, logger)
	a := agent.New(client, runner.New(cfg.WorkspacesPath, cfg.Shell, logger), agent.Options{
		DefaultTimeout:        cfg.DefaultTaskTimeout(),
		TaskHeartbeatInterval: cfg.TaskHeartbeatEvery(),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return client.Run(gctx, a) })
	if cfg.StatusAddr != "" {
		status := server.NewServer(cfg.StatusAddr, cfg.Name, a, client, logger)
		g.Go(func() error { return status.Run(gctx) })
	}

	err = g.Wait()
	if err != nil {
		logger.Error("agent stopped", "err", err)
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// setupLogging builds the process logger from the configured level and
// optional log file.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}
