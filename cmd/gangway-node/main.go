// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gangway-project/gangway/bridge"
	"github.com/gangway-project/gangway/lib/config"
	"github.com/gangway-project/gangway/lib/version"
	"github.com/gangway-project/gangway/supervisor"
)

// shutdownTimeout bounds how long the node waits for storage and
// network teardown after the shutdown signal.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("gangway-node", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file path (overrides "+config.EnvVar+")")
	dataDir := flags.String("data-dir", "", "storage root (overrides config)")
	listenPort := flags.Int("listen-port", -1, "TCP port for the network node (overrides config)")
	socketPath := flags.String("socket", "", "bridge Unix socket path (overrides config)")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("gangway-node %s\n", version.Full())
		return nil
	}

	cfg := config.Default()
	if *configPath != "" || os.Getenv(config.EnvVar) != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.Paths.DataDir = *dataDir
	}
	if *listenPort >= 0 {
		cfg.Node.ListenPort = *listenPort
	}
	if *socketPath != "" {
		cfg.Paths.BridgeSocket = *socketPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if *verbose || cfg.Debug.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	storageRoot, err := cfg.DataDir()
	if err != nil {
		return err
	}
	bridgeSocket, err := cfg.BridgeSocket()
	if err != nil {
		return err
	}

	owner := supervisor.New(supervisor.Config{
		StorageRoot:     storageRoot,
		ListenPort:      cfg.Node.ListenPort,
		FallbackDynamic: cfg.Node.FallbackDynamic,
		Logger:          logger,
	})

	// Bring the node up before accepting bridge connections: a failure
	// here (corrupt store, unusable state directory) should stop the
	// process, not surface as an initialization error to the first
	// client.
	result, err := owner.Initialize(context.Background())
	if err != nil {
		return fmt.Errorf("initializing node: %w", err)
	}
	logger.Info("node ready",
		"identifier", result.Identifier,
		"addresses", result.Addresses,
		"storage_root", result.StorageRoot)

	listener, err := listenBridgeSocket(bridgeSocket)
	if err != nil {
		owner.Shutdown(context.Background())
		return err
	}
	logger.Info("bridge listening", "socket", bridgeSocket)

	// The bridge logger follows the root level unless frame-level
	// traffic logging is requested explicitly.
	bridgeLogger := logger
	if cfg.Debug.LogBridgeTraffic {
		bridgeLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	server := bridge.NewServer(owner, bridgeLogger)

	serveErr := make(chan error, 1)
	serveCtx, stopServing := context.WithCancel(context.Background())
	go func() {
		serveErr <- server.Serve(serveCtx, listener)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			logger.Error("bridge serve failed", "error", err)
		}
	}

	stopServing()
	server.Close()
	os.Remove(bridgeSocket)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := owner.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// listenBridgeSocket binds the bridge Unix socket, replacing a stale
// socket file from a previous run. The socket is owner-only: the
// restricted UI process connects as the same user, nothing else should.
func listenBridgeSocket(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting socket %s: %w", path, err)
	}
	return listener, nil
}
