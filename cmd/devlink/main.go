// Package main provides devlink, a command-line client that keeps channels
// to a device open and logs what they carry.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/xiaozhi/devlink/pkg/channels"
	"github.com/xiaozhi/devlink/pkg/client"
	"github.com/xiaozhi/devlink/pkg/config"
	"github.com/xiaozhi/devlink/pkg/logger"
)

var (
	envFile    = flag.String("env", ".env", "Path to .env file")
	configFile = flag.String("config", "", "Path to YAML config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	logFmt     = flag.String("log-format", "", "Log format (text, json); overrides config")
	channelArg = flag.String("channels", "servo,sensor", "Comma-separated channels to open")
	username   = flag.String("user", "", "Log in with this username before connecting")
	password   = flag.String("password", "", "Password for -user (or DEVLINK_PASSWORD)")
	version    = "dev"
)

func main() {
	flag.Parse()

	// Load .env file if it exists
	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Error("Failed to load .env file", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if *logFmt != "" {
		cfg.LogFormat = *logFmt
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)

	logger.Info("devlink starting", "version", version)
	logger.Info("Configuration loaded",
		"api", cfg.HTTPBase(),
		"ws", cfg.WSBase(),
		"token_db", cfg.TokenDBPath,
	)

	m, err := client.New(cfg)
	if err != nil {
		logger.Error("Failed to create connection manager", "error", err)
		os.Exit(1)
	}

	if *username != "" {
		if err := login(m, *username); err != nil {
			logger.Error("Login failed", "error", err)
			m.Close()
			os.Exit(1)
		}
	}

	for _, name := range strings.Split(*channelArg, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		if _, err := connect(m, name); err != nil {
			logger.Error("Failed to open channel", "channel", name, "error", err)
		}
	}

	var status *client.StatusServer
	if cfg.StatusPort > 0 {
		status = client.NewStatusServer(m, cfg.StatusPort)
		if err := status.Start(); err != nil {
			logger.Error("Failed to start status server", "error", err)
		}
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("devlink is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	logger.Info("Received signal, shutting down", "signal", sig.String())

	if status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := status.Stop(ctx); err != nil {
			logger.Error("Error stopping status server", "error", err)
		}
		cancel()
	}

	if err := m.Close(); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}

	logger.Info("devlink shut down successfully")
}

func login(m *client.Manager, user string) error {
	pass := *password
	if pass == "" {
		pass = os.Getenv("DEVLINK_PASSWORD")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := m.Login(ctx, user, pass)
	if err != nil {
		return err
	}

	if !result.Succeeded() {
		logger.Warn("Device rejected credentials, continuing unauthenticated", "message", result.Message)
	}

	return nil
}

// connect opens a channel with callbacks that log traffic. Known device
// channels go through their helpers so subscriptions happen on open.
func connect(m *client.Manager, name string) (*client.Channel, error) {
	log := logger.Channel(name)

	opts := client.ChannelOptions{
		OnOpen: func() {
			log.Info("Channel open")
		},
		OnMessage: func(msg *channels.Message) {
			if msg.IsError() {
				log.Warn("Device reported error", "message", string(msg.Raw))
				return
			}

			log.Info("Message", "type", msg.Type(), "payload", string(msg.Raw))
		},
		OnClose: func(code int, reason string) {
			log.Info("Channel closed", "code", code, "reason", reason)
		},
		OnError: func(err error) {
			log.Warn("Channel error", "error", err)
		},
	}

	switch strings.TrimLeft(name, "/") {
	case client.ChannelServo:
		return m.ConnectServo(opts)
	case client.ChannelSensor:
		return m.ConnectSensor(opts)
	case client.ChannelAudio:
		return m.ConnectAudio(opts)
	default:
		return m.ConnectChannel(name, opts)
	}
}
