package main

import (
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata" // Asia/Kolkata must resolve on minimal images

	"github.com/niftydash/kite-dashboard/app"
)

var (
	MCP_SERVER_VERSION = "v0.0.0"
)

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	application := app.NewApp(logger)
	application.SetVersion(MCP_SERVER_VERSION)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting Kite market dashboard", "version", MCP_SERVER_VERSION, "mode", application.Config.AppMode)
	if err := application.RunServer(); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}

// newLogger writes to stderr so stdio mode keeps stdout for the protocol.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
