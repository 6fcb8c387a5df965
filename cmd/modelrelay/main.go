// Command modelrelay is a transparent multi-provider LLM gateway.
//
// It serves OpenAI-, Anthropic-, and Gemini-shaped requests on one port,
// routes each request to a configured upstream provider by model name and
// priority, and fails over automatically when a provider errors out.
//
// Quick-start:
//
//	modelrelay --config config.yaml
//
// Process-level settings come from flags or the environment (a local
// .env file is honored); everything else lives in the config file and
// can be edited at runtime.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/modelrelay/modelrelay/internal/app"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, logLevel, err := loadOptions()
	if err != nil {
		log.Fatalf("options: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(logLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, opts, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadOptions merges flags over environment variables over defaults.
// A .env file in the working directory is loaded first, without
// overriding variables already set in the environment.
func loadOptions() (app.Options, string, error) {
	_ = gotenv.Load()

	v := viper.New()
	v.SetDefault("config", "config.yaml")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	_ = v.BindEnv("config", "MODELRELAY_CONFIG")
	_ = v.BindEnv("host", "MODELRELAY_HOST")
	_ = v.BindEnv("port", "MODELRELAY_PORT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("clickhouse_dsn", "LOG_CLICKHOUSE_DSN")

	fs := pflag.NewFlagSet("modelrelay", pflag.ContinueOnError)
	fs.String("config", v.GetString("config"), "path to the YAML configuration file")
	fs.String("host", v.GetString("host"), "listen address")
	fs.Int("port", v.GetInt("port"), "listen port")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return app.Options{}, "", err
	}
	if err := v.BindPFlags(fs); err != nil {
		return app.Options{}, "", err
	}

	return app.Options{
		ConfigPath:    v.GetString("config"),
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		ClickHouseDSN: v.GetString("clickhouse_dsn"),
	}, v.GetString("log_level"), nil
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
