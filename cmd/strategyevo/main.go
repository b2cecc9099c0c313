// Command strategyevo runs the Strategy Lifecycle and Evolution Engine:
// the Evolution Worker, Monitoring Worker, Signal Gateway, and Royalty
// Emitter wired together against a Strategy Store and Market Data Gateway,
// behind a thin admin HTTP surface. Replaces the teacher's flag-based
// cmd/server/main.go PhD-demo entrypoint with a cobra subcommand CLI
// (serve, migrate, seed, worker-status), matching the richer automation
// surface sawpanic-cryptorun's cmd/cryptorun shows for a multi-mode trading
// tool.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitOK       = 0
	exitUsage    = 64
	exitSoftware = 70
)

// usageError marks a failure caused by bad input (flags, config), exiting
// 64 rather than 70.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func newUsageError(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

var (
	flagConfigPath string
	flagDataDir    string
	flagLogLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "strategyevo",
		Short:         "Strategy Lifecycle and Evolution Engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the configured data directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newWorkerStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "strategyevo:", err)
		var usageErr usageError
		if errors.As(err, &usageErr) {
			os.Exit(exitUsage)
		}
		os.Exit(exitSoftware)
	}
	os.Exit(exitOK)
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
