package main

import (
	"fmt"

	"github.com/atlas-desktop/strategy-evolution/internal/clock"
	"github.com/atlas-desktop/strategy-evolution/internal/config"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg"
	"github.com/atlas-desktop/strategy-evolution/internal/mdg/mockprovider"
	"github.com/atlas-desktop/strategy-evolution/internal/memorysink"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"go.uber.org/zap"
)

// app bundles the components every subcommand beyond bare config-loading
// needs, so `serve` and `seed` don't each repeat the wiring.
type app struct {
	logger *zap.Logger
	cfg    *config.Config
	clock  clock.Clock
	store  *store.Store
	sink   *memorysink.Sink
	mdg    *mdg.Gateway
}

func newApp() (*app, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, newUsageError("loading config: %w", err)
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	logger := buildLogger(cfg.LogLevel)
	clk := clock.NewReal()

	st, err := store.New(logger.Named("store"), cfg.DataDir, clk)
	if err != nil {
		return nil, fmt.Errorf("opening strategy store: %w", err)
	}

	sink, err := memorysink.New(logger.Named("memorysink"), clk, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening memory sink: %w", err)
	}

	provider := mockprovider.New(clk, clk.Now().UnixNano())
	gateway := mdg.New(logger.Named("mdg"), clk, []mdg.Provider{provider}, nil)

	return &app{logger: logger, cfg: cfg, clock: clk, store: st, sink: sink, mdg: gateway}, nil
}
