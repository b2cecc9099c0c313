package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/adminapi"
	"github.com/atlas-desktop/strategy-evolution/internal/evolution"
	"github.com/atlas-desktop/strategy-evolution/internal/monitoring"
	"github.com/atlas-desktop/strategy-evolution/internal/royalty"
	"github.com/atlas-desktop/strategy-evolution/internal/signalgateway"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Evolution Worker, Monitoring Worker, Signal Gateway, and admin HTTP surface",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	logger := a.logger
	defer logger.Sync()

	ew := evolution.New(logger.Named("evolution"), a.clock, a.cfg.Evolution, a.store, a.mdg, nil, a.sink)
	mw := monitoring.New(logger.Named("monitoring"), a.clock, a.cfg.Monitoring, a.store, a.mdg, a.sink, a.sink)
	sg := signalgateway.New(logger.Named("signalgateway"), a.store, a.mdg, a.sink, a.sink, nil)
	ledger := royalty.NewInMemoryLedger()
	emitter := royalty.New(logger.Named("royalty"), a.clock, a.cfg.Royalty, a.store, ledger)

	admin := adminapi.New(logger.Named("adminapi"), adminapi.Config{
		Host:         a.cfg.Server.Host,
		Port:         strconv.Itoa(a.cfg.Server.Port),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}, a.store, ew, mw, sg, emitter.OnSettled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ew.Start(ctx); err != nil {
		return err
	}
	if err := mw.Start(ctx); err != nil {
		return err
	}
	admin.Start()

	logger.Info("strategyevo serve started",
		zap.String("addr", a.cfg.Server.Host+":"+strconv.Itoa(a.cfg.Server.Port)),
		zap.Duration("evolution_interval", a.cfg.Evolution.Interval),
		zap.Duration("monitoring_interval", a.cfg.Monitoring.Interval),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	if err := ew.Stop(); err != nil {
		logger.Error("stopping evolution worker", zap.Error(err))
	}
	if err := mw.Stop(); err != nil {
		logger.Error("stopping monitoring worker", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("stopping admin server", zap.Error(err))
	}

	logger.Info("strategyevo serve stopped")
	return nil
}
