package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenwick-labs/nexuscore/cmd/nexusd/hostsim"
	"github.com/fenwick-labs/nexuscore/nexuscore"
	"github.com/fenwick-labs/nexuscore/nexuscore/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var tickSeconds uint32
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run Core's cooperative scheduler against wall-clock time until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), tickSeconds)
		},
	}
	cmd.Flags().Uint32Var(&tickSeconds, "tick-seconds", 1, "seconds advanced per scheduler tick")
	return cmd
}

func openCore(cfg appConfig) (*nexuscore.Core, *hostsim.BboltBackend, error) {
	backend, err := hostsim.OpenBboltBackend(cfg.StorePath)
	if err != nil {
		return nil, nil, err
	}

	sugar := logger.Sugar()
	host, err := hostsim.NewSimHost(sugar, nexuscore.NexusID{Authority: cfg.Authority, Device: cfg.DeviceID}, cfg.UserID)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}

	gate := log.New(log.NewZapProvider(logger))
	gate.SetEnabled(true)

	core, err := nexuscore.Init(cfg.Core, host, backend, gate)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return core, backend, nil
}

func runServe(ctx context.Context, tickSeconds uint32) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	core, backend, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	defer core.Shutdown()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sugar := logger.Sugar()
	runID := uuid.New()
	sugar.Infow("serve starting", "run_id", runID, "store_path", cfg.StorePath)

	ticker := time.NewTicker(time.Duration(tickSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Infow("serve stopping", "run_id", runID)
			return nil
		case <-ticker.C:
			recall := core.Process(tickSeconds)
			sugar.Debugw("tick", "run_id", runID, "recall_in_s", recall)
		}
	}
}
