package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stakestream/internal/api"
	"stakestream/internal/config"
	"stakestream/internal/model"
	"stakestream/internal/refresh"
	"stakestream/internal/session"
	"stakestream/internal/storage"
	"stakestream/internal/storage/postgres"
)

func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// loadAccount builds an orchestrator for the configured account and runs one full cycle.
func loadAccount(ctx context.Context, eng *engine, cfg config.Config) (*refresh.Orchestrator, error) {
	account, err := model.ParseAddress(cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	orch, err := eng.orchestrator(account)
	if err != nil {
		return nil, err
	}
	if err := orch.Load(ctx); err != nil {
		orch.Close()
		return nil, err
	}
	return orch, nil
}

func runPositions(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	orch, err := loadAccount(ctx, eng, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(orch.Snapshot())
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	printInterval, _ := cmd.Flags().GetDuration("print-interval")
	if printInterval <= 0 {
		printInterval = time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	orch, err := loadAccount(ctx, eng, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	for _, pos := range orch.Snapshot().Positions {
		if err := orch.RegisterActive(pos.TokenAddress.Hex()); err != nil {
			return err
		}
	}
	stopPolling := orch.StartPolling(ctx)
	defer stopPolling()

	logger.Info("watch start",
		zap.String("account", orch.Account().Hex()),
		zap.Strings("active", orch.Active()),
		zap.Duration("refresh_interval", cfg.RefreshInterval),
		zap.Duration("tick_interval", cfg.TickInterval),
	)

	out := cmd.OutOrStdout()
	ticker := time.NewTicker(printInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, pos := range orch.Snapshot().Positions {
				fmt.Fprintf(out, "%s %-10s %.6f (%s/day, %s)\n",
					time.Now().UTC().Format(time.RFC3339),
					pos.Symbol,
					pos.LiveBalance,
					pos.UserFlowRate.StringFixed(4),
					pos.Phase,
				)
			}
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	sessions := session.NewRegistry(eng.orchestrator, logger)
	defer sessions.Close()

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(sessions, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", zap.String("addr", cfg.Listen))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	orch, err := loadAccount(ctx, eng, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	snap := orch.Snapshot()
	rows := storage.Rows(snap, time.Now().UTC())

	var sink storage.Sink
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		sink = store
	} else {
		sink = storage.NewJsonlStorage(cfg.Out)
	}

	if err := sink.PutRows(ctx, rows); err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}

	logger.Info("snapshot exported",
		zap.String("cycle", snap.CycleID),
		zap.Int("positions", len(snap.Positions)),
		zap.Int("holdings", len(snap.Holdings)),
		zap.Bool("postgres", cfg.PGDSN != ""),
	)
	return nil
}
