package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/factorrun/internal/backtest"
	httpapi "github.com/sawpanic/factorrun/internal/interfaces/http"
	"github.com/sawpanic/factorrun/internal/regime"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve regime, targets and backtests over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "Listen host (overrides server.host)")
	cmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	serverCfg := e.cfg.Server
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		serverCfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		serverCfg.Port = port
	}
	if err := serverCfg.Validate(); err != nil {
		return err
	}

	engine, err := backtest.NewEngine(e.store, e.cfg.Backtest)
	if err != nil {
		return err
	}
	var ctrl *regime.Controller
	if c, err := e.controller(); err != nil {
		log.Warn().Err(err).Msg("Regime controller disabled")
	} else {
		ctrl = c
	}
	svc, err := newLiveService(e)
	if err != nil {
		return err
	}

	deps := httpapi.Deps{
		Store:      e.store,
		Engine:     engine,
		Strategies: e.cfg.StrategyMap(),
		Controller: ctrl,
		RegimeOpts: backtest.RegimeOptions{
			RebalanceDays:     e.cfg.Regime.RebalanceDays,
			RebalanceOnChange: e.cfg.Regime.RebalanceOnChange,
		},
		Live:    svc,
		Metrics: e.metrics,
		Version: version,
	}
	if e.recorder.IsEnabled() {
		deps.Recorder = e.recorder
		deps.Database = e.recorder.Manager().Health()
	}
	server := httpapi.NewServer(serverCfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
