package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tradecore/safetycore/internal/config"
	"github.com/tradecore/safetycore/internal/runtime"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the safety core",
	Long:  "Start the safety core: order admission, rate limiting, error recovery, and the per-tick orchestrator.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if err := viper.Unmarshal(&cfg); err != nil {
			return err
		}

		rt, err := runtime.Build(cfg)
		if err != nil {
			return err
		}

		orch := rt.Orchestrator(nil)

		metricsSrv := startMetricsServer(rt.Logger, cfg.Server.MetricsPort)

		ctx, cancel := context.WithCancel(context.Background())
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigs
			cancel()
		}()

		err = orch.Run(ctx)
		rt.Shutdown(10 * time.Second)
		if metricsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}

		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	RootCmd.AddCommand(startCmd)
}

// startMetricsServer exposes the Prometheus registry over /metrics on
// cfg.Server.MetricsPort, the bare http.Server the bitunixbot example wires
// promhttp.Handler() into. A non-positive port disables the listener.
func startMetricsServer(logger *zap.Logger, port int) *http.Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	return srv
}
