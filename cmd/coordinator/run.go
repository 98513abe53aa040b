package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/fleet-coordinator/internal/config"
	"github.com/signalsfoundry/fleet-coordinator/internal/logging"
	"github.com/signalsfoundry/fleet-coordinator/internal/observability"
	"github.com/signalsfoundry/fleet-coordinator/internal/operator"
	"github.com/signalsfoundry/fleet-coordinator/internal/runtime"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the coordinator",
		Long: `Run loads the configuration (defaults, then --config, then FLEET_*
environment variables, then flags), connects to the broker and serves the
operator API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()
			if err := bindRunFlags(v, cmd); err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("config")
			if err := config.ReadFile(v, path); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", cfg.Operator.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Operator.Addr, err)
			}
			return serve(ctx, stop, cfg, log, lis, prometheus.DefaultRegisterer)
		},
	}
	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML config file")
	f.Bool("sim", false, "drive a simulated fleet instead of real robots")
	f.String("scenario", "", "scenario file with the board layout and robots")
	f.String("operator-addr", "", "operator gRPC listen address")
	f.String("metrics-addr", "", "Prometheus /metrics listen address (empty keeps the config value)")
	f.String("transport", "", "transport kind: memory or mqtt")
	return cmd
}

// bindRunFlags lets explicitly set flags override every other source.
func bindRunFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		"sim.enabled":        "sim",
		"grid.scenario_file": "scenario",
		"operator.addr":      "operator-addr",
		"metrics.addr":       "metrics-addr",
		"transport.kind":     "transport",
	} {
		pf := cmd.Flags().Lookup(flag)
		if pf == nil || !pf.Changed {
			continue
		}
		if err := v.BindPFlag(key, pf); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

// serve runs the coordinator on lis until ctx is cancelled. quit is called
// by the operator quit verb.
func serve(ctx context.Context, quit func(), cfg *config.Config, log logging.Logger, lis net.Listener, reg prometheus.Registerer) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewFleetCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.Metrics.Addr, collector, log)

	rt, err := runtime.New(ctx, runtime.Options{Config: cfg, Metrics: collector, Log: log, Quit: quit})
	if err != nil {
		return err
	}
	defer rt.Close()

	server := operator.NewServer(operator.NewService(rt.Queue, rt.Dispatcher, log), log, collector)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error {
		log.Info(gctx, "starting operator gRPC server", logging.String("addr", lis.Addr().String()))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("operator server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down coordinator")
		server.GracefulStop()
		return nil
	})
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
}

func serveMetrics(addr string, collector *observability.FleetCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
