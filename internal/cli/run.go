package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tunstack/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stack on a TUN device",
	Long: `Create the TUN device, terminate its traffic in the stack and relay TCP
connections to the upstream proxy until interrupted.

Unset flags fall back to the saved settings (see 'tunstack monitor',
Settings tab). Needs root, or Administrator on Windows.`,
	Annotations: map[string]string{annotationLogFile: "default"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		settings, err := appInstance.Settings(ctx)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("backend") {
			settings.Backend, _ = flags.GetString("backend")
		}
		if flags.Changed("device") {
			settings.Device, _ = flags.GetString("device")
		}
		if flags.Changed("proxy") {
			settings.Proxy, _ = flags.GetString("proxy")
		}
		if flags.Changed("sample-interval") {
			settings.SampleInterval, _ = flags.GetDuration("sample-interval")
		}
		udpDirect, _ := flags.GetBool("udp-direct")
		maxDials, _ := flags.GetInt("max-dials")
		noRecord, _ := flags.GetBool("no-record")
		metricsAddr, _ := flags.GetString("metrics")

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		cfg := engine.Config{
			Options:        appInstance.Options,
			Backend:        settings.Backend,
			DeviceName:     settings.Device,
			Proxy:          settings.Proxy,
			UDPDirect:      udpDirect,
			MaxDials:       maxDials,
			Logger:         appInstance.Logger.Logger,
			LogLevel:       appInstance.Config.LogLevel,
			Registry:       registry,
			SampleInterval: settings.SampleInterval,
		}
		if !noRecord {
			cfg.Recorder = appInstance.Storage
		}

		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return eng.Run(ctx)
		})
		if metricsAddr != "" {
			g.Go(func() error {
				return serveMetrics(ctx, metricsAddr, registry, appInstance.Logger.Logger)
			})
		}
		return g.Wait()
	},
}

// serveMetrics exposes registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("failed to serve metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	runCmd.Flags().String("backend", engine.BackendNative, "stack backend (native, tun2socks)")
	runCmd.Flags().StringP("device", "d", "", "TUN device name")
	runCmd.Flags().StringP("proxy", "p", "", "upstream proxy URL, e.g. socks5://127.0.0.1:1080")
	runCmd.Flags().Bool("udp-direct", false, "relay UDP flows directly instead of refusing them")
	runCmd.Flags().Int("max-dials", engine.DefaultMaxDials, "concurrent upstream dials")
	runCmd.Flags().Duration("sample-interval", engine.DefaultSampleInterval, "occupancy sample interval")
	runCmd.Flags().Bool("no-record", false, "do not record the run and its samples")
	runCmd.Flags().String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	_ = runCmd.RegisterFlagCompletionFunc("backend", completeBackends)
	rootCmd.AddCommand(runCmd)
}
