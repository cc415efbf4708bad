//go:build linux || darwin

// Command selectcat pipes stdin and stdout over Noise encrypted TCP
// connections, using a single threaded select loop.
//
// In listen mode, stdin is broadcast to every connected peer, and data from
// any peer is written to stdout. In connect mode, there is a single peer,
// and the process exits once the connection is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-selectloop/selectloop/prommetrics"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	modeListen  = `listen`
	modeConnect = `connect`

	metricsNamespace = `selectcat`
)

// runFunc runs a resolved mode, and is replaced in tests.
type runFunc func(ctx context.Context, cmd *cobra.Command, mode string, cfg Config, level logiface.Level) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(run).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(runner runFunc) *cobra.Command {
	var (
		configPath string
		flags      = defaultConfig()
	)

	rootCmd := &cobra.Command{
		Use:          `selectcat`,
		Short:        `Encrypted netcat, driven by a select loop`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, `config`, ``, `path to a YAML config file, overridden by flags`)
	pf.StringVar(&flags.Secret, `secret`, ``, `shared secret, or set `+secretEnv)
	pf.DurationVar(&flags.Heartbeat, `heartbeat`, defaultHeartbeat, `loop heartbeat frequency`)
	pf.StringVar(&flags.LogLevel, `log-level`, defaultLogLevel, `log level (trace, debug, info, notice, warning, err, ...)`)
	pf.StringVar(&flags.MetricsAddr, `metrics-addr`, ``, `serve Prometheus metrics on this address`)

	newModeCommand := func(mode, short, addrDefault, addrUsage string) *cobra.Command {
		cmd := &cobra.Command{
			Use:   mode,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				base := defaultConfig()
				base.Addr = addrDefault
				cfg, err := resolveConfig(cmd, configPath, base, flags)
				if err != nil {
					return err
				}
				level, err := cfg.validate()
				if err != nil {
					return err
				}
				return runner(cmd.Context(), cmd, mode, cfg, level)
			},
		}
		cmd.Flags().StringVar(&flags.Addr, `addr`, addrDefault, addrUsage)
		return cmd
	}

	listenCmd := newModeCommand(modeListen, `Accept peers, broadcasting stdin to all of them`, defaultListenAddr, `address to listen on`)
	listenCmd.Flags().IntVar(&flags.MaxPeers, `max-peers`, defaultMaxPeers, `maximum number of connected peers`)

	connectCmd := newModeCommand(modeConnect, `Connect to a listening selectcat`, defaultConnectAddr, `address to connect to`)

	rootCmd.AddCommand(listenCmd, connectCmd)

	return rootCmd
}

// resolveConfig applies, in order of precedence: flags that were set, the
// config file, the environment (secret only), and base.
func resolveConfig(cmd *cobra.Command, configPath string, base, flags Config) (Config, error) {
	cfg := base
	if secret := os.Getenv(secretEnv); secret != `` {
		cfg.Secret = secret
	}
	if configPath != `` {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	set := cmd.Flags().Changed
	if set(`addr`) {
		cfg.Addr = flags.Addr
	}
	if set(`secret`) {
		cfg.Secret = flags.Secret
	}
	if set(`heartbeat`) {
		cfg.Heartbeat = flags.Heartbeat
	}
	if set(`log-level`) {
		cfg.LogLevel = flags.LogLevel
	}
	if set(`metrics-addr`) {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if cmd.Flags().Lookup(`max-peers`) != nil && set(`max-peers`) {
		cfg.MaxPeers = flags.MaxPeers
	}

	return cfg, nil
}

func newLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func run(ctx context.Context, cmd *cobra.Command, mode string, cfg Config, level logiface.Level) error {
	logger := newLogger(cmd.ErrOrStderr(), level)

	a, err := newApp(cfg, logger, int(os.Stdin.Fd()), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.close()

	var srv *http.Server
	if cfg.MetricsAddr != `` {
		if srv, err = newMetricsServer(a, cfg.MetricsAddr); err != nil {
			return err
		}
	}

	switch mode {
	case modeListen:
		err = a.listen()
	case modeConnect:
		err = a.connect()
	default:
		err = fmt.Errorf(`unknown mode: %s`, mode)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// stops the metrics server, when the loop exits on its own
		defer cancel()
		return a.serve(ctx)
	})

	if srv != nil {
		logger.Info().
			Str(`addr`, srv.Addr).
			Log(`serving metrics`)
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf(`metrics server: %w`, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// newMetricsServer builds an HTTP server exposing the loop's counters, and
// the number of peers.
func newMetricsServer(a *app, addr string) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	a.peersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      `peers`,
		Help:      `Number of connected peers.`,
	})
	if err := reg.Register(a.peersGauge); err != nil {
		return nil, err
	}
	if err := reg.Register(prommetrics.NewCollector(a.loop, metricsNamespace)); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(`/metrics`, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}
