package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-dbruntime/internal/workload"
	"github.com/joeycumines/go-dbruntime/promstats"
	"github.com/joeycumines/go-dbruntime/runtimectx"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type (
	// RunOptions holds flags for the run command.
	RunOptions struct {
		*RootOptions
		Workload    string
		Config      string
		Duration    time.Duration
		MetricsAddr string

		// called with the metrics listener address, if any
		onListen func(addr string)
	}

	// Summary is the output of the run command.
	Summary struct {
		Result *workload.Result `json:"result"`
		Stats  runtimectx.Stats `json:"stats"`
	}
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   `run`,
		Short: `Run a workload`,
		Long: `Run a workload, until every bounded timer and task has finished, or the
duration elapses, then print a JSON summary.

Example:
  rtsched run --workload ./soak.yaml --duration 1m --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Workload, `workload`, `w`, ``, `path to the workload file (required)`)
	cmd.Flags().StringVarP(&opts.Config, `config`, `c`, ``, `path to the runtime config file`)
	cmd.Flags().DurationVarP(&opts.Duration, `duration`, `d`, time.Second*10, `maximum run time`)
	cmd.Flags().StringVar(&opts.MetricsAddr, `metrics-addr`, ``, `serve prometheus metrics on this address`)
	_ = cmd.MarkFlagRequired(`workload`)

	return cmd
}

func runWorkload(cmd *cobra.Command, opts *RunOptions) error {
	if opts.Duration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", opts.Duration)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	w, err := workload.LoadFile(opts.Workload)
	if err != nil {
		return fmt.Errorf("failed to load workload: %w", err)
	}

	ctxOpts := []runtimectx.Option{runtimectx.WithLogger(logger)}
	if opts.Config != `` {
		cfg, err := runtimectx.LoadConfigFile(opts.Config)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfgOpts, err := cfg.Options()
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		ctxOpts = append(ctxOpts, cfgOpts...)
	}

	rt, err := runtimectx.New(ctxOpts...)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Err().Err(err).Log(`rtsched: failed to close runtime`)
		}
	}()

	if opts.MetricsAddr != `` {
		stop, err := serveMetrics(logger, opts, rt)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	runner := workload.Runner{Scheduler: rt, Logger: logger}
	result, err := runner.Run(ctx, w)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(``, `  `)
	return enc.Encode(Summary{Result: result, Stats: rt.Stats()})
}

func serveMetrics(logger *logiface.Logger[logiface.Event], opts *RunOptions, rt *runtimectx.Context) (func(), error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		promstats.NewCollector(rt),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(`/metrics`, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	ln, err := net.Listen(`tcp`, opts.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", opts.MetricsAddr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 10,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Err().Err(err).Log(`rtsched: metrics server failed`)
		}
	}()

	logger.Info().
		Stringer(`addr`, ln.Addr()).
		Log(`rtsched: serving metrics`)

	if opts.onListen != nil {
		opts.onListen(ln.Addr().String())
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}
