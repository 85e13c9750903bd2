// Package cli implements the rtsched command.
package cli

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

// Version is set at build time, using -ldflags.
var Version = `dev`

// RootOptions holds flags shared by every command.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the rtsched command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   `rtsched`,
		Short: `Soak test the runtime scheduler`,
		Long: `rtsched drives the runtime scheduler (periodic timers on an event loop,
and tasks on an elastic worker pool) using a YAML workload, then prints a JSON
summary of the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, `verbose`, `v`, false, `enable debug logging`)

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `version`,
		Short: `Print the version`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rtsched %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}

// lockedWriter serializes writes from concurrent loggers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (x *lockedWriter) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.w.Write(p)
}

// newLogger returns a JSON logger writing to w.
func newLogger(w io.Writer, verbose bool) *logiface.Logger[logiface.Event] {
	level := stumpy.L.LevelInformational()
	if verbose {
		level = stumpy.L.LevelDebug()
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&lockedWriter{w: w})),
		stumpy.L.WithLevel(level),
	).Logger()
}
