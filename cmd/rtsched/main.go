// Command rtsched soak tests the runtime scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joeycumines/go-dbruntime/internal/cli"
	"github.com/joeycumines/stumpy"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr))).Logger()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Logf(format, args...)
	})); err != nil {
		logger.Warning().Err(err).Log(`rtsched: failed to set GOMAXPROCS`)
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logger.Debug().Err(err).Log(`rtsched: memory limit not set`)
	} else {
		logger.Debug().Int64(`limit`, limit).Log(`rtsched: memory limit set`)
	}

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, `Error:`, err)
		os.Exit(1)
	}
}
