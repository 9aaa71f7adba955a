package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/tcassar-diss/iomon/frontend"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	simCfg := frontend.DefaultSimCfg()
	output := frontend.DefaultConfig()
	output.Output.Format = frontend.FormatNone
	output.Procname.CacheSize = 0

	var verbose bool

	app := &cli.App{
		Name:  "iomon-sim",
		Usage: "drive the userspace probes with a synthetic concurrent workload",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "threads",
				Value:       simCfg.Threads,
				Usage:       "number of simulated threads",
				Destination: &simCfg.Threads,
			}, &cli.IntFlag{
				Name:        "threads-per-pid",
				Value:       simCfg.ThreadsPerPID,
				Usage:       "threads sharing one simulated process",
				Destination: &simCfg.ThreadsPerPID,
			}, &cli.IntFlag{
				Name:        "ops",
				Value:       simCfg.Ops,
				Usage:       "operations per thread",
				Destination: &simCfg.Ops,
			}, &cli.IntFlag{
				Name:        "files",
				Value:       simCfg.Files,
				Usage:       "number of simulated files",
				Destination: &simCfg.Files,
			}, &cli.Float64Flag{
				Name:        "write-ratio",
				Value:       simCfg.WriteRatio,
				Usage:       "share of operations that are writes",
				Destination: &simCfg.WriteRatio,
			}, &cli.Float64Flag{
				Name:        "lost-returns",
				Value:       simCfg.LostReturns,
				Usage:       "share of reads whose return probe never fires",
				Destination: &simCfg.LostReturns,
			}, &cli.Float64Flag{
				Name:        "fault-ratio",
				Value:       simCfg.FaultRatio,
				Usage:       "share of calls with an unreadable file pointer",
				Destination: &simCfg.FaultRatio,
			}, &cli.Float64Flag{
				Name:        "error-ratio",
				Value:       simCfg.ErrorRatio,
				Usage:       "share of reads failing with EIO",
				Destination: &simCfg.ErrorRatio,
			}, &cli.Uint64Flag{
				Name:        "seed",
				Value:       simCfg.Seed,
				Destination: &simCfg.Seed,
			}, &cli.IntFlag{
				Name:        "table-capacity",
				Value:       simCfg.TableCapacity,
				Destination: &simCfg.TableCapacity,
			}, &cli.IntFlag{
				Name:        "channel-size",
				Value:       simCfg.ChannelSize,
				Usage:       "event channel size in bytes, a power of two",
				Destination: &simCfg.ChannelSize,
			}, &cli.StringFlag{
				Name:        "format",
				Value:       output.Output.Format,
				Usage:       "event output: text, csv or none",
				Destination: &output.Output.Format,
			}, &cli.StringFlag{
				Name:        "filter",
				Destination: &output.Filter.Expr,
			}, &cli.StringFlag{
				Name:        "db",
				Usage:       "record events into this sqlite database",
				Destination: &output.Output.DB,
			}, &cli.IntFlag{
				Name:        "top",
				Value:       output.Output.Top,
				Destination: &output.Output.Top,
			}, &cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Destination: &verbose,
			},
		},
		Action: func(cCtx *cli.Context) error {
			l, err := zap.NewProduction()
			if verbose {
				l, err = zap.NewDevelopment()
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("failed to get zap logger: %v", err), 1)
			}

			logger := l.Sugar()
			defer l.Sync()

			return simulate(cCtx.Context, logger, simCfg, output)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func simulate(ctx context.Context, logger *zap.SugaredLogger, simCfg frontend.SimCfg, cfg *frontend.Config) error {
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	sim, err := frontend.NewSimulator(logger, simCfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	pipeline, err := frontend.NewPipelineFromConfig(logger, cfg, os.Stdout)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer pipeline.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	logger.Infow("starting simulation",
		"threads", simCfg.Threads,
		"ops", simCfg.Ops,
		"table_capacity", simCfg.TableCapacity,
		"channel_size", simCfg.ChannelSize,
	)

	if err := frontend.Run(ctx, sim, pipeline); err != nil {
		logger.Errorw("simulation failed", "err", err)
		return cli.Exit("", 1)
	}

	issued := sim.Issued()
	seen, filtered := pipeline.Counts()

	logger.Infow("simulation finished",
		"reads", issued.Reads,
		"writes", issued.Writes,
		"lost_returns", issued.LostReturns,
		"seen", seen,
		"filtered", filtered,
	)

	if err := frontend.LogStats(logger, sim); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if err := pipeline.Aggregator().WriteSummary(os.Stderr, cfg.Output.Top); err != nil {
		logger.Warnw("failed to write summary", "err", err)
	}

	if ctx.Err() == nil {
		if err := sim.Check(seen); err != nil {
			logger.Errorw("counters do not add up", "err", err)
			return cli.Exit("", 2)
		}
	}

	return nil
}
