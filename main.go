package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tcassar-diss/iomon/bpf"
	"github.com/tcassar-diss/iomon/frontend"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

type flags struct {
	config   string
	verbose  bool
	filter   string
	csv      string
	db       string
	duration time.Duration
	stats    bool
	top      int
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

func main() {
	f := &flags{}

	app := &cli.App{
		Name:  "iomon",
		Usage: "observe file reads and writes system-wide",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "TOML configuration file",
				Destination: &f.config,
			}, &cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "development logging",
				Destination: &f.verbose,
			}, &cli.StringFlag{
				Name:        "filter",
				Usage:       "only report events matching this expression, e.g. 'read && size > 0'",
				Destination: &f.filter,
			}, &cli.StringFlag{
				Name:        "csv",
				Usage:       "write events as CSV to this file instead of text to stdout",
				Destination: &f.csv,
			}, &cli.StringFlag{
				Name:        "db",
				Usage:       "also record events into this sqlite database",
				Destination: &f.db,
			}, &cli.DurationFlag{
				Name:        "duration",
				Usage:       "stop after this long (0 runs until interrupted)",
				Destination: &f.duration,
			}, &cli.BoolFlag{
				Name:        "stats",
				Usage:       "log probe counters on exit",
				Destination: &f.stats,
			}, &cli.IntFlag{
				Name:        "top",
				Usage:       "rows in the exit summary (0 keeps the configured value, -1 disables it)",
				Destination: &f.top,
			},
		},
		Action: func(cCtx *cli.Context) error {
			return run(cCtx.Context, f)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// apply overrides configuration values with the flags that were set.
func (f *flags) apply(cfg *frontend.Config) {
	if f.filter != "" {
		cfg.Filter.Expr = f.filter
	}

	if f.csv != "" {
		cfg.Output.Format = frontend.FormatCSV
		cfg.Output.Path = f.csv
	}

	if f.db != "" {
		cfg.Output.DB = f.db
	}

	switch {
	case f.top < 0:
		cfg.Output.Summary = false
	case f.top > 0:
		cfg.Output.Top = f.top
	}
}

func run(ctx context.Context, f *flags) error {
	l, err := newLogger(f.verbose)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to get zap logger: %v", err), 1)
	}

	logger := l.Sugar()
	defer l.Sync()

	cfg, err := frontend.LoadConfig(f.config)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	f.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	monitorCfg, err := cfg.MonitorCfg()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	pipeline, err := frontend.NewPipelineFromConfig(logger, cfg, os.Stdout)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer pipeline.Close()

	monitor, err := bpf.NewMonitor(logger, monitorCfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load bpf programs: %v", err), 1)
	}
	defer monitor.Close()

	logger.Infow("programs loaded successfully", "points", len(monitorCfg.Points))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.duration > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	if err := frontend.Run(ctx, monitor, pipeline); err != nil {
		logger.Errorw("error occurred while monitoring", "err", err)
		return cli.Exit("", 1)
	}

	logger.Info("monitoring finished")

	if blind := monitor.BlindSpots(); len(blind) > 0 {
		logger.Warnw("some call forms were not observed", "symbols", blind)
	}

	if cfg.Output.Summary {
		if err := pipeline.Aggregator().WriteSummary(os.Stderr, cfg.Output.Top); err != nil {
			logger.Warnw("failed to write summary", "err", err)
		}
	}

	if f.stats {
		if err := frontend.LogStats(logger, monitor); err != nil {
			logger.Warnw("failed to read probe counters", "err", err)
		}
	}

	return nil
}
