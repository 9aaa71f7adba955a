package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tcassar-diss/iomon/bpf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Source produces decoded events. Both bpf.Monitor and probe.Tracer are sources.
type Source interface {
	Start(ctx context.Context, out chan<- bpf.Event) error
	ReadStatsMap() (*bpf.Stats, error)
}

// Pipeline takes events from a Source through the filter, the aggregator and the
// sinks.
type Pipeline struct {
	logger *zap.SugaredLogger
	filter *Filter
	agg    *Aggregator
	procs  *ProcResolver
	sink   Sink

	seen     uint64
	filtered uint64
}

// NewPipeline builds a pipeline. filter, procs and sink may be nil.
func NewPipeline(
	logger *zap.SugaredLogger,
	filter *Filter,
	procs *ProcResolver,
	sink Sink,
) *Pipeline {
	return &Pipeline{
		logger: logger,
		filter: filter,
		agg:    NewAggregator(),
		procs:  procs,
		sink:   sink,
	}
}

// NewPipelineFromConfig builds the filter, the process resolver and the sinks named
// in cfg. Text and CSV output goes to stdout unless an output path is set.
func NewPipelineFromConfig(logger *zap.SugaredLogger, cfg *Config, stdout io.Writer) (*Pipeline, error) {
	filter, err := NewFilter(cfg.Filter.Expr)
	if err != nil {
		return nil, err
	}

	var procs *ProcResolver
	if cfg.Procname.CacheSize > 0 {
		procs, err = NewProcResolver(cfg.Procname.ProcRoot, cfg.Procname.CacheSize)
		if err != nil {
			return nil, err
		}
	}

	sinks, err := openSinks(logger, &cfg.Output, stdout)
	if err != nil {
		return nil, err
	}

	var sink Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	return NewPipeline(logger, filter, procs, sink), nil
}

func openSinks(logger *zap.SugaredLogger, cfg *OutputCfg, stdout io.Writer) (multiSink, error) {
	var sinks multiSink

	w, closer := stdout, io.Closer(nil)

	if cfg.Path != "" && cfg.Format != FormatNone {
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file: %w", err)
		}

		w, closer = f, f
	}

	switch cfg.Format {
	case FormatText:
		sinks = append(sinks, NewTextSink(w))

		if closer != nil {
			sinks = append(sinks, closerSink{closer})
		}
	case FormatCSV:
		s, err := NewCSVSink(w, closer)
		if err != nil {
			if closer != nil {
				closer.Close()
			}

			return nil, err
		}

		sinks = append(sinks, s)
	}

	if cfg.DB != "" {
		s, err := NewSQLiteSink(cfg.DB)
		if err != nil {
			sinks.Close()
			return nil, err
		}

		logger.Infow("recording events", "db", cfg.DB, "session", s.Session())

		sinks = append(sinks, s)
	}

	return sinks, nil
}

type closerSink struct {
	io.Closer
}

func (closerSink) Write(*Record) error { return nil }

// Aggregator returns the per (pid, inode) totals collected so far.
func (p *Pipeline) Aggregator() *Aggregator {
	return p.agg
}

// Counts returns the number of events consumed and the number the filter rejected.
func (p *Pipeline) Counts() (seen, filtered uint64) {
	return p.seen, p.filtered
}

func (p *Pipeline) handle(ev *bpf.Event) error {
	p.seen++

	match, err := p.filter.Match(ev)
	if err != nil {
		return err
	}

	if !match {
		p.filtered++
		return nil
	}

	p.agg.Add(ev)

	if p.sink == nil {
		return nil
	}

	rec := Record{Event: *ev}

	if p.procs != nil {
		info, err := p.procs.Lookup(ev.PID)
		if err != nil && !errors.Is(err, ErrProcessGone) {
			p.logger.Debugw("failed to resolve process", "pid", ev.PID, "err", err)
		}

		rec.Proc = info
	}

	if err := p.sink.Write(&rec); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// Consume handles events until the channel is closed.
func (p *Pipeline) Consume(events <-chan bpf.Event) error {
	for ev := range events {
		if err := p.handle(&ev); err != nil {
			return err
		}
	}

	p.logger.Infow("event stream ended", "seen", p.seen, "filtered", p.filtered)

	return nil
}

// Close closes the sinks.
func (p *Pipeline) Close() error {
	if p.sink == nil {
		return nil
	}

	return p.sink.Close()
}

// Run streams events from src through p until ctx is cancelled or either side
// fails. Events already handed over when ctx ends are still consumed.
func Run(ctx context.Context, src Source, p *Pipeline) error {
	// buffered s.th. decoding does not wait on every sink write
	events := make(chan bpf.Event, 1024)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(events)
		return src.Start(ctx, events)
	})

	// a failing consumer cancels ctx, which stops the source
	eg.Go(func() error {
		return p.Consume(events)
	})

	return eg.Wait()
}

// LogStats logs the probe counters of src.
func LogStats(logger *zap.SugaredLogger, src Source) error {
	stats, err := src.ReadStatsMap()
	if err != nil {
		return fmt.Errorf("couldn't read stats map: %w", err)
	}

	logger.Infow("execution stats",
		"entry_fired", stats.EntryFired,
		"entry_table_full", stats.EntryTableFull,
		"read_fault", stats.ReadFault,
		"return_fired", stats.ReturnFired,
		"return_unmatched", stats.ReturnUnmatched,
		"write_fired", stats.WriteFired,
		"channel_full", stats.ChannelFull,
		"published", stats.Published,
		"dropped", stats.Dropped(),
	)

	return nil
}
