package bpf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// MonitorCfg configures the kernel probes.
type MonitorCfg struct {
	TableCapacity uint32
	ChannelSize   uint32
	Points        []AttachPoint
	Layout        *Layout // resolved from kernel BTF when nil
}

// DefaultMonitorCfg returns the default probe configuration.
func DefaultMonitorCfg() *MonitorCfg {
	return &MonitorCfg{
		TableCapacity: DefaultTableCapacity,
		ChannelSize:   DefaultChannelSize,
		Points:        DefaultAttachPoints(),
	}
}

type loadedProbe struct {
	probeSpec
	prog *ebpf.Program
}

// Monitor is a golang interface to the file I/O probes.
//
// Using Monitor takes two steps: NewMonitor generates and loads the probe programs
// and their maps, then Start attaches them to the kernel and streams decoded events
// until its context is cancelled.
type Monitor struct {
	logger     *zap.SugaredLogger
	cfg        *MonitorCfg
	objects    *objects
	probes     []loadedProbe
	links      []link.Link
	blindSpots []string
}

// NewMonitor loads the probe programs. Nothing is attached yet.
func NewMonitor(logger *zap.SugaredLogger, cfg *MonitorCfg) (*Monitor, error) {
	m := &Monitor{
		logger: logger,
		cfg:    cfg,
	}

	if err := m.init(); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to initialise monitor: %w", err)
	}

	return m, nil
}

func (m *Monitor) init() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	layout := m.cfg.Layout
	if layout == nil {
		var err error

		layout, err = KernelLayout()
		if err != nil {
			return err
		}
	}

	if err := layout.Validate(); err != nil {
		return err
	}

	m.logger.Infow("using kernel layout",
		"file_f_inode", layout.FileInode,
		"inode_i_ino", layout.InodeIno,
	)

	objs, err := newObjects(m.cfg.TableCapacity, m.cfg.ChannelSize)
	if err != nil {
		return err
	}
	m.objects = objs

	specs, err := programSpecs(layout, objs.fds(), m.cfg.Points)
	if err != nil {
		return fmt.Errorf("failed to generate probe programs: %w", err)
	}

	for _, spec := range specs {
		prog, err := ebpf.NewProgram(spec.Spec)
		if err != nil {
			return fmt.Errorf("failed to load program %s: %w", spec.Spec.Name, err)
		}

		m.probes = append(m.probes, loadedProbe{probeSpec: spec, prog: prog})
	}

	return nil
}

// Attach binds every loaded program to its kernel function. Optional points whose
// symbol is missing are skipped and reported by BlindSpots.
func (m *Monitor) Attach() error {
	for _, p := range m.probes {
		var (
			l   link.Link
			err error
		)

		if p.Return {
			l, err = link.Kretprobe(p.Point.Symbol, p.prog, nil)
		} else {
			l, err = link.Kprobe(p.Point.Symbol, p.prog, nil)
		}

		if err == nil {
			m.links = append(m.links, l)
			continue
		}

		if p.Point.Optional && errors.Is(err, os.ErrNotExist) {
			if !p.Return {
				m.blindSpots = append(m.blindSpots, p.Point.Symbol)
				m.logger.Warnw("optional attachment point missing, its call form will not be observed",
					"symbol", p.Point.Symbol, "op", p.Point.Op)
			}

			continue
		}

		m.closeLinks()

		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSymbolMissing, p.Point.Symbol)
		}

		return fmt.Errorf("failed to attach %s (return=%t): %w", p.Point.Symbol, p.Return, err)
	}

	m.logger.Infow("probes attached", "links", len(m.links), "blind_spots", len(m.blindSpots))

	return nil
}

// BlindSpots lists the optional attachment points that could not be attached.
func (m *Monitor) BlindSpots() []string {
	return m.blindSpots
}

// Start attaches the probes and sends decoded events to out until ctx is cancelled.
// Start is blocking!
func (m *Monitor) Start(ctx context.Context, out chan<- Event) error {
	if err := m.Attach(); err != nil {
		return err
	}
	defer m.closeLinks()

	rd, err := ringbuf.NewReader(m.objects.Events)
	if err != nil {
		return fmt.Errorf("failed to get reader to events ring buffer: %w", err)
	}
	defer rd.Close()

	// rd.Read blocks until a record arrives or the reader is closed, so closing it
	// is how the loop below observes cancellation.
	stop := closeOnCancel(ctx, rd)
	defer stop()

	var record ringbuf.Record

	for {
		if err := rd.ReadInto(&record); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				m.logger.Infow("events ring buffer closed, stopping")
				return nil
			}

			return fmt.Errorf("failed to read from events ring buffer: %w", err)
		}

		ev, err := UnmarshalEvent(record.RawSample)
		if err != nil {
			m.logger.Warnw("dropping undecodable record", "len", len(record.RawSample), "err", err)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// closeOnCancel closes c once ctx is cancelled. The returned stop function ends the
// watch without closing c and waits for the watcher to exit.
func closeOnCancel(ctx context.Context, c io.Closer) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// ReadStatsMap will report Stats of execution.
func (m *Monitor) ReadStatsMap() (*Stats, error) {
	counters, err := m.objects.readStats()
	if err != nil {
		return nil, err
	}

	return StatsFromCounters(counters), nil
}

// InFlight returns the number of correlation slots currently held.
func (m *Monitor) InFlight() (int, error) {
	return m.objects.inFlight()
}

func (m *Monitor) closeLinks() {
	for _, l := range m.links {
		if err := l.Close(); err != nil {
			m.logger.Warnw("failed to close link", "err", err)
		}
	}

	m.links = nil
}

// Close detaches the probes and releases programs and maps.
func (m *Monitor) Close() error {
	m.closeLinks()

	var errs []error

	for _, p := range m.probes {
		if err := p.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close program %s: %w", p.Spec.Name, err))
		}
	}

	m.probes = nil

	if m.objects != nil {
		if err := m.objects.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close maps: %w", err))
		}
	}

	return errors.Join(errs...)
}
