package frontend

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/tcassar-diss/iomon/bpf"
	"github.com/tcassar-diss/iomon/bpf/correlate"
	"github.com/tcassar-diss/iomon/bpf/evchan"
	"github.com/tcassar-diss/iomon/bpf/probe"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// simLayout places f_inode and i_ino where a 6.x x86_64 kernel has them.
var simLayout = bpf.Layout{FileInode: 32, InodeIno: 64}

const simPositions = 64

// SimCfg describes a synthetic workload.
type SimCfg struct {
	Threads       int
	ThreadsPerPID int
	Ops           int // per thread
	Files         int
	WriteRatio    float64
	LostReturns   float64 // entries whose return never fires
	FaultRatio    float64 // calls made with an unreadable file pointer
	ErrorRatio    float64 // reads that fail with EIO
	Seed          uint64

	TableCapacity int
	ChannelSize   int
}

func DefaultSimCfg() SimCfg {
	return SimCfg{
		Threads:       8,
		ThreadsPerPID: 2,
		Ops:           10000,
		Files:         16,
		WriteRatio:    0.25,
		LostReturns:   0.01,
		FaultRatio:    0.001,
		ErrorRatio:    0.01,
		Seed:          1,
		TableCapacity: bpf.DefaultTableCapacity,
		ChannelSize:   1 << 20,
	}
}

// SimIssued counts what the workload asked of the probes.
type SimIssued struct {
	Reads       uint64
	Writes      uint64
	LostReturns uint64
}

// Simulator drives the userspace probes with concurrent synthetic threads. It is a
// Source: Start runs the workload and streams what the probes publish.
type Simulator struct {
	logger *zap.SugaredLogger
	cfg    SimCfg
	tracer *probe.Tracer
	ch     *evchan.Channel
	kernel *probe.SimKernel

	reads, writes []bpf.AttachPoint
	files         []uint64
	positions     []uint64

	issuedReads  atomic.Uint64
	issuedWrites atomic.Uint64
	issuedLost   atomic.Uint64
}

func NewSimulator(logger *zap.SugaredLogger, cfg SimCfg) (*Simulator, error) {
	if cfg.Threads <= 0 || cfg.Ops < 0 || cfg.Files <= 0 {
		return nil, fmt.Errorf("%w: simulator needs threads and files", ErrConfigInvalid)
	}

	if cfg.TableCapacity <= 0 {
		return nil, fmt.Errorf("%w: table capacity must be positive", ErrConfigInvalid)
	}

	ch, err := evchan.New(cfg.ChannelSize)
	if err != nil {
		return nil, err
	}

	layout := simLayout
	kernel := probe.NewSimKernel(&layout)
	points := bpf.DefaultAttachPoints()

	tracer, err := probe.NewTracer(logger, correlate.New(cfg.TableCapacity), ch, kernel, &layout, points)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		logger: logger,
		cfg:    cfg,
		tracer: tracer,
		ch:     ch,
		kernel: kernel,
	}

	for _, p := range points {
		if p.Op == bpf.OpWrite {
			s.writes = append(s.writes, p)
		} else {
			s.reads = append(s.reads, p)
		}
	}

	for i := range cfg.Files {
		s.files = append(s.files, kernel.NewFile(uint64(1000+i)))
	}

	for i := range simPositions {
		s.positions = append(s.positions, kernel.NewPos(int64(i)*4096))
	}

	return s, nil
}

// Tracer exposes the probes being driven.
func (s *Simulator) Tracer() *probe.Tracer {
	return s.tracer
}

// Issued returns what the workload has done so far.
func (s *Simulator) Issued() SimIssued {
	return SimIssued{
		Reads:       s.issuedReads.Load(),
		Writes:      s.issuedWrites.Load(),
		LostReturns: s.issuedLost.Load(),
	}
}

// Start runs the workload, then closes the channel once every thread is done. The
// records still buffered at that point are drained before Start returns.
func (s *Simulator) Start(ctx context.Context, out chan<- bpf.Event) error {
	var eg errgroup.Group

	eg.Go(func() error {
		return s.tracer.Start(ctx, out)
	})

	var workers errgroup.Group

	for i := range s.cfg.Threads {
		workers.Go(func() error {
			return s.thread(ctx, i)
		})
	}

	eg.Go(func() error {
		defer s.ch.Close()
		return workers.Wait()
	})

	return eg.Wait()
}

func (s *Simulator) ReadStatsMap() (*bpf.Stats, error) {
	return s.tracer.ReadStatsMap()
}

func (s *Simulator) thread(ctx context.Context, i int) error {
	per := max(s.cfg.ThreadsPerPID, 1)
	pid := uint32(4000 + i/per)
	id := bpf.NewThreadID(pid, uint32(4000+i))
	comm := bpf.NewComm(fmt.Sprintf("sim-%d", pid))

	rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(i)))

	for n := range s.cfg.Ops {
		if n%256 == 0 && ctx.Err() != nil {
			return nil
		}

		file := s.files[rng.IntN(len(s.files))]
		if rng.Float64() < s.cfg.FaultRatio {
			file = 0
		}

		regs := probe.Regs{ID: id, Comm: comm}

		if rng.Float64() < s.cfg.WriteRatio {
			p := s.writes[rng.IntN(len(s.writes))]
			regs.Args[p.FileArg] = file

			if err := s.tracer.Fire(p.Symbol, false, &regs); err != nil {
				return err
			}

			s.issuedWrites.Add(1)

			continue
		}

		p := s.reads[rng.IntN(len(s.reads))]
		regs.Args[p.FileArg] = file
		regs.Args[p.PosArg] = s.positions[rng.IntN(len(s.positions))]

		if err := s.tracer.Fire(p.Symbol, false, &regs); err != nil {
			return err
		}

		s.issuedReads.Add(1)

		if rng.Float64() < s.cfg.LostReturns {
			s.issuedLost.Add(1)
			continue
		}

		regs.Ret = uint64(rng.IntN(1 << 16))
		if rng.Float64() < s.cfg.ErrorRatio {
			regs.Ret = bpf.FailedWith(unix.EIO).Raw()
		}

		if err := s.tracer.Fire(p.Symbol, true, &regs); err != nil {
			return err
		}
	}

	return nil
}

// Check compares the probe counters with what was issued and reports mismatches.
// It is meant for a finished run.
func (s *Simulator) Check(seen uint64) error {
	stats, err := s.tracer.ReadStatsMap()
	if err != nil {
		return err
	}

	issued := s.Issued()

	var errs []error

	if stats.EntryFired != issued.Reads {
		errs = append(errs, fmt.Errorf("entry_fired %d, issued %d reads", stats.EntryFired, issued.Reads))
	}

	if stats.WriteFired != issued.Writes {
		errs = append(errs, fmt.Errorf("write_fired %d, issued %d writes", stats.WriteFired, issued.Writes))
	}

	if stats.Published != seen {
		errs = append(errs, fmt.Errorf("published %d, consumed %d", stats.Published, seen))
	}

	if stats.Published+stats.ChannelFull+stats.ReturnUnmatched != stats.ReturnFired+stats.WriteFired {
		errs = append(errs, errors.New("every return and write must be published or counted as lost"))
	}

	return errors.Join(errs...)
}
