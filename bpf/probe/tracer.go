// Package probe is the userspace rendition of the file I/O probes: the same entry,
// return and write handlers the kernel programs implement, built over a bounded
// correlation table and a lock-free event channel.
//
// Handlers never block and never fail. Whatever goes wrong (a full table, a faulting
// read, a full channel) costs an event and bumps a counter.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tcassar-diss/iomon/bpf"
	"github.com/tcassar-diss/iomon/bpf/correlate"
	"github.com/tcassar-diss/iomon/bpf/evchan"
	"go.uber.org/zap"
)

// Regs is the context of one probe firing: the current thread, its name, and the
// argument and return registers of the probed call.
type Regs struct {
	ID   bpf.ThreadID
	Comm bpf.Comm
	Args [bpf.MaxArgs]uint64
	Ret  uint64
}

// Memory reads kernel memory without faulting. On error dst must be left zeroed.
type Memory interface {
	Read(addr uint64, dst []byte) error
}

// Probe is a handler bound to one attachment point.
type Probe func(regs *Regs)

type probes struct {
	entry Probe
	ret   Probe
}

// Tracer runs the probe handlers.
type Tracer struct {
	logger *zap.SugaredLogger
	table  *correlate.Table
	ch     *evchan.Channel
	mem    Memory
	layout *bpf.Layout
	probes map[string]probes
	stats  [bpf.StatEnd]atomic.Uint64
}

// NewTracer builds a tracer and one adapter per attachment point.
func NewTracer(
	logger *zap.SugaredLogger,
	table *correlate.Table,
	ch *evchan.Channel,
	mem Memory,
	layout *bpf.Layout,
	points []bpf.AttachPoint,
) (*Tracer, error) {
	t := &Tracer{
		logger: logger,
		table:  table,
		ch:     ch,
		mem:    mem,
		layout: layout,
		probes: make(map[string]probes, len(points)),
	}

	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		t.probes[p.Symbol] = t.adapt(p)
	}

	return t, nil
}

func (t *Tracer) inc(s bpf.StatType) {
	t.stats[s].Add(1)
}

// adapt builds the thin adapters for p. They only extract arguments according to
// the calling convention of p and hand over to the shared handlers.
func (t *Tracer) adapt(p bpf.AttachPoint) probes {
	if p.Op == bpf.OpWrite {
		return probes{
			entry: func(regs *Regs) {
				t.Write(regs.ID, t.inodeOf(regs.Args[p.FileArg]), regs.Comm)
			},
		}
	}

	return probes{
		entry: func(regs *Regs) {
			inode := t.inodeOf(regs.Args[p.FileArg])
			offset := int64(t.readU64(regs.Args[p.PosArg]))
			t.Enter(regs.ID, inode, offset)
		},
		ret: func(regs *Regs) {
			t.Return(regs.ID, regs.Ret, regs.Comm)
		},
	}
}

// Probe returns the handler to bind to symbol; ret selects the return probe.
func (t *Tracer) Probe(symbol string, ret bool) (Probe, error) {
	p, ok := t.probes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bpf.ErrUnknownPoint, symbol)
	}

	if ret {
		if p.ret == nil {
			return nil, fmt.Errorf("%w: %s has no return probe", bpf.ErrUnknownPoint, symbol)
		}

		return p.ret, nil
	}

	return p.entry, nil
}

// Fire runs the handler bound to symbol as if the kernel had hit it.
func (t *Tracer) Fire(symbol string, ret bool, regs *Regs) error {
	p, err := t.Probe(symbol, ret)
	if err != nil {
		return err
	}

	p(regs)

	return nil
}

func (t *Tracer) readU64(addr uint64) uint64 {
	var buf [8]byte

	if err := t.mem.Read(addr, buf[:]); err != nil {
		t.inc(bpf.StatReadFault)
		return 0
	}

	return nativeU64(buf[:])
}

// inodeOf follows file->f_inode->i_ino.
func (t *Tracer) inodeOf(file uint64) uint64 {
	inode := t.readU64(file + uint64(t.layout.FileInode))

	return t.readU64(inode + uint64(t.layout.InodeIno))
}

// Enter parks the start of a read for thread id.
func (t *Tracer) Enter(id bpf.ThreadID, inode uint64, offset int64) {
	t.inc(bpf.StatEntryFired)

	e := t.table.GetOrCreateZero(uint64(id))
	if e == nil {
		t.inc(bpf.StatEntryTableFull)
		return
	}

	e.PID = id.Pid()
	e.Inode = inode
	e.Offset = offset
}

// Return completes the read parked for thread id, if any, and publishes it.
func (t *Tracer) Return(id bpf.ThreadID, ret uint64, comm bpf.Comm) {
	t.inc(bpf.StatReturnFired)

	e := t.table.Get(uint64(id))
	if e == nil {
		t.inc(bpf.StatReturnUnmatched)
		return
	}

	ev := bpf.Event{
		PID:        e.PID,
		Inode:      e.Inode,
		Offset:     e.Offset,
		Completion: bpf.CompletionFromRaw(ret),
		Direction:  bpf.Read,
		Comm:       comm,
	}

	t.table.Delete(uint64(id))
	t.publish(&ev)
}

// Write publishes a write straight away. The size of a write is not captured.
func (t *Tracer) Write(id bpf.ThreadID, inode uint64, comm bpf.Comm) {
	t.inc(bpf.StatWriteFired)

	ev := bpf.Event{
		PID:       id.Pid(),
		Inode:     inode,
		Direction: bpf.Write,
		Comm:      comm,
	}

	t.publish(&ev)
}

func (t *Tracer) publish(ev *bpf.Event) {
	s, ok := t.ch.Reserve(bpf.RecordSize)
	if !ok {
		t.inc(bpf.StatChannelFull)
		return
	}

	ev.Encode(s.Data)
	t.ch.Submit(s)
	t.inc(bpf.StatPublished)
}

// Start decodes published records and sends them to out until ctx is cancelled or
// the channel is closed. It has the same shape as bpf.Monitor.Start.
func (t *Tracer) Start(ctx context.Context, out chan<- bpf.Event) error {
	for {
		raw, err := t.ch.Read(ctx)
		if err != nil {
			if errors.Is(err, evchan.ErrClosed) || ctx.Err() != nil {
				t.logger.Infow("event channel closed, stopping")
				return nil
			}

			return fmt.Errorf("failed to read from event channel: %w", err)
		}

		ev, err := bpf.UnmarshalEvent(raw)
		if err != nil {
			t.logger.Warnw("dropping undecodable record", "len", len(raw), "err", err)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// ReadStatsMap will report Stats of execution.
func (t *Tracer) ReadStatsMap() (*bpf.Stats, error) {
	counters := make([]uint64, bpf.StatEnd)
	for i := range t.stats {
		counters[i] = t.stats[i].Load()
	}

	return bpf.StatsFromCounters(counters), nil
}

// InFlight returns the number of correlation slots currently held.
func (t *Tracer) InFlight() (int, error) {
	return t.table.Len(), nil
}
