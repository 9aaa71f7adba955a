package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/iomon/bpf"
	"github.com/tcassar-diss/iomon/bpf/correlate"
	"github.com/tcassar-diss/iomon/bpf/evchan"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var testLayout = bpf.Layout{FileInode: 32, InodeIno: 64}

type harness struct {
	tracer *Tracer
	table  *correlate.Table
	ch     *evchan.Channel
	kernel *SimKernel
}

func newHarness(t *testing.T, capacity, chanSize int) *harness {
	t.Helper()

	ch, err := evchan.New(chanSize)
	require.NoError(t, err)

	layout := testLayout
	h := &harness{
		table:  correlate.New(capacity),
		ch:     ch,
		kernel: NewSimKernel(&layout),
	}

	h.tracer, err = NewTracer(zap.NewNop().Sugar(), h.table, ch, h.kernel, &layout, bpf.DefaultAttachPoints())
	require.NoError(t, err)

	return h
}

func (h *harness) drain(t *testing.T) []bpf.Event {
	t.Helper()

	var events []bpf.Event

	for {
		raw, ok := h.ch.TryRead()
		if !ok {
			return events
		}

		ev, err := bpf.UnmarshalEvent(raw)
		require.NoError(t, err)

		events = append(events, ev)
	}
}

func (h *harness) stats(t *testing.T) *bpf.Stats {
	t.Helper()

	s, err := h.tracer.ReadStatsMap()
	require.NoError(t, err)

	return s
}

func (h *harness) read(t *testing.T, symbol string, id bpf.ThreadID, file, pos uint64) {
	t.Helper()

	p, err := h.tracer.Probe(symbol, false)
	require.NoError(t, err)

	regs := Regs{ID: id}

	for _, point := range bpf.DefaultAttachPoints() {
		if point.Symbol == symbol {
			regs.Args[point.FileArg] = file
			regs.Args[point.PosArg] = pos
		}
	}

	p(&regs)
}

func (h *harness) ret(t *testing.T, id bpf.ThreadID, ret uint64, comm string) {
	t.Helper()

	require.NoError(t, h.tracer.Fire("vfs_read", true, &Regs{ID: id, Ret: ret, Comm: bpf.NewComm(comm)}))
}

func TestTracer_ReadScenario(t *testing.T) {
	h := newHarness(t, 16, 4096)

	t1 := bpf.NewThreadID(100, 101)
	h.read(t, "vfs_read", t1, h.kernel.NewFile(42), h.kernel.NewPos(100))
	h.ret(t, t1, 64, "cat")

	events := h.drain(t)
	require.Equal(t, []bpf.Event{{
		PID:        100,
		Inode:      42,
		Offset:     100,
		Completion: bpf.BytesTransferred(64),
		Direction:  bpf.Read,
		Comm:       bpf.NewComm("cat"),
	}}, events)

	require.Equal(t, 0, h.table.Len())
}

func TestTracer_WriteScenario(t *testing.T) {
	h := newHarness(t, 16, 4096)

	regs := Regs{ID: bpf.NewThreadID(200, 200), Comm: bpf.NewComm("writer")}
	regs.Args[0] = h.kernel.NewFile(7)

	require.NoError(t, h.tracer.Fire("vfs_write", false, &regs))

	events := h.drain(t)
	require.Equal(t, []bpf.Event{{
		PID:       200,
		Inode:     7,
		Direction: bpf.Write,
		Comm:      bpf.NewComm("writer"),
	}}, events)

	n, ok := events[0].Completion.Bytes()
	require.True(t, ok)
	require.Zero(t, n)
}

func TestTracer_DistinctThreads(t *testing.T) {
	const n = 32

	h := newHarness(t, n, 1<<16)

	for i := range n {
		id := bpf.NewThreadID(uint32(1000+i/4), uint32(1000+i))
		h.read(t, "kernel_read", id, h.kernel.NewFile(uint64(i)), h.kernel.NewPos(int64(i)*10))
	}

	require.Equal(t, n, h.table.Len())

	// returns in reverse order of entry
	for i := n - 1; i >= 0; i-- {
		id := bpf.NewThreadID(uint32(1000+i/4), uint32(1000+i))
		h.ret(t, id, uint64(i), "t")
	}

	events := h.drain(t)
	require.Len(t, events, n)

	for k, ev := range events {
		i := n - 1 - k

		require.Equal(t, uint32(1000+i/4), ev.PID)
		require.Equal(t, uint64(i), ev.Inode)
		require.Equal(t, int64(i)*10, ev.Offset)
		require.Equal(t, bpf.BytesTransferred(uint64(i)), ev.Completion)
	}

	require.Equal(t, 0, h.table.Len())
}

func TestTracer_ReturnWithoutEntry(t *testing.T) {
	h := newHarness(t, 4, 4096)

	other := bpf.NewThreadID(1, 1)
	h.read(t, "vfs_read", other, h.kernel.NewFile(3), h.kernel.NewPos(0))

	h.ret(t, bpf.NewThreadID(2, 2), 10, "late")

	require.Empty(t, h.drain(t))
	require.Equal(t, 1, h.table.Len())
	require.NotNil(t, h.table.Get(uint64(other)))

	s := h.stats(t)
	require.EqualValues(t, 1, s.ReturnUnmatched)
	require.EqualValues(t, 0, s.Published)
}

func TestTracer_TableFull(t *testing.T) {
	const n = 4

	h := newHarness(t, n, 4096)

	for i := range n {
		h.read(t, "vfs_read", bpf.NewThreadID(uint32(i), uint32(i)), h.kernel.NewFile(uint64(10+i)), h.kernel.NewPos(int64(i)))
	}

	extra := bpf.NewThreadID(99, 99)
	h.read(t, "vfs_read", extra, h.kernel.NewFile(99), h.kernel.NewPos(99))

	require.Equal(t, n, h.table.Len())
	require.Nil(t, h.table.Get(uint64(extra)))

	h.ret(t, extra, 5, "extra")
	require.Empty(t, h.drain(t))

	for i := range n {
		e := h.table.Get(uint64(bpf.NewThreadID(uint32(i), uint32(i))))
		require.NotNil(t, e)
		require.Equal(t, correlate.Entry{PID: uint32(i), Inode: uint64(10 + i), Offset: int64(i)}, *e)
	}

	s := h.stats(t)
	require.EqualValues(t, 1, s.EntryTableFull)
	require.EqualValues(t, 1, s.ReturnUnmatched)
	require.EqualValues(t, n+1, s.EntryFired)
}

func TestTracer_WriteIgnoresTable(t *testing.T) {
	h := newHarness(t, 1, 4096)

	h.read(t, "vfs_read", bpf.NewThreadID(1, 1), h.kernel.NewFile(1), h.kernel.NewPos(0))
	require.Equal(t, 1, h.table.Len())

	regs := Regs{ID: bpf.NewThreadID(2, 2)}
	regs.Args[0] = h.kernel.NewFile(2)
	require.NoError(t, h.tracer.Fire("kernel_write", false, &regs))

	events := h.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, bpf.Write, events[0].Direction)
	require.Equal(t, 1, h.table.Len())
}

func TestTracer_ChannelFullDoesNotCorrupt(t *testing.T) {
	// two 120 byte records with their headers fill 256 bytes
	h := newHarness(t, 4, 256)

	write := func(pid uint32) {
		regs := Regs{ID: bpf.NewThreadID(pid, pid)}
		regs.Args[0] = h.kernel.NewFile(uint64(pid))
		require.NoError(t, h.tracer.Fire("vfs_write", false, &regs))
	}

	write(1)
	write(2)
	write(3)

	require.EqualValues(t, 1, h.stats(t).ChannelFull)

	raw, ok := h.ch.TryRead()
	require.True(t, ok)
	first, err := bpf.UnmarshalEvent(raw)
	require.NoError(t, err)
	require.EqualValues(t, 1, first.PID)

	write(4)

	events := h.drain(t)
	require.Len(t, events, 2)
	require.EqualValues(t, 2, events[0].PID)
	require.EqualValues(t, 4, events[1].PID)
	require.EqualValues(t, 4, events[1].Inode)
}

func TestTracer_ChannelFullStillFreesSlot(t *testing.T) {
	h := newHarness(t, 4, 128)

	// fill the channel with one write
	regs := Regs{ID: bpf.NewThreadID(5, 5)}
	regs.Args[0] = h.kernel.NewFile(5)
	require.NoError(t, h.tracer.Fire("vfs_write", false, &regs))

	id := bpf.NewThreadID(6, 6)
	h.read(t, "vfs_read", id, h.kernel.NewFile(6), h.kernel.NewPos(0))
	h.ret(t, id, 1, "r")

	require.Equal(t, 0, h.table.Len())
	require.EqualValues(t, 1, h.stats(t).ChannelFull)
}

func TestTracer_ReadErrorCompletion(t *testing.T) {
	h := newHarness(t, 4, 4096)

	id := bpf.NewThreadID(7, 7)
	h.read(t, "vfs_read", id, h.kernel.NewFile(1), h.kernel.NewPos(0))
	h.ret(t, id, bpf.FailedWith(unix.EBADF).Raw(), "r")

	events := h.drain(t)
	require.Len(t, events, 1)

	errno, ok := events[0].Completion.Errno()
	require.True(t, ok)
	require.Equal(t, unix.EBADF, errno)
}

func TestTracer_FaultingPointers(t *testing.T) {
	h := newHarness(t, 4, 4096)

	id := bpf.NewThreadID(8, 8)
	h.read(t, "vfs_read", id, 0, 0)
	h.ret(t, id, 3, "r")

	events := h.drain(t)
	require.Len(t, events, 1)
	require.Zero(t, events[0].Inode)
	require.Zero(t, events[0].Offset)

	// file->f_inode, inode->i_ino and *pos all fault
	require.EqualValues(t, 3, h.stats(t).ReadFault)
}

func TestTracer_CallingConventions(t *testing.T) {
	tests := []struct {
		symbol string
	}{
		{symbol: "kernel_read"},
		{symbol: "vfs_read"},
		{symbol: "vfs_readv"},
		{symbol: "vfs_iter_read"},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			h := newHarness(t, 4, 4096)

			id := bpf.NewThreadID(9, 9)
			h.read(t, tt.symbol, id, h.kernel.NewFile(77), h.kernel.NewPos(4096))

			ret, err := h.tracer.Probe(tt.symbol, true)
			require.NoError(t, err)
			ret(&Regs{ID: id, Ret: 512})

			events := h.drain(t)
			require.Len(t, events, 1)
			require.EqualValues(t, 77, events[0].Inode)
			require.EqualValues(t, 4096, events[0].Offset)
			require.Zero(t, h.stats(t).ReadFault)
		})
	}
}

func TestTracer_UnknownPoints(t *testing.T) {
	h := newHarness(t, 4, 4096)

	_, err := h.tracer.Probe("vfs_fsync", false)
	require.ErrorIs(t, err, bpf.ErrUnknownPoint)

	_, err = h.tracer.Probe("vfs_write", true)
	require.ErrorIs(t, err, bpf.ErrUnknownPoint)

	require.ErrorIs(t, h.tracer.Fire("vfs_fsync", false, &Regs{}), bpf.ErrUnknownPoint)
}

func TestTracer_Start(t *testing.T) {
	h := newHarness(t, 4, 4096)

	out := make(chan bpf.Event, 4)
	done := make(chan error, 1)

	go func() {
		done <- h.tracer.Start(context.Background(), out)
	}()

	regs := Regs{ID: bpf.NewThreadID(200, 200)}
	regs.Args[0] = h.kernel.NewFile(7)
	require.NoError(t, h.tracer.Fire("vfs_write", false, &regs))

	select {
	case ev := <-out:
		require.EqualValues(t, 7, ev.Inode)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	h.ch.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after the channel was closed")
	}
}

func TestSimKernel_Read(t *testing.T) {
	layout := testLayout
	k := NewSimKernel(&layout)

	pos := k.NewPos(-5)

	buf := make([]byte, 8)
	require.NoError(t, k.Read(pos, buf))
	require.Equal(t, int64(-5), int64(nativeU64(buf)))

	// straddles the end of the object
	require.ErrorIs(t, k.Read(pos+4, buf), ErrFault)
	require.Equal(t, make([]byte, 8), buf)

	require.ErrorIs(t, k.Read(0, buf), ErrFault)
}
