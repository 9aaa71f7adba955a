package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const license = "Dual MIT/GPL"

// Stack slots, relative to the frame pointer.
const (
	stackKey     = -8  // u64 pid_tgid, the correlation key
	stackScratch = -16 // u64 file->f_inode
	stackStatKey = -24 // u32 stats index
	stackZero    = stackStatKey - RecordSize
)

// Register roles that survive helper calls.
const (
	regCtx    = asm.R6
	regSlot   = asm.R7
	regRecord = asm.R8
	regID     = asm.R9
)

// mapFDs are the file descriptors the generated programs refer to.
type mapFDs struct {
	Entries int
	Events  int
	Stats   int
}

// progGen emits the probe programs. Every attachment point gets its own program,
// but all programs of one kind are emitted by the same function so that the
// correlation and publish logic exists exactly once.
type progGen struct {
	layout *Layout
	fds    mapFDs
	labels int
}

func (g *progGen) label(prefix string) string {
	g.labels++
	return fmt.Sprintf("%s_%d", prefix, g.labels)
}

// prologue saves the context and the current pid_tgid.
func (g *progGen) prologue() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(regCtx, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(regID, asm.R0),
		asm.StoreMem(asm.RFP, stackKey, asm.R0, asm.DWord),
	}
}

func (g *progGen) epilogue(exit string) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Imm(asm.R0, 0).WithSymbol(exit),
		asm.Return(),
	}
}

// incStat bumps a per-CPU counter. A missing counter is ignored.
func (g *progGen) incStat(s StatType) asm.Instructions {
	done := g.label("stat")

	return asm.Instructions{
		asm.StoreImm(asm.RFP, stackStatKey, int64(s), asm.Word),
		asm.LoadMapPtr(asm.R1, g.fds.Stats),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackStatKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, done),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol(done),
	}
}

// probeRead copies size bytes from the kernel address in src into dst+off using
// bpf_probe_read_kernel. The helper zeroes dst on a fault, and the fault is counted.
func (g *progGen) probeRead(dst asm.Register, off int32, src asm.Register, size int32) asm.Instructions {
	ok := g.label("read_ok")

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R3, src),
		asm.Mov.Reg(asm.R1, dst),
		asm.Add.Imm(asm.R1, off),
		asm.Mov.Imm(asm.R2, size),
		asm.FnProbeReadKernel.Call(),
		asm.JEq.Imm(asm.R0, 0, ok),
	}
	insns = append(insns, g.incStat(StatReadFault)...)

	return append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol(ok))
}

// readInode reads file->f_inode->i_ino into dst+off. The struct file pointer is taken
// from argument register arg.
func (g *progGen) readInode(dst asm.Register, off int32, arg int) asm.Instructions {
	var insns asm.Instructions

	insns = append(insns,
		asm.LoadMem(asm.R4, regCtx, g.layout.Regs.Args[arg], asm.DWord),
		asm.Add.Imm(asm.R4, int32(g.layout.FileInode)),
	)
	insns = append(insns, g.probeRead(asm.RFP, stackScratch, asm.R4, 8)...)
	insns = append(insns,
		asm.LoadMem(asm.R4, asm.RFP, stackScratch, asm.DWord),
		asm.Add.Imm(asm.R4, int32(g.layout.InodeIno)),
	)

	return append(insns, g.probeRead(dst, off, asm.R4, 8)...)
}

// finishRecord fills the direction, name and padding of the reserved record and
// submits it.
func (g *progGen) finishRecord(dir Direction) asm.Instructions {
	insns := asm.Instructions{
		asm.StoreImm(regRecord, offPID+4, 0, asm.Word),
		asm.StoreImm(regRecord, offDirection, int64(dir), asm.Byte),
		asm.StoreImm(regRecord, offComm+CommLen, 0, asm.Byte),
		asm.StoreImm(regRecord, offComm+CommLen+1, 0, asm.Half),
		asm.StoreImm(regRecord, offComm+CommLen+3, 0, asm.Word),
		asm.Mov.Reg(asm.R1, regRecord),
		asm.Add.Imm(asm.R1, offComm),
		asm.Mov.Imm(asm.R2, CommLen),
		asm.FnGetCurrentComm.Call(),
		asm.Mov.Reg(asm.R1, regRecord),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),
	}

	return append(insns, g.incStat(StatPublished)...)
}

// reserve reserves a record in the events ring buffer into regRecord, jumping to
// full when the buffer has no room.
func (g *progGen) reserve(full string) asm.Instructions {
	ok := g.label("reserved")

	insns := asm.Instructions{
		asm.LoadMapPtr(asm.R1, g.fds.Events),
		asm.Mov.Imm(asm.R2, RecordSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JNE.Imm(asm.R0, 0, ok),
	}
	insns = append(insns, g.incStat(StatChannelFull)...)

	return append(insns,
		asm.Ja.Label(full),
		asm.Mov.Reg(regRecord, asm.R0).WithSymbol(ok),
	)
}

func (g *progGen) lookupSlot() asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, g.fds.Entries),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.FnMapLookupElem.Call(),
	}
}

// readEntry records pid, inode and offset for the current thread, inserting a
// zeroed slot first when there is none.
func (g *progGen) readEntry(p AttachPoint) asm.Instructions {
	exit := g.label("exit")
	populate := g.label("populate")

	insns := g.prologue()
	insns = append(insns, g.incStat(StatEntryFired)...)
	insns = append(insns, g.lookupSlot()...)
	insns = append(insns, asm.JNE.Imm(asm.R0, 0, populate))

	for off := int16(0); off < RecordSize; off += 8 {
		insns = append(insns, asm.StoreImm(asm.RFP, stackZero+off, 0, asm.DWord))
	}

	insns = append(insns,
		asm.LoadMapPtr(asm.R1, g.fds.Entries),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackZero),
		asm.Mov.Imm(asm.R4, 0), // BPF_ANY
		asm.FnMapUpdateElem.Call(),
	)
	insns = append(insns, g.lookupSlot()...)
	insns = append(insns, asm.JNE.Imm(asm.R0, 0, populate))
	insns = append(insns, g.incStat(StatEntryTableFull)...)
	insns = append(insns,
		asm.Ja.Label(exit),
		asm.Mov.Reg(regSlot, asm.R0).WithSymbol(populate),
		asm.Mov.Reg(asm.R1, regID),
		asm.RSh.Imm(asm.R1, 32),
		asm.StoreMem(regSlot, offPID, asm.R1, asm.Word),
	)
	insns = append(insns, g.readInode(regSlot, offInode, p.FileArg)...)
	insns = append(insns, asm.LoadMem(asm.R5, regCtx, g.layout.Regs.Args[p.PosArg], asm.DWord))
	insns = append(insns, g.probeRead(regSlot, offOffset, asm.R5, 8)...)

	return append(insns, g.epilogue(exit)...)
}

// readReturn consumes the current thread's slot and publishes a read event. The
// slot is deleted whether or not the record could be reserved.
func (g *progGen) readReturn() asm.Instructions {
	exit := g.label("exit")
	found := g.label("found")
	del := g.label("delete")

	insns := g.prologue()
	insns = append(insns, g.incStat(StatReturnFired)...)
	insns = append(insns, g.lookupSlot()...)
	insns = append(insns, asm.JNE.Imm(asm.R0, 0, found))
	insns = append(insns, g.incStat(StatReturnUnmatched)...)
	insns = append(insns,
		asm.Ja.Label(exit),
		asm.Mov.Reg(regSlot, asm.R0).WithSymbol(found),
	)
	insns = append(insns, g.reserve(del)...)
	insns = append(insns,
		asm.LoadMem(asm.R1, regSlot, offPID, asm.Word),
		asm.StoreMem(regRecord, offPID, asm.R1, asm.Word),
		asm.LoadMem(asm.R1, regSlot, offInode, asm.DWord),
		asm.StoreMem(regRecord, offInode, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, regSlot, offOffset, asm.DWord),
		asm.StoreMem(regRecord, offOffset, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, regCtx, g.layout.Regs.Ret, asm.DWord),
		asm.StoreMem(regRecord, offCompletion, asm.R1, asm.DWord),
	)
	insns = append(insns, g.finishRecord(Read)...)
	insns = append(insns,
		asm.LoadMapPtr(asm.R1, g.fds.Entries).WithSymbol(del),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.FnMapDeleteElem.Call(),
	)

	return append(insns, g.epilogue(exit)...)
}

// write publishes a write event straight away. Writes do not capture a size.
func (g *progGen) write(p AttachPoint) asm.Instructions {
	exit := g.label("exit")

	insns := g.prologue()
	insns = append(insns, g.incStat(StatWriteFired)...)
	insns = append(insns, g.reserve(exit)...)
	insns = append(insns,
		asm.Mov.Reg(asm.R1, regID),
		asm.RSh.Imm(asm.R1, 32),
		asm.StoreMem(regRecord, offPID, asm.R1, asm.Word),
		asm.StoreImm(regRecord, offOffset, 0, asm.DWord),
		asm.StoreImm(regRecord, offCompletion, 0, asm.DWord),
	)
	insns = append(insns, g.readInode(regRecord, offInode, p.FileArg)...)
	insns = append(insns, g.finishRecord(Write)...)

	return append(insns, g.epilogue(exit)...)
}

// probeSpec is a generated program together with where it attaches.
type probeSpec struct {
	Point  AttachPoint
	Return bool
	Spec   *ebpf.ProgramSpec
}

// programSpecs generates one program per probe of every attachment point.
func programSpecs(layout *Layout, fds mapFDs, points []AttachPoint) ([]probeSpec, error) {
	g := &progGen{layout: layout, fds: fds}

	var specs []probeSpec

	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		switch p.Op {
		case OpRead:
			specs = append(specs,
				probeSpec{Point: p, Spec: kprobeSpec(p.entryName(), g.readEntry(p))},
				probeSpec{Point: p, Return: true, Spec: kprobeSpec(p.returnName(), g.readReturn())},
			)
		case OpWrite:
			specs = append(specs, probeSpec{Point: p, Spec: kprobeSpec(p.entryName(), g.write(p))})
		}
	}

	return specs, nil
}

func kprobeSpec(name string, insns asm.Instructions) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:         name,
		Type:         ebpf.Kprobe,
		Instructions: insns,
		License:      license,
	}
}
