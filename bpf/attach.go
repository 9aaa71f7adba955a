package bpf

import "fmt"

// Op is the kind of I/O an attachment point performs.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// MaxArgs is the number of argument registers the probes can read.
const MaxArgs = 5

// AttachPoint is a kernel function the probes are bound to, together with its
// calling convention. Read points get an entry probe and a return probe, write
// points get an entry probe only.
type AttachPoint struct {
	Symbol   string
	Op       Op
	FileArg  int  // index of the struct file * argument
	PosArg   int  // index of the loff_t * argument, reads only
	Optional bool // a missing optional symbol is a logged blind spot, not an error
}

// DefaultAttachPoints covers every call form able to perform a read or a write. The
// vector and iterator forms are not exported by every kernel and are optional.
func DefaultAttachPoints() []AttachPoint {
	return []AttachPoint{
		{Symbol: "kernel_read", Op: OpRead, FileArg: 0, PosArg: 3},
		{Symbol: "vfs_read", Op: OpRead, FileArg: 0, PosArg: 3},
		{Symbol: "vfs_readv", Op: OpRead, FileArg: 0, PosArg: 3, Optional: true},
		{Symbol: "vfs_iter_read", Op: OpRead, FileArg: 0, PosArg: 2, Optional: true},
		{Symbol: "kernel_write", Op: OpWrite, FileArg: 0},
		{Symbol: "vfs_write", Op: OpWrite, FileArg: 0},
		{Symbol: "vfs_writev", Op: OpWrite, FileArg: 0, Optional: true},
		{Symbol: "vfs_iter_write", Op: OpWrite, FileArg: 0, Optional: true},
	}
}

// Validate checks the calling convention of p.
func (p AttachPoint) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrUnknownPoint)
	}

	if p.FileArg < 0 || p.FileArg >= MaxArgs {
		return fmt.Errorf("%w: %s: file argument %d out of range", ErrUnknownPoint, p.Symbol, p.FileArg)
	}

	switch p.Op {
	case OpRead:
		if p.PosArg < 0 || p.PosArg >= MaxArgs || p.PosArg == p.FileArg {
			return fmt.Errorf("%w: %s: position argument %d invalid", ErrUnknownPoint, p.Symbol, p.PosArg)
		}
	case OpWrite:
	default:
		return fmt.Errorf("%w: %s: op %q", ErrUnknownPoint, p.Symbol, p.Op)
	}

	return nil
}

// entryName and returnName name the generated programs. Kernel object names are
// truncated to 15 characters by the loader.
func (p AttachPoint) entryName() string {
	if p.Op == OpWrite {
		return "iow_" + p.Symbol
	}

	return "ior_" + p.Symbol
}

func (p AttachPoint) returnName() string {
	return "iox_" + p.Symbol
}
