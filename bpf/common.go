package bpf

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrShortRecord      = errors.New("record shorter than event layout")
	ErrBadDirection     = errors.New("invalid direction discriminant")
	ErrSymbolMissing    = errors.New("kernel symbol not available")
	ErrLayoutUnresolved = errors.New("failed to resolve kernel struct layout")
	ErrUnknownPoint     = errors.New("unknown attachment point")
)

// CommLen is the width of the process name field of an event record. It is larger
// than the kernel's TASK_COMM_LEN and is padded with NULs.
const CommLen = 80

// Comm is a fixed-width process name. It is not guaranteed to be NUL-terminated.
type Comm [CommLen]byte

// NewComm truncates or pads s into a Comm.
func NewComm(s string) Comm {
	var c Comm
	copy(c[:], s)

	return c
}

func (c Comm) String() string {
	if i := bytes.IndexByte(c[:], 0); i >= 0 {
		return string(c[:i])
	}

	return string(c[:])
}

// ThreadID is the value returned by bpf_get_current_pid_tgid: the thread group id
// (the userspace pid) in the upper 32 bits and the thread id in the lower 32 bits.
type ThreadID uint64

func NewThreadID(pid, tid uint32) ThreadID {
	return ThreadID(uint64(pid)<<32 | uint64(tid))
}

// Pid returns the process (thread group) id.
func (t ThreadID) Pid() uint32 { return uint32(t >> 32) }

// Tid returns the thread id.
func (t ThreadID) Tid() uint32 { return uint32(t) }

// Direction discriminates read events from write events.
type Direction uint8

const (
	Read  Direction = 0
	Write Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// CompletionKind tags a Completion.
type CompletionKind uint8

const (
	CompletionBytes CompletionKind = iota
	CompletionError
)

// Completion is the result of an observed read: either a number of bytes
// transferred or an error code. On the wire it is the raw return register.
type Completion struct {
	Kind  CompletionKind
	Value uint64 // bytes transferred, or the magnitude of the error code
}

// CompletionFromRaw sign-checks a raw return value.
func CompletionFromRaw(raw uint64) Completion {
	if int64(raw) < 0 {
		return Completion{Kind: CompletionError, Value: uint64(-int64(raw))}
	}

	return Completion{Kind: CompletionBytes, Value: raw}
}

// BytesTransferred builds a successful Completion.
func BytesTransferred(n uint64) Completion {
	return Completion{Kind: CompletionBytes, Value: n}
}

// FailedWith builds a failed Completion.
func FailedWith(errno unix.Errno) Completion {
	return Completion{Kind: CompletionError, Value: uint64(errno)}
}

// Raw returns the wire representation of c.
func (c Completion) Raw() uint64 {
	if c.Kind == CompletionError {
		return uint64(-int64(c.Value))
	}

	return c.Value
}

// Bytes returns the byte count when c is not an error.
func (c Completion) Bytes() (uint64, bool) {
	if c.Kind != CompletionBytes {
		return 0, false
	}

	return c.Value, true
}

// Errno returns the error code when c carries one.
func (c Completion) Errno() (unix.Errno, bool) {
	if c.Kind != CompletionError {
		return 0, false
	}

	return unix.Errno(c.Value), true
}

func (c Completion) String() string {
	if errno, ok := c.Errno(); ok {
		return fmt.Sprintf("error(%d: %s)", uint64(errno), errno.Error())
	}

	return fmt.Sprintf("%d bytes", c.Value)
}
