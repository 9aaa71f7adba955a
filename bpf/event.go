package bpf

import (
	"encoding/binary"
	"fmt"
)

// Event record layout. It mirrors the naturally aligned C struct
//
//	struct event {
//	    u32 pid;
//	    u64 inode;
//	    s64 pos;
//	    u64 ret;
//	    u8  is_write;
//	    u8  comm[80];
//	};
//
// in native byte order, 120 bytes including padding.
const (
	offPID        = 0
	offInode      = 8
	offOffset     = 16
	offCompletion = 24
	offDirection  = 32
	offComm       = 33

	// RecordSize is the size of one event record on the wire.
	RecordSize = 120
)

// Event is a single observed file I/O operation.
type Event struct {
	PID        uint32
	Inode      uint64
	Offset     int64 // meaningful for reads only
	Completion Completion
	Direction  Direction
	Comm       Comm
}

// Encode writes e into dst, which must hold at least RecordSize bytes. Padding is
// zeroed so that records never carry stale bytes.
func (e *Event) Encode(dst []byte) {
	_ = dst[RecordSize-1]

	ne := binary.NativeEndian

	ne.PutUint32(dst[offPID:], e.PID)
	clear(dst[offPID+4 : offInode])
	ne.PutUint64(dst[offInode:], e.Inode)
	ne.PutUint64(dst[offOffset:], uint64(e.Offset))
	ne.PutUint64(dst[offCompletion:], e.Completion.Raw())
	dst[offDirection] = byte(e.Direction)
	copy(dst[offComm:offComm+CommLen], e.Comm[:])
	clear(dst[offComm+CommLen : RecordSize])
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *Event) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordSize)
	e.Encode(b)

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Event) UnmarshalBinary(b []byte) error {
	if len(b) < offComm+CommLen {
		return fmt.Errorf("%w: got %d bytes", ErrShortRecord, len(b))
	}

	dir := Direction(b[offDirection])
	if dir != Read && dir != Write {
		return fmt.Errorf("%w: %d", ErrBadDirection, b[offDirection])
	}

	ne := binary.NativeEndian

	e.PID = ne.Uint32(b[offPID:])
	e.Inode = ne.Uint64(b[offInode:])
	e.Offset = int64(ne.Uint64(b[offOffset:]))
	e.Completion = CompletionFromRaw(ne.Uint64(b[offCompletion:]))
	e.Direction = dir
	copy(e.Comm[:], b[offComm:offComm+CommLen])

	return nil
}

// UnmarshalEvent decodes a single record.
func UnmarshalEvent(b []byte) (Event, error) {
	var e Event
	if err := e.UnmarshalBinary(b); err != nil {
		return Event{}, err
	}

	return e, nil
}

func (e Event) String() string {
	if e.Direction == Write {
		return fmt.Sprintf("pid=%d comm=%q inode=%d write", e.PID, e.Comm.String(), e.Inode)
	}

	return fmt.Sprintf("pid=%d comm=%q inode=%d read offset=%d %s",
		e.PID, e.Comm.String(), e.Inode, e.Offset, e.Completion)
}
