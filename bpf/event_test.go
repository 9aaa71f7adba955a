package bpf_test

import (
	"errors"
	"testing"

	"github.com/tcassar-diss/iomon/bpf"
	"golang.org/x/sys/unix"
)

func TestEvent_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ev   bpf.Event
	}{
		{
			name: "Read with bytes",
			ev: bpf.Event{
				PID:        100,
				Inode:      42,
				Offset:     100,
				Completion: bpf.BytesTransferred(64),
				Direction:  bpf.Read,
				Comm:       bpf.NewComm("cat"),
			},
		},
		{
			name: "Read with error",
			ev: bpf.Event{
				PID:        7,
				Inode:      9,
				Offset:     -1,
				Completion: bpf.FailedWith(unix.EBADF),
				Direction:  bpf.Read,
				Comm:       bpf.NewComm("reader"),
			},
		},
		{
			name: "Write",
			ev: bpf.Event{
				PID:       200,
				Inode:     7,
				Direction: bpf.Write,
				Comm:      bpf.NewComm("writer"),
			},
		},
		{
			name: "Largest byte count",
			ev: bpf.Event{
				Completion: bpf.BytesTransferred(1<<63 - 1),
				Direction:  bpf.Read,
			},
		},
		{
			name: "Full width comm",
			ev: bpf.Event{
				Direction: bpf.Read,
				Comm: func() bpf.Comm {
					var c bpf.Comm
					for i := range c {
						c[i] = 'a'
					}
					return c
				}(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.ev.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() err = %v", err)
			}

			if len(b) != bpf.RecordSize {
				t.Errorf("MarshalBinary() len = %d, expected %d", len(b), bpf.RecordSize)
			}

			got, err := bpf.UnmarshalEvent(b)
			if err != nil {
				t.Fatalf("UnmarshalEvent() err = %v", err)
			}

			if got != tt.ev {
				t.Errorf("UnmarshalEvent() = %+v, expected %+v", got, tt.ev)
			}
		})
	}
}

func TestCompletionFromRaw(t *testing.T) {
	tests := []struct {
		name      string
		raw       uint64
		kind      bpf.CompletionKind
		value     uint64
		errnoFlag bool
	}{
		{name: "Zero", raw: 0, kind: bpf.CompletionBytes, value: 0},
		{name: "Bytes", raw: 64, kind: bpf.CompletionBytes, value: 64},
		{name: "Largest positive", raw: 1<<63 - 1, kind: bpf.CompletionBytes, value: 1<<63 - 1},
		{name: "Smallest negative", raw: 1 << 63, kind: bpf.CompletionError, value: 1 << 63, errnoFlag: true},
		{name: "EIO", raw: ^uint64(0) - 4, kind: bpf.CompletionError, value: 5, errnoFlag: true},
		{name: "Minus one", raw: ^uint64(0), kind: bpf.CompletionError, value: 1, errnoFlag: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := bpf.CompletionFromRaw(tt.raw)

			if c.Kind != tt.kind || c.Value != tt.value {
				t.Errorf("CompletionFromRaw(%#x) = %+v, expected kind %d value %d", tt.raw, c, tt.kind, tt.value)
			}

			if _, ok := c.Errno(); ok != tt.errnoFlag {
				t.Errorf("Errno() ok = %t, expected %t", ok, tt.errnoFlag)
			}

			if _, ok := c.Bytes(); ok == tt.errnoFlag {
				t.Errorf("Bytes() ok = %t, expected %t", ok, !tt.errnoFlag)
			}

			if got := c.Raw(); got != tt.raw {
				t.Errorf("Raw() = %#x, expected %#x", got, tt.raw)
			}
		})
	}
}

func TestUnmarshalEvent_Errors(t *testing.T) {
	valid, err := (&bpf.Event{Direction: bpf.Write}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() err = %v", err)
	}

	badDirection := append([]byte(nil), valid...)
	badDirection[32] = 2

	tests := []struct {
		name string
		b    []byte
		err  error
	}{
		{name: "Empty", b: nil, err: bpf.ErrShortRecord},
		{name: "Truncated comm", b: valid[:100], err: bpf.ErrShortRecord},
		{name: "Bad direction", b: badDirection, err: bpf.ErrBadDirection},
		{name: "Without trailing padding", b: valid[:113], err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bpf.UnmarshalEvent(tt.b)

			if !errors.Is(err, tt.err) {
				t.Errorf("UnmarshalEvent() err = %v, expected %v", err, tt.err)
			}
		})
	}
}

func TestEvent_EncodeZeroesPadding(t *testing.T) {
	dst := make([]byte, bpf.RecordSize)
	for i := range dst {
		dst[i] = 0xff
	}

	ev := bpf.Event{PID: 1, Direction: bpf.Read}
	ev.Encode(dst)

	for _, off := range []int{4, 5, 6, 7, 113, 114, 115, 116, 117, 118, 119} {
		if dst[off] != 0 {
			t.Errorf("Encode() left byte %d = %#x, expected 0", off, dst[off])
		}
	}
}

func TestThreadID(t *testing.T) {
	id := bpf.NewThreadID(100, 101)

	if id.Pid() != 100 || id.Tid() != 101 {
		t.Errorf("NewThreadID(100, 101) = pid %d tid %d", id.Pid(), id.Tid())
	}

	if uint64(id) != 100<<32|101 {
		t.Errorf("NewThreadID(100, 101) = %#x", uint64(id))
	}
}

func TestComm_String(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{in: "cat", expected: "cat"},
		{in: "", expected: ""},
		{in: "a\x00b", expected: "a"},
	}

	for _, tt := range tests {
		if got := bpf.NewComm(tt.in).String(); got != tt.expected {
			t.Errorf("NewComm(%q).String() = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}
