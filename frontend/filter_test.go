package frontend

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/iomon/bpf"
	"golang.org/x/sys/unix"
)

var (
	catRead = bpf.Event{
		PID:        100,
		Inode:      42,
		Offset:     100,
		Completion: bpf.BytesTransferred(64),
		Direction:  bpf.Read,
		Comm:       bpf.NewComm("cat"),
	}
	failedRead = bpf.Event{
		PID:        101,
		Inode:      42,
		Completion: bpf.FailedWith(unix.EIO),
		Direction:  bpf.Read,
		Comm:       bpf.NewComm("dd"),
	}
	shWrite = bpf.Event{
		PID:       200,
		Inode:     7,
		Direction: bpf.Write,
		Comm:      bpf.NewComm("sh"),
	}
)

func TestFilter_Match(t *testing.T) {
	cases := []struct {
		expr     string
		ev       bpf.Event
		expected bool
	}{
		{expr: "read", ev: catRead, expected: true},
		{expr: "read", ev: shWrite, expected: false},
		{expr: "write && inode == 7", ev: shWrite, expected: true},
		{expr: "size >= 64 && comm == 'cat'", ev: catRead, expected: true},
		{expr: "size > 64", ev: catRead, expected: false},
		{expr: "failed && errno == 5", ev: failedRead, expected: true},
		{expr: "failed", ev: catRead, expected: false},
		{expr: "pid == 200 || pid == 100", ev: shWrite, expected: true},
		{expr: "offset == 100", ev: catRead, expected: true},
		{expr: "comm startsWith 'd'", ev: failedRead, expected: true},
	}

	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			f, err := NewFilter(c.expr)
			require.NoError(t, err)

			got, err := f.Match(&c.ev)
			require.NoError(t, err)
			require.Equal(t, c.expected, got)
		})
	}
}

func TestFilter_Empty(t *testing.T) {
	f, err := NewFilter("")
	require.NoError(t, err)
	require.Nil(t, f)

	got, err := f.Match(&shWrite)
	require.NoError(t, err)
	require.True(t, got)
}

func TestNewFilter_Invalid(t *testing.T) {
	cases := []string{
		"size +",
		"inode", // not a bool
		"unknown_field > 1",
	}

	for _, c := range cases {
		t.Run(c, func(t *testing.T) {
			_, err := NewFilter(c)
			require.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}
