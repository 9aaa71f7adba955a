package frontend

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/iomon/bpf"
)

func read(pid uint32, inode uint64, offset int64, n uint64) *bpf.Event {
	return &bpf.Event{
		PID:        pid,
		Inode:      inode,
		Offset:     offset,
		Completion: bpf.BytesTransferred(n),
		Direction:  bpf.Read,
		Comm:       bpf.NewComm("p"),
	}
}

func TestAggregator(t *testing.T) {
	a := NewAggregator()

	a.Add(read(1, 10, 0, 100))
	a.Add(read(1, 10, 100, 50))
	a.Add(read(2, 20, 0, 4096))
	a.Add(&failedRead)
	a.Add(&shWrite)
	a.Add(&shWrite)

	top := a.Top(0)
	require.Len(t, top, 4)

	require.Equal(t, Usage{PID: 2, Comm: "p", Inode: 20, Reads: 1, BytesRead: 4096}, top[0])
	require.Equal(t, Usage{PID: 1, Comm: "p", Inode: 10, Reads: 2, BytesRead: 150, LastOffset: 100}, top[1])

	// no bytes read: more operations first
	require.Equal(t, uint32(200), top[2].PID)
	require.EqualValues(t, 2, top[2].Writes)
	require.Equal(t, uint32(101), top[3].PID)
	require.EqualValues(t, 1, top[3].Errors)

	require.Len(t, a.Top(2), 2)

	reads, writes, bytesRead := a.Totals()
	require.EqualValues(t, 4, reads)
	require.EqualValues(t, 2, writes)
	require.EqualValues(t, 4246, bytesRead)
}

func TestAggregator_WriteSummary(t *testing.T) {
	a := NewAggregator()
	a.Add(read(1, 10, 0, 100))
	a.Add(&shWrite)

	var buf bytes.Buffer
	require.NoError(t, a.WriteSummary(&buf, 10))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "PID"))
	require.Contains(t, lines[1], "100")
	require.Contains(t, lines[2], "sh")
	require.True(t, strings.HasPrefix(lines[3], "total"))
}
