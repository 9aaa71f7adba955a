package frontend

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"sync"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/tcassar-diss/iomon/bpf"
)

type usageKey struct {
	pid   uint32
	inode uint64
}

// Usage sums the I/O of one process on one file.
type Usage struct {
	PID        uint32
	Comm       string
	Inode      uint64
	Reads      uint64
	Writes     uint64
	Errors     uint64
	BytesRead  uint64
	LastOffset int64
}

// Aggregator accumulates events per (pid, inode).
type Aggregator struct {
	mu    sync.Mutex
	usage map[usageKey]*Usage
}

func NewAggregator() *Aggregator {
	return &Aggregator{usage: make(map[usageKey]*Usage)}
}

func (a *Aggregator) Add(ev *bpf.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := usageKey{pid: ev.PID, inode: ev.Inode}

	u, ok := a.usage[k]
	if !ok {
		u = &Usage{PID: ev.PID, Inode: ev.Inode}
		a.usage[k] = u
	}

	u.Comm = ev.Comm.String()

	if ev.Direction == bpf.Write {
		u.Writes++
		return
	}

	u.Reads++
	u.LastOffset = ev.Offset

	if n, ok := ev.Completion.Bytes(); ok {
		u.BytesRead += n
	} else {
		u.Errors++
	}
}

// Top returns the n busiest (pid, inode) pairs, by bytes read then by operation
// count. n <= 0 returns all of them.
func (a *Aggregator) Top(n int) []Usage {
	a.mu.Lock()
	usage := lo.Map(lo.Values(a.usage), func(u *Usage, _ int) Usage { return *u })
	a.mu.Unlock()

	slices.SortFunc(usage, func(x, y Usage) int {
		if c := cmp.Compare(y.BytesRead, x.BytesRead); c != 0 {
			return c
		}

		if c := cmp.Compare(y.Reads+y.Writes, x.Reads+x.Writes); c != 0 {
			return c
		}

		if c := cmp.Compare(x.PID, y.PID); c != 0 {
			return c
		}

		return cmp.Compare(x.Inode, y.Inode)
	})

	if n > 0 && n < len(usage) {
		usage = usage[:n]
	}

	return usage
}

// Totals returns the number of reads, writes and bytes read seen so far.
func (a *Aggregator) Totals() (reads, writes, bytesRead uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	values := lo.Values(a.usage)

	reads = lo.SumBy(values, func(u *Usage) uint64 { return u.Reads })
	writes = lo.SumBy(values, func(u *Usage) uint64 { return u.Writes })
	bytesRead = lo.SumBy(values, func(u *Usage) uint64 { return u.BytesRead })

	return reads, writes, bytesRead
}

// WriteSummary prints the n busiest pairs as a table.
func (a *Aggregator) WriteSummary(w io.Writer, n int) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	fmt.Fprintln(tw, "PID\tCOMM\tINODE\tREADS\tWRITES\tERRORS\tBYTES READ")

	for _, u := range a.Top(n) {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n",
			u.PID, u.Comm, u.Inode, u.Reads, u.Writes, u.Errors, u.BytesRead)
	}

	reads, writes, bytesRead := a.Totals()
	fmt.Fprintf(tw, "total\t\t\t%d\t%d\t\t%d\n", reads, writes, bytesRead)

	return tw.Flush()
}
