package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

const (
	// DefaultTableCapacity is the number of in-flight reads that can be correlated.
	DefaultTableCapacity = 10240
	// DefaultChannelSize is the size of the events ring buffer in bytes.
	DefaultChannelSize = 1 << 24
)

type objects struct {
	Entries *ebpf.Map // pid_tgid -> partially built event
	Events  *ebpf.Map // ring buffer of event records
	Stats   *ebpf.Map // per-CPU counters indexed by StatType
}

func newObjects(tableCapacity, channelSize uint32) (*objects, error) {
	o := &objects{}

	var err error

	o.Entries, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "entries",
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  RecordSize,
		MaxEntries: tableCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create correlation map: %w", err)
	}

	o.Events, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "events",
		Type:       ebpf.RingBuf,
		MaxEntries: channelSize,
	})
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to create events ring buffer: %w", err)
	}

	o.Stats, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "stats",
		Type:       ebpf.PerCPUArray,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(StatEnd),
	})
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to create stats map: %w", err)
	}

	return o, nil
}

func (o *objects) fds() mapFDs {
	return mapFDs{
		Entries: o.Entries.FD(),
		Events:  o.Events.FD(),
		Stats:   o.Stats.FD(),
	}
}

// readStats sums the per-CPU counters.
func (o *objects) readStats() ([]uint64, error) {
	counters := make([]uint64, StatEnd)

	for s := StatType(0); s < StatEnd; s++ {
		var perCPU []uint64
		if err := o.Stats.Lookup(&s, &perCPU); err != nil {
			return nil, fmt.Errorf("failed to read %s counter: %w", s, err)
		}

		for _, v := range perCPU {
			counters[s] += v
		}
	}

	return counters, nil
}

// inFlight counts correlation slots currently held, including leaked ones.
func (o *objects) inFlight() (int, error) {
	var (
		key   uint64
		value [RecordSize]byte
		n     int
	)

	it := o.Entries.Iterate()
	for it.Next(&key, &value) {
		n++
	}

	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate correlation map: %w", err)
	}

	return n, nil
}

func (o *objects) Close() error {
	var errs []error

	for _, m := range []*ebpf.Map{o.Stats, o.Events, o.Entries} {
		if m == nil {
			continue
		}

		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
