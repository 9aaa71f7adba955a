package bpf

// StatType indexes the statistics counters kept by the probes. The counters only
// describe pressure and loss; they are never part of the event stream.
type StatType uint32

const (
	StatEntryFired StatType = iota
	StatEntryTableFull
	StatReadFault
	StatReturnFired
	StatReturnUnmatched
	StatWriteFired
	StatChannelFull
	StatPublished
	StatEnd
)

var statNames = [StatEnd]string{
	StatEntryFired:      "entry_fired",
	StatEntryTableFull:  "entry_table_full",
	StatReadFault:       "read_fault",
	StatReturnFired:     "return_fired",
	StatReturnUnmatched: "return_unmatched",
	StatWriteFired:      "write_fired",
	StatChannelFull:     "channel_full",
	StatPublished:       "published",
}

func (s StatType) String() string {
	if s < StatEnd {
		return statNames[s]
	}

	return "unknown"
}

type Stats struct {
	EntryFired      uint64
	EntryTableFull  uint64
	ReadFault       uint64
	ReturnFired     uint64
	ReturnUnmatched uint64
	WriteFired      uint64
	ChannelFull     uint64
	Published       uint64
}

// StatsFromCounters builds Stats from a slice indexed by StatType.
func StatsFromCounters(c []uint64) *Stats {
	get := func(s StatType) uint64 {
		if int(s) < len(c) {
			return c[s]
		}
		return 0
	}

	return &Stats{
		EntryFired:      get(StatEntryFired),
		EntryTableFull:  get(StatEntryTableFull),
		ReadFault:       get(StatReadFault),
		ReturnFired:     get(StatReturnFired),
		ReturnUnmatched: get(StatReturnUnmatched),
		WriteFired:      get(StatWriteFired),
		ChannelFull:     get(StatChannelFull),
		Published:       get(StatPublished),
	}
}

// Dropped is the number of events known to be lost to table or channel pressure.
func (s *Stats) Dropped() uint64 {
	return s.EntryTableFull + s.ChannelFull
}
