package bpf_test

import (
	"testing"

	"github.com/tcassar-diss/iomon/bpf"
)

func TestStatsFromCounters(t *testing.T) {
	counters := make([]uint64, bpf.StatEnd)
	for i := range counters {
		counters[i] = uint64(i + 1)
	}

	s := bpf.StatsFromCounters(counters)

	if s.EntryFired != 1 || s.Published != uint64(bpf.StatPublished)+1 {
		t.Errorf("StatsFromCounters() = %+v", s)
	}

	if got, expected := s.Dropped(), s.EntryTableFull+s.ChannelFull; got != expected {
		t.Errorf("Dropped() = %d, expected %d", got, expected)
	}

	short := bpf.StatsFromCounters([]uint64{5})
	if short.EntryFired != 5 || short.Published != 0 {
		t.Errorf("StatsFromCounters(short) = %+v", short)
	}
}

func TestStatType_String(t *testing.T) {
	if got := bpf.StatChannelFull.String(); got != "channel_full" {
		t.Errorf("String() = %q, expected channel_full", got)
	}

	if got := bpf.StatEnd.String(); got != "unknown" {
		t.Errorf("String() = %q, expected unknown", got)
	}
}
