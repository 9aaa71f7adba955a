// Package bpf provides an interface for interacting with the kernelspace components
// of the iomon program.
//
// The probe programs are generated at load time from the attachment table and the
// kernel struct layout (resolved from BTF), so no compiled object is shipped. Read
// functions get an entry probe, which parks pid, inode and offset in a hash map keyed
// by pid_tgid, and a return probe, which turns the parked slot into an event record.
// Write functions get a single entry probe that publishes directly. Records travel
// to userspace through one ring buffer.
//
// Monitor.Start attaches the probes and blocks until its context is canceled.
//
// This package is intended as an interface to kernelspace, without containing specific
// business logic. The userspace rendition of the same probe logic lives in the probe,
// correlate and evchan subpackages.
package bpf
