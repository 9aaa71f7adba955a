// Package evchan is a bounded, lock-free, multi-producer single-consumer byte
// channel modelled on the kernel's BPF ring buffer.
//
// Producers reserve space, fill it in place and submit (or discard) it. Reservation
// never blocks: it fails when the buffer lacks room. The consumer sees records in
// reservation order, so a record that is reserved but not yet submitted holds back
// the ones behind it.
//
// Every record starts with an 8 byte header holding its length, busy, discard and
// valid flags, and a stamp derived from its position. A producer publishes its
// position before it writes the header, so the consumer zeroes what it consumes and
// only trusts a header that is valid and stamped for the position being read.
package evchan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrBadSize = errors.New("invalid channel size")
	ErrClosed  = errors.New("channel closed")
)

const (
	hdrSize = 8

	flagBusy    = 1 << 31
	flagDiscard = 1 << 30
	flagValid   = 1 << 29
	lenMask     = flagValid - 1

	// maxReserveAttempts bounds the compare-and-swap loop of Reserve. Losing that many
	// races in a row is treated like a full buffer.
	maxReserveAttempts = 16
)

// Sample is a reserved record. Data may be written until the sample is submitted
// or discarded.
type Sample struct {
	Data []byte
	pos  uint64
}

// Channel is the ring. The zero value is not usable; use New.
type Channel struct {
	buf   []byte
	words []uint64 // buf viewed as 8 byte words, for atomic header access
	mask  uint64

	producer atomic.Uint64
	consumer atomic.Uint64

	notify chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// New returns a channel of size bytes. size must be a power of two between 64 bytes
// and 512 MiB.
func New(size int) (*Channel, error) {
	if size < 64 || size > lenMask+1 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d is not a power of two in [64, %d]", ErrBadSize, size, lenMask+1)
	}

	words := make([]uint64, size/8)

	return &Channel{
		buf:    unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		words:  words,
		mask:   uint64(size - 1),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Size returns the capacity of the channel in bytes.
func (c *Channel) Size() int {
	return len(c.buf)
}

func roundUp(n uint64) uint64 {
	return (n + 7) &^ 7
}

func stamp(pos uint64) uint64 {
	return uint64(uint32(pos>>3))<<32 | flagValid
}

func (c *Channel) header(pos uint64) *uint64 {
	return &c.words[(pos&c.mask)>>3]
}

// Reserve claims room for an n byte record. It never blocks; ok is false when the
// channel is full, closed, or n cannot fit at all.
func (c *Channel) Reserve(n int) (s Sample, ok bool) {
	if n <= 0 || uint64(n) > lenMask || c.closed.Load() {
		return Sample{}, false
	}

	need := roundUp(hdrSize + uint64(n))
	size := uint64(len(c.buf))

	if need > size {
		return Sample{}, false
	}

	for range maxReserveAttempts {
		pos := c.producer.Load()
		off := pos & c.mask

		// A record never wraps; the tail is filled with a discarded padding record.
		var pad uint64
		if off+need > size {
			pad = size - off
		}

		if pos+pad+need-c.consumer.Load() > size {
			return Sample{}, false
		}

		if !c.producer.CompareAndSwap(pos, pos+pad+need) {
			continue
		}

		if pad > 0 {
			atomic.StoreUint64(c.header(pos), stamp(pos)|flagDiscard|(pad-hdrSize))
			c.wake()
			pos += pad
			off = 0
		}

		atomic.StoreUint64(c.header(pos), stamp(pos)|flagBusy|uint64(n))

		return Sample{
			Data: c.buf[off+hdrSize : off+hdrSize+uint64(n) : off+hdrSize+uint64(n)],
			pos:  pos,
		}, true
	}

	return Sample{}, false
}

// Submit publishes a reserved sample.
func (c *Channel) Submit(s Sample) {
	c.commit(s, 0)
}

// Discard releases a reserved sample without publishing it.
func (c *Channel) Discard(s Sample) {
	c.commit(s, flagDiscard)
}

func (c *Channel) commit(s Sample, flags uint64) {
	if s.Data == nil {
		return
	}

	atomic.StoreUint64(c.header(s.pos), stamp(s.pos)|flags|uint64(len(s.Data)))
	c.wake()
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// next returns the next committed record without consuming it. skip reports a
// discarded record that has to be stepped over.
func (c *Channel) next() (data []byte, advance uint64, skip, ok bool) {
	pos := c.consumer.Load()
	if pos == c.producer.Load() {
		return nil, 0, false, false
	}

	hdr := atomic.LoadUint64(c.header(pos))
	if hdr&^(flagBusy|flagDiscard|lenMask) != stamp(pos) || hdr&flagBusy != 0 {
		// reserved, but the header of this lap is not written or not committed yet
		return nil, 0, false, false
	}

	n := hdr & lenMask
	advance = roundUp(hdrSize + n)

	if hdr&flagDiscard != 0 {
		return nil, advance, true, true
	}

	off := pos&c.mask + hdrSize

	return c.buf[off : off+n], advance, false, true
}

// release zeroes a consumed record and hands its room back to the producers.
func (c *Channel) release(advance uint64) {
	pos := c.consumer.Load()
	off := pos & c.mask

	atomic.StoreUint64(c.header(pos), 0)
	clear(c.buf[off+hdrSize : off+advance])
	c.consumer.Store(pos + advance)
}

// TryRead returns a copy of the next record, if one is ready. Only one goroutine
// may consume.
func (c *Channel) TryRead() ([]byte, bool) {
	for {
		data, advance, skip, ok := c.next()
		if !ok {
			return nil, false
		}

		if skip {
			c.release(advance)
			continue
		}

		out := make([]byte, len(data))
		copy(out, data)
		c.release(advance)

		return out, true
	}
}

// Read blocks until a record is ready, ctx is done or the channel is closed. Records
// still buffered when the channel is closed are drained first.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	for {
		if data, ok := c.TryRead(); ok {
			return data, nil
		}

		if c.closed.Load() {
			return nil, ErrClosed
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of bytes reserved but not consumed.
func (c *Channel) Pending() int {
	return int(c.producer.Load() - c.consumer.Load())
}

// Close stops further reservations and wakes a blocked reader.
func (c *Channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}
