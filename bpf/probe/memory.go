package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tcassar-diss/iomon/bpf"
)

var ErrFault = errors.New("bad address")

func nativeU64(b []byte) uint64 {
	return binary.NativeEndian.Uint64(b)
}

// simBase keeps simulated addresses away from zero so a NULL pointer faults.
const simBase = 0xffff_8880_0000_0000

type region struct {
	base uint64
	data []byte
}

// SimKernel is a Memory holding fake struct file, struct inode and loff_t objects
// laid out according to a bpf.Layout. Reads outside of an object fault.
type SimKernel struct {
	layout *bpf.Layout

	mu      sync.RWMutex
	next    uint64
	regions []region // sorted by base
}

func NewSimKernel(layout *bpf.Layout) *SimKernel {
	return &SimKernel{
		layout: layout,
		next:   simBase,
	}
}

func (k *SimKernel) alloc(size int) (uint64, []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	base := k.next
	data := make([]byte, size)
	k.regions = append(k.regions, region{base: base, data: data})
	k.next += uint64(size+63) &^ 63

	return base, data
}

// NewFile allocates a struct file whose inode has number ino and returns its address.
func (k *SimKernel) NewFile(ino uint64) uint64 {
	inodeAddr, inode := k.alloc(int(k.layout.InodeIno) + 8)
	binary.NativeEndian.PutUint64(inode[k.layout.InodeIno:], ino)

	fileAddr, file := k.alloc(int(k.layout.FileInode) + 8)
	binary.NativeEndian.PutUint64(file[k.layout.FileInode:], inodeAddr)

	return fileAddr
}

// NewPos allocates a loff_t holding off and returns its address.
func (k *SimKernel) NewPos(off int64) uint64 {
	addr, data := k.alloc(8)
	binary.NativeEndian.PutUint64(data, uint64(off))

	return addr
}

// Read implements Memory.
func (k *SimKernel) Read(addr uint64, dst []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	i := sort.Search(len(k.regions), func(i int) bool {
		return k.regions[i].base > addr
	}) - 1

	if i >= 0 {
		r := k.regions[i]
		if off := addr - r.base; off+uint64(len(dst)) <= uint64(len(r.data)) {
			copy(dst, r.data[off:])
			return nil
		}
	}

	clear(dst)

	return fmt.Errorf("%w: %#x", ErrFault, addr)
}
