package bpf

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/cilium/ebpf/btf"
)

// RegsLayout holds byte offsets into struct pt_regs.
type RegsLayout struct {
	Args [MaxArgs]int16
	Ret  int16
}

// Layout holds the kernel struct offsets the probes need to go from a struct file
// pointer to its inode number, and from the probe context to the call arguments.
type Layout struct {
	FileInode uint32 // offsetof(struct file, f_inode)
	InodeIno  uint32 // offsetof(struct inode, i_ino)
	Regs      RegsLayout
}

var regsByArch = map[string]RegsLayout{
	// di, si, dx, cx, r8; ax
	"amd64": {Args: [MaxArgs]int16{112, 104, 96, 88, 72}, Ret: 80},
	// regs[0..4]; regs[0]
	"arm64": {Args: [MaxArgs]int16{0, 8, 16, 24, 32}, Ret: 0},
}

// NativeRegs returns the pt_regs layout of the running architecture.
func NativeRegs() (RegsLayout, error) {
	regs, ok := regsByArch[runtime.GOARCH]
	if !ok {
		return RegsLayout{}, fmt.Errorf("%w: unsupported architecture %s", ErrLayoutUnresolved, runtime.GOARCH)
	}

	return regs, nil
}

// KernelLayout resolves the layout of the running kernel from its BTF.
func KernelLayout() (*Layout, error) {
	spec, err := btf.LoadKernelSpec()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load kernel BTF: %w", ErrLayoutUnresolved, err)
	}

	return ResolveLayout(spec)
}

// ResolveLayout reads struct offsets from spec.
func ResolveLayout(spec *btf.Spec) (*Layout, error) {
	regs, err := NativeRegs()
	if err != nil {
		return nil, err
	}

	fileInode, err := memberOffset(spec, "file", "f_inode")
	if err != nil {
		return nil, err
	}

	inodeIno, err := memberOffset(spec, "inode", "i_ino")
	if err != nil {
		return nil, err
	}

	return &Layout{
		FileInode: fileInode,
		InodeIno:  inodeIno,
		Regs:      regs,
	}, nil
}

func memberOffset(spec *btf.Spec, structName, member string) (uint32, error) {
	var s *btf.Struct
	if err := spec.TypeByName(structName, &s); err != nil {
		return 0, fmt.Errorf("%w: struct %s: %w", ErrLayoutUnresolved, structName, err)
	}

	off, ok := findMember(s.Members, member)
	if !ok {
		return 0, fmt.Errorf("%w: struct %s has no member %s", ErrLayoutUnresolved, structName, member)
	}

	return off, nil
}

// findMember looks name up in members, descending into anonymous structs and unions.
func findMember(members []btf.Member, name string) (uint32, bool) {
	for _, m := range members {
		if m.Name == name {
			return m.Offset.Bytes(), true
		}

		if m.Name != "" {
			continue
		}

		var inner []btf.Member

		switch t := btf.UnderlyingType(m.Type).(type) {
		case *btf.Struct:
			inner = t.Members
		case *btf.Union:
			inner = t.Members
		default:
			continue
		}

		if off, ok := findMember(inner, name); ok {
			return m.Offset.Bytes() + off, true
		}
	}

	return 0, false
}

// Validate rejects layouts that cannot be right for any kernel.
func (l *Layout) Validate() error {
	var errs []error

	if l.FileInode == 0 {
		errs = append(errs, errors.New("file.f_inode offset is zero"))
	}

	if l.InodeIno == 0 {
		errs = append(errs, errors.New("inode.i_ino offset is zero"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrLayoutUnresolved, errors.Join(errs...))
	}

	return nil
}
