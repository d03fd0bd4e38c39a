// Package loader implements the boot contract spec.md §6 leaves to an
// external collaborator: parsing a kernel ELF, placing its PT_LOAD segments
// and an initramfs/DTB into guest physical memory, and handing back the
// entry PC and per-hart boot register values the machine expects.
package loader

import (
	"debug/elf"
	"fmt"
)

// GuestMemory is the narrow contract the loader needs into guest physical
// memory, identical to the one internal/virtio uses.
type GuestMemory interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Segment describes one PT_LOAD segment already resolved to a guest
// physical address, kept around for diagnostics and snapshot metadata.
type Segment struct {
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
}

// LoadedKernel is the result of loading an ELF kernel image.
type LoadedKernel struct {
	Entry    uint64
	Segments []Segment
}

// LoadELF reads an RV64 ELF kernel from data and writes its PT_LOAD segments
// into mem at their physical (preferred) addresses, zeroing BSS (the
// trailing MemSize-FileSize of each segment), per spec.md §6's boot
// contract. It does not apply any virtual-to-physical rebasing: xv6 and
// typical RISC-V Linux/Image builds link at their intended physical load
// address already.
func LoadELF(mem GuestMemory, data []byte) (*LoadedKernel, error) {
	f, err := elf.NewFile(bytesReaderAt(data))
	if err != nil {
		return nil, fmt.Errorf("loader: parse elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("loader: not an RV64 ELF (class=%v machine=%v)", f.Class, f.Machine)
	}

	out := &LoadedKernel{Entry: f.Entry}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(seg, 0); err != nil {
			return nil, fmt.Errorf("loader: read segment at %#x: %w", prog.Paddr, err)
		}
		if _, err := mem.WriteAt(seg, int64(prog.Paddr)); err != nil {
			return nil, fmt.Errorf("loader: write segment at %#x: %w", prog.Paddr, err)
		}
		if prog.Memsz > prog.Filesz {
			bss := make([]byte, prog.Memsz-prog.Filesz)
			if _, err := mem.WriteAt(bss, int64(prog.Paddr+prog.Filesz)); err != nil {
				return nil, fmt.Errorf("loader: zero bss at %#x: %w", prog.Paddr+prog.Filesz, err)
			}
		}
		out.Segments = append(out.Segments, Segment{PhysAddr: prog.Paddr, FileSize: prog.Filesz, MemSize: prog.Memsz})
	}

	if len(out.Segments) == 0 {
		return nil, fmt.Errorf("loader: elf has no PT_LOAD segments")
	}
	return out, nil
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("loader: read out of range")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("loader: short read")
	}
	return n, nil
}
