package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// fakeMemory is a flat byte slice behind the GuestMemory contract, enough to
// exercise the loader without pulling in internal/riscv.
type fakeMemory struct {
	base           uint64
	buf            []byte
	bootA0, bootA1 uint64
}

func newFakeMemory(base uint64, size int) *fakeMemory {
	return &fakeMemory{base: base, buf: make([]byte, size)}
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	o := uint64(off) - m.base
	return copy(m.buf[o:], p), nil
}

func (m *fakeMemory) MemoryBase() uint64 { return m.base }
func (m *fakeMemory) MemorySize() uint64 { return uint64(len(m.buf)) }
func (m *fakeMemory) SetEntry(uint64)     {}

func (m *fakeMemory) SetBootRegs(a0, a1 uint64) {
	m.bootA0, m.bootA1 = a0, a1
}

// buildTestELF assembles a minimal RV64 ELF with one PT_LOAD segment whose
// memsz exceeds filesz, so BSS-zeroing is exercised.
func buildTestELF(t *testing.T, loadAddr uint64, text []byte, bssExtra int) []byte {
	t.Helper()

	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	dataOff := phoff + phsize

	var buf bytes.Buffer
	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_RISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, loadAddr)  // e_entry
	binary.Write(&buf, binary.LittleEndian, phoff)     // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	// program header
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)               // p_offset
	binary.Write(&buf, binary.LittleEndian, loadAddr)              // p_vaddr
	binary.Write(&buf, binary.LittleEndian, loadAddr)              // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(text)))     // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(text)+bssExtra)) // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(4096))          // p_align

	buf.Write(text)
	return buf.Bytes()
}

func TestLoadELFPlacesSegmentAndZerosBSS(t *testing.T) {
	const loadAddr = 0x8020_0000
	text := []byte{0xde, 0xad, 0xbe, 0xef}
	data := buildTestELF(t, loadAddr, text, 8)

	mem := newFakeMemory(0x8000_0000, 0x1000_0000)
	mem.buf[loadAddr-mem.base+4] = 0xff // will be zeroed by BSS clear

	kernel, err := LoadELF(mem, data)
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if kernel.Entry != loadAddr {
		t.Fatalf("entry = %#x, want %#x", kernel.Entry, loadAddr)
	}
	if len(kernel.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(kernel.Segments))
	}
	seg := kernel.Segments[0]
	if seg.PhysAddr != loadAddr || seg.FileSize != 4 || seg.MemSize != 12 {
		t.Fatalf("unexpected segment: %+v", seg)
	}

	off := loadAddr - mem.base
	if !bytes.Equal(mem.buf[off:off+4], text) {
		t.Fatalf("text not written: %x", mem.buf[off:off+4])
	}
	for i := uint64(4); i < 12; i++ {
		if mem.buf[off+i] != 0 {
			t.Fatalf("bss byte %d not zeroed: %#x", i, mem.buf[off+i])
		}
	}
}

func TestLoadELFRejectsWrongMachine(t *testing.T) {
	data := buildTestELF(t, 0x8020_0000, []byte{0x01, 0x02}, 0)
	data[18] = byte(elf.EM_X86_64)
	mem := newFakeMemory(0x8000_0000, 0x1000)
	if _, err := LoadELF(mem, data); err == nil {
		t.Fatal("expected error loading non-RISC-V ELF, got nil")
	}
}

func TestBootWritesPlanAndConfiguresBootHart(t *testing.T) {
	const loadAddr = 0x8020_0000
	kernelData := buildTestELF(t, loadAddr, []byte{1, 2, 3, 4}, 0)
	mem := newFakeMemory(0x8000_0000, 0x1000_0000)

	platform := PlatformInfo{
		HartCount:    1,
		MemoryBase:   mem.base,
		MemorySize:   mem.MemorySize(),
		CLINTBase:    0x0200_0000,
		CLINTSize:    0x000c_0000,
		PLICBase:     0x0c00_0000,
		PLICSize:     0x0400_0000,
		UARTBase:     0x1000_0000,
		UARTSize:     0x1000,
		UARTIRQ:      10,
		VirtIOBase:   0x1000_1000,
		VirtIOStride: 0x1000,
		VirtIOCount:  1,
		Bootargs:     "console=ttyS0",
	}

	plan, err := Boot(mem, kernelData, nil, Options{}, platform)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if plan.Entry != loadAddr {
		t.Fatalf("entry = %#x, want %#x", plan.Entry, loadAddr)
	}
	if plan.DTBBase != DefaultDTBBase || plan.DTBSize == 0 {
		t.Fatalf("unexpected dtb placement: %+v", plan)
	}
	if mem.bootA1 != plan.DTBBase {
		t.Fatalf("boot a1 = %#x, want dtb base %#x", mem.bootA1, plan.DTBBase)
	}

	off := plan.DTBBase - mem.base
	magic := binary.BigEndian.Uint32(mem.buf[off : off+4])
	if magic != 0xd00dfeed {
		t.Fatalf("dtb magic = %#x, want 0xd00dfeed", magic)
	}
}
