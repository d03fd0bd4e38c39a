package loader

import "fmt"

// Default guest physical placement addresses, grounded on the teacher's
// riscv64 boot plan (DefaultKernelBase/DefaultDTBBase/DefaultInitrdBase) but
// shifted to sit inside this machine's single 0x8000_0000 RAM window instead
// of the teacher's higher split addresses.
const (
	DefaultKernelBase uint64 = 0x8020_0000
	DefaultInitrdBase uint64 = 0x8400_0000
	DefaultDTBBase    uint64 = 0x8F00_0000
)

// Machine is the narrow contract the loader needs from internal/riscv.Machine,
// kept here instead of importing riscv directly to avoid a loader<->riscv
// import cycle (riscv/cmd wires the loader against the machine, not the
// other way around).
type Machine interface {
	GuestMemory
	MemoryBase() uint64
	MemorySize() uint64
	SetEntry(pc uint64)
	// SetBootRegs configures the boot hart's a0/a1 per the RISC-V SBI boot
	// protocol: a0 = hart ID, a1 = DTB physical address.
	SetBootRegs(hartID, dtbAddr uint64)
}

// BootPlan describes where the kernel, optional initrd, and device tree land
// in guest physical memory, and what register state the boot hart needs at
// reset, per spec.md §6's boot contract: "hart zero enters the kernel with
// a0=hartid, a1=dtb physical address".
type BootPlan struct {
	KernelBase uint64
	InitrdBase uint64
	InitrdSize uint64
	DTBBase    uint64
	DTBSize    uint64
	Entry      uint64
}

// Options configures where the initrd and device tree land; zero fields take
// the Default* addresses above. KernelBase is only recorded in the BootPlan:
// the kernel's PT_LOAD segments are placed at their ELF physical addresses.
type Options struct {
	KernelBase uint64
	InitrdBase uint64
	DTBBase    uint64
}

func (o Options) resolve() Options {
	if o.KernelBase == 0 {
		o.KernelBase = DefaultKernelBase
	}
	if o.InitrdBase == 0 {
		o.InitrdBase = DefaultInitrdBase
	}
	if o.DTBBase == 0 {
		o.DTBBase = DefaultDTBBase
	}
	return o
}

// Boot loads kernelELF (and, if non-empty, initrd) into m's guest memory,
// synthesizes a device tree describing m's platform via BuildDTB,
// and configures the boot hart's entry registers, returning the resulting
// plan for diagnostics and snapshot metadata.
func Boot(m Machine, kernelELF, initrd []byte, opts Options, platform PlatformInfo) (*BootPlan, error) {
	opts = opts.resolve()

	base, size := m.MemoryBase(), m.MemorySize()
	inRAM := func(addr, n uint64) bool {
		return addr >= base && addr+n <= base+size
	}

	kernel, err := LoadELF(m, kernelELF)
	if err != nil {
		return nil, fmt.Errorf("loader: load kernel: %w", err)
	}

	plan := &BootPlan{KernelBase: opts.KernelBase, Entry: kernel.Entry}

	if len(initrd) > 0 {
		if !inRAM(opts.InitrdBase, uint64(len(initrd))) {
			return nil, fmt.Errorf("loader: initrd at %#x size %d does not fit in guest RAM", opts.InitrdBase, len(initrd))
		}
		if _, err := m.WriteAt(initrd, int64(opts.InitrdBase)); err != nil {
			return nil, fmt.Errorf("loader: write initrd: %w", err)
		}
		plan.InitrdBase = opts.InitrdBase
		plan.InitrdSize = uint64(len(initrd))
	}

	platform.InitrdBase = plan.InitrdBase
	platform.InitrdSize = plan.InitrdSize
	dtb, err := BuildDTB(platform)
	if err != nil {
		return nil, fmt.Errorf("loader: build device tree: %w", err)
	}
	if !inRAM(opts.DTBBase, uint64(len(dtb))) {
		return nil, fmt.Errorf("loader: dtb at %#x size %d does not fit in guest RAM", opts.DTBBase, len(dtb))
	}
	if _, err := m.WriteAt(dtb, int64(opts.DTBBase)); err != nil {
		return nil, fmt.Errorf("loader: write dtb: %w", err)
	}
	plan.DTBBase = opts.DTBBase
	plan.DTBSize = uint64(len(dtb))

	m.SetEntry(kernel.Entry)
	m.SetBootRegs(0, plan.DTBBase)
	return plan, nil
}
