package riscv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rv64lab/rv64vm/internal/virtio"
)

// virtioPollInterval is how often the device-poll goroutine drains inbound
// network frames into the RX virtqueue; it has nothing to do with
// instruction timing (see Step's mtime comment) and exists only because
// NetworkBackend.Recv is host-driven, not guest-driven.
const virtioPollInterval = 2 * time.Millisecond

// HSM hart states, per the SBI Hart State Management extension.
const (
	HartStopped = iota
	HartStarted
	HartStartPending
	HartStopPending
)

// Machine wires one shared Bus, CLINT, PLIC and UART to a set of harts and
// drives them with an SMP-aware Step loop. This is the one module tree and
// one DRAM shape this implementation settles on.
type Machine struct {
	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART16550

	Harts []*CPU

	VirtIO     []*virtio.MMIO
	netDevices []*virtio.NetDevice

	hartState []atomic.Int32

	halted atomic.Bool
	halt   chan struct{}

	Log *slog.Logger
}

// NewMachine builds a machine with the given RAM size and hart count. Hart 0
// starts in HartStarted; the rest start HartStopped, matching how SBI HSM
// expects harts to come up (the boot hart is live, others wait for
// HartStart).
func NewMachine(ramSize uint64, numHarts int, out io.Writer, in func() (byte, bool)) *Machine {
	ram := NewMemoryRegion(ramSize)
	bus := NewBus(ram, RAMBase)

	harts := make([]*CPU, numHarts)
	for i := range harts {
		harts[i] = NewCPU(i, bus, RAMBase)
	}

	bus.SetHarts(harts)

	clint := NewCLINT(harts)
	plic := NewPLIC(harts)
	uart := NewUART16550(out, in, plic)

	bus.AddDevice("clint", CLINTBase, clint)
	bus.AddDevice("plic", PLICBase, plic)
	bus.AddDevice("uart0", UARTBase, uart)

	m := &Machine{
		Bus:       bus,
		CLINT:     clint,
		PLIC:      plic,
		UART:      uart,
		Harts:     harts,
		hartState: make([]atomic.Int32, numHarts),
		halt:      make(chan struct{}),
	}
	m.hartState[0].Store(HartStarted)
	return m
}

// AddVirtIODevice maps handler behind a new virtio-mmio transport at the
// next free VirtIOAddr(k) slot, raising PLIC source k+1 on interrupt (PLIC
// source 10 is reserved for the UART, matching the convention spec.md §6's
// memory map implies: virtio transports stack below it in the low sources).
func (m *Machine) AddVirtIODevice(handler virtio.Handler) *virtio.MMIO {
	idx := len(m.VirtIO)
	irq := uint32(idx + 1)
	mmio := virtio.NewMMIO(handler, m.Bus, func() { m.PLIC.SetPending(irq) })
	if nd, ok := handler.(*virtio.NetDevice); ok {
		nd.AttachTransport(mmio)
		m.netDevices = append(m.netDevices, nd)
	}
	m.Bus.AddDevice(fmt.Sprintf("virtio%d", idx), VirtIOAddr(idx), mmio)
	m.VirtIO = append(m.VirtIO, mmio)
	return mmio
}

// SetEntry sets the boot hart's PC, used after loading a kernel image.
func (m *Machine) SetEntry(pc uint64) {
	m.Harts[0].PC = pc
}

// SetBootRegs configures hart hartID's a0/a1 per the RISC-V SBI boot
// protocol: a0 = hart ID, a1 = DTB physical address.
func (m *Machine) SetBootRegs(hartID, dtbAddr uint64) {
	m.Harts[hartID].X[10] = hartID
	m.Harts[hartID].X[11] = dtbAddr
}

// MemoryBase and MemorySize describe the RAM window, used by the loader to
// place kernel/DTB/initrd images and bounds-check them.
func (m *Machine) MemoryBase() uint64 { return m.Bus.RAMBase }
func (m *Machine) MemorySize() uint64 { return m.Bus.RAM.Size() }

// ReadAt/WriteAt give the machine io.ReaderAt/io.WriterAt semantics over
// guest physical memory, the GuestMemory contract internal/virtio expects.
func (m *Machine) ReadAt(p []byte, off int64) (int, error)  { return m.Bus.ReadAt(p, off) }
func (m *Machine) WriteAt(p []byte, off int64) (int, error) { return m.Bus.WriteAt(p, off) }

// Halt requests every hart stop stepping; idempotent.
func (m *Machine) Halt() {
	if m.halted.CompareAndSwap(false, true) {
		close(m.halt)
	}
}

func (m *Machine) IsHalted() bool { return m.halted.Load() }

// Run launches one goroutine per started hart and blocks until the machine
// halts or ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	waiters := len(m.Harts)
	if len(m.netDevices) > 0 {
		waiters++
	}
	done := make(chan struct{}, waiters)
	for i := range m.Harts {
		go func(hart int) {
			m.runHart(ctx, hart)
			done <- struct{}{}
		}(i)
	}
	if len(m.netDevices) > 0 {
		go func() {
			m.pollDevices(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < waiters; i++ {
		<-done
	}
}

// pollDevices periodically drains inbound frames from every attached
// network backend into its device's RX virtqueue, the "explicit poll
// points" spec.md §2 describes for device state that mutates independently
// of a guest MMIO access.
func (m *Machine) pollDevices(ctx context.Context) {
	ticker := time.NewTicker(virtioPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.halt:
			return
		case <-ticker.C:
			for _, nd := range m.netDevices {
				if err := nd.Poll(); err != nil && m.Log != nil {
					m.Log.Warn("virtio-net poll failed", "error", err)
				}
			}
		}
	}
}

func (m *Machine) runHart(ctx context.Context, hart int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.halt:
			return
		default:
		}

		if m.hartState[hart].Load() != HartStarted {
			runtime.Gosched()
			continue
		}

		if err := m.Step(hart); err != nil {
			if t := AsTrap(err); t != nil && t.Kind == TrapHalt {
				m.Halt()
				return
			}
			if m.Log != nil {
				m.Log.Error("hart step failed", "hart", hart, "error", err)
			}
			return
		}
	}
}

// Step runs exactly one instruction (or one WFI/interrupt-check cycle) on
// the given hart, then advances the shared CLINT by one tick. This is the
// single integration point spec.md's timing model hangs off: mtime advances
// once per Step() call on any hart, not on a wall-clock.
func (m *Machine) Step(hart int) error {
	cpu := m.Harts[hart]
	defer m.CLINT.Tick()

	if cpu.WFI {
		if cpu.CheckInterrupt() == 0 {
			return nil
		}
		cpu.WFI = false
	}

	if cause := cpu.CheckInterrupt(); cause != 0 {
		cpu.HandleTrap(cause, 0)
		return nil
	}

	paddr, err := cpu.MMU.TranslateFetch(cpu.PC)
	if err != nil {
		cpu.HandleTrap(trapCause(err), trapTval(err))
		return nil
	}

	raw, ferr := cpu.Bus.Fetch(paddr)
	if ferr != nil {
		cpu.HandleTrap(CauseInsnAccessFault, cpu.PC)
		return nil
	}

	var insn uint32
	compressed := raw&0x3 != 0x3
	if compressed {
		insn, err = ExpandCompressed(uint16(raw))
		if err != nil {
			cpu.HandleTrap(trapCause(err), trapTval(err))
			return nil
		}
	} else {
		insn = raw
	}

	oldPC := cpu.PC
	execErr := cpu.Execute(insn)
	if execErr != nil {
		t := AsTrap(execErr)
		if t == nil {
			return execErr
		}
		if t.Kind == TrapHalt {
			return t
		}
		cpu.PC = oldPC
		if t.Cause == CauseEcallFromS {
			if herr := m.HandleSBI(cpu); herr != nil {
				if ht := AsTrap(herr); ht != nil && ht.Kind == TrapHalt {
					return ht
				}
			}
			cpu.PC += 4
			return nil
		}
		cpu.HandleTrap(t.Cause, t.Tval)
		return nil
	}

	if cpu.PC == oldPC {
		if compressed {
			cpu.PC += 2
		} else {
			cpu.PC += 4
		}
	}

	cpu.Cycle++
	cpu.Instret++
	cpu.CSR[CSRCycle] = cpu.Cycle
	cpu.CSR[CSRInstret] = cpu.Instret
	return nil
}

func trapCause(err error) uint64 {
	if t := AsTrap(err); t != nil {
		return t.Cause
	}
	return CauseLoadAccessFault
}

func trapTval(err error) uint64 {
	if t := AsTrap(err); t != nil {
		return t.Tval
	}
	return 0
}
