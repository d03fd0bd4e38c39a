package riscv

// This file defines the exported, serialization-friendly mirrors of each
// stateful component's private fields, the hand-off point for
// internal/snapshot (which deliberately knows nothing about register
// offsets or PLIC claim bits, only about opaque state blobs it can persist
// and hash).

// CPUState is a hart's complete architectural state.
type CPUState struct {
	HartID           int
	X                [32]uint64
	F                [32]uint64
	PC               uint64
	Priv             int
	CSR              [4096]uint64
	Cycle            uint64
	Instret          uint64
	ReservationValid bool
	Reservation      uint64
	WFI              bool
}

// State captures cpu's current architectural state.
func (cpu *CPU) State() CPUState {
	return CPUState{
		HartID:           cpu.HartID,
		X:                cpu.X,
		F:                cpu.F,
		PC:               cpu.PC,
		Priv:             cpu.Priv,
		CSR:              cpu.CSR,
		Cycle:            cpu.Cycle,
		Instret:          cpu.Instret,
		ReservationValid: cpu.ReservationValid,
		Reservation:      cpu.Reservation,
		WFI:              cpu.WFI,
	}
}

// RestoreState overwrites cpu's architectural state from s. The MMU's TLB is
// flushed since satp/asid bookkeeping may have changed underneath it.
func (cpu *CPU) RestoreState(s CPUState) {
	cpu.HartID = s.HartID
	cpu.X = s.X
	cpu.F = s.F
	cpu.PC = s.PC
	cpu.Priv = s.Priv
	cpu.CSR = s.CSR
	cpu.Cycle = s.Cycle
	cpu.Instret = s.Instret
	cpu.ReservationValid = s.ReservationValid
	cpu.Reservation = s.Reservation
	cpu.WFI = s.WFI
	cpu.MMU.FlushTLB()
}

// CLINTState is the CLINT's per-hart and shared register state.
type CLINTState struct {
	Msip     []uint32
	Mtimecmp []uint64
	Mtime    uint64
}

func (c *CLINT) State() CLINTState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CLINTState{
		Msip:     append([]uint32(nil), c.msip...),
		Mtimecmp: append([]uint64(nil), c.mtimecmp...),
		Mtime:    c.mtime,
	}
}

func (c *CLINT) RestoreState(s CLINTState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.msip, s.Msip)
	copy(c.mtimecmp, s.Mtimecmp)
	c.mtime = s.Mtime
}

// PLICState is the PLIC's register file.
type PLICState struct {
	Priority  [plicMaxSources]uint32
	Pending   [plicMaxSources/32 + 1]uint32
	Enable    [][32]uint32
	Threshold []uint32
	Claimed   [][32]uint32
}

func (p *PLIC) State() PLICState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PLICState{
		Priority:  p.priority,
		Pending:   p.pending,
		Enable:    make([][32]uint32, len(p.enable)),
		Threshold: append([]uint32(nil), p.threshold...),
		Claimed:   make([][32]uint32, len(p.claimed)),
	}
	copy(s.Enable, p.enable)
	copy(s.Claimed, p.claimed)
	return s
}

func (p *PLIC) RestoreState(s PLICState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = s.Priority
	p.pending = s.Pending
	copy(p.enable, s.Enable)
	copy(p.threshold, s.Threshold)
	copy(p.claimed, s.Claimed)
	p.updateInterrupts()
}

// UARTState is the UART's register and pending-input state. The output/
// input callbacks are host wiring, not guest state, and are left untouched
// by RestoreState.
type UARTState struct {
	DLL, DLM  byte
	IER       byte
	FCR       byte
	LCR       byte
	MCR       byte
	SCR       byte
	RxByte    byte
	RxPending bool
	SkipLF    bool
}

func (u *UART16550) State() UARTState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UARTState{
		DLL: u.dll, DLM: u.dlm,
		IER: u.ier, FCR: u.fcr, LCR: u.lcr, MCR: u.mcr, SCR: u.scr,
		RxByte: u.rxByte, RxPending: u.rxPending, SkipLF: u.skipLF,
	}
}

func (u *UART16550) RestoreState(s UARTState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dll, u.dlm = s.DLL, s.DLM
	u.ier, u.fcr, u.lcr, u.mcr, u.scr = s.IER, s.FCR, s.LCR, s.MCR, s.SCR
	u.rxByte, u.rxPending, u.skipLF = s.RxByte, s.RxPending, s.SkipLF
}

// MachineState is the complete, serializable state of a Machine: every
// hart, the shared devices, and a raw copy of guest RAM.
type MachineState struct {
	Harts   []CPUState
	CLINT   CLINTState
	PLIC    PLICState
	UART    UARTState
	RAMBase uint64
	RAM     []byte
}

// State captures the machine's complete state for snapshotting. The
// machine should not be stepping concurrently while this runs.
func (m *Machine) State() MachineState {
	s := MachineState{
		CLINT:   m.CLINT.State(),
		PLIC:    m.PLIC.State(),
		UART:    m.UART.State(),
		RAMBase: m.Bus.RAMBase,
		RAM:     append([]byte(nil), m.Bus.RAM.Data...),
	}
	for _, h := range m.Harts {
		s.Harts = append(s.Harts, h.State())
	}
	return s
}

// RestoreState overwrites the machine's complete state from s. len(s.Harts)
// must equal len(m.Harts) and len(s.RAM) must equal the machine's RAM size;
// if either differs it returns an error and changes nothing. The snapshot
// format tag is checked by internal/snapshot before this is called.
func (m *Machine) RestoreState(s MachineState) error {
	if len(s.Harts) != len(m.Harts) {
		return errMismatch("hart count", len(m.Harts), len(s.Harts))
	}
	if len(s.RAM) != len(m.Bus.RAM.Data) {
		return errMismatch("RAM size", len(m.Bus.RAM.Data), len(s.RAM))
	}
	for i, hs := range s.Harts {
		m.Harts[i].RestoreState(hs)
	}
	m.CLINT.RestoreState(s.CLINT)
	m.PLIC.RestoreState(s.PLIC)
	m.UART.RestoreState(s.UART)
	copy(m.Bus.RAM.Data, s.RAM)
	return nil
}

func errMismatch(what string, want, got int) error {
	return &stateMismatchError{what: what, want: want, got: got}
}

type stateMismatchError struct {
	what      string
	want, got int
}

func (e *stateMismatchError) Error() string {
	return "riscv: snapshot " + e.what + " mismatch"
}
