package riscv

import "sync"

// PLIC register offsets within its MMIO window.
const (
	plicPriorityBase  = 0x000000
	plicPendingBase   = 0x001000
	plicEnableBase    = 0x002000
	plicThresholdBase = 0x200000
	plicContextStride = 0x1000
	plicMaxSources    = 1024
)

// PLIC is the Platform-Level Interrupt Controller. Each hart gets two
// contexts, M-mode and S-mode, per spec.md §4.3 ("one context per hart per
// privilege"); context index is hart*2+priv (priv 0 for M, 1 for S).
type PLIC struct {
	harts []*CPU
	mu    sync.Mutex

	priority [plicMaxSources]uint32
	pending  [plicMaxSources/32 + 1]uint32

	enable    [][32]uint32
	threshold []uint32
	claimed   [][32]uint32
}

const (
	plicContextM = 0
	plicContextS = 1
)

// NewPLIC creates a PLIC with 2 contexts (M, S) per hart.
func NewPLIC(harts []*CPU) *PLIC {
	n := len(harts) * 2
	p := &PLIC{
		harts:     harts,
		enable:    make([][32]uint32, n),
		threshold: make([]uint32, n),
		claimed:   make([][32]uint32, n),
	}
	return p
}

func (p *PLIC) Size() uint64 { return PLICSize }

func (p *PLIC) contextOf(hart, priv int) int { return hart*2 + priv }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset >= plicPriorityBase && offset < plicPriorityBase+4*plicMaxSources:
		src := (offset - plicPriorityBase) / 4
		return uint64(p.priority[src]), nil

	case offset >= plicPendingBase && offset < plicPendingBase+4*uint64(len(p.pending)):
		word := (offset - plicPendingBase) / 4
		return uint64(p.pending[word]), nil

	case offset >= plicEnableBase && offset < plicEnableBase+uint64(len(p.enable))*0x80:
		ctx := (offset - plicEnableBase) / 0x80
		word := ((offset - plicEnableBase) % 0x80) / 4
		if int(ctx) < len(p.enable) && word < 32 {
			return uint64(p.enable[ctx][word]), nil
		}

	case offset >= plicThresholdBase && offset < plicThresholdBase+uint64(len(p.threshold))*plicContextStride:
		ctx := (offset - plicThresholdBase) / plicContextStride
		reg := (offset - plicThresholdBase) % plicContextStride
		if int(ctx) < len(p.threshold) {
			if reg == 0 {
				return uint64(p.threshold[ctx]), nil
			}
			if reg == 4 {
				return uint64(p.claim(int(ctx))), nil
			}
		}
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset >= plicPriorityBase && offset < plicPriorityBase+4*plicMaxSources:
		src := (offset - plicPriorityBase) / 4
		p.priority[src] = uint32(value)

	case offset >= plicEnableBase && offset < plicEnableBase+uint64(len(p.enable))*0x80:
		ctx := (offset - plicEnableBase) / 0x80
		word := ((offset - plicEnableBase) % 0x80) / 4
		if int(ctx) < len(p.enable) && word < 32 {
			p.enable[ctx][word] = uint32(value)
		}

	case offset >= plicThresholdBase && offset < plicThresholdBase+uint64(len(p.threshold))*plicContextStride:
		ctx := (offset - plicThresholdBase) / plicContextStride
		reg := (offset - plicThresholdBase) % plicContextStride
		if int(ctx) < len(p.threshold) {
			if reg == 0 {
				p.threshold[ctx] = uint32(value)
			} else if reg == 4 {
				p.complete(int(ctx), uint32(value))
			}
		}
	}
	p.updateInterrupts()
	return nil
}

// SetPending asserts the pending bit for an interrupt source line, called by
// device models (UART, VirtIO) when they want to raise their assigned IRQ.
func (p *PLIC) SetPending(source uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[source/32] |= 1 << (source % 32)
	p.updateInterrupts()
}

// claim returns the highest-priority pending, enabled source for context,
// ties broken by lowest source number (strict > keeps the first match).
func (p *PLIC) claim(ctx int) uint32 {
	var best uint32
	var bestPriority uint32
	for src := uint32(1); src < plicMaxSources; src++ {
		if p.pending[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if p.enable[ctx][src/32]&(1<<(src%32)) == 0 {
			continue
		}
		priority := p.priority[src]
		if priority <= p.threshold[ctx] {
			continue
		}
		if priority > bestPriority {
			bestPriority = priority
			best = src
		}
	}
	if best != 0 {
		p.pending[best/32] &^= 1 << (best % 32)
		p.claimed[ctx][best/32] |= 1 << (best % 32)
	}
	return best
}

func (p *PLIC) complete(ctx int, source uint32) {
	p.claimed[ctx][source/32] &^= 1 << (source % 32)
}

func (p *PLIC) hasPendingInterrupt(ctx int) bool {
	for src := uint32(1); src < plicMaxSources; src++ {
		if p.pending[src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if p.enable[ctx][src/32]&(1<<(src%32)) == 0 {
			continue
		}
		if p.priority[src] > p.threshold[ctx] {
			return true
		}
	}
	return false
}

// updateInterrupts recomputes MEIP/SEIP for every hart from pending context
// state; called after any register write that could change it.
func (p *PLIC) updateInterrupts() {
	for hart, cpu := range p.harts {
		if p.hasPendingInterrupt(p.contextOf(hart, plicContextM)) {
			cpu.CSR[CSRMip] |= MipMEIP
		} else {
			cpu.CSR[CSRMip] &^= MipMEIP
		}
		if p.hasPendingInterrupt(p.contextOf(hart, plicContextS)) {
			cpu.CSR[CSRMip] |= MipSEIP
		} else {
			cpu.CSR[CSRMip] &^= MipSEIP
		}
	}
}

var _ Device = (*PLIC)(nil)
