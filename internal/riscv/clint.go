package riscv

import "sync"

// CLINT register layout, one msip word and one mtimecmp doubleword per hart,
// plus a single shared mtime doubleword.
const (
	clintMsipBase     = 0x0000
	clintMtimecmpBase = 0x4000
	clintMtime        = 0xbff8
)

// CLINT is the Core-Local Interruptor: per-hart software interrupts and
// timer compare registers, and the shared mtime counter. Unlike the usual
// wall-clock-driven model, mtime here advances exactly once per Step() call
// on any hart (spec.md §4.2), so single-stepping and snapshot/restore stay
// deterministic.
type CLINT struct {
	harts []*CPU
	mu    sync.Mutex

	msip     []uint32
	mtimecmp []uint64
	mtime    uint64
}

// NewCLINT creates a CLINT serving the given harts, indexed by hart ID.
func NewCLINT(harts []*CPU) *CLINT {
	c := &CLINT{
		harts:    harts,
		msip:     make([]uint32, len(harts)),
		mtimecmp: make([]uint64, len(harts)),
	}
	for i := range c.mtimecmp {
		c.mtimecmp[i] = ^uint64(0)
	}
	return c
}

func (c *CLINT) Size() uint64 { return CLINTSize }

func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == clintMtime:
		return c.mtime, nil
	case offset >= clintMsipBase && offset < clintMsipBase+4*uint64(len(c.harts)):
		hart := (offset - clintMsipBase) / 4
		return uint64(c.msip[hart]), nil
	case offset >= clintMtimecmpBase && offset < clintMtimecmpBase+8*uint64(len(c.harts)):
		hart := (offset - clintMtimecmpBase) / 8
		return c.mtimecmp[hart], nil
	}
	return 0, nil
}

func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset >= clintMsipBase && offset < clintMsipBase+4*uint64(len(c.harts)):
		hart := (offset - clintMsipBase) / 4
		if value&1 != 0 {
			c.msip[hart] = 1
			c.harts[hart].CSR[CSRMip] |= MipMSIP
		} else {
			c.msip[hart] = 0
			c.harts[hart].CSR[CSRMip] &^= MipMSIP
		}

	case offset >= clintMtimecmpBase && offset < clintMtimecmpBase+8*uint64(len(c.harts)):
		hart := (offset - clintMtimecmpBase) / 8
		reg := offset - clintMtimecmpBase - hart*8
		if size == 4 {
			if reg == 0 {
				c.mtimecmp[hart] = (c.mtimecmp[hart] &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp[hart] = (c.mtimecmp[hart] &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp[hart] = value
		}
		if c.mtimecmp[hart] > c.mtime {
			c.harts[hart].CSR[CSRMip] &^= MipMTIP
		}
	}
	return nil
}

// Tick advances mtime by one and updates each hart's timer-pending bit and
// CSRTime shadow register. Called exactly once per Step() on any hart.
func (c *CLINT) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mtime++
	for i, h := range c.harts {
		h.CSR[CSRTime] = c.mtime
		if c.mtime >= c.mtimecmp[i] {
			h.CSR[CSRMip] |= MipMTIP
		}
	}
}

// SendIPI sets the machine-software-interrupt-pending bit on the target
// hart, the mechanism SBI's IPI extension uses to interrupt other harts.
func (c *CLINT) SendIPI(hart int) {
	if hart < 0 || hart >= len(c.harts) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msip[hart] = 1
	c.harts[hart].CSR[CSRMip] |= MipMSIP
}

var _ Device = (*CLINT)(nil)
