package riscv

// execAMO handles the A-extension load-reserved/store-conditional and
// atomic-memory-operation instructions for both word and doubleword widths.
func (cpu *CPU) execAMO(insn uint32) error {
	if funct3(insn) == 0b010 {
		return cpu.execAMO32(insn)
	}
	return cpu.execAMO64(insn)
}

func (cpu *CPU) execAMO32(insn uint32) error {
	rdReg, rs1Reg, rs2Reg := rd(insn), rs1(insn), rs2(insn)
	addr := cpu.ReadReg(rs1Reg)
	if addr&3 != 0 {
		return Exception(CauseStoreAddrMisaligned, addr)
	}
	f5 := funct7(insn) >> 2

	cpu.Bus.LockAtomic()
	defer cpu.Bus.UnlockAtomic()

	switch f5 {
	case 0b00010: // LR.W
		paddr, err := cpu.MMU.TranslateRead(addr)
		if err != nil {
			return err
		}
		val, err := cpu.Bus.Read32(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.WriteReg(rdReg, signExtend32(val))
		cpu.Reservation = addr
		cpu.ReservationValid = true

	case 0b00011: // SC.W
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1)
		} else {
			paddr, err := cpu.MMU.TranslateWrite(addr)
			if err != nil {
				return err
			}
			if err := cpu.Bus.Write32(paddr, uint32(cpu.ReadReg(rs2Reg))); err != nil {
				return Exception(CauseStoreAccessFault, addr)
			}
			cpu.Bus.InvalidateReservation(paddr, 4)
			cpu.WriteReg(rdReg, 0)
		}
		cpu.ReservationValid = false

	default:
		paddr, err := cpu.MMU.TranslateWrite(addr)
		if err != nil {
			return err
		}
		old, err := cpu.Bus.Read32(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		rs2Val := uint32(cpu.ReadReg(rs2Reg))
		newVal := amoCompute32(f5, old, rs2Val)
		if err := cpu.Bus.Write32(paddr, newVal); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.Bus.InvalidateReservation(paddr, 4)
		cpu.WriteReg(rdReg, signExtend32(old))
	}

	cpu.PC += 4
	return nil
}

func (cpu *CPU) execAMO64(insn uint32) error {
	rdReg, rs1Reg, rs2Reg := rd(insn), rs1(insn), rs2(insn)
	addr := cpu.ReadReg(rs1Reg)
	if addr&7 != 0 {
		return Exception(CauseStoreAddrMisaligned, addr)
	}
	f5 := funct7(insn) >> 2

	cpu.Bus.LockAtomic()
	defer cpu.Bus.UnlockAtomic()

	switch f5 {
	case 0b00010: // LR.D
		paddr, err := cpu.MMU.TranslateRead(addr)
		if err != nil {
			return err
		}
		val, err := cpu.Bus.Read64(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.WriteReg(rdReg, val)
		cpu.Reservation = addr
		cpu.ReservationValid = true

	case 0b00011: // SC.D
		if !cpu.ReservationValid || cpu.Reservation != addr {
			cpu.WriteReg(rdReg, 1)
		} else {
			paddr, err := cpu.MMU.TranslateWrite(addr)
			if err != nil {
				return err
			}
			if err := cpu.Bus.Write64(paddr, cpu.ReadReg(rs2Reg)); err != nil {
				return Exception(CauseStoreAccessFault, addr)
			}
			cpu.Bus.InvalidateReservation(paddr, 8)
			cpu.WriteReg(rdReg, 0)
		}
		cpu.ReservationValid = false

	default:
		paddr, err := cpu.MMU.TranslateWrite(addr)
		if err != nil {
			return err
		}
		old, err := cpu.Bus.Read64(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		rs2Val := cpu.ReadReg(rs2Reg)
		newVal := amoCompute64(f5, old, rs2Val)
		if err := cpu.Bus.Write64(paddr, newVal); err != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
		cpu.Bus.InvalidateReservation(paddr, 8)
		cpu.WriteReg(rdReg, old)
	}

	cpu.PC += 4
	return nil
}

func amoCompute32(f5 uint32, old, val uint32) uint32 {
	switch f5 {
	case 0b00001:
		return val // AMOSWAP
	case 0b00000:
		return old + val // AMOADD
	case 0b00100:
		return old ^ val // AMOXOR
	case 0b01100:
		return old & val // AMOAND
	case 0b01000:
		return old | val // AMOOR
	case 0b10000:
		if int32(old) < int32(val) {
			return old
		}
		return val // AMOMIN
	case 0b10100:
		if int32(old) > int32(val) {
			return old
		}
		return val // AMOMAX
	case 0b11000:
		if old < val {
			return old
		}
		return val // AMOMINU
	case 0b11100:
		if old > val {
			return old
		}
		return val // AMOMAXU
	default:
		return old
	}
}

func amoCompute64(f5 uint32, old, val uint64) uint64 {
	switch f5 {
	case 0b00001:
		return val
	case 0b00000:
		return old + val
	case 0b00100:
		return old ^ val
	case 0b01100:
		return old & val
	case 0b01000:
		return old | val
	case 0b10000:
		if int64(old) < int64(val) {
			return old
		}
		return val
	case 0b10100:
		if int64(old) > int64(val) {
			return old
		}
		return val
	case 0b11000:
		if old < val {
			return old
		}
		return val
	case 0b11100:
		if old > val {
			return old
		}
		return val
	default:
		return old
	}
}
