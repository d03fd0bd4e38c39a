package riscv

// The 16-bit compressed instruction set (RVC). ExpandCompressed synthesizes
// the equivalent 32-bit instruction word so the normal Execute() decode path
// handles it without duplicating the integer/system semantics. The bit
// scatter/gather below follows the RISC-V C-extension encoding directly, so
// unlike most of this package it isn't really a "teacher style" choice —
// it's the ISA's own encoding, reproduced as-is.

func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }
func cRd_(insn uint16) uint32    { return uint32((insn>>2)&0x7) + 8 }
func cRs1_(insn uint16) uint32   { return uint32((insn>>7)&0x7) + 8 }
func cRs2_(insn uint16) uint32   { return uint32((insn>>2)&0x7) + 8 }
func cRd(insn uint16) uint32     { return uint32((insn >> 7) & 0x1f) }
func cRs1(insn uint16) uint32    { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32    { return uint32((insn >> 2) & 0x1f) }

func encodeR(opc, f3, f7, rdReg, rs1Reg, rs2Reg uint32) uint32 {
	return opc | rdReg<<7 | f3<<12 | rs1Reg<<15 | rs2Reg<<20 | f7<<25
}
func encodeI(opc, f3, rdReg, rs1Reg uint32, imm uint64) uint32 {
	return opc | rdReg<<7 | f3<<12 | rs1Reg<<15 | uint32(imm&0xfff)<<20
}
func encodeS(opc, f3, rs1Reg, rs2Reg uint32, imm uint64) uint32 {
	lo := uint32(imm) & 0x1f
	hi := (uint32(imm) >> 5) & 0x7f
	return opc | lo<<7 | f3<<12 | rs1Reg<<15 | rs2Reg<<20 | hi<<25
}
func encodeU(opc, rdReg uint32, imm uint64) uint32 {
	return opc | rdReg<<7 | uint32(imm)&0xfffff000
}
func encodeB(opc, f3, rs1Reg, rs2Reg uint32, imm uint64) uint32 {
	b := uint32(imm)
	bit12 := (b >> 12) & 1
	bit11 := (b >> 11) & 1
	bits105 := (b >> 5) & 0x3f
	bits41 := (b >> 1) & 0xf
	return opc | bit11<<7 | bits41<<8 | f3<<12 | rs1Reg<<15 | rs2Reg<<20 | bits105<<25 | bit12<<31
}
func encodeJ(opc, rdReg uint32, imm uint64) uint32 {
	j := uint32(imm)
	bit20 := (j >> 20) & 1
	bits101 := (j >> 1) & 0x3ff
	bit11 := (j >> 11) & 1
	bits1912 := (j >> 12) & 0xff
	return opc | rdReg<<7 | bits1912<<12 | bit11<<20 | bits101<<21 | bit20<<31
}

// ExpandCompressed synthesizes a 32-bit instruction word from a 16-bit RVC
// instruction.
func ExpandCompressed(insn uint16) (uint32, error) {
	switch cOp(insn) {
	case 0:
		return expandQ0(insn)
	case 1:
		return expandQ1(insn)
	case 2:
		return expandQ2(insn)
	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

func expandQ0(insn uint16) (uint32, error) {
	f3 := cFunct3(insn)
	rdReg := cRd_(insn)
	rs1Reg := cRs1_(insn)
	rs2Reg := cRs2_(insn)

	switch f3 {
	case 0b000: // C.ADDI4SPN
		nzuimm := (uint64((insn>>11)&0x3) << 4) | (uint64((insn>>7)&0xf) << 6) | (uint64((insn>>6)&0x1) << 2) | (uint64((insn>>5)&0x1) << 3)
		if nzuimm == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		return encodeI(opOpImm, 0, rdReg, 2, nzuimm), nil // ADDI rd, x2, nzuimm

	case 0b001: // C.FLD
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>5)&0x3)<<6
		return encodeI(opLoadFP, 0b011, rdReg, rs1Reg, imm), nil

	case 0b010: // C.LW
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>6)&0x1)<<2 | uint64((insn>>5)&0x1)<<6
		return encodeI(opLoad, 0b010, rdReg, rs1Reg, imm), nil

	case 0b011: // C.LD
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>5)&0x3)<<6
		return encodeI(opLoad, 0b011, rdReg, rs1Reg, imm), nil

	case 0b101: // C.FSD
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>5)&0x3)<<6
		return encodeS(opStoreFP, 0b011, rs1Reg, rs2Reg, imm), nil

	case 0b110: // C.SW
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>6)&0x1)<<2 | uint64((insn>>5)&0x1)<<6
		return encodeS(opStore, 0b010, rs1Reg, rs2Reg, imm), nil

	case 0b111: // C.SD
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>5)&0x3)<<6
		return encodeS(opStore, 0b011, rs1Reg, rs2Reg, imm), nil

	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

func expandQ1(insn uint16) (uint32, error) {
	f3 := cFunct3(insn)
	rdRs1 := cRs1(insn)

	imm6 := func() uint64 {
		v := uint64((insn>>12)&1)<<5 | uint64((insn>>2)&0x1f)
		return signExtend(v, 6)
	}

	switch f3 {
	case 0b000: // C.NOP / C.ADDI
		return encodeI(opOpImm, 0, rdRs1, rdRs1, imm6()), nil

	case 0b001: // C.ADDIW
		return encodeI(opOpImm32, 0, rdRs1, rdRs1, imm6()), nil

	case 0b010: // C.LI
		return encodeI(opOpImm, 0, rdRs1, 0, imm6()), nil

	case 0b011:
		if rdRs1 == 2 { // C.ADDI16SP
			v := uint64((insn>>12)&1)<<9 | uint64((insn>>3)&0x3)<<7 | uint64((insn>>5)&0x1)<<6 | uint64((insn>>2)&0x1)<<5 | uint64((insn>>6)&0x1)<<4
			nzimm := signExtend(v, 10)
			return encodeI(opOpImm, 0, 2, 2, nzimm), nil
		}
		// C.LUI
		v := uint64((insn>>12)&1)<<17 | uint64((insn>>2)&0x1f)<<12
		nzimm := signExtend(v, 18)
		if nzimm == 0 {
			return 0, Exception(CauseIllegalInsn, uint64(insn))
		}
		return encodeU(opLui, rdRs1, nzimm), nil

	case 0b100:
		rdRs1c := cRs1_(insn)
		sub := (insn >> 10) & 0x3
		switch sub {
		case 0b00: // C.SRLI
			shamt := uint64((insn>>12)&1)<<5 | uint64((insn>>2)&0x1f)
			return encodeI(opOpImm, 0b101, rdRs1c, rdRs1c, shamt), nil
		case 0b01: // C.SRAI
			shamt := uint64((insn>>12)&1)<<5 | uint64((insn>>2)&0x1f)
			return encodeI(opOpImm, 0b101, rdRs1c, rdRs1c, shamt|uint64(0b010000)<<6), nil
		case 0b10: // C.ANDI
			return encodeI(opOpImm, 0b111, rdRs1c, rdRs1c, imm6()), nil
		case 0b11:
			rs2c := cRs2_(insn)
			funct2bit := (insn >> 5) & 0x3
			wide := (insn >> 12) & 1
			if wide == 0 {
				switch funct2bit {
				case 0b00:
					return encodeR(opOp, 0, 0b0100000, rdRs1c, rdRs1c, rs2c), nil // C.SUB
				case 0b01:
					return encodeR(opOp, 0b100, 0, rdRs1c, rdRs1c, rs2c), nil // C.XOR
				case 0b10:
					return encodeR(opOp, 0b110, 0, rdRs1c, rdRs1c, rs2c), nil // C.OR
				default:
					return encodeR(opOp, 0b111, 0, rdRs1c, rdRs1c, rs2c), nil // C.AND
				}
			}
			switch funct2bit {
			case 0b00:
				return encodeR(opOp32, 0, 0b0100000, rdRs1c, rdRs1c, rs2c), nil // C.SUBW
			case 0b01:
				return encodeR(opOp32, 0, 0, rdRs1c, rdRs1c, rs2c), nil // C.ADDW
			}
		}
		return 0, Exception(CauseIllegalInsn, uint64(insn))

	case 0b101: // C.J
		v := uint64((insn>>12)&1)<<11 | uint64((insn>>8)&1)<<10 | uint64((insn>>9)&0x3)<<8 | uint64((insn>>6)&1)<<7 |
			uint64((insn>>7)&1)<<6 | uint64((insn>>2)&1)<<5 | uint64((insn>>11)&1)<<4 | uint64((insn>>3)&0x7)<<1
		imm := signExtend(v, 12)
		return encodeJ(opJal, 0, imm), nil

	case 0b110, 0b111: // C.BEQZ / C.BNEZ
		rs1c := cRs1_(insn)
		v := uint64((insn>>12)&1)<<8 | uint64((insn>>5)&0x3)<<6 | uint64((insn>>2)&1)<<5 | uint64((insn>>10)&0x3)<<3 | uint64((insn>>3)&0x3)<<1
		imm := signExtend(v, 9)
		f3out := uint32(0b000)
		if f3 == 0b111 {
			f3out = 0b001
		}
		return encodeB(opBranch, f3out, rs1c, 0, imm), nil

	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}

func expandQ2(insn uint16) (uint32, error) {
	f3 := cFunct3(insn)
	rdRs1 := cRd(insn)
	rs2 := cRs2(insn)

	switch f3 {
	case 0b000: // C.SLLI
		shamt := uint64((insn>>12)&1)<<5 | uint64((insn>>2)&0x1f)
		return encodeI(opOpImm, 0b001, rdRs1, rdRs1, shamt), nil

	case 0b001: // C.FLDSP
		imm := uint64((insn>>2)&0x7)<<6 | uint64((insn>>12)&0x1)<<5 | uint64((insn>>5)&0x3)<<3
		return encodeI(opLoadFP, 0b011, rdRs1, 2, imm), nil

	case 0b010: // C.LWSP
		imm := uint64((insn>>4)&0x7)<<2 | uint64((insn>>12)&0x1)<<5 | uint64((insn>>2)&0x3)<<6
		return encodeI(opLoad, 0b010, rdRs1, 2, imm), nil

	case 0b011: // C.LDSP
		imm := uint64((insn>>5)&0x3)<<3 | uint64((insn>>12)&0x1)<<5 | uint64((insn>>2)&0x7)<<6
		return encodeI(opLoad, 0b011, rdRs1, 2, imm), nil

	case 0b100:
		bit12 := (insn >> 12) & 1
		if bit12 == 0 {
			if rs2 == 0 { // C.JR
				if rdRs1 == 0 {
					return 0, Exception(CauseIllegalInsn, uint64(insn))
				}
				return encodeI(opJalr, 0, 0, rdRs1, 0), nil
			}
			return encodeR(opOp, 0, 0, rdRs1, 0, rs2), nil // C.MV: add rd, x0, rs2
		}
		if rs2 == 0 {
			if rdRs1 == 0 {
				return 0x00100073, nil // C.EBREAK
			}
			return encodeI(opJalr, 0, 1, rdRs1, 0), nil // C.JALR
		}
		return encodeR(opOp, 0, 0, rdRs1, rdRs1, rs2), nil // C.ADD

	case 0b101: // C.FSDSP
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>7)&0x7)<<6
		return encodeS(opStoreFP, 0b011, 2, rs2, imm), nil

	case 0b110: // C.SWSP
		imm := uint64((insn>>9)&0xf)<<2 | uint64((insn>>7)&0x3)<<6
		return encodeS(opStore, 0b010, 2, rs2, imm), nil

	case 0b111: // C.SDSP
		imm := uint64((insn>>10)&0x7)<<3 | uint64((insn>>7)&0x7)<<6
		return encodeS(opStore, 0b011, 2, rs2, imm), nil

	default:
		return 0, Exception(CauseIllegalInsn, uint64(insn))
	}
}
