package riscv

import "math"

const (
	opMadd  = 0
	opMsub  = 1
	opNmsub = 2
	opNmadd = 3
)

func f32ToU64(f float32) uint64 {
	return 0xffffffff00000000 | uint64(math.Float32bits(f))
}

func u64ToF32(val uint64) float32 {
	if (val >> 32) != 0xffffffff {
		return float32(math.NaN())
	}
	return math.Float32frombits(uint32(val))
}

func f64ToU64(f float64) uint64  { return math.Float64bits(f) }
func u64ToF64(val uint64) float64 { return math.Float64frombits(val) }

// execLoadFP executes FLW/FLD.
func (cpu *CPU) execLoadFP(insn uint32) error {
	addr := cpu.ReadReg(rs1(insn)) + immI(insn)
	paddr, err := cpu.MMU.TranslateRead(addr)
	if err != nil {
		return err
	}
	rdReg := rd(insn)
	switch funct3(insn) {
	case 0b010: // FLW
		val, rerr := cpu.Bus.Read32(paddr)
		if rerr != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.F[rdReg] = f32ToU64(math.Float32frombits(val))
	case 0b011: // FLD
		val, rerr := cpu.Bus.Read64(paddr)
		if rerr != nil {
			return Exception(CauseLoadAccessFault, addr)
		}
		cpu.F[rdReg] = val
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	cpu.setFS(3)
	cpu.PC += 4
	return nil
}

// execStoreFP executes FSW/FSD.
func (cpu *CPU) execStoreFP(insn uint32) error {
	addr := cpu.ReadReg(rs1(insn)) + immS(insn)
	paddr, err := cpu.MMU.TranslateWrite(addr)
	if err != nil {
		return err
	}
	rs2Reg := rs2(insn)
	switch funct3(insn) {
	case 0b010:
		if werr := cpu.Bus.Write32(paddr, uint32(cpu.F[rs2Reg])); werr != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
	case 0b011:
		if werr := cpu.Bus.Write64(paddr, cpu.F[rs2Reg]); werr != nil {
			return Exception(CauseStoreAccessFault, addr)
		}
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	cpu.PC += 4
	return nil
}

// execFP dispatches the whole F/D extension: FP opcode, FMA variants, and
// the integer<->FP move/convert/classify family.
func (cpu *CPU) execFP(insn uint32) error {
	switch opcode(insn) {
	case opFMAdd:
		return cpu.execFMA(insn, opMadd)
	case opFMSub:
		return cpu.execFMA(insn, opMsub)
	case opFNMSub:
		return cpu.execFMA(insn, opNmsub)
	case opFNMAdd:
		return cpu.execFMA(insn, opNmadd)
	}

	f7 := funct7(insn)
	f3 := funct3(insn)
	rdReg := rd(insn)
	rs1Reg := rs1(insn)
	rs2Reg := rs2(insn)
	isDouble := f7&1 == 1

	switch f7 >> 2 {
	case 0b00000: // FADD
		cpu.fpBinOp(rdReg, rs1Reg, rs2Reg, isDouble, func(a, b float64) float64 { return a + b })
	case 0b00001: // FSUB
		cpu.fpBinOp(rdReg, rs1Reg, rs2Reg, isDouble, func(a, b float64) float64 { return a - b })
	case 0b00010: // FMUL
		cpu.fpBinOp(rdReg, rs1Reg, rs2Reg, isDouble, func(a, b float64) float64 { return a * b })
	case 0b00011: // FDIV
		cpu.fpBinOp(rdReg, rs1Reg, rs2Reg, isDouble, func(a, b float64) float64 { return a / b })
	case 0b01011: // FSQRT
		cpu.fpBinOp(rdReg, rs1Reg, rs1Reg, isDouble, func(a, _ float64) float64 { return math.Sqrt(a) })

	case 0b00100: // FSGNJ/FSGNJN/FSGNJX
		if isDouble {
			a, b := cpu.F[rs1Reg], cpu.F[rs2Reg]
			signA, signB := a&(1<<63), b&(1<<63)
			switch f3 {
			case 0b000:
				cpu.F[rdReg] = (a &^ (1 << 63)) | signB
			case 0b001:
				cpu.F[rdReg] = (a &^ (1 << 63)) | (^signB & (1 << 63))
			case 0b010:
				cpu.F[rdReg] = (a &^ (1 << 63)) | (signA ^ signB)
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
		} else {
			a, b := uint32(cpu.F[rs1Reg]), uint32(cpu.F[rs2Reg])
			signA, signB := a&(1<<31), b&(1<<31)
			var result uint32
			switch f3 {
			case 0b000:
				result = (a &^ (1 << 31)) | signB
			case 0b001:
				result = (a &^ (1 << 31)) | (^signB & (1 << 31))
			case 0b010:
				result = (a &^ (1 << 31)) | (signA ^ signB)
			default:
				return Exception(CauseIllegalInsn, uint64(insn))
			}
			cpu.F[rdReg] = f32ToU64(math.Float32frombits(result))
		}
		cpu.setFS(3)

	case 0b00101: // FMIN/FMAX
		if f3 == 0b000 {
			cpu.fpBinOp(rdReg, rs1Reg, rs2Reg, isDouble, math.Min)
		} else {
			cpu.fpBinOp(rdReg, rs1Reg, rs2Reg, isDouble, math.Max)
		}

	case 0b10100: // FEQ/FLT/FLE
		a, b := cpu.fpVal(rs1Reg, isDouble), cpu.fpVal(rs2Reg, isDouble)
		var result uint64
		switch f3 {
		case 0b010:
			if a == b {
				result = 1
			}
		case 0b001:
			if a < b {
				result = 1
			}
		case 0b000:
			if a <= b {
				result = 1
			}
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}
		cpu.WriteReg(rdReg, result)
		return cpu.advance()

	case 0b11000: // FCVT.W/WU/L/LU.S/D
		a := cpu.fpVal(rs1Reg, isDouble)
		var result int64
		switch rs2Reg {
		case 0b00000:
			result = int64(int32(a))
		case 0b00001:
			result = int64(int32(uint32(a)))
		case 0b00010:
			result = int64(a)
		case 0b00011:
			result = int64(uint64(a))
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}
		cpu.WriteReg(rdReg, uint64(result))
		return cpu.advance()

	case 0b11010: // FCVT.S/D.W/WU/L/LU
		var result float64
		switch rs2Reg {
		case 0b00000:
			result = float64(int32(cpu.ReadReg(rs1Reg)))
		case 0b00001:
			result = float64(uint32(cpu.ReadReg(rs1Reg)))
		case 0b00010:
			result = float64(int64(cpu.ReadReg(rs1Reg)))
		case 0b00011:
			result = float64(cpu.ReadReg(rs1Reg))
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}
		cpu.setFval(rdReg, isDouble, result)

	case 0b11100: // FMV.X.W/D / FCLASS
		switch f3 {
		case 0b000:
			if isDouble {
				cpu.WriteReg(rdReg, cpu.F[rs1Reg])
			} else {
				cpu.WriteReg(rdReg, uint64(int32(cpu.F[rs1Reg])))
			}
			return cpu.advance()
		case 0b001:
			var result uint64
			if isDouble {
				result = classifyF64(u64ToF64(cpu.F[rs1Reg]))
			} else {
				result = classifyF32(u64ToF32(cpu.F[rs1Reg]))
			}
			cpu.WriteReg(rdReg, result)
			return cpu.advance()
		default:
			return Exception(CauseIllegalInsn, uint64(insn))
		}

	case 0b11110: // FMV.W/D.X
		if isDouble {
			cpu.F[rdReg] = cpu.ReadReg(rs1Reg)
		} else {
			cpu.F[rdReg] = f32ToU64(math.Float32frombits(uint32(cpu.ReadReg(rs1Reg))))
		}
		cpu.setFS(3)

	case 0b01000: // FCVT.S.D / FCVT.D.S
		if isDouble {
			cpu.F[rdReg] = f64ToU64(float64(u64ToF32(cpu.F[rs1Reg])))
		} else {
			cpu.F[rdReg] = f32ToU64(float32(u64ToF64(cpu.F[rs1Reg])))
		}
		cpu.setFS(3)

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return cpu.advance()
}

func (cpu *CPU) advance() error {
	cpu.PC += 4
	return nil
}

func (cpu *CPU) fpVal(reg uint32, isDouble bool) float64 {
	if isDouble {
		return u64ToF64(cpu.F[reg])
	}
	return float64(u64ToF32(cpu.F[reg]))
}

func (cpu *CPU) setFval(reg uint32, isDouble bool, v float64) {
	if isDouble {
		cpu.F[reg] = f64ToU64(v)
	} else {
		cpu.F[reg] = f32ToU64(float32(v))
	}
	cpu.setFS(3)
}

func (cpu *CPU) fpBinOp(rdReg, rs1Reg, rs2Reg uint32, isDouble bool, op func(a, b float64) float64) {
	a, b := cpu.fpVal(rs1Reg, isDouble), cpu.fpVal(rs2Reg, isDouble)
	cpu.setFval(rdReg, isDouble, op(a, b))
}

func (cpu *CPU) execFMA(insn uint32, op uint32) error {
	rdReg, rs1Reg, rs2Reg, rs3Reg := rd(insn), rs1(insn), rs2(insn), rs3(insn)
	isDouble := funct2(insn)&1 == 1

	a, b, c := cpu.fpVal(rs1Reg, isDouble), cpu.fpVal(rs2Reg, isDouble), cpu.fpVal(rs3Reg, isDouble)
	var result float64
	switch op {
	case opMadd:
		result = a*b + c
	case opMsub:
		result = a*b - c
	case opNmsub:
		result = -(a*b) + c
	case opNmadd:
		result = -(a*b) - c
	}
	cpu.setFval(rdReg, isDouble, result)
	cpu.PC += 4
	return nil
}

func classifyF32(f float32) uint64 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xff
	frac := bits & 0x7fffff

	switch {
	case exp == 0xff && frac != 0:
		if frac&(1<<22) != 0 {
			return 1 << 9
		}
		return 1 << 8
	case exp == 0xff:
		if sign != 0 {
			return 1 << 0
		}
		return 1 << 7
	case exp == 0 && frac == 0:
		if sign != 0 {
			return 1 << 3
		}
		return 1 << 4
	case exp == 0:
		if sign != 0 {
			return 1 << 2
		}
		return 1 << 5
	default:
		if sign != 0 {
			return 1 << 1
		}
		return 1 << 6
	}
}

func classifyF64(f float64) uint64 {
	bits := math.Float64bits(f)
	sign := bits >> 63
	exp := (bits >> 52) & 0x7ff
	frac := bits & 0xfffffffffffff

	switch {
	case exp == 0x7ff && frac != 0:
		if frac&(1<<51) != 0 {
			return 1 << 9
		}
		return 1 << 8
	case exp == 0x7ff:
		if sign != 0 {
			return 1 << 0
		}
		return 1 << 7
	case exp == 0 && frac == 0:
		if sign != 0 {
			return 1 << 3
		}
		return 1 << 4
	case exp == 0:
		if sign != 0 {
			return 1 << 2
		}
		return 1 << 5
	default:
		if sign != 0 {
			return 1 << 1
		}
		return 1 << 6
	}
}
