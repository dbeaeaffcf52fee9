package main

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
)

// byteOpcode is the 5-bit command tag in a SoftCPU bytecode command
// header. The original format's opcode table lives in an external,
// code-generated file (cmd.in) that was not available in the retrieval
// pack this reader was grounded on, so this is a minimal, self-consistent
// reconstruction: a single accumulator register (r0, aliased "rax") plus
// five general registers (r1..r5), enough to execute straight-line
// arithmetic and I/O programs under the documented command framing.
type byteOpcode uint8

const (
	bcHalt byteOpcode = iota
	bcLoadConst
	bcLoadReg
	bcStoreReg
	bcAdd
	bcSub
	bcMul
	bcDiv
	bcOut
	bcIn
)

// byteRegisterCount is the number of virtual registers a bytecode program
// can address (Register enum: rax, rbx, rcx, rdx, rex, rfx).
const byteRegisterCount = 6

// byteCmd is one decoded command: a header and its optional operands.
type byteCmd struct {
	op     byteOpcode
	mem    bool
	hasReg bool
	hasImm bool
	imm    int32
	reg    byte
}

// ByteCode is a fully decoded SoftCPU program.
type ByteCode struct {
	Commands []byteCmd
}

// ReadByteCode opens path and decodes it as a SoftCPU bytecode program:
// a "DB" magic (three bytes plus one pad byte to match the original
// title struct's alignment), a version byte that must be 2, a videoMode
// byte that is read and ignored, a 4-byte little-endian command count,
// then exactly that many commands of {opcode:5,mem:1,reg:1,immed:1} plus
// an optional 4-byte little-endian immediate and an optional 1-byte
// register index.
func ReadByteCode(path string) (*ByteCode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioError(path, "bytecode.go", 0)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var title [10]byte
	if _, err := io.ReadFull(r, title[:]); err != nil {
		return nil, corruptedInput("bytecode.go", 0, "truncated bytecode header")
	}
	if title[0] != 'D' || title[1] != 'B' || title[2] != 0 {
		return nil, corruptedInput("bytecode.go", 0, "invalid file type")
	}
	version := title[3]
	_ = title[4] // videoMode: read, ignored
	if version != 2 {
		return nil, corruptedInput("bytecode.go", 0, "unsupported bytecode version")
	}
	cmdCount := binary.LittleEndian.Uint32(title[6:10])

	bc := &ByteCode{Commands: make([]byteCmd, 0, cmdCount)}
	for i := uint32(0); i < cmdCount; i++ {
		header, err := r.ReadByte()
		if err != nil {
			return nil, corruptedInput("bytecode.go", 0, "truncated command header")
		}
		cmd := byteCmd{
			op:     byteOpcode(header & 0x1f),
			mem:    header&0x20 != 0,
			hasReg: header&0x40 != 0,
			hasImm: header&0x80 != 0,
		}
		if cmd.hasImm {
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, corruptedInput("bytecode.go", 0, "truncated command immediate")
			}
			cmd.imm = int32(binary.LittleEndian.Uint32(buf[:]))
		}
		if cmd.hasReg {
			reg, err := r.ReadByte()
			if err != nil {
				return nil, corruptedInput("bytecode.go", 0, "truncated command register")
			}
			cmd.reg = reg
		}
		bc.Commands = append(bc.Commands, cmd)
	}
	return bc, nil
}

// registerName returns the SSA global name standing in for a virtual
// register: r0 is the accumulator (rax), r1..r5 the rest.
func registerName(reg byte) string {
	names := [...]string{"rax", "rbx", "rcx", "rdx", "rex", "rfx"}
	if int(reg) < len(names) {
		return names[reg]
	}
	return names[0]
}

// BuildModuleFromByteCode bridges a decoded SoftCPU program onto the same
// SSA Module shape the AST path builds, as a single implicit "main"
// function operating on six global double registers. This keeps the
// Function Lowerer the single source of machine-code generation for both
// CLI entry points.
func BuildModuleFromByteCode(bc *ByteCode) (*Module, error) {
	mod := NewModule()
	for i := 0; i < byteRegisterCount; i++ {
		mod.Globals = append(mod.Globals, registerName(byte(i)))
	}

	ng := NewNameGenerator()
	fn := Function{Name: "main", ReturnsVal: false}
	fn.Blocks = append(fn.Blocks, BasicBlock{Name: ng.NextBlock("entry")})
	blk := &fn.Blocks[0]

	acc := GlobalValue(registerName(0))
	emit := func(in Instruction) { blk.Instructions = append(blk.Instructions, in) }

	for _, cmd := range bc.Commands {
		if cmd.mem {
			return nil, notImplemented("bytecode memory-addressed operand")
		}
		switch cmd.op {
		case bcHalt:
			emit(Instruction{Op: OpRet})
		case bcLoadConst:
			emit(Instruction{Op: OpStore, Operands: []Value{acc, ConstValue(float64(cmd.imm))}})
		case bcLoadReg:
			emit(Instruction{Op: OpStore, Operands: []Value{acc, GlobalValue(registerName(cmd.reg))}})
		case bcStoreReg:
			emit(Instruction{Op: OpStore, Operands: []Value{GlobalValue(registerName(cmd.reg)), acc}})
		case bcAdd, bcSub, bcMul, bcDiv:
			res := ng.NextValue("t")
			op := map[byteOpcode]Opcode{bcAdd: OpFAdd, bcSub: OpFSub, bcMul: OpFMul, bcDiv: OpFDiv}[cmd.op]
			emit(Instruction{Op: op, Operands: []Value{acc, GlobalValue(registerName(cmd.reg))}, Result: res})
			emit(Instruction{Op: OpStore, Operands: []Value{acc, TempValue(res)}})
		case bcOut:
			emit(Instruction{Op: OpCall, Callee: "printDouble", Operands: []Value{acc}})
		case bcIn:
			res := ng.NextValue("t")
			emit(Instruction{Op: OpCall, Callee: "scanDouble", Result: res})
			emit(Instruction{Op: OpStore, Operands: []Value{acc, TempValue(res)}})
		default:
			return nil, notImplemented("unknown bytecode opcode")
		}
	}
	if len(blk.Instructions) == 0 || blk.Instructions[len(blk.Instructions)-1].Op != OpRet {
		emit(Instruction{Op: OpRet})
	}

	mod.Functions = append(mod.Functions, fn)
	return mod, nil
}
