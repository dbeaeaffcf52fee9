package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Encoder emits x86-64 machine code into an X86Image's text area. It is
// the sole component that knows how bytes map to mnemonics; every other
// component asks for an operation by name and gets back the offset the
// first byte was written at, which callers use to build Reference entries
// for the symbol tables.
type Encoder struct {
	img *X86Image
}

// NewEncoder returns an encoder writing into img's text area.
func NewEncoder(img *X86Image) *Encoder {
	return &Encoder{img: img}
}

// Offset returns the current write position in text -- the offset the
// next emitted byte will land at.
func (e *Encoder) Offset() int { return e.img.Text.Size() }

func (e *Encoder) write(bs ...byte) int {
	return e.img.Text.Write(bs)
}

func (e *Encoder) trace(format string, args ...interface{}) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// --- scalar double-precision VEX arithmetic -------------------------------

// predicateOpcodes maps the four opcode bytes shared by vaddsd/vsubsd/
// vmulsd/vdivsd.
const (
	opVaddsd = 0x58
	opVsubsd = 0x5C
	opVmulsd = 0x59
	opVdivsd = 0x5E
	opVandpd = 0x54
	opVorpd  = 0x56
	opVcmpsd = 0xC2
)

func (e *Encoder) emitScalarArith(opcode byte, pp vexPP, dst, src1, src2 Location) int {
	start := e.Offset()
	prefix := encodeVEX(vexOperands{reg: dst.Num(), rm: src2.Num(), vvvv: src1.Num(), w: false, pp: pp})
	e.write(prefix...)
	e.write(opcode)
	e.write(modrmRegDirect(dst.Num(), src2.Num()))
	e.trace("%04x: vop dst=%s src1=%s src2=%s", start, dst, src1, src2)
	return start
}

// EmitVaddsd emits VEX.LIG.F2.0F 58: dst = src1 + src2.
func (e *Encoder) EmitVaddsd(dst, src1, src2 Location) int {
	return e.emitScalarArith(opVaddsd, ppF2, dst, src1, src2)
}

// EmitVsubsd emits VEX.LIG.F2.0F 5C: dst = src1 - src2.
func (e *Encoder) EmitVsubsd(dst, src1, src2 Location) int {
	return e.emitScalarArith(opVsubsd, ppF2, dst, src1, src2)
}

// EmitVmulsd emits VEX.LIG.F2.0F 59: dst = src1 * src2.
func (e *Encoder) EmitVmulsd(dst, src1, src2 Location) int {
	return e.emitScalarArith(opVmulsd, ppF2, dst, src1, src2)
}

// EmitVdivsd emits VEX.LIG.F2.0F 5E: dst = src1 / src2.
func (e *Encoder) EmitVdivsd(dst, src1, src2 Location) int {
	return e.emitScalarArith(opVdivsd, ppF2, dst, src1, src2)
}

// EmitVandpd emits VEX.LIG.66.0F 54: dst = src1 & src2 (bitwise, over the
// full 128-bit lane; only the low 64 bits are meaningful to this back
// end's boolean-as-double representation).
func (e *Encoder) EmitVandpd(dst, src1, src2 Location) int {
	return e.emitScalarArith(opVandpd, pp66, dst, src1, src2)
}

// EmitVorpd emits VEX.LIG.66.0F 56: dst = src1 | src2.
func (e *Encoder) EmitVorpd(dst, src1, src2 Location) int {
	return e.emitScalarArith(opVorpd, pp66, dst, src1, src2)
}

// CmpPredicate is the imm8 operand of vcmpsd. OLT maps to LT (1), OGT
// maps to NLE (14); these must not be swapped.
type CmpPredicate uint8

const (
	PredEQ CmpPredicate = 0
	PredLT CmpPredicate = 1
	PredNE CmpPredicate = 4
	PredGT CmpPredicate = 14
)

// EmitVcmpsd emits VEX.LIG.F2.0F C2 /r ib: dst = (src1 `pred` src2) ?
// all-ones : all-zeros, in the low 64 bits.
func (e *Encoder) EmitVcmpsd(dst, src1, src2 Location, pred CmpPredicate) int {
	start := e.emitScalarArith(opVcmpsd, ppF2, dst, src1, src2)
	e.write(byte(pred))
	return start
}

// --- vmovq forms -----------------------------------------------------------

// EmitVmovqGprToXmm emits VEX.128.66.0F.W1 6E /r: dst(xmm) = src(gpr).
func (e *Encoder) EmitVmovqGprToXmm(dst Location, src GPReg) int {
	start := e.Offset()
	prefix := encodeVEX(vexOperands{reg: dst.Num(), rm: src.Encoding(), w: true, pp: pp66})
	e.write(prefix...)
	e.write(0x6E)
	e.write(modrmRegDirect(dst.Num(), src.Encoding()))
	e.trace("%04x: vmovq %s, %s", start, dst, src)
	return start
}

// EmitVmovqXmmToGpr emits VEX.128.66.0F.W1 7E /r: dst(gpr) = src(xmm).
func (e *Encoder) EmitVmovqXmmToGpr(dst GPReg, src Location) int {
	start := e.Offset()
	prefix := encodeVEX(vexOperands{reg: src.Num(), rm: dst.Encoding(), w: true, pp: pp66})
	e.write(prefix...)
	e.write(0x7E)
	e.write(modrmRegDirect(src.Num(), dst.Encoding()))
	e.trace("%04x: vmovq %s, %s", start, dst, src)
	return start
}

// EmitVmovqXmmXmm emits VEX.LIG.F3.0F 7E /r: dst(xmm) = src(xmm), low 64
// bits.
func (e *Encoder) EmitVmovqXmmXmm(dst, src Location) int {
	start := e.Offset()
	prefix := encodeVEX(vexOperands{reg: dst.Num(), rm: src.Num(), w: false, pp: ppF3})
	e.write(prefix...)
	e.write(0x7E)
	e.write(modrmRegDirect(dst.Num(), src.Num()))
	e.trace("%04x: vmovq %s, %s", start, dst, src)
	return start
}

// --- classical integer / memory operations ---------------------------------

func rexW(r, b bool) byte {
	rex := byte(0x48) // REX.W always set for these 64-bit forms
	if r {
		rex |= 0x04
	}
	if b {
		rex |= 0x01
	}
	return rex
}

// EmitMovMemToReg emits `mov dst, [base+disp32]` (REX.W 8B /r).
func (e *Encoder) EmitMovMemToReg(dst, base GPReg, disp int32) int {
	start := e.Offset()
	e.write(rexW(dst.NeedsExtension(), base.NeedsExtension()))
	e.write(0x8B)
	e.write(modrmMemDisp32(dst.Encoding(), base.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	e.write(d[:]...)
	e.trace("%04x: mov %s, [%s+%d]", start, dst, base, disp)
	return start
}

// EmitMovRegToMem emits `mov [base+disp32], src` (REX.W 89 /r).
func (e *Encoder) EmitMovRegToMem(base GPReg, disp int32, src GPReg) int {
	start := e.Offset()
	e.write(rexW(src.NeedsExtension(), base.NeedsExtension()))
	e.write(0x89)
	e.write(modrmMemDisp32(src.Encoding(), base.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	e.write(d[:]...)
	e.trace("%04x: mov [%s+%d], %s", start, base, disp, src)
	return start
}

// EmitMovRegToReg emits `mov dst, src` (REX.W 89 /r, register-direct).
func (e *Encoder) EmitMovRegToReg(dst, src GPReg) int {
	start := e.Offset()
	e.write(rexW(src.NeedsExtension(), dst.NeedsExtension()))
	e.write(0x89)
	e.write(modrmRegDirect(src.Encoding(), dst.Encoding()))
	e.trace("%04x: mov %s, %s", start, dst, src)
	return start
}

// EmitMovabs emits `mov reg, imm64` (REX.W B8+rd) and returns
// (instructionStart, immediateOffset) -- the latter is where the ELF
// writer or JIT loader later patches in a runtime address.
func (e *Encoder) EmitMovabs(dst GPReg, imm uint64) (start, immOffset int) {
	start = e.Offset()
	rex := byte(0x48)
	if dst.NeedsExtension() {
		rex |= 0x01
	}
	e.write(rex)
	e.write(0xB8 + (dst.Encoding() & 7))
	immOffset = e.Offset()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], imm)
	e.write(b[:]...)
	e.trace("%04x: movabs %s, 0x%x", start, dst, imm)
	return start, immOffset
}

// EmitPush emits `push reg` (50+rd, with REX.B if extended).
func (e *Encoder) EmitPush(r GPReg) int {
	start := e.Offset()
	if r.NeedsExtension() {
		e.write(0x41)
	}
	e.write(0x50 + (r.Encoding() & 7))
	e.trace("%04x: push %s", start, r)
	return start
}

// EmitPop emits `pop reg` (58+rd, with REX.B if extended).
func (e *Encoder) EmitPop(r GPReg) int {
	start := e.Offset()
	if r.NeedsExtension() {
		e.write(0x41)
	}
	e.write(0x58 + (r.Encoding() & 7))
	e.trace("%04x: pop %s", start, r)
	return start
}

// EmitSubImm32FromReg emits `sub reg, imm32` (REX.W 81 /5 id).
func (e *Encoder) EmitSubImm32FromReg(r GPReg, imm int32) int {
	start := e.Offset()
	e.write(rexW(false, r.NeedsExtension()))
	e.write(0x81)
	e.write(0xE8 | (r.Encoding() & 7))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	e.write(d[:]...)
	e.trace("%04x: sub %s, %d", start, r, imm)
	return start
}

// EmitAddImm32ToReg emits `add reg, imm32` (REX.W 81 /0 id).
func (e *Encoder) EmitAddImm32ToReg(r GPReg, imm int32) int {
	start := e.Offset()
	e.write(rexW(false, r.NeedsExtension()))
	e.write(0x81)
	e.write(0xC0 | (r.Encoding() & 7))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	e.write(d[:]...)
	e.trace("%04x: add %s, %d", start, r, imm)
	return start
}

// EmitXorRegWithReg emits `xor r32, r32` (31 /r), the idiomatic
// zero-register idiom used for `xor edi,edi` before an exit syscall.
func (e *Encoder) EmitXorRegWithReg(dst, src GPReg) int {
	start := e.Offset()
	if dst.NeedsExtension() || src.NeedsExtension() {
		rex := byte(0x40)
		if src.NeedsExtension() {
			rex |= 0x04
		}
		if dst.NeedsExtension() {
			rex |= 0x01
		}
		e.write(rex)
	}
	e.write(0x31)
	e.write(modrmRegDirect(src.Encoding(), dst.Encoding()))
	e.trace("%04x: xor %s, %s", start, dst, src)
	return start
}

// EmitTestRaxRax emits `test rax, rax` (REX.W 85 /r).
func (e *Encoder) EmitTestRaxRax() int {
	start := e.Offset()
	e.write(0x48, 0x85, modrmRegDirect(Rax.Encoding(), Rax.Encoding()))
	e.trace("%04x: test rax, rax", start)
	return start
}

// EmitMovImm32ToReg32 emits `mov r32, imm32` (B8+rd id), used for the
// exit-syscall number and CPUID leaf loads.
func (e *Encoder) EmitMovImm32ToReg32(r GPReg, imm uint32) int {
	start := e.Offset()
	if r.NeedsExtension() {
		e.write(0x41)
	}
	e.write(0xB8 + (r.Encoding() & 7))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], imm)
	e.write(d[:]...)
	e.trace("%04x: mov %s, %d", start, r, imm)
	return start
}

// EmitSyscall emits the `syscall` instruction (0F 05).
func (e *Encoder) EmitSyscall() int {
	start := e.Offset()
	e.write(0x0F, 0x05)
	e.trace("%04x: syscall", start)
	return start
}

// EmitRet emits a bare `ret` (C3).
func (e *Encoder) EmitRet() int {
	start := e.Offset()
	e.write(0xC3)
	e.trace("%04x: ret", start)
	return start
}

// --- control transfer, returning patch sites for the caller's Reference ---

// jccOpcode selects the two-byte Jcc opcode for a condition.
const (
	jmpRel32Size = 5
	jccRel32Size = 6
	callRel32Size = 5
)

// EmitJmp emits `jmp rel32` (E9 id) with a placeholder displacement and
// returns (instructionStart, patchOffset, size) for the caller to
// register a Reference.
func (e *Encoder) EmitJmp() (start, patchOffset, size int) {
	start = e.Offset()
	e.write(0xE9)
	patchOffset = e.Offset()
	e.write(0, 0, 0, 0)
	e.trace("%04x: jmp <rel32>", start)
	return start, patchOffset, jmpRel32Size
}

// EmitJz emits `jz rel32` (0F 84 id).
func (e *Encoder) EmitJz() (start, patchOffset, size int) {
	return e.emitJcc(0x84)
}

// EmitJne emits `jne rel32` (0F 85 id).
func (e *Encoder) EmitJne() (start, patchOffset, size int) {
	return e.emitJcc(0x85)
}

func (e *Encoder) emitJcc(opcode byte) (start, patchOffset, size int) {
	start = e.Offset()
	e.write(0x0F, opcode)
	patchOffset = e.Offset()
	e.write(0, 0, 0, 0)
	e.trace("%04x: jcc(%x) <rel32>", start, opcode)
	return start, patchOffset, jccRel32Size
}

// EmitCall emits `call rel32` (E8 id).
func (e *Encoder) EmitCall() (start, patchOffset, size int) {
	start = e.Offset()
	e.write(0xE8)
	patchOffset = e.Offset()
	e.write(0, 0, 0, 0)
	e.trace("%04x: call <rel32>", start)
	return start, patchOffset, callRel32Size
}

// --- constants ---------------------------------------------------------

// Float64Bits reinterprets a float64 constant as the imm64 payload for
// movabs+vmovq loading, the only way this back end materializes an
// immediate floating-point constant into an xmm register.
func Float64Bits(f float64) uint64 {
	return math.Float64bits(f)
}

// --- extra primitives used only by the runtime stub bodies -----------------
//
// The Runtime Stub Appender hand-assembles a handful of small, self
// contained routines (string length scanning, decimal conversion) that
// never go through the Variable Analyzer or Function Lowerer, so they
// need a few opcodes the SSA path never emits.

// EmitCmpByteMemImm8 emits `cmp byte [base+disp32], imm8` (80 /7 ib).
func (e *Encoder) EmitCmpByteMemImm8(base GPReg, disp int32, imm byte) int {
	start := e.Offset()
	if base.NeedsExtension() {
		e.write(0x41)
	}
	e.write(0x80)
	e.write(modrmMemDisp32(7, base.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	e.write(d[:]...)
	e.write(imm)
	e.trace("%04x: cmp byte [%s+%d], %d", start, base, disp, imm)
	return start
}

// EmitIncReg emits `inc reg` (REX.W FF /0).
func (e *Encoder) EmitIncReg(r GPReg) int {
	start := e.Offset()
	e.write(rexW(false, r.NeedsExtension()))
	e.write(0xFF)
	e.write(0xC0 | (r.Encoding() & 7))
	e.trace("%04x: inc %s", start, r)
	return start
}

// EmitAddRegToReg emits `add dst, src` (REX.W 01 /r).
func (e *Encoder) EmitAddRegToReg(dst, src GPReg) int {
	start := e.Offset()
	e.write(rexW(src.NeedsExtension(), dst.NeedsExtension()))
	e.write(0x01)
	e.write(modrmRegDirect(src.Encoding(), dst.Encoding()))
	e.trace("%04x: add %s, %s", start, dst, src)
	return start
}

// EmitSubRegFromReg emits `sub dst, src` (REX.W 29 /r).
func (e *Encoder) EmitSubRegFromReg(dst, src GPReg) int {
	start := e.Offset()
	e.write(rexW(src.NeedsExtension(), dst.NeedsExtension()))
	e.write(0x29)
	e.write(modrmRegDirect(src.Encoding(), dst.Encoding()))
	e.trace("%04x: sub %s, %s", start, dst, src)
	return start
}

// EmitNegReg emits `neg reg` (REX.W F7 /3).
func (e *Encoder) EmitNegReg(r GPReg) int {
	start := e.Offset()
	e.write(rexW(false, r.NeedsExtension()))
	e.write(0xF7)
	e.write(0xD8 | (r.Encoding() & 7))
	e.trace("%04x: neg %s", start, r)
	return start
}

// EmitCmpRegImm32 emits `cmp reg, imm32` (REX.W 81 /7 id).
func (e *Encoder) EmitCmpRegImm32(r GPReg, imm int32) int {
	start := e.Offset()
	e.write(rexW(false, r.NeedsExtension()))
	e.write(0x81)
	e.write(0xF8 | (r.Encoding() & 7))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	e.write(d[:]...)
	e.trace("%04x: cmp %s, %d", start, r, imm)
	return start
}

// EmitCqo emits `cqo` (REX.W 99): sign-extends rax into rdx:rax ahead of
// a 64-bit idiv.
func (e *Encoder) EmitCqo() int {
	start := e.Offset()
	e.write(0x48, 0x99)
	e.trace("%04x: cqo", start)
	return start
}

// EmitIDivReg emits `idiv reg` (REX.W F7 /7): rdx:rax / reg, quotient in
// rax, remainder in rdx.
func (e *Encoder) EmitIDivReg(r GPReg) int {
	start := e.Offset()
	e.write(rexW(false, r.NeedsExtension()))
	e.write(0xF7)
	e.write(0xF8 | (r.Encoding() & 7))
	e.trace("%04x: idiv %s", start, r)
	return start
}

// EmitCvttsd2siGpr emits the legacy SSE2 `cvttsd2si dst, src` (F2 0F 2C
// /r, REX.W): truncate a double to a signed 64-bit integer.
func (e *Encoder) EmitCvttsd2siGpr(dst GPReg, src Location) int {
	start := e.Offset()
	rex := byte(0x48)
	if dst.NeedsExtension() {
		rex |= 0x04
	}
	if src.Num() >= 8 {
		rex |= 0x01
	}
	e.write(0xF2, rex, 0x0F, 0x2C)
	e.write(modrmRegDirect(dst.Encoding(), src.Num()))
	e.trace("%04x: cvttsd2si %s, %s", start, dst, src)
	return start
}

// EmitSqrtsd emits the legacy SSE2 `sqrtsd dst, src` (F2 0F 51 /r). The
// spec's runtime stub table specifies this exact mnemonic rather than
// the VEX form the rest of the back end otherwise uses.
func (e *Encoder) EmitSqrtsd(dst, src Location) int {
	start := e.Offset()
	needRex := dst.Num() >= 8 || src.Num() >= 8
	e.write(0xF2)
	if needRex {
		rex := byte(0x40)
		if dst.Num() >= 8 {
			rex |= 0x04
		}
		if src.Num() >= 8 {
			rex |= 0x01
		}
		e.write(rex)
	}
	e.write(0x0F, 0x51)
	e.write(modrmRegDirect(dst.Num(), src.Num()))
	e.trace("%04x: sqrtsd %s, %s", start, dst, src)
	return start
}

// EmitJccShort emits a short (rel8) Jcc with a placeholder displacement
// and returns the offset of that displacement byte. Used only by the
// hand-assembled runtime stubs, whose branches never travel far enough
// to need the rel32 form or a Reference entry.
func (e *Encoder) EmitJccShort(opcode byte) (patchOffset int) {
	e.write(opcode)
	patchOffset = e.Offset()
	e.write(0)
	return patchOffset
}

// EmitJmpShort emits a short (rel8) unconditional jump with a
// placeholder displacement.
func (e *Encoder) EmitJmpShort() (patchOffset int) {
	e.write(0xEB)
	patchOffset = e.Offset()
	e.write(0)
	return patchOffset
}

// PatchShort backpatches a short-jump placeholder with the rel8
// displacement from just after the byte at patchOffset to target.
func (e *Encoder) PatchShort(patchOffset, target int) {
	rel := int8(target - (patchOffset + 1))
	e.img.Text.PatchAt(patchOffset, []byte{byte(rel)})
}

const (
	jccJE  = 0x74
	jccJNE = 0x75
	jccJL  = 0x7C
	jccJGE = 0x7D
	jccJG  = 0x7F
)

// EmitMovByteMemImm8 emits `mov byte [base+disp32], imm8` (C6 /0 ib).
func (e *Encoder) EmitMovByteMemImm8(base GPReg, disp int32, imm byte) int {
	start := e.Offset()
	if base.NeedsExtension() {
		e.write(0x41)
	}
	e.write(0xC6)
	e.write(modrmMemDisp32(0, base.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	e.write(d[:]...)
	e.write(imm)
	e.trace("%04x: mov byte [%s+%d], %d", start, base, disp, imm)
	return start
}

// EmitMovByteRegToMem emits `mov byte [base+disp32], src` (88 /r), using
// the low 8 bits of src.
func (e *Encoder) EmitMovByteRegToMem(base GPReg, disp int32, src GPReg) int {
	start := e.Offset()
	if base.NeedsExtension() || src.NeedsExtension() {
		rex := byte(0x40)
		if src.NeedsExtension() {
			rex |= 0x04
		}
		if base.NeedsExtension() {
			rex |= 0x01
		}
		e.write(rex)
	}
	e.write(0x88)
	e.write(modrmMemDisp32(src.Encoding(), base.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	e.write(d[:]...)
	e.trace("%04x: mov byte [%s+%d], %s", start, base, disp, src)
	return start
}

// EmitMovzxByteMemToReg emits `movzx dst, byte [base+disp32]` (REX.W 0F
// B6 /r): zero-extend a loaded byte into a 64-bit register.
func (e *Encoder) EmitMovzxByteMemToReg(dst, base GPReg, disp int32) int {
	start := e.Offset()
	e.write(rexW(dst.NeedsExtension(), base.NeedsExtension()))
	e.write(0x0F, 0xB6)
	e.write(modrmMemDisp32(dst.Encoding(), base.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	e.write(d[:]...)
	e.trace("%04x: movzx %s, byte [%s+%d]", start, dst, base, disp)
	return start
}

// EmitImulRegImm32 emits `imul dst, dst, imm32` (REX.W 69 /r id).
func (e *Encoder) EmitImulRegImm32(dst GPReg, imm int32) int {
	start := e.Offset()
	e.write(rexW(dst.NeedsExtension(), dst.NeedsExtension()))
	e.write(0x69)
	e.write(modrmRegDirect(dst.Encoding(), dst.Encoding()))
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	e.write(d[:]...)
	e.trace("%04x: imul %s, %d", start, dst, imm)
	return start
}

// EmitCvtsi2sdGpr emits the legacy SSE2 `cvtsi2sd dst, src` (F2 0F 2A
// /r, REX.W): widen a signed 64-bit integer to a double.
func (e *Encoder) EmitCvtsi2sdGpr(dst Location, src GPReg) int {
	start := e.Offset()
	rex := byte(0x48)
	if dst.Num() >= 8 {
		rex |= 0x04
	}
	if src.NeedsExtension() {
		rex |= 0x01
	}
	e.write(0xF2, rex, 0x0F, 0x2A)
	e.write(modrmRegDirect(dst.Num(), src.Encoding()))
	e.trace("%04x: cvtsi2sd %s, %s", start, dst, src)
	return start
}
