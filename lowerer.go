package main

import (
	"fmt"
	"sort"
)

// Lowerer walks a Module's functions in SSA form and emits their x86-64
// bodies into an X86Image, consulting a FunctionVarInfo per function for
// where each SSA name lives. It owns the module-wide CallTable; each
// function gets its own scratch JumpTable, cleared between functions.
type Lowerer struct {
	img       *X86Image
	enc       *Encoder
	CallTable *RefTable

	jumpTable   *RefTable
	globalOff   map[string]int32
	stringOff   map[string]int32
}

// NewLowerer returns a lowerer writing into img.
func NewLowerer(img *X86Image) *Lowerer {
	return &Lowerer{
		img:       img,
		enc:       NewEncoder(img),
		CallTable: NewRefTable(),
		jumpTable: NewRefTable(),
		globalOff: make(map[string]int32),
		stringOff: make(map[string]int32),
	}
}

// LowerModule packs the module's globals and strings, then lowers every
// non-empty function in declaration order. A Function with zero blocks
// is a declaration only and contributes nothing; main is detected by
// name and gets the program-entry treatment instead of a callable
// prologue/epilogue.
func (lw *Lowerer) LowerModule(mod *Module) error {
	lw.packGlobals(mod)
	lw.packStrings(mod)

	for i := range mod.Functions {
		fn := &mod.Functions[i]
		if fn.IsEmpty() {
			continue
		}
		if err := lw.lowerFunction(mod, fn); err != nil {
			return fmt.Errorf("lowering %q: %w", fn.Name, err)
		}
	}
	return nil
}

func (lw *Lowerer) packGlobals(mod *Module) {
	for _, name := range mod.Globals {
		off := int32(lw.img.Data.Write(make([]byte, 8)))
		lw.globalOff[name] = off
	}
}

func (lw *Lowerer) packStrings(mod *Module) {
	names := make([]string, 0, len(mod.Strings))
	for name := range mod.Strings {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic layout regardless of map iteration order
	for _, name := range names {
		off := int32(lw.img.Rodata.Write(append([]byte(mod.Strings[name]), 0)))
		lw.stringOff[name] = off
	}
}

func (lw *Lowerer) lowerFunction(mod *Module, fn *Function) error {
	vi := AnalyzeFunction(fn)
	lw.jumpTable.Clear()

	entry := lw.enc.Offset()
	lw.CallTable.AddLabel(fn.Name, entry)
	isMain := fn.Name == "main"

	if isMain {
		// main is the ELF/JIT entry point: its fixup pair comes first,
		// ahead of the standard prologue.
		lw.img.Flash.MainOffset = entry
		_, dataImm := lw.enc.EmitMovabs(DataBaseReg, 0)
		lw.img.Flash.DataPatchSite = dataImm
		_, rodataImm := lw.enc.EmitMovabs(RodataBaseReg, 0)
		lw.img.Flash.RodataPatchSite = rodataImm
	}

	lw.enc.EmitPush(Rbp)
	lw.enc.EmitMovRegToReg(Rbp, Rsp)
	if vi.FrameSize > 0 {
		lw.enc.EmitSubImm32FromReg(Rsp, int32(vi.FrameSize))
	}
	for _, r := range CalleeSaved {
		lw.enc.EmitPush(r)
	}

	if len(fn.Blocks) > 0 {
		bvt0 := &vi.Blocks[0]
		for i, param := range fn.Params {
			if i >= len(ArgRegs) {
				return notImplemented(fmt.Sprintf("function %q with more than %d parameters", fn.Name, len(ArgRegs)))
			}
			entry := bvt0.Find(param)
			if entry == nil {
				return invariantViolation("parameter not in block var table: " + param)
			}
			if entry.Loc.IsXmm() {
				if entry.Loc != ArgRegs[i] {
					lw.enc.EmitVmovqXmmXmm(entry.Loc, ArgRegs[i])
				}
			} else {
				lw.enc.EmitVmovqXmmToGpr(ScratchReg, ArgRegs[i])
				lw.enc.EmitMovRegToMem(Rbp, int32(entry.StackOffset), ScratchReg)
			}
		}
	}

	for bi := range fn.Blocks {
		block := &fn.Blocks[bi]
		lw.jumpTable.AddLabel(block.Name, lw.enc.Offset())

		bvt := &vi.Blocks[bi]
		lw.reloadMultiBlockVars(vi, bvt)

		for ii := range block.Instructions {
			if err := lw.lowerInstruction(mod, fn, vi, bvt, &block.Instructions[ii], isMain); err != nil {
				return err
			}
		}
	}

	return lw.jumpTable.Resolve(&lw.img.Text, UnresolvedIsFatal)
}

// reloadMultiBlockVars brings every cross-block variable this block
// touches back from its permanent home slot into the block-local
// location the analyzer assigned it.
func (lw *Lowerer) reloadMultiBlockVars(vi *FunctionVarInfo, bvt *BlockVarTable) {
	for _, entry := range bvt.Entries {
		if !vi.IsMultiBlock(entry.Name) {
			continue
		}
		home := vi.HomeOffset(entry.Name)
		if entry.Loc.IsXmm() {
			lw.enc.EmitMovMemToReg(ScratchReg, Rbp, home)
			lw.enc.EmitVmovqGprToXmm(entry.Loc, ScratchReg)
		} else {
			lw.enc.EmitMovMemToReg(ScratchReg, Rbp, home)
			lw.enc.EmitMovRegToMem(Rbp, int32(entry.StackOffset), ScratchReg)
		}
	}
}

// spillMultiBlockVars writes every cross-block variable this block
// touches back to its permanent home slot. Called unconditionally at
// block exit: a redundant store costs a few bytes and is always correct,
// which this back end prefers over tracking per-block liveness-out.
func (lw *Lowerer) spillMultiBlockVars(vi *FunctionVarInfo, bvt *BlockVarTable) {
	for _, entry := range bvt.Entries {
		if !vi.IsMultiBlock(entry.Name) {
			continue
		}
		home := vi.HomeOffset(entry.Name)
		if entry.Loc.IsXmm() {
			lw.enc.EmitVmovqXmmToGpr(ScratchReg, entry.Loc)
			lw.enc.EmitMovRegToMem(Rbp, home, ScratchReg)
		} else {
			lw.enc.EmitMovMemToReg(ScratchReg, Rbp, int32(entry.StackOffset))
			lw.enc.EmitMovRegToMem(Rbp, home, ScratchReg)
		}
	}
}

func (lw *Lowerer) lowerInstruction(mod *Module, fn *Function, vi *FunctionVarInfo, bvt *BlockVarTable, in *Instruction, isMain bool) error {
	switch in.Op {
	case OpFAdd, OpFSub, OpFMul, OpFDiv, OpLAnd, OpLOr, OpFCmp:
		return lw.lowerBinary(vi, bvt, in)
	case OpLoad:
		return lw.lowerLoad(vi, bvt, in)
	case OpStore:
		return lw.lowerStore(vi, bvt, in)
	case OpAlloca:
		return nil // the slot already exists; the analyzer saw in.Result
	case OpCall:
		return lw.lowerCall(vi, bvt, in)
	case OpBrUncond:
		lw.spillMultiBlockVars(vi, bvt)
		start, patch, size := lw.enc.EmitJmp()
		_ = size
		lw.jumpTable.AddReference(start, patch, -jmpRel32Size, in.Targets[0])
		return nil
	case OpBrCond:
		if err := lw.loadToXmm(Xmm15, in.Operands[0], bvt, vi); err != nil {
			return err
		}
		lw.spillMultiBlockVars(vi, bvt)
		lw.enc.EmitVmovqXmmToGpr(Rax, Xmm15)
		lw.enc.EmitTestRaxRax()
		jneStart, jnePatch, _ := lw.enc.EmitJne()
		lw.jumpTable.AddReference(jneStart, jnePatch, -jccRel32Size, in.Targets[0])
		jmpStart, jmpPatch, _ := lw.enc.EmitJmp()
		lw.jumpTable.AddReference(jmpStart, jmpPatch, -jmpRel32Size, in.Targets[1])
		return nil
	case OpRet:
		return lw.lowerRet(vi, bvt, in, fn, isMain)
	}
	return invariantViolation(fmt.Sprintf("unhandled opcode %s", in.Op))
}

func (lw *Lowerer) lowerBinary(vi *FunctionVarInfo, bvt *BlockVarTable, in *Instruction) error {
	dstEntry := bvt.Find(in.Result)
	if dstEntry == nil {
		return invariantViolation("binary instruction result not in block var table: " + in.Result)
	}
	accum := dstEntry.Loc
	spilled := !accum.IsXmm()
	if spilled {
		accum = Xmm15
	}

	src1Staged, src1Resident := lw.residentLocation(in.Operands[0], bvt)
	src2Staged, src2Resident := lw.residentLocation(in.Operands[1], bvt)
	if !src1Resident && !src2Resident && spilled {
		return notImplemented("both operands of a spilled-destination binary op need staging")
	}

	if src1Resident {
		if src1Staged != accum {
			lw.enc.EmitVmovqXmmXmm(accum, src1Staged)
		}
	} else if err := lw.loadToXmm(accum, in.Operands[0], bvt, vi); err != nil {
		return err
	}

	var src2 Location
	borrowedXmm14 := false
	if src2Resident {
		src2 = src2Staged
	} else {
		scratch := Xmm15
		if accum == Xmm15 {
			// Xmm14 is itself an assignable block-local home
			// (NumAssignableXmm covers xmm0-xmm14), so it may hold a live
			// value here. Round its current contents through the stack
			// instead of clobbering it outright.
			scratch = Xmm14
			lw.enc.EmitVmovqXmmToGpr(ScratchReg, Xmm14)
			lw.enc.EmitPush(ScratchReg)
			borrowedXmm14 = true
		}
		if err := lw.loadToXmm(scratch, in.Operands[1], bvt, vi); err != nil {
			return err
		}
		src2 = scratch
	}

	switch in.Op {
	case OpFAdd:
		lw.enc.EmitVaddsd(accum, accum, src2)
	case OpFSub:
		lw.enc.EmitVsubsd(accum, accum, src2)
	case OpFMul:
		lw.enc.EmitVmulsd(accum, accum, src2)
	case OpFDiv:
		lw.enc.EmitVdivsd(accum, accum, src2)
	case OpLAnd:
		lw.enc.EmitVandpd(accum, accum, src2)
	case OpLOr:
		lw.enc.EmitVorpd(accum, accum, src2)
	case OpFCmp:
		lw.enc.EmitVcmpsd(accum, accum, src2, in.Pred)
	}

	if borrowedXmm14 {
		lw.enc.EmitPop(ScratchReg)
		lw.enc.EmitVmovqGprToXmm(Xmm14, ScratchReg)
	}

	if spilled {
		lw.enc.EmitVmovqXmmToGpr(ScratchReg, accum)
		lw.enc.EmitMovRegToMem(Rbp, int32(dstEntry.StackOffset), ScratchReg)
	}
	return nil
}

// residentLocation reports whether v is already sitting in an xmm
// register in this block with no reload needed, and if so, which one.
func (lw *Lowerer) residentLocation(v Value, bvt *BlockVarTable) (Location, bool) {
	if v.Kind != ValueTemp {
		return 0, false
	}
	entry := bvt.Find(v.Name)
	if entry == nil || !entry.Loc.IsXmm() {
		return 0, false
	}
	return entry.Loc, true
}

// loadToXmm materializes v's value into the xmm register target,
// whatever its kind. ScratchReg (r14) carries every bit-pattern round
// trip between memory and an xmm register, acting as a general scratch
// for global/stack moves.
func (lw *Lowerer) loadToXmm(target Location, v Value, bvt *BlockVarTable, vi *FunctionVarInfo) error {
	switch v.Kind {
	case ValueConst:
		_, _ = lw.enc.EmitMovabs(ScratchReg, Float64Bits(v.Const))
		lw.enc.EmitVmovqGprToXmm(target, ScratchReg)
		return nil
	case ValueGlobal:
		off, ok := lw.globalOff[v.Name]
		if !ok {
			return invariantViolation("unknown global " + v.Name)
		}
		lw.enc.EmitMovMemToReg(ScratchReg, DataBaseReg, off)
		lw.enc.EmitVmovqGprToXmm(target, ScratchReg)
		return nil
	case ValueString:
		return invariantViolation("string value used as a double operand: " + v.Name)
	case ValueTemp:
		entry := bvt.Find(v.Name)
		if entry == nil {
			return invariantViolation("unknown SSA name " + v.Name)
		}
		if entry.Loc.IsXmm() {
			if entry.Loc != target {
				lw.enc.EmitVmovqXmmXmm(target, entry.Loc)
			}
			return nil
		}
		lw.enc.EmitMovMemToReg(ScratchReg, Rbp, int32(entry.StackOffset))
		lw.enc.EmitVmovqGprToXmm(target, ScratchReg)
		return nil
	}
	return invariantViolation("unknown value kind")
}

func (lw *Lowerer) lowerLoad(vi *FunctionVarInfo, bvt *BlockVarTable, in *Instruction) error {
	dstEntry := bvt.Find(in.Result)
	if dstEntry == nil {
		return invariantViolation("load result not in block var table: " + in.Result)
	}
	target := dstEntry.Loc
	if !target.IsXmm() {
		target = Xmm15
	}
	if err := lw.loadToXmm(target, in.Operands[0], bvt, vi); err != nil {
		return err
	}
	if !dstEntry.Loc.IsXmm() {
		lw.enc.EmitVmovqXmmToGpr(ScratchReg, target)
		lw.enc.EmitMovRegToMem(Rbp, int32(dstEntry.StackOffset), ScratchReg)
	}
	return nil
}

// lowerStore writes a computed value into either a global double (via
// DataBaseReg-relative addressing) or a local SSA name's analyzer-assigned
// slot. Assignment to a global is the one case the Variable Analyzer never
// sees, since globals never occupy a block-local location.
func (lw *Lowerer) lowerStore(vi *FunctionVarInfo, bvt *BlockVarTable, in *Instruction) error {
	addr := in.Operands[0]
	switch addr.Kind {
	case ValueGlobal:
		off, ok := lw.globalOff[addr.Name]
		if !ok {
			return invariantViolation("unknown global " + addr.Name)
		}
		if err := lw.loadToXmm(Xmm15, in.Operands[1], bvt, vi); err != nil {
			return err
		}
		lw.enc.EmitVmovqXmmToGpr(ScratchReg, Xmm15)
		lw.enc.EmitMovRegToMem(DataBaseReg, off, ScratchReg)
		return nil
	case ValueTemp:
		entry := bvt.Find(addr.Name)
		if entry == nil {
			return invariantViolation("store target not in block var table: " + addr.Name)
		}
		target := entry.Loc
		if !target.IsXmm() {
			target = Xmm15
		}
		if err := lw.loadToXmm(target, in.Operands[1], bvt, vi); err != nil {
			return err
		}
		if !entry.Loc.IsXmm() {
			lw.enc.EmitVmovqXmmToGpr(ScratchReg, target)
			lw.enc.EmitMovRegToMem(Rbp, int32(entry.StackOffset), ScratchReg)
		}
		return nil
	default:
		return invariantViolation("store target must be a named slot or global")
	}
}

func (lw *Lowerer) lowerCall(vi *FunctionVarInfo, bvt *BlockVarTable, in *Instruction) error {
	if len(in.Operands) > MaxCallArgs {
		return notImplemented(fmt.Sprintf("call to %q with more than %d arguments", in.Callee, MaxCallArgs))
	}

	saved := lw.saveLiveXmm(bvt, in.Result)

	xmmIdx, gpIdx := 0, 0
	for _, arg := range in.Operands {
		if arg.Kind == ValueString {
			off, ok := lw.stringOff[arg.Name]
			if !ok {
				return invariantViolation("unknown string constant " + arg.Name)
			}
			dst := GPArgRegs[gpIdx]
			gpIdx++
			lw.enc.EmitMovRegToReg(dst, RodataBaseReg)
			lw.enc.EmitAddImm32ToReg(dst, off)
			continue
		}
		if xmmIdx >= len(ArgRegs) {
			return notImplemented(fmt.Sprintf("call to %q with more than %d double arguments", in.Callee, len(ArgRegs)))
		}
		if err := lw.loadToXmm(ArgRegs[xmmIdx], arg, bvt, vi); err != nil {
			return err
		}
		xmmIdx++
	}

	start, patch, _ := lw.enc.EmitCall()
	lw.CallTable.AddReference(start, patch, -callRel32Size, in.Callee)

	// A callee may clobber any xmm register, so every block-local value
	// this block still needs is restored here, before the result (fresh
	// out of xmm0) is materialized into its own destination below.
	lw.restoreLiveXmm(saved)

	if in.HasResult() {
		dstEntry := bvt.Find(in.Result)
		if dstEntry == nil {
			return invariantViolation("call result not in block var table: " + in.Result)
		}
		if dstEntry.Loc.IsXmm() {
			if dstEntry.Loc != Xmm0 {
				lw.enc.EmitVmovqXmmXmm(dstEntry.Loc, Xmm0)
			}
		} else {
			lw.enc.EmitVmovqXmmToGpr(ScratchReg, Xmm0)
			lw.enc.EmitMovRegToMem(Rbp, int32(dstEntry.StackOffset), ScratchReg)
		}
	}
	return nil
}

// savedXmm is one block-local xmm value pushed to the stack around a
// call so a clobbering callee can't corrupt it.
type savedXmm struct {
	loc Location
}

// saveLiveXmm pushes every block-local xmm-resident value onto the
// stack ahead of a call, skipping the call's own result name (its
// pre-call value is dead -- about to be overwritten regardless).
func (lw *Lowerer) saveLiveXmm(bvt *BlockVarTable, resultName string) []savedXmm {
	var saved []savedXmm
	for _, entry := range bvt.Entries {
		if !entry.Loc.IsXmm() || entry.Name == resultName {
			continue
		}
		lw.enc.EmitVmovqXmmToGpr(ScratchReg, entry.Loc)
		lw.enc.EmitPush(ScratchReg)
		saved = append(saved, savedXmm{loc: entry.Loc})
	}
	return saved
}

// restoreLiveXmm pops values saved by saveLiveXmm back into their
// original registers, in reverse push order.
func (lw *Lowerer) restoreLiveXmm(saved []savedXmm) {
	for i := len(saved) - 1; i >= 0; i-- {
		lw.enc.EmitPop(ScratchReg)
		lw.enc.EmitVmovqGprToXmm(saved[i].loc, ScratchReg)
	}
}

func (lw *Lowerer) lowerRet(vi *FunctionVarInfo, bvt *BlockVarTable, in *Instruction, fn *Function, isMain bool) error {
	lw.spillMultiBlockVars(vi, bvt)

	if isMain {
		lw.enc.EmitXorRegWithReg(Rdi, Rdi)
		lw.enc.EmitMovImm32ToReg32(Rax, 60) // SYS_exit
		lw.enc.EmitSyscall()
		return nil
	}

	if fn.ReturnsVal {
		if len(in.Operands) != 1 {
			return invariantViolation("returning function's ret has no value: " + fn.Name)
		}
		if err := lw.loadToXmm(Xmm0, in.Operands[0], bvt, vi); err != nil {
			return err
		}
		lw.enc.EmitVmovqXmmToGpr(Rax, Xmm0) // mirror the return value into rax alongside xmm0
	}

	for i := len(CalleeSaved) - 1; i >= 0; i-- {
		lw.enc.EmitPop(CalleeSaved[i])
	}
	if vi.FrameSize > 0 {
		lw.enc.EmitAddImm32ToReg(Rsp, int32(vi.FrameSize))
	}
	lw.enc.EmitPop(Rbp)
	lw.enc.EmitRet()
	return nil
}
