package main

import "testing"

func TestAnalyzeFunctionAssignsParamsToFirstBlock(t *testing.T) {
	fn := &Function{
		Name:   "f",
		Params: []string{"a", "b"},
		Blocks: []BasicBlock{{Name: "entry", Instructions: []Instruction{
			{Op: OpRet, Operands: []Value{TempValue("a")}},
		}}},
	}
	info := AnalyzeFunction(fn)
	if info.Blocks[0].Find("a") == nil {
		t.Fatal("expected parameter a to be present in block 0's table even though it's used")
	}
	if info.Blocks[0].Find("b") == nil {
		t.Fatal("expected unused parameter b to still occupy a slot in block 0")
	}
}

func TestAnalyzeFunctionSingleBlockVarsGetNoHomeSlot(t *testing.T) {
	fn := &Function{
		Name: "f",
		Blocks: []BasicBlock{{Name: "entry", Instructions: []Instruction{
			{Op: OpFAdd, Result: "t.0", Operands: []Value{ConstValue(1), ConstValue(2)}},
			{Op: OpRet, Operands: []Value{TempValue("t.0")}},
		}}},
	}
	info := AnalyzeFunction(fn)
	if info.IsMultiBlock("t.0") {
		t.Fatal("expected a single-block temp to not get a permanent home slot")
	}
	entry := info.Blocks[0].Find("t.0")
	if entry == nil || !entry.Loc.IsXmm() {
		t.Fatalf("expected t.0 to land in an xmm register, got %+v", entry)
	}
}

func TestAnalyzeFunctionCrossBlockVarGetsHomeSlot(t *testing.T) {
	fn := &Function{
		Name: "f",
		Blocks: []BasicBlock{
			{Name: "entry", Instructions: []Instruction{
				{Op: OpFAdd, Result: "x", Operands: []Value{ConstValue(1), ConstValue(2)}},
				{Op: OpBrUncond, Targets: []string{"next"}},
			}},
			{Name: "next", Instructions: []Instruction{
				{Op: OpRet, Operands: []Value{TempValue("x")}},
			}},
		},
	}
	info := AnalyzeFunction(fn)
	if !info.IsMultiBlock("x") {
		t.Fatal("expected x, referenced from two blocks, to get a permanent home slot")
	}
	if info.HomeOffset("x") != -8 {
		t.Fatalf("expected home offset -8 for the first cross-block slot, got %d", info.HomeOffset("x"))
	}
	if info.FrameSize < 16 {
		t.Fatalf("expected a 16-byte-aligned frame of at least 16 bytes, got %d", info.FrameSize)
	}
}

func TestAnalyzeFunctionSpillsBeyondAssignableXmmCount(t *testing.T) {
	var instrs []Instruction
	var names []string
	for i := 0; i < NumAssignableXmm+3; i++ {
		name := formatName("t", i)
		names = append(names, name)
		instrs = append(instrs, Instruction{Op: OpFAdd, Result: name, Operands: []Value{ConstValue(1), ConstValue(2)}})
	}
	// Reference every temp from the same block's ret so none of them is dead.
	var retOperand Value = TempValue(names[len(names)-1])
	instrs = append(instrs, Instruction{Op: OpRet, Operands: []Value{retOperand}})
	fn := &Function{Name: "f", Blocks: []BasicBlock{{Name: "entry", Instructions: instrs}}}

	info := AnalyzeFunction(fn)
	spilled := 0
	for _, e := range info.Blocks[0].Entries {
		if e.Loc == MemLocation {
			spilled++
		}
	}
	if spilled != 3 {
		t.Fatalf("expected exactly 3 spilled slots beyond the %d assignable xmm registers, got %d", NumAssignableXmm, spilled)
	}
}

func TestRoundUp16(t *testing.T) {
	cases := map[int]int{0: 0, 1: 16, 16: 16, 17: 32, 32: 32}
	for in, want := range cases {
		if got := roundUp16(in); got != want {
			t.Fatalf("roundUp16(%d): expected %d, got %d", in, want, got)
		}
	}
}
