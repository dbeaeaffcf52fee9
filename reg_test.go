package main

import "testing"

func TestLocationStringXmmVsMem(t *testing.T) {
	if Xmm3.String() != "xmm3" {
		t.Fatalf("expected xmm3, got %q", Xmm3.String())
	}
	if MemLocation.String() != "mem" {
		t.Fatalf("expected mem, got %q", MemLocation.String())
	}
}

func TestLocationIsXmmExcludesXmm15AndMem(t *testing.T) {
	if !Xmm14.IsXmm() {
		t.Fatal("expected xmm14 to report as an xmm location")
	}
	if !Xmm15.IsXmm() {
		t.Fatal("expected xmm15 to still report as an xmm location; it is scratch-only by convention, not by type")
	}
	if MemLocation.IsXmm() {
		t.Fatal("expected MemLocation to not be an xmm location")
	}
}

func TestLocationNumPanicsOnMem(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Num() on MemLocation to panic")
		}
	}()
	MemLocation.Num()
}

func TestGPRegEncodingAndExtension(t *testing.T) {
	if Rax.Encoding() != 0 {
		t.Fatalf("expected rax to encode as 0, got %d", Rax.Encoding())
	}
	if R8.Encoding() != 8 {
		t.Fatalf("expected r8 to encode as 8, got %d", R8.Encoding())
	}
	if Rax.NeedsExtension() {
		t.Fatal("expected rax to not need a REX extension bit")
	}
	if !R8.NeedsExtension() {
		t.Fatal("expected r8 to need a REX extension bit")
	}
}

func TestGPRegString(t *testing.T) {
	if Rdi.String() != "rdi" {
		t.Fatalf("expected rdi, got %q", Rdi.String())
	}
}

func TestArgRegsAndMaxCallArgsAgree(t *testing.T) {
	if len(ArgRegs) != 6 {
		t.Fatalf("expected 6 argument registers, got %d", len(ArgRegs))
	}
	if MaxCallArgs != 6 {
		t.Fatalf("expected MaxCallArgs 6, got %d", MaxCallArgs)
	}
}

func TestCalleeSavedIncludesReservedBaseRegisters(t *testing.T) {
	want := map[GPReg]bool{DataBaseReg: true, RodataBaseReg: true, ScratchReg: true}
	for _, r := range CalleeSaved {
		delete(want, r)
	}
	if len(want) != 0 {
		t.Fatalf("expected DataBaseReg/RodataBaseReg/ScratchReg to all be callee-saved, missing %v", want)
	}
}
