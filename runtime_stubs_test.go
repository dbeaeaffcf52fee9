package main

import "testing"

func TestRuntimeStubsAppendRegistersAllLabelsAndSetsLibRange(t *testing.T) {
	img := NewX86Image()
	img.Text.Write([]byte{0xc3}) // pretend one user function already occupies text
	callTable := NewRefTable()

	rs := NewRuntimeStubs(img)
	rs.Append(callTable)

	for _, name := range []string{"sin", "cos", "tan", "pow", "sqrt", "printString", "printDouble", "scanDouble"} {
		if _, ok := callTable.find(name); !ok {
			t.Fatalf("expected a call-table label for %q", name)
		}
	}
	if img.Flash.LibOffset != 1 {
		t.Fatalf("expected the stub range to start right after the existing text, got %d", img.Flash.LibOffset)
	}
	if img.Flash.LibOffset+img.Flash.LibSize != img.Text.Size() {
		t.Fatalf("expected libOffset+libSize to reach the end of text (%d), got %d+%d", img.Text.Size(), img.Flash.LibOffset, img.Flash.LibSize)
	}
}

func TestRuntimeStubsScratchBufReservesDataSpace(t *testing.T) {
	img := NewX86Image()
	rs := NewRuntimeStubs(img)
	off := rs.scratchBuf(24)
	if off != 0 {
		t.Fatalf("expected the first scratch reservation at offset 0, got %d", off)
	}
	if img.Data.Size() != 24 {
		t.Fatalf("expected 24 reserved data bytes, got %d", img.Data.Size())
	}
}

func TestRuntimeStubsZeroReturnStubsEndInRet(t *testing.T) {
	img := NewX86Image()
	callTable := NewRefTable()
	rs := NewRuntimeStubs(img)
	rs.appendZeroReturn(callTable, "sin")
	b := img.Text.Bytes()
	if len(b) == 0 || b[len(b)-1] != 0xc3 {
		t.Fatalf("expected the zero-return stub to end in a ret byte, got %x", b)
	}
}
