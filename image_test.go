package main

import "testing"

func TestAreaWriteReturnsOffsetAndGrows(t *testing.T) {
	var a Area
	off1 := a.Write([]byte{1, 2, 3})
	off2 := a.Write([]byte{4, 5})
	if off1 != 0 || off2 != 3 {
		t.Fatalf("expected offsets 0 and 3, got %d and %d", off1, off2)
	}
	if a.Size() != 5 {
		t.Fatalf("expected size 5, got %d", a.Size())
	}
}

func TestAreaWriteByte(t *testing.T) {
	var a Area
	off := a.WriteByte(0x90)
	if off != 0 || a.Size() != 1 || a.Bytes()[0] != 0x90 {
		t.Fatalf("expected a single byte 0x90 at offset 0, got size=%d bytes=%v", a.Size(), a.Bytes())
	}
}

func TestAreaPatchAtOverwritesInPlace(t *testing.T) {
	var a Area
	a.Write([]byte{0, 0, 0, 0, 0})
	a.PatchAt(1, []byte{9, 9})
	want := []byte{0, 9, 9, 0, 0}
	got := a.Bytes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v after patch, got %v", want, got)
		}
	}
}

func TestAreaReset(t *testing.T) {
	var a Area
	a.Write([]byte{1, 2, 3})
	a.Reset()
	if a.Size() != 0 {
		t.Fatalf("expected size 0 after Reset, got %d", a.Size())
	}
}

func TestCheckInvariantsAcceptsWellFormedImage(t *testing.T) {
	img := NewX86Image()
	img.Text.Write(make([]byte, 10))
	img.Flash.MainOffset = 0
	img.Flash.LibOffset = 10
	img.Flash.LibSize = 0
	if err := img.CheckInvariants(); err != nil {
		t.Fatalf("expected a well-formed image to pass, got %v", err)
	}
}

func TestCheckInvariantsRejectsLibRangeMismatch(t *testing.T) {
	img := NewX86Image()
	img.Text.Write(make([]byte, 10))
	img.Flash.LibOffset = 3
	img.Flash.LibSize = 3
	if err := img.CheckInvariants(); err == nil {
		t.Fatal("expected a libOffset+libSize mismatch to be rejected")
	}
}

func TestCheckInvariantsRejectsMainPastLibOffset(t *testing.T) {
	img := NewX86Image()
	img.Text.Write(make([]byte, 10))
	img.Flash.MainOffset = 10
	img.Flash.LibOffset = 10
	img.Flash.LibSize = 0
	if err := img.CheckInvariants(); err == nil {
		t.Fatal("expected mainOffset >= libOffset to be rejected")
	}
}
