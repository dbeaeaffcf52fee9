package main

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// jitRegion is one of the three mmap'd areas backing a JIT-executed image.
type jitRegion struct {
	mem []byte
}

// base returns the region's runtime address, or 0 for an empty region.
func (r jitRegion) base() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// mapRegion allocates a page-aligned, anonymous RW mapping at least size
// bytes long and copies data into its start. A zero-length region still
// gets a one-page mapping so its base address is well-defined.
func mapRegion(data []byte) (jitRegion, error) {
	size := len(data)
	if size == 0 {
		size = 1
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return jitRegion{}, invariantViolation("mmap failed: " + err.Error())
	}
	copy(mem, data)
	return jitRegion{mem: mem}, nil
}

// RunJIT maps img's three areas into executable memory, patches the
// rodata/data base-address sites with their real runtime pointers, flips
// protections to their final state, and calls through the text base as a
// void() entry point.
func RunJIT(img *X86Image) error {
	if err := img.CheckInvariants(); err != nil {
		return err
	}

	text, err := mapRegion(img.Text.Bytes())
	if err != nil {
		return err
	}
	rodata, err := mapRegion(img.Rodata.Bytes())
	if err != nil {
		return err
	}
	data, err := mapRegion(img.Data.Bytes())
	if err != nil {
		return err
	}

	var addrBuf [8]byte
	putUint64LE(addrBuf[:], uint64(rodata.base()))
	copy(text.mem[img.Flash.RodataPatchSite:], addrBuf[:])
	putUint64LE(addrBuf[:], uint64(data.base()))
	copy(text.mem[img.Flash.DataPatchSite:], addrBuf[:])

	if err := unix.Mprotect(text.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return invariantViolation("mprotect text failed: " + err.Error())
	}
	if err := unix.Mprotect(rodata.mem, unix.PROT_READ); err != nil {
		return invariantViolation("mprotect rodata failed: " + err.Error())
	}
	if err := unix.Mprotect(data.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return invariantViolation("mprotect data failed: " + err.Error())
	}

	entryByte := &text.mem[img.Flash.MainOffset]
	callVoidFunc(entryByte)
	return nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// callVoidFunc jumps to the machine code starting at entry and returns when
// it executes its own exit syscall. Go has no direct syntax for calling a
// bare code pointer, so this builds a single-word closure record whose
// first field is the entry address and reinterprets it as a func() value.
func callVoidFunc(entry *byte) {
	fn2 := unsafe.Pointer(&struct{ *byte }{entry})
	voidFn := *(*func())(unsafe.Pointer(&fn2))
	voidFn()
}
