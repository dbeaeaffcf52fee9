package main

import (
	"encoding/binary"
	"os"
)

// ELF64 constants this writer needs. Kept local rather than imported
// from debug/elf: this writer only ever produces one exact shape (three
// PT_LOAD segments, no sections), so the handful of numeric constants
// are clearer inline than a dependency on a package built for reading
// arbitrary ELF files.
const (
	elfEhdrSize = 64
	elfPhdrSize = 56
	elfPhdrCount = 3

	entry0        = 0x400000
	pageAlign     = 0x1000
	ptLoad        = 1
	pfExec        = 1 << 0
	pfWrite       = 1 << 1
	pfRead        = 1 << 2
)

// segmentIndex mirrors original_source's ProgramHeadersIndex enum.
const (
	segText = iota
	segRodata
	segData
)

// WriteELF writes img as an ELF64/ET_EXEC/EM_X86_64 executable to path:
// three PT_LOAD segments (text, rodata, data) at page-aligned virtual
// addresses starting at ENTRY0, with the rodata/data patch sites filled
// in with their final runtime addresses before any bytes reach disk.
func WriteELF(img *X86Image, path string) error {
	if err := img.CheckInvariants(); err != nil {
		return err
	}

	headerSize := elfEhdrSize + elfPhdrCount*elfPhdrSize
	textSize := uint64(headerSize + img.Text.Size())
	rodataSize := uint64(img.Rodata.Size())
	dataSize := uint64(img.Data.Size())

	entryAddr := uint64(entry0) + uint64(headerSize) + uint64(img.Flash.MainOffset)

	textAddr := uint64(entry0)
	textOff := uint64(0)

	rodataOff := textOff + textSize
	rodataAddr := textAddr + textSize + pageAlign

	dataOff := rodataOff + rodataSize
	dataAddr := rodataAddr + rodataSize + pageAlign

	// Patch the two movabs immediates with final runtime addresses before
	// text ever reaches disk.
	var addrBuf [8]byte
	binary.LittleEndian.PutUint64(addrBuf[:], rodataAddr)
	img.Text.PatchAt(img.Flash.RodataPatchSite, addrBuf[:])
	binary.LittleEndian.PutUint64(addrBuf[:], dataAddr)
	img.Text.PatchAt(img.Flash.DataPatchSite, addrBuf[:])

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return ioError(path, "elf_writer.go", 0)
	}
	defer f.Close()

	hdr := make([]byte, 0, headerSize)
	hdr = appendEhdr(hdr, entryAddr)
	hdr = appendPhdr(hdr, ptLoad, pfRead|pfExec, textOff, textAddr, textSize)
	hdr = appendPhdr(hdr, ptLoad, pfRead, rodataOff, rodataAddr, rodataSize)
	hdr = appendPhdr(hdr, ptLoad, pfRead|pfWrite, dataOff, dataAddr, dataSize)

	if _, err := f.Write(hdr); err != nil {
		return ioError(path, "elf_writer.go", 0)
	}
	if _, err := f.Write(img.Text.Bytes()); err != nil {
		return ioError(path, "elf_writer.go", 0)
	}
	if _, err := f.Write(img.Rodata.Bytes()); err != nil {
		return ioError(path, "elf_writer.go", 0)
	}
	if _, err := f.Write(img.Data.Bytes()); err != nil {
		return ioError(path, "elf_writer.go", 0)
	}
	return nil
}

func appendEhdr(b []byte, entry uint64) []byte {
	b = append(b, 0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1, /* ELFDATA2LSB */
		1 /* EV_CURRENT */, 3 /* ELFOSABI_LINUX */)
	b = append(b, make([]byte, 8)...) // e_ident padding
	b = appendU16(b, 2)               // e_type = ET_EXEC
	b = appendU16(b, 0x3e)            // e_machine = EM_X86_64
	b = appendU32(b, 1)               // e_version
	b = appendU64(b, entry)           // e_entry
	b = appendU64(b, elfEhdrSize)     // e_phoff
	b = appendU64(b, 0)               // e_shoff
	b = appendU32(b, 0)               // e_flags
	b = appendU16(b, elfEhdrSize)     // e_ehsize
	b = appendU16(b, elfPhdrSize)     // e_phentsize
	b = appendU16(b, elfPhdrCount)    // e_phnum
	b = appendU16(b, 0)               // e_shentsize
	b = appendU16(b, 0)               // e_shnum
	b = appendU16(b, 0)               // e_shstrndx
	return b
}

func appendPhdr(b []byte, pType uint32, flags uint32, off, addr, size uint64) []byte {
	b = appendU32(b, pType)
	b = appendU32(b, flags)
	b = appendU64(b, off)
	b = appendU64(b, addr)
	b = appendU64(b, addr) // p_paddr, unused under Linux
	b = appendU64(b, size)
	b = appendU64(b, size)
	b = appendU64(b, pageAlign)
	return b
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}
