package main

// VEX prefix construction for the scalar double-precision and packed
// logical instructions this back end emits. Only the subset of the VEX
// encoding space this back end needs is implemented: LIG (length
// ignored, encoded as L=0) instructions in the 0F opcode map.
//
// The two- and three-byte forms both store R, X, B, and vvvv inverted
// (one's complement), per the Intel SDM's VEX encoding chapter.

// vexPP is the mandatory-prefix field embedded in a VEX prefix.
type vexPP uint8

const (
	ppNone vexPP = 0
	pp66   vexPP = 1
	ppF3   vexPP = 2
	ppF2   vexPP = 3
)

// vexOperands describes one VEX-encoded instruction's register operands
// before ModR/M and opcode bytes are appended.
type vexOperands struct {
	reg  uint8 // register encoded in ModR/M.reg (0-15)
	rm   uint8 // register encoded in ModR/M.rm  (0-15)
	vvvv uint8 // register encoded in the VEX vvvv field (0-15); 0 if unused
	w    bool  // VEX.W
	pp   vexPP
}

// encodeVEX returns the VEX prefix bytes for the given operands: if any
// of {B, X, W} != default is needed, emit 3-byte C4; otherwise 2-byte
// C5. This back end never uses a SIB byte in a VEX-encoded instruction,
// so X is always 0 (default); the choice is therefore between "B or W
// needed" (3-byte) and "neither" (2-byte).
func encodeVEX(o vexOperands) []byte {
	r := o.reg >= 8
	b := o.rm >= 8

	if !b && !o.w {
		rBar := bit(!r)
		vvvvBar := (^o.vvvv) & 0xF
		b2 := rBar<<7 | vvvvBar<<3 | 0<<2 /* L=0 */ | uint8(o.pp)
		return []byte{0xC5, b2}
	}

	rBar := bit(!r)
	xBar := bit(true) // X always default (no SIB in this repertoire)
	bBar := bit(!b)
	const mmmmm0F = 0x01
	b1 := rBar<<7 | xBar<<6 | bBar<<5 | mmmmm0F
	vvvvBar := (^o.vvvv) & 0xF
	wBit := bit(o.w)
	b2 := wBit<<7 | vvvvBar<<3 | 0<<2 /* L=0 */ | uint8(o.pp)
	return []byte{0xC4, b1, b2}
}

func bit(cond bool) uint8 {
	if cond {
		return 1
	}
	return 0
}

// modrmRegDirect builds a register-direct ModR/M byte (mod=11).
func modrmRegDirect(reg, rm uint8) byte {
	return 0xC0 | (reg&7)<<3 | (rm & 7)
}

// modrmMemDisp32 builds a ModR/M byte addressing [base+disp32] (mod=10).
// mod=10 is used unconditionally, even for a zero displacement, because
// encoding [rbp] or [r13] directly (mod=00, rm=101) would instead select
// RIP-relative addressing on x86-64 -- the classic ModR/M pitfall for the
// low-three-bits-101 base registers.
func modrmMemDisp32(reg, base uint8) byte {
	return 0x80 | (reg&7)<<3 | (base & 7)
}
