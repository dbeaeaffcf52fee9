package main

import "fmt"

// JumpLabel names a text offset a Reference can resolve against: a basic
// block entry point (JumpTable) or a function entry point (CallTable).
type JumpLabel struct {
	Name       string
	CodeOffset int
}

// Reference is one pending relative-displacement patch. Resolution writes
// int32(labelOffset - InstructionStart + Delta) at PatchOffset.
type Reference struct {
	InstructionStart int
	PatchOffset      int
	Delta            int
	RefereeName      string
}

// RefTable is the shared shape behind the per-function JumpTable and the
// module-wide CallTable: a set of labels and a set of pending references
// against them. Resolution is a linear scan by design: correctness over
// performance here, given the tiny label counts involved.
type RefTable struct {
	labels     []JumpLabel
	references []Reference
}

// NewRefTable returns an empty table.
func NewRefTable() *RefTable {
	return &RefTable{}
}

// AddLabel records that name begins at offset in the text area.
func (t *RefTable) AddLabel(name string, offset int) {
	t.labels = append(t.labels, JumpLabel{Name: name, CodeOffset: offset})
}

// AddReference records a pending patch against referee.
func (t *RefTable) AddReference(instructionStart, patchOffset, delta int, referee string) {
	t.references = append(t.references, Reference{
		InstructionStart: instructionStart,
		PatchOffset:      patchOffset,
		Delta:            delta,
		RefereeName:      referee,
	})
}

// find returns the offset of the named label via linear scan.
func (t *RefTable) find(name string) (int, bool) {
	for _, l := range t.labels {
		if l.Name == name {
			return l.CodeOffset, true
		}
	}
	return 0, false
}

// Clear empties the table for reuse, used to reset the per-function
// JumpTable between functions.
func (t *RefTable) Clear() {
	t.labels = t.labels[:0]
	t.references = t.references[:0]
}

// UnresolvedPolicy controls what Resolve does when a referee label is
// missing: AOT compilation treats this as fatal, while a JIT compilation
// tolerates it for calls that were resolved to an inlined runtime stub
// and silently writes zero.
type UnresolvedPolicy int

const (
	UnresolvedIsFatal UnresolvedPolicy = iota
	UnresolvedWritesZero
)

// Resolve patches every pending reference into text. Re-running Resolve
// after a successful pass is a no-op: it recomputes and rewrites the same
// bytes.
func (t *RefTable) Resolve(text *Area, policy UnresolvedPolicy) error {
	for _, ref := range t.references {
		labelOffset, ok := t.find(ref.RefereeName)
		if !ok {
			if policy == UnresolvedWritesZero {
				text.PatchAt(ref.PatchOffset, []byte{0, 0, 0, 0})
				continue
			}
			return notImplemented(fmt.Sprintf("unresolved reference to %q", ref.RefereeName))
		}
		rel := int32(labelOffset - ref.InstructionStart + ref.Delta)
		var b [4]byte
		putInt32LE(b[:], rel)
		text.PatchAt(ref.PatchOffset, b[:])
	}
	return nil
}

func putInt32LE(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}
