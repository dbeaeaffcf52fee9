package main

import "testing"

func TestRefTableResolvesForwardReference(t *testing.T) {
	rt := NewRefTable()
	var text Area
	text.Write(make([]byte, 20))

	rt.AddReference(10, 6, -4, "target")
	rt.AddLabel("target", 16)

	if err := rt.Resolve(&text, UnresolvedIsFatal); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := text.Bytes()
	got := int32(uint32(b[6]) | uint32(b[7])<<8 | uint32(b[8])<<16 | uint32(b[9])<<24)
	want := int32(16 - 10 - 4)
	if got != want {
		t.Fatalf("expected relative displacement %d, got %d", want, got)
	}
}

func TestRefTableUnresolvedIsFatalByDefault(t *testing.T) {
	rt := NewRefTable()
	var text Area
	text.Write(make([]byte, 8))
	rt.AddReference(0, 4, 0, "ghost")
	if err := rt.Resolve(&text, UnresolvedIsFatal); err == nil {
		t.Fatal("expected an error resolving against a missing label")
	}
}

func TestRefTableUnresolvedWritesZero(t *testing.T) {
	rt := NewRefTable()
	var text Area
	text.Write([]byte{0xff, 0xff, 0xff, 0xff})
	rt.AddReference(0, 0, 0, "ghost")
	if err := rt.Resolve(&text, UnresolvedWritesZero); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b := text.Bytes()
	for i, v := range b {
		if v != 0 {
			t.Fatalf("expected byte %d to be zeroed, got %#x", i, v)
		}
	}
}

func TestRefTableClearEmptiesLabelsAndReferences(t *testing.T) {
	rt := NewRefTable()
	rt.AddLabel("a", 4)
	rt.AddReference(0, 0, 0, "a")
	rt.Clear()
	if _, ok := rt.find("a"); ok {
		t.Fatal("expected Clear to remove labels")
	}
	var text Area
	text.Write(make([]byte, 4))
	if err := rt.Resolve(&text, UnresolvedIsFatal); err != nil {
		t.Fatalf("expected a cleared table to resolve trivially, got %v", err)
	}
}
