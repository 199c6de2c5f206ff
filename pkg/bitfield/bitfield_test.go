package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)

	if bf.Has(3) {
		t.Fatalf("expected bit 3 to start clear")
	}
	if !bf.Set(3) {
		t.Fatalf("Set should report a change")
	}
	if !bf.Has(3) {
		t.Fatalf("expected bit 3 to be set")
	}
	if bf.Set(3) {
		t.Fatalf("Set on an already-set bit should report no change")
	}
	if !bf.Clear(3) {
		t.Fatalf("Clear should report a change")
	}
	if bf.Has(3) {
		t.Fatalf("expected bit 3 to be clear")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)
	if bf.Has(100) {
		t.Errorf("out-of-range Has should be false")
	}
	if bf.Set(100) {
		t.Errorf("out-of-range Set should report no change")
	}
}

func TestCountAnyNoneAll(t *testing.T) {
	bf := New(8)
	if bf.Any() || !bf.None() {
		t.Fatalf("fresh bitfield should be empty")
	}

	for i := 0; i < 8; i++ {
		bf.Set(i)
	}
	if bf.Count() != 8 {
		t.Errorf("Count() = %d, want 8", bf.Count())
	}
	if !bf.All() {
		t.Errorf("expected All() true")
	}
}

func TestFromBytesAndEquals(t *testing.T) {
	raw := []byte{0b10100000}
	bf := FromBytes(raw)

	if !bf.Has(0) || bf.Has(1) || !bf.Has(2) {
		t.Errorf("unexpected bit pattern: %s", bf.String())
	}

	clone := bf.Clone()
	if !bf.Equals(clone) {
		t.Errorf("clone should equal original")
	}

	clone.Set(1)
	if bf.Equals(clone) {
		t.Errorf("mutating clone should not affect original")
	}
}
