package ringmem

import (
	"reflect"
	"testing"
)

func TestRoundToPow2(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, 2}, {1, 2}, {2, 2}, {3, 4}, {4, 4}, {5, 8}, {255, 256}, {256, 256}, {257, 512},
	}
	for _, c := range cases {
		if got := RoundToPow2(c.in); got != c.want {
			t.Errorf("RoundToPow2(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

type withPointer struct {
	A int
	B *int
}

type withString struct {
	Name string
}

type nested struct {
	Inner withPointer
}

type plainFixed struct {
	X, Y, Z float64
	ID      uint32
}

func TestValidateFixedLayout(t *testing.T) {
	mustReject := func(name string, v any) {
		t.Helper()
		if err := ValidateFixedLayout(reflect.TypeOf(v)); err == nil {
			t.Errorf("%s: expected rejection, got nil", name)
		}
	}
	mustAccept := func(name string, v any) {
		t.Helper()
		if err := ValidateFixedLayout(reflect.TypeOf(v)); err != nil {
			t.Errorf("%s: expected acceptance, got %v", name, err)
		}
	}

	mustReject("pointer field", withPointer{})
	mustReject("string field", withString{})
	mustReject("nested pointer", nested{})
	mustReject("zero-sized struct", struct{}{})
	mustReject("zero-sized array", [0]plainFixed{})
	mustAccept("plain fixed struct", plainFixed{})
	mustAccept("array of fixed struct", [4]plainFixed{})
}

func TestLayoutHashDiffersByType(t *testing.T) {
	a := LayoutHash(reflect.TypeOf(plainFixed{}))
	b := LayoutHash(reflect.TypeOf(withPointer{}))
	if a == b {
		t.Fatalf("LayoutHash collided for distinct types: %d", a)
	}
	if a != LayoutHash(reflect.TypeOf(plainFixed{})) {
		t.Fatalf("LayoutHash not stable across calls for the same type")
	}
}
