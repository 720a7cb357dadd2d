package helpers

import (
	"bytes"
	"testing"
)

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"not equal", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different length", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"empty equal", []byte{}, []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConstantTimeCompare(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("ConstantTimeCompare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHexRoundtrip(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef}
	s := BytesToHex(b)
	if s != "deadbeef" {
		t.Fatalf("BytesToHex = %s, want deadbeef", s)
	}
	got, err := HexToBytes(s)
	if err != nil {
		t.Fatalf("HexToBytes: %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Fatalf("HexToBytes roundtrip = %x, want %x", got, b)
	}
	// 0x-prefixed variant must decode the same way.
	got2, err := HexToBytes("0x" + s)
	if err != nil || !bytes.Equal(got2, b) {
		t.Fatalf("HexToBytes with 0x prefix failed: %v, %x", err, got2)
	}
}

func TestFixedHexToBytes(t *testing.T) {
	good := make([]byte, 32)
	good[0] = 1
	s := BytesToHex(good)

	if _, err := FixedHexToBytes(s, 32); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := FixedHexToBytes(s, 64); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if _, err := FixedHexToBytes("not-hex", 32); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPadLeft(t *testing.T) {
	got := PadLeft([]byte{1, 2}, 4)
	want := []byte{0, 0, 1, 2}
	if !bytes.Equal(got, want) {
		t.Errorf("PadLeft = %v, want %v", got, want)
	}
	// Already long enough: returned unchanged.
	in := []byte{1, 2, 3, 4, 5}
	if got := PadLeft(in, 3); !bytes.Equal(got, in) {
		t.Errorf("PadLeft shrink = %v, want %v", got, in)
	}
}
