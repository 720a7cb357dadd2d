package dbx

import "testing"

func TestPageSpecForward(t *testing.T) {
	p := PageSpec{Start: 10, Delta: 5}
	if !p.Valid() {
		t.Fatal("expected valid")
	}
	if !p.Forward() {
		t.Error("positive delta should page forward")
	}
	if p.Limit() != 5 {
		t.Errorf("Limit = %d, want 5", p.Limit())
	}
	if p.CompareOp() != ">" {
		t.Errorf("CompareOp = %q, want >", p.CompareOp())
	}
	if p.Order() != "ASC" {
		t.Errorf("Order = %q, want ASC", p.Order())
	}
}

func TestPageSpecBackward(t *testing.T) {
	p := PageSpec{Start: 10, Delta: -5}
	if !p.Valid() {
		t.Fatal("expected valid")
	}
	if p.Forward() {
		t.Error("negative delta should page backward")
	}
	if p.Limit() != 5 {
		t.Errorf("Limit = %d, want 5", p.Limit())
	}
	if p.CompareOp() != "<" {
		t.Errorf("CompareOp = %q, want <", p.CompareOp())
	}
	if p.Order() != "DESC" {
		t.Errorf("Order = %q, want DESC", p.Order())
	}
}

func TestPageSpecZeroDeltaInvalid(t *testing.T) {
	p := PageSpec{Start: 10, Delta: 0}
	if p.Valid() {
		t.Error("zero delta should be invalid")
	}
}
