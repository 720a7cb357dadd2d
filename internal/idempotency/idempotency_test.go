package idempotency

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/bankerr"
)

func TestResolveReplayNoPriorRecord(t *testing.T) {
	rec, berr := resolveReplay(Record{}, false, "hash-a", bankerr.CodeRequestUidReuse)
	if berr != nil || rec != nil {
		t.Fatalf("expected (nil, nil) for a fresh request_uid, got (%v, %v)", rec, berr)
	}
}

func TestResolveReplayIdenticalBody(t *testing.T) {
	existing := Record{RequestUID: "abc", BankTransactionID: 7, BodyHash: "hash-a"}
	rec, berr := resolveReplay(existing, true, "hash-a", bankerr.CodeRequestUidReuse)
	if berr != nil {
		t.Fatalf("unexpected error: %v", berr)
	}
	if rec == nil || rec.BankTransactionID != 7 {
		t.Fatalf("expected stored record returned, got %+v", rec)
	}
}

func TestResolveReplayDifferingBody(t *testing.T) {
	existing := Record{RequestUID: "abc", BankTransactionID: 7, BodyHash: "hash-a"}
	rec, berr := resolveReplay(existing, true, "hash-b", bankerr.CodeRequestUidReuse)
	if rec != nil {
		t.Fatalf("expected no record on conflict, got %+v", rec)
	}
	if berr == nil || berr.Code != bankerr.CodeRequestUidReuse {
		t.Fatalf("expected RequestUidReuse conflict, got %v", berr)
	}
	if berr.Category != bankerr.CategoryConflict {
		t.Errorf("expected conflict category, got %s", berr.Category)
	}
}

func TestResolveReplayUsesCallerSuppliedCode(t *testing.T) {
	existing := Record{RequestUID: "wtid-1", BodyHash: "hash-a"}
	_, berr := resolveReplay(existing, true, "hash-b", bankerr.CodeReserveUidReuse)
	if berr == nil || berr.Code != bankerr.CodeReserveUidReuse {
		t.Fatalf("expected caller-supplied conflict code to be used, got %v", berr)
	}
}
