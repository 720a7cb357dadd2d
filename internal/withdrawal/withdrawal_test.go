package withdrawal

import "testing"

func TestDeriveStatusPending(t *testing.T) {
	if got := deriveStatus(false, false, false); got != StatusPending {
		t.Errorf("got %s, want pending", got)
	}
}

func TestDeriveStatusSelected(t *testing.T) {
	if got := deriveStatus(true, false, false); got != StatusSelected {
		t.Errorf("got %s, want selected", got)
	}
}

func TestDeriveStatusConfirmed(t *testing.T) {
	if got := deriveStatus(true, true, false); got != StatusConfirmed {
		t.Errorf("got %s, want confirmed", got)
	}
}

func TestDeriveStatusAbortedFromPending(t *testing.T) {
	if got := deriveStatus(false, false, true); got != StatusAborted {
		t.Errorf("got %s, want aborted", got)
	}
}

func TestDeriveStatusAbortedFromSelected(t *testing.T) {
	if got := deriveStatus(true, false, true); got != StatusAborted {
		t.Errorf("got %s, want aborted", got)
	}
}

func TestDeriveStatusConfirmedTakesPrecedenceOverAborted(t *testing.T) {
	// confirmation_done is write-once and terminal; if both flags were
	// somehow set, confirmed must win since a withdrawal can never regress
	// out of confirmed (§8 invariant 4).
	if got := deriveStatus(true, true, true); got != StatusConfirmed {
		t.Errorf("got %s, want confirmed", got)
	}
}
