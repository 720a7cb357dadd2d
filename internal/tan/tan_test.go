package tan

import (
	"testing"
	"time"

	"github.com/klingon-exchange/corebank/internal/bankerr"
)

func baseChallenge(now time.Time) *Challenge {
	return &Challenge{
		ID:           1,
		Op:           "cashout",
		Body:         `{"amount":"10.00"}`,
		Code:         "12345678",
		Creation:     now,
		Expiration:   now.Add(5 * time.Minute),
		Retransmission: now,
		RetryCounter: 3,
	}
}

func TestDecideSendRefreshesExpiredUnconfirmed(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)
	c.Expiration = now.Add(-time.Second)

	d := decideSend(c, "87654321", now, 5*time.Minute, 3)
	if !d.refresh || d.code != "87654321" {
		t.Fatalf("expected refresh with new code, got %+v", d)
	}
}

func TestDecideSendRefreshesExhaustedUnconfirmed(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)
	c.RetryCounter = 0

	d := decideSend(c, "87654321", now, 5*time.Minute, 3)
	if !d.refresh {
		t.Fatalf("expected refresh when retries exhausted, got %+v", d)
	}
}

func TestDecideSendSuppressesWithinRetransmissionWindow(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)
	c.Retransmission = now.Add(time.Minute)

	d := decideSend(c, "87654321", now, 5*time.Minute, 3)
	if !d.suppress || d.refresh {
		t.Fatalf("expected suppressed send, got %+v", d)
	}
}

func TestDecideSendReturnsExistingCode(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)

	d := decideSend(c, "87654321", now, 5*time.Minute, 3)
	if d.refresh || d.suppress || d.code != c.Code {
		t.Fatalf("expected existing code returned unchanged, got %+v", d)
	}
}

func TestDecideSendDoesNotRefreshAnExpiredButConfirmedChallenge(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)
	c.Expiration = now.Add(-time.Second)
	confirmed := now.Add(-time.Minute)
	c.ConfirmationDate = &confirmed

	d := decideSend(c, "87654321", now, 5*time.Minute, 3)
	if d.refresh {
		t.Fatalf("a confirmed challenge must never be refreshed, got %+v", d)
	}
}

func TestDecideTryCorrectCode(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)

	out := decideTry(c, 2, c.Code, now)
	if !out.Ok {
		t.Fatalf("expected ok=true for correct code, got %+v", out)
	}
	if out.Op != c.Op || out.Body != c.Body {
		t.Errorf("expected op/body echoed back, got %+v", out)
	}
}

func TestDecideTryWrongCode(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)

	out := decideTry(c, 2, "00000000", now)
	if out.Ok {
		t.Fatal("expected ok=false for wrong code")
	}
	if out.Code != "" {
		t.Errorf("expected no specific code for a plain mismatch, got %q", out.Code)
	}
}

func TestDecideTryNoRetriesLeft(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)

	out := decideTry(c, 0, c.Code, now)
	if out.Ok || out.Code != bankerr.CodeNoRetry {
		t.Fatalf("expected NoRetry, got %+v", out)
	}
}

func TestDecideTryExpired(t *testing.T) {
	now := time.Now()
	c := baseChallenge(now)
	c.Expiration = now.Add(-time.Second)

	out := decideTry(c, 2, c.Code, now)
	if out.Ok || out.Code != bankerr.CodeExpired {
		t.Fatalf("expected Expired, got %+v", out)
	}
}

func TestDecideTryNoRetryTakesPrecedenceOverExpired(t *testing.T) {
	// When both conditions fail, the retry counter is checked first; either order
	// is a defensible reading of §4.6, but the decision must be consistent.
	now := time.Now()
	c := baseChallenge(now)
	c.Expiration = now.Add(-time.Second)

	out := decideTry(c, 0, c.Code, now)
	if out.Ok {
		t.Fatal("expected ok=false")
	}
	if out.Code != bankerr.CodeNoRetry {
		t.Fatalf("expected NoRetry to be checked first, got %v", out.Code)
	}
}
