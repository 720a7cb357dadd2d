package cashout

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/amount"
)

func baseCreateRequest() CreateRequest {
	return CreateRequest{
		Login:        "alice",
		RequestUID:   "req-1",
		DebitAmount:  amount.Amount{Val: 10, Frac: 0},
		CreditAmount: amount.Amount{Val: 9, Frac: 50_000_000},
		Subject:      "payout",
	}
}

func TestExistingRowMatchesIdenticalReplay(t *testing.T) {
	req := baseCreateRequest()
	row := existingRow{DebitAmount: req.DebitAmount, CreditAmount: req.CreditAmount, Subject: req.Subject, DebitAccount: 7}
	if !row.matches(req, 7) {
		t.Error("identical payload should match")
	}
}

func TestExistingRowMatchesDiffersOnDebitAmount(t *testing.T) {
	req := baseCreateRequest()
	row := existingRow{DebitAmount: amount.Amount{Val: 11, Frac: 0}, CreditAmount: req.CreditAmount, Subject: req.Subject, DebitAccount: 7}
	if row.matches(req, 7) {
		t.Error("differing debit amount should not match")
	}
}

func TestExistingRowMatchesDiffersOnAccount(t *testing.T) {
	req := baseCreateRequest()
	row := existingRow{DebitAmount: req.DebitAmount, CreditAmount: req.CreditAmount, Subject: req.Subject, DebitAccount: 7}
	if row.matches(req, 8) {
		t.Error("differing debit account should not match")
	}
}

func TestExistingRowMatchesDiffersOnSubject(t *testing.T) {
	req := baseCreateRequest()
	row := existingRow{DebitAmount: req.DebitAmount, CreditAmount: req.CreditAmount, Subject: "other", DebitAccount: 7}
	if row.matches(req, 7) {
		t.Error("differing subject should not match")
	}
}
