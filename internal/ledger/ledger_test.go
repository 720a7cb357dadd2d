package ledger

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/amount"
)

func TestHashBankTransactionBodyDeterministic(t *testing.T) {
	req := BankTransactionRequest{
		DebtorLogin:   "alice",
		CreditorPayto: "payto://internal/bob",
		Subject:       "rent",
		Amount:        amt(12, 5),
	}
	h1 := hashBankTransactionBody(req)
	h2 := hashBankTransactionBody(req)
	if h1 != h2 {
		t.Fatalf("hash must be deterministic for identical bodies: %q vs %q", h1, h2)
	}
}

func TestHashBankTransactionBodyDiffersOnAmount(t *testing.T) {
	base := BankTransactionRequest{DebtorLogin: "alice", CreditorPayto: "payto://internal/bob", Subject: "rent", Amount: amt(12, 5)}
	changed := base
	changed.Amount = amt(13, 0)

	if hashBankTransactionBody(base) == hashBankTransactionBody(changed) {
		t.Fatal("expected differing amounts to hash differently")
	}
}

func TestHashBankTransactionBodyDiffersOnSubject(t *testing.T) {
	base := BankTransactionRequest{DebtorLogin: "alice", CreditorPayto: "payto://internal/bob", Subject: "rent", Amount: amt(12, 5)}
	changed := base
	changed.Subject = "not rent"

	if hashBankTransactionBody(base) == hashBankTransactionBody(changed) {
		t.Fatal("expected differing subjects to hash differently")
	}
}
