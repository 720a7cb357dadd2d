package exchange

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/amount"
)

func baseRequest() TransferRequest {
	return TransferRequest{
		RequestUID:      "req-1",
		WTID:            "wtid-1",
		Subject:         "subj",
		Amount:          amount.Amount{Val: 5, Frac: 0},
		ExchangeBaseURL: "https://exchange.example/",
		CreditPayto:     "payto://internal/alice",
		Login:           "exchange",
	}
}

func TestOutgoingBodyMatchesIdenticalReplay(t *testing.T) {
	req := baseRequest()
	stored := outgoingBody{WTID: req.WTID, ExchangeBaseURL: req.ExchangeBaseURL, Subject: req.Subject, Amount: req.Amount}
	if !stored.matches(req) {
		t.Error("identical payload should match")
	}
}

func TestOutgoingBodyMatchesDiffersOnWTID(t *testing.T) {
	req := baseRequest()
	stored := outgoingBody{WTID: "different", ExchangeBaseURL: req.ExchangeBaseURL, Subject: req.Subject, Amount: req.Amount}
	if stored.matches(req) {
		t.Error("differing wtid should not match")
	}
}

func TestOutgoingBodyMatchesDiffersOnAmount(t *testing.T) {
	req := baseRequest()
	stored := outgoingBody{WTID: req.WTID, ExchangeBaseURL: req.ExchangeBaseURL, Subject: req.Subject, Amount: amount.Amount{Val: 6, Frac: 0}}
	if stored.matches(req) {
		t.Error("differing amount should not match")
	}
}

func TestOutgoingBodyMatchesDiffersOnSubject(t *testing.T) {
	req := baseRequest()
	stored := outgoingBody{WTID: req.WTID, ExchangeBaseURL: req.ExchangeBaseURL, Subject: "other", Amount: req.Amount}
	if stored.matches(req) {
		t.Error("differing subject should not match")
	}
}

func TestOutgoingBodyMatchesDiffersOnExchangeBaseURL(t *testing.T) {
	req := baseRequest()
	stored := outgoingBody{WTID: req.WTID, ExchangeBaseURL: "https://other/", Subject: req.Subject, Amount: req.Amount}
	if stored.matches(req) {
		t.Error("differing exchange base url should not match")
	}
}
