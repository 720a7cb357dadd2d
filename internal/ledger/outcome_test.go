package ledger

import (
	"testing"

	"github.com/klingon-exchange/corebank/internal/amount"
)

func amt(val uint64, frac uint32) amount.Amount { return amount.Amount{Val: val, Frac: frac} }

func TestApplyDebitFromCreditStaysInCredit(t *testing.T) {
	out := applyDebit(amt(30, 0), false, amt(100, 0), amt(20, 0))
	if !out.ok || out.HasDebt || out.Balance != amt(10, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyDebitFromCreditFlipsToDebt(t *testing.T) {
	// S1: alice has 30.00, transfers 40.00 -> -10.00 debt.
	out := applyDebit(amt(30, 0), false, amt(100, 0), amt(40, 0))
	if !out.ok || !out.HasDebt || out.Balance != amt(10, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyDebitFlipToDebtExceedsCeiling(t *testing.T) {
	out := applyDebit(amt(30, 0), false, amt(20, 0), amt(60, 0))
	if out.ok {
		t.Fatalf("expected debt ceiling to reject, got %+v", out)
	}
}

func TestApplyDebitAlreadyInDebtWithinCeiling(t *testing.T) {
	// alice at debt 10.00, max_debt 100.00, transfers 85.00 more -> debt
	// 95.00, still within the ceiling.
	out := applyDebit(amt(10, 0), true, amt(100, 0), amt(85, 0))
	if !out.ok || !out.HasDebt || out.Balance != amt(95, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyDebitAlreadyInDebtExceedsCeiling(t *testing.T) {
	// S2: alice at debt 10.00, max_debt 100.00, transfer 95.00 -> debt
	// 105.00 exceeds the 100.00 ceiling.
	out := applyDebit(amt(10, 0), true, amt(100, 0), amt(95, 0))
	if out.ok {
		t.Fatalf("expected BalanceInsufficient, got %+v", out)
	}
}

func TestApplyDebitExactZeroStaysCredit(t *testing.T) {
	out := applyDebit(amt(20, 0), false, amt(100, 0), amt(20, 0))
	if !out.ok || out.HasDebt || out.Balance != amt(0, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyCreditToCreditAccount(t *testing.T) {
	out := applyCredit(amt(0, 0), false, amt(30, 0))
	if !out.ok || out.HasDebt || out.Balance != amt(30, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyCreditPaysDownDebtPartially(t *testing.T) {
	out := applyCredit(amt(50, 0), true, amt(20, 0))
	if !out.ok || !out.HasDebt || out.Balance != amt(30, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyCreditPaysDownDebtExactly(t *testing.T) {
	out := applyCredit(amt(20, 0), true, amt(20, 0))
	if !out.ok || out.HasDebt || out.Balance != amt(0, 0) {
		t.Fatalf("got %+v", out)
	}
}

func TestApplyCreditFlipsDebtToCredit(t *testing.T) {
	out := applyCredit(amt(20, 0), true, amt(50, 0))
	if !out.ok || out.HasDebt || out.Balance != amt(30, 0) {
		t.Fatalf("got %+v", out)
	}
}
