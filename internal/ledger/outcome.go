package ledger

import (
	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
)

// sideOutcome is the post-transfer state of one side of a posting: the new
// balance/has_debt pair. ok=false with Fault==nil means a debtor-side debt
// ceiling check failed (§4.2's debtor rule 1, a domain error); ok=false
// with Fault set means amount arithmetic overflowed (a fault, §4.1).
type sideOutcome struct {
	Balance amount.Amount
	HasDebt bool
	ok      bool
	Fault   *bankerr.Error
}

// applyDebit computes the debtor side of a transfer (§4.2): if the debtor
// is already in debt, the new debt is compared against maxDebt; otherwise
// the balance is drawn down and, if it would go negative, the debtor
// flips into debt and rule 1 is applied to the resulting magnitude.
func applyDebit(balance amount.Amount, hasDebt bool, maxDebt, amt amount.Amount) sideOutcome {
	if hasDebt {
		newDebt, berr := amount.Add(balance, amt)
		if berr != nil {
			return sideOutcome{Fault: berr}
		}
		if amount.Cmp(newDebt, maxDebt) > 0 {
			return sideOutcome{ok: false}
		}
		return sideOutcome{Balance: newDebt, HasDebt: true, ok: true}
	}

	remaining, ok := amount.Sub(balance, amt)
	if ok {
		return sideOutcome{Balance: remaining, HasDebt: false, ok: true}
	}

	// balance < amt: the debtor flips into debt for the shortfall.
	debtMagnitude, ok := amount.Sub(amt, balance)
	if !ok {
		// amt < balance, contradicting the failed Sub above; unreachable
		// outside an amount.Sub bug.
		return sideOutcome{Fault: bankerr.Fault(bankerr.CodeInvariantViolation, errShortfall)}
	}
	if amount.Cmp(debtMagnitude, maxDebt) > 0 {
		return sideOutcome{ok: false}
	}
	return sideOutcome{Balance: debtMagnitude, HasDebt: true, ok: true}
}

// applyCredit computes the creditor side of a transfer (§4.2): an incoming
// amount first pays down any existing debt; any excess (or the whole
// amount, if the creditor wasn't in debt) becomes credit balance. There is
// no ceiling on the credit side — only amount overflow can fail it.
func applyCredit(balance amount.Amount, hasDebt bool, amt amount.Amount) sideOutcome {
	if !hasDebt {
		sum, berr := amount.Add(balance, amt)
		if berr != nil {
			return sideOutcome{Fault: berr}
		}
		return sideOutcome{Balance: sum, HasDebt: false, ok: true}
	}

	remainingDebt, ok := amount.Sub(balance, amt)
	if ok {
		if remainingDebt == amount.Zero {
			return sideOutcome{Balance: amount.Zero, HasDebt: false, ok: true}
		}
		return sideOutcome{Balance: remainingDebt, HasDebt: true, ok: true}
	}

	// amt exceeds the debt: the excess becomes credit balance.
	excess, ok := amount.Sub(amt, balance)
	if !ok {
		return sideOutcome{Fault: bankerr.Fault(bankerr.CodeInvariantViolation, errShortfall)}
	}
	return sideOutcome{Balance: excess, HasDebt: false, ok: true}
}

var errShortfall = shortfallErr{}

type shortfallErr struct{}

func (shortfallErr) Error() string { return "ledger: impossible shortfall in outcome arithmetic" }
