package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/internal/notify"
)

// HistoryEntry is one row of an account's transaction history (§3
// "Transaction", §6 "transaction history"): the account's own leg of a
// two-sided post, named by the counterparty's login/payto rather than by
// internal id.
type HistoryEntry struct {
	RowID            int64
	Direction        string // "debit" or "credit", relative to the queried account
	Amount           amount.Amount
	Subject          string
	CounterpartyName string
	CounterpartyURI  string
	Timestamp        time.Time
}

// History returns at most page.Limit() transaction rows for accountID,
// ordered per page.Order(), strictly after/before page.Start (§6 Paging).
// A row belongs to an account's history when the account was the debtor of
// its debit leg or the creditor of its credit leg (§3: "every ledger post
// inserts exactly two rows ... referencing the same subject and amount but
// distinct account ids", one leg per side).
func (e *Engine) History(ctx context.Context, accountID int64, page dbx.PageSpec) ([]HistoryEntry, *bankerr.Error) {
	if !page.Valid() {
		return nil, bankerr.Precondition(bankerr.CodeFaultyTimestamp)
	}

	query := fmt.Sprintf(`
		SELECT t.bank_transaction_id, t.direction, t.amount_val, t.amount_frac, t.subject, t.transaction_date,
		       cp.login, cp.internal_payto_uri
		FROM libeufin_bank.bank_transactions t
		JOIN libeufin_bank.bank_accounts cp
		  ON cp.bank_account_id = CASE WHEN t.direction = 'debit' THEN t.creditor_account_id ELSE t.debtor_account_id END
		WHERE ((t.debtor_account_id = $1 AND t.direction = 'debit')
		    OR (t.creditor_account_id = $1 AND t.direction = 'credit'))
		  AND t.bank_transaction_id %s $2
		ORDER BY t.bank_transaction_id %s
		LIMIT $3
	`, page.CompareOp(), page.Order())

	var rows []HistoryEntry
	err := e.pool.ReadOnly(ctx, func(tx *sql.Tx) error {
		r, err := tx.QueryContext(ctx, query, accountID, page.Start, page.Limit())
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: query history: %w", err))
		}
		defer r.Close()

		for r.Next() {
			var row HistoryEntry
			var val uint64
			var frac uint32
			var micros int64
			var counterpartyLogin, counterpartyPayto string
			if err := r.Scan(&row.RowID, &row.Direction, &val, &frac, &row.Subject, &micros, &counterpartyLogin, &counterpartyPayto); err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: scan history row: %w", err))
			}
			row.Amount = amount.Amount{Val: val, Frac: frac}
			row.Timestamp = time.UnixMicro(micros)
			row.CounterpartyName = counterpartyLogin
			row.CounterpartyURI = counterpartyPayto
			rows = append(rows, row)
		}
		return r.Err()
	})
	if berr, ok := err.(*bankerr.Error); ok {
		return nil, berr
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, err)
	}
	return rows, nil
}

// PollHistory is the long-poll form of History (§4.7): it subscribes to
// the account's bank_tx key before reading, so a notification that arrives
// between the first read and the await is never lost. It returns
// immediately if the first read already finds at least one row; otherwise
// it waits up to pollFor for a bank_tx notification naming this account
// before reading once more, returning whatever that second read finds.
func (e *Engine) PollHistory(ctx context.Context, accountID int64, page dbx.PageSpec, pollFor time.Duration) ([]HistoryEntry, *bankerr.Error) {
	var berr *bankerr.Error
	key := fmt.Sprintf("%d", accountID)
	rows, _ := notify.Await(ctx, e.bus, notify.ChannelBankTx, key, pollFor, func() ([]HistoryEntry, bool) {
		var rows []HistoryEntry
		rows, berr = e.History(ctx, accountID, page)
		return rows, berr != nil || len(rows) > 0
	})
	if berr != nil {
		return nil, berr
	}
	return rows, nil
}
