package exchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/dbx"
)

// OutgoingEntry is one row of an exchange's outgoing-transfer history
// (§6 "outgoing history").
type OutgoingEntry struct {
	RowID       int64
	WTID        string
	ExchangePay string
	Amount      amount.Amount
	Subject     string
	CreditPayto string
	Timestamp   time.Time
}

// OutgoingHistory returns at most page.Limit() outgoing-transfer rows for
// the exchange account named by login, ordered per page.Order() (§6
// Paging).
func (e *Engine) OutgoingHistory(ctx context.Context, login string, page dbx.PageSpec) ([]OutgoingEntry, *bankerr.Error) {
	if !page.Valid() {
		return nil, bankerr.Precondition(bankerr.CodeFaultyTimestamp)
	}

	exchange, berr := e.ledger.LookupByLogin(ctx, login)
	if berr != nil {
		return nil, berr
	}
	if exchange == nil {
		return nil, bankerr.Precondition(bankerr.CodeUnknownExchange)
	}
	if !exchange.IsTalerExchange {
		return nil, bankerr.Precondition(bankerr.CodeNotAnExchange)
	}

	query := fmt.Sprintf(`
		SELECT o.exchange_outgoing_id, o.wtid, o.exchange_base_url, t.amount_val, t.amount_frac, t.subject,
		       cp.internal_payto_uri, o.creation_time
		FROM libeufin_bank.taler_exchange_outgoing o
		JOIN libeufin_bank.bank_transactions t ON t.bank_transaction_id = o.bank_transaction_id
		JOIN libeufin_bank.bank_accounts cp ON cp.bank_account_id = t.creditor_account_id
		WHERE t.debtor_account_id = $1 AND o.exchange_outgoing_id %s $2
		ORDER BY o.exchange_outgoing_id %s
		LIMIT $3
	`, page.CompareOp(), page.Order())

	var rows []OutgoingEntry
	err := e.ledger.Pool().ReadOnly(ctx, func(tx *sql.Tx) error {
		r, err := tx.QueryContext(ctx, query, exchange.ID, page.Start, page.Limit())
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: query outgoing history: %w", err))
		}
		defer r.Close()

		for r.Next() {
			var row OutgoingEntry
			var val uint64
			var frac uint32
			var micros int64
			if err := r.Scan(&row.RowID, &row.WTID, &row.ExchangePay, &val, &frac, &row.Subject, &row.CreditPayto, &micros); err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: scan outgoing history row: %w", err))
			}
			row.Amount = amount.Amount{Val: val, Frac: frac}
			row.Timestamp = time.UnixMicro(micros)
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

// IncomingEntry is one row of an exchange's incoming-reserve history
// (§6 "incoming history").
type IncomingEntry struct {
	RowID      int64
	ReservePub string
	Amount     amount.Amount
	DebitPayto string
	Timestamp  time.Time
}

// IncomingHistory returns at most page.Limit() incoming-reserve rows for
// the exchange account named by login, ordered per page.Order().
func (e *Engine) IncomingHistory(ctx context.Context, login string, page dbx.PageSpec) ([]IncomingEntry, *bankerr.Error) {
	if !page.Valid() {
		return nil, bankerr.Precondition(bankerr.CodeFaultyTimestamp)
	}

	exchange, berr := e.ledger.LookupByLogin(ctx, login)
	if berr != nil {
		return nil, berr
	}
	if exchange == nil {
		return nil, bankerr.Precondition(bankerr.CodeUnknownExchange)
	}
	if !exchange.IsTalerExchange {
		return nil, bankerr.Precondition(bankerr.CodeNotAnExchange)
	}

	query := fmt.Sprintf(`
		SELECT i.exchange_incoming_id, i.reserve_pub, t.amount_val, t.amount_frac, dp.internal_payto_uri, i.creation_time
		FROM libeufin_bank.taler_exchange_incoming i
		JOIN libeufin_bank.bank_transactions t ON t.bank_transaction_id = i.bank_transaction_id
		JOIN libeufin_bank.bank_accounts dp ON dp.bank_account_id = t.debtor_account_id
		WHERE t.creditor_account_id = $1 AND i.exchange_incoming_id %s $2
		ORDER BY i.exchange_incoming_id %s
		LIMIT $3
	`, page.CompareOp(), page.Order())

	var rows []IncomingEntry
	err := e.ledger.Pool().ReadOnly(ctx, func(tx *sql.Tx) error {
		r, err := tx.QueryContext(ctx, query, exchange.ID, page.Start, page.Limit())
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: query incoming history: %w", err))
		}
		defer r.Close()

		for r.Next() {
			var row IncomingEntry
			var val uint64
			var frac uint32
			var micros int64
			if err := r.Scan(&row.RowID, &row.ReservePub, &val, &frac, &row.DebitPayto, &micros); err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: scan incoming history row: %w", err))
			}
			row.Amount = amount.Amount{Val: val, Frac: frac}
			row.Timestamp = time.UnixMicro(micros)
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
