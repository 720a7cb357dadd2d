// Package reserve owns the reserve-public-key registration table shared by
// the ledger's automatic registration path (§4.2), the exchange gateway's
// addIncoming (C7), and the withdrawal confirm step (C6) — split out of
// both so neither has to import the other to share one table.
package reserve

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/corebank/internal/bankerr"
)

// Register inserts a new incoming-reserve record binding reservePubHex to
// the bank transaction that credited the exchange account. Returns a
// CategoryConflict/CodeReservePubReuse error on a duplicate reserve_pub,
// per §3's "reserve_pub unique across incoming registrations and across
// pending withdrawals" invariant.
func Register(ctx context.Context, tx *sql.Tx, reservePubHex string, bankTransactionID int64, now time.Time) *bankerr.Error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO libeufin_bank.taler_exchange_incoming (reserve_pub, bank_transaction_id, creation_time)
		VALUES ($1, $2, $3)
	`, reservePubHex, bankTransactionID, now.UnixMicro())
	if isUniqueViolation(err) {
		return bankerr.Conflict(bankerr.CodeReservePubReuse)
	}
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("reserve: register %s: %w", reservePubHex, err))
	}
	return nil
}

// InUse reports whether reservePubHex is already bound to an incoming
// registration or to a not-yet-aborted withdrawal's selected reserve, the
// two collision surfaces §3 and §4.3's RequestPubReuse rule name.
func InUse(ctx context.Context, tx *sql.Tx, reservePubHex string) (bool, *bankerr.Error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM libeufin_bank.taler_exchange_incoming WHERE reserve_pub = $1
			UNION ALL
			SELECT 1 FROM libeufin_bank.taler_withdrawal_operations
			WHERE reserve_pub = $1 AND aborted = FALSE
		)
	`, reservePubHex).Scan(&exists)
	if err != nil {
		return false, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("reserve: checking %s in use: %w", reservePubHex, err))
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	type pqErrorCoder interface{ SQLState() string }
	pe, ok := err.(pqErrorCoder)
	return ok && pe.SQLState() == "23505"
}
