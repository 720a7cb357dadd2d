// Package idempotency implements component C4: the index mapping a
// client-supplied unique identifier (request_uid, wtid, or reserve_pub) to
// the result a prior identical request already produced, so a network
// retry never causes a second ledger post.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klingon-exchange/corebank/internal/bankerr"
)

// Record is the stored outcome for a previously accepted request_uid:
// which bank transaction it produced and a hash of the request body that
// produced it, so a replay with differing parameters can be told apart
// from a replay of the identical request (§4.2's RequestUidReuse rule).
type Record struct {
	RequestUID        string
	BankTransactionID int64
	BodyHash          string
}

// Lookup returns the stored record for requestUID within tx, if any.
func Lookup(ctx context.Context, tx *sql.Tx, requestUID string) (Record, bool, *bankerr.Error) {
	var rec Record
	rec.RequestUID = requestUID

	row := tx.QueryRowContext(ctx, `
		SELECT bank_transaction_id, body_hash
		FROM libeufin_bank.idempotency_records
		WHERE request_uid = $1
	`, requestUID)

	if err := row.Scan(&rec.BankTransactionID, &rec.BodyHash); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("idempotency: lookup %s: %w", requestUID, err))
	}
	return rec, true, nil
}

// Insert records the outcome of a newly accepted request_uid within tx.
// Called after the owning ledger post commits within the same
// transaction, never standalone.
func Insert(ctx context.Context, tx *sql.Tx, rec Record) *bankerr.Error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO libeufin_bank.idempotency_records (request_uid, bank_transaction_id, body_hash)
		VALUES ($1, $2, $3)
	`, rec.RequestUID, rec.BankTransactionID, rec.BodyHash)
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("idempotency: insert %s: %w", rec.RequestUID, err))
	}
	return nil
}

// Check resolves the three-way outcome every idempotent write path needs
// before proceeding: no prior record (proceed), an identical replay
// (return the stored record, no new work), or a conflicting replay (reject
// with the caller-supplied conflict code).
func Check(ctx context.Context, tx *sql.Tx, requestUID, bodyHash string, conflictCode bankerr.Code) (*Record, *bankerr.Error) {
	existing, found, berr := Lookup(ctx, tx, requestUID)
	if berr != nil {
		return nil, berr
	}
	return resolveReplay(existing, found, bodyHash, conflictCode)
}

// resolveReplay is Check's decision logic split out as a pure function so
// it can be tested without a database.
func resolveReplay(existing Record, found bool, bodyHash string, conflictCode bankerr.Code) (*Record, *bankerr.Error) {
	if !found {
		return nil, nil
	}
	if existing.BodyHash != bodyHash {
		return nil, bankerr.Conflict(conflictCode)
	}
	return &existing, nil
}
