// Package cashout implements component C8: converting a regional debit
// into a fiat payout, debited against the admin account and handed off to
// the fiat adapter via the initiated_outgoing_transaction boundary table
// (§4.5).
package cashout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/config"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/internal/ledger"
	"github.com/klingon-exchange/corebank/internal/stats"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Engine wires cash-out creation to the ledger, the conversion config, and
// the admin account that fronts every fiat payout.
type Engine struct {
	ledger     *ledger.Engine
	conversion *config.ConversionConfig
	adminLogin string
	log        *logging.Logger
}

// New builds an Engine.
func New(ledgerEngine *ledger.Engine, conversion *config.ConversionConfig, adminLogin string, log *logging.Logger) *Engine {
	return &Engine{ledger: ledgerEngine, conversion: conversion, adminLogin: adminLogin, log: log.Component("cashout")}
}

// CreateRequest carries create's parameters (§4.5).
type CreateRequest struct {
	Login        string
	RequestUID   string
	DebitAmount  amount.Amount
	CreditAmount amount.Amount
	Subject      string
	Now          time.Time
	Is2FA        bool
}

// Result is the outcome of a successful or replayed create.
type Result struct {
	CashoutID int64
}

// existingRow mirrors a stored cashout_operations record for replay
// comparison.
type existingRow struct {
	CashoutID    int64
	DebitAmount  amount.Amount
	CreditAmount amount.Amount
	Subject      string
	DebitAccount int64
}

func (r existingRow) matches(req CreateRequest, debitAccountID int64) bool {
	return r.DebitAmount.Val == req.DebitAmount.Val && r.DebitAmount.Frac == req.DebitAmount.Frac &&
		r.CreditAmount.Val == req.CreditAmount.Val && r.CreditAmount.Frac == req.CreditAmount.Frac &&
		r.Subject == req.Subject && r.DebitAccount == debitAccountID
}

// Create validates the requested conversion and records a pending
// cashout-operations row (§4.5 steps 1-4, §3 "pending" = no
// local_transaction yet). It does not touch the ledger: the debit only
// happens once Confirm is called, which is what leaves a genuine window
// for Abort to act in.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Result, *bankerr.Error) {
	outcome, berr := amount.To(e.conversion, config.DirectionCashout, req.DebitAmount)
	if berr != nil {
		return Result{}, berr
	}
	if outcome.NoConfig {
		return Result{}, bankerr.Conflict(bankerr.CodeBadConversion)
	}
	if outcome.TooSmall || amount.Cmp(outcome.Amount, req.CreditAmount) != 0 {
		return Result{}, bankerr.Conflict(bankerr.CodeBadConversion)
	}

	var result Result
	txErr := e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		customer, berr := e.ledger.LookupByLogin(ctx, req.Login)
		if berr != nil {
			return berr
		}
		if customer == nil {
			return bankerr.Precondition(bankerr.CodeUnknownAccount)
		}
		if customer.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeAccountIsExchange)
		}
		if customer.PaytoURI == "" {
			return bankerr.Precondition(bankerr.CodeNoCashoutPayto)
		}
		if customer.TanChannel != "" && !req.Is2FA {
			return bankerr.TanRequired(customer.TanChannel, "")
		}

		existing, berr := lookupExisting(ctx, tx, req.RequestUID)
		if berr != nil {
			return berr
		}
		if existing != nil {
			if !existing.matches(req, customer.ID) {
				return bankerr.Conflict(bankerr.CodeRequestUidReuse)
			}
			result = Result{CashoutID: existing.CashoutID}
			return nil
		}

		cashoutID, err := insertCashout(ctx, tx, req, customer.ID)
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: insert: %w", err))
		}

		result = Result{CashoutID: cashoutID}
		return nil
	})
	if berr := asBankErr(txErr); berr != nil {
		return Result{}, berr
	}
	return result, nil
}

// Confirm performs the actual debit against the admin account for a
// pending cashout, binds local_transaction to the resulting ledger row,
// and hands the payout off to the fiat adapter boundary (§4.5 steps 5-6).
// It fails with CodeAlreadyConfirmed or CodeAlreadyAborted if the
// operation has already left the pending state.
func (e *Engine) Confirm(ctx context.Context, cashoutID int64, now time.Time) *bankerr.Error {
	return asBankErr(e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		var debitAccount int64
		var localTransaction sql.NullInt64
		var aborted bool
		var debitVal, creditVal uint64
		var debitFrac, creditFrac uint32
		var subject string
		err := tx.QueryRowContext(ctx, `
			SELECT debit_account, local_transaction, aborted,
			       amount_debit_val, amount_debit_frac, amount_credit_val, amount_credit_frac, subject
			FROM libeufin_bank.cashout_operations WHERE cashout_id = $1 FOR UPDATE
		`, cashoutID).Scan(&debitAccount, &localTransaction, &aborted, &debitVal, &debitFrac, &creditVal, &creditFrac, &subject)
		if err == sql.ErrNoRows {
			return bankerr.Precondition(bankerr.CodeUnknownOperation)
		}
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: lookup for confirm: %w", err))
		}
		if aborted {
			return bankerr.Conflict(bankerr.CodeAlreadyAborted)
		}
		if localTransaction.Valid {
			return bankerr.Conflict(bankerr.CodeAlreadyConfirmed)
		}

		customer, berr := e.ledger.LookupByID(ctx, debitAccount)
		if berr != nil {
			return berr
		}
		if customer == nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: debit account %d missing", debitAccount))
		}

		admin, berr := e.ledger.LookupByLogin(ctx, e.adminLogin)
		if berr != nil {
			return berr
		}
		if admin == nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: admin account %q missing", e.adminLogin))
		}

		debitAmount := amount.Amount{Val: debitVal, Frac: debitFrac}
		creditAmount := amount.Amount{Val: creditVal, Frac: creditFrac}

		transferResult, berr := e.ledger.Transfer(ctx, tx, admin.ID, customer.ID, subject, debitAmount, now)
		if berr != nil {
			return berr
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE libeufin_bank.cashout_operations SET local_transaction = $1 WHERE cashout_id = $2
		`, transferResult.DebitRow, cashoutID); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: bind local_transaction: %w", err))
		}

		if err := insertInitiatedOutgoing(ctx, tx, cashoutID, customer.PaytoURI, creditAmount, subject, now); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: insert initiated outgoing: %w", err))
		}

		if berr := stats.RecordCashout(ctx, tx, debitAmount, creditAmount, now); berr != nil {
			return berr
		}

		return nil
	}))
}

func lookupExisting(ctx context.Context, tx *sql.Tx, requestUID string) (*existingRow, *bankerr.Error) {
	var row existingRow
	var debitVal, creditVal uint64
	var debitFrac, creditFrac uint32
	err := tx.QueryRowContext(ctx, `
		SELECT cashout_id, amount_debit_val, amount_debit_frac, amount_credit_val, amount_credit_frac, subject, debit_account
		FROM libeufin_bank.cashout_operations WHERE request_uid = $1
	`, requestUID).Scan(&row.CashoutID, &debitVal, &debitFrac, &creditVal, &creditFrac, &row.Subject, &row.DebitAccount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: lookup existing: %w", err))
	}
	row.DebitAmount = amount.Amount{Val: debitVal, Frac: debitFrac}
	row.CreditAmount = amount.Amount{Val: creditVal, Frac: creditFrac}
	return &row, nil
}

func asBankErr(err error) *bankerr.Error {
	if err == nil {
		return nil
	}
	if be, ok := err.(*bankerr.Error); ok {
		return be
	}
	return bankerr.Fault(bankerr.CodeInvariantViolation, err)
}

func insertCashout(ctx context.Context, tx *sql.Tx, req CreateRequest, debitAccountID int64) (int64, error) {
	var cashoutID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO libeufin_bank.cashout_operations
			(request_uid, amount_debit_val, amount_debit_frac, amount_credit_val, amount_credit_frac,
			 subject, creation_time, debit_account, local_transaction)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
		RETURNING cashout_id
	`, req.RequestUID, req.DebitAmount.Val, req.DebitAmount.Frac, req.CreditAmount.Val, req.CreditAmount.Frac,
		req.Subject, req.Now.UnixMicro(), debitAccountID).Scan(&cashoutID)
	return cashoutID, err
}

// insertInitiatedOutgoing stands in for the teacher schema's database
// trigger on cashout_operations (§4.5 step 6): the fiat adapter is out of
// scope, so this just writes the boundary row it would poll.
func insertInitiatedOutgoing(ctx context.Context, tx *sql.Tx, cashoutID int64, creditPayto string, amt amount.Amount, subject string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO libeufin_nexus.initiated_outgoing_transaction
			(request_uid, cashout_id, credit_payto, fiat_amount_val, fiat_amount_frac, subject, creation_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), cashoutID, creditPayto, amt.Val, amt.Frac, subject, now.UnixMicro())
	return err
}

// Abort aborts a cashout that Confirm has not yet touched (§9 open
// question, resolved: permitted only while local_transaction is still
// NULL, i.e. before the customer's account has actually been debited).
// Once Confirm binds local_transaction the debit is irreversible through
// this path, so Abort rejects it with CodeAlreadyConfirmed.
func (e *Engine) Abort(ctx context.Context, cashoutID int64) *bankerr.Error {
	return asBankErr(e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		var aborted bool
		var localTransaction sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT aborted, local_transaction FROM libeufin_bank.cashout_operations WHERE cashout_id = $1 FOR UPDATE
		`, cashoutID).Scan(&aborted, &localTransaction)
		if err == sql.ErrNoRows {
			return bankerr.Precondition(bankerr.CodeUnknownOperation)
		}
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: lookup for abort: %w", err))
		}
		if aborted {
			return nil
		}
		if localTransaction.Valid {
			return bankerr.Conflict(bankerr.CodeAlreadyConfirmed)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE libeufin_bank.cashout_operations SET aborted = TRUE WHERE cashout_id = $1
		`, cashoutID); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: abort: %w", err))
		}
		return nil
	}))
}

// Operation is one row of a login's cashout history (§6 cashout "list").
type Operation struct {
	CashoutID        int64
	DebitAmount      amount.Amount
	CreditAmount     amount.Amount
	Subject          string
	Aborted          bool
	LocalTransaction sql.NullInt64
	CreationTime     time.Time
}

// List returns at most page.Limit() cashout operations debited against
// login's account, ordered per page.Order() (§6 Paging).
func (e *Engine) List(ctx context.Context, login string, page dbx.PageSpec) ([]Operation, *bankerr.Error) {
	if !page.Valid() {
		return nil, bankerr.Precondition(bankerr.CodeFaultyTimestamp)
	}

	customer, berr := e.ledger.LookupByLogin(ctx, login)
	if berr != nil {
		return nil, berr
	}
	if customer == nil {
		return nil, bankerr.Precondition(bankerr.CodeUnknownAccount)
	}

	query := fmt.Sprintf(`
		SELECT cashout_id, amount_debit_val, amount_debit_frac, amount_credit_val, amount_credit_frac,
		       subject, aborted, local_transaction, creation_time
		FROM libeufin_bank.cashout_operations
		WHERE debit_account = $1 AND cashout_id %s $2
		ORDER BY cashout_id %s
		LIMIT $3
	`, page.CompareOp(), page.Order())

	var ops []Operation
	err := e.ledger.Pool().ReadOnly(ctx, func(tx *sql.Tx) error {
		r, err := tx.QueryContext(ctx, query, customer.ID, page.Start, page.Limit())
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: query list: %w", err))
		}
		defer r.Close()

		for r.Next() {
			var op Operation
			var debitVal, creditVal uint64
			var debitFrac, creditFrac uint32
			var micros int64
			if err := r.Scan(&op.CashoutID, &debitVal, &debitFrac, &creditVal, &creditFrac,
				&op.Subject, &op.Aborted, &op.LocalTransaction, &micros); err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashout: scan list row: %w", err))
			}
			op.DebitAmount = amount.Amount{Val: debitVal, Frac: debitFrac}
			op.CreditAmount = amount.Amount{Val: creditVal, Frac: creditFrac}
			op.CreationTime = time.UnixMicro(micros)
			ops = append(ops, op)
		}
		return r.Err()
	})
	if berr, ok := err.(*bankerr.Error); ok {
		return nil, berr
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, err)
	}
	return ops, nil
}
