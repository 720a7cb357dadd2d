// Package withdrawal implements component C6: the wallet-initiated
// withdrawal state machine (pending -> selected -> confirmed, or -> aborted)
// with its long-poll status/info endpoints (§4.3).
package withdrawal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/ledger"
	"github.com/klingon-exchange/corebank/internal/notify"
	"github.com/klingon-exchange/corebank/internal/reserve"
	"github.com/klingon-exchange/corebank/internal/stats"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Status is the derived lifecycle stage of a withdrawal (§3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusSelected  Status = "selected"
	StatusConfirmed Status = "confirmed"
	StatusAborted   Status = "aborted"
)

// Withdrawal is one row of taler_withdrawal_operations.
type Withdrawal struct {
	UUID                  uuid.UUID
	WalletAccountID       int64
	Amount                amount.Amount
	SelectionDone         bool
	Aborted               bool
	ConfirmationDone      bool
	SelectedExchangePayto string
	ReservePub            string
	Subject               string
	CreationTime          time.Time
}

// Status derives the withdrawal's current lifecycle stage from its flags
// (§3's "pending -> selected -> confirmed" / "-> aborted").
func (w *Withdrawal) Status() Status {
	return deriveStatus(w.SelectionDone, w.ConfirmationDone, w.Aborted)
}

func deriveStatus(selectionDone, confirmationDone, aborted bool) Status {
	switch {
	case confirmationDone:
		return StatusConfirmed
	case aborted:
		return StatusAborted
	case selectionDone:
		return StatusSelected
	default:
		return StatusPending
	}
}

// Engine is the C6 withdrawal state machine, wrapping the shared ledger
// engine for its one transfer (confirm) and the notification bus for its
// long-poll endpoints.
type Engine struct {
	ledger *ledger.Engine
	bus    *notify.Bus
	log    *logging.Logger
}

// New constructs an Engine.
func New(ledgerEngine *ledger.Engine, bus *notify.Bus, log *logging.Logger) *Engine {
	return &Engine{ledger: ledgerEngine, bus: bus, log: log.Component("withdrawal")}
}

func scanWithdrawal(row *sql.Row) (*Withdrawal, *bankerr.Error) {
	var w Withdrawal
	var id string
	var valA uint64
	var fracA uint32
	var creation int64
	var selectedPayto, reservePub, subject sql.NullString

	err := row.Scan(&id, &w.WalletAccountID, &valA, &fracA, &w.SelectionDone, &w.Aborted, &w.ConfirmationDone,
		&selectedPayto, &reservePub, &subject, &creation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: scan: %w", err))
	}

	parsed, perr := uuid.Parse(id)
	if perr != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: parse uuid %s: %w", id, perr))
	}
	w.UUID = parsed
	w.Amount = amount.Amount{Val: valA, Frac: fracA}
	w.SelectedExchangePayto = selectedPayto.String
	w.ReservePub = reservePub.String
	w.Subject = subject.String
	w.CreationTime = time.UnixMicro(creation)
	return &w, nil
}

const withdrawalSelectCols = `
	withdrawal_uuid, wallet_bank_account, amount_val, amount_frac, selection_done, aborted,
	confirmation_done, selected_exchange_payto, reserve_pub, subject, creation_time
`

func (e *Engine) loadForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Withdrawal, *bankerr.Error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+withdrawalSelectCols+` FROM libeufin_bank.taler_withdrawal_operations
		WHERE withdrawal_uuid = $1 FOR UPDATE
	`, id.String())
	return scanWithdrawal(row)
}

func (e *Engine) load(ctx context.Context, id uuid.UUID) (*Withdrawal, *bankerr.Error) {
	row := e.ledger.Pool().DB().QueryRowContext(ctx, `
		SELECT `+withdrawalSelectCols+` FROM libeufin_bank.taler_withdrawal_operations
		WHERE withdrawal_uuid = $1
	`, id.String())
	return scanWithdrawal(row)
}

// Create inserts a new pending withdrawal for login's account (§4.3
// create). id is the wallet-supplied UUID; reuse of an id already on
// record is a client bug, surfaced as an internal fault.
func (e *Engine) Create(ctx context.Context, login string, id uuid.UUID, amt amount.Amount, now time.Time) (*Withdrawal, *bankerr.Error) {
	snap, berr := e.ledger.LookupByLogin(ctx, login)
	if berr != nil {
		return nil, berr
	}
	if snap == nil {
		return nil, bankerr.Precondition(bankerr.CodeUnknownAccount)
	}
	if snap.IsTalerExchange {
		return nil, bankerr.Precondition(bankerr.CodeAccountIsExchange)
	}
	if !ledger.CanDebit(snap.Balance, snap.HasDebt, snap.MaxDebt, amt) {
		return nil, bankerr.DomainOutcome(bankerr.CodeBalanceInsufficient)
	}

	w := &Withdrawal{UUID: id, WalletAccountID: snap.ID, Amount: amt, CreationTime: now}
	_, err := e.ledger.Pool().DB().ExecContext(ctx, `
		INSERT INTO libeufin_bank.taler_withdrawal_operations
			(withdrawal_uuid, wallet_bank_account, amount_val, amount_frac, creation_time)
		VALUES ($1, $2, $3, $4, $5)
	`, id.String(), snap.ID, amt.Val, amt.Frac, now.UnixMicro())
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: insert: %w", err))
	}
	return w, nil
}

// SetDetails implements pending -> selected (§4.3 setDetails). A replay
// with identical exchangePayto/reservePub is idempotent; any other
// mismatch while already selected is AlreadySelected.
func (e *Engine) SetDetails(ctx context.Context, id uuid.UUID, exchangePayto, reservePubHex string, now time.Time) *bankerr.Error {
	txErr := e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		w, berr := e.loadForUpdate(ctx, tx, id)
		if berr != nil {
			return berr
		}
		if w == nil {
			return bankerr.Precondition(bankerr.CodeUnknownOperation)
		}
		if w.Aborted {
			return bankerr.Precondition(bankerr.CodeUnknownOperation)
		}

		if w.SelectionDone {
			if w.SelectedExchangePayto == exchangePayto && w.ReservePub == reservePubHex {
				return nil // idempotent replay
			}
			return bankerr.Conflict(bankerr.CodeAlreadySelected)
		}

		inUse, berr := reserve.InUse(ctx, tx, reservePubHex)
		if berr != nil {
			return berr
		}
		if inUse {
			return bankerr.Conflict(bankerr.CodeRequestPubReuse)
		}

		exchange, berr := e.ledger.LookupByPayto(ctx, exchangePayto)
		if berr != nil {
			return berr
		}
		if exchange == nil {
			return bankerr.Precondition(bankerr.CodeUnknownAccount)
		}
		if !exchange.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeAccountIsNotExchange)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE libeufin_bank.taler_withdrawal_operations
			SET selection_done = TRUE, selected_exchange_payto = $2, reserve_pub = $3
			WHERE withdrawal_uuid = $1
		`, id.String(), exchangePayto, reservePubHex); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: set details: %w", err))
		}

		return notifyStatus(ctx, tx, id, StatusSelected)
	})
	return asBankErr(txErr)
}

// Abort implements pending|selected -> aborted (§4.3 abort). Aborting an
// already-aborted withdrawal is a no-op; aborting a confirmed one is
// AlreadyConfirmed.
func (e *Engine) Abort(ctx context.Context, id uuid.UUID, now time.Time) *bankerr.Error {
	txErr := e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		w, berr := e.loadForUpdate(ctx, tx, id)
		if berr != nil {
			return berr
		}
		if w == nil {
			return bankerr.Precondition(bankerr.CodeUnknownOperation)
		}
		if w.ConfirmationDone {
			return bankerr.Conflict(bankerr.CodeAlreadyConfirmed)
		}
		if w.Aborted {
			return nil // idempotent replay
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE libeufin_bank.taler_withdrawal_operations SET aborted = TRUE WHERE withdrawal_uuid = $1
		`, id.String()); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: abort: %w", err))
		}

		return notifyStatus(ctx, tx, id, StatusAborted)
	})
	return asBankErr(txErr)
}

// Confirm implements selected -> confirmed (§4.3 confirm): posts the
// ledger transfer debiting the wallet account and crediting the selected
// exchange, and registers that credit as an incoming reserve. A replay against an
// already-confirmed uuid is silently idempotent (§9 Open Question
// decision): no second transfer, the original outcome is implied by the
// lack of an error.
func (e *Engine) Confirm(ctx context.Context, id uuid.UUID, now time.Time, is2FA bool) *bankerr.Error {
	txErr := e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		w, berr := e.loadForUpdate(ctx, tx, id)
		if berr != nil {
			return berr
		}
		if w == nil {
			return bankerr.Precondition(bankerr.CodeUnknownOperation)
		}
		if w.ConfirmationDone {
			return nil // silently idempotent replay
		}
		if w.Aborted {
			return bankerr.Conflict(bankerr.CodeAlreadyAborted)
		}
		if !w.SelectionDone {
			return bankerr.Conflict(bankerr.CodeNotSelected)
		}

		exchange, berr := e.ledger.LookupByPayto(ctx, w.SelectedExchangePayto)
		if berr != nil {
			return berr
		}
		if exchange == nil || !exchange.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeUnknownExchange)
		}

		wallet, berr := e.ledger.LookupByID(ctx, w.WalletAccountID)
		if berr != nil {
			return berr
		}
		if wallet == nil {
			return bankerr.Precondition(bankerr.CodeUnknownAccount)
		}
		if wallet.TanChannel != "" && !is2FA {
			return bankerr.TanRequired(wallet.TanChannel, "")
		}

		subject := fmt.Sprintf("Taler withdrawal %s", w.ReservePub)
		result, berr := e.ledger.Transfer(ctx, tx, exchange.ID, wallet.ID, subject, w.Amount, now)
		if berr != nil {
			return berr
		}

		if berr := reserve.Register(ctx, tx, w.ReservePub, result.CreditRow, now); berr != nil {
			return berr
		}

		if berr := stats.RecordTalerIn(ctx, tx, w.Amount, now); berr != nil {
			return berr
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE libeufin_bank.taler_withdrawal_operations
			SET confirmation_done = TRUE, subject = $2 WHERE withdrawal_uuid = $1
		`, id.String(), subject); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: confirm: %w", err))
		}

		return notifyStatus(ctx, tx, id, StatusConfirmed)
	})
	return asBankErr(txErr)
}

func notifyStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status Status) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_notify('withdrawal_status', $1)`,
		fmt.Sprintf("%s %s", id.String(), status))
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("withdrawal: notify status: %w", err))
	}
	return nil
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
