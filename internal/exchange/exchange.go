// Package exchange implements component C7: the gateway an exchange
// account uses to post a WTID-keyed outgoing transfer or register a
// reserve-pub-keyed incoming credit, each wrapping one C2 post in the
// same transaction as its own bookkeeping row.
package exchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/ledger"
	"github.com/klingon-exchange/corebank/internal/notify"
	"github.com/klingon-exchange/corebank/internal/reserve"
	"github.com/klingon-exchange/corebank/internal/stats"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Engine wires the gateway's two operations to the ledger and the
// notification bus.
type Engine struct {
	ledger *ledger.Engine
	bus    *notify.Bus
	log    *logging.Logger
}

// New builds an Engine.
func New(ledgerEngine *ledger.Engine, bus *notify.Bus, log *logging.Logger) *Engine {
	return &Engine{ledger: ledgerEngine, bus: bus, log: log.Component("exchange")}
}

// TransferRequest carries the outgoing transfer's parameters (§4.4).
type TransferRequest struct {
	RequestUID      string
	WTID            string
	Subject         string
	Amount          amount.Amount
	ExchangeBaseURL string
	CreditPayto     string
	Login           string
	Now             time.Time
}

// outgoingRow mirrors a stored taler_exchange_outgoing record, used both
// to detect a replay and to echo it back unchanged.
type outgoingRow struct {
	BankTransactionID int64
	CreationTime      time.Time
}

// Transfer posts an outgoing exchange transfer: login must own an account
// flagged is_taler_exchange. Idempotent on RequestUID: an identical replay
// returns the original row id and timestamp; a replay with a different
// payload is a conflict (§4.4).
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (ledger.Result, *bankerr.Error) {
	var result ledger.Result
	txErr := e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		debtor, berr := e.ledger.LookupByLogin(ctx, req.Login)
		if berr != nil {
			return berr
		}
		if debtor == nil {
			return bankerr.Precondition(bankerr.CodeUnknownExchange)
		}
		if !debtor.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeNotAnExchange)
		}

		creditor, berr := e.ledger.LookupByPayto(ctx, req.CreditPayto)
		if berr != nil {
			return berr
		}
		if creditor == nil {
			return bankerr.Precondition(bankerr.CodeUnknownCreditor)
		}
		if creditor.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeBothPartyAreExchange)
		}

		existing, berr := lookupOutgoing(ctx, tx, req.RequestUID)
		if berr != nil {
			return berr
		}
		if existing != nil {
			matches, berr := outgoingBodyMatches(ctx, tx, req, existing.BankTransactionID)
			if berr != nil {
				return berr
			}
			if !matches {
				return bankerr.Conflict(bankerr.CodeReserveUidReuse)
			}
			result = ledger.Result{DebitRow: existing.BankTransactionID, Timestamp: existing.CreationTime}
			return nil
		}

		r, berr := e.ledger.Transfer(ctx, tx, creditor.ID, debtor.ID, req.Subject, req.Amount, req.Now)
		if berr != nil {
			return berr
		}

		if err := insertOutgoing(ctx, tx, req, r.DebitRow); err != nil {
			return err
		}
		if berr := stats.RecordTalerOut(ctx, tx, req.Amount, req.Now); berr != nil {
			return berr
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify('outgoing_tx', $1)`,
			fmt.Sprintf("%d %d %d %d", debtor.ID, creditor.ID, r.DebitRow, r.CreditRow)); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: notify outgoing_tx: %w", err))
		}

		result = r
		return nil
	})
	if berr := asBankErr(txErr); berr != nil {
		return ledger.Result{}, berr
	}
	return result, nil
}

func lookupOutgoing(ctx context.Context, tx *sql.Tx, requestUID string) (*outgoingRow, *bankerr.Error) {
	var row outgoingRow
	var creation int64
	err := tx.QueryRowContext(ctx, `
		SELECT bank_transaction_id, creation_time FROM libeufin_bank.taler_exchange_outgoing
		WHERE request_uid = $1
	`, requestUID).Scan(&row.BankTransactionID, &creation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: lookup outgoing: %w", err))
	}
	row.CreationTime = time.UnixMicro(creation)
	return &row, nil
}

// outgoingBodyMatches compares the stored payload for an existing
// request_uid against the incoming request, distinguishing an exact
// replay from a differing reuse the way internal/idempotency does for
// manual bank transactions.
func outgoingBodyMatches(ctx context.Context, tx *sql.Tx, req TransferRequest, bankTransactionID int64) (bool, *bankerr.Error) {
	var wtid, exchangeBaseURL, subject string
	var amtVal uint64
	var amtFrac uint32
	err := tx.QueryRowContext(ctx, `
		SELECT o.wtid, o.exchange_base_url, t.subject, t.amount_val, t.amount_frac
		FROM libeufin_bank.taler_exchange_outgoing o
		JOIN libeufin_bank.bank_transactions t ON t.bank_transaction_id = o.bank_transaction_id
		WHERE o.bank_transaction_id = $1
	`, bankTransactionID).Scan(&wtid, &exchangeBaseURL, &subject, &amtVal, &amtFrac)
	if err != nil {
		return false, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: load outgoing body: %w", err))
	}
	stored := outgoingBody{
		WTID: wtid, ExchangeBaseURL: exchangeBaseURL, Subject: subject,
		Amount: amount.Amount{Val: amtVal, Frac: amtFrac},
	}
	return stored.matches(req), nil
}

// outgoingBody is the subset of a stored outgoing transfer's payload
// compared against a replayed request.
type outgoingBody struct {
	WTID            string
	ExchangeBaseURL string
	Subject         string
	Amount          amount.Amount
}

func (b outgoingBody) matches(req TransferRequest) bool {
	return b.WTID == req.WTID && b.ExchangeBaseURL == req.ExchangeBaseURL && b.Subject == req.Subject &&
		b.Amount.Val == req.Amount.Val && b.Amount.Frac == req.Amount.Frac
}

func insertOutgoing(ctx context.Context, tx *sql.Tx, req TransferRequest, bankTransactionID int64) *bankerr.Error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO libeufin_bank.taler_exchange_outgoing
			(request_uid, wtid, exchange_base_url, bank_transaction_id, creation_time)
		VALUES ($1, $2, $3, $4, $5)
	`, req.RequestUID, req.WTID, req.ExchangeBaseURL, bankTransactionID, req.Now.UnixMicro())
	if isUniqueViolation(err) {
		return bankerr.Conflict(bankerr.CodeReserveUidReuse)
	}
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: insert outgoing: %w", err))
	}
	return nil
}

// AddIncomingRequest carries the incoming reserve registration's
// parameters (§4.4): a transfer from DebtorPayto to the exchange account
// named by Login, registered under ReservePubHex.
type AddIncomingRequest struct {
	DebtorPayto   string
	ReservePubHex string
	Subject       string
	Amount        amount.Amount
	Login         string
	Now           time.Time
}

// AddIncoming posts an incoming reserve credit and registers it. Login
// must own an is_taler_exchange account; the debtor is resolved by payto.
func (e *Engine) AddIncoming(ctx context.Context, req AddIncomingRequest) (ledger.Result, *bankerr.Error) {
	var result ledger.Result
	txErr := e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		exchange, berr := e.ledger.LookupByLogin(ctx, req.Login)
		if berr != nil {
			return berr
		}
		if exchange == nil {
			return bankerr.Precondition(bankerr.CodeUnknownExchange)
		}
		if !exchange.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeNotAnExchange)
		}

		debtor, berr := e.ledger.LookupByPayto(ctx, req.DebtorPayto)
		if berr != nil {
			return berr
		}
		if debtor == nil {
			return bankerr.Precondition(bankerr.CodeUnknownDebtor)
		}
		if debtor.IsTalerExchange {
			return bankerr.Precondition(bankerr.CodeBothPartyAreExchange)
		}

		r, berr := e.ledger.Transfer(ctx, tx, exchange.ID, debtor.ID, req.Subject, req.Amount, req.Now)
		if berr != nil {
			return berr
		}

		if berr := reserve.Register(ctx, tx, req.ReservePubHex, r.CreditRow, req.Now); berr != nil {
			return berr
		}
		if berr := stats.RecordTalerIn(ctx, tx, req.Amount, req.Now); berr != nil {
			return berr
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify('incoming_tx', $1)`,
			fmt.Sprintf("%d %d", exchange.ID, r.CreditRow)); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("exchange: notify incoming_tx: %w", err))
		}

		result = r
		return nil
	})
	if berr := asBankErr(txErr); berr != nil {
		return ledger.Result{}, berr
	}
	return result, nil
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

func isUniqueViolation(err error) bool {
	type pqErrorCoder interface{ SQLState() string }
	pe, ok := err.(pqErrorCoder)
	return ok && pe.SQLState() == "23505"
}
