// Package cashin implements component C9: converting a committed fiat
// incoming transaction into a regional credit. The teacher's schema
// models this as a database trigger firing on insertion into
// talerable_incoming_transactions (§4.5); the fiat adapter that performs
// that insertion is out of scope, so this package instead polls the
// boundary table the way the teacher's internal/node.RetryWorker polls
// its outbox, processing each unprocessed row exactly once.
package cashin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/config"
	"github.com/klingon-exchange/corebank/internal/ledger"
	"github.com/klingon-exchange/corebank/internal/reserve"
	"github.com/klingon-exchange/corebank/internal/stats"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// PollInterval is the default spacing between sweeps when none is given
// to Start.
const PollInterval = 5 * time.Second

// BatchSize bounds how many pending fiat rows a single sweep processes.
const BatchSize = 50

// Engine polls libeufin_nexus.talerable_incoming_transactions and posts
// the corresponding regional credit for each unprocessed row.
type Engine struct {
	ledger     *ledger.Engine
	conversion *config.ConversionConfig
	adminLogin string
	exchangeResolver func(ctx context.Context, debitPayto string) (exchangeLogin string, ok bool)
	log        *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Engine. exchangeResolver maps the fiat row's debit_payto
// (the sender's fiat account reference, carried over by the adapter) to
// the regional exchange account login it should credit; a cashin row
// whose resolver returns ok=false is treated as §4.5's no_account outcome.
func New(ledgerEngine *ledger.Engine, conversion *config.ConversionConfig, adminLogin string, resolver func(ctx context.Context, debitPayto string) (string, bool), log *logging.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ledger: ledgerEngine, conversion: conversion, adminLogin: adminLogin,
		exchangeResolver: resolver, log: log.Component("cashin"),
		ctx: ctx, cancel: cancel,
	}
}

// Start launches the polling loop in a background goroutine.
func (e *Engine) Start(interval time.Duration) {
	if interval <= 0 {
		interval = PollInterval
	}
	go e.run(interval)
	e.log.Info("cashin poller started", "interval", interval)
}

// Stop halts the polling loop.
func (e *Engine) Stop() {
	e.cancel()
	e.log.Info("cashin poller stopped")
}

func (e *Engine) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.ProcessPending(e.ctx, time.Now()); err != nil {
				e.log.Warn("cashin sweep failed", "error", err)
			}
		}
	}
}

// incomingRow is one pending fiat credit.
type incomingRow struct {
	ID          int64
	FiatAmount  amount.Amount
	DebitPayto  string
	Subject     string
	BookingTime time.Time
}

// ProcessPending processes up to BatchSize unprocessed rows, each in its
// own transaction so one row's hard error doesn't block the rest.
func (e *Engine) ProcessPending(ctx context.Context, now time.Time) error {
	rows, err := e.loadPending(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if berr := e.processOne(ctx, row, now); berr != nil {
			e.log.Warn("cashin row failed, will retry", "incoming_id", row.ID, "error", berr)
		}
	}
	return nil
}

func (e *Engine) loadPending(ctx context.Context) ([]incomingRow, error) {
	rows, err := e.ledger.Pool().DB().QueryContext(ctx, `
		SELECT incoming_id, fiat_amount_val, fiat_amount_frac, debit_payto, subject, booking_time
		FROM libeufin_nexus.talerable_incoming_transactions
		WHERE processed = FALSE
		ORDER BY incoming_id ASC
		LIMIT $1
	`, BatchSize)
	if err != nil {
		return nil, fmt.Errorf("cashin: load pending: %w", err)
	}
	defer rows.Close()

	var out []incomingRow
	for rows.Next() {
		var r incomingRow
		var val uint64
		var frac uint32
		var booking int64
		if err := rows.Scan(&r.ID, &val, &frac, &r.DebitPayto, &r.Subject, &booking); err != nil {
			return nil, fmt.Errorf("cashin: scan pending: %w", err)
		}
		r.FiatAmount = amount.Amount{Val: val, Frac: frac}
		r.BookingTime = time.UnixMicro(booking)
		out = append(out, r)
	}
	return out, rows.Err()
}

// processOne handles one incoming fiat row (§4.5 "Cashin"): too_small
// bounces the same fiat amount back out and marks the row processed;
// no_config/no_account/balance_insufficient leave the row unprocessed for
// a later retry, mirroring the trigger's "hard error aborts the insert"
// by never marking it done; otherwise it posts the regional credit and
// registers it as an incoming reserve.
func (e *Engine) processOne(ctx context.Context, row incomingRow, now time.Time) *bankerr.Error {
	outcome, berr := amount.To(e.conversion, config.DirectionCashin, row.FiatAmount)
	if berr != nil {
		return berr
	}

	return asBankErr(e.ledger.Pool().Serializable(ctx, func(tx *sql.Tx) error {
		if outcome.TooSmall {
			if err := bounceFiat(ctx, tx, row, now); err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashin: bounce: %w", err))
			}
			return markProcessed(ctx, tx, row.ID)
		}
		if outcome.NoConfig {
			return bankerr.Conflict(bankerr.CodeBadConversion)
		}

		exchangeLogin, ok := e.exchangeResolver(ctx, row.DebitPayto)
		if !ok {
			return bankerr.Precondition(bankerr.CodeUnknownExchange)
		}

		admin, berr := e.ledger.LookupByLogin(ctx, e.adminLogin)
		if berr != nil {
			return berr
		}
		if admin == nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashin: admin account %q missing", e.adminLogin))
		}
		exchange, berr := e.ledger.LookupByLogin(ctx, exchangeLogin)
		if berr != nil {
			return berr
		}
		if exchange == nil {
			return bankerr.Precondition(bankerr.CodeUnknownExchange)
		}

		result, berr := e.ledger.Transfer(ctx, tx, exchange.ID, admin.ID, row.Subject, outcome.Amount, now)
		if berr != nil {
			return berr
		}

		reservePub, ok := decodeReservePub(row.Subject)
		if ok {
			if berr := reserve.Register(ctx, tx, reservePub, result.CreditRow, now); berr != nil {
				return berr
			}
		}

		if berr := stats.RecordCashin(ctx, tx, outcome.Amount, row.FiatAmount, now); berr != nil {
			return berr
		}

		return markProcessed(ctx, tx, row.ID)
	}))
}

// decodeReservePub extracts a reserve public key from the fiat subject
// when present. §4.5 doesn't name a dedicated field for it on the
// boundary table, so like the manual bank transaction path it's read out
// of the free-form subject; a subject without one still completes the
// credit, just without an incoming-reserve registration.
func decodeReservePub(subject string) (string, bool) {
	if len(subject) != 64 {
		return "", false
	}
	for _, c := range subject {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return "", false
		}
	}
	return subject, true
}

// bounceFiat posts a fiat-side refund of the same amount back to the
// sender, with no cashout_operations row behind it since nothing was ever
// debited on the regional side (§4.5 "posts a fiat bounce request for the
// same amount and swallows the signal").
func bounceFiat(ctx context.Context, tx *sql.Tx, row incomingRow, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO libeufin_nexus.initiated_outgoing_transaction
			(request_uid, cashout_id, credit_payto, fiat_amount_val, fiat_amount_frac, subject, creation_time)
		VALUES ($1, NULL, $2, $3, $4, $5, $6)
	`, uuid.NewString(), row.DebitPayto, row.FiatAmount.Val, row.FiatAmount.Frac,
		"Bounce: amount below cashin minimum", now.UnixMicro())
	return err
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

func markProcessed(ctx context.Context, tx *sql.Tx, id int64) *bankerr.Error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE libeufin_nexus.talerable_incoming_transactions SET processed = TRUE WHERE incoming_id = $1
	`, id); err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("cashin: mark processed: %w", err))
	}
	return nil
}
