// Package gc implements component C12: the background sweep that retires
// stale withdrawals and deletes records that have aged past their
// configured retention window (§4.9). Grounded on the teacher's
// internal/node.RetryWorker: a ticker-driven background loop with an
// initial run on startup and independent, individually-logged sweep
// steps.
package gc

import (
	"context"
	"database/sql"
	"time"

	"github.com/klingon-exchange/corebank/internal/config"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Sweeper periodically runs the four garbage-collection steps against the
// shared pool.
type Sweeper struct {
	pool   *dbx.Pool
	cfg    config.GCConfig
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Sweeper. It does not start the background loop; call Start.
func New(pool *dbx.Pool, cfg config.GCConfig, log *logging.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		pool:   pool,
		cfg:    cfg,
		log:    log.Component("gc"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.run()
	s.log.Info("gc sweeper started", "interval", s.cfg.Interval)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.cancel()
	s.log.Info("gc sweeper stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.sweepOnce(time.Now())

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(time.Now())
		}
	}
}

// sweepOnce runs all four steps in order, logging failures but not
// letting one step's error abort the rest; each step is independently
// idempotent (§4.9), so a failed run is simply retried on the next tick.
func (s *Sweeper) sweepOnce(now time.Time) {
	aborted, err := AbortStaleWithdrawals(s.ctx, s.pool.DB(), now, s.cfg.AbortAfter)
	if err != nil {
		s.log.Warn("abort stale withdrawals failed", "error", err)
	} else if aborted > 0 {
		s.log.Info("aborted stale withdrawals", "count", aborted)
	}

	challenges, tokens, withdrawals, err := CleanExpired(s.ctx, s.pool.DB(), now, s.cfg.CleanAfter)
	if err != nil {
		s.log.Warn("clean expired records failed", "error", err)
	} else if challenges+tokens+withdrawals > 0 {
		s.log.Info("cleaned expired records", "challenges", challenges, "tokens", tokens, "withdrawals", withdrawals)
	}

	txDeleted, err := DeleteAgedTransactions(s.ctx, s.pool.DB(), now, s.cfg.DeleteAfter)
	if err != nil {
		s.log.Warn("delete aged transactions failed", "error", err)
	} else if txDeleted > 0 {
		s.log.Info("deleted aged transactions", "count", txDeleted)
	}

	customers, err := HardDeleteCustomers(s.ctx, s.pool.DB())
	if err != nil {
		s.log.Warn("hard delete customers failed", "error", err)
	} else if customers > 0 {
		s.log.Info("hard deleted customers", "count", customers)
	}
}

// AbortStaleWithdrawals marks as aborted every withdrawal still pending
// selection or confirmation and older than now−abortAfter (§4.9 step 1).
func AbortStaleWithdrawals(ctx context.Context, db *sql.DB, now time.Time, abortAfter time.Duration) (int64, error) {
	threshold := now.Add(-abortAfter).UnixMicro()
	res, err := db.ExecContext(ctx, `
		UPDATE libeufin_bank.taler_withdrawal_operations
		SET aborted = TRUE
		WHERE aborted = FALSE AND confirmation_done = FALSE AND creation_time < $1
	`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanExpired deletes aborted withdrawals, TAN challenges, and bearer
// tokens that crossed the clean_after threshold (§4.9 step 2). A
// withdrawal is eligible once it has been aborted; it doesn't matter how
// long ago relative to clean_after it was aborted versus created, since
// abortion is itself gated by abort_after and clean_after >= abort_after
// in any sane configuration.
func CleanExpired(ctx context.Context, db *sql.DB, now time.Time, cleanAfter time.Duration) (challenges, tokens, withdrawals int64, err error) {
	threshold := now.Add(-cleanAfter).UnixMicro()

	res, err := db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.taler_withdrawal_operations
		WHERE aborted = TRUE AND creation_time < $1
	`, threshold)
	if err != nil {
		return 0, 0, 0, err
	}
	withdrawals, err = res.RowsAffected()
	if err != nil {
		return 0, 0, 0, err
	}

	res, err = db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.tan_challenges WHERE expiration < $1
	`, threshold)
	if err != nil {
		return 0, 0, withdrawals, err
	}
	challenges, err = res.RowsAffected()
	if err != nil {
		return 0, 0, withdrawals, err
	}

	res, err = db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.bearer_tokens WHERE expiration < $1
	`, threshold)
	if err != nil {
		return challenges, 0, withdrawals, err
	}
	tokens, err = res.RowsAffected()
	if err != nil {
		return challenges, 0, withdrawals, err
	}

	return challenges, tokens, withdrawals, nil
}

// DeleteAgedTransactions deletes bank transactions older than
// now−deleteAfter (§4.9 step 3). Idempotency records and exchange
// incoming/outgoing rows referencing a deleted transaction are removed
// first, since the schema doesn't declare ON DELETE CASCADE on those
// foreign keys.
func DeleteAgedTransactions(ctx context.Context, db *sql.DB, now time.Time, deleteAfter time.Duration) (int64, error) {
	threshold := now.Add(-deleteAfter).UnixMicro()

	if _, err := db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.idempotency_records
		WHERE bank_transaction_id IN (
			SELECT bank_transaction_id FROM libeufin_bank.bank_transactions WHERE transaction_date < $1
		)
	`, threshold); err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.taler_exchange_outgoing
		WHERE bank_transaction_id IN (
			SELECT bank_transaction_id FROM libeufin_bank.bank_transactions WHERE transaction_date < $1
		)
	`, threshold); err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.taler_exchange_incoming
		WHERE bank_transaction_id IN (
			SELECT bank_transaction_id FROM libeufin_bank.bank_transactions WHERE transaction_date < $1
		)
	`, threshold); err != nil {
		return 0, err
	}

	res, err := db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.bank_transactions WHERE transaction_date < $1
	`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HardDeleteCustomers removes soft-deleted customers (and their now-empty
// bank account) once no bank_transactions row references their account
// (§4.9 step 4).
func HardDeleteCustomers(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.bank_accounts
		WHERE customer_id IN (
			SELECT customer_id FROM libeufin_bank.customers WHERE deleted_at IS NOT NULL
		)
		AND bank_account_id NOT IN (
			SELECT debtor_account_id FROM libeufin_bank.bank_transactions
			UNION
			SELECT creditor_account_id FROM libeufin_bank.bank_transactions
		)
	`)
	if err != nil {
		return 0, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return 0, err
	}

	res, err = db.ExecContext(ctx, `
		DELETE FROM libeufin_bank.customers
		WHERE deleted_at IS NOT NULL
		AND customer_id NOT IN (SELECT customer_id FROM libeufin_bank.bank_accounts)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
