// Package dbx wraps the Postgres connection pool the rest of the bank core
// shares: schema bootstrap, a serializable-transaction-with-retry helper,
// and the whitelisted dynamic UPDATE builder §9's Design Notes call for.
package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/config"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Pool wraps a *sql.DB configured for the bank core's Postgres schema.
type Pool struct {
	db  *sql.DB
	dsn string
	log *logging.Logger

	serializationRetries int
	serializationBackoff time.Duration
}

// Open connects to Postgres, applies pool sizing from cfg, and verifies
// connectivity with a ping before returning.
func Open(cfg *config.DatabaseConfig, log *logging.Logger) (*Pool, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("dbx: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbx: pinging database: %w", err)
	}

	p := &Pool{
		db:                    db,
		dsn:                   cfg.DSN,
		log:                   log,
		serializationRetries:  cfg.SerializationRetries,
		serializationBackoff:  cfg.SerializationBackoff,
	}

	if err := p.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbx: initializing schema: %w", err)
	}

	return p, nil
}

// Close closes the underlying pool.
func (p *Pool) Close() error { return p.db.Close() }

// DB returns the underlying *sql.DB for callers that run statements
// outside a Serializable transaction.
func (p *Pool) DB() *sql.DB { return p.db }

// DSN returns the connection string the pool was opened with.
func (p *Pool) DSN() string { return p.dsn }

// pqSerializationFailure is Postgres error code 40001.
const pqSerializationFailure = "40001"

// isSerializationFailure reports whether err is a Postgres serialization
// conflict (SQLSTATE 40001), the only condition §5 says is retried.
func isSerializationFailure(err error) bool {
	type pqErrorCoder interface{ SQLState() string }
	if pe, ok := err.(pqErrorCoder); ok {
		return pe.SQLState() == pqSerializationFailure
	}
	// Fall back to substring match for wrapped driver errors, since some
	// pooling layers stringify rather than preserve the typed error.
	return err != nil && len(err.Error()) > 0 && containsCode(err.Error(), pqSerializationFailure)
}

func containsCode(s, code string) bool {
	for i := 0; i+len(code) <= len(s); i++ {
		if s[i:i+len(code)] == code {
			return true
		}
	}
	return false
}

// Serializable runs fn inside a serializable-isolation transaction,
// retrying with bounded backoff if the transaction observes a
// serialization conflict (§5). fn must not retain tx past its return.
// Domain errors (anything fn returns that isn't a serialization conflict)
// are never retried.
func (p *Pool) Serializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.serializationRetries; attempt++ {
		if attempt > 0 {
			backoff := p.serializationBackoff * time.Duration(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("dbx: begin tx: %w", err))
		}

		err = fn(tx)
		if err == nil {
			if cErr := tx.Commit(); cErr != nil {
				if isSerializationFailure(cErr) {
					lastErr = cErr
					p.log.Debug("serialization conflict on commit, retrying", "attempt", attempt)
					continue
				}
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("dbx: commit: %w", cErr))
			}
			return nil
		}

		tx.Rollback()
		if isSerializationFailure(err) {
			lastErr = err
			p.log.Debug("serialization conflict, retrying", "attempt", attempt)
			continue
		}
		// Domain errors (bankerr.Error) and everything else propagate
		// immediately; only a serialization conflict is retried.
		return err
	}
	p.log.Warn("exhausted serialization retries", "retries", p.serializationRetries, "last_error", lastErr)
	return bankerr.RetryableInfra(bankerr.CodeSerializationConflict)
}

// ReadOnly runs fn in a read-only transaction at the driver's default
// (weakest) isolation level, per §5's "reads that do not write use the
// weakest isolation the driver offers".
func (p *Pool) ReadOnly(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("dbx: begin read tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
