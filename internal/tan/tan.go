// Package tan implements component C5: the two-factor challenge lifecycle
// that conditionally blocks state-changing operations on sensitive
// accounts — code generation, expiration, retransmission throttling, and
// the retry counter (§4.6).
package tan

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/pkg/helpers"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Op names the operation a challenge gates, so `try` can hand back enough
// context for the caller to resume whatever it was doing.
type Op string

// Channel mirrors accounts.TanChannel without importing it, since tan has
// no dependency on the account registry.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Challenge is one row of libeufin_bank.tan_challenges.
type Challenge struct {
	ID               int64
	Body             string
	Op               Op
	Code             string
	Creation         time.Time
	Expiration       time.Time
	Retransmission   time.Time
	ConfirmationDate *time.Time
	RetryCounter     int
	CustomerID       int64
	OverrideChannel  Channel
	OverrideInfo     string
}

// Engine is the C5 challenge engine, backed by the shared pool.
type Engine struct {
	pool *dbx.Pool
	log  *logging.Logger
}

// New constructs an Engine.
func New(pool *dbx.Pool, log *logging.Logger) *Engine {
	return &Engine{pool: pool, log: log.Component("tan")}
}

// GenerateCode returns a digits-long random decimal code. The
// teacher's crypto/rand usage for secrets is the grounding for reaching
// for crypto/rand here rather than math/rand: a TAN code is a security
// credential, not cosmetic randomness.
func GenerateCode(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("tan: generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// Create inserts a new challenge gating op for customerID.
func (e *Engine) Create(ctx context.Context, customerID int64, op Op, body, code string, now time.Time, validity time.Duration, retries int, channel Channel, info string) (*Challenge, *bankerr.Error) {
	c := &Challenge{
		Body:            body,
		Op:              op,
		Code:            code,
		Creation:        now,
		Expiration:      now.Add(validity),
		Retransmission:  now,
		RetryCounter:    retries,
		CustomerID:      customerID,
		OverrideChannel: channel,
		OverrideInfo:    info,
	}

	err := e.pool.DB().QueryRowContext(ctx, `
		INSERT INTO libeufin_bank.tan_challenges
			(body, op, code, creation, expiration, retransmission, retry_counter, customer_id, override_channel, override_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,'')::libeufin_bank.tan_enum, NULLIF($10,''))
		RETURNING challenge_id
	`, c.Body, string(c.Op), c.Code, c.Creation.UnixMicro(), c.Expiration.UnixMicro(), c.Retransmission.UnixMicro(),
		c.RetryCounter, c.CustomerID, string(c.OverrideChannel), c.OverrideInfo).Scan(&c.ID)
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("tan: insert challenge: %w", err))
	}
	return c, nil
}

func (e *Engine) load(ctx context.Context, tx *sql.Tx, id int64) (*Challenge, *bankerr.Error) {
	var c Challenge
	var creation, expiration, retransmission int64
	var confirmation sql.NullInt64
	var channel sql.NullString
	var info sql.NullString

	err := tx.QueryRowContext(ctx, `
		SELECT challenge_id, body, op, code, creation, expiration, retransmission, confirmation_date,
		       retry_counter, customer_id, override_channel, override_info
		FROM libeufin_bank.tan_challenges WHERE challenge_id = $1 FOR UPDATE
	`, id).Scan(&c.ID, &c.Body, &c.Op, &c.Code, &creation, &expiration, &retransmission, &confirmation,
		&c.RetryCounter, &c.CustomerID, &channel, &info)
	if err == sql.ErrNoRows {
		return nil, bankerr.Precondition(bankerr.CodeUnknownOperation)
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("tan: load challenge: %w", err))
	}

	c.Creation = time.UnixMicro(creation)
	c.Expiration = time.UnixMicro(expiration)
	c.Retransmission = time.UnixMicro(retransmission)
	if confirmation.Valid {
		t := time.UnixMicro(confirmation.Int64)
		c.ConfirmationDate = &t
	}
	c.OverrideChannel = Channel(channel.String)
	c.OverrideInfo = info.String
	return &c, nil
}

// SendOutcome is send's result: either Code is non-empty and must be
// dispatched, or Suppress is true and the caller sends nothing because the
// retransmission window hasn't elapsed yet.
type SendOutcome struct {
	Code     string
	Channel  Channel
	Info     string
	Suppress bool
}

// Send resolves what send(id, ...) should hand the caller (§4.6): a
// refreshed code if the challenge is expired or exhausted and still
// unconfirmed, a suppressed send if retransmission hasn't elapsed, or the
// existing code otherwise.
func (e *Engine) Send(ctx context.Context, id int64, newCode string, now time.Time, validity time.Duration, retries int) (SendOutcome, *bankerr.Error) {
	var outcome SendOutcome
	txErr := e.pool.Serializable(ctx, func(tx *sql.Tx) error {
		c, berr := e.load(ctx, tx, id)
		if berr != nil {
			return berr
		}

		decision := decideSend(c, newCode, now, validity, retries)
		outcome = SendOutcome{Code: decision.code, Channel: c.OverrideChannel, Info: c.OverrideInfo, Suppress: decision.suppress}

		if decision.refresh {
			_, err := tx.ExecContext(ctx, `
				UPDATE libeufin_bank.tan_challenges
				SET code = $2, expiration = $3, retry_counter = $4
				WHERE challenge_id = $1
			`, id, decision.code, now.Add(validity).UnixMicro(), retries)
			if err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("tan: refresh challenge: %w", err))
			}
		}
		return nil
	})
	if txErr != nil {
		if be, ok := txErr.(*bankerr.Error); ok {
			return SendOutcome{}, be
		}
		return SendOutcome{}, bankerr.Fault(bankerr.CodeInvariantViolation, txErr)
	}
	return outcome, nil
}

// MarkSent sets the next retransmission timestamp.
func (e *Engine) MarkSent(ctx context.Context, id int64, now time.Time, retransmissionPeriod time.Duration) *bankerr.Error {
	_, err := e.pool.DB().ExecContext(ctx, `
		UPDATE libeufin_bank.tan_challenges SET retransmission = $2 WHERE challenge_id = $1
	`, id, now.Add(retransmissionPeriod).UnixMicro())
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("tan: mark sent: %w", err))
	}
	return nil
}

// TryOutcome is try's result (§4.6): Ok is true only when the code matched
// within the retry/expiration window, in which case Op/Body/Channel/Info
// let the caller resume the gated operation.
type TryOutcome struct {
	Ok      bool
	Code    bankerr.Code // set when Ok is false: NoOp, NoRetry, or Expired
	Op      Op
	Body    string
	Channel Channel
	Info    string
}

// Try checks the supplied code against challenge id, decrementing its
// retry counter regardless of outcome.
func (e *Engine) Try(ctx context.Context, id int64, code string, now time.Time) (TryOutcome, *bankerr.Error) {
	var outcome TryOutcome
	txErr := e.pool.Serializable(ctx, func(tx *sql.Tx) error {
		c, berr := e.load(ctx, tx, id)
		if berr != nil {
			if bankerr.Is(berr, bankerr.CodeUnknownOperation) {
				outcome = TryOutcome{Ok: false, Code: bankerr.CodeNoOp}
				return nil
			}
			return berr
		}

		newRetryCounter := c.RetryCounter - 1
		_, err := tx.ExecContext(ctx, `
			UPDATE libeufin_bank.tan_challenges SET retry_counter = $2 WHERE challenge_id = $1
		`, id, newRetryCounter)
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("tan: decrement retry: %w", err))
		}

		if c.ConfirmationDate != nil {
			// Write-once: a confirmed challenge never transitions back
			// (§4.6, §8 invariant 5).
			outcome = TryOutcome{Ok: true, Op: c.Op, Body: c.Body, Channel: c.OverrideChannel, Info: c.OverrideInfo}
			return nil
		}

		outcome = decideTry(c, newRetryCounter, code, now)
		if outcome.Ok {
			_, err := tx.ExecContext(ctx, `
				UPDATE libeufin_bank.tan_challenges SET confirmation_date = $2 WHERE challenge_id = $1
			`, id, now.UnixMicro())
			if err != nil {
				return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("tan: set confirmation: %w", err))
			}
		}
		return nil
	})
	if txErr != nil {
		if be, ok := txErr.(*bankerr.Error); ok {
			return TryOutcome{}, be
		}
		return TryOutcome{}, bankerr.Fault(bankerr.CodeInvariantViolation, txErr)
	}
	return outcome, nil
}

// sendDecision is decideSend's pure result, applied by Send under the
// challenge's transaction.
type sendDecision struct {
	code     string
	refresh  bool
	suppress bool
}

// decideSend implements send(id, ...)'s three-way branch (§4.6): refresh an
// expired-or-exhausted unconfirmed challenge with a fresh code, suppress
// the send if the retransmission window hasn't elapsed, or hand back the
// existing code unchanged. Split out as a pure function so it can be
// tested without a database.
func decideSend(c *Challenge, newCode string, now time.Time, validity time.Duration, retries int) sendDecision {
	exhausted := c.RetryCounter <= 0
	expired := !now.Before(c.Expiration)
	if c.ConfirmationDate == nil && (expired || exhausted) {
		return sendDecision{code: newCode, refresh: true}
	}
	if now.Before(c.Retransmission) {
		return sendDecision{suppress: true}
	}
	return sendDecision{code: c.Code}
}

// decideTry implements try(id, login, code, now) (§4.6): ok only when
// retries remain, the challenge hasn't expired, and the supplied code
// matches. newRetryCounter is the counter value after this call's
// unconditional decrement, already written by the caller in the same
// transaction.
func decideTry(c *Challenge, newRetryCounter int, code string, now time.Time) TryOutcome {
	if newRetryCounter <= 0 {
		return TryOutcome{Ok: false, Code: bankerr.CodeNoRetry}
	}
	if !now.Before(c.Expiration) {
		return TryOutcome{Ok: false, Code: bankerr.CodeExpired}
	}
	if !helpers.ConstantTimeCompare([]byte(code), []byte(c.Code)) {
		return TryOutcome{Ok: false}
	}
	return TryOutcome{Ok: true, Op: c.Op, Body: c.Body, Channel: c.OverrideChannel, Info: c.OverrideInfo}
}
