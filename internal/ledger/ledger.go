// Package ledger implements component C2: the double-entry transfer
// engine every other component's ledger post funnels through (§4.2), plus
// the bank_transaction wrapper that resolves a creditor by payto, gates on
// TAN, indexes request_uid idempotency, and bounces malformed or
// colliding exchange credits.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/internal/idempotency"
	"github.com/klingon-exchange/corebank/internal/notify"
	"github.com/klingon-exchange/corebank/internal/reserve"
	"github.com/klingon-exchange/corebank/pkg/helpers"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// Engine is the C2 ledger, backed by the shared pool. adminLogin names the
// reserved account that may never be a transfer's creditor (§4.2). bus is
// the C10 notification bus the long-poll history read (§4.7) subscribes
// to; Transfer itself still posts directly via pg_notify so every writer
// stays a plain SQL statement within the caller's own transaction.
type Engine struct {
	pool       *dbx.Pool
	bus        *notify.Bus
	log        *logging.Logger
	adminLogin string
}

// New constructs an Engine.
func New(pool *dbx.Pool, bus *notify.Bus, log *logging.Logger, adminLogin string) *Engine {
	return &Engine{pool: pool, bus: bus, log: log.Component("ledger"), adminLogin: adminLogin}
}

// Pool returns the shared pool, for orchestrating components (withdrawal,
// exchange, cashout/cashin) that wrap their own bookkeeping rows and a
// Transfer call in one Serializable transaction.
func (e *Engine) Pool() *dbx.Pool { return e.pool }

// accountRow is the row shape every lookup in this package needs: enough
// to compute a transfer outcome and to resolve identity for error
// reporting and the TAN gate.
type accountRow struct {
	ID              int64
	CustomerID      int64
	Login           string
	PaytoURI        string
	IsTalerExchange bool
	Balance         amount.Amount
	HasDebt         bool
	MaxDebt         amount.Amount
	TanChannel      string
}

func scanAccountRow(row *sql.Row) (*accountRow, *bankerr.Error) {
	var a accountRow
	var balVal, maxVal uint64
	var balFrac, maxFrac uint32
	var tanChannel sql.NullString
	err := row.Scan(&a.ID, &a.CustomerID, &a.Login, &a.PaytoURI, &a.IsTalerExchange,
		&balVal, &balFrac, &a.HasDebt, &maxVal, &maxFrac, &tanChannel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: scan account: %w", err))
	}
	a.Balance = amount.Amount{Val: balVal, Frac: balFrac}
	a.MaxDebt = amount.Amount{Val: maxVal, Frac: maxFrac}
	a.TanChannel = tanChannel.String
	return &a, nil
}

const accountSelectCols = `
	a.bank_account_id, a.customer_id, c.login, a.internal_payto_uri, a.is_taler_exchange,
	a.balance_val, a.balance_frac, a.has_debt, a.max_debt_val, a.max_debt_frac, c.tan_channel
`

func (e *Engine) loadForUpdateByID(ctx context.Context, tx *sql.Tx, id int64) (*accountRow, *bankerr.Error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+accountSelectCols+`
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE a.bank_account_id = $1 FOR UPDATE
	`, id)
	return scanAccountRow(row)
}

func (e *Engine) loadForUpdateByLogin(ctx context.Context, tx *sql.Tx, login string) (*accountRow, *bankerr.Error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+accountSelectCols+`
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE c.login = $1 AND c.deleted_at IS NULL FOR UPDATE
	`, login)
	return scanAccountRow(row)
}

func (e *Engine) loadForUpdateByPayto(ctx context.Context, tx *sql.Tx, payto string) (*accountRow, *bankerr.Error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+accountSelectCols+`
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE a.internal_payto_uri = $1 AND c.deleted_at IS NULL FOR UPDATE
	`, payto)
	return scanAccountRow(row)
}

// lockPair locks both accounts FOR UPDATE in ascending id order, so two
// transfers moving money between the same pair of accounts in opposite
// directions never deadlock on lock order.
func (e *Engine) lockPair(ctx context.Context, tx *sql.Tx, creditorID, debtorID int64) (creditor, debtor *accountRow, berr *bankerr.Error) {
	ids := []int64{creditorID, debtorID}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make(map[int64]*accountRow, 2)
	for _, id := range ids {
		row, berr := e.loadForUpdateByID(ctx, tx, id)
		if berr != nil {
			return nil, nil, berr
		}
		rows[id] = row
	}

	creditor = rows[creditorID]
	debtor = rows[debtorID]
	return creditor, debtor, nil
}

// AccountSnapshot is the read-only view of an account other components
// (withdrawal, exchange, cashout/cashin) need before posting a transfer:
// enough to validate a request without taking the row lock Transfer itself
// acquires.
type AccountSnapshot struct {
	ID              int64
	CustomerID      int64
	Login           string
	PaytoURI        string
	IsTalerExchange bool
	Balance         amount.Amount
	HasDebt         bool
	MaxDebt         amount.Amount
	TanChannel      string
}

func snapshotFromRow(a *accountRow) *AccountSnapshot {
	if a == nil {
		return nil
	}
	return &AccountSnapshot{
		ID: a.ID, CustomerID: a.CustomerID, Login: a.Login, PaytoURI: a.PaytoURI,
		IsTalerExchange: a.IsTalerExchange, Balance: a.Balance, HasDebt: a.HasDebt,
		MaxDebt: a.MaxDebt, TanChannel: a.TanChannel,
	}
}

// LookupByLogin returns a read-only snapshot of the account owned by
// login, without taking a row lock. Returns (nil, nil) if no such account
// exists (soft-deleted customers included, per the loadFor* queries).
func (e *Engine) LookupByLogin(ctx context.Context, login string) (*AccountSnapshot, *bankerr.Error) {
	row := e.pool.DB().QueryRowContext(ctx, `
		SELECT `+accountSelectCols+`
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE c.login = $1 AND c.deleted_at IS NULL
	`, login)
	a, berr := scanAccountRow(row)
	if berr != nil {
		return nil, berr
	}
	return snapshotFromRow(a), nil
}

// LookupByPayto returns a read-only snapshot of the account with the
// given internal payto URI.
func (e *Engine) LookupByPayto(ctx context.Context, payto string) (*AccountSnapshot, *bankerr.Error) {
	row := e.pool.DB().QueryRowContext(ctx, `
		SELECT `+accountSelectCols+`
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE a.internal_payto_uri = $1 AND c.deleted_at IS NULL
	`, payto)
	a, berr := scanAccountRow(row)
	if berr != nil {
		return nil, berr
	}
	return snapshotFromRow(a), nil
}

// LookupByID returns a read-only snapshot of the account with the given
// internal id.
func (e *Engine) LookupByID(ctx context.Context, id int64) (*AccountSnapshot, *bankerr.Error) {
	row := e.pool.DB().QueryRowContext(ctx, `
		SELECT `+accountSelectCols+`
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE a.bank_account_id = $1
	`, id)
	a, berr := scanAccountRow(row)
	if berr != nil {
		return nil, berr
	}
	return snapshotFromRow(a), nil
}

// CanDebit reports whether debiting amt from an account with the given
// balance/hasDebt/maxDebt would succeed under §4.2's debtor rule, without
// mutating anything. Callers (withdrawal create) use this to reject an
// obviously-insufficient request before committing to further bookkeeping;
// Transfer re-checks the same rule itself under the row lock, since
// balance may move between this check and the eventual post.
func CanDebit(balance amount.Amount, hasDebt bool, maxDebt, amt amount.Amount) bool {
	return applyDebit(balance, hasDebt, maxDebt, amt).ok
}

// Result is the outcome of a successful two-sided posting.
type Result struct {
	DebitRow  int64
	CreditRow int64
	Timestamp time.Time
}

// Transfer is the public C2 contract (§4.2): an atomic two-sided posting
// between two accounts identified by internal id, already resolved by the
// caller. tx must be a transaction the caller owns (typically one also
// carrying the calling component's own bookkeeping rows).
func (e *Engine) Transfer(ctx context.Context, tx *sql.Tx, creditorID, debtorID int64, subject string, amt amount.Amount, now time.Time) (Result, *bankerr.Error) {
	if creditorID == debtorID {
		return Result{}, bankerr.Precondition(bankerr.CodeBothPartySame)
	}

	creditor, debtor, berr := e.lockPair(ctx, tx, creditorID, debtorID)
	if berr != nil {
		return Result{}, berr
	}
	if creditor == nil {
		return Result{}, bankerr.Precondition(bankerr.CodeUnknownCreditor)
	}
	if debtor == nil {
		return Result{}, bankerr.Precondition(bankerr.CodeUnknownDebtor)
	}

	debtOut := applyDebit(debtor.Balance, debtor.HasDebt, debtor.MaxDebt, amt)
	if debtOut.Fault != nil {
		return Result{}, debtOut.Fault
	}
	if !debtOut.ok {
		return Result{}, bankerr.DomainOutcome(bankerr.CodeBalanceInsufficient)
	}

	credOut := applyCredit(creditor.Balance, creditor.HasDebt, amt)
	if credOut.Fault != nil {
		return Result{}, credOut.Fault
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE libeufin_bank.bank_accounts SET balance_val = $2, balance_frac = $3, has_debt = $4
		WHERE bank_account_id = $1
	`, debtor.ID, debtOut.Balance.Val, debtOut.Balance.Frac, debtOut.HasDebt); err != nil {
		return Result{}, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: update debtor: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE libeufin_bank.bank_accounts SET balance_val = $2, balance_frac = $3, has_debt = $4
		WHERE bank_account_id = $1
	`, creditor.ID, credOut.Balance.Val, credOut.Balance.Frac, credOut.HasDebt); err != nil {
		return Result{}, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: update creditor: %w", err))
	}

	var debitRow int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO libeufin_bank.bank_transactions
			(debtor_account_id, creditor_account_id, amount_val, amount_frac, subject, direction, transaction_date)
		VALUES ($1, $2, $3, $4, $5, 'debit', $6)
		RETURNING bank_transaction_id
	`, debtor.ID, creditor.ID, amt.Val, amt.Frac, subject, now.UnixMicro()).Scan(&debitRow); err != nil {
		return Result{}, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: insert debit row: %w", err))
	}

	var creditRow int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO libeufin_bank.bank_transactions
			(debtor_account_id, creditor_account_id, amount_val, amount_frac, subject, direction, transaction_date)
		VALUES ($1, $2, $3, $4, $5, 'credit', $6)
		RETURNING bank_transaction_id
	`, debtor.ID, creditor.ID, amt.Val, amt.Frac, subject, now.UnixMicro()).Scan(&creditRow); err != nil {
		return Result{}, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: insert credit row: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify('bank_tx', $1)`,
		fmt.Sprintf("%d %d %d %d", debtor.ID, creditor.ID, debitRow, creditRow)); err != nil {
		return Result{}, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: notify bank_tx: %w", err))
	}

	return Result{DebitRow: debitRow, CreditRow: creditRow, Timestamp: now}, nil
}

// BankTransactionRequest carries a manual transfer's wire-level fields:
// creditor by payto rather than account id, an optional idempotency key,
// and the caller's 2FA attestation.
type BankTransactionRequest struct {
	DebtorLogin   string
	CreditorPayto string
	Subject       string
	Amount        amount.Amount
	Now           time.Time
	RequestUID    string
	Is2FA         bool
}

// BankTransaction is the C2 wrapper (§4.2): resolves the creditor by
// payto, rejects admin as creditor, gates on TAN, indexes request_uid
// idempotency, and bounces a malformed or reserve-colliding credit to an
// exchange account.
func (e *Engine) BankTransaction(ctx context.Context, req BankTransactionRequest) (Result, *bankerr.Error) {
	var result Result
	txErr := e.pool.Serializable(ctx, func(tx *sql.Tx) error {
		debtor, berr := e.loadForUpdateByLogin(ctx, tx, req.DebtorLogin)
		if berr != nil {
			return berr
		}
		if debtor == nil {
			return bankerr.Precondition(bankerr.CodeUnknownDebtor)
		}

		creditor, berr := e.loadForUpdateByPayto(ctx, tx, req.CreditorPayto)
		if berr != nil {
			return berr
		}
		if creditor == nil {
			return bankerr.Precondition(bankerr.CodeUnknownCreditor)
		}
		if creditor.Login == e.adminLogin {
			return bankerr.Precondition(bankerr.CodeAdminCreditor)
		}
		if debtor.TanChannel != "" && !req.Is2FA {
			return bankerr.TanRequired(debtor.TanChannel, "")
		}

		bodyHash := hashBankTransactionBody(req)
		if req.RequestUID != "" {
			existing, berr := idempotency.Check(ctx, tx, req.RequestUID, bodyHash, bankerr.CodeRequestUidReuse)
			if berr != nil {
				return berr
			}
			if existing != nil {
				ts, berr := e.transactionTimestamp(ctx, tx, existing.BankTransactionID)
				if berr != nil {
					return berr
				}
				result = Result{DebitRow: existing.BankTransactionID, Timestamp: ts}
				return nil
			}
		}

		transferResult, berr := e.Transfer(ctx, tx, creditor.ID, debtor.ID, req.Subject, req.Amount, req.Now)
		if berr != nil {
			return berr
		}
		result = transferResult

		if req.RequestUID != "" {
			if berr := idempotency.Insert(ctx, tx, idempotency.Record{
				RequestUID:        req.RequestUID,
				BankTransactionID: transferResult.DebitRow,
				BodyHash:          bodyHash,
			}); berr != nil {
				return berr
			}
		}

		switch {
		case creditor.IsTalerExchange && debtor.IsTalerExchange:
			// Exchange-to-exchange manual transfers are never bounced
			// (§4.2); still worth a log line since they're unusual.
			e.log.Info("exchange-to-exchange manual transfer", "debit_row", transferResult.DebitRow, "credit_row", transferResult.CreditRow)
		case creditor.IsTalerExchange:
			if berr := e.handleExchangeCredit(ctx, tx, creditor, debtor, transferResult, req); berr != nil {
				return berr
			}
		}

		return nil
	})
	if txErr != nil {
		if be, ok := txErr.(*bankerr.Error); ok {
			return Result{}, be
		}
		return Result{}, bankerr.Fault(bankerr.CodeInvariantViolation, txErr)
	}
	return result, nil
}

// handleExchangeCredit implements §4.2's auto-registration/bounce rule: a
// manual credit to an exchange account must encode a reserve public key
// in its subject. A malformed subject or a reserve_pub collision posts an
// opposite bounce transfer in the same transaction rather than rejecting
// the original post outright — the debit already happened and must be
// unwound by an equal and opposite credit, not rolled back.
func (e *Engine) handleExchangeCredit(ctx context.Context, tx *sql.Tx, creditor, debtor *accountRow, result Result, req BankTransactionRequest) *bankerr.Error {
	reservePub, err := helpers.FixedHexToBytes(req.Subject, 32)
	if err != nil {
		return e.bounce(ctx, tx, creditor, debtor, result, req.Amount, req.Now, "malformed metadata")
	}

	if berr := reserve.Register(ctx, tx, helpers.BytesToHex(reservePub), result.CreditRow, req.Now); berr != nil {
		if bankerr.Is(berr, bankerr.CodeReservePubReuse) {
			return e.bounce(ctx, tx, creditor, debtor, result, req.Amount, req.Now, "reserve public key reuse")
		}
		return berr
	}
	return nil
}

// bounce posts the opposite transfer (exchange -> original debtor) for
// the same amount, using the low-level Transfer so the bounce itself
// never re-triggers reserve/bounce handling.
func (e *Engine) bounce(ctx context.Context, tx *sql.Tx, creditor, debtor *accountRow, result Result, amt amount.Amount, now time.Time, cause string) *bankerr.Error {
	subject := fmt.Sprintf("Bounce %d: %s", result.CreditRow, cause)
	_, berr := e.Transfer(ctx, tx, debtor.ID, creditor.ID, subject, amt, now)
	return berr
}

// transactionTimestamp fetches the transaction_date of an existing bank
// transaction row, used to echo back the original timestamp on an
// idempotent replay.
func (e *Engine) transactionTimestamp(ctx context.Context, tx *sql.Tx, id int64) (time.Time, *bankerr.Error) {
	var micros int64
	err := tx.QueryRowContext(ctx, `
		SELECT transaction_date FROM libeufin_bank.bank_transactions WHERE bank_transaction_id = $1
	`, id).Scan(&micros)
	if err != nil {
		return time.Time{}, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("ledger: lookup replay timestamp: %w", err))
	}
	return time.UnixMicro(micros), nil
}

// hashBankTransactionBody hashes the caller-visible fields of a manual
// transfer request so a request_uid replay can be told apart from a
// conflicting reuse (§4.2's RequestUidReuse rule).
func hashBankTransactionBody(req BankTransactionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d.%d", req.DebtorLogin, req.CreditorPayto, req.Subject, req.Amount.Val, req.Amount.Frac)
	return hex.EncodeToString(h.Sum(nil))
}
