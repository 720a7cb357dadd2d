// Package accounts implements component C3: customer and account
// creation, soft deletion, reconfiguration, and the bearer token
// issuance/revocation that rides alongside it (§3, §6).
package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
	"github.com/klingon-exchange/corebank/internal/dbx"
	"github.com/klingon-exchange/corebank/pkg/helpers"
	"github.com/klingon-exchange/corebank/pkg/logging"
)

// TanChannel names a customer's configured second-factor delivery
// channel, or empty if none is configured.
type TanChannel string

const (
	TanChannelNone  TanChannel = ""
	TanChannelSMS   TanChannel = "sms"
	TanChannelEmail TanChannel = "email"
)

// TokenScope controls what a bearer token authorizes (§3 "Bearer token").
type TokenScope string

const (
	ScopeReadOnly  TokenScope = "readonly"
	ScopeReadWrite TokenScope = "readwrite"
)

// Customer is the login identity: credentials, legal name, and optional
// contact/cashout/TAN configuration.
type Customer struct {
	ID           int64
	Login        string
	Name         string
	Email        string
	Phone        string
	CashoutPayto string
	TanChannel   TanChannel
	TanInfo      string
	DeletedAt    *time.Time
}

// Account is 1-to-1 with Customer (§3 "Account").
type Account struct {
	ID              int64
	CustomerID      int64
	PaytoURI        string
	IsPublic        bool
	IsTalerExchange bool
	Balance         amount.Amount
	HasDebt         bool
	MaxDebt         amount.Amount
}

// BearerToken authorizes API calls on behalf of a customer until
// Expiration; deleted by C12 once expired.
type BearerToken struct {
	Content       string
	Creation      time.Time
	Expiration    time.Time
	Scope         TokenScope
	CustomerID    int64
	IsRefreshable bool
}

// CreateRequest carries everything needed to create a customer+account
// pair. IsAdmin distinguishes the admin-create path from self-registration
// (§3's "inserted by admin or self-registration"): only an admin-created
// account may set IsPublic, IsTalerExchange, or a non-default MaxDebt.
type CreateRequest struct {
	Login        string
	Password     string
	Name         string
	Email        string
	Phone        string
	CashoutPayto string
	TanChannel   TanChannel
	TanInfo      string

	IsPublic        bool
	IsTalerExchange bool
	MaxDebt         amount.Amount

	IsAdmin bool
}

// Registry is the C3 account registry, backed by the shared pool.
type Registry struct {
	pool           *dbx.Pool
	log            *logging.Logger
	defaultMaxDebt amount.Amount
}

// New constructs a Registry.
func New(pool *dbx.Pool, log *logging.Logger, defaultMaxDebt amount.Amount) *Registry {
	return &Registry{pool: pool, log: log.Component("accounts"), defaultMaxDebt: defaultMaxDebt}
}

// Create registers a new customer and its 1-to-1 account. Self-registered
// accounts (req.IsAdmin == false) are forced to private, non-exchange, and
// the registry's configured default debt ceiling, matching the
// admin-vs-self-registration split added in SPEC_FULL.md's supplemented
// features.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Account, *bankerr.Error) {
	req = applySelfRegistrationDefaults(req, r.defaultMaxDebt)

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: hashing password: %w", err))
	}

	payto := fmt.Sprintf("payto://internal/%s", req.Login)

	var account Account
	txErr := r.pool.Serializable(ctx, func(tx *sql.Tx) error {
		var customerID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO libeufin_bank.customers (login, password_hash, name, email, phone, cashout_payto, tan_channel)
			VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), NULLIF($7,'')::libeufin_bank.tan_enum)
			RETURNING customer_id
		`, req.Login, string(hash), req.Name, req.Email, req.Phone, req.CashoutPayto, string(req.TanChannel)).Scan(&customerID)
		if isUniqueViolation(err) {
			return bankerr.Conflict(bankerr.CodeLoginReuse)
		}
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: insert customer: %w", err))
		}

		var accountID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO libeufin_bank.bank_accounts
				(customer_id, internal_payto_uri, is_public, is_taler_exchange, max_debt_val, max_debt_frac)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING bank_account_id
		`, customerID, payto, req.IsPublic, req.IsTalerExchange, req.MaxDebt.Val, req.MaxDebt.Frac).Scan(&accountID)
		if isUniqueViolation(err) {
			return bankerr.Conflict(bankerr.CodePayToReuse)
		}
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: insert account: %w", err))
		}

		account = Account{
			ID:              accountID,
			CustomerID:      customerID,
			PaytoURI:        payto,
			IsPublic:        req.IsPublic,
			IsTalerExchange: req.IsTalerExchange,
			MaxDebt:         req.MaxDebt,
		}
		return nil
	})
	if txErr != nil {
		if be, ok := txErr.(*bankerr.Error); ok {
			return nil, be
		}
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, txErr)
	}

	return &account, nil
}

// SoftDelete marks a customer deleted by setting its deletion timestamp.
// Requires the account balance to be exactly zero; the caller is
// responsible for having already confirmed any required TAN challenge
// (§3's Customer lifecycle note).
func (r *Registry) SoftDelete(ctx context.Context, login string, now time.Time) *bankerr.Error {
	txErr := r.pool.Serializable(ctx, func(tx *sql.Tx) error {
		var customerID int64
		var balVal uint64
		var balFrac uint32
		err := tx.QueryRowContext(ctx, `
			SELECT c.customer_id, a.balance_val, a.balance_frac
			FROM libeufin_bank.customers c
			JOIN libeufin_bank.bank_accounts a ON a.customer_id = c.customer_id
			WHERE c.login = $1 AND c.deleted_at IS NULL
		`, login).Scan(&customerID, &balVal, &balFrac)
		if err == sql.ErrNoRows {
			return bankerr.Precondition(bankerr.CodeUnknownAccount)
		}
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: lookup for delete: %w", err))
		}
		if balVal != 0 || balFrac != 0 {
			return bankerr.DomainOutcome(bankerr.CodeBalanceInsufficient)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE libeufin_bank.customers SET deleted_at = $2 WHERE customer_id = $1
		`, customerID, now.UnixMicro())
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: soft delete: %w", err))
		}
		return nil
	})
	if txErr == nil {
		return nil
	}
	if be, ok := txErr.(*bankerr.Error); ok {
		return be
	}
	return bankerr.Fault(bankerr.CodeInvariantViolation, txErr)
}

// IssueToken creates a new bearer token for customerID with the given
// scope and lifetime. Content is 32 random bytes hex-encoded, matching
// the spec's 32-byte bearer token content.
func (r *Registry) IssueToken(ctx context.Context, customerID int64, scope TokenScope, lifetime time.Duration, refreshable bool, now time.Time) (*BearerToken, *bankerr.Error) {
	raw, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: generating token: %w", err))
	}
	content := helpers.BytesToHex(raw)

	tok := &BearerToken{
		Content:       content,
		Creation:      now,
		Expiration:    now.Add(lifetime),
		Scope:         scope,
		CustomerID:    customerID,
		IsRefreshable: refreshable,
	}

	_, execErr := r.pool.DB().ExecContext(ctx, `
		INSERT INTO libeufin_bank.bearer_tokens (content, creation, expiration, scope, customer_id, is_refreshable)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tok.Content, tok.Creation.UnixMicro(), tok.Expiration.UnixMicro(), string(tok.Scope), tok.CustomerID, tok.IsRefreshable)
	if execErr != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: inserting token: %w", execErr))
	}
	return tok, nil
}

// RevokeToken deletes a bearer token immediately, independent of C12's
// periodic expiration sweep.
func (r *Registry) RevokeToken(ctx context.Context, content string) *bankerr.Error {
	_, err := r.pool.DB().ExecContext(ctx, `DELETE FROM libeufin_bank.bearer_tokens WHERE content = $1`, content)
	if err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: revoking token: %w", err))
	}
	return nil
}

// Authenticate verifies login/password and returns the customer on
// success. Soft-deleted customers can never authenticate.
func (r *Registry) Authenticate(ctx context.Context, login, password string) (*Customer, *bankerr.Error) {
	var c Customer
	var hash string
	err := r.pool.DB().QueryRowContext(ctx, `
		SELECT customer_id, login, password_hash, name
		FROM libeufin_bank.customers
		WHERE login = $1 AND deleted_at IS NULL
	`, login).Scan(&c.ID, &c.Login, &hash, &c.Name)
	if err == sql.ErrNoRows {
		return nil, bankerr.Precondition(bankerr.CodeUnknownAccount)
	}
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: authenticate lookup: %w", err))
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, bankerr.Precondition(bankerr.CodeUnknownAccount)
	}
	return &c, nil
}

// applySelfRegistrationDefaults enforces that a self-registered account
// (req.IsAdmin == false) can never set IsPublic, IsTalerExchange, or a
// non-default debt ceiling — only an admin-created account may.
func applySelfRegistrationDefaults(req CreateRequest, defaultMaxDebt amount.Amount) CreateRequest {
	if req.IsAdmin {
		return req
	}
	req.IsPublic = false
	req.IsTalerExchange = false
	req.MaxDebt = defaultMaxDebt
	return req
}

// customerColumns and accountColumns are the whitelisted column sets §9's
// "Dynamic SQL for partial updates" design note calls for: reconfiguration
// may only ever touch these, split across the two tables a customer's
// profile and its 1-to-1 account live in.
var customerColumns = []string{"name", "email", "phone", "cashout_payto", "tan_channel"}
var accountColumns = []string{"is_public", "max_debt_val", "max_debt_frac"}

// ReconfigureRequest carries a partial update (§2 C3 "reconfiguration",
// §6 "Account CRUD"): only the non-nil pointer fields change. A nil
// pointer leaves that field untouched; a non-nil pointer to an empty
// string clears an optional field. IsAdmin gates the account-level
// fields (IsPublic, MaxDebt) the same way CreateRequest.IsAdmin gates
// them at creation — a self-reconfiguring customer may only ever change
// its own profile fields.
type ReconfigureRequest struct {
	Login string

	Name         *string
	Email        *string
	Phone        *string
	CashoutPayto *string
	TanChannel   *TanChannel

	IsPublic *bool
	MaxDebt  *amount.Amount

	IsAdmin bool
}

// Reconfigure applies req's staged changes to the customer and/or account
// rows owned by req.Login, using dbx.UpdateBuilder so the SQL is built
// from the whitelisted column sets above rather than string-concatenated
// per caller.
func (r *Registry) Reconfigure(ctx context.Context, req ReconfigureRequest) *bankerr.Error {
	if !req.IsAdmin && (req.IsPublic != nil || req.MaxDebt != nil) {
		return bankerr.DomainOutcome(bankerr.CodeNonAdminDebtLimit)
	}

	txErr := r.pool.Serializable(ctx, func(tx *sql.Tx) error {
		var customerID, accountID int64
		err := tx.QueryRowContext(ctx, `
			SELECT c.customer_id, a.bank_account_id
			FROM libeufin_bank.customers c JOIN libeufin_bank.bank_accounts a ON a.customer_id = c.customer_id
			WHERE c.login = $1 AND c.deleted_at IS NULL FOR UPDATE
		`, req.Login).Scan(&customerID, &accountID)
		if err == sql.ErrNoRows {
			return bankerr.Precondition(bankerr.CodeUnknownAccount)
		}
		if err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: lookup for reconfigure: %w", err))
		}

		cb := dbx.NewUpdateBuilder("libeufin_bank.customers", customerColumns...)
		if req.Name != nil {
			cb.Set("name", *req.Name)
		}
		if req.Email != nil {
			cb.Set("email", sql.NullString{String: *req.Email, Valid: *req.Email != ""})
		}
		if req.Phone != nil {
			cb.Set("phone", sql.NullString{String: *req.Phone, Valid: *req.Phone != ""})
		}
		if req.CashoutPayto != nil {
			cb.Set("cashout_payto", sql.NullString{String: *req.CashoutPayto, Valid: *req.CashoutPayto != ""})
		}
		if req.TanChannel != nil {
			cb.Set("tan_channel", sql.NullString{String: string(*req.TanChannel), Valid: *req.TanChannel != TanChannelNone})
		}
		if cb.Len() > 0 {
			query, args, ok := cb.Where(fmt.Sprintf("customer_id = $%d", cb.Len()+1), customerID).Build()
			if ok {
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: update customer: %w", err))
				}
			}
		}

		ab := dbx.NewUpdateBuilder("libeufin_bank.bank_accounts", accountColumns...)
		if req.IsPublic != nil {
			ab.Set("is_public", *req.IsPublic)
		}
		if req.MaxDebt != nil {
			ab.Set("max_debt_val", req.MaxDebt.Val)
			ab.Set("max_debt_frac", req.MaxDebt.Frac)
		}
		if ab.Len() > 0 {
			query, args, ok := ab.Where(fmt.Sprintf("bank_account_id = $%d", ab.Len()+1), accountID).Build()
			if ok {
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: update account: %w", err))
				}
			}
		}

		return nil
	})
	if txErr == nil {
		return nil
	}
	if be, ok := txErr.(*bankerr.Error); ok {
		return be
	}
	return bankerr.Fault(bankerr.CodeInvariantViolation, txErr)
}

// PublicAccount is one row of the public account listing (§2 C3 "public
// listings", §6 "Account CRUD"): only information an is_public account
// chooses to expose, never balance or debt ceiling.
type PublicAccount struct {
	Login    string
	Name     string
	PaytoURI string
}

// ListPublic returns every account flagged is_public, ordered by login.
func (r *Registry) ListPublic(ctx context.Context) ([]PublicAccount, *bankerr.Error) {
	rows, err := r.pool.DB().QueryContext(ctx, `
		SELECT c.login, c.name, a.internal_payto_uri
		FROM libeufin_bank.bank_accounts a JOIN libeufin_bank.customers c ON c.customer_id = a.customer_id
		WHERE a.is_public = TRUE AND c.deleted_at IS NULL
		ORDER BY c.login
	`)
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: list public: %w", err))
	}
	defer rows.Close()

	var out []PublicAccount
	for rows.Next() {
		var p PublicAccount
		if err := rows.Scan(&p.Login, &p.Name, &p.PaytoURI); err != nil {
			return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: scan public account: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("accounts: iterate public accounts: %w", err))
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	type pqErrorCoder interface{ SQLState() string }
	pe, ok := err.(pqErrorCoder)
	return ok && pe.SQLState() == "23505"
}
