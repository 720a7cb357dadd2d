package dbx

import "context"

// initSchema creates the libeufin_bank schema's tables if they don't
// already exist. Migrations beyond the initial shape are handled by
// runMigrations, mirroring the teacher's initSchema+runMigrations split.
func (p *Pool) initSchema(ctx context.Context) error {
	const schema = `
	CREATE SCHEMA IF NOT EXISTS libeufin_bank;

	DO $$ BEGIN
		CREATE TYPE libeufin_bank.direction_enum AS ENUM ('credit', 'debit');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$;

	DO $$ BEGIN
		CREATE TYPE libeufin_bank.token_scope_enum AS ENUM ('readonly', 'readwrite');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$;

	DO $$ BEGIN
		CREATE TYPE libeufin_bank.tan_enum AS ENUM ('sms', 'email');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$;

	DO $$ BEGIN
		CREATE TYPE libeufin_bank.rounding_mode AS ENUM ('zero', 'up', 'nearest');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$;

	DO $$ BEGIN
		CREATE TYPE libeufin_bank.stat_timeframe_enum AS ENUM ('hour', 'day', 'month', 'year');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$;

	CREATE TABLE IF NOT EXISTS libeufin_bank.customers (
		customer_id BIGSERIAL PRIMARY KEY,
		login TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		cashout_payto TEXT,
		tan_channel libeufin_bank.tan_enum,
		deleted_at BIGINT
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.bank_accounts (
		bank_account_id BIGSERIAL PRIMARY KEY,
		customer_id BIGINT NOT NULL REFERENCES libeufin_bank.customers(customer_id),
		internal_payto_uri TEXT NOT NULL UNIQUE,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		is_taler_exchange BOOLEAN NOT NULL DEFAULT FALSE,
		balance_val BIGINT NOT NULL DEFAULT 0,
		balance_frac INTEGER NOT NULL DEFAULT 0,
		has_debt BOOLEAN NOT NULL DEFAULT FALSE,
		max_debt_val BIGINT NOT NULL DEFAULT 0,
		max_debt_frac INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.bank_transactions (
		bank_transaction_id BIGSERIAL PRIMARY KEY,
		debtor_account_id BIGINT NOT NULL REFERENCES libeufin_bank.bank_accounts(bank_account_id),
		creditor_account_id BIGINT NOT NULL REFERENCES libeufin_bank.bank_accounts(bank_account_id),
		amount_val BIGINT NOT NULL,
		amount_frac INTEGER NOT NULL,
		subject TEXT NOT NULL,
		direction libeufin_bank.direction_enum NOT NULL,
		transaction_date BIGINT NOT NULL,
		request_uid TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bank_tx_debtor ON libeufin_bank.bank_transactions(debtor_account_id);
	CREATE INDEX IF NOT EXISTS idx_bank_tx_creditor ON libeufin_bank.bank_transactions(creditor_account_id);

	CREATE TABLE IF NOT EXISTS libeufin_bank.idempotency_records (
		request_uid TEXT PRIMARY KEY,
		bank_transaction_id BIGINT NOT NULL REFERENCES libeufin_bank.bank_transactions(bank_transaction_id),
		body_hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.taler_exchange_outgoing (
		exchange_outgoing_id BIGSERIAL PRIMARY KEY,
		request_uid TEXT NOT NULL UNIQUE,
		wtid TEXT NOT NULL UNIQUE,
		exchange_base_url TEXT NOT NULL,
		bank_transaction_id BIGINT NOT NULL REFERENCES libeufin_bank.bank_transactions(bank_transaction_id),
		creation_time BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.taler_exchange_incoming (
		exchange_incoming_id BIGSERIAL PRIMARY KEY,
		reserve_pub TEXT NOT NULL UNIQUE,
		bank_transaction_id BIGINT NOT NULL REFERENCES libeufin_bank.bank_transactions(bank_transaction_id),
		creation_time BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.taler_withdrawal_operations (
		withdrawal_uuid UUID PRIMARY KEY,
		wallet_bank_account BIGINT NOT NULL REFERENCES libeufin_bank.bank_accounts(bank_account_id),
		amount_val BIGINT NOT NULL,
		amount_frac INTEGER NOT NULL,
		selection_done BOOLEAN NOT NULL DEFAULT FALSE,
		aborted BOOLEAN NOT NULL DEFAULT FALSE,
		confirmation_done BOOLEAN NOT NULL DEFAULT FALSE,
		selected_exchange_payto TEXT,
		reserve_pub TEXT,
		subject TEXT,
		creation_time BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.cashout_operations (
		cashout_id BIGSERIAL PRIMARY KEY,
		request_uid TEXT NOT NULL UNIQUE,
		amount_debit_val BIGINT NOT NULL,
		amount_debit_frac INTEGER NOT NULL,
		amount_credit_val BIGINT NOT NULL,
		amount_credit_frac INTEGER NOT NULL,
		subject TEXT NOT NULL,
		creation_time BIGINT NOT NULL,
		debit_account BIGINT NOT NULL REFERENCES libeufin_bank.bank_accounts(bank_account_id),
		local_transaction BIGINT UNIQUE,
		aborted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.tan_challenges (
		challenge_id BIGSERIAL PRIMARY KEY,
		body TEXT NOT NULL,
		op TEXT NOT NULL,
		code TEXT NOT NULL,
		creation BIGINT NOT NULL,
		expiration BIGINT NOT NULL,
		retransmission BIGINT NOT NULL DEFAULT 0,
		confirmation_date BIGINT,
		retry_counter INTEGER NOT NULL,
		customer_id BIGINT NOT NULL REFERENCES libeufin_bank.customers(customer_id),
		override_channel libeufin_bank.tan_enum,
		override_info TEXT
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.bearer_tokens (
		content TEXT PRIMARY KEY,
		creation BIGINT NOT NULL,
		expiration BIGINT NOT NULL,
		scope libeufin_bank.token_scope_enum NOT NULL,
		customer_id BIGINT NOT NULL REFERENCES libeufin_bank.customers(customer_id),
		is_refreshable BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS libeufin_bank.bank_stats (
		timeframe libeufin_bank.stat_timeframe_enum NOT NULL,
		truncated_start BIGINT NOT NULL,
		cashin_count BIGINT NOT NULL DEFAULT 0,
		cashin_regio_volume_val BIGINT NOT NULL DEFAULT 0,
		cashin_regio_volume_frac INTEGER NOT NULL DEFAULT 0,
		cashin_fiat_volume_val BIGINT NOT NULL DEFAULT 0,
		cashin_fiat_volume_frac INTEGER NOT NULL DEFAULT 0,
		cashout_count BIGINT NOT NULL DEFAULT 0,
		cashout_regio_volume_val BIGINT NOT NULL DEFAULT 0,
		cashout_regio_volume_frac INTEGER NOT NULL DEFAULT 0,
		cashout_fiat_volume_val BIGINT NOT NULL DEFAULT 0,
		cashout_fiat_volume_frac INTEGER NOT NULL DEFAULT 0,
		taler_in_count BIGINT NOT NULL DEFAULT 0,
		taler_in_volume_val BIGINT NOT NULL DEFAULT 0,
		taler_in_volume_frac INTEGER NOT NULL DEFAULT 0,
		taler_out_count BIGINT NOT NULL DEFAULT 0,
		taler_out_volume_val BIGINT NOT NULL DEFAULT 0,
		taler_out_volume_frac INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (timeframe, truncated_start)
	);

	-- libeufin_nexus holds the fiat-adapter side (EBICS/ISO 20022 bank
	-- connector), out of scope except at its two trigger-boundary tables:
	-- the bank writes initiated_outgoing_transaction for cash-out, and
	-- reads talerable_incoming_transactions for cash-in.
	CREATE SCHEMA IF NOT EXISTS libeufin_nexus;

	CREATE TABLE IF NOT EXISTS libeufin_nexus.talerable_incoming_transactions (
		incoming_id BIGSERIAL PRIMARY KEY,
		fiat_amount_val BIGINT NOT NULL,
		fiat_amount_frac INTEGER NOT NULL,
		debit_payto TEXT NOT NULL,
		subject TEXT NOT NULL,
		booking_time BIGINT NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_nexus_incoming_unprocessed
		ON libeufin_nexus.talerable_incoming_transactions(incoming_id) WHERE processed = FALSE;

	CREATE TABLE IF NOT EXISTS libeufin_nexus.initiated_outgoing_transaction (
		initiated_id BIGSERIAL PRIMARY KEY,
		request_uid TEXT NOT NULL UNIQUE,
		cashout_id BIGINT REFERENCES libeufin_bank.cashout_operations(cashout_id),
		credit_payto TEXT NOT NULL,
		fiat_amount_val BIGINT NOT NULL,
		fiat_amount_frac INTEGER NOT NULL,
		subject TEXT NOT NULL,
		creation_time BIGINT NOT NULL
	);
	`

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return p.runMigrations(ctx)
}

// runMigrations applies schema changes introduced after the initial
// CREATE TABLE IF NOT EXISTS set above. Empty for now; kept as a seam the
// way the teacher's Storage.runMigrations is, so future column additions
// don't need a new bootstrap path.
func (p *Pool) runMigrations(ctx context.Context) error {
	return nil
}
