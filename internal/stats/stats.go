// Package stats implements component C11: the per-timeframe payment
// counters and volumes updated synchronously, in the same database
// transaction as the ledger post that produced them (§4.8).
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/corebank/internal/amount"
	"github.com/klingon-exchange/corebank/internal/bankerr"
)

// Timeframe names one of the four aggregation buckets a payment is
// counted into simultaneously (§3, §6's stat_timeframe_enum).
type Timeframe string

const (
	TimeframeHour  Timeframe = "hour"
	TimeframeDay   Timeframe = "day"
	TimeframeMonth Timeframe = "month"
	TimeframeYear  Timeframe = "year"
)

var allTimeframes = []Timeframe{TimeframeHour, TimeframeDay, TimeframeMonth, TimeframeYear}

// kind names which count/volume column pair a payment increments.
type kind string

const (
	kindCashin   kind = "cashin"
	kindCashout  kind = "cashout"
	kindTalerIn  kind = "taler_in"
	kindTalerOut kind = "taler_out"
)

// truncate floors t to the start of its bucket for tf, in UTC, matching
// the spec's "truncated_start_time" bucket key (§4.8).
func truncate(t time.Time, tf Timeframe) time.Time {
	t = t.UTC()
	switch tf {
	case TimeframeHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case TimeframeDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case TimeframeMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case TimeframeYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Bucket is one row of bank_stats, read back by Query.
type Bucket struct {
	Timeframe        Timeframe
	TruncatedStart   time.Time
	CashinCount      int64
	CashinRegio      amount.Amount
	CashinFiat       amount.Amount
	CashoutCount     int64
	CashoutRegio     amount.Amount
	CashoutFiat      amount.Amount
	TalerInCount     int64
	TalerInVolume    amount.Amount
	TalerOutCount    int64
	TalerOutVolume   amount.Amount
}

// RecordCashin upserts a completed cash-in payment (C9) into every
// timeframe bucket covering now: one count, the regional credit volume,
// and the fiat volume it converted from.
func RecordCashin(ctx context.Context, tx *sql.Tx, regio, fiat amount.Amount, now time.Time) *bankerr.Error {
	return recordAll(ctx, tx, kindCashin, regio, fiat, now)
}

// RecordCashout upserts a completed cash-out payment (C8).
func RecordCashout(ctx context.Context, tx *sql.Tx, regio, fiat amount.Amount, now time.Time) *bankerr.Error {
	return recordAll(ctx, tx, kindCashout, regio, fiat, now)
}

// RecordTalerIn upserts a completed incoming-reserve registration (C7
// addIncoming or a withdrawal confirm, §4.3/§4.4): no currency conversion
// is involved, so only the regional volume is counted.
func RecordTalerIn(ctx context.Context, tx *sql.Tx, amt amount.Amount, now time.Time) *bankerr.Error {
	return recordAll(ctx, tx, kindTalerIn, amt, amount.Zero, now)
}

// RecordTalerOut upserts a completed outgoing exchange transfer (C7).
func RecordTalerOut(ctx context.Context, tx *sql.Tx, amt amount.Amount, now time.Time) *bankerr.Error {
	return recordAll(ctx, tx, kindTalerOut, amt, amount.Zero, now)
}

func recordAll(ctx context.Context, tx *sql.Tx, k kind, regio, fiat amount.Amount, now time.Time) *bankerr.Error {
	for _, tf := range allTimeframes {
		if berr := upsertBucket(ctx, tx, tf, truncate(now, tf), k, regio, fiat); berr != nil {
			return berr
		}
	}
	return nil
}

func countColumn(k kind) string {
	switch k {
	case kindCashin:
		return "cashin_count"
	case kindCashout:
		return "cashout_count"
	case kindTalerIn:
		return "taler_in_count"
	default:
		return "taler_out_count"
	}
}

func volumeColumns(k kind) (regioVal, regioFrac, fiatVal, fiatFrac string) {
	switch k {
	case kindCashin:
		return "cashin_regio_volume_val", "cashin_regio_volume_frac", "cashin_fiat_volume_val", "cashin_fiat_volume_frac"
	case kindCashout:
		return "cashout_regio_volume_val", "cashout_regio_volume_frac", "cashout_fiat_volume_val", "cashout_fiat_volume_frac"
	case kindTalerIn:
		return "taler_in_volume_val", "taler_in_volume_frac", "", ""
	default:
		return "taler_out_volume_val", "taler_out_volume_frac", "", ""
	}
}

// upsertBucket locks (or creates) the bucket row for (tf, start) and adds
// one payment of kind k with the given regio/fiat volumes. The row is
// locked FOR UPDATE rather than updated with a raw SQL "+=" so the
// addition goes through amount.Add's normalize-and-overflow-check path
// instead of letting frac run past its 1e8 ceiling inside the database.
func upsertBucket(ctx context.Context, tx *sql.Tx, tf Timeframe, start time.Time, k kind, regio, fiat amount.Amount) *bankerr.Error {
	countCol := countColumn(k)
	regioValCol, regioFracCol, fiatValCol, fiatFracCol := volumeColumns(k)

	var count int64
	var regioVal, fiatVal uint64
	var regioFrac, fiatFrac uint32

	query := fmt.Sprintf(`
		SELECT %s, %s, %s`, countCol, regioValCol, regioFracCol)
	if fiatValCol != "" {
		query += fmt.Sprintf(`, %s, %s`, fiatValCol, fiatFracCol)
	}
	query += ` FROM libeufin_bank.bank_stats WHERE timeframe = $1 AND truncated_start = $2 FOR UPDATE`

	var row *sql.Row
	row = tx.QueryRowContext(ctx, query, string(tf), start.UnixMicro())

	var scanErr error
	if fiatValCol != "" {
		scanErr = row.Scan(&count, &regioVal, &regioFrac, &fiatVal, &fiatFrac)
	} else {
		scanErr = row.Scan(&count, &regioVal, &regioFrac)
	}

	exists := true
	if scanErr == sql.ErrNoRows {
		exists = false
		scanErr = nil
	}
	if scanErr != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("stats: lookup bucket: %w", scanErr))
	}

	newRegio, berr := amount.Add(amount.Amount{Val: regioVal, Frac: regioFrac}, regio)
	if berr != nil {
		return berr
	}
	newFiat, berr := amount.Add(amount.Amount{Val: fiatVal, Frac: fiatFrac}, fiat)
	if berr != nil {
		return berr
	}
	newCount := count + 1

	if exists {
		updateQuery := fmt.Sprintf(`
			UPDATE libeufin_bank.bank_stats SET %s = $3, %s = $4, %s = $5`, countCol, regioValCol, regioFracCol)
		args := []any{string(tf), start.UnixMicro(), newCount, newRegio.Val, newRegio.Frac}
		if fiatValCol != "" {
			updateQuery += fmt.Sprintf(`, %s = $6, %s = $7`, fiatValCol, fiatFracCol)
			args = append(args, newFiat.Val, newFiat.Frac)
		}
		updateQuery += ` WHERE timeframe = $1 AND truncated_start = $2`
		if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
			return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("stats: update bucket: %w", err))
		}
		return nil
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO libeufin_bank.bank_stats (timeframe, truncated_start, %s, %s, %s`, countCol, regioValCol, regioFracCol)
	args := []any{string(tf), start.UnixMicro(), newCount, newRegio.Val, newRegio.Frac}
	if fiatValCol != "" {
		insertQuery += fmt.Sprintf(`, %s, %s`, fiatValCol, fiatFracCol)
		args = append(args, newFiat.Val, newFiat.Frac)
	}
	insertQuery += `) VALUES ($1, $2, $3, $4, $5`
	if fiatValCol != "" {
		insertQuery += `, $6, $7`
	}
	insertQuery += `)`
	if _, err := tx.ExecContext(ctx, insertQuery, args...); err != nil {
		return bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("stats: insert bucket: %w", err))
	}
	return nil
}

// Query is the monitor statistics read accessor SPEC_FULL.md adds (§6's
// "monitor statistics" public operation): every bucket recorded for tf
// between from and to, inclusive.
func Query(ctx context.Context, db *sql.DB, tf Timeframe, from, to time.Time) ([]Bucket, *bankerr.Error) {
	rows, err := db.QueryContext(ctx, `
		SELECT timeframe, truncated_start, cashin_count, cashin_regio_volume_val, cashin_regio_volume_frac,
		       cashin_fiat_volume_val, cashin_fiat_volume_frac, cashout_count, cashout_regio_volume_val,
		       cashout_regio_volume_frac, cashout_fiat_volume_val, cashout_fiat_volume_frac,
		       taler_in_count, taler_in_volume_val, taler_in_volume_frac,
		       taler_out_count, taler_out_volume_val, taler_out_volume_frac
		FROM libeufin_bank.bank_stats
		WHERE timeframe = $1 AND truncated_start BETWEEN $2 AND $3
		ORDER BY truncated_start ASC
	`, string(tf), from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("stats: query: %w", err))
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		var tfStr string
		var truncated int64
		var cinVal, coutVal, tinVal, toutVal uint64
		var cinFiatVal, coutFiatVal uint64
		var cinFrac, coutFrac, tinFrac, toutFrac uint32
		var cinFiatFrac, coutFiatFrac uint32

		if err := rows.Scan(&tfStr, &truncated, &b.CashinCount, &cinVal, &cinFrac, &cinFiatVal, &cinFiatFrac,
			&b.CashoutCount, &coutVal, &coutFrac, &coutFiatVal, &coutFiatFrac,
			&b.TalerInCount, &tinVal, &tinFrac, &b.TalerOutCount, &toutVal, &toutFrac); err != nil {
			return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("stats: scan bucket: %w", err))
		}

		b.Timeframe = Timeframe(tfStr)
		b.TruncatedStart = time.UnixMicro(truncated)
		b.CashinRegio = amount.Amount{Val: cinVal, Frac: cinFrac}
		b.CashinFiat = amount.Amount{Val: cinFiatVal, Frac: cinFiatFrac}
		b.CashoutRegio = amount.Amount{Val: coutVal, Frac: coutFrac}
		b.CashoutFiat = amount.Amount{Val: coutFiatVal, Frac: coutFiatFrac}
		b.TalerInVolume = amount.Amount{Val: tinVal, Frac: tinFrac}
		b.TalerOutVolume = amount.Amount{Val: toutVal, Frac: toutFrac}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, bankerr.Fault(bankerr.CodeInvariantViolation, fmt.Errorf("stats: rows: %w", err))
	}
	return buckets, nil
}
