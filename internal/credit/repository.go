package credit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following table exists:
//
//   credits (
//     id UUID PRIMARY KEY,
//     user_id UUID NOT NULL,
//     state TEXT NOT NULL,
//     payment_method TEXT NOT NULL,
//     payment_ref TEXT,
//     network TEXT,
//     amount_cents BIGINT NOT NULL,
//     call_id UUID,
//     created_at TIMESTAMPTZ NOT NULL,
//     consumed_at TIMESTAMPTZ
//   )
//
// with the replay-protection constraint:
//
//   CREATE UNIQUE INDEX credits_payment_ref_uniq
//     ON credits (payment_ref) WHERE payment_ref IS NOT NULL;
//
// The unique index, not application lookups, is the authoritative guard
// against two concurrent payment callbacks creating two credits.

const creditColumns = `id, user_id, state, payment_method, payment_ref, network, amount_cents, call_id, created_at, consumed_at`

func scanCredit(row *sql.Row) (Credit, error) {
	var c Credit
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.State,
		&c.PaymentMethod,
		&c.PaymentRef,
		&c.Network,
		&c.AmountCents,
		&c.CallID,
		&c.CreatedAt,
		&c.ConsumedAt,
	)
	if err != nil {
		return Credit{}, err
	}
	return c, nil
}

func insertCredit(ctx context.Context, db *sql.DB, c Credit) error {
	const q = `
INSERT INTO credits (` + creditColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`
	_, err := db.ExecContext(ctx, q,
		c.ID,
		c.UserID,
		c.State,
		c.PaymentMethod,
		c.PaymentRef,
		c.Network,
		c.AmountCents,
		c.CallID,
		c.CreatedAt,
		c.ConsumedAt,
	)
	return err
}

// claimOldestUnused atomically claims the oldest unused credit for a user.
//
// The claim is a single statement: SKIP LOCKED makes concurrent claimants
// pick distinct rows instead of blocking on (and then double-spending) the
// same one, and the state flip + call binding + timestamp land together.
func claimOldestUnused(ctx context.Context, tx *sql.Tx, userID, callID string, now time.Time) (Credit, error) {
	const q = `
WITH oldest AS (
  SELECT id FROM credits
  WHERE user_id = $1 AND state = 'unused'
  ORDER BY created_at ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE credits SET state = 'consumed', call_id = $2, consumed_at = $3
FROM oldest
WHERE credits.id = oldest.id
RETURNING ` + qualifiedCreditColumns

	row := tx.QueryRowContext(ctx, q, userID, callID, now)
	c, err := scanCredit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credit{}, ErrNoCreditAvailable
		}
		return Credit{}, err
	}
	return c, nil
}

const qualifiedCreditColumns = `credits.id, credits.user_id, credits.state, credits.payment_method, credits.payment_ref, credits.network, credits.amount_cents, credits.call_id, credits.created_at, credits.consumed_at`

func countUnused(ctx context.Context, db *sql.DB, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM credits WHERE user_id = $1 AND state = 'unused'`
	var n int
	if err := db.QueryRowContext(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// expireUnused is a conditional update: it only succeeds while the row is
// still unused, so a concurrent consume wins cleanly.
func expireUnused(ctx context.Context, db *sql.DB, creditID string) (bool, error) {
	const q = `UPDATE credits SET state = 'expired' WHERE id = $1 AND state = 'unused'`
	res, err := db.ExecContext(ctx, q, creditID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func getCredit(ctx context.Context, db *sql.DB, creditID string) (Credit, error) {
	const q = `SELECT ` + creditColumns + ` FROM credits WHERE id = $1`
	c, err := scanCredit(db.QueryRowContext(ctx, q, creditID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credit{}, ErrNotFound
		}
		return Credit{}, err
	}
	return c, nil
}
