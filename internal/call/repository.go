package call

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes a `calls` table with columns matching the
// db tags on Call, plus:
//
//   CREATE INDEX calls_user_idx ON calls (user_id, created_at DESC);
//   CREATE INDEX calls_provider_call_idx ON calls (provider_call_id);
//   CREATE INDEX calls_retry_idx ON calls (next_retry_at)
//     WHERE status = 'failed';
//
// Status and video_status are mutated only through conditional updates
// (`WHERE status = expected`); collaborators (webhook handler, render
// worker) touch disjoint field sets and never blind-overwrite whole rows.

const callColumns = `id, user_id, status, video_status,
recipient_name, recipient_phone, scenario, voice_style,
attempts, max_attempts, next_retry_at,
payment_method, payment_tx_hash, amount_cents,
provider_call_id, recording_sid, recording_url,
caller_track_url, agent_track_url,
video_url, video_storage_key, render_job_id, video_error_message,
created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var c Call
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Status,
		&c.VideoStatus,
		&c.RecipientName,
		&c.RecipientPhone,
		&c.Scenario,
		&c.VoiceStyle,
		&c.Attempts,
		&c.MaxAttempts,
		&c.NextRetryAt,
		&c.PaymentMethod,
		&c.PaymentTxHash,
		&c.AmountCents,
		&c.ProviderCallID,
		&c.RecordingSID,
		&c.RecordingURL,
		&c.CallerTrackURL,
		&c.AgentTrackURL,
		&c.VideoURL,
		&c.VideoStorageKey,
		&c.RenderJobID,
		&c.VideoErrorMessage,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Call{}, err
	}
	return c, nil
}

func insertCall(ctx context.Context, tx *sql.Tx, c Call) error {
	const q = `
INSERT INTO calls (` + callColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
`
	_, err := tx.ExecContext(ctx, q,
		c.ID,
		c.UserID,
		c.Status,
		c.VideoStatus,
		c.RecipientName,
		c.RecipientPhone,
		c.Scenario,
		c.VoiceStyle,
		c.Attempts,
		c.MaxAttempts,
		c.NextRetryAt,
		c.PaymentMethod,
		c.PaymentTxHash,
		c.AmountCents,
		c.ProviderCallID,
		c.RecordingSID,
		c.RecordingURL,
		c.CallerTrackURL,
		c.AgentTrackURL,
		c.VideoURL,
		c.VideoStorageKey,
		c.RenderJobID,
		c.VideoErrorMessage,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func getCall(ctx context.Context, db *sql.DB, callID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func getCallByProviderID(ctx context.Context, db *sql.DB, providerCallID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1`
	c, err := scanCall(db.QueryRowContext(ctx, q, providerCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func listCallsByUser(ctx context.Context, db *sql.DB, userID string, limit int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + ` FROM calls
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// transitionStatus flips status only when the row still holds the expected
// status. Returns the updated row or ErrInvalidTransition.
func transitionStatus(ctx context.Context, db *sql.DB, callID string, from, to Status, now time.Time) (Call, error) {
	const q = `
UPDATE calls SET status = $1, updated_at = $2
WHERE id = $3 AND status = $4
RETURNING ` + callColumns

	row := db.QueryRowContext(ctx, q, to, now, callID, from)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrInvalidTransition
		}
		return Call{}, err
	}
	return c, nil
}

// markAttempted launches a dial attempt: status goes to attempted, the
// attempt counter increments under the max_attempts guard, and any pending
// retry schedule is cleared.
func markAttempted(ctx context.Context, db *sql.DB, callID, providerCallID string, now time.Time) (Call, error) {
	const q = `
UPDATE calls
SET status = 'attempted',
    attempts = attempts + 1,
    next_retry_at = NULL,
    provider_call_id = $1,
    updated_at = $2
WHERE id = $3
  AND status IN ('prompt_ready','failed')
  AND attempts < max_attempts
RETURNING ` + callColumns

	row := db.QueryRowContext(ctx, q, providerCallID, now, callID)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrInvalidTransition
		}
		return Call{}, err
	}
	return c, nil
}

// markFailed records a failed attempt. next_retry_at is set only while
// attempts remain; at the cap the row parks in terminal failed.
func markFailed(ctx context.Context, db *sql.DB, callID string, retryAt *time.Time, now time.Time) (Call, error) {
	const q = `
UPDATE calls
SET status = 'failed',
    next_retry_at = CASE WHEN attempts < max_attempts THEN $1 ELSE NULL END,
    updated_at = $2
WHERE id = $3 AND status = 'attempted'
RETURNING ` + callColumns

	row := db.QueryRowContext(ctx, q, retryAt, now, callID)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrInvalidTransition
		}
		return Call{}, err
	}
	return c, nil
}

func listDueForRetry(ctx context.Context, db *sql.DB, now time.Time, limit int) ([]Call, error) {
	const q = `
SELECT ` + callColumns + ` FROM calls
WHERE status = 'failed'
  AND attempts < max_attempts
  AND next_retry_at IS NOT NULL
  AND next_retry_at <= $1
ORDER BY next_retry_at ASC
LIMIT $2
`
	rows, err := db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// setRecording is field-scoped and idempotent: re-delivery of the same
// webhook rewrites identical values and nothing else.
func setRecording(ctx context.Context, db *sql.DB, providerCallID, recordingSID, recordingURL string, now time.Time) (Call, error) {
	const q = `
UPDATE calls
SET recording_sid = $1, recording_url = $2, updated_at = $3
WHERE provider_call_id = $4
RETURNING ` + callColumns

	row := db.QueryRowContext(ctx, q, recordingSID, recordingURL, now, providerCallID)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func setSplitTracks(ctx context.Context, db *sql.DB, callID, callerURL, agentURL string, now time.Time) error {
	const q = `
UPDATE calls
SET caller_track_url = $1, agent_track_url = $2, updated_at = $3
WHERE id = $4
`
	res, err := db.ExecContext(ctx, q, callerURL, agentURL, now, callID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// claimVideoRender is the duplicate-submission guard: only pending or failed
// rows can enter generating, and the conditional update makes concurrent
// claimants lose cleanly instead of double-rendering.
func claimVideoRender(ctx context.Context, db *sql.DB, callID string, now time.Time) (Call, error) {
	const q = `
UPDATE calls
SET video_status = 'generating', video_error_message = NULL, updated_at = $1
WHERE id = $2 AND video_status IN ('pending','failed')
RETURNING ` + callColumns

	row := db.QueryRowContext(ctx, q, now, callID)
	c, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Zero rows means either an active claim or a call that does
			// not exist; the caller treats those differently.
			var exists bool
			const check = `SELECT EXISTS (SELECT 1 FROM calls WHERE id = $1)`
			if cerr := db.QueryRowContext(ctx, check, callID).Scan(&exists); cerr != nil {
				return Call{}, cerr
			}
			if !exists {
				return Call{}, ErrNotFound
			}
			return Call{}, ErrRenderInFlight
		}
		return Call{}, err
	}
	return c, nil
}

func completeVideoRender(ctx context.Context, db *sql.DB, callID, videoURL, storageKey, renderJobID string, now time.Time) error {
	const q = `
UPDATE calls
SET video_status = 'completed',
    video_url = $1,
    video_storage_key = $2,
    render_job_id = $3,
    video_error_message = NULL,
    updated_at = $4
WHERE id = $5 AND video_status = 'generating'
`
	res, err := db.ExecContext(ctx, q, videoURL, storageKey, renderJobID, now, callID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func failVideoRender(ctx context.Context, db *sql.DB, callID, errMsg string, now time.Time) error {
	const q = `
UPDATE calls
SET video_status = 'failed', video_error_message = $1, updated_at = $2
WHERE id = $3 AND video_status = 'generating'
`
	res, err := db.ExecContext(ctx, q, errMsg, now, callID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}
