package call

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callreel/internal/credit"
	"callreel/pkg/utils"

	"github.com/google/uuid"
)

// CreditConsumer is the slice of the credit ledger the call service needs:
// the tx-scoped atomic claim, so that consuming the credit and inserting the
// call commit or roll back together.
type CreditConsumer interface {
	ConsumeTx(ctx context.Context, tx *sql.Tx, userID, callID string) (credit.Credit, error)
}

// Service owns the call lifecycle state machine.
//
// Lifecycle:
//
//	created -> prompt_ready -> attempted -> complete
//	                           attempted -> failed -> attempted (while attempts < max)
//
// VideoStatus moves independently (pending -> generating -> completed|failed)
// and its transitions never touch Status or payment fields.
type Service struct {
	db      *sql.DB
	credits CreditConsumer

	defaultMaxAttempts int
	retryBackoff       time.Duration
	clock              func() time.Time
}

var (
	ErrNotFound          = errors.New("call not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrRenderInFlight    = errors.New("video render already in flight or completed")
)

func NewService(db *sql.DB, credits CreditConsumer) *Service {
	return &Service{
		db:                 db,
		credits:            credits,
		defaultMaxAttempts: 3,
		retryBackoff:       5 * time.Minute,
		clock:              time.Now,
	}
}

type CreateRequest struct {
	RecipientName  string `json:"recipient_name"`
	RecipientPhone string `json:"recipient_phone"`
	Scenario       string `json:"scenario"`
	VoiceStyle     string `json:"voice_style,omitempty"`
}

// CreateWithCredit consumes the caller's oldest unused credit and creates
// the call in one transaction. If no credit can be claimed the transaction
// rolls back and no partial call row is persisted; the claim failure
// (credit.ErrNoCreditAvailable) propagates unchanged.
func (s *Service) CreateWithCredit(ctx context.Context, userID string, req CreateRequest) (Call, error) {
	if userID == "" {
		return Call{}, ErrInvalidArgument
	}
	if req.RecipientName == "" || req.RecipientPhone == "" || req.Scenario == "" {
		return Call{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	callID := uuid.NewString()

	var out Call
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		cr, err := s.credits.ConsumeTx(ctx, tx, userID, callID)
		if err != nil {
			return err
		}

		c := Call{
			ID:             callID,
			UserID:         userID,
			Status:         StatusCreated,
			VideoStatus:    VideoStatusPending,
			RecipientName:  req.RecipientName,
			RecipientPhone: req.RecipientPhone,
			Scenario:       req.Scenario,
			VoiceStyle:     req.VoiceStyle,
			Attempts:       0,
			MaxAttempts:    s.defaultMaxAttempts,
			PaymentMethod:  string(cr.PaymentMethod),
			PaymentTxHash:  cr.PaymentRef,
			AmountCents:    cr.AmountCents,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := insertCall(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// MarkPromptReady records that the agent persona/script has been prepared.
func (s *Service) MarkPromptReady(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	return transitionStatus(ctx, s.db, callID, StatusCreated, StatusPromptReady, s.clock().UTC())
}

// MarkAttempted records a launched dial attempt, binding the telephony-side
// call id. The attempt counter increment and the max_attempts guard are part
// of the same conditional update.
func (s *Service) MarkAttempted(ctx context.Context, callID, providerCallID string) (Call, error) {
	if callID == "" || providerCallID == "" {
		return Call{}, ErrInvalidArgument
	}
	return markAttempted(ctx, s.db, callID, providerCallID, s.clock().UTC())
}

// MarkComplete is the terminal success transition.
func (s *Service) MarkComplete(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	return transitionStatus(ctx, s.db, callID, StatusAttempted, StatusComplete, s.clock().UTC())
}

// MarkFailed records a failed dial attempt. While attempts remain the call
// is re-armed with next_retry_at = now + backoff; the consumed credit is
// never refunded (retry policy compensates the caller instead).
func (s *Service) MarkFailed(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	retryAt := now.Add(s.retryBackoff)
	return markFailed(ctx, s.db, callID, &retryAt, now)
}

// DueForRetry lists failed calls whose retry window has elapsed.
func (s *Service) DueForRetry(ctx context.Context, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	return listDueForRetry(ctx, s.db, s.clock().UTC(), limit)
}

func (s *Service) Get(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	return getCall(ctx, s.db, callID)
}

// GetByProviderCallID resolves a call from the telephony-side identifier.
// Used by the recording webhook and the relay's start handshake fallback.
func (s *Service) GetByProviderCallID(ctx context.Context, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrInvalidArgument
	}
	return getCallByProviderID(ctx, s.db, providerCallID)
}

func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Call, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return listCallsByUser(ctx, s.db, userID, limit)
}

// SetRecording stores the finalized recording reference. Keyed on the
// provider call id and idempotent: the same webhook applied twice leaves the
// row identical.
func (s *Service) SetRecording(ctx context.Context, providerCallID, recordingSID, recordingURL string) (Call, error) {
	if providerCallID == "" || recordingSID == "" || recordingURL == "" {
		return Call{}, ErrInvalidArgument
	}
	return setRecording(ctx, s.db, providerCallID, recordingSID, recordingURL, s.clock().UTC())
}

// SetSplitTracks stores the per-speaker mono track URLs.
func (s *Service) SetSplitTracks(ctx context.Context, callID, callerURL, agentURL string) error {
	if callID == "" || callerURL == "" || agentURL == "" {
		return ErrInvalidArgument
	}
	return setSplitTracks(ctx, s.db, callID, callerURL, agentURL, s.clock().UTC())
}

// ClaimVideoRender moves video_status to generating. Returns
// ErrRenderInFlight when the call is already generating or completed, which
// callers treat as a duplicate-submission no-op.
func (s *Service) ClaimVideoRender(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, ErrInvalidArgument
	}
	return claimVideoRender(ctx, s.db, callID, s.clock().UTC())
}

// CompleteVideoRender persists the final video artifact.
func (s *Service) CompleteVideoRender(ctx context.Context, callID, videoURL, storageKey, renderJobID string) error {
	if callID == "" || videoURL == "" {
		return ErrInvalidArgument
	}
	return completeVideoRender(ctx, s.db, callID, videoURL, storageKey, renderJobID, s.clock().UTC())
}

// FailVideoRender parks the video sub-state in failed with the error text.
// Call status, payment linkage and the consumed credit are untouched.
func (s *Service) FailVideoRender(ctx context.Context, callID, errMsg string) error {
	if callID == "" {
		return ErrInvalidArgument
	}
	if errMsg == "" {
		errMsg = "render failed"
	}
	return failVideoRender(ctx, s.db, callID, errMsg, s.clock().UTC())
}

// Instructions builds the agent persona/script the relay hands to the
// speech-model session.
func (c Call) Instructions() string {
	out := "You are making a lighthearted phone call to " + c.RecipientName + ". " +
		"Scenario: " + c.Scenario + ". " +
		"Stay in character, keep responses short and conversational, and never mention that you are an AI."
	if c.VoiceStyle != "" {
		out += " Speak in a " + c.VoiceStyle + " style."
	}
	return out
}
