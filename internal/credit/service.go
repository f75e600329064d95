package credit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callreel/pkg/utils"

	"github.com/google/uuid"
)

// Service provides credit ledger operations.
//
// Ledger invariants:
// - payment_ref replay protection is enforced by the DB unique index; the
//   service only translates the violation into ErrDuplicatePayment.
// - Consumption is a single atomic claim (locked conditional update). There
//   is no read-then-write window for two requests to spend one credit.
// - State transitions are one-way; nothing here ever un-consumes a credit.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

var (
	ErrNotFound          = errors.New("credit not found")
	ErrDuplicatePayment  = errors.New("payment already recorded")
	ErrNoCreditAvailable = errors.New("no unused credit available")
	ErrInvalidArgument   = errors.New("invalid argument")
)

type CreateRequest struct {
	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentRef    *string       `json:"payment_ref,omitempty"`
	Network       *string       `json:"network,omitempty"`
	AmountCents   int64         `json:"amount_cents"`
}

// Create records a new unused credit for the user.
// Returns ErrDuplicatePayment when payment_ref was already recorded on any
// credit, regardless of owner.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (Credit, error) {
	if userID == "" {
		return Credit{}, ErrInvalidArgument
	}
	if !req.PaymentMethod.Valid() {
		return Credit{}, ErrInvalidArgument
	}
	if req.AmountCents <= 0 {
		return Credit{}, ErrInvalidArgument
	}
	if req.PaymentRef != nil && *req.PaymentRef == "" {
		return Credit{}, ErrInvalidArgument
	}

	c := Credit{
		ID:            uuid.NewString(),
		UserID:        userID,
		State:         StateUnused,
		PaymentMethod: req.PaymentMethod,
		PaymentRef:    req.PaymentRef,
		Network:       req.Network,
		AmountCents:   req.AmountCents,
		CreatedAt:     s.clock().UTC(),
	}

	if err := insertCredit(ctx, s.db, c); err != nil {
		if utils.IsUniqueViolation(err) {
			return Credit{}, ErrDuplicatePayment
		}
		return Credit{}, err
	}
	return c, nil
}

// ConsumeTx atomically claims the oldest unused credit for userID inside the
// caller's transaction, binding it to callID. Call creation runs this in the
// same transaction as the call insert so that a failed claim aborts the
// whole creation.
func (s *Service) ConsumeTx(ctx context.Context, tx *sql.Tx, userID, callID string) (Credit, error) {
	if userID == "" || callID == "" {
		return Credit{}, ErrInvalidArgument
	}
	return claimOldestUnused(ctx, tx, userID, callID, s.clock().UTC())
}

// Consume claims a credit in its own transaction.
func (s *Service) Consume(ctx context.Context, userID, callID string) (Credit, error) {
	var out Credit
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		c, err := s.ConsumeTx(ctx, tx, userID, callID)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Balance returns the count of unused credits. Side-effect free.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrInvalidArgument
	}
	return countUnused(ctx, s.db, userID)
}

// Expire marks an unused credit expired. A credit consumed in the meantime
// is left alone and reported via ErrNotFound.
func (s *Service) Expire(ctx context.Context, creditID string) error {
	if creditID == "" {
		return ErrInvalidArgument
	}
	ok, err := expireUnused(ctx, s.db, creditID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Get fetches a single credit by id.
func (s *Service) Get(ctx context.Context, creditID string) (Credit, error) {
	if creditID == "" {
		return Credit{}, ErrInvalidArgument
	}
	return getCredit(ctx, s.db, creditID)
}

// AdminGrant creates a free credit on behalf of an admin. The grant is a
// regular unused credit with payment_method=admin_grant; reason is required
// for auditability and ends up in the log stream, not the row.
func (s *Service) AdminGrant(ctx context.Context, userID, adminUserID, reason string, amountCents int64) (Credit, error) {
	if userID == "" || adminUserID == "" || reason == "" {
		return Credit{}, ErrInvalidArgument
	}
	if amountCents <= 0 {
		return Credit{}, ErrInvalidArgument
	}
	return s.Create(ctx, userID, CreateRequest{
		PaymentMethod: PaymentMethodAdminGrant,
		AmountCents:   amountCents,
	})
}
