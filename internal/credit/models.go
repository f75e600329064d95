package credit

import "time"

// Credit represents one paid entitlement to place one call.
//
// State invariants:
// - Transitions are one-directional: unused -> consumed, unused -> expired.
// - A consumed credit always carries a bound call_id and consumed_at; both
//   are written by the same atomic claim that flips the state.
// - A non-null payment_ref is globally unique (replay protection for
//   at-least-once payment callbacks). The uniqueness lives in a partial
//   unique index, not in application reads.
type Credit struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	State State `json:"state" db:"state"`

	PaymentMethod PaymentMethod `json:"payment_method" db:"payment_method"`

	// PaymentRef is the external payment reference (card charge id, chain tx
	// hash). Nil for admin grants.
	PaymentRef *string `json:"payment_ref,omitempty" db:"payment_ref"`

	// Network tags crypto payments with the chain/channel they arrived on.
	Network *string `json:"network,omitempty" db:"network"`

	AmountCents int64 `json:"amount_cents" db:"amount_cents"`

	// CallID is set when the credit is consumed and never cleared.
	CallID *string `json:"call_id,omitempty" db:"call_id"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

type State string

const (
	StateUnused   State = "unused"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
)

type PaymentMethod string

const (
	PaymentMethodCard       PaymentMethod = "card"
	PaymentMethodCrypto     PaymentMethod = "crypto"
	PaymentMethodAdminGrant PaymentMethod = "admin_grant"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodCrypto, PaymentMethodAdminGrant:
		return true
	default:
		return false
	}
}
