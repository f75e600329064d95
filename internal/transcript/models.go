package transcript

import "time"

// Line is one append-only transcript fragment from a live call.
//
// Invariants:
// - Lines are never updated or deleted.
// - Capture is best-effort; the relay must never block audio routing on
//   transcript persistence.
type Line struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	// Speaker identifies which side of the bridge produced the text.
	Speaker Speaker `json:"speaker" db:"speaker"`

	Text string `json:"text" db:"text"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerCaller Speaker = "caller"
)
