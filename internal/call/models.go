package call

import "time"

// Call is the durable record of one requested AI-voice phone call.
//
// Status moves monotonically except for the bounded attempted<->failed retry
// cycle. VideoStatus is an independent sub-state: a failed render never
// touches Status, the payment linkage, or the consumed credit.
type Call struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	Status      Status      `json:"status" db:"status"`
	VideoStatus VideoStatus `json:"video_status" db:"video_status"`

	// Recipient targeting. These fields are the inputs to the agent
	// persona/script the relay hands to the speech model.
	RecipientName  string `json:"recipient_name" db:"recipient_name"`
	RecipientPhone string `json:"recipient_phone" db:"recipient_phone"`
	Scenario       string `json:"scenario" db:"scenario"`
	VoiceStyle     string `json:"voice_style,omitempty" db:"voice_style"`

	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`

	// Payment linkage, denormalized from the consumed credit.
	PaymentMethod string  `json:"payment_method" db:"payment_method"`
	PaymentTxHash *string `json:"payment_tx_hash,omitempty" db:"payment_tx_hash"`
	AmountCents   int64   `json:"amount_cents" db:"amount_cents"`

	// ProviderCallID is the telephony-side call identifier (e.g. CallSid),
	// set when the dial is launched; webhook lookups key on it.
	ProviderCallID *string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	RecordingSID *string `json:"recording_sid,omitempty" db:"recording_sid"`
	RecordingURL *string `json:"recording_url,omitempty" db:"recording_url"`

	// Per-speaker mono tracks derived from the dual-channel recording.
	CallerTrackURL *string `json:"caller_track_url,omitempty" db:"caller_track_url"`
	AgentTrackURL  *string `json:"agent_track_url,omitempty" db:"agent_track_url"`

	// Video artifact fields, owned by the render worker.
	VideoURL          *string `json:"video_url,omitempty" db:"video_url"`
	VideoStorageKey   *string `json:"video_storage_key,omitempty" db:"video_storage_key"`
	RenderJobID       *string `json:"render_job_id,omitempty" db:"render_job_id"`
	VideoErrorMessage *string `json:"video_error_message,omitempty" db:"video_error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusCreated     Status = "created"
	StatusPromptReady Status = "prompt_ready"
	StatusAttempted   Status = "attempted"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusGenerating VideoStatus = "generating"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// CanRetry reports whether a failed call still has dial attempts left.
func (c Call) CanRetry() bool {
	return c.Status == StatusFailed && c.Attempts < c.MaxAttempts
}
