// Package speech wraps the realtime speech-model session the voice relay
// talks to. One Session is one model conversation, owned by exactly one
// relay session.
package speech

import "context"

// Session is the speech-model side of the relay bridge.
//
// Callbacks must be registered before Connect; they are invoked from the
// session's read loop, one at a time, in arrival order.
type Session interface {
	Connect(ctx context.Context) error

	// SendAudio forwards 16-bit little-endian PCM at the session's
	// sample rate.
	SendAudio(pcm []byte) error

	// CommitAudio finalizes the current input buffer, signalling
	// end-of-utterance, and asks the model to respond to whatever is
	// buffered.
	CommitAudio() error

	Close() error

	OnAudio(fn func(pcm []byte))
	OnTranscript(fn func(text string))
	OnError(fn func(err error))
}

// Config carries the connection parameters for realtime sessions.
type Config struct {
	URL        string
	APIKey     string
	Voice      string
	SampleRate int
}

// Dialer constructs one Session per call with the agent instructions baked
// in. The relay depends on this rather than on a concrete session type.
type Dialer interface {
	NewSession(instructions string) Session
}

// RealtimeDialer builds RealtimeSessions from a shared Config.
type RealtimeDialer struct {
	cfg Config
}

func NewRealtimeDialer(cfg Config) *RealtimeDialer {
	return &RealtimeDialer{cfg: cfg}
}

func (d *RealtimeDialer) NewSession(instructions string) Session {
	return NewRealtimeSession(d.cfg, instructions)
}
