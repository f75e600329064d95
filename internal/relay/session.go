package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"callreel/internal/audio"
	"callreel/internal/call"
	"callreel/internal/speech"
	"callreel/internal/transcript"
)

// CallResolver is the slice of the call service the relay needs to bind a
// media stream to its call context.
type CallResolver interface {
	Get(ctx context.Context, callID string) (call.Call, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (call.Call, error)
}

// TranscriptSink ingests transcript fragments; persistence is a
// collaborator concern and must never block audio routing.
type TranscriptSink interface {
	Append(ctx context.Context, callID string, speaker transcript.Speaker, text string) error
}

// LiveAudioStore receives the agent-voice capture buffer at teardown so the
// render stage can prefer live audio over the post-call recording.
type LiveAudioStore interface {
	StoreLiveAudio(ctx context.Context, callID string, pcm []byte) error
}

// RenderEnqueuer queues a render job for a call whose only audio is the
// live capture. Calls that never get a provider recording callback would
// otherwise sit with an expiring capture buffer and no job to consume it.
type RenderEnqueuer interface {
	EnqueueLive(ctx context.Context, callID string) error
}

// Config tunes per-session behavior.
type Config struct {
	// ModelSampleRate is the linear-PCM rate of the speech session.
	ModelSampleRate int

	// GraceWait bounds how long teardown waits after commit for the
	// model's final audio before closing the session.
	GraceWait time.Duration

	// CaptureLimit caps the live-audio buffer (bytes of 8 kHz PCM16).
	CaptureLimit int
}

func (c Config) withDefaults() Config {
	out := c
	if out.ModelSampleRate <= 0 {
		out.ModelSampleRate = 24000
	}
	if out.GraceWait <= 0 {
		out.GraceWait = 2 * time.Second
	}
	if out.CaptureLimit <= 0 {
		out.CaptureLimit = 8 * 1024 * 1024
	}
	return out
}

// Telephony media-stream message shapes. The protocol is event-tagged JSON.

type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 µ-law
}

type stopPayload struct {
	CallSID string `json:"callSid"`
}

const (
	trackInbound  = "inbound"
	trackOutbound = "outbound"
)

// Session bridges exactly one telephony connection and at most one speech
// session.
//
// Concurrency: one goroutine reads telephony messages and drives
// HandleRaw; the speech session's read loop drives the onAudio/onTranscript
// callbacks. Outbound telephony writes from both flow through the out
// channel, consumed by a single write pump, so in-order delivery holds in
// both directions. streamSID and model are written only during start
// handling, which happens before any model callback can fire.
type Session struct {
	log      *slog.Logger
	cfg      Config
	calls    CallResolver
	dialer   speech.Dialer
	scripts  TranscriptSink
	live     LiveAudioStore
	jobs     RenderEnqueuer
	registry *Registry

	streamSID string
	callID    string
	model     speech.Session

	out chan streamMessage

	captureMu sync.Mutex
	capture   []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(log *slog.Logger, cfg Config, calls CallResolver, dialer speech.Dialer, scripts TranscriptSink, live LiveAudioStore, jobs RenderEnqueuer, registry *Registry) *Session {
	return &Session{
		log:      log,
		cfg:      cfg.withDefaults(),
		calls:    calls,
		dialer:   dialer,
		scripts:  scripts,
		live:     live,
		jobs:     jobs,
		registry: registry,
		out:      make(chan streamMessage, 64),
		done:     make(chan struct{}),
	}
}

// StreamSID returns the telephony stream id, empty before start.
func (s *Session) StreamSID() string { return s.streamSID }

// CallID returns the bound call id, empty when unbound.
func (s *Session) CallID() string { return s.callID }

// Out exposes the outbound message channel consumed by the write pump.
func (s *Session) Out() <-chan streamMessage { return s.out }

// Done is closed after teardown completes.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleRaw processes one telephony message. It returns true when the
// stream has ended and the connection should be dropped.
func (s *Session) HandleRaw(ctx context.Context, data []byte) bool {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Unknown frames are ignored; the stream carries only JSON.
		return false
	}

	switch msg.Event {
	case "connected":
		// Handshake only; the call identity arrives with start.
	case "start":
		if msg.Start != nil {
			s.handleStart(ctx, msg.Start)
		}
	case "media":
		if msg.Media != nil {
			s.handleMedia(msg.Media)
		}
	case "stop":
		s.Teardown(ctx)
		return true
	}
	return false
}

// handleStart binds the connection to its call and connects the speech
// session. A missing call is a soft failure: the phone call proceeds
// without an agent instead of dropping the socket.
func (s *Session) handleStart(ctx context.Context, start *startPayload) {
	s.streamSID = start.StreamSID
	s.registry.Register(s.streamSID, s)

	c, err := s.resolveCall(ctx, start)
	if err != nil {
		s.log.Warn("relay: call context not found, continuing without agent",
			"stream_sid", start.StreamSID, "call_sid", start.CallSID, "err", err)
		return
	}
	s.callID = c.ID

	model := s.dialer.NewSession(c.Instructions())
	model.OnAudio(s.onModelAudio)
	model.OnTranscript(s.onModelTranscript)
	model.OnError(func(err error) {
		// Model-side errors degrade the call to agent-silent; a live
		// phone call is never hung up for a transient model failure.
		s.log.Error("relay: speech session error", "call_id", s.callID, "err", err)
	})

	if err := model.Connect(ctx); err != nil {
		s.log.Error("relay: speech session connect failed, continuing without agent",
			"call_id", s.callID, "err", err)
		return
	}
	s.model = model
}

func (s *Session) resolveCall(ctx context.Context, start *startPayload) (call.Call, error) {
	if id := start.CustomParams["call_id"]; id != "" {
		return s.calls.Get(ctx, id)
	}
	return s.calls.GetByProviderCallID(ctx, start.CallSID)
}

// handleMedia forwards caller audio to the model. Outbound-tagged frames
// are the telephony leg echoing what we already sent; forwarding them would
// feed the agent its own voice.
func (s *Session) handleMedia(m *mediaPayload) {
	if m.Track != trackInbound {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil || len(frame) == 0 {
		return
	}

	// The capture buffer holds both legs at the telephony rate, in arrival
	// order; speech is close enough to half-duplex that this stands in for
	// the call audio when the provider recording is late.
	s.appendCapture(audio.PCM16Bytes(audio.DecodeMulaw(frame)))

	if s.model == nil {
		return
	}
	pcm := audio.DecodeTelephonyFrame(frame, s.cfg.ModelSampleRate)
	if err := s.model.SendAudio(pcm); err != nil {
		s.log.Error("relay: send audio failed", "call_id", s.callID, "err", err)
	}
}

// onModelAudio converts a model audio delta down to the telephony format
// and queues it on the stream the connection was opened with. The agent's
// voice is also captured for the render stage.
func (s *Session) onModelAudio(pcm []byte) {
	s.appendCapture(audio.PCM16Bytes(audio.Resample(audio.BytesPCM16(pcm), s.cfg.ModelSampleRate, audio.TelephonyRate)))

	frame := audio.EncodeTelephonyFrame(pcm, s.cfg.ModelSampleRate)
	msg := streamMessage{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	}

	select {
	case s.out <- msg:
	default:
		// Writer is behind realtime; drop the oldest frame to keep latency
		// bounded rather than backing up the model read loop.
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- msg:
		default:
		}
	}
}

func (s *Session) onModelTranscript(text string) {
	if s.scripts == nil || s.callID == "" {
		return
	}
	if err := s.scripts.Append(context.Background(), s.callID, transcript.SpeakerAgent, text); err != nil {
		s.log.Warn("relay: transcript append failed", "call_id", s.callID, "err", err)
	}
}

func (s *Session) appendCapture(pcm []byte) {
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	if len(s.capture)+len(pcm) > s.cfg.CaptureLimit {
		return
	}
	s.capture = append(s.capture, pcm...)
}

// Teardown commits trailing audio, waits a bounded grace period for the
// model's final response, closes the model session, flushes the capture
// buffer, and unregisters. Safe to call more than once; ordering
// (commit -> grace wait -> close) avoids truncating the agent's last words.
func (s *Session) Teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.model != nil {
			if err := s.model.CommitAudio(); err != nil {
				s.log.Warn("relay: commit audio failed", "call_id", s.callID, "err", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.GraceWait):
			}
			if err := s.model.Close(); err != nil {
				s.log.Warn("relay: speech session close failed", "call_id", s.callID, "err", err)
			}
		}

		if s.flushCapture(ctx) {
			s.enqueueRender(ctx)
		}
		s.registry.Unregister(s.streamSID)
		close(s.done)
	})
}

// flushCapture reports whether a capture buffer was handed to the live
// store.
func (s *Session) flushCapture(ctx context.Context) bool {
	if s.live == nil || s.callID == "" {
		return false
	}
	s.captureMu.Lock()
	pcm := s.capture
	s.capture = nil
	s.captureMu.Unlock()

	if len(pcm) == 0 {
		return false
	}
	if err := s.live.StoreLiveAudio(ctx, s.callID, pcm); err != nil {
		s.log.Warn("relay: live audio store failed", "call_id", s.callID, "err", err)
		return false
	}
	return true
}

// enqueueRender queues a job against the stored capture. When the provider
// recording callback later enqueues its own job, the video render claim
// lets exactly one of the two proceed.
func (s *Session) enqueueRender(ctx context.Context) {
	if s.jobs == nil {
		return
	}
	if err := s.jobs.EnqueueLive(ctx, s.callID); err != nil {
		s.log.Warn("relay: render enqueue failed", "call_id", s.callID, "err", err)
	}
}
