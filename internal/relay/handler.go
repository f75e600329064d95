package relay

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"callreel/internal/speech"
	"callreel/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The telephony provider connects server-to-server without an Origin
	// header worth checking; stream identity is established by the start
	// event, not the handshake.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades telephony media-stream connections and runs one Session
// per connection.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	calls    CallResolver
	dialer   speech.Dialer
	scripts  TranscriptSink
	live     LiveAudioStore
	jobs     RenderEnqueuer
	registry *Registry
}

func NewHandler(log *slog.Logger, cfg Config, calls CallResolver, dialer speech.Dialer, scripts TranscriptSink, live LiveAudioStore, jobs RenderEnqueuer, registry *Registry) *Handler {
	return &Handler{
		log:      log,
		cfg:      cfg,
		calls:    calls,
		dialer:   dialer,
		scripts:  scripts,
		live:     live,
		jobs:     jobs,
		registry: registry,
	}
}

// MediaStream is the websocket endpoint the telephony provider dials when a
// call connects.
func (h *Handler) MediaStream(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("relay: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sess := NewSession(log, h.cfg, h.calls, h.dialer, h.scripts, h.live, h.jobs, h.registry)
	ctx := c.Request.Context()

	// Write pump: the only goroutine writing to the socket.
	go func() {
		for {
			select {
			case <-sess.Done():
				return
			case msg, ok := <-sess.Out():
				if !ok {
					return
				}
				if err := conn.WriteJSON(msg); err != nil {
					log.Warn("relay: media write failed", "stream_sid", sess.StreamSID(), "err", err)
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("relay: media read ended", "stream_sid", sess.StreamSID(), "err", err)
			}
			break
		}
		if done := sess.HandleRaw(ctx, data); done {
			break
		}
	}

	// Covers abrupt disconnects that never delivered a stop event.
	sess.Teardown(ctx)
}
