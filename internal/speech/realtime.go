package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Verify interface compliance at compile time.
var _ Session = (*RealtimeSession)(nil)

// RealtimeSession is a Session over a realtime speech WebSocket API.
//
// Concurrency: the read loop is the only reader; writes are serialized by
// writeMu. Callbacks fire from the read loop goroutine.
type RealtimeSession struct {
	cfg          Config
	instructions string

	writeMu sync.Mutex
	conn    *websocket.Conn

	onAudio      func([]byte)
	onTranscript func(string)
	onError      func(error)

	done      chan struct{}
	closeOnce sync.Once
}

func NewRealtimeSession(cfg Config, instructions string) *RealtimeSession {
	return &RealtimeSession{
		cfg:          cfg,
		instructions: instructions,
		done:         make(chan struct{}),
	}
}

func (s *RealtimeSession) OnAudio(fn func([]byte))      { s.onAudio = fn }
func (s *RealtimeSession) OnTranscript(fn func(string)) { s.onTranscript = fn }
func (s *RealtimeSession) OnError(fn func(error))       { s.onError = fn }

// Wire messages. The protocol is event-tagged JSON both directions.

type clientEvent struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	Session *sessionPayload `json:"session,omitempty"`
}

type sessionPayload struct {
	Instructions      string `json:"instructions"`
	Voice             string `json:"voice"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *RealtimeSession) Connect(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("speech: realtime url is required")
	}

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("speech: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("speech: dial failed: %w", err)
	}
	s.conn = conn

	// Configure the conversation before any audio flows.
	cfgEvent := clientEvent{
		Type: "session.update",
		Session: &sessionPayload{
			Instructions:      s.instructions,
			Voice:             s.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	}
	if err := s.writeJSON(cfgEvent); err != nil {
		_ = conn.Close()
		return fmt.Errorf("speech: session.update failed: %w", err)
	}

	go s.readLoop()
	return nil
}

func (s *RealtimeSession) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.writeJSON(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *RealtimeSession) CommitAudio() error {
	if err := s.writeJSON(clientEvent{Type: "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(clientEvent{Type: "response.create"})
}

func (s *RealtimeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			_ = s.conn.Close()
		}
	})
	return nil
}

func (s *RealtimeSession) writeJSON(v any) error {
	if s.conn == nil {
		return fmt.Errorf("speech: not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *RealtimeSession) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// expected on Close
			default:
				if s.onError != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.onError(err)
				}
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.audio.delta":
			if s.onAudio == nil || ev.Delta == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				continue
			}
			s.onAudio(pcm)

		case "response.audio_transcript.delta":
			if s.onTranscript != nil && ev.Delta != "" {
				s.onTranscript(ev.Delta)
			}

		case "error":
			if s.onError != nil {
				msg := "speech model error"
				if ev.Error != nil && ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				s.onError(fmt.Errorf("speech: %s", msg))
			}
		}
	}
}
