package speech

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fake realtime endpoint: records client events and can push server events.
type fakeRealtime struct {
	srv      *httptest.Server
	received chan map[string]any
	send     chan any
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{
		received: make(chan map[string]any, 32),
		send:     make(chan any, 32),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			for msg := range f.send {
				_ = conn.WriteJSON(msg)
			}
		}()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.received <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRealtime) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client event")
		return nil
	}
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	f := newFakeRealtime(t)
	s := NewRealtimeSession(Config{URL: f.wsURL(), APIKey: "sk", Voice: "alloy", SampleRate: 24000}, "be a pirate")
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := f.next(t)
	if msg["type"] != "session.update" {
		t.Fatalf("expected session.update first, got %v", msg["type"])
	}
	sess, _ := msg["session"].(map[string]any)
	if sess == nil || sess["instructions"] != "be a pirate" {
		t.Fatalf("unexpected session payload: %v", msg)
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Fatalf("expected pcm16 formats: %v", sess)
	}
}

func TestSendAudioAndCommit(t *testing.T) {
	f := newFakeRealtime(t)
	s := NewRealtimeSession(Config{URL: f.wsURL()}, "x")
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.next(t) // session.update

	pcm := []byte{1, 2, 3, 4}
	if err := s.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	msg := f.next(t)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("expected append, got %v", msg["type"])
	}
	if msg["audio"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Fatalf("unexpected audio payload %v", msg["audio"])
	}

	if err := s.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if msg := f.next(t); msg["type"] != "input_audio_buffer.commit" {
		t.Fatalf("expected commit, got %v", msg["type"])
	}
	if msg := f.next(t); msg["type"] != "response.create" {
		t.Fatalf("expected response.create, got %v", msg["type"])
	}
}

func TestSendAudioSkipsEmptyFrames(t *testing.T) {
	s := NewRealtimeSession(Config{}, "x")
	if err := s.SendAudio(nil); err != nil {
		t.Fatalf("empty frame should be a no-op, got %v", err)
	}
}

func TestCallbacksDispatch(t *testing.T) {
	f := newFakeRealtime(t)
	s := NewRealtimeSession(Config{URL: f.wsURL()}, "x")
	defer s.Close()

	audioCh := make(chan []byte, 1)
	textCh := make(chan string, 1)
	errCh := make(chan error, 1)
	s.OnAudio(func(b []byte) { audioCh <- b })
	s.OnTranscript(func(txt string) { textCh <- txt })
	s.OnError(func(err error) { errCh <- err })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.next(t) // session.update

	delta := base64.StdEncoding.EncodeToString([]byte{9, 9})
	f.send <- map[string]any{"type": "response.audio.delta", "delta": delta}
	select {
	case got := <-audioCh:
		if len(got) != 2 || got[0] != 9 {
			t.Fatalf("unexpected audio %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for audio callback")
	}

	f.send <- map[string]any{"type": "response.audio_transcript.delta", "delta": "ahoy"}
	select {
	case got := <-textCh:
		if got != "ahoy" {
			t.Fatalf("unexpected transcript %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transcript callback")
	}

	f.send <- map[string]any{"type": "error", "error": map[string]any{"message": "overloaded"}}
	select {
	case err := <-errCh:
		if !strings.Contains(err.Error(), "overloaded") {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error callback")
	}

	// A model-side error must not kill the session: audio still flows.
	f.send <- map[string]any{"type": "response.audio.delta", "delta": delta}
	select {
	case <-audioCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("session should survive a model error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeRealtime(t)
	s := NewRealtimeSession(Config{URL: f.wsURL()}, "x")
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConnectRequiresURL(t *testing.T) {
	s := NewRealtimeSession(Config{}, "x")
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("expected error without url")
	}
}
