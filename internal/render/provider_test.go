package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callreel/internal/config"
)

func testRenderConfig(baseURL string) config.RenderConfig {
	return config.RenderConfig{
		BaseURL:     baseURL,
		APIKey:      "rk_test",
		Workers:     1,
		CallTimeout: 5 * time.Second,
		MaxRetries:  2,
	}
}

func TestClientRender(t *testing.T) {
	var gotAuth string
	var gotReq RenderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/renders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(RenderResult{JobID: "job-1", VideoURL: "https://videos.example.com/1.mp4"})
	}))
	defer srv.Close()

	c, err := NewClient(testRenderConfig(srv.URL), srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := c.Render(context.Background(), RenderRequest{AudioURL: "https://a.example.com/r.wav", DurationSeconds: 42})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.JobID != "job-1" || res.VideoURL != "https://videos.example.com/1.mp4" {
		t.Fatalf("result = %+v", res)
	}
	if gotAuth != "Bearer rk_test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReq.AudioURL != "https://a.example.com/r.wav" || gotReq.DurationSeconds != 42 {
		t.Fatalf("request body = %+v", gotReq)
	}
}

func TestClientRenderErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, "upstream down", ErrProviderUnavailable},
		{"bad request", http.StatusUnprocessableEntity, "audio too long", ErrProviderRejected},
		{"missing video url", http.StatusOK, `{"job_id":"job-1"}`, ErrProviderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(testRenderConfig(srv.URL), srv.Client())
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			_, err = c.Render(context.Background(), RenderRequest{AudioB64: "AAAA"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientRenderNeedsAudioSource(t *testing.T) {
	c, err := NewClient(testRenderConfig("http://unused.localhost"), http.DefaultClient)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Render(context.Background(), RenderRequest{}); err == nil {
		t.Fatalf("request without audio accepted")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(ErrProviderUnavailable) {
		t.Fatalf("provider unavailability should be retryable")
	}
	if Retryable(ErrProviderRejected) {
		t.Fatalf("rejected requests must not be retried")
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	q := NewQueue(nil)
	if err := q.Enqueue(context.Background(), Job{}); err == nil {
		t.Fatalf("job without call id accepted")
	}
}
