package render

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callreel/internal/call"
	"callreel/internal/recording"
)

type fakeLive struct {
	pcm      []byte
	fetchErr error
	dropped  []string
}

func (f *fakeLive) FetchLiveAudio(context.Context, string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.pcm, nil
}
func (f *fakeLive) DropLiveAudio(_ context.Context, callID string) error {
	f.dropped = append(f.dropped, callID)
	return nil
}

type fakeSplitter struct {
	calls  int
	tracks recording.Tracks
	err    error
}

func (f *fakeSplitter) Split(context.Context, string, string) (recording.Tracks, error) {
	f.calls++
	if f.err != nil {
		return recording.Tracks{}, f.err
	}
	return f.tracks, nil
}

type fakeProvider struct {
	calls   int
	errs    []error // consumed per call; nil entry means success
	result  RenderResult
	lastReq RenderRequest
}

func (f *fakeProvider) Render(_ context.Context, req RenderRequest) (RenderResult, error) {
	f.lastReq = req
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return RenderResult{}, f.errs[idx]
	}
	return f.result, nil
}

type fakeUploader struct {
	keys []string
}

func (f *fakeUploader) Upload(_ context.Context, key, _ string, _ []byte) (string, error) {
	f.keys = append(f.keys, key)
	return "https://media.example.com/" + key, nil
}

// storeSpy records the video sub-state calls the worker makes.
type storeSpy struct {
	claimErr                error
	splitCaller, splitAgent string
	completed               []string
	failed                  []string
}

func (s *storeSpy) ClaimVideoRender(_ context.Context, callID string) (call.Call, error) {
	if s.claimErr != nil {
		return call.Call{}, s.claimErr
	}
	return call.Call{ID: callID}, nil
}

func (s *storeSpy) CompleteVideoRender(_ context.Context, callID, _, _, _ string) error {
	s.completed = append(s.completed, callID)
	return nil
}

func (s *storeSpy) FailVideoRender(_ context.Context, callID, _ string) error {
	s.failed = append(s.failed, callID)
	return nil
}

func (s *storeSpy) SetSplitTracks(_ context.Context, _ string, callerURL, agentURL string) error {
	s.splitCaller, s.splitAgent = callerURL, agentURL
	return nil
}

func testWorker(provider Provider, splitter TrackSplitter, live *fakeLive, store *fakeUploader, videoSrv *httptest.Server) *Worker {
	w := &Worker{
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		provider: provider,
		splitter: splitter,
		live:     live,
		store:    store,
	}
	w.cfg.MaxRetries = 2
	w.cfg.CallTimeout = 5 * time.Second
	w.retryDelay = time.Millisecond
	if videoSrv != nil {
		w.http = videoSrv.Client()
	} else {
		w.http = http.DefaultClient
	}
	return w
}

func videoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildRequestPrefersLiveAudio(t *testing.T) {
	live := &fakeLive{pcm: make([]byte, 16000)} // 1s at 8kHz PCM16
	splitter := &fakeSplitter{}
	w := testWorker(&fakeProvider{}, splitter, live, &fakeUploader{}, nil)

	req, usedLive, err := w.buildRequest(context.Background(), Job{CallID: "c1", RecordingURL: "https://rec.example.com/r.wav"})
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if !usedLive {
		t.Fatalf("live capture present but not used")
	}
	if req.AudioB64 == "" || req.AudioURL != "" {
		t.Fatalf("request = %+v, want base64 audio only", req)
	}
	if req.DurationSeconds != 1 {
		t.Fatalf("duration = %d, want 1", req.DurationSeconds)
	}
	if splitter.calls != 0 {
		t.Fatalf("splitter invoked despite live audio")
	}

	wav, err := base64.StdEncoding.DecodeString(req.AudioB64)
	if err != nil || !strings.HasPrefix(string(wav), "RIFF") {
		t.Fatalf("AudioB64 does not decode to a WAV container")
	}
}

func TestBuildRequestFallsBackToRecording(t *testing.T) {
	splitter := &fakeSplitter{tracks: recording.Tracks{
		CallerURL: "https://media.example.com/c1/caller.wav",
		AgentURL:  "https://media.example.com/c1/agent.wav",
		Duration:  42 * time.Second,
	}}
	store := &storeSpy{}
	w := testWorker(&fakeProvider{}, splitter, &fakeLive{}, &fakeUploader{}, nil)
	w.calls = store

	req, usedLive, err := w.buildRequest(context.Background(), Job{CallID: "c1", RecordingURL: "https://rec.example.com/r.wav"})
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if usedLive {
		t.Fatalf("usedLive = true with empty capture")
	}
	if req.AudioURL != "https://rec.example.com/r.wav" {
		t.Fatalf("request = %+v", req)
	}
	if req.DurationSeconds != 42 {
		t.Fatalf("duration = %d, want 42 from the recording header", req.DurationSeconds)
	}
	if store.splitCaller != "https://media.example.com/c1/caller.wav" {
		t.Fatalf("split tracks not saved: %+v", store)
	}
}

func TestBuildRequestSurvivesLiveFetchFailure(t *testing.T) {
	live := &fakeLive{fetchErr: errors.New("redis down")}
	splitter := &fakeSplitter{tracks: recording.Tracks{Duration: 3 * time.Second}}
	w := testWorker(&fakeProvider{}, splitter, live, &fakeUploader{}, nil)
	w.calls = &storeSpy{}

	req, usedLive, err := w.buildRequest(context.Background(), Job{CallID: "c1", RecordingURL: "https://rec.example.com/r.wav"})
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if usedLive || req.AudioURL != "https://rec.example.com/r.wav" {
		t.Fatalf("request = %+v, want recording fallback", req)
	}
	if splitter.calls != 1 {
		t.Fatalf("splitter calls = %d, want 1", splitter.calls)
	}
}

func TestBuildRequestLiveFetchFailureWithoutRecording(t *testing.T) {
	fetchErr := errors.New("redis down")
	w := testWorker(&fakeProvider{}, &fakeSplitter{}, &fakeLive{fetchErr: fetchErr}, &fakeUploader{}, nil)
	w.calls = &storeSpy{}

	if _, _, err := w.buildRequest(context.Background(), Job{CallID: "c1"}); !errors.Is(err, fetchErr) {
		t.Fatalf("err = %v, want the fetch failure", err)
	}
}

func TestBuildRequestNoSource(t *testing.T) {
	w := testWorker(&fakeProvider{}, &fakeSplitter{}, &fakeLive{}, &fakeUploader{}, nil)
	w.calls = &storeSpy{}
	if _, _, err := w.buildRequest(context.Background(), Job{CallID: "c1"}); err == nil {
		t.Fatalf("no audio source accepted")
	}
}

func TestRenderWithRetryRecoversFromTransientFailure(t *testing.T) {
	srv := videoServer(t)
	provider := &fakeProvider{
		errs:   []error{ErrProviderUnavailable, nil},
		result: RenderResult{JobID: "job-7", VideoURL: srv.URL + "/v.mp4"},
	}
	store := &fakeUploader{}
	live := &fakeLive{pcm: make([]byte, 1600)}
	w := testWorker(provider, &fakeSplitter{}, live, store, srv)
	w.calls = &storeSpy{}

	out, usedLive, err := w.renderWithRetry(context.Background(), w.log, Job{CallID: "c1"})
	if err != nil {
		t.Fatalf("renderWithRetry: %v", err)
	}
	if provider.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.calls)
	}
	if !usedLive {
		t.Fatalf("usedLive = false")
	}
	if out.jobID != "job-7" || out.storageKey != "c1/video.mp4" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.videoURL != "https://media.example.com/c1/video.mp4" {
		t.Fatalf("video url = %q", out.videoURL)
	}
	if len(store.keys) != 1 || store.keys[0] != "c1/video.mp4" {
		t.Fatalf("uploaded keys = %v", store.keys)
	}
}

func TestRenderWithRetryStopsOnRejection(t *testing.T) {
	provider := &fakeProvider{errs: []error{ErrProviderRejected}}
	live := &fakeLive{pcm: make([]byte, 1600)}
	w := testWorker(provider, &fakeSplitter{}, live, &fakeUploader{}, nil)
	w.calls = &storeSpy{}

	_, _, err := w.renderWithRetry(context.Background(), w.log, Job{CallID: "c1"})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("err = %v, want ErrProviderRejected", err)
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want exactly 1", provider.calls)
	}
}

func TestRenderWithRetryExhaustsAttempts(t *testing.T) {
	provider := &fakeProvider{errs: []error{ErrProviderUnavailable, ErrProviderUnavailable, ErrProviderUnavailable}}
	live := &fakeLive{pcm: make([]byte, 1600)}
	w := testWorker(provider, &fakeSplitter{}, live, &fakeUploader{}, nil)
	w.calls = &storeSpy{}
	w.cfg.MaxRetries = 2

	_, _, err := w.renderWithRetry(context.Background(), w.log, Job{CallID: "c1"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want wrapped ErrProviderUnavailable", err)
	}
	if provider.calls != 3 {
		t.Fatalf("provider calls = %d, want 3 (1 + 2 retries)", provider.calls)
	}
}

func TestRenderRetriesWhenRecordingNotReady(t *testing.T) {
	splitter := &fakeSplitter{err: recording.ErrSourceUnavailable}
	w := testWorker(&fakeProvider{}, splitter, &fakeLive{}, &fakeUploader{}, nil)
	w.calls = &storeSpy{}
	w.cfg.MaxRetries = 1

	_, _, err := w.renderWithRetry(context.Background(), w.log, Job{CallID: "c1", RecordingURL: "https://rec.example.com/r.wav"})
	if !errors.Is(err, recording.ErrSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if splitter.calls != 2 {
		t.Fatalf("splitter calls = %d, want 2", splitter.calls)
	}
}

func TestHandleJobDropsUnknownCall(t *testing.T) {
	provider := &fakeProvider{}
	store := &storeSpy{claimErr: call.ErrNotFound}
	w := testWorker(provider, &fakeSplitter{}, &fakeLive{}, &fakeUploader{}, nil)
	w.calls = store

	w.handleJob(context.Background(), w.log, Job{CallID: "ghost"})

	if provider.calls != 0 {
		t.Fatalf("provider invoked for an unknown call")
	}
	if len(store.failed) != 0 || len(store.completed) != 0 {
		t.Fatalf("sub-state touched for an unknown call: %+v", store)
	}
}

func TestHandleJobSkipsInFlightClaim(t *testing.T) {
	provider := &fakeProvider{}
	store := &storeSpy{claimErr: call.ErrRenderInFlight}
	w := testWorker(provider, &fakeSplitter{}, &fakeLive{}, &fakeUploader{}, nil)
	w.calls = store

	w.handleJob(context.Background(), w.log, Job{CallID: "c1"})

	if provider.calls != 0 {
		t.Fatalf("provider invoked despite an active claim")
	}
	if len(store.failed) != 0 {
		t.Fatalf("in-flight claim marked failed: %+v", store)
	}
}
