package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callreel/internal/audio"
	"callreel/internal/call"
	"callreel/internal/config"
	"callreel/internal/recording"
	"callreel/internal/storage"
	"callreel/pkg/utils"
)

const (
	dequeueTimeout = 5 * time.Second
	retryBaseDelay = 2 * time.Second
)

// CallStore is the slice of the call service the worker drives. All of it
// is video sub-state; the worker never touches call status or payment.
type CallStore interface {
	ClaimVideoRender(ctx context.Context, callID string) (call.Call, error)
	CompleteVideoRender(ctx context.Context, callID, videoURL, storageKey, renderJobID string) error
	FailVideoRender(ctx context.Context, callID, errMsg string) error
	SetSplitTracks(ctx context.Context, callID, callerURL, agentURL string) error
}

// TrackSplitter publishes per-speaker tracks from a provider recording.
type TrackSplitter interface {
	Split(ctx context.Context, callID, url string) (recording.Tracks, error)
}

// LiveAudio reads back the relay's capture buffer.
type LiveAudio interface {
	FetchLiveAudio(ctx context.Context, callID string) ([]byte, error)
	DropLiveAudio(ctx context.Context, callID string) error
}

// Worker consumes render jobs and drives each one to a terminal video
// state.
type Worker struct {
	log      *slog.Logger
	cfg      config.RenderConfig
	queue    *Queue
	provider Provider
	calls    CallStore
	splitter TrackSplitter
	live     LiveAudio
	store    storage.Uploader
	rdb      *redis.Client
	http     *http.Client

	retryDelay time.Duration
}

func NewWorker(log *slog.Logger, cfg config.RenderConfig, queue *Queue, provider Provider, calls CallStore, splitter TrackSplitter, live LiveAudio, store storage.Uploader, rdb *redis.Client) *Worker {
	return &Worker{
		log:      log,
		cfg:      cfg,
		queue:    queue,
		provider: provider,
		calls:    calls,
		splitter: splitter,
		live:     live,
		store:    store,
		rdb:      rdb,
		http:     &http.Client{Timeout: cfg.CallTimeout},

		retryDelay: retryBaseDelay,
	}
}

// Run starts cfg.Workers consumers and blocks until ctx is cancelled and
// every in-flight job has finished.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context, id int) {
	log := w.log.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) || ctx.Err() != nil {
				continue
			}
			log.Error("render dequeue failed", "err", err)
			// Redis outage; back off instead of hot-looping.
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBaseDelay):
			}
			continue
		}
		w.process(ctx, log, job)
	}
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, job Job) {
	log = log.With("call_id", job.CallID)

	// Cross-process guard: a crashed worker's claim expires with the cap
	// TTL instead of wedging the call in generating forever.
	capKey := "render:cap:" + job.CallID
	ok, err := utils.AcquireConcurrencyCap(ctx, w.rdb, capKey, 1, w.cfg.CallTimeout*2)
	if err != nil {
		log.Error("render cap acquire failed", "err", err)
		return
	}
	if !ok {
		log.Info("render already running elsewhere, skipping")
		return
	}
	defer func() {
		if err := utils.ReleaseConcurrencyCap(context.WithoutCancel(ctx), w.rdb, capKey); err != nil {
			log.Warn("render cap release failed", "err", err)
		}
	}()

	w.handleJob(ctx, log, job)
}

func (w *Worker) handleJob(ctx context.Context, log *slog.Logger, job Job) {
	if _, err := w.calls.ClaimVideoRender(ctx, job.CallID); err != nil {
		switch {
		case errors.Is(err, call.ErrRenderInFlight):
			log.Info("video render already claimed, skipping")
		case errors.Is(err, call.ErrNotFound):
			log.Warn("render job for unknown call, dropping")
		default:
			log.Error("video render claim failed", "err", err)
		}
		return
	}

	result, usedLive, err := w.renderWithRetry(ctx, log, job)
	if err != nil {
		log.Error("video render failed", "err", err)
		if ferr := w.calls.FailVideoRender(context.WithoutCancel(ctx), job.CallID, err.Error()); ferr != nil {
			log.Error("video render fail-mark failed", "err", ferr)
		}
		return
	}

	if err := w.calls.CompleteVideoRender(ctx, job.CallID, result.videoURL, result.storageKey, result.jobID); err != nil {
		log.Error("video render complete-mark failed", "err", err)
		return
	}
	if usedLive {
		if err := w.live.DropLiveAudio(ctx, job.CallID); err != nil {
			log.Warn("live audio drop failed", "err", err)
		}
	}
	log.Info("video render complete", "video_url", result.videoURL)
}

type renderOutcome struct {
	jobID      string
	videoURL   string
	storageKey string
}

// renderWithRetry runs bounded attempts over the retryable failure classes:
// recording not yet fetchable and provider/network 5xx. Rejected requests
// and decode failures stop immediately.
func (w *Worker) renderWithRetry(ctx context.Context, log *slog.Logger, job Job) (renderOutcome, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := w.retryDelay << (attempt - 1)
			log.Info("retrying video render", "attempt", attempt, "delay", delay, "err", lastErr)
			select {
			case <-ctx.Done():
				return renderOutcome{}, false, ctx.Err()
			case <-time.After(delay):
			}
		}

		out, usedLive, err := w.renderOnce(ctx, log, job)
		if err == nil {
			return out, usedLive, nil
		}
		lastErr = err
		if !retryable(err) {
			return renderOutcome{}, false, err
		}
	}
	return renderOutcome{}, false, fmt.Errorf("render: attempts exhausted: %w", lastErr)
}

func retryable(err error) bool {
	return Retryable(err) || errors.Is(err, recording.ErrSourceUnavailable)
}

func (w *Worker) renderOnce(ctx context.Context, log *slog.Logger, job Job) (renderOutcome, bool, error) {
	tmpDir, err := os.MkdirTemp("", "render-"+job.CallID)
	if err != nil {
		return renderOutcome{}, false, fmt.Errorf("render: temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warn("temp dir cleanup failed", "dir", tmpDir, "err", err)
		}
	}()

	req, usedLive, err := w.buildRequest(ctx, job)
	if err != nil {
		return renderOutcome{}, false, err
	}

	res, err := w.provider.Render(ctx, req)
	if err != nil {
		return renderOutcome{}, false, err
	}

	videoPath := filepath.Join(tmpDir, "video.mp4")
	if err := w.fetchVideo(ctx, res.VideoURL, videoPath); err != nil {
		return renderOutcome{}, false, err
	}
	videoBytes, err := os.ReadFile(videoPath)
	if err != nil {
		return renderOutcome{}, false, fmt.Errorf("render: read staged video: %w", err)
	}

	storageKey := job.CallID + "/video.mp4"
	videoURL, err := w.store.Upload(ctx, storageKey, "video/mp4", videoBytes)
	if err != nil {
		return renderOutcome{}, false, fmt.Errorf("render: upload video: %w", err)
	}

	return renderOutcome{jobID: res.JobID, videoURL: videoURL, storageKey: storageKey}, usedLive, nil
}

// buildRequest resolves the audio source. The live capture wins when
// present: it exists exactly when the call ended without a provider
// recording callback, and it goes stale fastest.
func (w *Worker) buildRequest(ctx context.Context, job Job) (RenderRequest, bool, error) {
	pcm, err := w.live.FetchLiveAudio(ctx, job.CallID)
	if err != nil {
		if job.RecordingURL == "" {
			return RenderRequest{}, false, err
		}
		// The capture buffer is a cache; with a provider recording in hand
		// a read failure must not sink the job.
		w.log.Warn("live audio fetch failed, using recording", "call_id", job.CallID, "err", err)
		pcm = nil
	}
	if len(pcm) > 0 {
		wav := recording.EncodeMonoWAV(pcm, audio.TelephonyRate)
		return RenderRequest{
			AudioB64:        base64.StdEncoding.EncodeToString(wav),
			DurationSeconds: int(audio.Duration(len(pcm)/2, audio.TelephonyRate).Round(time.Second).Seconds()),
		}, true, nil
	}

	if job.RecordingURL != "" {
		tracks, err := w.splitter.Split(ctx, job.CallID, job.RecordingURL)
		if err != nil {
			return RenderRequest{}, false, err
		}
		if err := w.calls.SetSplitTracks(ctx, job.CallID, tracks.CallerURL, tracks.AgentURL); err != nil {
			// Tracks are already in object storage; losing the pointers
			// must not fail the render.
			w.log.Warn("split track save failed", "call_id", job.CallID, "err", err)
		}
		return RenderRequest{
			AudioURL:        job.RecordingURL,
			DurationSeconds: int(tracks.Duration.Round(time.Second).Seconds()),
		}, false, nil
	}

	return RenderRequest{}, false, errors.New("render: no audio source for call")
}

func (w *Worker) fetchVideo(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("render: build video fetch: %w", err)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch video: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fetch video: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("render: stage video: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("%w: fetch video body: %v", ErrProviderUnavailable, err)
	}
	return nil
}
