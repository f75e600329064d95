// Package render turns a finished call into a video: a Redis-backed job
// queue, a client for the external render provider, and the worker pool
// that joins audio source, provider, and call state.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "render:jobs"

// Job is one unit of render work. RecordingURL is empty when the call ended
// before the provider recording callback fired; the worker then falls back
// to the live-audio capture.
type Job struct {
	CallID       string `json:"call_id"`
	RecordingURL string `json:"recording_url,omitempty"`
}

// ErrQueueEmpty reports that Dequeue timed out with no work available.
var ErrQueueEmpty = errors.New("render: queue empty")

// Queue is a Redis list carrying render jobs across processes.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.CallID == "" {
		return errors.New("render: job call_id must not be empty")
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("render: marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("render: enqueue: %w", err)
	}
	return nil
}

// EnqueueRecording queues a render for a call whose provider recording is
// ready. It exists so webhook-side packages can enqueue without depending
// on the Job shape.
func (q *Queue) EnqueueRecording(ctx context.Context, callID, recordingURL string) error {
	return q.Enqueue(ctx, Job{CallID: callID, RecordingURL: recordingURL})
}

// EnqueueLive queues a render whose only audio source is the relay's
// capture buffer. The worker resolves the audio from the live cache.
func (q *Queue) EnqueueLive(ctx context.Context, callID string) error {
	return q.Enqueue(ctx, Job{CallID: callID})
}

// Dequeue blocks up to timeout for the next job.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Job, error) {
	res, err := q.rdb.BRPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrQueueEmpty
		}
		return Job{}, fmt.Errorf("render: dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return Job{}, fmt.Errorf("render: dequeue: unexpected reply of %d elements", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, fmt.Errorf("render: decode job: %w", err)
	}
	return job, nil
}
