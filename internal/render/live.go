package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// liveAudioTTL bounds how long a capture buffer waits for its render job.
// The provider recording callback normally arrives within minutes; an hour
// covers provider outages without accumulating stale audio.
const liveAudioTTL = time.Hour

func liveAudioKey(callID string) string {
	return "call:" + callID + ":liveaudio"
}

// LiveAudioCache stages the relay's capture buffer in Redis so the render
// worker can use it when no recording exists yet.
type LiveAudioCache struct {
	rdb *redis.Client
}

func NewLiveAudioCache(rdb *redis.Client) *LiveAudioCache {
	return &LiveAudioCache{rdb: rdb}
}

func (c *LiveAudioCache) StoreLiveAudio(ctx context.Context, callID string, pcm []byte) error {
	if callID == "" {
		return errors.New("render: call id must not be empty")
	}
	if len(pcm) == 0 {
		return nil
	}
	if err := c.rdb.Set(ctx, liveAudioKey(callID), pcm, liveAudioTTL).Err(); err != nil {
		return fmt.Errorf("render: store live audio: %w", err)
	}
	return nil
}

// FetchLiveAudio returns the captured PCM, or nil when none was stored or
// it already expired.
func (c *LiveAudioCache) FetchLiveAudio(ctx context.Context, callID string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, liveAudioKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("render: fetch live audio: %w", err)
	}
	return raw, nil
}

// DropLiveAudio removes the capture once a render consumed it.
func (c *LiveAudioCache) DropLiveAudio(ctx context.Context, callID string) error {
	if err := c.rdb.Del(ctx, liveAudioKey(callID)).Err(); err != nil {
		return fmt.Errorf("render: drop live audio: %w", err)
	}
	return nil
}
