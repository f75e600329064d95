// Package recording handles the telephony provider's recording callbacks
// and turns a finished dual-channel recording into per-speaker tracks.
package recording

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"callreel/internal/call"
	"callreel/pkg/logger"
)

// StatusForm captures the subset of recording status callback fields we care
// about. The provider sends application/x-www-form-urlencoded.
//
// Provider-adapter-only; no business logic here.
type StatusForm struct {
	RecordingSID    string
	RecordingURL    string
	RecordingStatus string
	CallSID         string
	Duration        string
}

func ParseStatusForm(r *http.Request) (StatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusForm{}, err
	}
	f := StatusForm{
		RecordingSID:    strings.TrimSpace(r.PostFormValue("RecordingSid")),
		RecordingURL:    strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		RecordingStatus: strings.TrimSpace(r.PostFormValue("RecordingStatus")),
		CallSID:         strings.TrimSpace(r.PostFormValue("CallSid")),
		Duration:        strings.TrimSpace(r.PostFormValue("RecordingDuration")),
	}
	return f, nil
}

// CallRecorder is the slice of the call service the webhook needs.
type CallRecorder interface {
	SetRecording(ctx context.Context, providerCallID, recordingSID, recordingURL string) (call.Call, error)
}

// JobEnqueuer hands the finished recording to the render pipeline.
type JobEnqueuer interface {
	EnqueueRecording(ctx context.Context, callID, recordingURL string) error
}

// WebhookHandler attaches recording metadata to the call and queues video
// rendering. The provider retries on non-2xx, so every handled request
// answers 200 with an empty body; a repeated callback for the same
// recording is a no-op by way of SetRecording's field-scoped update.
type WebhookHandler struct {
	Calls CallRecorder
	Jobs  JobEnqueuer
}

func (h WebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseStatusForm(c.Request)
	if err != nil {
		log.Warn("recording webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if form.CallSID == "" || form.RecordingSID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing identifiers"})
		return
	}

	// Only the terminal status carries a usable media URL.
	if form.RecordingStatus != "completed" {
		c.Status(http.StatusOK)
		return
	}

	updated, err := h.Calls.SetRecording(c.Request.Context(), form.CallSID, form.RecordingSID, form.RecordingURL)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			// Recordings for calls we do not track (deleted, foreign
			// account) are acknowledged, not retried forever.
			log.Warn("recording for unknown call", "call_sid", form.CallSID)
			c.Status(http.StatusOK)
			return
		}
		log.Error("recording attach failed", "call_sid", form.CallSID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "attach failed"})
		return
	}

	if err := h.Jobs.EnqueueRecording(c.Request.Context(), updated.ID, form.RecordingURL); err != nil {
		// Non-2xx makes the provider redeliver; SetRecording is
		// field-scoped, so the replay converges on one queued job.
		log.Error("render enqueue failed", "call_id", updated.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.Status(http.StatusOK)
}
