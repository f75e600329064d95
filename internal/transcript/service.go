package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for transcript lines.
// It is append-only by design; no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, l Line) error
}

// Service is the relay's transcript ingestion hook. Persistence details are
// a collaborator concern; the relay only ever calls Append.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidLine = errors.New("transcript: invalid line")

func (s *Service) Append(ctx context.Context, callID string, speaker Speaker, text string) error {
	if s.repo == nil {
		return errors.New("transcript: repository not configured")
	}
	if callID == "" || text == "" {
		return ErrInvalidLine
	}
	if speaker != SpeakerAgent && speaker != SpeakerCaller {
		return ErrInvalidLine
	}

	return s.repo.Append(ctx, Line{
		ID:        uuid.NewString(),
		CallID:    callID,
		Speaker:   speaker,
		Text:      text,
		CreatedAt: s.clock().UTC(),
	})
}
