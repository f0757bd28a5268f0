package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
)

// ErrMediaMissing is returned when the backend reports success but no media file exists.
var ErrMediaMissing = errors.New("generated media not found")

// Unit stages, used in logs, errors and metrics.
const (
	stageResolveUsername = "resolve_username"
	stageGenerate        = "generate"
	stageVerifyMedia     = "verify_media"
	stageReply           = "reply"
	stageSchedule        = "schedule"
)

// StageError is a unit failure tagged with the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return stageSchedule
}

// dispatchUnit starts the background unit of a claimed mention. The unit, including its wait
// for a pool slot, is bounded by the unit lifetime.
func (s *Scheduler) dispatchUnit(m models.Mention) {
	s.metrics.UnitsInFlight.Inc()
	ctx, cancel := s.unitCtx, context.CancelFunc(func() {})
	if s.unitLifetime > 0 {
		ctx, cancel = context.WithTimeout(s.unitCtx, s.unitLifetime)
	}
	var mediaPath string
	s.pool.Go(ctx,
		func(ctx context.Context) error {
			path, err := s.runUnit(ctx, m)
			mediaPath = path
			return err
		},
		func(err error) {
			defer s.metrics.UnitsInFlight.Dec()
			defer cancel()
			s.finishUnit(m.ID, mediaPath, err)
		},
	)
}

// runUnit generates media for one mention and replies with it, returning the media path.
func (s *Scheduler) runUnit(ctx context.Context, m models.Mention) (string, error) {
	username, err := s.source.ResolveUsername(ctx, m.AuthorID)
	if err != nil {
		return "", &StageError{Stage: stageResolveUsername, Err: err}
	}
	prompt := BuildPrompt(username, m.Text, s.botUsername)
	slog.Info("Scheduler.runUnit: generating", "mentionID", m.ID, "username", username)

	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	started := time.Now()
	result, err := s.backend.Generate(genCtx, prompt)
	cancel()
	s.metrics.GenerationDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return "", &StageError{Stage: stageGenerate, Err: err}
	}

	if result.ImagePath == "" {
		return "", &StageError{Stage: stageVerifyMedia, Err: ErrMediaMissing}
	}
	if info, err := os.Stat(result.ImagePath); err != nil || info.IsDir() {
		return "", &StageError{Stage: stageVerifyMedia, Err: fmt.Errorf("%w: %s", ErrMediaMissing, result.ImagePath)}
	}

	if err := s.dispatcher.Dispatch(ctx, m.ID, username, result.ImagePath); err != nil {
		return "", &StageError{Stage: stageReply, Err: err}
	}
	return result.ImagePath, nil
}

// finishUnit writes the terminal status of a mention. Only completions count towards the
// processed total.
func (s *Scheduler) finishUnit(mentionID, mediaPath string, unitErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.unitCtx), recordTimeout)
	defer cancel()

	if unitErr != nil {
		stage := stageOf(unitErr)
		slog.Error("Scheduler.finishUnit: unit failed", "mentionID", mentionID, "stage", stage, "error", unitErr)
		s.metrics.UnitFailures.WithLabelValues(stage).Inc()
		s.metrics.UnitsTotal.WithLabelValues("failed").Inc()
		if err := s.store.Complete(ctx, mentionID, nil); err != nil {
			slog.Error("Scheduler.finishUnit: failed to record failure", "mentionID", mentionID, "stage", "record", "error", err)
		}
		return
	}

	if err := s.store.Complete(ctx, mentionID, &mediaPath); err != nil {
		slog.Error("Scheduler.finishUnit: failed to record completion", "mentionID", mentionID, "stage", "record", "error", err)
		s.metrics.UnitFailures.WithLabelValues("record").Inc()
		s.metrics.UnitsTotal.WithLabelValues("failed").Inc()
		return
	}
	if err := s.store.IncrementCount(ctx); err != nil {
		slog.Error("Scheduler.finishUnit: failed to increment processed count", "mentionID", mentionID, "stage", "record", "error", err)
	}
	s.metrics.UnitsTotal.WithLabelValues("completed").Inc()
	slog.Info("Scheduler.finishUnit: mention completed", "mentionID", mentionID, "path", mediaPath)
}
