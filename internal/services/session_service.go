package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/repositories/postgres"
	"github.com/pitchlab/pitchlab/internal/storage"
	"github.com/pitchlab/pitchlab/internal/utils"
)

type SessionService interface {
	Create(ctx context.Context, trainingID string) (*models.Session, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	MarkRecording(ctx context.Context, sessionID string) error
	AttachAudio(ctx context.Context, sessionID, storedPath string, durationSeconds float64) error
	// Delete removes the session, its operations, and its audio file.
	Delete(ctx context.Context, sessionID string) error
	// AbandonStale marks sessions stuck before upload for longer than
	// maxAge as abandoned. Returns how many were flipped.
	AbandonStale(ctx context.Context, maxAge time.Duration) (int, error)
}

type sessionService struct {
	sessions postgres.SessionRepo
	ops      postgres.OperationRepo
	files    storage.Storage
	log      *logrus.Logger
}

func NewSessionService(sessions postgres.SessionRepo, ops postgres.OperationRepo, files storage.Storage, log *logrus.Logger) SessionService {
	if log == nil {
		log = logrus.New()
	}
	return &sessionService{sessions: sessions, ops: ops, files: files, log: log}
}

func (s *sessionService) Create(ctx context.Context, trainingID string) (*models.Session, error) {
	const op = "SessionService.Create"

	if trainingID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "training_id is required", nil)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:         uuid.NewString(),
		TrainingID: trainingID,
		Status:     models.SessionInitialized,
		MLStatus:   models.ProcessingPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return sess, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return sess, nil
}

func (s *sessionService) MarkRecording(ctx context.Context, sessionID string) error {
	const op = "SessionService.MarkRecording"

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionInitialized && sess.Status != models.SessionRecording {
		return utils.E(utils.CodeConflict, op, "session is past the recording stage", nil)
	}
	if err := s.sessions.SetStatus(ctx, sessionID, models.SessionRecording); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to set status", err)
	}
	return nil
}

func (s *sessionService) AttachAudio(ctx context.Context, sessionID, storedPath string, durationSeconds float64) error {
	const op = "SessionService.AttachAudio"

	if storedPath == "" {
		return utils.E(utils.CodeInvalidArgument, op, "stored audio path is required", nil)
	}
	if err := s.sessions.SetAudio(ctx, sessionID, storedPath, durationSeconds); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return utils.E(utils.CodeInternal, op, "failed to attach audio", err)
	}
	return nil
}

func (s *sessionService) Delete(ctx context.Context, sessionID string) error {
	const op = "SessionService.Delete"

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := s.ops.DeleteBySession(ctx, sessionID); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to delete operations", err)
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, utils.ErrNotFound) {
		return utils.E(utils.CodeInternal, op, "failed to delete session", err)
	}

	if sess.AudioFilePath != "" {
		if err := s.files.Remove(ctx, sess.AudioFilePath); err != nil {
			// Row is gone; a leftover file is not worth failing the call.
			s.log.WithError(err).WithField("session_id", sessionID).Warn("failed to remove audio file")
		}
	}
	return nil
}

func (s *sessionService) AbandonStale(ctx context.Context, maxAge time.Duration) (int, error) {
	const op = "SessionService.AbandonStale"

	stale, err := s.sessions.ListStuckRecording(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, utils.E(utils.CodeInternal, op, "failed to list stale sessions", err)
	}

	flipped := 0
	for _, sess := range stale {
		if err := s.sessions.SetStatus(ctx, sess.ID, models.SessionAbandoned); err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("failed to abandon session")
			continue
		}
		flipped++
	}
	return flipped, nil
}
