package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/utils"
)

type SessionRepo interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	SetStatus(ctx context.Context, id string, status models.SessionStatus) error
	SetTranscript(ctx context.Context, id, text string) error
	SetAudio(ctx context.Context, id, path string, durationSeconds float64) error
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	// Finalize transitions the session out of a non-terminal ML state
	// exactly once. Returns false when the session is already finalized
	// or no longer exists.
	Finalize(ctx context.Context, id string, mlStatus models.ProcessingStatus, status models.SessionStatus, result datatypes.JSON, completedAt time.Time) (bool, error)
	// SetOutcome overwrites the ML outcome unconditionally; used by the
	// manual retry flow where the session is already terminal.
	SetOutcome(ctx context.Context, id string, mlStatus models.ProcessingStatus, status models.SessionStatus, result datatypes.JSON) error
	Delete(ctx context.Context, id string) error
	ListStuckRecording(ctx context.Context, olderThan time.Time) ([]models.Session, error)
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepo {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	var row models.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *sessionRepo) SetStatus(ctx context.Context, id string, status models.SessionStatus) error {
	return r.update(ctx, id, map[string]any{"status": status})
}

func (r *sessionRepo) SetTranscript(ctx context.Context, id, text string) error {
	return r.update(ctx, id, map[string]any{"transcript_text": text})
}

func (r *sessionRepo) SetAudio(ctx context.Context, id, path string, durationSeconds float64) error {
	return r.update(ctx, id, map[string]any{
		"audio_file_path":  path,
		"duration_seconds": durationSeconds,
		"status":           models.SessionUploaded,
	})
}

func (r *sessionRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":               models.SessionProcessing,
		"ml_processing_status": models.ProcessingInProgress,
		"started_at":           startedAt,
	})
}

func (r *sessionRepo) Finalize(ctx context.Context, id string, mlStatus models.ProcessingStatus, status models.SessionStatus, result datatypes.JSON, completedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND ml_processing_status IN ?", id,
			[]models.ProcessingStatus{models.ProcessingPending, models.ProcessingInProgress}).
		Updates(map[string]any{
			"ml_processing_status": mlStatus,
			"status":               status,
			"ml_result":            result,
			"completed_at":         completedAt,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *sessionRepo) SetOutcome(ctx context.Context, id string, mlStatus models.ProcessingStatus, status models.SessionStatus, result datatypes.JSON) error {
	return r.update(ctx, id, map[string]any{
		"ml_processing_status": mlStatus,
		"status":               status,
		"ml_result":            result,
	})
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Session{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ListStuckRecording(ctx context.Context, olderThan time.Time) ([]models.Session, error) {
	var rows []models.Session
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.SessionStatus{models.SessionInitialized, models.SessionRecording}, olderThan).
		Find(&rows).Error
	return rows, err
}

func (r *sessionRepo) update(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}
