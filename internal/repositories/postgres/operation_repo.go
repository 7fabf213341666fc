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

type OperationUpdate struct {
	Status      models.OperationStatus
	Result      datatypes.JSON
	ErrorDetail datatypes.JSON
}

type OperationRepo interface {
	Create(ctx context.Context, op *models.Operation) error
	Get(ctx context.Context, id string) (*models.Operation, error)
	// Update overwrites status/result/error wholesale (retry semantics:
	// no merging). The attempt counter increments when the operation
	// enters processing; last_attempt_at is stamped on every update and
	// completed_at only when the status becomes completed.
	Update(ctx context.Context, id string, upd OperationUpdate) error
	ListBySession(ctx context.Context, sessionID string, typ *models.OperationType) ([]models.Operation, error)
	ListByStatus(ctx context.Context, sessionID string, status models.OperationStatus) ([]models.Operation, error)
	CountByStatus(ctx context.Context, sessionID string, status models.OperationStatus) (int64, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

type operationRepo struct {
	db *gorm.DB
}

func NewOperationRepo(db *gorm.DB) OperationRepo {
	return &operationRepo{db: db}
}

func (r *operationRepo) Create(ctx context.Context, op *models.Operation) error {
	return r.db.WithContext(ctx).Create(op).Error
}

func (r *operationRepo) Get(ctx context.Context, id string) (*models.Operation, error) {
	var row models.Operation
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *operationRepo) Update(ctx context.Context, id string, upd OperationUpdate) error {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":          upd.Status,
		"result":          upd.Result,
		"error_detail":    upd.ErrorDetail,
		"last_attempt_at": now,
		"updated_at":      now,
	}
	if upd.Status == models.OpProcessing {
		fields["attempt_count"] = gorm.Expr("attempt_count + 1")
	}
	if upd.Status == models.OpCompleted {
		fields["completed_at"] = now
	}

	res := r.db.WithContext(ctx).Model(&models.Operation{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *operationRepo) ListBySession(ctx context.Context, sessionID string, typ *models.OperationType) ([]models.Operation, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if typ != nil {
		q = q.Where("type = ?", *typ)
	}
	var rows []models.Operation
	err := q.Order("created_at ASC").Find(&rows).Error
	return rows, err
}

func (r *operationRepo) ListByStatus(ctx context.Context, sessionID string, status models.OperationStatus) ([]models.Operation, error) {
	var rows []models.Operation
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND status = ?", sessionID, status).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *operationRepo) CountByStatus(ctx context.Context, sessionID string, status models.OperationStatus) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("session_id = ? AND status = ?", sessionID, status).
		Count(&n).Error
	return n, err
}

func (r *operationRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.Operation{}).Error
}
