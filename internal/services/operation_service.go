package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/repositories/postgres"
	"github.com/pitchlab/pitchlab/internal/utils"
)

// OperationService is the store for ML sub-tasks. Persistence failures
// are never swallowed here; callers decide how a failed write affects
// the session.
type OperationService interface {
	Create(ctx context.Context, sessionID string, typ models.OperationType, input any) (string, error)
	Update(ctx context.Context, operationID string, status models.OperationStatus, result, errDetail any) error
	List(ctx context.Context, sessionID string, typ *models.OperationType) ([]models.Operation, error)
	ListFailed(ctx context.Context, sessionID string) ([]models.Operation, error)
	CountProcessing(ctx context.Context, sessionID string) (int64, error)
	Get(ctx context.Context, operationID string) (*models.Operation, error)
	// Aggregate merges the latest completed operation per type into one
	// structured result. Nil when nothing has ever completed.
	Aggregate(ctx context.Context, sessionID string) (*models.AggregateResult, error)
}

type operationService struct {
	ops      postgres.OperationRepo
	sessions postgres.SessionRepo
}

func NewOperationService(ops postgres.OperationRepo, sessions postgres.SessionRepo) OperationService {
	return &operationService{ops: ops, sessions: sessions}
}

func (s *operationService) Create(ctx context.Context, sessionID string, typ models.OperationType, input any) (string, error) {
	const op = "OperationService.Create"

	if sessionID == "" || typ == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session_id and type are required", nil)
	}
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return "", utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return "", utils.E(utils.CodeInternal, op, "failed to load session", err)
	}

	inputJSON, err := marshalJSON(input)
	if err != nil {
		return "", utils.E(utils.CodeInvalidArgument, op, "unencodable input payload", err)
	}

	now := time.Now().UTC()
	row := &models.Operation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Status:    models.OpPending,
		Input:     inputJSON,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ops.Create(ctx, row); err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to create operation", err)
	}
	return row.ID, nil
}

func (s *operationService) Update(ctx context.Context, operationID string, status models.OperationStatus, result, errDetail any) error {
	const op = "OperationService.Update"

	resultJSON, err := marshalJSON(result)
	if err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "unencodable result payload", err)
	}
	errJSON, err := marshalJSON(errDetail)
	if err != nil {
		return utils.E(utils.CodeInvalidArgument, op, "unencodable error payload", err)
	}

	if err := s.ops.Update(ctx, operationID, postgres.OperationUpdate{
		Status:      status,
		Result:      resultJSON,
		ErrorDetail: errJSON,
	}); err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return utils.E(utils.CodeNotFound, op, "operation not found", err)
		}
		return utils.E(utils.CodeInternal, op, "failed to update operation", err)
	}
	return nil
}

func (s *operationService) List(ctx context.Context, sessionID string, typ *models.OperationType) ([]models.Operation, error) {
	const op = "OperationService.List"
	out, err := s.ops.ListBySession(ctx, sessionID, typ)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list operations", err)
	}
	return out, nil
}

func (s *operationService) ListFailed(ctx context.Context, sessionID string) ([]models.Operation, error) {
	const op = "OperationService.ListFailed"
	out, err := s.ops.ListByStatus(ctx, sessionID, models.OpFailed)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list failed operations", err)
	}
	return out, nil
}

func (s *operationService) CountProcessing(ctx context.Context, sessionID string) (int64, error) {
	const op = "OperationService.CountProcessing"
	n, err := s.ops.CountByStatus(ctx, sessionID, models.OpProcessing)
	if err != nil {
		return 0, utils.E(utils.CodeInternal, op, "failed to count operations", err)
	}
	return n, nil
}

func (s *operationService) Get(ctx context.Context, operationID string) (*models.Operation, error) {
	const op = "OperationService.Get"
	row, err := s.ops.Get(ctx, operationID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "operation not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load operation", err)
	}
	return row, nil
}

func (s *operationService) Aggregate(ctx context.Context, sessionID string) (*models.AggregateResult, error) {
	const op = "OperationService.Aggregate"

	rows, err := s.ops.ListBySession(ctx, sessionID, nil)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list operations", err)
	}

	// The active operation per type is the most recently updated one
	// with status completed; failed rows never contribute, even if they
	// carry a stale prior result.
	latest := make(map[models.OperationType]models.Operation)
	for _, row := range rows {
		if row.Status != models.OpCompleted {
			continue
		}
		cur, ok := latest[row.Type]
		if !ok || row.UpdatedAt.After(cur.UpdatedAt) {
			latest[row.Type] = row
		}
	}
	if len(latest) == 0 {
		return nil, nil
	}

	agg := &models.AggregateResult{}
	for typ, row := range latest {
		if err := mergeOperation(agg, typ, row.Result); err != nil {
			return nil, utils.E(utils.CodeInternal, op, fmt.Sprintf("corrupt %s result", typ), err)
		}
	}
	return agg, nil
}

func mergeOperation(agg *models.AggregateResult, typ models.OperationType, raw datatypes.JSON) error {
	switch typ {
	case models.OpTranscription:
		return json.Unmarshal(raw, &agg.Segments)
	case models.OpSpeechMetrics:
		var m models.SpeechMetrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		agg.Metrics = &m
	case models.OpTextAnalytics:
		var ta models.TextAnalytics
		if err := json.Unmarshal(raw, &ta); err != nil {
			return err
		}
		marks := ta.Marks
		agg.PitchEvaluation = &marks
		agg.Advice = adviceFromAnalytics(ta)
		agg.Summary = summaryFromMarks(ta.Marks)
	case models.OpQuestions:
		return json.Unmarshal(raw, &agg.Questions)
	case models.OpFeedback:
		var fb models.PresentationFeedback
		if err := json.Unmarshal(raw, &fb); err != nil {
			return err
		}
		agg.Feedback = &fb
	}
	return nil
}

func adviceFromAnalytics(ta models.TextAnalytics) []string {
	advice := []string{}
	if len(ta.FillerWords) > 0 {
		advice = append(advice, "Reduce filler words such as "+joinFirst(ta.FillerWords, 3)+".")
	}
	if len(ta.HesitantPhrases) > 0 {
		advice = append(advice, "Rephrase hesitant wording like "+joinFirst(ta.HesitantPhrases, 3)+".")
	}
	if len(ta.UnclarityMoments) > 0 {
		advice = append(advice, "Clarify the unclear moments flagged in the transcript.")
	}
	return advice
}

func summaryFromMarks(m models.PitchMarks) string {
	return fmt.Sprintf("Structure %d/10, clarity %d/10, specificity %d/10, persuasiveness %d/10.",
		m.Structure, m.Clarity, m.Specificity, m.Persuasiveness)
}

func joinFirst(items []string, n int) string {
	if len(items) < n {
		n = len(items)
	}
	return "\"" + strings.Join(items[:n], "\", \"") + "\""
}

func marshalJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
