package models

import (
	"time"

	"gorm.io/datatypes"
)

type OperationType string

const (
	OpTranscription OperationType = "transcription"
	OpQuestions     OperationType = "questions"
	OpSpeechMetrics OperationType = "speech_metrics"
	OpTextAnalytics OperationType = "text_analytics"
	OpFeedback      OperationType = "presentation_feedback"
)

type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpProcessing OperationStatus = "processing"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpSkipped    OperationStatus = "skipped"
)

// Operation is one unit of ML work belonging to a session. Retries
// mutate the row in place (attempt_count increments) rather than
// inserting a duplicate.
type Operation struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string `gorm:"column:session_id;type:uuid;index:idx_operations_session_status" json:"session_id"`

	Type   OperationType   `gorm:"column:type;type:text" json:"type"`
	Status OperationStatus `gorm:"column:status;type:text;index:idx_operations_session_status" json:"status"`

	Input       datatypes.JSON `gorm:"column:input;type:jsonb" json:"input,omitempty"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ErrorDetail datatypes.JSON `gorm:"column:error_detail;type:jsonb" json:"error_detail,omitempty"`

	AttemptCount  int        `gorm:"column:attempt_count" json:"attempt_count"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at;type:timestamptz" json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `gorm:"column:completed_at;type:timestamptz" json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Operation) TableName() string { return "operations" }
