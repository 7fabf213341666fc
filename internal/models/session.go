package models

import (
	"time"

	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionInitialized SessionStatus = "initialized"
	SessionRecording   SessionStatus = "recording"
	SessionUploaded    SessionStatus = "uploaded"
	SessionProcessing  SessionStatus = "processing"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionAbandoned   SessionStatus = "abandoned"
)

// ProcessingStatus tracks the ML side of a session independently of the
// session lifecycle status. It only reaches a terminal value
// (completed/partial/failed) once every spawned operation is terminal.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "in_progress"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingPartial    ProcessingStatus = "partial"
	ProcessingFailed     ProcessingStatus = "failed"
)

type Session struct {
	ID         string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TrainingID string `gorm:"column:training_id;type:uuid;index" json:"training_id"`

	Status          SessionStatus `gorm:"column:status;type:text" json:"status"`
	AudioFilePath   string        `gorm:"column:audio_file_path;type:text" json:"audio_file_path,omitempty"`
	DurationSeconds float64       `gorm:"column:duration_seconds" json:"duration_seconds"`

	TranscriptText string           `gorm:"column:transcript_text;type:text" json:"transcript_text,omitempty"`
	MLStatus       ProcessingStatus `gorm:"column:ml_processing_status;type:text" json:"ml_processing_status"`
	MLResult       datatypes.JSON   `gorm:"column:ml_result;type:jsonb" json:"ml_result,omitempty"`

	CreatedAt   time.Time  `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	StartedAt   *time.Time `gorm:"column:started_at;type:timestamptz" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at;type:timestamptz" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Session) TableName() string { return "sessions" }
