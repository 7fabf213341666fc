package models

import "time"

// Event frame pushed to session subscribers. Serialized as a single
// JSON object per frame.
type Event struct {
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Summary any    `json:"summary,omitempty"`
}

// Event types, in roughly the order a pipeline run emits them.
const (
	EventHealth            = "ml_health"
	EventProcessingStarted = "processing_started"
	EventTranscription     = "transcription_completed"
	EventQuestions         = "questions_completed"
	EventStageCompleted    = "stage_completed"
	EventStageFailed       = "stage_failed"
	EventProcessingDone    = "processing_completed"
	EventProcessingFailed  = "processing_failed"
	EventKeepAlive         = "keepalive"
	EventClosing           = "closing"
)
