package ml

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitchlab/pitchlab/internal/models"
)

type ErrorType string

const (
	ErrNetwork         ErrorType = "NETWORK_ERROR"
	ErrService         ErrorType = "SERVICE_ERROR"
	ErrTimeout         ErrorType = "TIMEOUT"
	ErrInvalidResponse ErrorType = "INVALID_RESPONSE"
)

// CallError describes a failed gateway call. A nil *CallError means
// the call succeeded. Even on failure every call returns a usable
// (possibly synthesized) value; the error is there so the caller can
// record the operation as failed.
type CallError struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Provider is the uniform contract to the external ML service.
type Provider interface {
	HealthCheck(ctx context.Context) bool
	Transcribe(ctx context.Context, audioPath string) ([]models.Segment, *CallError)
	Metrics(ctx context.Context, audioPath string, segments []models.Segment) (models.SpeechMetrics, *CallError)
	TextAnalytics(ctx context.Context, text string) (models.TextAnalytics, *CallError)
	Questions(ctx context.Context, text string, count int) ([]string, *CallError)
	Feedback(ctx context.Context, text string) (models.PresentationFeedback, *CallError)
}

// PaceMark maps a words-per-minute rate onto a 0-10 band. Used when
// the upstream pace score is missing or zero. 120-180 wpm is the
// ideal presentation band.
func PaceMark(rate float64) int {
	switch {
	case rate < 80:
		return 3
	case rate < 120:
		return 5
	case rate <= 180:
		return 8
	case rate <= 220:
		return 6
	default:
		return 4
	}
}

// PaceRate derives words per minute from transcript segments. Returns
// 0 when the segments carry no usable duration.
func PaceRate(segments []models.Segment) float64 {
	var words int
	var end float64
	for _, s := range segments {
		words += len(strings.Fields(s.Text))
		if s.End > end {
			end = s.End
		}
	}
	if end <= 0 || words == 0 {
		return 0
	}
	return float64(words) / (end / 60)
}
