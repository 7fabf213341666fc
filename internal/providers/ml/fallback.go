package ml

import (
	"fmt"

	"github.com/pitchlab/pitchlab/internal/models"
)

// Deterministic placeholder payloads, used when a call cannot be
// recovered. Content depends only on simple properties of the input
// (text length bucket) so retries with the same input produce the same
// placeholder.

func lengthBucket(text string) int {
	switch n := len(text); {
	case n < 200:
		return 0
	case n < 1000:
		return 1
	default:
		return 2
	}
}

func fallbackMetrics(segments []models.Segment) models.SpeechMetrics {
	rate := PaceRate(segments)
	return models.SpeechMetrics{
		PaceRate:          rate,
		PaceMark:          PaceMark(rate),
		EmotionMark:       5,
		AvgSentenceLength: 12,
	}
}

func fallbackAnalytics(text string) models.TextAnalytics {
	mark := 4 + lengthBucket(text)
	return models.TextAnalytics{
		Marks: models.PitchMarks{
			Structure:      mark,
			Clarity:        mark,
			Specificity:    mark,
			Persuasiveness: mark,
		},
		FillerWords:      []string{},
		HesitantPhrases:  []string{},
		UnclarityMoments: []string{},
	}
}

func fallbackQuestions(text string, count int) []string {
	base := []string{
		"What is the main problem your presentation addresses?",
		"Who is the target audience for this idea?",
		"What evidence supports your key claims?",
		"What would you do with additional resources?",
		"How does your proposal compare to existing alternatives?",
	}
	if lengthBucket(text) == 2 {
		base = append(base, "Which part of your presentation would you cut if you had half the time?")
	}
	if count <= 0 || count > len(base) {
		count = len(base)
	}
	return base[:count]
}

func fallbackFeedback(text string) models.PresentationFeedback {
	bucket := lengthBucket(text)
	return models.PresentationFeedback{
		Pros:            []string{"You completed a full practice run."},
		Cons:            []string{"Automatic feedback was unavailable for this attempt."},
		Recommendations: []string{"Retry the analysis to get detailed feedback."},
		Feedback: fmt.Sprintf(
			"Detailed feedback could not be generated this time (transcript size bucket %d). The recording and transcript are saved, so the analysis can be retried.",
			bucket,
		),
	}
}
