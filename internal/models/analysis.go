package models

// Segment is one transcribed span of audio. Start/End are seconds;
// segments arrive ordered by non-decreasing Start.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type SpeechMetrics struct {
	PaceRate          float64 `json:"pace_rate"` // words per minute
	PaceMark          int     `json:"pace_mark"` // 0-10
	EmotionMark       int     `json:"emotion_mark"`
	AvgSentenceLength float64 `json:"avg_sentence_length"`
}

type PitchMarks struct {
	Structure      int `json:"structure"`
	Clarity        int `json:"clarity"`
	Specificity    int `json:"specificity"`
	Persuasiveness int `json:"persuasiveness"`
}

type TextAnalytics struct {
	Marks            PitchMarks `json:"marks"`
	FillerWords      []string   `json:"filler_words"`
	HesitantPhrases  []string   `json:"hesitant_phrases"`
	UnclarityMoments []string   `json:"unclarity_moments"`
}

type PresentationFeedback struct {
	Pros            []string `json:"pros"`
	Cons            []string `json:"cons"`
	Recommendations []string `json:"recommendations"`
	Feedback        string   `json:"feedback"`
}

// AggregateResult is the session-level merge of the latest completed
// operation per type. Fields stay nil/empty for types that never
// completed.
type AggregateResult struct {
	Segments        []Segment             `json:"segments,omitempty"`
	Metrics         *SpeechMetrics        `json:"metrics,omitempty"`
	PitchEvaluation *PitchMarks           `json:"pitch_evaluation,omitempty"`
	Advice          []string              `json:"advice,omitempty"`
	Summary         string                `json:"summary,omitempty"`
	Questions       []string              `json:"questions,omitempty"`
	Feedback        *PresentationFeedback `json:"feedback,omitempty"`
}
