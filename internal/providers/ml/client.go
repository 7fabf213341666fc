package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pitchlab/pitchlab/internal/audio"
	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/retry"
)

// Per-endpoint timeouts. Questions is per attempt.
const (
	healthTimeout     = 5 * time.Second
	transcribeTimeout = 180 * time.Second
	metricsTimeout    = 180 * time.Second
	textTimeout       = 60 * time.Second
	questionsTimeout  = 60 * time.Second

	questionsMaxAttempts = 3
)

// Client talks to the ML microservice over HTTP. File-bearing calls
// upload multipart/form-data; text calls use JSON bodies.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *logrus.Logger

	// transcode converts audio to the canonical wire format before
	// upload. Swappable so tests avoid the ffmpeg dependency.
	transcode func(ctx context.Context, path string) (string, func(), error)
}

var _ Provider = (*Client)(nil)

func NewClient(baseURL string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		httpc:     &http.Client{},
		log:       log,
		transcode: audio.TranscodeWAV,
	}
}

func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Transcribe(ctx context.Context, audioPath string) ([]models.Segment, *CallError) {
	ctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	wavPath, cleanup, err := c.transcode(ctx, audioPath)
	if err != nil {
		return nil, &CallError{Type: ErrInvalidResponse, Message: "audio transcode failed: " + err.Error()}
	}
	defer cleanup()

	var out struct {
		Segments []models.Segment `json:"segments"`
	}
	if cerr := c.postFile(ctx, "/api/transcribe", wavPath, nil, &out); cerr != nil {
		return nil, cerr
	}
	if len(out.Segments) == 0 {
		return nil, &CallError{Type: ErrInvalidResponse, Message: "empty transcription"}
	}
	return out.Segments, nil
}

func (c *Client) Metrics(ctx context.Context, audioPath string, segments []models.Segment) (models.SpeechMetrics, *CallError) {
	ctx, cancel := context.WithTimeout(ctx, metricsTimeout)
	defer cancel()

	wavPath, cleanup, err := c.transcode(ctx, audioPath)
	if err != nil {
		return fallbackMetrics(segments), &CallError{Type: ErrInvalidResponse, Message: "audio transcode failed: " + err.Error()}
	}
	defer cleanup()

	segJSON, _ := json.Marshal(segments)
	var out models.SpeechMetrics
	cerr := c.postFile(ctx, "/api/metrics", wavPath, map[string]string{"segments": string(segJSON)}, &out)
	if cerr != nil {
		return fallbackMetrics(segments), cerr
	}

	if out.PaceRate == 0 {
		out.PaceRate = PaceRate(segments)
	}
	if out.PaceMark == 0 {
		out.PaceMark = PaceMark(out.PaceRate)
	}
	return out, nil
}

func (c *Client) TextAnalytics(ctx context.Context, text string) (models.TextAnalytics, *CallError) {
	ctx, cancel := context.WithTimeout(ctx, textTimeout)
	defer cancel()

	var out models.TextAnalytics
	cerr := c.postJSON(ctx, "/api/analyze-text", map[string]any{"text": text}, &out)
	if cerr != nil {
		return fallbackAnalytics(text), cerr
	}

	// Upstream omits empty lists; clients expect [].
	if out.FillerWords == nil {
		out.FillerWords = []string{}
	}
	if out.HesitantPhrases == nil {
		out.HesitantPhrases = []string{}
	}
	if out.UnclarityMoments == nil {
		out.UnclarityMoments = []string{}
	}
	return out, nil
}

func (c *Client) Questions(ctx context.Context, text string, count int) ([]string, *CallError) {
	policy := retry.Policy{
		MaxAttempts: questionsMaxAttempts,
		RetryIf: func(err error) bool {
			var cerr *CallError
			return errors.As(err, &cerr) && cerr.Retryable
		},
		Backoff: questionsBackoff,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("questions call failed, retrying")
		},
	}

	questions, err := retry.Do(ctx, policy, func() ([]string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, questionsTimeout)
		defer cancel()

		var out struct {
			Questions []string `json:"questions"`
		}
		if cerr := c.postJSON(attemptCtx, "/api/questions", map[string]any{"text": text, "count": count}, &out); cerr != nil {
			return nil, cerr
		}
		if len(out.Questions) == 0 {
			return nil, &CallError{Type: ErrInvalidResponse, Message: "empty question list"}
		}
		return out.Questions, nil
	})
	if err != nil {
		return fallbackQuestions(text, count), asCallError(err)
	}
	return questions, nil
}

func (c *Client) Feedback(ctx context.Context, text string) (models.PresentationFeedback, *CallError) {
	ctx, cancel := context.WithTimeout(ctx, textTimeout)
	defer cancel()

	var out models.PresentationFeedback
	cerr := c.postJSON(ctx, "/api/feedback", map[string]any{"text": text}, &out)
	if cerr != nil {
		return fallbackFeedback(text), cerr
	}
	if out.Pros == nil {
		out.Pros = []string{}
	}
	if out.Cons == nil {
		out.Cons = []string{}
	}
	if out.Recommendations == nil {
		out.Recommendations = []string{}
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) *CallError {
	b, err := json.Marshal(body)
	if err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: "marshal request: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) postFile(ctx context.Context, path, filePath string, fields map[string]string, out any) *CallError {
	f, err := os.Open(filePath)
	if err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: "open audio: " + err.Error()}
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: err.Error()}
	}
	if _, err := io.Copy(part, f); err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: "read audio: " + err.Error()}
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) *CallError {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode >= 500 {
		return &CallError{
			Type:      ErrService,
			Message:   fmt.Sprintf("ml service returned %d: %s", resp.StatusCode, truncate(body, 256)),
			Retryable: true,
		}
	}
	if resp.StatusCode >= 400 {
		return &CallError{
			Type:    ErrService,
			Message: fmt.Sprintf("ml service rejected request with %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &CallError{Type: ErrInvalidResponse, Message: "malformed response: " + err.Error()}
	}
	return nil
}

// questionsBackoff waits 1s after the first failed attempt, 2s after
// the second, capped at 5s.
func questionsBackoff(attempt int) time.Duration {
	ms := 1000 * attempt
	if ms > 5000 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

func classifyTransport(err error) *CallError {
	var ue *url.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ue) && ue.Timeout())
	if timedOut {
		return &CallError{Type: ErrTimeout, Message: err.Error(), Retryable: true}
	}
	return &CallError{Type: ErrNetwork, Message: err.Error(), Retryable: true}
}

func asCallError(err error) *CallError {
	var cerr *CallError
	if errors.As(err, &cerr) {
		return cerr
	}
	return classifyTransport(err)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
