package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/pitchlab/pitchlab/internal/broadcast"
	"github.com/pitchlab/pitchlab/internal/cache"
	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/providers/ml"
	"github.com/pitchlab/pitchlab/internal/repositories/postgres"
	"github.com/pitchlab/pitchlab/internal/services"
	"github.com/pitchlab/pitchlab/internal/utils"
)

// Stage weights for aggregate progress. A stage in processing counts
// half its weight; the total is capped at 95 until finalization.
var stageWeights = map[models.OperationType]int{
	models.OpTranscription: 30,
	models.OpQuestions:     15,
	models.OpSpeechMetrics: 20,
	models.OpTextAnalytics: 20,
	models.OpFeedback:      15,
}

const (
	defaultTeardownDelay = 5 * time.Second
	defaultQuestionCount = 5
	progressTTL          = 30 * time.Minute
)

// ProgressKey is the cache key holding the latest progress event for a
// session, replayed to late subscribers and the status endpoint.
func ProgressKey(sessionID string) string {
	return "session:" + sessionID + ":progress"
}

// Operation input payloads. Stored on the operation row so a manual
// retry can re-invoke the call with the original input.
type transcriptionInput struct {
	AudioPath string `json:"audio_path"`
}

type metricsInput struct {
	AudioPath string           `json:"audio_path"`
	Segments  []models.Segment `json:"segments"`
}

type textInput struct {
	Text string `json:"text"`
}

type questionsInput struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// Pipeline drives one session's analysis run: health probe,
// transcription (fatal on failure), questions, then a concurrent
// fan-out of metrics/analytics/feedback. The last fan-out task to
// finish performs finalization.
type Pipeline struct {
	sessions postgres.SessionRepo
	ops      services.OperationService
	provider ml.Provider
	hub      *broadcast.Hub
	cache    cache.Cache
	log      *logrus.Logger

	TeardownDelay time.Duration
	QuestionCount int

	mu        sync.Mutex
	finalized map[string]bool
}

func NewPipeline(sessions postgres.SessionRepo, ops services.OperationService, provider ml.Provider, hub *broadcast.Hub, c cache.Cache, log *logrus.Logger) *Pipeline {
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		sessions:      sessions,
		ops:           ops,
		provider:      provider,
		hub:           hub,
		cache:         c,
		log:           log,
		TeardownDelay: defaultTeardownDelay,
		QuestionCount: defaultQuestionCount,
		finalized:     make(map[string]bool),
	}
}

// StartProcessing kicks off the pipeline for an uploaded recording and
// returns immediately; the caller never awaits completion.
func (p *Pipeline) StartProcessing(sessionID, audioPath string) {
	go func() {
		defer p.recoverPanic(sessionID, "pipeline run")
		p.run(context.Background(), sessionID, audioPath)
	}()
}

func (p *Pipeline) run(ctx context.Context, sessionID, audioPath string) {
	log := p.log.WithField("session_id", sessionID)

	// Advisory only: a sick ML service does not stop the run.
	if p.provider.HealthCheck(ctx) {
		p.publish(ctx, sessionID, models.Event{
			Type: models.EventHealth, Status: "ok", Message: "ml service reachable",
		})
	} else {
		log.Warn("ml service health probe failed, continuing anyway")
		p.publish(ctx, sessionID, models.Event{
			Type: models.EventHealth, Status: "degraded", Message: "ml service unreachable, processing may be slow",
		})
	}

	if err := p.sessions.MarkProcessing(ctx, sessionID, time.Now().UTC()); err != nil {
		log.WithError(err).Error("failed to mark session processing")
		p.forceFail(ctx, sessionID, "could not start processing")
		return
	}
	p.publish(ctx, sessionID, models.Event{
		Type: models.EventProcessingStarted, Status: string(models.SessionProcessing),
		Message: "processing started",
	})

	// Stage 1: transcription. Everything else depends on it; its
	// failure aborts the run.
	segments, ok := p.runTranscription(ctx, sessionID, audioPath, log)
	if !ok {
		return
	}

	transcript := joinSegments(segments)
	if err := p.sessions.SetTranscript(ctx, sessionID, transcript); err != nil {
		log.WithError(err).Error("failed to persist transcript")
		p.forceFail(ctx, sessionID, "could not persist transcript")
		return
	}

	// Stage 2: questions. Depends on the transcript, runs alone,
	// non-fatal.
	p.runQuestions(ctx, sessionID, transcript, log)

	// Stage 3: fan-out. Three independent analyses; none is awaited
	// here. Each finishes on its own schedule and checks finalization.
	type fanoutStage struct {
		typ   models.OperationType
		input any
		call  func(context.Context) (any, *ml.CallError)
	}
	stages := []fanoutStage{
		{
			typ:   models.OpSpeechMetrics,
			input: metricsInput{AudioPath: audioPath, Segments: segments},
			call: func(ctx context.Context) (any, *ml.CallError) {
				return p.provider.Metrics(ctx, audioPath, segments)
			},
		},
		{
			typ:   models.OpTextAnalytics,
			input: textInput{Text: transcript},
			call: func(ctx context.Context) (any, *ml.CallError) {
				return p.provider.TextAnalytics(ctx, transcript)
			},
		},
		{
			typ:   models.OpFeedback,
			input: textInput{Text: transcript},
			call: func(ctx context.Context) (any, *ml.CallError) {
				return p.provider.Feedback(ctx, transcript)
			},
		},
	}

	// Every sibling row must exist and be processing before any task is
	// launched. A task that finished while a sibling's row was not yet
	// created would observe zero in-flight operations and finalize the
	// session without the sibling's result.
	opIDs := make([]string, len(stages))
	for i, st := range stages {
		opID, err := p.ops.Create(ctx, sessionID, st.typ, st.input)
		if err != nil {
			log.WithError(err).WithField("type", st.typ).Error("failed to create operation")
			p.forceFail(ctx, sessionID, "could not persist analysis operations")
			return
		}
		if err := p.ops.Update(ctx, opID, models.OpProcessing, nil, nil); err != nil {
			log.WithError(err).WithField("type", st.typ).Error("failed to mark operation processing")
			p.forceFail(ctx, sessionID, "could not persist analysis operations")
			return
		}
		opIDs[i] = opID
	}

	for i, st := range stages {
		st := st
		opID := opIDs[i]
		go func() {
			defer p.recoverPanic(sessionID, string(st.typ))

			value, cerr := st.call(ctx)
			p.completeStage(ctx, sessionID, opID, st.typ, value, cerr, log)
			p.finalizeCheck(ctx, sessionID)
		}()
	}
}

func (p *Pipeline) runTranscription(ctx context.Context, sessionID, audioPath string, log *logrus.Entry) ([]models.Segment, bool) {
	opID, err := p.ops.Create(ctx, sessionID, models.OpTranscription, transcriptionInput{AudioPath: audioPath})
	if err != nil {
		log.WithError(err).Error("failed to create transcription operation")
		p.forceFail(ctx, sessionID, "could not persist transcription operation")
		return nil, false
	}
	if err := p.ops.Update(ctx, opID, models.OpProcessing, nil, nil); err != nil {
		log.WithError(err).Error("failed to mark transcription processing")
		p.forceFail(ctx, sessionID, "could not persist transcription operation")
		return nil, false
	}

	segments, cerr := p.provider.Transcribe(ctx, audioPath)
	if cerr != nil {
		log.WithFields(logrus.Fields{"error_type": cerr.Type, "error": cerr.Message}).Error("transcription failed, aborting run")
		if err := p.ops.Update(ctx, opID, models.OpFailed, nil, cerr); err != nil {
			log.WithError(err).Error("failed to record transcription failure")
		}
		p.forceFail(ctx, sessionID, "transcription failed: "+cerr.Message)
		return nil, false
	}

	if err := p.ops.Update(ctx, opID, models.OpCompleted, segments, nil); err != nil {
		log.WithError(err).Error("failed to record transcription result")
		p.forceFail(ctx, sessionID, "could not persist transcription result")
		return nil, false
	}

	p.publish(ctx, sessionID, models.Event{
		Type:     models.EventTranscription,
		Status:   string(models.SessionProcessing),
		Progress: p.progress(ctx, sessionID),
		Message:  "transcription completed",
		Data:     segments,
	})
	return segments, true
}

func (p *Pipeline) runQuestions(ctx context.Context, sessionID, transcript string, log *logrus.Entry) {
	opID, err := p.ops.Create(ctx, sessionID, models.OpQuestions, questionsInput{Text: transcript, Count: p.QuestionCount})
	if err != nil {
		log.WithError(err).Error("failed to create questions operation")
		p.forceFail(ctx, sessionID, "could not persist questions operation")
		return
	}
	if err := p.ops.Update(ctx, opID, models.OpProcessing, nil, nil); err != nil {
		log.WithError(err).Error("failed to mark questions processing")
		p.forceFail(ctx, sessionID, "could not persist questions operation")
		return
	}

	questions, cerr := p.provider.Questions(ctx, transcript, p.QuestionCount)
	p.completeStage(ctx, sessionID, opID, models.OpQuestions, questions, cerr, log)
}

// completeStage records the outcome of a non-fatal stage and
// broadcasts it. On failure the operation is marked failed while the
// broadcast still carries the synthesized placeholder value.
func (p *Pipeline) completeStage(ctx context.Context, sessionID, opID string, typ models.OperationType, value any, cerr *ml.CallError, log *logrus.Entry) {
	if cerr != nil {
		log.WithFields(logrus.Fields{"type": typ, "error_type": cerr.Type, "error": cerr.Message}).Warn("stage failed, continuing")
		if err := p.ops.Update(ctx, opID, models.OpFailed, nil, cerr); err != nil {
			log.WithError(err).WithField("type", typ).Error("failed to record stage failure")
			p.forceFail(ctx, sessionID, "could not persist stage outcome")
			return
		}
		p.publish(ctx, sessionID, models.Event{
			Type:     models.EventStageFailed,
			Status:   string(models.SessionProcessing),
			Progress: p.progress(ctx, sessionID),
			Message:  fmt.Sprintf("%s failed, continuing", typ),
			Data:     map[string]any{"type": typ, "result": value},
			Error:    cerr.Message,
		})
		return
	}

	if err := p.ops.Update(ctx, opID, models.OpCompleted, value, nil); err != nil {
		log.WithError(err).WithField("type", typ).Error("failed to record stage result")
		p.forceFail(ctx, sessionID, "could not persist stage outcome")
		return
	}
	eventType := models.EventStageCompleted
	if typ == models.OpQuestions {
		eventType = models.EventQuestions
	}
	p.publish(ctx, sessionID, models.Event{
		Type:     eventType,
		Status:   string(models.SessionProcessing),
		Progress: p.progress(ctx, sessionID),
		Message:  fmt.Sprintf("%s completed", typ),
		Data:     map[string]any{"type": typ, "result": value},
	})
}

// finalizeCheck runs after every fan-out completion. It no-ops while
// any operation is still processing; once none are, the conditional
// session update guarantees finalization side effects happen exactly
// once even when several tasks race here, and a deleted session makes
// the whole check a harmless no-op.
func (p *Pipeline) finalizeCheck(ctx context.Context, sessionID string) {
	log := p.log.WithField("session_id", sessionID)

	processing, err := p.ops.CountProcessing(ctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("finalize check could not count operations")
		return
	}
	if processing > 0 {
		return
	}

	p.mu.Lock()
	done := p.finalized[sessionID]
	p.mu.Unlock()
	if done {
		return
	}

	rows, err := p.ops.List(ctx, sessionID, nil)
	if err != nil || len(rows) == 0 {
		return
	}
	mlStatus := classify(rows)

	agg, err := p.ops.Aggregate(ctx, sessionID)
	if err != nil {
		log.WithError(err).Error("failed to aggregate results")
		p.forceFail(ctx, sessionID, "could not aggregate results")
		return
	}
	var result datatypes.JSON
	if agg != nil {
		result, err = json.Marshal(agg)
		if err != nil {
			log.WithError(err).Error("failed to encode aggregate")
			return
		}
	}

	sessionStatus := models.SessionCompleted
	if mlStatus == models.ProcessingFailed {
		sessionStatus = models.SessionFailed
	}

	won, err := p.sessions.Finalize(ctx, sessionID, mlStatus, sessionStatus, result, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("failed to finalize session")
		return
	}
	if !won {
		return
	}

	p.mu.Lock()
	p.finalized[sessionID] = true
	p.mu.Unlock()

	eventType := models.EventProcessingDone
	if mlStatus == models.ProcessingFailed {
		eventType = models.EventProcessingFailed
	}
	p.publish(ctx, sessionID, models.Event{
		Type:     eventType,
		Status:   string(mlStatus),
		Progress: 100,
		Message:  "processing finished",
		Summary:  agg,
	})
	log.WithField("ml_status", mlStatus).Info("session finalized")

	p.scheduleTeardown(sessionID)
}

// RetryFailedOperations re-invokes the gateway call for every failed
// operation using its originally stored input, then re-classifies the
// session. Requires the transcript to already be persisted.
func (p *Pipeline) RetryFailedOperations(ctx context.Context, sessionID string) error {
	const op = "Pipeline.RetryFailedOperations"

	sess, err := p.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return utils.E(utils.CodeInternal, op, "failed to load session", err)
	}
	if sess.TranscriptText == "" {
		return utils.E(utils.CodeFailedPrecondition, op, "session has no transcript; reprocess the audio first", nil)
	}

	failed, err := p.ops.ListFailed(ctx, sessionID)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "failed to list failed operations", err)
	}

	log := p.log.WithField("session_id", sessionID)
	for i := range failed {
		row := &failed[i]
		if err := p.ops.Update(ctx, row.ID, models.OpProcessing, nil, nil); err != nil {
			return utils.E(utils.CodeInternal, op, "failed to mark operation processing", err)
		}
		value, cerr := p.invokeStored(ctx, sess, row)
		p.completeStage(ctx, sessionID, row.ID, row.Type, value, cerr, log)
	}

	rows, err := p.ops.List(ctx, sessionID, nil)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "failed to list operations", err)
	}
	mlStatus := classify(rows)

	agg, err := p.ops.Aggregate(ctx, sessionID)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "failed to aggregate results", err)
	}
	var result datatypes.JSON
	if agg != nil {
		if result, err = json.Marshal(agg); err != nil {
			return utils.E(utils.CodeInternal, op, "failed to encode aggregate", err)
		}
	}

	sessionStatus := models.SessionCompleted
	if mlStatus == models.ProcessingFailed {
		sessionStatus = models.SessionFailed
	}
	if err := p.sessions.SetOutcome(ctx, sessionID, mlStatus, sessionStatus, result); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to update session outcome", err)
	}

	eventType := models.EventProcessingDone
	if mlStatus == models.ProcessingFailed {
		eventType = models.EventProcessingFailed
	}
	p.publish(ctx, sessionID, models.Event{
		Type:     eventType,
		Status:   string(mlStatus),
		Progress: 100,
		Message:  "retry finished",
		Summary:  agg,
	})
	return nil
}

// invokeStored replays a gateway call from the operation's persisted
// input payload.
func (p *Pipeline) invokeStored(ctx context.Context, sess *models.Session, row *models.Operation) (any, *ml.CallError) {
	switch row.Type {
	case models.OpTranscription:
		var in transcriptionInput
		_ = json.Unmarshal(row.Input, &in)
		return p.provider.Transcribe(ctx, in.AudioPath)
	case models.OpQuestions:
		var in questionsInput
		_ = json.Unmarshal(row.Input, &in)
		if in.Text == "" {
			in.Text = sess.TranscriptText
		}
		if in.Count <= 0 {
			in.Count = p.QuestionCount
		}
		return p.provider.Questions(ctx, in.Text, in.Count)
	case models.OpSpeechMetrics:
		var in metricsInput
		_ = json.Unmarshal(row.Input, &in)
		if in.AudioPath == "" {
			in.AudioPath = sess.AudioFilePath
		}
		return p.provider.Metrics(ctx, in.AudioPath, in.Segments)
	case models.OpTextAnalytics:
		var in textInput
		_ = json.Unmarshal(row.Input, &in)
		if in.Text == "" {
			in.Text = sess.TranscriptText
		}
		return p.provider.TextAnalytics(ctx, in.Text)
	case models.OpFeedback:
		var in textInput
		_ = json.Unmarshal(row.Input, &in)
		if in.Text == "" {
			in.Text = sess.TranscriptText
		}
		return p.provider.Feedback(ctx, in.Text)
	}
	return nil, &ml.CallError{Type: ml.ErrInvalidResponse, Message: "unknown operation type " + string(row.Type)}
}

// forceFail drives the session into a failed terminal state and emits
// the single fatal broadcast. Best-effort: if even the conditional
// finalize write fails we fall back to a plain status write and log.
func (p *Pipeline) forceFail(ctx context.Context, sessionID, msg string) {
	log := p.log.WithField("session_id", sessionID)

	won, err := p.sessions.Finalize(ctx, sessionID, models.ProcessingFailed, models.SessionFailed, nil, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("failed to persist failed state")
		if serr := p.sessions.SetStatus(ctx, sessionID, models.SessionFailed); serr != nil {
			log.WithError(serr).Error("fallback status write failed")
		}
		won = true
	}
	if !won {
		return
	}

	p.mu.Lock()
	p.finalized[sessionID] = true
	p.mu.Unlock()

	p.publish(ctx, sessionID, models.Event{
		Type:     models.EventProcessingFailed,
		Status:   string(models.SessionFailed),
		Progress: 100,
		Message:  msg,
		Error:    msg,
	})
	p.scheduleTeardown(sessionID)
}

func (p *Pipeline) scheduleTeardown(sessionID string) {
	time.AfterFunc(p.TeardownDelay, func() {
		p.hub.CloseAll(sessionID)
		p.mu.Lock()
		delete(p.finalized, sessionID)
		p.mu.Unlock()
	})
}

// progress computes the weighted completion percentage from current
// operation states. Terminal stages count their full weight,
// processing counts half, and the result is capped at 95 until the
// final event.
func (p *Pipeline) progress(ctx context.Context, sessionID string) int {
	rows, err := p.ops.List(ctx, sessionID, nil)
	if err != nil {
		return 0
	}

	total := 0
	for _, row := range rows {
		w := stageWeights[row.Type]
		switch row.Status {
		case models.OpCompleted, models.OpFailed, models.OpSkipped:
			total += w
		case models.OpProcessing:
			total += w / 2
		}
	}
	if total > 95 {
		total = 95
	}
	return total
}

func (p *Pipeline) publish(ctx context.Context, sessionID string, ev models.Event) {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.hub.Publish(sessionID, ev)

	if p.cache != nil {
		if err := p.cache.SetJSON(ctx, ProgressKey(sessionID), ev, progressTTL); err != nil {
			p.log.WithError(err).WithField("session_id", sessionID).Debug("failed to cache progress event")
		}
	}
}

func (p *Pipeline) recoverPanic(sessionID, stage string) {
	if r := recover(); r != nil {
		p.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"stage":      stage,
			"panic":      r,
		}).Error("pipeline task panicked")
	}
}

// classify folds terminal operation states into the session-level ML
// status: completed when everything succeeded, failed when nothing
// did, partial otherwise.
func classify(rows []models.Operation) models.ProcessingStatus {
	completed, failed := 0, 0
	for _, row := range rows {
		switch row.Status {
		case models.OpCompleted:
			completed++
		case models.OpFailed:
			failed++
		}
	}
	switch {
	case failed == 0 && completed > 0:
		return models.ProcessingCompleted
	case completed > 0:
		return models.ProcessingPartial
	default:
		return models.ProcessingFailed
	}
}

func joinSegments(segments []models.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
