package services

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/repositories/postgres"
	"github.com/pitchlab/pitchlab/internal/utils"
)

func newTestRepos(t *testing.T) (postgres.SessionRepo, postgres.OperationRepo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.Operation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return postgres.NewSessionRepo(db), postgres.NewOperationRepo(db)
}

func newTestSession(t *testing.T, sessions postgres.SessionRepo) string {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:         uuid.NewString(),
		TrainingID: uuid.NewString(),
		Status:     models.SessionUploaded,
		MLStatus:   models.ProcessingPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := sessions.Create(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess.ID
}

func TestOperationServiceCreateRequiresSession(t *testing.T) {
	sessions, ops := newTestRepos(t)
	svc := NewOperationService(ops, sessions)

	_, err := svc.Create(context.Background(), uuid.NewString(), models.OpQuestions, nil)
	if !utils.IsCode(err, utils.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestOperationServiceRoundTrip(t *testing.T) {
	sessions, ops := newTestRepos(t)
	svc := NewOperationService(ops, sessions)
	ctx := context.Background()
	sid := newTestSession(t, sessions)

	id, err := svc.Create(ctx, sid, models.OpTranscription, map[string]string{"audio_path": "/tmp/a.wav"})
	if err != nil {
		t.Fatal(err)
	}

	segs := []models.Segment{{Start: 0, End: 3, Text: "hello there"}}
	if err := svc.Update(ctx, id, models.OpCompleted, segs, nil); err != nil {
		t.Fatal(err)
	}

	row, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != models.OpCompleted {
		t.Errorf("status = %s", row.Status)
	}
	if len(row.Input) == 0 || len(row.Result) == 0 {
		t.Errorf("input/result not persisted: %+v", row)
	}
}

func TestAggregateMergesLatestCompletedPerType(t *testing.T) {
	sessions, ops := newTestRepos(t)
	svc := NewOperationService(ops, sessions)
	ctx := context.Background()
	sid := newTestSession(t, sessions)

	complete := func(typ models.OperationType, result any) string {
		t.Helper()
		id, err := svc.Create(ctx, sid, typ, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.Update(ctx, id, models.OpCompleted, result, nil); err != nil {
			t.Fatal(err)
		}
		return id
	}

	complete(models.OpTranscription, []models.Segment{{Start: 0, End: 5, Text: "pitch"}})
	complete(models.OpSpeechMetrics, models.SpeechMetrics{PaceRate: 150, PaceMark: 8})
	complete(models.OpTextAnalytics, models.TextAnalytics{
		Marks:       models.PitchMarks{Structure: 7, Clarity: 8, Specificity: 6, Persuasiveness: 7},
		FillerWords: []string{"um", "like", "basically", "actually"},
	})

	// An older completed questions row is superseded by a newer one.
	complete(models.OpQuestions, []string{"old question"})
	time.Sleep(5 * time.Millisecond)
	complete(models.OpQuestions, []string{"new question"})

	// A failed feedback row never contributes.
	fid, err := svc.Create(ctx, sid, models.OpFeedback, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Update(ctx, fid, models.OpFailed, nil, map[string]string{"type": "TIMEOUT"}); err != nil {
		t.Fatal(err)
	}

	agg, err := svc.Aggregate(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if agg == nil {
		t.Fatal("aggregate is nil")
	}
	if len(agg.Segments) != 1 {
		t.Errorf("segments = %+v", agg.Segments)
	}
	if agg.Metrics == nil || agg.Metrics.PaceRate != 150 {
		t.Errorf("metrics = %+v", agg.Metrics)
	}
	if agg.PitchEvaluation == nil || agg.PitchEvaluation.Clarity != 8 {
		t.Errorf("pitch evaluation = %+v", agg.PitchEvaluation)
	}
	if len(agg.Questions) != 1 || agg.Questions[0] != "new question" {
		t.Errorf("questions = %v, want only the newest completed row", agg.Questions)
	}
	if agg.Feedback != nil {
		t.Errorf("failed feedback leaked into the aggregate: %+v", agg.Feedback)
	}
	if agg.Summary == "" || len(agg.Advice) == 0 {
		t.Errorf("derived summary/advice missing: %q %v", agg.Summary, agg.Advice)
	}
}

func TestAggregateEmptyWhenNothingCompleted(t *testing.T) {
	sessions, ops := newTestRepos(t)
	svc := NewOperationService(ops, sessions)
	ctx := context.Background()
	sid := newTestSession(t, sessions)

	id, err := svc.Create(ctx, sid, models.OpTranscription, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Update(ctx, id, models.OpFailed, nil, nil); err != nil {
		t.Fatal(err)
	}

	agg, err := svc.Aggregate(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if agg != nil {
		t.Errorf("aggregate = %+v, want nil", agg)
	}
}

type fakeStorage struct {
	removed []string
}

func (f *fakeStorage) Save(_ context.Context, name string, _ io.Reader) (string, error) {
	return "/audio/" + name, nil
}

func (f *fakeStorage) Remove(_ context.Context, path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func TestSessionServiceDeleteCascades(t *testing.T) {
	sessions, ops := newTestRepos(t)
	files := &fakeStorage{}
	svc := NewSessionService(sessions, ops, files, nil)
	opSvc := NewOperationService(ops, sessions)
	ctx := context.Background()

	sess, err := svc.Create(ctx, uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if err := sessions.SetAudio(ctx, sess.ID, "/audio/"+sess.ID+".webm", 30); err != nil {
		t.Fatal(err)
	}
	if _, err := opSvc.Create(ctx, sess.ID, models.OpTranscription, nil); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Get(ctx, sess.ID); !utils.IsCode(err, utils.CodeNotFound) {
		t.Errorf("get after delete = %v, want NOT_FOUND", err)
	}
	rows, err := opSvc.List(ctx, sess.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("operations survived delete: %+v", rows)
	}
	if len(files.removed) != 1 {
		t.Errorf("audio file not removed: %v", files.removed)
	}
}

func TestSessionServiceAbandonStale(t *testing.T) {
	sessions, ops := newTestRepos(t)
	svc := NewSessionService(sessions, ops, &fakeStorage{}, nil)
	ctx := context.Background()

	old := &models.Session{
		ID: uuid.NewString(), TrainingID: uuid.NewString(),
		Status: models.SessionRecording, MLStatus: models.ProcessingPending,
		CreatedAt: time.Now().UTC().Add(-3 * time.Hour),
		UpdatedAt: time.Now().UTC().Add(-3 * time.Hour),
	}
	if err := sessions.Create(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh, err := svc.Create(ctx, uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}

	n, err := svc.AbandonStale(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("abandoned %d sessions, want 1", n)
	}

	got, _ := sessions.Get(ctx, old.ID)
	if got.Status != models.SessionAbandoned {
		t.Errorf("old session status = %s, want abandoned", got.Status)
	}
	got, _ = sessions.Get(ctx, fresh.ID)
	if got.Status != models.SessionInitialized {
		t.Errorf("fresh session status = %s, want untouched", got.Status)
	}
}
