package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/repositories/postgres"
	"github.com/pitchlab/pitchlab/internal/services"
	"github.com/pitchlab/pitchlab/internal/storage"
	"github.com/pitchlab/pitchlab/internal/workers"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (m *memCache) SetJSON(_ context.Context, key string, val any, _ time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

func (m *memCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type handlerFixture struct {
	router  *gin.Engine
	cache   *memCache
	sessSvc services.SessionService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.Operation{}); err != nil {
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	sessionRepo := postgres.NewSessionRepo(db)
	operationRepo := postgres.NewOperationRepo(db)
	opSvc := services.NewOperationService(operationRepo, sessionRepo)
	sessSvc := services.NewSessionService(sessionRepo, operationRepo, files, log)

	c := newMemCache()
	h := NewSessionHandler(sessSvc, opSvc, files, (*workers.Pipeline)(nil), c, log)

	r := gin.New()
	r.POST("/api/sessions", h.Create)
	r.GET("/api/sessions/:session_id", h.Get)
	r.POST("/api/sessions/:session_id/recording", h.StartRecording)
	r.GET("/api/sessions/:session_id/status", h.Status)
	r.GET("/api/sessions/:session_id/results", h.Results)
	r.DELETE("/api/sessions/:session_id", h.Delete)

	return &handlerFixture{router: r, cache: c, sessSvc: sessSvc}
}

func (fx *handlerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetSession(t *testing.T) {
	fx := newHandlerFixture(t)

	w := fx.do(t, http.MethodPost, "/api/sessions", `{"training_id":"`+uuid.NewString()+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	var sess models.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if sess.Status != models.SessionInitialized {
		t.Errorf("status = %s, want initialized", sess.Status)
	}

	w = fx.do(t, http.MethodGet, "/api/sessions/"+sess.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
}

func TestCreateSessionRejectsMissingTrainingID(t *testing.T) {
	fx := newHandlerFixture(t)
	w := fx.do(t, http.MethodPost, "/api/sessions", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	fx := newHandlerFixture(t)
	w := fx.do(t, http.MethodGet, "/api/sessions/"+uuid.NewString(), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "NOT_FOUND") {
		t.Errorf("body = %s, want NOT_FOUND code", w.Body)
	}
}

func TestStartRecordingConflictAfterUpload(t *testing.T) {
	fx := newHandlerFixture(t)

	sess, err := fx.sessSvc.Create(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.sessSvc.AttachAudio(context.Background(), sess.ID, "/audio/a.webm", 10); err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/recording", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestStatusServesCachedSnapshot(t *testing.T) {
	fx := newHandlerFixture(t)

	sess, err := fx.sessSvc.Create(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	ev := models.Event{Type: models.EventTranscription, Progress: 30, SessionID: sess.ID, Timestamp: time.Now().UTC()}
	if err := fx.cache.SetJSON(context.Background(), workers.ProgressKey(sess.ID), ev, 0); err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Progress  int          `json:"progress"`
		LastEvent models.Event `json:"last_event"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Progress != 30 || resp.LastEvent.Type != models.EventTranscription {
		t.Errorf("resp = %+v", resp)
	}
}

func TestResultsBeforeAnyCompletionIs404(t *testing.T) {
	fx := newHandlerFixture(t)

	sess, err := fx.sessSvc.Create(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	w := fx.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/results", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	fx := newHandlerFixture(t)

	sess, err := fx.sessSvc.Create(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.cache.SetJSON(context.Background(), workers.ProgressKey(sess.ID), models.Event{}, 0); err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w = fx.do(t, http.MethodGet, "/api/sessions/"+sess.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", w.Code)
	}
	if _, ok := fx.cache.data[workers.ProgressKey(sess.ID)]; ok {
		t.Error("progress snapshot survived delete")
	}
}
