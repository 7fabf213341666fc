package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pitchlab/pitchlab/internal/audio"
	"github.com/pitchlab/pitchlab/internal/cache"
	"github.com/pitchlab/pitchlab/internal/models"
	"github.com/pitchlab/pitchlab/internal/services"
	"github.com/pitchlab/pitchlab/internal/storage"
	"github.com/pitchlab/pitchlab/internal/utils"
	"github.com/pitchlab/pitchlab/internal/workers"
)

const maxUploadBytes = 200 << 20 // 200 MiB

type SessionHandler struct {
	sessions services.SessionService
	ops      services.OperationService
	files    storage.Storage
	pipe     *workers.Pipeline
	cache    cache.Cache
	log      *logrus.Logger

	// probeDuration is swappable in tests; defaults to ffprobe.
	probeDuration func(ctx context.Context, src string) (float64, error)
}

func NewSessionHandler(sessions services.SessionService, ops services.OperationService, files storage.Storage, pipe *workers.Pipeline, c cache.Cache, log *logrus.Logger) *SessionHandler {
	if log == nil {
		log = logrus.New()
	}
	return &SessionHandler{
		sessions:      sessions,
		ops:           ops,
		files:         files,
		pipe:          pipe,
		cache:         c,
		log:           log,
		probeDuration: audio.ProbeDuration,
	}
}

type createSessionRequest struct {
	TrainingID string `json:"training_id" binding:"required"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, "SessionHandler.Create", "training_id is required", err))
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), req.TrainingID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) StartRecording(c *gin.Context) {
	id := c.Param("session_id")
	if err := h.sessions.MarkRecording(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": models.SessionRecording})
}

// Upload receives the finished recording, stores it, and kicks off the
// analysis pipeline. The response returns as soon as the file is on
// disk; processing progress flows over the events stream.
func (h *SessionHandler) Upload(c *gin.Context) {
	const op = "SessionHandler.Upload"
	id := c.Param("session_id")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("audio")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "multipart field 'audio' is required", err))
		return
	}

	src, err := fh.Open()
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to read upload", err))
		return
	}
	defer src.Close()

	name := fmt.Sprintf("%s%s", id, filepath.Ext(fh.Filename))
	storedPath, err := h.files.Save(c.Request.Context(), name, src)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, op, "failed to store audio", err))
		return
	}

	var duration float64
	probeCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if duration, err = h.probeDuration(probeCtx, storedPath); err != nil {
		// Duration is informational; a probe failure never blocks the run.
		h.log.WithError(err).WithField("session_id", id).Warn("could not probe audio duration")
	}

	if err := h.sessions.AttachAudio(c.Request.Context(), id, storedPath, duration); err != nil {
		writeError(c, err)
		return
	}

	h.pipe.StartProcessing(id, storedPath)

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": id,
		"status":     models.SessionProcessing,
		"message":    "processing started",
	})
}

// Status reports the session lifecycle plus the most recent progress
// event, served from the cache snapshot when one exists.
func (h *SessionHandler) Status(c *gin.Context) {
	id := c.Param("session_id")

	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"session_id": sess.ID,
		"status":     sess.Status,
		"ml_status":  sess.MLStatus,
	}
	if h.cache != nil {
		var ev models.Event
		if hit, err := h.cache.GetJSON(c.Request.Context(), workers.ProgressKey(id), &ev); err == nil && hit {
			resp["progress"] = ev.Progress
			resp["last_event"] = ev
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Results returns the aggregate analysis. Finalized sessions serve the
// persisted result; an in-flight session gets a live aggregate of
// whatever has completed so far.
func (h *SessionHandler) Results(c *gin.Context) {
	const op = "SessionHandler.Results"
	id := c.Param("session_id")

	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	if len(sess.MLResult) > 0 {
		var result models.AggregateResult
		if err := json.Unmarshal(sess.MLResult, &result); err != nil {
			writeError(c, utils.E(utils.CodeInternal, op, "stored result is corrupt", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ml_status": sess.MLStatus, "result": result})
		return
	}

	agg, err := h.ops.Aggregate(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if agg == nil {
		writeError(c, utils.E(utils.CodeNotFound, op, "no results yet", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ml_status": sess.MLStatus, "result": agg})
}

func (h *SessionHandler) Operations(c *gin.Context) {
	rows, err := h.ops.List(c.Request.Context(), c.Param("session_id"), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": rows})
}

func (h *SessionHandler) Retry(c *gin.Context) {
	id := c.Param("session_id")
	if err := h.pipe.RetryFailedOperations(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "ml_status": sess.MLStatus})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("session_id")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	if h.cache != nil {
		_ = h.cache.Del(c.Request.Context(), workers.ProgressKey(id))
	}
	c.Status(http.StatusNoContent)
}
