package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pitchlab/pitchlab/config"
	"github.com/pitchlab/pitchlab/internal/api/handlers"
	"github.com/pitchlab/pitchlab/internal/api/middleware"
	"github.com/pitchlab/pitchlab/internal/api/routes"
	"github.com/pitchlab/pitchlab/internal/broadcast"
	"github.com/pitchlab/pitchlab/internal/cache"
	"github.com/pitchlab/pitchlab/internal/logger"
	"github.com/pitchlab/pitchlab/internal/providers/ml"
	"github.com/pitchlab/pitchlab/internal/repositories/postgres"
	"github.com/pitchlab/pitchlab/internal/services"
	"github.com/pitchlab/pitchlab/internal/storage"
	"github.com/pitchlab/pitchlab/internal/workers"
)

const (
	abandonSweepInterval = 10 * time.Minute
	abandonMaxAge        = time.Hour
)

func main() {
	_ = godotenv.Load()
	log := logger.New()

	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("postgres init failed")
	}
	if err := config.InitRedis(); err != nil {
		log.WithError(err).Fatal("redis init failed")
	}

	var progressCache cache.Cache
	if config.RedisClient != nil {
		progressCache = cache.NewRedisCache(config.RedisClient)
	} else {
		log.Warn("redis not configured, progress snapshots disabled")
	}

	audioDir := os.Getenv("AUDIO_DIR")
	if audioDir == "" {
		audioDir = "./data/audio"
	}
	files, err := storage.NewLocal(audioDir)
	if err != nil {
		log.WithError(err).Fatal("audio storage init failed")
	}

	mlBaseURL := os.Getenv("ML_SERVICE_URL")
	if mlBaseURL == "" {
		mlBaseURL = "http://localhost:8001"
	}
	provider := ml.NewClient(mlBaseURL, log)

	sessionRepo := postgres.NewSessionRepo(config.PostgresDB)
	operationRepo := postgres.NewOperationRepo(config.PostgresDB)

	opSvc := services.NewOperationService(operationRepo, sessionRepo)
	sessSvc := services.NewSessionService(sessionRepo, operationRepo, files, log)

	hub := broadcast.NewHub(log)
	pipe := workers.NewPipeline(sessionRepo, opSvc, provider, hub, progressCache, log)

	go sweepAbandoned(sessSvc, log)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	routes.RegisterRoutes(r, routes.Deps{
		Session: handlers.NewSessionHandler(sessSvc, opSvc, files, pipe, progressCache, log),
		Stream:  handlers.NewStreamHandler(hub, progressCache, log),
		Health:  handlers.NewHealthHandler(provider, hub),
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.WithField("port", port).Info("api server listening")
	if err := r.Run(":" + port); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// sweepAbandoned flips sessions stuck before upload into the abandoned
// state so they do not linger as recording forever.
func sweepAbandoned(sessions services.SessionService, log *logrus.Logger) {
	ticker := time.NewTicker(abandonSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if n, err := sessions.AbandonStale(ctx, abandonMaxAge); err != nil {
			log.WithError(err).Error("abandon sweep failed")
		} else if n > 0 {
			log.WithField("count", n).Info("abandoned stale sessions")
		}
		cancel()
	}
}
