package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"callreel/internal/auth"
	"callreel/internal/call"
	"callreel/internal/config"
	"callreel/internal/credit"
	"callreel/internal/recording"
	"callreel/internal/relay"
	"callreel/internal/render"
	"callreel/internal/speech"
	"callreel/internal/storage"
	"callreel/internal/transcript"
	"callreel/pkg/logger"
	"callreel/pkg/utils"
)

const retrySweepInterval = time.Minute

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development reads .env; production injects real env vars.
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store, err := storage.Open(rootCtx, cfg.S3)
	if err != nil {
		log.Error("object storage init failed", "err", err)
		os.Exit(1)
	}

	// Services
	credits := credit.NewService(db)
	calls := call.NewService(db, credits)
	transcripts := transcript.NewService(transcript.NewMemoryRepo())

	// Render pipeline
	queue := render.NewQueue(rdb)
	liveAudio := render.NewLiveAudioCache(rdb)
	provider, err := render.NewClient(cfg.Render, nil)
	if err != nil {
		log.Error("render provider init failed", "err", err)
		os.Exit(1)
	}
	splitter := &recording.Splitter{
		HTTP:  &http.Client{Timeout: cfg.Render.CallTimeout},
		Store: store,
	}
	worker := render.NewWorker(log, cfg.Render, queue, provider, calls, splitter, liveAudio, store, rdb)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(rootCtx)
	}()

	// Failed dial attempts re-arm via next_retry_at; the sweeper surfaces
	// the ones whose backoff elapsed for the dialing collaborator.
	go retrySweeper(rootCtx, log, calls)

	// Voice relay
	speechDialer := speech.NewRealtimeDialer(speech.Config{
		URL:        cfg.Speech.URL,
		APIKey:     cfg.Speech.APIKey,
		Voice:      cfg.Speech.Voice,
		SampleRate: cfg.Speech.SampleRate,
	})
	relayHandler := relay.NewHandler(
		log,
		relay.Config{ModelSampleRate: cfg.Speech.SampleRate},
		calls,
		speechDialer,
		transcripts,
		liveAudio,
		queue,
		relay.NewRegistry(),
	)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		auth:        authManager,
		credits:     credits,
		calls:       calls,
		queue:       queue,
		relay:       relayHandler,
		twilio:      cfg.Twilio,
		healthCheck: func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Render workers drain their in-flight jobs after rootCtx cancels.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("render workers did not drain in time")
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// retrySweeper periodically reports failed calls whose backoff elapsed.
// Dialing is a collaborator concern; a retried attempt goes through
// MarkAttempted, which guards against exceeding max_attempts. The sweeper
// keeps the backlog visible in the logs.
func retrySweeper(ctx context.Context, log *slog.Logger, calls *call.Service) {
	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := calls.DueForRetry(ctx, 100)
		if err != nil {
			log.Error("retry sweep failed", "err", err)
			continue
		}
		for _, c := range due {
			log.Info("call due for retry", "call_id", c.ID, "attempts", c.Attempts, "max_attempts", c.MaxAttempts)
		}
	}
}
