package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code_exec_service/internal/api"
	"code_exec_service/internal/api/handler"
	"code_exec_service/internal/app/service"
	"code_exec_service/internal/app/worker"
	"code_exec_service/internal/common/security"
	"code_exec_service/internal/domain/repository"
	"code_exec_service/internal/monitor"
	"code_exec_service/internal/platform/compiler"
	"code_exec_service/internal/platform/config"
	"code_exec_service/internal/platform/database"
	"code_exec_service/internal/platform/logger"
	"code_exec_service/internal/platform/queue"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/clientcredentials"
)

func main() {
	logger.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	// 1. Load Configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("compiler_mode", cfg.Compiler.Mode).
		Int("workers", cfg.Execution.Workers).
		Dur("ttl", cfg.Execution.TTL).
		Msg("configuration loaded")

	ctx := context.Background()

	// 2. Initialize Redis
	rdb, err := queue.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()

	// 3. Observability
	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	// 4. Security
	jwtAuth := security.NewJWTAuth(cfg.Auth.JWTSecret, cfg.Auth.JWTExp)
	callbackSecret := cfg.Compiler.CallbackSecret
	if callbackSecret == "" {
		callbackSecret = randomSecret()
		log.Debug().Msg("no callback secret configured, generated one for this process")
	}
	signer := security.NewCallbackSigner(callbackSecret)

	// 5. Initialize Repositories
	execRepo := repository.NewRedisExecutionRepository(rdb, cfg.Redis.KeyPrefix, cfg.Execution.TTL)
	execQueue := queue.NewRedisQueue(rdb, cfg.Execution.QueueName)

	var archiver service.Archiver
	var archiveWriter *worker.ArchiveWriter
	if cfg.Archive.DSN != "" {
		pool, err := database.Connect(ctx, cfg.Archive.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to archive database")
		}
		defer pool.Close()

		archive := repository.NewPgExecutionArchive(pool)
		if err := archive.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare archive schema")
		}
		archiveWriter = worker.NewArchiveWriter(archive, cfg.Archive.BufferSize, metrics, tracer)
		archiveWriter.Start()
		archiver = archiveWriter
		log.Info().Msg("execution archive enabled")
	}

	// 6. Initialize Services
	liveService := service.NewLiveService(execRepo, jwtAuth, service.LiveOptions{
		PollInterval: cfg.Live.PollInterval,
		SendBuffer:   cfg.Live.SendBuffer,
	}, metrics)
	resultService := service.NewResultService(execRepo, compiler.NewStatusNormalizer(cfg.Compiler.StatusMap), liveService, archiver, metrics)
	executionService := service.NewExecutionService(execRepo, execQueue, metrics)

	// 7. Initialize Execution Worker
	compilerCfg := compiler.Config{
		URL:     cfg.Compiler.URL,
		APIKey:  cfg.Compiler.APIKey,
		Timeout: cfg.Compiler.Timeout,
	}
	if cfg.Compiler.OAuth2.TokenURL != "" {
		compilerCfg.OAuth2 = &clientcredentials.Config{
			ClientID:     cfg.Compiler.OAuth2.ClientID,
			ClientSecret: cfg.Compiler.OAuth2.ClientSecret,
			TokenURL:     cfg.Compiler.OAuth2.TokenURL,
			Scopes:       cfg.Compiler.OAuth2.Scopes,
		}
	}
	executionWorker := worker.NewExecutionWorker(
		execQueue,
		execRepo,
		resultService,
		compiler.NewClient(compilerCfg, tracer),
		compiler.NewLanguageMapper(cfg.Compiler.Languages, cfg.Compiler.DefaultCompiler),
		signer,
		worker.Options{
			Workers:         cfg.Execution.Workers,
			Mode:            cfg.Compiler.Mode,
			QueueTimeout:    cfg.Execution.QueueTimeout,
			CallbackBaseURL: cfg.Compiler.CallbackBaseURL,
		},
		metrics,
		tracer,
	)
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	executionWorker.Start(workerCtx)

	// 8. Initialize Router & HTTP Server
	router := api.NewRouter(
		api.RouterConfig{
			MaxRequestBody: cfg.Server.MaxRequestBody,
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
		},
		handler.NewExecutionHandler(executionService, liveService, jwtAuth, cfg.Server.RequestTimeout, cfg.Live.WriteTimeout),
		handler.NewWebhookHandler(resultService, signer),
		handler.NewAuthHandler(jwtAuth),
		handler.NewHealthHandler(execRepo),
		metrics,
	)

	server := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: live streams are long-lived.
		IdleTimeout: 120 * time.Second,
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", server.Addr).Msg("could not listen")
		}
	}()

	<-stop
	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	liveService.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	workerCancel()
	executionWorker.Wait()

	if archiveWriter != nil {
		archiveWriter.Flush(5 * time.Second)
	}

	log.Info().Msg("server and worker stopped gracefully")
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msg("failed to generate callback secret")
	}
	return hex.EncodeToString(b)
}
