package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"retinalab/internal/app"
	"retinalab/internal/config"
	"retinalab/internal/metrics"
	"retinalab/internal/ratelimit"
	"retinalab/internal/server"
	"retinalab/internal/util"
	"retinalab/pkg/ai"
	"retinalab/pkg/queue"
	"retinalab/pkg/report"
	"retinalab/pkg/storage"
	"retinalab/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var readiness []func(context.Context) error

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		readiness = append(readiness, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var dataStore store.Store
	switch cfg.StoreBackend {
	case "postgres":
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		defer gs.Close()
		readiness = append(readiness, gs.Ping)
		dataStore = gs
	default:
		slog.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if redisClient != nil {
		revoker = store.NewRedisTokenRevoker(redisClient, "retinalab:session:revoked")
	}
	sessions, err := store.NewJWTSessionStore(cfg.SessionSecret, config.Duration(cfg.SessionTTL), revoker, store.JWTOptions{})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	objects, files, err := openObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	analyzer, err := ai.NewOpenAICompatClient(ai.OpenAICompatConfig{
		BaseURL:   cfg.LLMBaseURL,
		APIKey:    cfg.LLMAPIKey,
		Model:     cfg.VisionModel,
		MaxTokens: cfg.LLMMaxTokens,
	})
	if err != nil {
		log.Fatalf("failed to init analysis model: %v", err)
	}
	var chat ai.ChatModel
	switch cfg.LLMProvider {
	case "gemini":
		chat, err = ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel, "")
	default:
		chat, err = ai.NewOpenAICompatClient(ai.OpenAICompatConfig{
			BaseURL:   cfg.LLMBaseURL,
			APIKey:    cfg.LLMAPIKey,
			Model:     cfg.LLMModel,
			MaxTokens: cfg.LLMMaxTokens,
		})
	}
	if err != nil {
		log.Fatalf("failed to init chat model: %v", err)
	}

	var renderer report.Renderer
	if cfg.RendererURL != "" {
		r, err := report.NewHTTPRenderer(cfg.RendererURL, config.Duration(cfg.RenderTimeout))
		if err != nil {
			log.Fatalf("failed to init renderer: %v", err)
		}
		renderer = r
	} else {
		slog.Warn("rendererURL not set; pdf export disabled")
	}

	var events queue.Publisher = queue.NopPublisher{}
	switch cfg.EventsBackend {
	case "redis":
		stream, err := queue.NewRedisEventStream(redisClient, queue.RedisStreamConfig{Stream: cfg.EventsStream})
		if err != nil {
			log.Fatalf("failed to init event stream: %v", err)
		}
		events = stream
	case "amqp":
		pub, err := queue.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init amqp publisher: %v", err)
		}
		defer pub.Close()
		events = pub
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	appCore, err := app.New(app.Config{
		Store:           dataStore,
		Sessions:        sessions,
		Objects:         objects,
		Analyzer:        analyzer,
		Chat:            chat,
		Renderer:        renderer,
		Events:          events,
		Metrics:         collector,
		AnalysisTimeout: config.Duration(cfg.AnalysisTimeout),
		ChatTimeout:     config.Duration(cfg.ChatTimeout),
		MaxImageBytes:   cfg.MaxImageBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	srvCfg := server.Config{
		App:                appCore,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(reg),
		Files:              files,
		Ready: func(ctx context.Context) error {
			for _, check := range readiness {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if cfg.LoginRateLimit > 0 {
		window := config.Duration(cfg.LoginRateWindow)
		if redisClient != nil {
			l, err := ratelimit.NewRedisFixedWindowLimiter(redisClient, "retinalab:ratelimit:login", cfg.LoginRateLimit, window)
			if err != nil {
				log.Fatalf("failed to init login limiter: %v", err)
			}
			srvCfg.LoginLimiter = l
		} else {
			perMinute := float64(cfg.LoginRateLimit) / window.Minutes()
			b := ratelimit.NewUserBuckets(perMinute, cfg.LoginRateLimit, 10*time.Minute)
			defer b.Stop()
			srvCfg.LoginLimiter = b
		}
	}
	if cfg.AnalyzePerMinute > 0 {
		b := ratelimit.NewUserBuckets(cfg.AnalyzePerMinute, 2, 10*time.Minute)
		defer b.Stop()
		srvCfg.AnalyzeLimiter = b
	}
	if cfg.ChatPerMinute > 0 {
		b := ratelimit.NewUserBuckets(cfg.ChatPerMinute, 5, 10*time.Minute)
		defer b.Stop()
		srvCfg.ChatLimiter = b
	}

	httpServer, err := server.New(srvCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.Duration(cfg.AnalysisTimeout) + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("retinalab server listening", "addr", addr, "store", cfg.StoreBackend, "storage", cfg.StorageBackend, "events", cfg.EventsBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// openObjectStore returns the configured blob store and, for the file backend,
// the handler that serves it.
func openObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, http.Handler, error) {
	switch cfg.StorageBackend {
	case "s3":
		s, err := storage.NewS3Store(ctx, storage.S3Config{
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			BaseEndpoint:  cfg.S3Endpoint,
			UsePathStyle:  cfg.S3UsePathStyle,
			PublicBaseURL: cfg.PublicBaseURL,
			PresignExpiry: config.Duration(cfg.PresignExpiry),
		})
		return s, nil, err
	case "file":
		f, err := storage.NewFileStore(cfg.FileStorageDir, cfg.PublicBaseURL)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Handler(), nil
	default:
		m, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
			PresignExpiry: config.Duration(cfg.PresignExpiry),
		})
		return m, nil, err
	}
}
