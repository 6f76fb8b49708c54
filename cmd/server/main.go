package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/videofoundry/api/internal/auth"
	"github.com/videofoundry/api/internal/client"
	"github.com/videofoundry/api/internal/config"
	"github.com/videofoundry/api/internal/engine"
	"github.com/videofoundry/api/internal/handler"
	"github.com/videofoundry/api/internal/logging"
	"github.com/videofoundry/api/internal/media"
	"github.com/videofoundry/api/internal/middleware"
	"github.com/videofoundry/api/internal/service"
	"github.com/videofoundry/api/internal/store"
	ws "github.com/videofoundry/api/internal/websocket"
	"github.com/videofoundry/api/internal/worker"
)

// @title          Video Foundry API
// @version        1.0
// @description    Render orchestration for AI generated video segments.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewLogger(cfg.Server.Env, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	st, err := newStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to initialize store")
	}
	defer st.Close()

	storage, err := newStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to initialize asset storage")
	}

	generator, err := newGenerator(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize generation backends")
	}

	var limiter engine.SlotLimiter
	if cfg.Render.DistributedSlots {
		limiter = engine.NewRedisLimiter(redisClient, cfg.Store.KeyPrefix, cfg.Render.JobConcurrency, cfg.Render.GlobalConcurrency)
	} else {
		limiter = engine.NewMemoryLimiter(cfg.Render.JobConcurrency, cfg.Render.GlobalConcurrency)
	}

	assetURL := storage.GetPublicURL

	// Initialize WebSocket hub
	hub := ws.NewHub(assetURL, log)
	go hub.Run()

	renderEngine := engine.New(engineConfig(cfg.Render), engine.Deps{
		Store:     st,
		Generator: generator,
		Storage:   storage,
		Muxer:     media.NewFFmpegMuxer(storage, cfg.FFmpeg.Path, cfg.FFmpeg.WorkDir, log),
		Limiter:   limiter,
		Scheduler: worker.NewAsynqScheduler(asynqClient),
		Notifier:  hub,
		Logger:    log,
	})

	// Initialize auth (JWKS is optional, legacy HMAC tokens remain accepted)
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			verifier = jwks
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)
	defer authenticator.Close()

	// Initialize services
	segmentService := service.NewSegmentService(st, assetURL, log)
	renderService := service.NewRenderService(renderEngine, assetURL)

	// Initialize handlers
	validate := validator.New()
	segmentHandler := handler.NewSegmentHandler(segmentService, validate)
	renderHandler := handler.NewRenderHandler(renderService, hub)
	authHandler := handler.NewAuthHandler(authenticator)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		log.Info().Msg("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuth()
	} else {
		apiAuthMiddleware = middleware.Authenticate(authenticator)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.Store.KeyPrefix, log)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	healthHandler := handler.NewHealthHandler(fiber.Map{
		"store":   cfg.Store.Driver,
		"storage": cfg.Storage.Driver,
		"auth":    authenticator.Configured() || cfg.Gateway.Enabled,
	}, generator, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	app.Get("/health", healthHandler.Check)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	projects := api.Group("/projects/:projectId")
	projects.Post("/segments", segmentHandler.Create)
	projects.Get("/segments", segmentHandler.List)
	projects.Post("/render", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.Start)
	projects.Get("/render-jobs", renderHandler.List)

	segments := api.Group("/segments/:segmentId")
	segments.Get("", segmentHandler.Get)
	segments.Put("", segmentHandler.Update)
	segments.Delete("", segmentHandler.Delete)
	segments.Post("/retry", renderHandler.RetrySegment)

	renderJobs := api.Group("/render-jobs/:renderJobId")
	renderJobs.Get("", renderHandler.Status)
	renderJobs.Post("/cancel", renderHandler.Cancel)

	// WebSocket routes
	app.Get("/ws/render-jobs/:renderJobId", renderHandler.UpgradeStream, websocket.New(renderHandler.Stream))

	// Start Asynq worker server
	srv := worker.NewServer(redisOpt, cfg.Worker.Concurrency, cfg.Server.LogLevel, log)
	mux := asynq.NewServeMux()
	worker.NewRenderWorker(renderEngine, log).Register(mux)
	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker server")
	}

	// Periodic sweep for segments whose step chain was lost
	var sweeper *asynq.Scheduler
	if cfg.Render.SweepInterval > 0 {
		sweeper, err = worker.NewPeriodicScheduler(redisOpt, cfg.Render.SweepInterval, cfg.Server.LogLevel, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create sweep scheduler")
		}
		if err := sweeper.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start sweep scheduler")
		}
	}

	// Pick up render jobs left unfinished by a previous process
	if err := renderEngine.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("failed to resume render jobs")
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info().Str("addr", addr).Msg("server starting")
	if err := app.Listen(addr); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	if sweeper != nil {
		sweeper.Shutdown()
	}
	srv.Shutdown()
}

func engineConfig(c config.RenderConfig) engine.Config {
	return engine.Config{
		MaxAttempts:       c.MaxAttempts,
		RetryBaseDelay:    c.RetryBaseDelay,
		RetryMaxDelay:     c.RetryMaxDelay,
		PollInterval:      c.PollInterval,
		MaxPollFailures:   c.MaxPollFailures,
		GenerationTimeout: c.GenerationTimeout,
		SlotWait:          c.SlotWait,
		DispatchClaimTTL:  c.DispatchClaimTTL,
	}
}

func newStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(redisClient, cfg.Store.KeyPrefix), nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newStorage(cfg *config.Config) (client.StorageClient, error) {
	switch cfg.Storage.Driver {
	case "r2":
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			return nil, err
		}
		return r2, nil
	case "local":
		files, err := client.NewFileStore(cfg.Storage.LocalPath, cfg.Storage.PublicURL)
		if err != nil {
			return nil, err
		}
		return files, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newGenerator(cfg *config.Config, log zerolog.Logger) (*client.Router, error) {
	router := client.NewRouter(cfg.Backend.DefaultModel)
	router.Register("mock", client.NewMockGenerator(cfg.Backend.MockDelay, cfg.Backend.MockFailRate))

	comfy, err := client.NewComfyUIClient(&cfg.Backend, log)
	if err != nil {
		return nil, err
	}
	if comfy.IsConfigured() {
		router.Register("comfyui", comfy)
	} else {
		log.Info().Msg("generation backend not configured, only the mock backend is available")
	}
	log.Info().Strs("backends", router.Models()).Msg("generation backends registered")
	return router, nil
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
