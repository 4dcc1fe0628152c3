package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arenalab/arena/internal/v1/auth"
	"github.com/arenalab/arena/internal/v1/config"
	"github.com/arenalab/arena/internal/v1/driver"
	"github.com/arenalab/arena/internal/v1/health"
	"github.com/arenalab/arena/internal/v1/httpapi"
	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/matchmaker"
	"github.com/arenalab/arena/internal/v1/middleware"
	"github.com/arenalab/arena/internal/v1/presence"
	"github.com/arenalab/arena/internal/v1/ratelimit"
	"github.com/arenalab/arena/internal/v1/room"
	"github.com/arenalab/arena/internal/v1/stats"
	"github.com/arenalab/arena/internal/v1/tracing"
	"github.com/arenalab/arena/internal/v1/transport"
)

// relayDelegate is the built-in demo room type: every message is
// rebroadcast to the other clients. Real deployments register their
// own delegates here.
type relayDelegate struct{}

func (relayDelegate) OnCreate(_ context.Context, r *room.Room, options map[string]any) error {
	if max, ok := options["maxClients"].(float64); ok {
		r.SetMaxClients(int(max))
	}
	r.OnMessage(room.WildcardMessage, func(c *room.Client, messageType any, payload any) error {
		return r.Broadcast(messageType, payload, room.Except(c))
	})
	return nil
}

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	processID := uuid.NewString()
	ctx := logging.WithProcess(context.Background(), processID)
	logging.Info(ctx, "Arena starting", zap.String("public_address", cfg.PublicAddress))

	// --- Tracing (optional) ---
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "arena", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector unreachable", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Presence and driver: Redis for a fleet, local for one process ---
	var (
		pres        presence.Presence
		drv         driver.Driver
		pinger      health.Pinger
		redisClient *redis.Client
		localPres   *presence.Local
	)
	if cfg.RedisEnabled {
		rp, err := presence.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "Failed to connect presence to Redis", zap.Error(err))
		}
		rd, err := driver.NewRedisDriver(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "Failed to connect driver to Redis", zap.Error(err))
		}
		pres, drv, pinger = rp, rd, rp
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		logging.Info(ctx, "Running in fleet mode", zap.String("redis_addr", cfg.RedisAddr))
	} else {
		localPres = presence.NewLocal()
		if cfg.DevMode {
			if err := localPres.RestoreSnapshot(cfg.SnapshotPath); err != nil {
				logging.Warn(ctx, "No presence snapshot restored", zap.Error(err))
			}
		}
		pres, drv = localPres, driver.NewLocalDriver()
		logging.Info(ctx, "Running in single-process mode")
	}

	// --- Auth ---
	var validator auth.TokenValidator
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		logging.Warn(ctx, "Dev mode without auth credentials, skipping token validation")
		skipAuth = true
	}
	if skipAuth {
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		validator = v
	}

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Stats and matchmaker ---
	st := stats.NewRegistry(processID, pres)
	mm, err := matchmaker.New(ctx, matchmaker.Config{
		ProcessID:           processID,
		PublicAddress:       cfg.PublicAddress,
		Presence:            pres,
		Driver:              drv,
		Stats:               st,
		SeatReservationTime: cfg.SeatReservationTime,
		HealthChecks:        cfg.HealthChecks,
		DevMode:             cfg.DevMode,
	})
	if err != nil {
		logging.Fatal(ctx, "Failed to start matchmaker", zap.Error(err))
	}

	mm.Define(&matchmaker.RoomHandler{
		Name:    "relay",
		Factory: func() room.Delegate { return relayDelegate{} },
	})

	// --- HTTP surface ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID(processID))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	matchmakeGroup := router.Group("/matchmake")
	matchmakeGroup.Use(rateLimiter.APIMiddleware())
	httpapi.NewHandler(mm, validator).Register(matchmakeGroup)

	gateway := transport.NewGateway(mm, rateLimiter, allowedOrigins)
	router.GET("/ws/:roomId", gateway.ServeWs)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(pinger)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.GracefulShutdown {
		if err := mm.GracefullyShutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "Error during matchmaker shutdown", zap.Error(err))
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if err := st.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error shutting down stats registry", zap.Error(err))
	}

	if cfg.DevMode && localPres != nil {
		if err := localPres.SaveSnapshot(cfg.SnapshotPath); err != nil {
			logging.Error(ctx, "Failed to save presence snapshot", zap.Error(err))
		}
	}

	if err := pres.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error shutting down presence", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := drv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error shutting down driver", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
