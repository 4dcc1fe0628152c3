// Package ratelimit enforces request and connection rate limits backed
// by Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arenalab/arena/internal/v1/config"
	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/arenalab/arena/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the limiter instances for the HTTP and WebSocket
// surfaces. Limits are keyed by client IP; a Redis store makes them
// fleet-wide, the memory store is per process.
type RateLimiter struct {
	api   *limiter.Limiter
	ws    *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter parses the configured rates ("<count>-<period>" format,
// e.g. "300-M") and picks the store. A nil redisClient falls back to the
// in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWs)
	if err != nil {
		return nil, fmt.Errorf("invalid WS rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store, limits are per process")
	}

	return &RateLimiter{
		api:   limiter.New(store, apiRate),
		ws:    limiter.New(store, wsRate),
		store: store,
	}, nil
}

// APIMiddleware limits matchmaking requests per client IP. The store
// failing open keeps the service available when Redis is degraded.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lctx, err := rl.api.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket gates a WebSocket upgrade by client IP. When the limit
// is reached the response is written and false is returned.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	lctx, err := rl.ws.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}
