// Command roomserver runs the collaborative document room server: HTTP/ws
// process wiring, storage backend selection, and graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/auth"
	"github.com/roomsync/server/internal/v1/config"
	"github.com/roomsync/server/internal/v1/health"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/middleware"
	"github.com/roomsync/server/internal/v1/ratelimit"
	"github.com/roomsync/server/internal/v1/room"
	"github.com/roomsync/server/internal/v1/storage"
	"github.com/roomsync/server/internal/v1/tracing"
	"github.com/roomsync/server/internal/v1/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.Observability.Environment == "development"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "roomsync-server", cfg.Observability.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	store, err := newStorage(cfg)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize storage", zap.Error(err))
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	manager := room.New(store, room.Config{
		BroadcastBufferSize:        cfg.Fabric.BroadcastBufferSize,
		PersistenceChannelCapacity: cfg.Persistence.ChannelCapacity,
		SnapshotCadence:            cfg.Persistence.SnapshotCadence,
	})

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	validator, err := newValidator(ctx, cfg)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize auth validator", zap.Error(err))
	}

	router := buildRouter(cfg, manager, store, limiter, validator, redisClient)

	srv := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "roomsync server starting", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "graceful shutdown failed", zap.Error(err))
	}
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := storage.NewPostgres(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return storage.NewMemory(), nil
	}
}

// tokenValidator is the subset of auth.Validator the HTTP layer needs;
// satisfied by both the JWKS-backed Validator and MockValidator.
type tokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

func newValidator(ctx context.Context, cfg *config.Config) (tokenValidator, error) {
	if cfg.Auth.MockMode {
		logging.Warn(ctx, "auth running in mock mode: DO NOT use in production")
		return &auth.MockValidator{}, nil
	}
	return auth.NewValidator(ctx, cfg.Auth.Domain, cfg.Auth.Audience)
}

func buildRouter(cfg *config.Config, manager *room.Manager, store storage.Storage, limiter *ratelimit.RateLimiter, validator tokenValidator, redisClient *redis.Client) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("roomsync-server"))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.HTTP.AllowedOrigins
	router.Use(cors.New(corsCfg))

	router.Use(limiter.GlobalMiddleware())

	healthHandler := health.NewHandler(store, redisClient)
	router.GET("/healthz/live", healthHandler.Liveness)
	router.GET("/healthz/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsHandler := transport.NewHandler(manager, originAllowlist(cfg.HTTP.AllowedOrigins))
	router.GET("/rooms/ws/:room_id",
		wsIPRateLimitMiddleware(limiter),
		authMiddleware(validator),
		wsUserRateLimitMiddleware(limiter),
		wsHandler.ServeWs,
	)

	admin := router.Group("/rooms")
	admin.Use(limiter.MiddlewareForEndpoint("rooms"))
	admin.POST("/:room_id", adminCreateRoom(manager))
	admin.DELETE("/:room_id", adminDeleteRoom(manager))
	admin.GET("", adminListRooms(manager))
	admin.GET("/:room_id", adminGetRoomInfo(manager))

	return router
}

// originAllowlist builds a websocket CheckOrigin func from the configured
// allow-list; an empty list accepts any origin (development only).
func originAllowlist(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// authMiddleware validates a bearer token (from the Authorization header or
// a "token" query parameter, for clients that cannot set headers on a
// websocket handshake) before the upgrade proceeds.
func authMiddleware(validator tokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
				token = header[7:]
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Next()
	}
}

// wsIPRateLimitMiddleware enforces the per-IP websocket connection budget
// ahead of authentication, so an unauthenticated flood never even reaches
// the validator.
func wsIPRateLimitMiddleware(limiter *ratelimit.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.CheckWebSocket(c) {
			c.Abort()
			return
		}
		c.Next()
	}
}

// wsUserRateLimitMiddleware enforces the per-user websocket connection
// budget once authMiddleware has resolved claims; it must run after
// authMiddleware in the chain.
func wsUserRateLimitMiddleware(limiter *ratelimit.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get("claims")
		userClaims, ok := claims.(*auth.CustomClaims)
		if !ok {
			c.Next()
			return
		}
		if err := limiter.CheckWebSocketUser(c.Request.Context(), userClaims.Subject); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func adminCreateRoom(manager *room.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("room_id")
		if err := manager.CreateRoom(c.Request.Context(), roomID); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"room_id": roomID})
	}
}

func adminDeleteRoom(manager *room.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("room_id")
		if err := manager.DeleteRoom(c.Request.Context(), roomID); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func adminListRooms(manager *room.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms, err := manager.ListRooms(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	}
}

func adminGetRoomInfo(manager *room.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("room_id")
		info, err := manager.GetRoomInfo(c.Request.Context(), roomID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
