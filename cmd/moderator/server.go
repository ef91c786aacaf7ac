package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/veritas-labs/veritas/automod/audit"
	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/cachestore"
	"github.com/veritas-labs/veritas/automod/classifier"
	"github.com/veritas-labs/veritas/automod/countstore"
	"github.com/veritas-labs/veritas/automod/engine"
	"github.com/veritas-labs/veritas/automod/review"
	"github.com/veritas-labs/veritas/automod/rules"
	"github.com/veritas-labs/veritas/models"
	"github.com/veritas-labs/veritas/pkg/robusthttp"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"gorm.io/gorm"
)

type Server struct {
	engine *engine.Engine
	echo   *echo.Echo
	httpd  *http.Server
	rdb    *redis.Client
	logger *slog.Logger
}

type Config struct {
	Logger      *slog.Logger
	Bind        string
	RedisURL    string
	JWKSURL     string
	JWKSRefresh time.Duration
	HotCacheTTL time.Duration
	Auth        auth.Config
	Classifier  classifier.Config
	Engine      engine.Config
}

// Wires the engine and its stores. Redis is optional: without it the daemon runs single-instance, with in-process counters and replay guard.
func NewServer(ctx context.Context, db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := models.RunAllMigrations(db); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	var rdb *redis.Client
	if config.RedisURL != "" {
		// generic client, for decision cache, counters, replay guard, and queue
		opt, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
	}

	var cache cachestore.CacheStore = cachestore.NewSQLCacheStore(db)
	var counters countstore.CountStore
	var replay auth.ReplayGuard
	if rdb != nil {
		cache = cachestore.NewHotCacheStore(cache, rdb, config.HotCacheTTL, logger)
		counters = countstore.NewRedisCountStore(rdb)
		replay = &auth.RedisReplayGuard{Client: rdb}
	} else {
		cache = cachestore.NewHotCacheStore(cache, nil, config.HotCacheTTL, logger)
		counters = countstore.NewMemCountStore()
		replay = auth.NewMemReplayGuard(100_000, time.Hour)
	}

	keys, err := auth.NewJWKSKeySource(ctx, config.JWKSURL, robusthttp.NewClient(
		robusthttp.WithMaxRetries(1),
		robusthttp.WithTimeout(10*time.Second),
		robusthttp.WithLogger(logger),
	), config.JWKSRefresh)
	if err != nil {
		return nil, err
	}

	ruleStore := rules.NewStore(db)
	eng := &engine.Engine{
		Logger:     logger,
		Config:     config.Engine,
		DB:         db,
		Auth:       auth.NewValidator(config.Auth, keys, replay, logger),
		Rules:      rules.NewProvider(ruleStore, logger),
		RuleStore:  ruleStore,
		Cache:      cache,
		Classifier: classifier.NewChatClassifier(config.Classifier, logger),
		Reviews:    review.NewManager(db, logger),
		Audit:      audit.NewLogger(db, logger),
		Counters:   counters,
	}
	if err := eng.Start(ctx); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	srv := newServer(eng, logger)
	srv.rdb = rdb
	srv.httpd.Addr = config.Bind
	return srv, nil
}

func newServer(eng *engine.Engine, logger *slog.Logger) *Server {
	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		engine: eng,
		echo:   e,
		logger: logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Validator = newRequestValidator()
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("moderator"))
	e.Use(otelecho.Middleware("moderator"))
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)

	v1 := e.Group("/v1")
	v1.POST("/moderate", srv.HandleModerate)

	v1.GET("/rules", srv.HandleListRules)
	v1.POST("/rules", srv.HandleCreateRule)
	v1.GET("/rules/:id", srv.HandleGetRule)
	v1.PUT("/rules/:id", srv.HandleUpdateRule)
	v1.POST("/rules/:id/enable", srv.HandleEnableRule)
	v1.POST("/rules/:id/disable", srv.HandleDisableRule)

	v1.GET("/reviews", srv.HandleListReviews)
	v1.GET("/reviews/:id", srv.HandleGetReview)
	v1.POST("/reviews/:id/assign", srv.HandleAssignReview)
	v1.POST("/reviews/:id/unassign", srv.HandleUnassignReview)
	v1.POST("/reviews/:id/resolve", srv.HandleResolveReview)

	v1.GET("/records", srv.HandleListRecords)
	v1.GET("/cache/:hash", srv.HandleGetCacheEntry)
	v1.GET("/stats", srv.HandleStats)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Serves until ctx is cancelled, then drains in-flight requests.
func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
		}
		return err
	case <-ctx.Done():
	}
	return srv.Shutdown()
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}
