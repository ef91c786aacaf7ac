package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	_ "go.uber.org/automaxprocs"

	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/classifier"
	"github.com/veritas-labs/veritas/automod/consumer"
	"github.com/veritas-labs/veritas/automod/engine"
	"github.com/veritas-labs/veritas/pkg/metrics"
	"github.com/veritas-labs/veritas/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"golang.org/x/sync/errgroup"
	"gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "moderator",
		Usage:   "content moderation decision service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"MODERATOR_LOG_LEVEL", "VERITAS_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text or json)",
			EnvVars: []string{"MODERATOR_LOG_FORMAT", "VERITAS_LOG_FMT"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for moderation records, rules, reviews, and audit log",
			Value:   "sqlite://data/moderator/moderator.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Usage:   "limit on size of database connection pool",
			Value:   40,
			EnvVars: []string{"MODERATOR_MAX_DB_CONNECTIONS", "MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL; enables the hot decision cache, shared counters, replay guard, and queue consumer",
			EnvVars: []string{"MODERATOR_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"MODERATOR_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"MODERATOR_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:     "jwks-url",
			Usage:    "URL of the JSON Web Key Set used to verify delegated credentials",
			Required: true,
			EnvVars:  []string{"MODERATOR_JWKS_URL"},
		},
		&cli.DurationFlag{
			Name:    "jwks-refresh-interval",
			Usage:   "minimum interval between JWKS refetches",
			Value:   15 * time.Minute,
			EnvVars: []string{"MODERATOR_JWKS_REFRESH_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "auth-audience",
			Usage:   "required 'aud' claim of delegated credentials (empty to skip the check)",
			Value:   "veritas-moderator",
			EnvVars: []string{"MODERATOR_AUTH_AUDIENCE"},
		},
		&cli.StringFlag{
			Name:    "auth-issuer",
			Usage:   "required 'iss' claim of delegated credentials (empty to skip the check)",
			EnvVars: []string{"MODERATOR_AUTH_ISSUER"},
		},
		&cli.DurationFlag{
			Name:    "auth-leeway",
			Usage:   "clock skew tolerance for exp/iat/nbf",
			Value:   60 * time.Second,
			EnvVars: []string{"MODERATOR_AUTH_LEEWAY"},
		},
		&cli.StringFlag{
			Name:    "classifier-url",
			Usage:   "base URL of an OpenAI-compatible chat completions API",
			Value:   classifier.DefaultConfig().URL,
			EnvVars: []string{"MODERATOR_CLASSIFIER_URL"},
		},
		&cli.StringFlag{
			Name:    "classifier-api-key",
			Usage:   "API key for the classifier; when unset every classification fails safe to review",
			EnvVars: []string{"MODERATOR_CLASSIFIER_API_KEY", "GROQ_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "classifier-model",
			Value:   classifier.DefaultConfig().Model,
			EnvVars: []string{"MODERATOR_CLASSIFIER_MODEL"},
		},
		&cli.DurationFlag{
			Name:    "classifier-timeout",
			Usage:   "bound on each classification, including the single retry",
			Value:   classifier.DefaultConfig().Timeout,
			EnvVars: []string{"MODERATOR_CLASSIFIER_TIMEOUT"},
		},
		&cli.Float64Flag{
			Name:    "classifier-min-confidence",
			Usage:   "verdicts below this confidence go to human review",
			Value:   engine.DefaultConfig().MinConfidence,
			EnvVars: []string{"MODERATOR_CLASSIFIER_MIN_CONFIDENCE"},
		},
		&cli.IntFlag{
			Name:    "classifier-excerpt-chars",
			Usage:   "characters of content included in the classifier prompt",
			Value:   classifier.DefaultConfig().ContentChars,
			EnvVars: []string{"MODERATOR_CLASSIFIER_EXCERPT_CHARS"},
		},
		&cli.Float64Flag{
			Name:    "classifier-rate-limit",
			Usage:   "max classifier requests per second (0 for unlimited)",
			EnvVars: []string{"MODERATOR_CLASSIFIER_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "rule-refresh-interval",
			Usage:   "how often the rule snapshot is rebuilt from the database",
			Value:   30 * time.Second,
			EnvVars: []string{"MODERATOR_RULE_REFRESH_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "hot-cache-ttl",
			Usage:   "lifetime of decision cache entries in the hot layer",
			Value:   10 * time.Minute,
			EnvVars: []string{"MODERATOR_HOT_CACHE_TTL"},
		},
		&cli.StringFlag{
			Name:    "scope-perform",
			Value:   auth.ScopePerform,
			EnvVars: []string{"MODERATOR_SCOPE_PERFORM"},
		},
		&cli.StringFlag{
			Name:    "scope-admin",
			Value:   auth.ScopeAdmin,
			EnvVars: []string{"MODERATOR_SCOPE_ADMIN"},
		},
		&cli.StringFlag{
			Name:    "scope-review",
			Value:   auth.ScopeReview,
			EnvVars: []string{"MODERATOR_SCOPE_REVIEW"},
		},
		&cli.StringFlag{
			Name:    "consume-queue",
			Usage:   "redis list to pop moderation work items from (empty to disable; requires redis-url)",
			Value:   "veritas:moderator:queue",
			EnvVars: []string{"MODERATOR_CONSUME_QUEUE"},
		},
		&cli.StringFlag{
			Name:    "forward-queue",
			Usage:   "redis list allowed items are pushed to",
			Value:   "veritas:scout:queue",
			EnvVars: []string{"MODERATOR_FORWARD_QUEUE"},
		},
		&cli.IntFlag{
			Name:    "queue-parallelism",
			Value:   4,
			EnvVars: []string{"MODERATOR_QUEUE_PARALLELISM"},
		},
		&cli.DurationFlag{
			Name:    "queue-poll-backoff",
			Usage:   "initial wait after a queue error",
			Value:   time.Second,
			EnvVars: []string{"MODERATOR_QUEUE_POLL_BACKOFF"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(os.Stdout, cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		if err != nil {
			return err
		}

		dbtracing := false
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			logger.Info("setting up trace exporter", "endpoint", ep)
			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				return fmt.Errorf("failed to create trace exporter: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					logger.Error("failed to shutdown trace exporter", "err", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("moderator"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
				)),
			)
			otel.SetTracerProvider(tp)
			dbtracing = true
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}
		if dbtracing {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				return err
			}
		}

		ccfg := classifier.DefaultConfig()
		ccfg.URL = cctx.String("classifier-url")
		ccfg.APIKey = cctx.String("classifier-api-key")
		ccfg.Model = cctx.String("classifier-model")
		ccfg.Timeout = cctx.Duration("classifier-timeout")
		ccfg.ContentChars = cctx.Int("classifier-excerpt-chars")
		ccfg.RateLimit = cctx.Float64("classifier-rate-limit")
		if ccfg.APIKey == "" {
			logger.Warn("no classifier API key configured; unmatched content will go to review")
		}

		acfg := auth.DefaultConfig()
		acfg.Audience = cctx.String("auth-audience")
		acfg.Issuer = cctx.String("auth-issuer")
		acfg.Leeway = cctx.Duration("auth-leeway")

		ecfg := engine.DefaultConfig()
		ecfg.MinConfidence = cctx.Float64("classifier-min-confidence")
		ecfg.ScopePerform = cctx.String("scope-perform")
		ecfg.ScopeAdmin = cctx.String("scope-admin")
		ecfg.ScopeReview = cctx.String("scope-review")

		srv, err := NewServer(ctx, db, Config{
			Logger:      logger,
			Bind:        cctx.String("bind"),
			RedisURL:    cctx.String("redis-url"),
			JWKSURL:     cctx.String("jwks-url"),
			JWKSRefresh: cctx.Duration("jwks-refresh-interval"),
			HotCacheTTL: cctx.Duration("hot-cache-ttl"),
			Auth:        acfg,
			Classifier:  ccfg,
			Engine:      ecfg,
		})
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := metrics.RunServer(gctx, cctx.String("metrics-listen"), logger); err != nil {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return srv.RunAPI(gctx)
		})
		g.Go(func() error {
			return srv.engine.Rules.Run(gctx, cctx.Duration("rule-refresh-interval"))
		})
		if srv.rdb != nil && cctx.String("consume-queue") != "" {
			qc := &consumer.QueueConsumer{
				Logger:       logger.With("component", "consumer"),
				RedisClient:  srv.rdb,
				Engine:       srv.engine,
				Queue:        cctx.String("consume-queue"),
				ForwardQueue: cctx.String("forward-queue"),
				Parallelism:  cctx.Int("queue-parallelism"),
				ErrorBackoff: cctx.Duration("queue-poll-backoff"),
				Scope:        ecfg.ScopePerform,
			}
			g.Go(func() error {
				return qc.Run(gctx)
			})
		}

		err = g.Wait()
		if srv.rdb != nil {
			srv.rdb.Close()
		}
		if err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}
