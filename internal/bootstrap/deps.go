// Package bootstrap assembles the application from config: database
// pools, provider client, repositories, services, and the API and
// worker surfaces on top of them.
package bootstrap

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/GPEire/Tradie-GSuite/adapter/out/persistence"
	"github.com/GPEire/Tradie-GSuite/adapter/out/provider/gmail"
	"github.com/GPEire/Tradie-GSuite/config"
	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/core/service/correction"
	"github.com/GPEire/Tradie-GSuite/core/service/extraction"
	"github.com/GPEire/Tradie-GSuite/core/service/learning"
	"github.com/GPEire/Tradie-GSuite/core/service/reflection"
	"github.com/GPEire/Tradie-GSuite/core/service/resolver"
	"github.com/GPEire/Tradie-GSuite/core/service/scanning"
	"github.com/GPEire/Tradie-GSuite/core/service/watch"
	"github.com/GPEire/Tradie-GSuite/infra/database"
	"github.com/GPEire/Tradie-GSuite/internal/stream"
	"github.com/GPEire/Tradie-GSuite/pkg/cache"
	"github.com/GPEire/Tradie-GSuite/pkg/crypto"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
	"github.com/GPEire/Tradie-GSuite/pkg/ratelimit"
	"github.com/GPEire/Tradie-GSuite/pkg/snowflake"
)

// streamGroup is the consumer group queue nudges are read through.
const streamGroup = "workers"

// Dependencies holds every wired component. API and worker assembly
// both start from here.
type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client
	Cache  *cache.RedisCache

	// Repositories
	Projects    *persistence.ProjectAdapter
	Mappings    *persistence.MappingAdapter
	Queue       *persistence.QueueAdapter
	Corrections *persistence.CorrectionAdapter
	Patterns    *persistence.PatternAdapter
	Users       *persistence.UserAdapter
	Watches     *persistence.WatchAdapter
	Attachments *persistence.AttachmentAdapter
	Events      *persistence.EventAdapter
	Tx          *persistence.TxManager

	// Provider
	Tokens   *gmail.TokenStore
	Limiter  *ratelimit.Limiter
	Provider *gmail.Client

	// Stream
	Stream *stream.RedisStream

	// Services
	IDs        *snowflake.Generator
	Extractor  out.EntityExtractor
	Resolver   *resolver.Resolver
	Reflector  *reflection.Reflector
	Correction *correction.Service
	Scanner    *scanning.Scanner
	Watch      *watch.Manager
	Learner    *learning.Learner
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	deps.Log = newZerolog(cfg)
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, nil)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	sqlDB, err := database.NewSqlx(cfg.DatabaseURL)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { _ = sqlDB.Close() })

	redisClient, err := database.NewRedis(cfg.RedisURL, nil)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Redis = redisClient
	cleanups = append(cleanups, func() { _ = redisClient.Close() })
	deps.Cache = cache.NewRedisCache(redisClient)

	deps.Stream = stream.NewRedisStream(redisClient, streamGroup, deps.Log)
	if err := deps.Stream.EnsureGroup(ctx); err != nil {
		logger.WithError(err).Warn("nudge stream group setup failed, drain loops fall back to polling")
	}

	// Repositories
	deps.Projects = persistence.NewProjectAdapter(sqlDB)
	deps.Mappings = persistence.NewMappingAdapter(sqlDB)
	deps.Queue = persistence.NewQueueAdapter(db, sqlDB)
	deps.Corrections = persistence.NewCorrectionAdapter(sqlDB)
	deps.Patterns = persistence.NewPatternAdapter(sqlDB)
	deps.Users = persistence.NewUserAdapter(sqlDB)
	deps.Watches = persistence.NewWatchAdapter(sqlDB)
	deps.Attachments = persistence.NewAttachmentAdapter(sqlDB)
	deps.Events = persistence.NewEventAdapter(sqlDB)
	deps.Tx = persistence.NewTxManager(sqlDB)

	// Provider client with per-user budgets
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.modify",
		},
		Endpoint: google.Endpoint,
	}
	deps.Tokens = gmail.NewTokenStore(deps.Users, encryptor, oauthConfig)
	deps.Limiter = ratelimit.New(ratelimit.Config{
		ReadPerSec:  cfg.RateReadPerSec,
		WritePerSec: cfg.RateWritePerSec,
		ReadBurst:   cfg.RateReadBurst,
		WriteBurst:  cfg.RateWriteBurst,
	})
	deps.Provider = gmail.NewClient(gmail.Config{
		PushTopic: cfg.PubSubTopic,
	}, deps.Tokens, deps.Limiter)

	deps.IDs = snowflake.NewGeneratorFromString(cfg.WorkerID)
	deps.Extractor = newExtractor(cfg)

	deps.Resolver = resolver.New(resolver.Deps{
		Projects:    deps.Projects,
		Mappings:    deps.Mappings,
		Patterns:    deps.Patterns,
		Events:      deps.Events,
		Queue:       deps.Queue,
		Attachments: deps.Attachments,
		Tx:          deps.Tx,
		Extractor:   deps.Extractor,
		Cache:       deps.Cache,
		IDs:         deps.IDs,
	}, resolver.Config{
		AutoThreshold:   cfg.ConfidenceAuto,
		ReviewThreshold: cfg.ConfidenceReview,
		NewThreshold:    cfg.ConfidenceNew,
	})

	deps.Reflector = reflection.New(deps.Provider, deps.Mappings, reflection.Config{
		BatchMax: cfg.BatchMax,
	})

	deps.Correction = correction.New(correction.Deps{
		Projects:    deps.Projects,
		Mappings:    deps.Mappings,
		Corrections: deps.Corrections,
		Attachments: deps.Attachments,
		Queue:       deps.Queue,
		Tx:          deps.Tx,
		IDs:         deps.IDs,
	})

	deps.Scanner = scanning.New(scanning.Deps{
		Provider: deps.Provider,
		Users:    deps.Users,
		Queue:    deps.Queue,
	}, scanning.Config{
		SliceDays: cfg.ScanSliceDays,
	})

	deps.Watch = watch.New(watch.Deps{
		Provider: deps.Provider,
		Watches:  deps.Watches,
		Users:    deps.Users,
		Queue:    deps.Queue,
		Stream:   deps.Stream,
	}, watch.Config{
		RenewalMargin: cfg.WatchRenewalMargin,
		PollInterval:  cfg.PollInterval,
	})

	deps.Learner = learning.New(learning.Deps{
		Corrections: deps.Corrections,
		Patterns:    deps.Patterns,
		IDs:         deps.IDs,
	}, learning.Config{
		MinSupport: cfg.PatternMinSupport,
	})

	logger.Info("dependencies initialized")
	return deps, cleanup, nil
}

// newZerolog builds the leveled logger the background components
// share. Development gets the console writer, everything else plain
// JSON on stdout.
func newZerolog(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

func newExtractor(cfg *config.Config) out.EntityExtractor {
	if cfg.AIProvider == "stub" {
		logger.Warn("using stub extractor, no AI provider configured")
		return extraction.NewStubExtractor()
	}
	return extraction.NewOpenAIExtractor(extraction.Config{
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: cfg.AITimeout,
	})
}

// HealthCheck pings the hard dependencies.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}
	return d.Redis.Ping(ctx).Err()
}
