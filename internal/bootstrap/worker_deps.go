// Package bootstrap wires configuration, storage, remote model services and
// the transform pipeline into runnable dependency sets.
package bootstrap

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transform_worker/adapter/out/cache"
	"transform_worker/adapter/out/model"
	"transform_worker/adapter/out/persistence"
	"transform_worker/config"
	"transform_worker/core/capability"
	"transform_worker/core/port/out"
	"transform_worker/core/service/classify"
	"transform_worker/core/service/redact"
	"transform_worker/core/service/transform"
	"transform_worker/infra/database"
)

// Dependencies holds everything a transform run needs.
type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	Registry *prometheus.Registry

	// Repositories
	EmailRepo out.EmailRepository
	LabelRepo out.LabelRepository

	// Remote model services
	Embedder out.EmbeddingService
	Chat     out.ChatService
	Entities out.EntityService
	Language out.LanguageService

	// Cache (nil when Redis is not configured)
	ResultCache out.ResultCache

	// Services
	Caps       *capability.Set
	Classifier *classify.Classifier
	Metrics    *classify.Metrics
	Redactor   *redact.Redactor
	Pipeline   *transform.Pipeline
}

// NewDependencies builds the full transform dependency graph. It fails fast
// when required configuration or capabilities are missing. The returned
// cleanup closes all connections.
func NewDependencies(cfg *config.Config, log zerolog.Logger) (*Dependencies, func(), error) {
	if err := cfg.RequireTransform(); err != nil {
		return nil, nil, err
	}
	caps, err := capability.RequireForTransform(cfg.CapabilitiesPath)
	if err != nil {
		return nil, nil, err
	}
	maxModelLen, err := caps.LLMMaxModelLen()
	if err != nil {
		return nil, nil, err
	}
	modelID, err := caps.LLMModelID()
	if err != nil {
		return nil, nil, err
	}

	prompts, err := classify.LoadPrompts(cfg.PromptsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load prompts: %w", err)
	}

	deps := &Dependencies{
		Config:   cfg,
		Caps:     caps,
		Registry: prometheus.NewRegistry(),
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Database (pgxpool for health checks and pool stats)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the row-mapping adapters)
	sqlDB, err := database.NewSQLX(cfg.DatabaseURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("connect sqlx: %w", err)
	}
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis (optional result cache)
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis connection failed, running without result cache")
		} else {
			deps.Redis = redisClient
			deps.ResultCache = cache.NewRedisResultCache(redisClient, log)
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	// Repositories
	deps.EmailRepo = persistence.NewEmailAdapter(sqlDB)
	deps.LabelRepo = persistence.NewLabelAdapter(sqlDB)

	// Remote model services
	deps.Embedder = model.NewEmbeddingAdapter(cfg.EmbeddingURL, log)
	deps.Chat = model.NewVLLMAdapter(cfg.VLLMURL, modelID, log)
	deps.Entities = model.NewNERAdapter(cfg.SpacyAPIURL, log)
	deps.Language = model.NewLangdetectAdapter(cfg.FasttextLangdetectURL, deps.ResultCache, log)

	// Services
	deps.Metrics = classify.NewMetrics(log, deps.Registry)
	deps.Classifier = classify.NewClassifier(
		deps.Chat, prompts, maxModelLen, caps.ClassifyMaxChars(),
		deps.ResultCache, deps.Metrics, log)
	deps.Redactor = redact.NewRedactor(deps.Entities)
	deps.Pipeline = transform.NewPipeline(
		deps.EmailRepo, deps.LabelRepo, deps.Embedder,
		deps.Classifier, deps.Redactor, deps.Language, caps, log)

	return deps, cleanup, nil
}
