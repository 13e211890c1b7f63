// Package http exposes the worker's HTTP surface: health probes, Prometheus
// metrics, and the transform trigger.
package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"transform_worker/core/capability"
	"transform_worker/infra/database"
)

type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
	caps  *capability.Set
}

func NewHealthHandler(db *pgxpool.Pool, redis *redis.Client, caps *capability.Set) *HealthHandler {
	return &HealthHandler{
		db:    db,
		redis: redis,
		caps:  caps,
	}
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/stats", h.Stats)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check PostgreSQL
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	// Model services are reported from the capability registry, not probed
	// live; a readiness poll must stay cheap.
	if h.caps != nil {
		if h.caps.SpacyAPI.Available {
			checks["spacy_api"] = "available"
		} else {
			checks["spacy_api"] = "unavailable"
		}
		if h.caps.FasttextLangdetect.Available {
			checks["fasttext_langdetect"] = "available"
		} else {
			checks["fasttext_langdetect"] = "unavailable"
		}
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats reports connection pool statistics for the configured backends.
func (h *HealthHandler) Stats(c *fiber.Ctx) error {
	stats := fiber.Map{}
	if h.db != nil {
		stats["postgres"] = database.GetPoolStats(h.db)
	}
	if h.redis != nil {
		stats["redis"] = database.GetRedisStats(h.redis)
	}
	return c.JSON(stats)
}
