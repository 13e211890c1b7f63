package http

import (
	"context"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"transform_worker/core/service/transform"
)

// TransformHandler triggers pipeline runs over HTTP. Only one run may be in
// flight at a time; concurrent triggers get 409.
type TransformHandler struct {
	pipeline *transform.Pipeline
	running  atomic.Bool
	log      zerolog.Logger
}

func NewTransformHandler(pipeline *transform.Pipeline, log zerolog.Logger) *TransformHandler {
	return &TransformHandler{
		pipeline: pipeline,
		log:      log.With().Str("component", "transform_handler").Logger(),
	}
}

func (h *TransformHandler) Register(app *fiber.App) {
	app.Post("/transform", h.Trigger)
}

type transformRequest struct {
	AccountID *int64 `json:"account_id"`
	EmailID   *int64 `json:"email_id"`
	Force     bool   `json:"force"`
	Limit     int    `json:"limit"`
	BatchSize int    `json:"batch_size"`
}

// Trigger starts a transform run in the background and returns immediately.
func (h *TransformHandler) Trigger(c *fiber.Ctx) error {
	var req transformRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body: " + err.Error(),
			})
		}
	}

	if !h.running.CompareAndSwap(false, true) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "a transform run is already in progress",
		})
	}

	opts := transform.Options{
		AccountID: req.AccountID,
		EmailID:   req.EmailID,
		Force:     req.Force,
		Limit:     req.Limit,
		BatchSize: req.BatchSize,
	}
	go func() {
		defer h.running.Store(false)
		summary, err := h.pipeline.Run(context.Background(), opts)
		if err != nil {
			h.log.Error().Err(err).Msg("transform run failed")
			return
		}
		h.log.Info().
			Int("transformed", summary.Transformed).
			Int("failed", summary.Failed).
			Msg("transform run finished")
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "started",
	})
}
