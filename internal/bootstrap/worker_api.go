package bootstrap

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	httpin "transform_worker/adapter/in/http"
)

// NewAPI builds the fiber app exposing health, metrics, and the transform
// trigger on top of an already-wired dependency set.
func NewAPI(deps *Dependencies, log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: deps.Config.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,

		// go-json is measurably faster than encoding/json for the handler
		// payloads here.
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	httpin.NewHealthHandler(deps.DB, deps.Redis, deps.Caps).Register(app)
	httpin.NewTransformHandler(deps.Pipeline, log).Register(app)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(
		deps.Registry, promhttp.HandlerOpts{})))

	return app
}
