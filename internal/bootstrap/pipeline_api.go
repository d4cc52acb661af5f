package bootstrap

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	apihttp "pipeline_server/adapter/in/http"
	"pipeline_server/infra/middleware"
	"pipeline_server/pkg/apperr"
)

var errBodyStoreDisabled = apperr.NotFound("email body")

// zlog builds the component logger used by queue and pool internals.
func zlog() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Logger()
}

// NewAPI builds the Fiber application serving the thin API surface.
func NewAPI(deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "pipeline_server",
		ErrorHandler: middleware.ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	apihttp.NewHealthHandler(deps.Checker, deps.Hub).Register(app)
	apihttp.NewIngestHandler(deps.IngestService).Register(app)
	apihttp.NewEmailHandler(deps.EmailRepo, deps.BodyRepo, deps.ChainRepo, deps.IngestService).Register(app)
	apihttp.NewAdminHandler(deps.Queue, deps.IngestService, deps.Hub).Register(app)

	return app
}
