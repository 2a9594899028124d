package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/pushline/pushline/pkg/eventbus"
	"github.com/pushline/pushline/pkg/persistence"
	"github.com/pushline/pushline/pkg/services"
	"github.com/pushline/pushline/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
) (*API, error) {
	return &API{
		persistence: store,
		logger:      logger,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (a *API) App() (*fiber.App, error) {
	automationService, err := services.NewAutomation(a.persistence, a.validate)
	if err != nil {
		return nil, err
	}

	// No collocated scheduler: emergency stops travel through the persisted
	// flag and the event bus.
	handlers := web.NewAPIHandlers(automationService, a.validate, nil, a.eventBus)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Pushline API")
	})

	handlers.Register(app)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
