package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/pushline/pushline/pkg/audience"
	"github.com/pushline/pushline/pkg/cadence"
	"github.com/pushline/pushline/pkg/cmd"
	"github.com/pushline/pushline/pkg/engine"
	"github.com/pushline/pushline/pkg/events"
	"github.com/pushline/pushline/pkg/execution"
	"github.com/pushline/pushline/pkg/log"
	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/otelhelper"
	"github.com/pushline/pushline/pkg/services"
	"github.com/pushline/pushline/pkg/web"
)

const shutdownTimeout = 30 * time.Second

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("pushline-engine")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	cadenceRepo, closeCadence, err := cmd.NewCadenceRepository(command.String("cadence-url"), store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cadence store: %w", err)
	}

	defer func() {
		if err := closeCadence(); err != nil {
			logger.ErrorContext(ctx, "Failed to close cadence store", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "pushline-engine", logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	var tracer trace.Tracer

	if command.Bool("tracing") {
		tracer, err = otelhelper.NewTracer(ctx, "pushline-engine")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
	}

	filter := cadence.NewFilter(cadenceRepo, models.DefaultCadencePolicy(), logger)

	script := audience.NewScriptGenerator(command.String("scripts-path"), command.Duration("script-timeout"), logger)
	source := audience.NewHTTPUserSource(command.String("user-service-url"), command.Duration("send-timeout"), logger)
	generator := audience.NewCriteriaGenerator(source, script, logger)

	transports := cmd.NewTransportRegistry(
		command.String("push-gateway-url"),
		command.String("email-gateway-url"),
		command.Duration("send-timeout"),
		logger,
	)

	runner := execution.NewRunner(
		store.ExecutionRepository(),
		store.AutomationRepository(),
		filter,
		generator,
		transports,
		eventBus,
		tracer,
		logger,
	)

	eng := engine.NewEngine(store, runner, eventBus, command.Duration("recovery-grace"), logger)

	// Emergency stops raised by the API process arrive over the bus; the flag
	// is already persisted, this just shortens the reaction time.
	_ = eventBus.Handle(events.EmergencyStopRequestedEvent, func(ctx context.Context, event any) error {
		stop, ok := event.(*events.EmergencyStopRequested)
		if !ok {
			return nil
		}

		if executionID := eng.SignalStop(stop.AutomationID); executionID != "" {
			logger.WarnContext(ctx, "Stopped run on remote emergency stop",
				"automation_id", stop.AutomationID,
				"execution_id", executionID)
		}

		return nil
	})

	if err := eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var app *fiber.App

	if port := command.Int("api-port"); port > 0 {
		automationService, err := services.NewAutomation(store, validator.New(validator.WithRequiredStructEnabled()))
		if err != nil {
			return fmt.Errorf("failed to initialize automation service: %w", err)
		}

		handlers := web.NewAPIHandlers(
			automationService,
			validator.New(validator.WithRequiredStructEnabled()),
			eng,
			eventBus,
		)

		app = fiber.New()
		app.Use(cors.New())
		app.Use(fiberlogger.New(fiberlogger.Config{DisableColors: true}))
		handlers.Register(app)

		go func() {
			if err := app.Listen(":" + strconv.Itoa(port)); err != nil {
				logger.ErrorContext(ctx, "API server stopped", "error", err)
			}
		}()

		logger.InfoContext(ctx, "API listening", "port", port)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "Shutting down")

	if app != nil {
		if err := app.Shutdown(); err != nil {
			logger.ErrorContext(ctx, "Failed to shut down API server", "error", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return eng.Stop(stopCtx)
}
