// Package main provides the Pushline execution engine: the scheduler process
// that fires automations and drives their executions.
package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/pushline/pushline/pkg/engine"
)

func main() {
	command := &cli.Command{
		Name:                  "pushline-engine",
		EnableShellCompletion: true,
		Usage:                 "Run the automation scheduler and execution engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "cadence-url",
				Usage:   "Redis URL for the cadence store (defaults to the primary database)",
				Sources: cli.EnvVars("CADENCE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "push-gateway-url",
				Usage:   "HTTP endpoint of the push delivery gateway",
				Sources: cli.EnvVars("PUSH_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "email-gateway-url",
				Usage:   "HTTP endpoint of the email delivery gateway",
				Sources: cli.EnvVars("EMAIL_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "user-service-url",
				Usage:   "HTTP endpoint of the user query service for audience filters",
				Sources: cli.EnvVars("USER_SERVICE_URL"),
			},
			&cli.StringFlag{
				Name:    "scripts-path",
				Usage:   "Directory containing audience generation scripts",
				Value:   "./scripts",
				Sources: cli.EnvVars("SCRIPTS_PATH"),
			},
			&cli.IntFlag{
				Name:    "api-port",
				Usage:   "Port for the collocated HTTP API (0 disables it)",
				Value:   9092,
				Sources: cli.EnvVars("API_PORT"),
			},
			&cli.DurationFlag{
				Name:    "recovery-grace",
				Usage:   "Age before a non-terminal execution is considered orphaned",
				Value:   engine.DefaultRecoveryGrace,
				Sources: cli.EnvVars("RECOVERY_GRACE"),
			},
			&cli.DurationFlag{
				Name:    "send-timeout",
				Usage:   "Timeout for one delivery gateway call",
				Value:   2 * time.Minute,
				Sources: cli.EnvVars("SEND_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "script-timeout",
				Usage:   "Timeout for one audience script run",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("SCRIPT_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
