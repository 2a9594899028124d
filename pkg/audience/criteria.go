package audience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pushline/pushline/pkg/models"
)

// UserSource resolves a declarative criteria filter into user ids. Backed by
// the platform's user store; only the narrow query surface is visible here.
type UserSource interface {
	UsersMatching(ctx context.Context, filter map[string]any) ([]string, error)
}

// ErrNoCriteria indicates the automation carries neither a filter nor a script.
var ErrNoCriteria = errors.New("automation has no audience criteria")

// CriteriaGenerator resolves declarative audience criteria against a user
// source. Automations with a custom script configured are delegated to the
// script generator instead.
type CriteriaGenerator struct {
	source UserSource
	script *ScriptGenerator
	logger *slog.Logger
}

// NewCriteriaGenerator creates the default generator: script when configured,
// declarative criteria otherwise.
func NewCriteriaGenerator(source UserSource, script *ScriptGenerator, logger *slog.Logger) *CriteriaGenerator {
	return &CriteriaGenerator{
		source: source,
		script: script,
		logger: logger.With("module", "audience_criteria"),
	}
}

// Generate produces the candidate audience for the automation.
func (g *CriteriaGenerator) Generate(ctx context.Context, automation *models.Automation) (*Result, error) {
	if automation.Audience.Script != "" && g.script != nil {
		return g.script.Generate(ctx, automation)
	}

	if len(automation.Audience.Filter) == 0 {
		return nil, ErrNoCriteria
	}

	userIDs, err := g.source.UsersMatching(ctx, automation.Audience.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audience criteria: %w", err)
	}

	g.logger.InfoContext(ctx, "Resolved audience criteria",
		"automation_id", automation.ID,
		"audience_size", len(userIDs))

	return &Result{UserIDs: userIDs, Size: len(userIDs)}, nil
}
