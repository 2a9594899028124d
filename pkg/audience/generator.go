// Package audience computes candidate user lists for automations, either by
// running a custom generation script or by resolving declarative criteria.
package audience

import (
	"context"

	"github.com/pushline/pushline/pkg/models"
)

// Result is the outcome of one audience generation run. Stdout and Stderr
// carry the generator's diagnostics for the execution ledger and operators.
type Result struct {
	UserIDs []string
	Size    int
	Stdout  string
	Stderr  string
}

// Generator produces the raw candidate audience for an automation. The
// result is a candidate set only; cadence filtering happens afterwards.
type Generator interface {
	Generate(ctx context.Context, automation *models.Automation) (*Result, error)
}
