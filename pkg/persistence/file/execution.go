package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
)

// ExecutionRepository is the file-backed execution ledger: one JSON document
// per execution under <root>/executions.
type ExecutionRepository struct {
	root string
	mu   sync.RWMutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

func (er *ExecutionRepository) dir() string {
	return filepath.Join(er.root, "executions")
}

func (er *ExecutionRepository) path(id string) string {
	return filepath.Join(er.dir(), id+".json")
}

// AppendExecution writes a new ledger row; reusing an id is an error.
func (er *ExecutionRepository) AppendExecution(ctx context.Context, execution *models.Execution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	if _, err := os.Stat(er.path(execution.ID)); err == nil {
		return persistence.NewExecutionError("Append", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	return writeJSON(er.path(execution.ID), execution)
}

// UpdateExecution rewrites the row. Rows already terminal on disk are immutable.
func (er *ExecutionRepository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	existing, err := er.load(execution.ID)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	if existing.Status.Terminal() {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionTerminal)
	}

	return writeJSON(er.path(execution.ID), execution)
}

// ExecutionByID returns one row or persistence.ErrExecutionNotFound.
func (er *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	return er.load(id)
}

func (er *ExecutionRepository) load(id string) (*models.Execution, error) {
	var execution models.Execution

	if err := readJSON(er.path(id), &execution); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, err
	}

	return &execution, nil
}

// ExecutionsByAutomation returns the automation's rows, newest start first.
func (er *ExecutionRepository) ExecutionsByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0)

	for _, execution := range all {
		if execution.AutomationID == automationID {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})

	return executions, nil
}

// LastExecution returns the most recently started row for the automation,
// or persistence.ErrExecutionNotFound when none exist.
func (er *ExecutionRepository) LastExecution(ctx context.Context, automationID string) (*models.Execution, error) {
	executions, err := er.ExecutionsByAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}

	if len(executions) == 0 {
		return nil, persistence.ErrExecutionNotFound
	}

	return executions[0], nil
}

// NonTerminalExecutions returns rows still marked running, used by the
// startup recovery sweep.
func (er *ExecutionRepository) NonTerminalExecutions(ctx context.Context) ([]*models.Execution, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.Execution, 0)

	for _, execution := range all {
		if !execution.Status.Terminal() {
			executions = append(executions, execution)
		}
	}

	return executions, nil
}

func (er *ExecutionRepository) loadAll() ([]*models.Execution, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	root := os.DirFS(er.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.Execution, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := strings.TrimSuffix(file, ".json")

		execution, err := er.load(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
		}

		executions = append(executions, execution)
	}

	return executions, nil
}
