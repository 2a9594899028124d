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
	"time"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
)

// AutomationRepository stores one JSON document per automation under
// <root>/automations.
type AutomationRepository struct {
	root string
	mu   sync.RWMutex
}

// NewAutomationRepository creates a new automation repository.
func NewAutomationRepository(root string) *AutomationRepository {
	return &AutomationRepository{root: root}
}

func (ar *AutomationRepository) dir() string {
	return filepath.Join(ar.root, "automations")
}

func (ar *AutomationRepository) path(id string) string {
	return filepath.Join(ar.dir(), id+".json")
}

// Automations returns all automation definitions, newest first.
func (ar *AutomationRepository) Automations(ctx context.Context) ([]*models.Automation, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	root := os.DirFS(ar.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list automation files: %w", err)
	}

	automations := make([]*models.Automation, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := strings.TrimSuffix(file, ".json")

		automation, err := ar.load(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load automation %s: %w", id, err)
		}

		automations = append(automations, automation)
	}

	sort.Slice(automations, func(i, j int) bool {
		return automations[i].CreatedAt.After(automations[j].CreatedAt)
	})

	return automations, nil
}

// AutomationByID returns one automation or persistence.ErrAutomationNotFound.
func (ar *AutomationRepository) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	return ar.load(id)
}

func (ar *AutomationRepository) load(id string) (*models.Automation, error) {
	var automation models.Automation

	if err := readJSON(ar.path(id), &automation); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, err
	}

	return &automation, nil
}

// SaveAutomation persists the automation, stamping timestamps.
func (ar *AutomationRepository) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	return writeJSON(ar.path(automation.ID), automation)
}

// UpdateAutomationStatus mutates only the status field.
func (ar *AutomationRepository) UpdateAutomationStatus(ctx context.Context, id string, status models.AutomationStatus) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	automation, err := ar.load(id)
	if err != nil {
		return err
	}

	automation.Status = status
	automation.UpdatedAt = time.Now().UTC()

	return writeJSON(ar.path(id), automation)
}

// DeleteAutomation removes the automation file, idempotent when absent.
func (ar *AutomationRepository) DeleteAutomation(ctx context.Context, id string) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	err := os.Remove(ar.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete automation %s: %w", id, err)
	}

	return nil
}
