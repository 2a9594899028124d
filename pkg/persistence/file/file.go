// Package file provides file-based persistence used for development and tests.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pushline/pushline/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file system.
type Persistence struct {
	root          string
	automationRepo *AutomationRepository
	executionRepo  *ExecutionRepository
	cadenceRepo    *CadenceRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
// The root may be given as a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:           cleanRoot,
		automationRepo: NewAutomationRepository(cleanRoot),
		executionRepo:  NewExecutionRepository(cleanRoot),
		cadenceRepo:    NewCadenceRepository(cleanRoot),
	}
}

func (fp *Persistence) AutomationRepository() persistence.AutomationRepository {
	return fp.automationRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) CadenceRepository() persistence.CadenceRepository {
	return fp.cadenceRepo
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file persistence there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// writeJSON atomically writes v to path, creating parent directories.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return os.Rename(tmp, path)
}

// readJSON reads path into v, reporting os.ErrNotExist for missing files.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}
