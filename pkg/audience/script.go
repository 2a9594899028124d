package audience

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pushline/pushline/pkg/models"
)

// ErrNoScript indicates the automation has no audience script configured.
var ErrNoScript = errors.New("automation has no audience script")

// ScriptGenerator runs an automation's audience-generation script as a
// subprocess. The script prints one user id per line on stdout; stderr is
// captured verbatim for diagnostics.
type ScriptGenerator struct {
	scriptsRoot string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewScriptGenerator creates a generator that resolves scripts below
// scriptsRoot and kills runs exceeding the timeout.
func NewScriptGenerator(scriptsRoot string, timeout time.Duration, logger *slog.Logger) *ScriptGenerator {
	return &ScriptGenerator{
		scriptsRoot: scriptsRoot,
		timeout:     timeout,
		logger:      logger.With("module", "audience_script"),
	}
}

// Generate runs the script and parses its stdout into user ids.
func (g *ScriptGenerator) Generate(ctx context.Context, automation *models.Automation) (*Result, error) {
	if automation.Audience.Script == "" {
		return nil, ErrNoScript
	}

	scriptPath := filepath.Join(g.scriptsRoot, filepath.Clean(automation.Audience.Script))
	if !strings.HasPrefix(scriptPath, filepath.Clean(g.scriptsRoot)) {
		return nil, fmt.Errorf("audience script %q escapes scripts root", automation.Audience.Script)
	}

	runCtx := ctx

	if g.timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(runCtx, scriptPath, automation.Audience.ScriptArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	g.logger.InfoContext(ctx, "Running audience script",
		"automation_id", automation.ID,
		"script", automation.Audience.Script,
		"args", automation.Audience.ScriptArgs)

	err := cmd.Run()

	result := &Result{
		UserIDs: parseUserIDs(stdout.Bytes()),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	result.Size = len(result.UserIDs)

	if err != nil {
		return result, fmt.Errorf("audience script failed: %w (stderr: %s)", err, truncate(result.Stderr, 512))
	}

	g.logger.InfoContext(ctx, "Audience script completed",
		"automation_id", automation.ID,
		"audience_size", result.Size)

	return result, nil
}

func parseUserIDs(output []byte) []string {
	userIDs := make([]string, 0)
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if _, dup := seen[line]; dup {
			continue
		}

		seen[line] = struct{}{}

		userIDs = append(userIDs, line)
	}

	return userIDs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max] + "..."
}
