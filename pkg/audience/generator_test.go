package audience

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushline/pushline/pkg/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

func TestScriptGeneratorParsesStdout(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "audience.sh", "#!/bin/sh\necho user-1\necho '# comment'\necho user-2\necho user-1\necho >&2 'loaded 2 users'\n")

	automation := testutil.CreateTestAutomation()
	automation.Audience.Script = "audience.sh"

	generator := NewScriptGenerator(dir, time.Minute, testLogger())

	result, err := generator.Generate(context.Background(), automation)
	require.NoError(t, err)
	// Duplicates and comment lines are dropped.
	assert.Equal(t, []string{"user-1", "user-2"}, result.UserIDs)
	assert.Equal(t, 2, result.Size)
	assert.Contains(t, result.Stderr, "loaded 2 users")
}

func TestScriptGeneratorFailureKeepsDiagnostics(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken.sh", "#!/bin/sh\necho >&2 'query timed out'\nexit 3\n")

	automation := testutil.CreateTestAutomation()
	automation.Audience.Script = "broken.sh"

	generator := NewScriptGenerator(dir, time.Minute, testLogger())

	result, err := generator.Generate(context.Background(), automation)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Stderr, "query timed out")
}

func TestScriptGeneratorRejectsPathEscape(t *testing.T) {
	automation := testutil.CreateTestAutomation()
	automation.Audience.Script = "../../etc/passwd"

	generator := NewScriptGenerator(t.TempDir(), time.Minute, testLogger())

	_, err := generator.Generate(context.Background(), automation)
	assert.Error(t, err)
}

func TestScriptGeneratorNoScript(t *testing.T) {
	generator := NewScriptGenerator(t.TempDir(), time.Minute, testLogger())

	_, err := generator.Generate(context.Background(), testutil.CreateTestAutomation())
	assert.ErrorIs(t, err, ErrNoScript)
}

type stubUserSource struct {
	users []string
	err   error
}

func (s *stubUserSource) UsersMatching(_ context.Context, _ map[string]any) ([]string, error) {
	return s.users, s.err
}

func TestCriteriaGeneratorResolvesFilter(t *testing.T) {
	automation := testutil.CreateTestAutomation()
	automation.Audience.Filter = map[string]any{"active_within_days": 30}

	source := &stubUserSource{users: []string{"user-1", "user-2"}}
	generator := NewCriteriaGenerator(source, nil, testLogger())

	result, err := generator.Generate(context.Background(), automation)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Size)
	assert.Equal(t, []string{"user-1", "user-2"}, result.UserIDs)
}

func TestCriteriaGeneratorSourceError(t *testing.T) {
	automation := testutil.CreateTestAutomation()
	automation.Audience.Filter = map[string]any{"active_within_days": 30}

	generator := NewCriteriaGenerator(&stubUserSource{err: errors.New("db down")}, nil, testLogger())

	_, err := generator.Generate(context.Background(), automation)
	assert.Error(t, err)
}

func TestCriteriaGeneratorNoCriteria(t *testing.T) {
	generator := NewCriteriaGenerator(&stubUserSource{}, nil, testLogger())

	automation := testutil.CreateTestAutomation()
	automation.Audience.Filter = nil

	_, err := generator.Generate(context.Background(), automation)
	assert.ErrorIs(t, err, ErrNoCriteria)
}

func TestCriteriaGeneratorDelegatesToScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "audience.sh", "#!/bin/sh\necho user-9\n")

	automation := testutil.CreateTestAutomation()
	automation.Audience.Script = "audience.sh"
	automation.Audience.Filter = map[string]any{"ignored": true}

	script := NewScriptGenerator(dir, time.Minute, testLogger())
	generator := NewCriteriaGenerator(&stubUserSource{}, script, testLogger())

	result, err := generator.Generate(context.Background(), automation)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-9"}, result.UserIDs)
}

var (
	_ Generator = (*ScriptGenerator)(nil)
	_ Generator = (*CriteriaGenerator)(nil)
)
