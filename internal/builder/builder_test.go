package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarcon/mutaforma/internal/registry"
)

func shellSpec(command, artifact string) registry.ToolSpec {
	return registry.ToolSpec{
		ID:       "under-test",
		Repo:     "https://example.invalid/under-test.git",
		Build:    registry.BuildSpec{Command: []string{"sh", "-c", command}},
		Artifact: artifact,
	}
}

func TestBuildProducesArtifact(t *testing.T) {
	dir := t.TempDir()
	spec := shellSpec("mkdir -p out && echo binary > out/tool.exe", "out/*.exe")

	result := Build(context.Background(), dir, spec, time.Minute)

	assert.Equal(t, OutcomeArtifact, result.Outcome)
	assert.Equal(t, filepath.Join(dir, "out", "tool.exe"), result.Artifact)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Outcome.Retryable())
}

func TestBuildDoubleStarPattern(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "bin", "Release", "net6.0")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "tool.exe"), []byte("x"), 0o755))

	spec := shellSpec("true", "bin/**/tool.exe")
	result := Build(context.Background(), dir, spec, time.Minute)

	assert.Equal(t, OutcomeArtifact, result.Outcome)
	assert.Equal(t, filepath.Join(nested, "tool.exe"), result.Artifact)
}

func TestBuildSucceedsWithoutArtifact(t *testing.T) {
	result := Build(context.Background(), t.TempDir(), shellSpec("true", "out/*.exe"), time.Minute)

	assert.Equal(t, OutcomeNoArtifact, result.Outcome)
	assert.Empty(t, result.Artifact)
	assert.False(t, result.Outcome.Retryable())
}

func TestBuildCommandFailure(t *testing.T) {
	spec := shellSpec("echo compile error >&2; exit 2", "out/*.exe")

	result := Build(context.Background(), t.TempDir(), spec, time.Minute)

	assert.Equal(t, OutcomeCommandFailed, result.Outcome)
	assert.Equal(t, 2, result.ExitCode)
	assert.Contains(t, result.LogTail, "compile error")
	assert.True(t, result.Outcome.Retryable())
}

func TestBuildTimeout(t *testing.T) {
	spec := shellSpec("sleep 5", "out/*.exe")
	spec.Build.Timeout = 0 // force the fallback

	result := Build(context.Background(), t.TempDir(), spec, 100*time.Millisecond)

	assert.Equal(t, OutcomeTimedOut, result.Outcome)
	assert.True(t, result.Outcome.Retryable())
}

func TestBuildRunsInSourceDir(t *testing.T) {
	dir := t.TempDir()
	spec := shellSpec("pwd > where.txt", "where.txt")

	result := Build(context.Background(), dir, spec, time.Minute)
	require.Equal(t, OutcomeArtifact, result.Outcome)

	raw, err := os.ReadFile(result.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(raw), filepath.Base(dir))
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "success-with-artifact", OutcomeArtifact.String())
	assert.Equal(t, "success-no-artifact-found", OutcomeNoArtifact.String())
	assert.Equal(t, "command-failed", OutcomeCommandFailed.String())
	assert.Equal(t, "timed-out", OutcomeTimedOut.String())
}
