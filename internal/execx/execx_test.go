package execx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), t.TempDir(), nil, "sh", "-c", "echo hello")
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Output), "hello")
	assert.False(t, res.TimedOut)
}

func TestRunReportsExitCode(t *testing.T) {
	res, err := Run(context.Background(), t.TempDir(), nil, "sh", "-c", "exit 3")
	require.NoError(t, err, "a non-zero exit is not an error")

	assert.Equal(t, 3, res.ExitCode)
}

func TestRunLayersEnvironment(t *testing.T) {
	env := map[string]string{"BUILD_FLAVOR": "release"}

	res, err := Run(context.Background(), t.TempDir(), env, "sh", "-c", "echo $BUILD_FLAVOR")
	require.NoError(t, err)

	assert.Contains(t, string(res.Output), "release")
}

func TestRunHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, t.TempDir(), nil, "sleep", "5")
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRunUnrunnableCommand(t *testing.T) {
	_, err := Run(context.Background(), t.TempDir(), nil, "definitely-not-a-command-7f3a")
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	assert.True(t, Available("sh"))
	assert.False(t, Available("definitely-not-a-command-7f3a"))
}

func TestTail(t *testing.T) {
	short := []byte("one\ntwo\n")
	assert.Equal(t, "one\ntwo\n", Tail(short, 100))

	long := []byte("line-a\nline-b\nline-c\n")
	tail := Tail(long, 10)
	assert.Equal(t, "line-c\n", tail, "truncation must land on a line boundary")
}
