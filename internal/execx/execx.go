/*
Package execx runs external commands as bounded, fallible units: combined
output is always captured, deadlines kill the child process, and the
caller gets an exit code instead of control-flow surprises.
*/
package execx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// Result carries everything the caller needs to classify a command run.
type Result struct {
	ExitCode int
	Output   []byte
	Elapsed  time.Duration
	TimedOut bool
}

/*
Run executes name with args inside dir, layering extraEnv over the
process environment. The context bounds the child process: on expiry the
child is killed and Result.TimedOut is set. A non-zero exit is not an
error here, the exit code is reported and classification is left to the
caller; err is reserved for the command being unrunnable at all.
*/
func Run(ctx context.Context, dir string, extraEnv map[string]string, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	env := os.Environ()
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	start := time.Now()
	output, err := cmd.CombinedOutput()
	res := Result{
		Output:  output,
		Elapsed: time.Since(start),
	}

	if ctx.Err() != nil {
		res.TimedOut = true
		res.ExitCode = -1

		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()

			return res, nil
		}
		// command could not be started at all
		res.ExitCode = -1

		return res, err
	}

	return res, nil
}

/*
Available reports whether an executable can be found in PATH. Used to
probe a tool's declared toolchain before any work is scheduled for it.
*/
func Available(name string) bool {
	_, err := exec.LookPath(name)

	return err == nil
}

/*
Tail returns at most n trailing bytes of output, cutting at a line
boundary where possible. Reports stay diagnosable without reproducing
whole build logs.
*/
func Tail(output []byte, n int) string {
	if len(output) <= n {
		return string(output)
	}

	tail := output[len(output)-n:]
	for i, b := range tail {
		if b == '\n' {
			return string(tail[i+1:])
		}
	}

	return string(tail)
}
