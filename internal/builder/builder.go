/*
Package builder invokes a tool's native build command and classifies
what happened. It never retries; retry policy belongs to the
orchestrator.
*/
package builder

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/emarcon/mutaforma/internal/execx"
	"github.com/emarcon/mutaforma/internal/registry"
)

// Outcome is the exhaustive classification of one build invocation.
type Outcome int

// Every build lands in exactly one of these.
const (
	OutcomeArtifact Outcome = iota
	OutcomeNoArtifact
	OutcomeCommandFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeArtifact:
		return "success-with-artifact"
	case OutcomeNoArtifact:
		return "success-no-artifact-found"
	case OutcomeTimedOut:
		return "timed-out"
	default:
		return "command-failed"
	}
}

// Retryable reports whether the orchestrator may spend retry budget on
// this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeCommandFailed || o == OutcomeTimedOut
}

// logTailBytes bounds the captured output kept in results.
const logTailBytes = 2048

// Result is one build invocation's structured outcome.
type Result struct {
	Outcome  Outcome
	Artifact string
	LogTail  string
	ExitCode int
	Elapsed  time.Duration
}

/*
Build runs the spec's build command inside sourceDir with a bounded
timeout. The working directory is exclusive to one run, so concurrent
builds never share mutable files. A zero exit with no file matching the
artifact glob is a warning outcome, not a failure: some build scripts
relocate their own output.
*/
func Build(ctx context.Context, sourceDir string, spec registry.ToolSpec, fallbackTimeout time.Duration) Result {
	timeout := spec.BuildTimeout(fallbackTimeout)
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := spec.Build.Command[0]
	args := spec.Build.Command[1:]

	res, err := execx.Run(buildCtx, sourceDir, spec.Build.Env, name, args...)
	result := Result{
		LogTail:  execx.Tail(res.Output, logTailBytes),
		ExitCode: res.ExitCode,
		Elapsed:  res.Elapsed,
	}

	switch {
	case res.TimedOut:
		result.Outcome = OutcomeTimedOut
	case err != nil || res.ExitCode != 0:
		result.Outcome = OutcomeCommandFailed
		if err != nil && result.LogTail == "" {
			result.LogTail = err.Error()
		}
	default:
		artifact, found := findArtifact(sourceDir, spec.Artifact)
		if !found {
			result.Outcome = OutcomeNoArtifact
		} else {
			result.Outcome = OutcomeArtifact
			result.Artifact = artifact
		}
	}

	return result
}

/*
findArtifact locates the first file matching the glob under sourceDir.
Plain patterns go through filepath.Glob; a pattern with "**" walks the
tree and matches the trailing segments instead.
*/
func findArtifact(sourceDir, pattern string) (string, bool) {
	if !strings.Contains(pattern, "**") {
		matches, err := filepath.Glob(filepath.Join(sourceDir, pattern))
		if err != nil || len(matches) == 0 {
			return "", false
		}

		return matches[0], true
	}

	// "**" pattern: match on the part after the last "**/"
	suffix := pattern[strings.LastIndex(pattern, "**")+2:]
	suffix = strings.TrimPrefix(suffix, "/")

	var found string
	_ = filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}

		if ok, _ := path.Match(suffix, d.Name()); ok {
			found = p
		}

		return nil
	})

	return found, found != ""
}
