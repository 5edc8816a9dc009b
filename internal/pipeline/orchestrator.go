package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/emarcon/mutaforma/internal/acquire"
	"github.com/emarcon/mutaforma/internal/builder"
	"github.com/emarcon/mutaforma/internal/config"
	"github.com/emarcon/mutaforma/internal/execx"
	"github.com/emarcon/mutaforma/internal/obfuscate"
	"github.com/emarcon/mutaforma/internal/registry"
)

// Pipeline-level failures that are not stage errors from collaborators.
var (
	ErrMissingToolchain = errors.New("required toolchain not found")
	ErrRetryExhausted   = errors.New("build retry budget exhausted")
	ErrUnknownTool      = errors.New("tool not present in registry")
)

const (
	defaultRetryBudget  = 1
	defaultRetryBackoff = 3 * time.Second
	defaultRunTimeout   = 30 * time.Minute
	defaultBuildTimeout = 15 * time.Minute
)

// AcquireFunc materializes a source tree; see package acquire.
type AcquireFunc func(ctx context.Context, repoURL, revision, dir string) error

// BuildFunc invokes a native build; see package builder.
type BuildFunc func(ctx context.Context, sourceDir string, spec registry.ToolSpec, fallback time.Duration) builder.Result

/*
Orchestrator drives independent per-tool runs through the pipeline
state machine over a bounded worker pool. Collaborators are plain
function fields so tests can swap the outside world away.
*/
type Orchestrator struct {
	cfg *config.Config
	reg *registry.Registry

	acquire AcquireFunc
	build   BuildFunc
	probe   func(string) bool

	emitMapping bool
	retryBudget int
	backoff     time.Duration
}

/*
New wires an orchestrator against the real collaborators.
*/
func New(cfg *config.Config, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		reg:         reg,
		acquire:     acquire.Acquire,
		build:       builder.Build,
		probe:       execx.Available,
		retryBudget: defaultRetryBudget,
		backoff:     defaultRetryBackoff,
	}
}

// EmitMappings enables writing the per-tool de-obfuscation record next
// to the published artifact.
func (o *Orchestrator) EmitMappings(enabled bool) {
	o.emitMapping = enabled
}

/*
RunAll schedules one run per tool id over the bounded pool. Tool
outcomes are independent: one failure never aborts the batch, and no
ordering is promised between tools.
*/
func (o *Orchestrator) RunAll(ctx context.Context, ids []string) []Report {
	concurrency := o.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	reports := make([]Report, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)

		go func(i int, id string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			reports[i] = o.RunOne(ctx, id)
		}(i, id)
	}

	wg.Wait()

	return reports
}

/*
RunOne executes the full pipeline for one tool and always returns a
terminal report.
*/
func (o *Orchestrator) RunOne(ctx context.Context, id string) Report {
	spec, ok := o.reg.Get(id)
	if !ok {
		return Report{Tool: id, State: StateFailed, Reason: ErrUnknownTool.Error()}
	}

	run := newRunContext(o.cfg, spec)
	logger := log.DefaultLogger
	logger.Info().Str("tool", id).Str("run", run.ID).Int64("seed", run.Seed).Msg("run created")

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout.Or(defaultRunTimeout))
	defer cancel()

	if spec.Build.Requires != "" && !o.probe(spec.Build.Requires) {
		return o.fail(run, fmt.Errorf("%w: %s", ErrMissingToolchain, spec.Build.Requires))
	}

	grammar, err := obfuscate.ForLanguage(spec.Language)
	if err != nil {
		return o.fail(run, err)
	}

	// Acquiring
	if err := transition(&run.State, StateAcquiring); err != nil {
		return o.fail(run, err)
	}

	if err := o.acquire(runCtx, spec.Repo, spec.Revision, run.CloneDir); err != nil {
		return o.fail(run, err)
	}

	if runCtx.Err() != nil {
		return o.fail(run, fmt.Errorf("run timeout during acquisition: %w", runCtx.Err()))
	}

	// SourceTransform
	if err := transition(&run.State, StateSourceTransform); err != nil {
		return o.fail(run, err)
	}

	engine := obfuscate.NewEngine(run.Set, grammar, run.Store, run.Seed, run.CloneDir)
	if err := o.transformSource(run, engine, grammar); err != nil {
		return o.fail(run, err)
	}

	if runCtx.Err() != nil {
		return o.fail(run, fmt.Errorf("run timeout during source transform: %w", runCtx.Err()))
	}

	// Building, with the orchestrator-owned retry loop
	if err := transition(&run.State, StateBuilding); err != nil {
		return o.fail(run, err)
	}

	buildRes, err := o.buildWithRetry(runCtx, run)
	if err != nil {
		return o.fail(run, err)
	}

	if buildRes.Outcome == builder.OutcomeNoArtifact {
		run.report.Warnings = append(run.report.Warnings,
			"build succeeded but no file matched the artifact pattern")
	}

	// BinaryTransform, skipped for self-protected tools, when nothing
	// is enabled for the phase, or when there is no artifact to touch
	artifact := buildRes.Artifact
	skipBinary := spec.HasCapability(registry.CapOwnProtections) ||
		!engine.HasBinaryTechniques() ||
		artifact == ""

	if skipBinary {
		if err := transition(&run.State, StatePublished); err != nil {
			return o.fail(run, err)
		}
	} else {
		if err := transition(&run.State, StateBinaryTransform); err != nil {
			return o.fail(run, err)
		}

		transformed, err := o.transformBinary(run, engine, artifact)
		if err != nil {
			return o.fail(run, err)
		}
		artifact = transformed

		if err := transition(&run.State, StatePublished); err != nil {
			return o.fail(run, err)
		}
	}

	if err := o.publish(run, artifact); err != nil {
		// the run already reached Published; a publish IO error flips
		// it to Failed through the report only
		run.State = StateFailed
		run.report.State = StateFailed
		run.report.Reason = err.Error()
		o.release(run)

		return run.report
	}

	o.release(run)

	run.report.State = run.State
	run.report.Elapsed = time.Since(run.started)
	logger.Info().Str("tool", id).Str("state", run.State.String()).
		Dur("elapsed", run.report.Elapsed).Msg("run finished")

	return run.report
}

/*
fail moves the run to its terminal failure state, records the reason
and applies the retention policy.
*/
func (o *Orchestrator) fail(run *RunContext, cause error) Report {
	run.State = StateFailed
	run.report.State = StateFailed
	run.report.Reason = cause.Error()
	run.report.Elapsed = time.Since(run.started)

	log.Error().Str("tool", run.Spec.ID).Str("run", run.ID).Err(cause).Msg("run failed")

	o.release(run)

	return run.report
}

/*
release applies the working-directory retention policy at run end:
purge on success, retain on failure for diagnosis, unless configured
otherwise.
*/
func (o *Orchestrator) release(run *RunContext) {
	policy := o.cfg.Retention.OnSuccess
	if run.State == StateFailed {
		policy = o.cfg.Retention.OnFailure
	}

	if policy == config.RetentionPurge {
		if err := os.RemoveAll(run.CloneDir); err != nil {
			log.Warn().Str("tool", run.Spec.ID).Err(err).Msg("failed to purge working directory")
		}

		return
	}

	log.Debug().Str("tool", run.Spec.ID).Str("dir", run.CloneDir).Msg("working directory retained")
}

/*
transformSource applies the source-phase chain to every grammar file in
the clone, sharing one name store so renames agree across files. A
fatal technique error in any file aborts; files before it keep their
already-complete output, files after it are untouched.
*/
func (o *Orchestrator) transformSource(run *RunContext, engine *obfuscate.Engine, grammar *obfuscate.Grammar) error {
	matched := 0

	err := filepath.WalkDir(run.CloneDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}

			return nil
		}

		if !grammarFile(grammar, d.Name()) {
			return nil
		}
		matched++

		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		result := engine.Apply(obfuscate.PhaseSource, payload)
		run.report.Warnings = append(run.report.Warnings, result.Warnings...)

		if result.Fatal() {
			return result.Err
		}

		if len(result.Applied) > 0 && len(run.report.Applied) == 0 {
			run.report.Applied = append(run.report.Applied, result.Applied...)
		}

		return os.WriteFile(path, result.Payload, 0o644)
	})
	if err != nil {
		return err
	}

	if matched == 0 {
		run.report.Warnings = append(run.report.Warnings,
			fmt.Sprintf("no %s source files found", grammar.Name))
	}

	return nil
}

func grammarFile(grammar *obfuscate.Grammar, name string) bool {
	for _, ext := range grammar.Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}

	return false
}

/*
buildWithRetry runs the build and spends the retry budget on retryable
outcomes, with a backoff delay between attempts. Retry lives here, not
in the builder.
*/
func (o *Orchestrator) buildWithRetry(ctx context.Context, run *RunContext) (builder.Result, error) {
	fallback := o.cfg.BuildTimeout.Or(defaultBuildTimeout)

	attempt := 0
	for {
		result := o.build(ctx, run.CloneDir, run.Spec, fallback)
		run.report.LogTail = result.LogTail

		if !result.Outcome.Retryable() {
			return result, nil
		}

		if attempt >= o.retryBudget {
			return result, fmt.Errorf("%w after %d attempts: %s",
				ErrRetryExhausted, attempt+1, result.Outcome)
		}
		attempt++

		log.Warn().Str("tool", run.Spec.ID).Str("outcome", result.Outcome.String()).
			Int("attempt", attempt).Msg("build failed, retrying")

		select {
		case <-time.After(o.backoff):
		case <-ctx.Done():
			return result, fmt.Errorf("run timeout while waiting to retry: %w", ctx.Err())
		}
	}
}

/*
transformBinary runs the binary-phase chain over the built artifact and
stages the transformed bytes back into the working directory. A fatal
error keeps the original artifact untouched.
*/
func (o *Orchestrator) transformBinary(run *RunContext, engine *obfuscate.Engine, artifact string) (string, error) {
	payload, err := os.ReadFile(artifact)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}

	result := engine.Apply(obfuscate.PhaseBinary, payload)
	run.report.Warnings = append(run.report.Warnings, result.Warnings...)
	run.report.Applied = append(run.report.Applied, result.Applied...)

	if result.Fatal() {
		return "", result.Err
	}

	if err := os.WriteFile(artifact, result.Payload, 0o755); err != nil {
		return "", fmt.Errorf("failed to stage transformed artifact: %w", err)
	}

	return artifact, nil
}

/*
publish places the final artifact at its deterministic tool-derived
path and, when requested, the mapping record next to it.
*/
func (o *Orchestrator) publish(run *RunContext, artifact string) error {
	if err := os.MkdirAll(run.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if artifact != "" {
		payload, err := os.ReadFile(artifact)
		if err != nil {
			return fmt.Errorf("failed to read artifact for publishing: %w", err)
		}

		dest := filepath.Join(run.OutDir, filepath.Base(artifact))
		if err := os.WriteFile(dest, payload, 0o755); err != nil {
			return fmt.Errorf("failed to publish artifact: %w", err)
		}

		run.report.Artifact = dest
	}

	if o.emitMapping && run.Store.Len() > 0 {
		record := struct {
			Seed     int64             `json:"seed"`
			Mappings map[string]string `json:"mappings"`
		}{
			Seed:     run.Store.Seed(),
			Mappings: run.Store.Snapshot(),
		}

		raw, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode mapping record: %w", err)
		}

		dest := filepath.Join(run.OutDir, run.Spec.ID+".mapping.json")
		if err := os.WriteFile(dest, raw, 0o644); err != nil {
			return fmt.Errorf("failed to write mapping record: %w", err)
		}

		run.report.Mapping = dest
	}

	return nil
}
