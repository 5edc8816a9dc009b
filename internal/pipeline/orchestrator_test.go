package pipeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emarcon/mutaforma/internal/builder"
	"github.com/emarcon/mutaforma/internal/config"
	"github.com/emarcon/mutaforma/internal/registry"
)

const testRegistry = `
tools:
  - id: alpha
    repo: https://example.invalid/alpha.git
    build:
      command: ["true"]
    artifact: "out/alpha.exe"
  - id: shielded
    repo: https://example.invalid/shielded.git
    build:
      command: ["true"]
    artifact: "out/shielded.exe"
    capabilities: [has-own-protections]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.BuildDir = filepath.Join(t.TempDir(), "work")
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")

	seed := int64(1234)
	cfg.Seed = &seed

	return cfg
}

func testOrchestrator(t *testing.T, cfg *config.Config) *Orchestrator {
	t.Helper()

	reg, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)

	o := New(cfg, reg)
	o.backoff = time.Millisecond
	o.probe = func(string) bool { return true }

	o.acquire = func(_ context.Context, _, _, dir string) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		source := "class Widget { void Main() { } void Helper() { } }\n"

		return os.WriteFile(filepath.Join(dir, "Widget.cs"), []byte(source), 0o644)
	}

	o.build = func(_ context.Context, sourceDir string, spec registry.ToolSpec, _ time.Duration) builder.Result {
		artifact := filepath.Join(sourceDir, "out", spec.ID+".exe")
		if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
			return builder.Result{Outcome: builder.OutcomeCommandFailed}
		}
		if err := os.WriteFile(artifact, []byte("built"), 0o755); err != nil {
			return builder.Result{Outcome: builder.OutcomeCommandFailed}
		}

		return builder.Result{Outcome: builder.OutcomeArtifact, Artifact: artifact}
	}

	return o
}

func minimalPE() []byte {
	image := make([]byte, 0x200)
	image[0] = 'M'
	image[1] = 'Z'
	binary.LittleEndian.PutUint32(image[0x3C:], 0x80)
	copy(image[0x80:], []byte{'P', 'E', 0, 0})

	return image
}

func TestRunOnePublishes(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(t, cfg)

	report := o.RunOne(context.Background(), "alpha")

	require.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)
	assert.True(t, report.Succeeded())
	assert.Contains(t, report.Applied, "name_mangling")

	raw, err := os.ReadFile(report.Artifact)
	require.NoError(t, err)
	assert.Equal(t, "built", string(raw))

	// default retention purges the working tree on success
	_, err = os.Stat(filepath.Join(cfg.BuildDir, "alpha"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunOneTransformsSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.OnSuccess = config.RetentionRetain

	o := testOrchestrator(t, cfg)

	report := o.RunOne(context.Background(), "alpha")
	require.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)

	raw, err := os.ReadFile(filepath.Join(cfg.BuildDir, "alpha", "Widget.cs"))
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "Widget")
	assert.NotContains(t, string(raw), "Helper")
	assert.Contains(t, string(raw), "Main", "default preserve list keeps the entry point")
}

func TestRunOneRenamesAgreeAcrossFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.OnSuccess = config.RetentionRetain

	o := testOrchestrator(t, cfg)
	o.acquire = func(_ context.Context, _, _, dir string) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		if err := os.WriteFile(filepath.Join(dir, "Gadget.cs"),
			[]byte("class Gadget { void Main() { } }\n"), 0o644); err != nil {
			return err
		}

		// references Gadget without declaring it
		return os.WriteFile(filepath.Join(dir, "Host.cs"),
			[]byte("class Host { void Start() { Gadget g = new Gadget(); } }\n"), 0o644)
	}

	report := o.RunOne(context.Background(), "alpha")
	require.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)

	declRaw, err := os.ReadFile(filepath.Join(cfg.BuildDir, "alpha", "Gadget.cs"))
	require.NoError(t, err)
	refRaw, err := os.ReadFile(filepath.Join(cfg.BuildDir, "alpha", "Host.cs"))
	require.NoError(t, err)

	decl, ref := string(declRaw), string(refRaw)
	assert.NotContains(t, ref, "Gadget", "reference-only file must pick up the rename")

	// both files must use the same generated name
	renamed := strings.Fields(decl)[1]
	require.NotEmpty(t, renamed)
	assert.Contains(t, ref, renamed)
	assert.Equal(t, 2, strings.Count(ref, renamed))
}

func TestRunOneUnknownTool(t *testing.T) {
	o := testOrchestrator(t, testConfig(t))

	report := o.RunOne(context.Background(), "ghost")

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, "not present")
}

func TestRunOneMissingToolchain(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(t, cfg)
	o.probe = func(string) bool { return false }

	reg, err := registry.Parse([]byte(`
tools:
  - id: alpha
    repo: https://example.invalid/alpha.git
    build:
      command: ["msbuild"]
      requires: msbuild
    artifact: "out/alpha.exe"
`))
	require.NoError(t, err)
	o.reg = reg

	report := o.RunOne(context.Background(), "alpha")

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, ErrMissingToolchain.Error())
}

func TestRunOneAcquireFailure(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(t, cfg)
	o.acquire = func(context.Context, string, string, string) error {
		return fmt.Errorf("remote unreachable")
	}

	report := o.RunOne(context.Background(), "alpha")

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, "remote unreachable")
}

func TestRunOneRetriesThenFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.OnFailure = config.RetentionRetain

	o := testOrchestrator(t, cfg)

	var attempts atomic.Int32
	o.build = func(context.Context, string, registry.ToolSpec, time.Duration) builder.Result {
		attempts.Add(1)

		return builder.Result{Outcome: builder.OutcomeCommandFailed, LogTail: "boom"}
	}

	report := o.RunOne(context.Background(), "alpha")

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, "retry budget exhausted")
	assert.Equal(t, int32(2), attempts.Load(), "one retry on a retryable outcome")
	assert.Equal(t, "boom", report.LogTail)

	// failed runs keep their working tree for diagnosis
	_, err := os.Stat(filepath.Join(cfg.BuildDir, "alpha"))
	assert.NoError(t, err)
}

func TestRunOneRetriesThenSucceeds(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(t, cfg)

	realBuild := o.build
	var attempts atomic.Int32
	o.build = func(ctx context.Context, sourceDir string, spec registry.ToolSpec, fallback time.Duration) builder.Result {
		if attempts.Add(1) == 1 {
			return builder.Result{Outcome: builder.OutcomeCommandFailed}
		}

		return realBuild(ctx, sourceDir, spec, fallback)
	}

	report := o.RunOne(context.Background(), "alpha")

	assert.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRunOneNoRetryOnNoArtifact(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(t, cfg)

	var attempts atomic.Int32
	o.build = func(context.Context, string, registry.ToolSpec, time.Duration) builder.Result {
		attempts.Add(1)

		return builder.Result{Outcome: builder.OutcomeNoArtifact}
	}

	report := o.RunOne(context.Background(), "alpha")

	assert.Equal(t, StatePublished, report.State, "missing artifact is a warning, not a failure")
	assert.Equal(t, int32(1), attempts.Load())
	assert.Empty(t, report.Artifact)
	assert.NotEmpty(t, report.Warnings)
}

func TestRunOneBinaryPhase(t *testing.T) {
	cfg := testConfig(t)
	enabled := true
	cfg.Global = config.Layer{
		MetadataStrip: &config.MetadataStripOverride{Enabled: &enabled},
	}

	o := testOrchestrator(t, cfg)
	o.build = func(_ context.Context, sourceDir string, spec registry.ToolSpec, _ time.Duration) builder.Result {
		artifact := filepath.Join(sourceDir, spec.ID+".exe")
		if err := os.WriteFile(artifact, minimalPE(), 0o755); err != nil {
			return builder.Result{Outcome: builder.OutcomeCommandFailed}
		}

		return builder.Result{Outcome: builder.OutcomeArtifact, Artifact: artifact}
	}

	report := o.RunOne(context.Background(), "alpha")

	require.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)
	assert.Contains(t, report.Applied, "metadata_strip")

	published, err := os.ReadFile(report.Artifact)
	require.NoError(t, err)
	require.Len(t, published, 0x200)
	assert.NotEqual(t, minimalPE(), published, "timestamp must have been randomized")
}

func TestRunOneBinaryPhaseFatal(t *testing.T) {
	cfg := testConfig(t)
	enabled := true
	cfg.Global = config.Layer{
		MetadataStrip: &config.MetadataStripOverride{Enabled: &enabled},
	}

	// the stock fake build emits a non-PE artifact
	o := testOrchestrator(t, cfg)

	report := o.RunOne(context.Background(), "alpha")

	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.Reason, "metadata_strip")
}

func TestRunOneSkipsBinaryPhaseForSelfProtectedTool(t *testing.T) {
	cfg := testConfig(t)
	enabled := true
	cfg.Global = config.Layer{
		MetadataStrip: &config.MetadataStripOverride{Enabled: &enabled},
	}

	// same non-PE artifact, but the capability bypasses the phase that
	// would have rejected it
	o := testOrchestrator(t, cfg)

	report := o.RunOne(context.Background(), "shielded")

	assert.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)
	assert.NotContains(t, report.Applied, "metadata_strip")
}

func TestRunOneEmitsMappingRecord(t *testing.T) {
	cfg := testConfig(t)
	o := testOrchestrator(t, cfg)
	o.EmitMappings(true)

	report := o.RunOne(context.Background(), "alpha")
	require.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)
	require.NotEmpty(t, report.Mapping)

	raw, err := os.ReadFile(report.Mapping)
	require.NoError(t, err)

	var record struct {
		Seed     int64             `json:"seed"`
		Mappings map[string]string `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(raw, &record))

	assert.Equal(t, int64(1234), record.Seed)
	assert.Contains(t, record.Mappings, "Widget")
	assert.Contains(t, record.Mappings, "Helper")
	assert.NotContains(t, record.Mappings, "Main")
}

func TestPinnedSeedReproducesOutput(t *testing.T) {
	runOnce := func(t *testing.T) []byte {
		cfg := testConfig(t)
		cfg.Retention.OnSuccess = config.RetentionRetain

		o := testOrchestrator(t, cfg)
		report := o.RunOne(context.Background(), "alpha")
		require.Equal(t, StatePublished, report.State, "reason: %s", report.Reason)

		raw, err := os.ReadFile(filepath.Join(cfg.BuildDir, "alpha", "Widget.cs"))
		require.NoError(t, err)

		return raw
	}

	assert.Equal(t, runOnce(t), runOnce(t))
}

func TestRunAllIsolatesFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 2

	o := testOrchestrator(t, cfg)

	realBuild := o.build
	o.build = func(ctx context.Context, sourceDir string, spec registry.ToolSpec, fallback time.Duration) builder.Result {
		if spec.ID == "shielded" {
			return builder.Result{Outcome: builder.OutcomeCommandFailed}
		}

		return realBuild(ctx, sourceDir, spec, fallback)
	}

	reports := o.RunAll(context.Background(), []string{"alpha", "shielded"})
	require.Len(t, reports, 2)

	assert.Equal(t, "alpha", reports[0].Tool)
	assert.Equal(t, StatePublished, reports[0].State, "reason: %s", reports[0].Reason)

	assert.Equal(t, "shielded", reports[1].Tool)
	assert.Equal(t, StateFailed, reports[1].State)
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 1

	o := testOrchestrator(t, cfg)

	var active, peak atomic.Int32
	realBuild := o.build
	o.build = func(ctx context.Context, sourceDir string, spec registry.ToolSpec, fallback time.Duration) builder.Result {
		now := active.Add(1)
		if now > peak.Load() {
			peak.Store(now)
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)

		return realBuild(ctx, sourceDir, spec, fallback)
	}

	reports := o.RunAll(context.Background(), []string{"alpha", "shielded"})
	require.Len(t, reports, 2)

	assert.LessOrEqual(t, peak.Load(), int32(1))
}
