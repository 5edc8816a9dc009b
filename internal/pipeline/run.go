package pipeline

import (
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/emarcon/mutaforma/internal/config"
	"github.com/emarcon/mutaforma/internal/obfuscate"
	"github.com/emarcon/mutaforma/internal/registry"
)

/*
RunContext is everything scoped to one tool's single pipeline
execution: the spec, the configuration merged once at creation, the
seed, the working directories and the run's exclusive name store.
Nothing in here is ever shared with another run.
*/
type RunContext struct {
	ID    string
	Spec  registry.ToolSpec
	Set   config.TechniqueSet
	Seed  int64
	State State

	CloneDir string
	OutDir   string

	Store *obfuscate.NameStore

	started time.Time
	report  Report
}

/*
newRunContext merges the configuration layers for the tool and fixes
the seed: the explicit one when pinned, a process-generated one
otherwise. The merged set is immutable for the rest of the run.
*/
func newRunContext(cfg *config.Config, spec registry.ToolSpec) *RunContext {
	var seed int64
	if cfg.Seed != nil {
		seed = *cfg.Seed
	} else {
		seed = rand.Int63()
	}

	set := cfg.MergedFor(spec.ID)

	run := &RunContext{
		ID:       uuid.NewString(),
		Spec:     spec,
		Set:      set,
		Seed:     seed,
		State:    StateCreated,
		CloneDir: filepath.Join(cfg.BuildDir, spec.ID),
		OutDir:   filepath.Join(cfg.OutputDir, spec.ID),
		Store:    obfuscate.NewNameStore(seed, set.NameMangling.Length, set.NameMangling.Preserve),
		started:  time.Now(),
	}

	run.report = Report{Tool: spec.ID, RunID: run.ID, Seed: seed}

	return run
}
