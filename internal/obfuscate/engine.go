package obfuscate

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/emarcon/mutaforma/internal/config"
)

// Phase says where in the pipeline a technique applies.
type Phase int

// The two technique phases.
const (
	PhaseSource Phase = iota
	PhaseBinary
)

func (p Phase) String() string {
	if p == PhaseBinary {
		return "binary"
	}

	return "source"
}

// FatalError is a structural failure inside a technique: the payload
// was not what the technique needed it to be, continuing is unsafe.
type FatalError struct {
	Technique string
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("technique %s: %v", e.Technique, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

/*
TransformResult is what one engine pass produces: the payload after the
last fully applied technique, the ordered names of applied techniques,
accumulated warnings and, on fatal failure, the failing technique. The
payload is always a complete output of some technique (or the input),
never a partial hybrid.
*/
type TransformResult struct {
	Payload  []byte
	Applied  []string
	Warnings []string
	Failed   string
	Err      error
}

// Fatal reports whether the chain halted on a technique failure.
func (r TransformResult) Fatal() bool {
	return r.Failed != ""
}

/*
technique is the single capability every transformation implements.
Apply returns the complete transformed payload, non-fatal warnings, and
an error only for structural failures that must halt the chain.
*/
type technique interface {
	name() string
	apply(payload []byte) ([]byte, []string, error)
}

/*
Engine owns the closed technique set for one tool run, each technique
already bound to its merged parameters, the run's name store and a
deterministic per-technique random stream. Technique order is fixed:
structural renames before content encryption before structural noise in
the source phase, header metadata before section-level transforms in
the binary phase.
*/
type Engine struct {
	source []technique
	binary []technique
}

/*
NewEngine builds the per-run engine. Disabled techniques are filtered
out here so their parameters are never consulted again.
*/
func NewEngine(set config.TechniqueSet, grammar *Grammar, store *NameStore, seed int64, workDir string) *Engine {
	e := &Engine{}

	if set.NameMangling.Enabled {
		e.source = append(e.source, &nameMangling{
			cfg:     set.NameMangling,
			grammar: grammar,
			store:   store,
		})
	}

	if set.StringEncryption.Enabled {
		e.source = append(e.source, &stringEncryption{
			cfg:     set.StringEncryption,
			grammar: grammar,
			rng:     subRand(seed, "string_encryption"),
		})
	}

	if set.DeadCode.Enabled {
		e.source = append(e.source, &deadCode{
			cfg:     set.DeadCode,
			grammar: grammar,
			rng:     subRand(seed, "dead_code"),
		})
	}

	if set.ControlFlow.Enabled {
		e.source = append(e.source, &controlFlow{
			cfg:     set.ControlFlow,
			grammar: grammar,
			rng:     subRand(seed, "control_flow"),
		})
	}

	if set.MetadataStrip.Enabled {
		e.binary = append(e.binary, &metadataStrip{
			rng: subRand(seed, "metadata_strip"),
		})
	}

	if set.ImportObfuscation.Enabled {
		e.binary = append(e.binary, &importObfuscation{
			rng: subRand(seed, "import_obfuscation"),
		})
	}

	if set.Packing.Enabled {
		e.binary = append(e.binary, &packing{
			cfg:     set.Packing,
			rng:     subRand(seed, "packing"),
			workDir: workDir,
		})
	}

	return e
}

// HasBinaryTechniques reports whether any binary-phase technique is
// enabled; the orchestrator skips the whole phase otherwise.
func (e *Engine) HasBinaryTechniques() bool {
	return len(e.binary) > 0
}

/*
Apply threads the payload through the phase's enabled techniques in
order. Warnings accumulate without stopping the chain; a technique
error halts it and the result carries the last fully-applied payload
plus the failure marker.
*/
func (e *Engine) Apply(phase Phase, payload []byte) TransformResult {
	chain := e.source
	if phase == PhaseBinary {
		chain = e.binary
	}

	result := TransformResult{Payload: payload}

	for _, t := range chain {
		out, warnings, err := t.apply(result.Payload)
		result.Warnings = append(result.Warnings, warnings...)

		if err != nil {
			result.Failed = t.name()
			result.Err = &FatalError{Technique: t.name(), Err: err}

			return result
		}

		result.Payload = out
		result.Applied = append(result.Applied, t.name())
	}

	return result
}

/*
subRand derives an independent deterministic stream per technique, so
techniques cannot perturb each other's draws when one is toggled.
*/
func subRand(seed int64, name string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(name))

	return rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
}
