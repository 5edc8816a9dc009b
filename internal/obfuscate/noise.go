package obfuscate

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/emarcon/mutaforma/internal/config"
)

/*
sampleScopeOpens returns the insertion points for a density-driven
technique: a seeded sample of the scope-opening matches. Density is the
fraction of matches that get an insertion, clamped to [0,1]; the count
is the rounded fraction of the match count, so density 0 always means
zero insertions. Points come back in descending order so insertions do
not shift each other.
*/
func sampleScopeOpens(text string, grammar *Grammar, density float64, rng *rand.Rand) []int {
	if density < 0 {
		density = 0
	}
	if density > 1 {
		density = 1
	}

	matches := grammar.ScopeOpen.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	count := int(math.Round(density * float64(len(matches))))
	if count == 0 {
		return []int{}
	}

	points := make([]int, len(matches))
	for i, m := range matches {
		points[i] = m[1]
	}

	rng.Shuffle(len(points), func(i, j int) {
		points[i], points[j] = points[j], points[i]
	})

	picked := points[:count]
	sort.Sort(sort.Reverse(sort.IntSlice(picked)))

	return picked
}

/*
insertAt splices block into text after each point. Points must be in
descending order.
*/
func insertAt(text string, points []int, block func() string) string {
	for _, at := range points {
		text = text[:at] + block() + text[at:]
	}

	return text
}

/*
deadCode inserts side-effect-free filler blocks after a seeded sample
of scope-opening points. The blocks declare a fresh local and cancel it
against itself, so observable behaviour cannot change.
*/
type deadCode struct {
	cfg     config.DeadCode
	grammar *Grammar
	rng     *rand.Rand
}

func (t *deadCode) name() string { return "dead_code" }

func (t *deadCode) apply(payload []byte) ([]byte, []string, error) {
	text := string(payload)

	points := sampleScopeOpens(text, t.grammar, t.cfg.Density, t.rng)
	if points == nil {
		return payload, []string{"dead_code: no scope-opening points matched"}, nil
	}

	out := insertAt(text, points, func() string {
		local := fmt.Sprintf("v%08x", t.rng.Uint32())
		filler := t.rng.Intn(1 << 16)

		return fmt.Sprintf(" int %s = %d; %s = %s ^ %s;", local, filler, local, local, local)
	})

	return []byte(out), nil, nil
}

/*
controlFlow inserts bogus branches guarded by an opaque predicate after
a seeded sample of scope-opening points. Squares are never 3 modulo 4,
so the guard is always false and the branch body unreachable.
*/
type controlFlow struct {
	cfg     config.ControlFlow
	grammar *Grammar
	rng     *rand.Rand
}

func (t *controlFlow) name() string { return "control_flow" }

func (t *controlFlow) apply(payload []byte) ([]byte, []string, error) {
	text := string(payload)

	points := sampleScopeOpens(text, t.grammar, t.cfg.Density, t.rng)
	if points == nil {
		return payload, []string{"control_flow: no scope-opening points matched"}, nil
	}

	out := insertAt(text, points, func() string {
		n := t.rng.Intn(1<<30) + 2

		return fmt.Sprintf(" if ((%dL * %dL) %% 4 == 3) { throw new System.InvalidOperationException(); }", n, n)
	})

	return []byte(out), nil, nil
}
