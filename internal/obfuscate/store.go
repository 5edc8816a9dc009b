/*
Package obfuscate implements the transformation core: the name mapping
store, the source and binary technique set, and the engine that threads
a payload through the enabled techniques in a fixed order.
*/
package obfuscate

import (
	"math/rand"
)

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
const nameAlphabetNum = nameAlphabet + "0123456789"

/*
NameStore is the per-run table of original to generated identifiers.
Exactly one store exists per tool run and it is handed to techniques as
an explicit argument, never as ambient state, so concurrent runs stay
isolated without locking.

Given the same seed and the same sequence of distinct Resolve calls the
store produces byte-identical names, which makes pinned-seed re-runs
reproducible.
*/
type NameStore struct {
	seed       int64
	rng        *rand.Rand
	length     int
	preserved  map[string]struct{}
	forward    map[string]string
	taken      map[string]struct{}
	generation int
}

/*
NewNameStore creates a store seeded for deterministic generation.
Preserved names resolve to themselves and are never handed out as
generated values.
*/
func NewNameStore(seed int64, length int, preserved []string) *NameStore {
	if length < 2 {
		length = 12
	}

	store := &NameStore{
		seed:      seed,
		rng:       rand.New(rand.NewSource(seed)),
		length:    length,
		preserved: make(map[string]struct{}, len(preserved)),
		forward:   map[string]string{},
		taken:     map[string]struct{}{},
	}

	for _, name := range preserved {
		store.preserved[name] = struct{}{}
	}

	return store
}

/*
Resolve returns the generated identifier for original, creating it on
first use. Lookups are idempotent: the same original always yields the
same value for the lifetime of the store, no matter which technique
asks. Preserved names come back unchanged and are not recorded.
*/
func (s *NameStore) Resolve(original string) string {
	if _, ok := s.preserved[original]; ok {
		return original
	}

	if generated, ok := s.forward[original]; ok {
		return generated
	}

	generated := s.fresh()
	s.forward[original] = generated
	s.taken[generated] = struct{}{}

	return generated
}

/*
fresh generates a new identifier: alphabetic first character, an
alphanumeric remainder at the fixed target length, distinct from every
value already handed out and from every preserved name.
*/
func (s *NameStore) fresh() string {
	for {
		s.generation++

		name := make([]byte, s.length)
		name[0] = nameAlphabet[s.rng.Intn(len(nameAlphabet))]
		for i := 1; i < s.length; i++ {
			name[i] = nameAlphabetNum[s.rng.Intn(len(nameAlphabetNum))]
		}

		candidate := string(name)
		if _, clash := s.taken[candidate]; clash {
			continue
		}
		if _, clash := s.preserved[candidate]; clash {
			continue
		}

		return candidate
	}
}

// Seed returns the seed the store was created with.
func (s *NameStore) Seed() int64 {
	return s.seed
}

// Len returns the number of recorded mappings.
func (s *NameStore) Len() int {
	return len(s.forward)
}

/*
Snapshot copies the current mapping table, for the optional
de-obfuscation record emitted next to the artifact.
*/
func (s *NameStore) Snapshot() map[string]string {
	out := make(map[string]string, len(s.forward))
	for original, generated := range s.forward {
		out[original] = generated
	}

	return out
}
