package obfuscate

import (
	"regexp"
	"sort"
	"strings"

	"github.com/emarcon/mutaforma/internal/config"
)

/*
nameMangling rewrites type, method and variable declarations and every
reference to them. Identifiers are collected in first-appearance order
over the declaration patterns, resolved through the name store up
front, then rewritten in a single pass together with every name the
store already holds, so declaration and reference sites agree across
all payloads sharing the store.
*/
type nameMangling struct {
	cfg     config.NameMangling
	grammar *Grammar
	store   *NameStore
}

func (t *nameMangling) name() string { return "name_mangling" }

func (t *nameMangling) apply(payload []byte) ([]byte, []string, error) {
	text := string(payload)

	originals := t.collect(text)

	// Resolve in declaration order before rewriting anything; this pins
	// the store's generation sequence to a stable traversal, not to
	// occurrence order.
	for _, original := range originals {
		t.store.Resolve(original)
	}

	// Names renamed while transforming earlier payloads must be
	// rewritten here too, even when this payload only references them.
	seen := make(map[string]struct{}, len(originals))
	for _, original := range originals {
		seen[original] = struct{}{}
	}

	known := make([]string, 0, t.store.Len())
	for original := range t.store.Snapshot() {
		if _, dup := seen[original]; !dup {
			known = append(known, original)
		}
	}
	sort.Strings(known)
	originals = append(originals, known...)

	if len(originals) == 0 {
		return payload, []string{"name_mangling: no declarations matched"}, nil
	}

	quoted := make([]string, 0, len(originals))
	for _, original := range originals {
		quoted = append(quoted, regexp.QuoteMeta(original))
	}

	combined := regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	rewritten := combined.ReplaceAllStringFunc(text, t.store.Resolve)

	return []byte(rewritten), nil, nil
}

/*
collect scans the declaration patterns and returns matched identifiers
in stable first-appearance order, preserved names excluded.
*/
func (t *nameMangling) collect(text string) []string {
	preserved := make(map[string]struct{}, len(t.cfg.Preserve))
	for _, name := range t.cfg.Preserve {
		preserved[name] = struct{}{}
	}

	seen := map[string]struct{}{}
	var originals []string

	for _, re := range []*regexp.Regexp{t.grammar.TypeDecl, t.grammar.MethodDecl, t.grammar.VarDecl} {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			id := match[1]
			if _, skip := preserved[id]; skip {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}

			seen[id] = struct{}{}
			originals = append(originals, id)
		}
	}

	return originals
}
