package obfuscate

import (
	"fmt"
	"regexp"
)

/*
Grammar bundles the pattern set a syntax-aware source technique needs:
declaration sites, string literals and scope-opening points. Grammars
are swappable plugins; the orchestrator picks one per tool from the
registry's language field.
*/
type Grammar struct {
	Name string

	// Extensions of the source files this grammar understands.
	Extensions []string

	// Declaration sites, identifier in capture group 1.
	TypeDecl   *regexp.Regexp
	MethodDecl *regexp.Regexp
	VarDecl    *regexp.Regexp

	// Whole string literal token, including quotes.
	StringLit *regexp.Regexp

	// Scope-opening points after which statements may be inserted.
	ScopeOpen *regexp.Regexp
}

/*
CSharp is the default grammar, matching the C#-style sources most
registry entries build.
*/
func CSharp() *Grammar {
	return &Grammar{
		Name:       "csharp",
		Extensions: []string{".cs"},
		TypeDecl:   regexp.MustCompile(`\b(?:class|interface|struct|enum)\s+([A-Za-z_]\w*)`),
		MethodDecl: regexp.MustCompile(`\b(?:void|int|uint|long|ulong|bool|string|byte|object|double|float|Task|[A-Z]\w*(?:<[\w,\s]*>)?(?:\[\])?)\s+([A-Za-z_]\w*)\s*\(`),
		VarDecl:    regexp.MustCompile(`\b(?:var|int|uint|long|ulong|bool|string|byte|object|double|float)\s+([A-Za-z_]\w*)\s*[=;]`),
		StringLit:  regexp.MustCompile(`"(?:[^"\\\n]|\\.)*"`),
		ScopeOpen:  regexp.MustCompile(`\)\s*\{`),
	}
}

/*
ForLanguage resolves a registry language tag to a grammar. An empty tag
falls back to the default.
*/
func ForLanguage(lang string) (*Grammar, error) {
	switch lang {
	case "", "csharp", "cs", "dotnet":
		return CSharp(), nil
	default:
		return nil, fmt.Errorf("no grammar registered for language %q", lang)
	}
}
