/*
Package registry loads and validates the static per-tool metadata the
pipeline consumes: where the source lives, how to build it, and which
artifact to expect. Specs are read-only once loaded.
*/
package registry

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/emarcon/mutaforma/internal/common"
)

// CapOwnProtections marks tools that ship their own protections; the
// binary phase is skipped entirely for them.
const CapOwnProtections = "has-own-protections"

// BuildSpec is the native build command template for one tool.
type BuildSpec struct {
	Command  []string          `yaml:"command" validate:"required,min=1"`
	Requires string            `yaml:"requires"`
	Env      map[string]string `yaml:"env"`
	Timeout  common.Duration   `yaml:"timeout"`
}

// ToolSpec is one registry record. Immutable after load.
type ToolSpec struct {
	ID           string    `yaml:"id" validate:"required"`
	Repo         string    `yaml:"repo" validate:"required"`
	Revision     string    `yaml:"revision"`
	Build        BuildSpec `yaml:"build"`
	Artifact     string    `yaml:"artifact" validate:"required"`
	Capabilities []string  `yaml:"capabilities"`
	Language     string    `yaml:"language"`
	Description  string    `yaml:"description"`
}

/*
HasCapability reports whether the spec declares the given capability
flag.
*/
func (t ToolSpec) HasCapability(cap string) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}

	return false
}

// BuildTimeout returns the declared build timeout or the fallback.
func (t ToolSpec) BuildTimeout(fallback time.Duration) time.Duration {
	return t.Build.Timeout.Or(fallback)
}

// Registry is the loaded tool catalog.
type Registry struct {
	tools map[string]ToolSpec
}

type registryFile struct {
	Tools []ToolSpec `yaml:"tools"`
}

/*
Load reads a YAML registry file, validates every record and rejects
duplicate identifiers. The registry is resolved once and never reloaded
mid-run.
*/
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	return Parse(raw)
}

/*
Parse builds a Registry out of raw YAML registry content.
*/
func Parse(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	validate := validator.New()
	reg := &Registry{tools: map[string]ToolSpec{}}

	for _, tool := range file.Tools {
		if err := validate.Struct(tool); err != nil {
			return nil, fmt.Errorf("invalid tool spec %q: %w", tool.ID, err)
		}

		if _, dup := reg.tools[tool.ID]; dup {
			return nil, fmt.Errorf("duplicate tool id %q", tool.ID)
		}

		reg.tools[tool.ID] = tool
	}

	return reg, nil
}

/*
Get returns the spec for the given tool id.
*/
func (r *Registry) Get(id string) (ToolSpec, bool) {
	tool, ok := r.tools[id]

	return tool, ok
}

/*
List returns all registered tool ids in lexical order.
*/
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
