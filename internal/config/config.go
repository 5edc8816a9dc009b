package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emarcon/mutaforma/internal/common"
)

// Retention says what happens to a run's working directories when it
// ends. Retaining failed runs keeps the evidence around for diagnosis.
type Retention struct {
	OnSuccess string `yaml:"on_success"`
	OnFailure string `yaml:"on_failure"`
}

// Retention policy values.
const (
	RetentionPurge  = "purge"
	RetentionRetain = "retain"
)

// Config is the parsed configuration file plus built-in defaults. It is
// resolved once at startup and read-only afterwards.
type Config struct {
	Seed         *int64
	Concurrency  int
	OutputDir    string
	BuildDir     string
	Profile      string
	RunTimeout   common.Duration
	BuildTimeout common.Duration
	Retention    Retention

	Global   Layer
	Profiles map[string]Layer
	Tools    map[string]Layer

	// Warnings collected while parsing, e.g. unknown technique keys.
	Warnings []string
}

type configFile struct {
	Seed         *int64               `yaml:"seed"`
	Concurrency  int                  `yaml:"concurrency"`
	OutputDir    string               `yaml:"output_dir"`
	BuildDir     string               `yaml:"build_dir"`
	Profile      string               `yaml:"profile"`
	RunTimeout   common.Duration      `yaml:"run_timeout"`
	BuildTimeout common.Duration      `yaml:"build_timeout"`
	Retention    Retention            `yaml:"retention"`
	Global       yaml.Node            `yaml:"global"`
	Profiles     map[string]yaml.Node `yaml:"profiles"`
	Tools        map[string]yaml.Node `yaml:"tools"`
}

/*
Default returns the configuration used when no file is given.
*/
func Default() *Config {
	return &Config{
		Concurrency: 1,
		OutputDir:   "./binaries",
		BuildDir:    "./build",
		Retention:   Retention{OnSuccess: RetentionPurge, OnFailure: RetentionRetain},
		Profiles:    map[string]Layer{},
		Tools:       map[string]Layer{},
	}
}

/*
Load reads and parses a configuration file on top of the defaults.
Unknown technique keys inside any layer are collected as warnings, not
errors; a selected profile that does not exist is an error.
*/
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(raw)
}

/*
Parse builds a Config out of raw YAML content.
*/
func Parse(raw []byte) (*Config, error) {
	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	cfg.Seed = file.Seed
	cfg.Profile = file.Profile
	cfg.RunTimeout = file.RunTimeout
	cfg.BuildTimeout = file.BuildTimeout

	if file.Concurrency > 0 {
		cfg.Concurrency = file.Concurrency
	}
	if file.OutputDir != "" {
		cfg.OutputDir = file.OutputDir
	}
	if file.BuildDir != "" {
		cfg.BuildDir = file.BuildDir
	}
	if file.Retention.OnSuccess != "" {
		cfg.Retention.OnSuccess = file.Retention.OnSuccess
	}
	if file.Retention.OnFailure != "" {
		cfg.Retention.OnFailure = file.Retention.OnFailure
	}

	for _, policy := range []string{cfg.Retention.OnSuccess, cfg.Retention.OnFailure} {
		if policy != RetentionPurge && policy != RetentionRetain {
			return nil, fmt.Errorf("invalid retention policy %q", policy)
		}
	}

	var err error
	if cfg.Global, err = decodeLayer(&file.Global, "global", &cfg.Warnings); err != nil {
		return nil, err
	}

	for name, node := range file.Profiles {
		node := node
		layer, err := decodeLayer(&node, "profiles."+name, &cfg.Warnings)
		if err != nil {
			return nil, err
		}
		cfg.Profiles[name] = layer
	}

	for id, node := range file.Tools {
		node := node
		layer, err := decodeLayer(&node, "tools."+id, &cfg.Warnings)
		if err != nil {
			return nil, err
		}
		cfg.Tools[id] = layer
	}

	if cfg.Profile != "" {
		if _, ok := cfg.Profiles[cfg.Profile]; !ok {
			return nil, fmt.Errorf("selected profile %q is not defined", cfg.Profile)
		}
	}

	return cfg, nil
}

/*
MergedFor resolves the effective technique set for one tool: built-in
defaults, then the global layer, then the selected profile, then the
per-tool override.
*/
func (c *Config) MergedFor(toolID string) TechniqueSet {
	var profile, tool Layer

	if c.Profile != "" {
		profile = c.Profiles[c.Profile]
	}
	tool = c.Tools[toolID]

	return Merge(c.Global, profile, tool)
}

/*
decodeLayer turns one YAML mapping into a Layer. Misspelled or unknown
technique keys are reported as warnings and skipped so a typo cannot
silently disable the whole file, while recognized keys still fail hard
on malformed content.
*/
func decodeLayer(node *yaml.Node, where string, warnings *[]string) (Layer, error) {
	var layer Layer

	if node == nil || node.Kind == 0 || node.IsZero() {
		return layer, nil
	}

	if node.Kind != yaml.MappingNode {
		return layer, fmt.Errorf("%s: expected a mapping of techniques", where)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]

		var err error
		switch key {
		case "name_mangling":
			o := &NameManglingOverride{}
			if err = value.Decode(o); err == nil {
				layer.NameMangling = o
			}
		case "string_encryption":
			o := &StringEncryptionOverride{}
			if err = value.Decode(o); err == nil {
				layer.StringEncryption = o
			}
		case "control_flow":
			o := &ControlFlowOverride{}
			if err = value.Decode(o); err == nil {
				layer.ControlFlow = o
			}
		case "dead_code":
			o := &DeadCodeOverride{}
			if err = value.Decode(o); err == nil {
				layer.DeadCode = o
			}
		case "metadata_strip":
			o := &MetadataStripOverride{}
			if err = value.Decode(o); err == nil {
				layer.MetadataStrip = o
			}
		case "packing":
			o := &PackingOverride{}
			if err = value.Decode(o); err == nil {
				layer.Packing = o
			}
		case "import_obfuscation":
			o := &ImportObfuscationOverride{}
			if err = value.Decode(o); err == nil {
				layer.ImportObfuscation = o
			}
		default:
			*warnings = append(*warnings,
				fmt.Sprintf("%s: unknown technique %q ignored", where, key))
		}

		if err != nil {
			return layer, fmt.Errorf("%s.%s: %w", where, key, err)
		}
	}

	return layer, nil
}
