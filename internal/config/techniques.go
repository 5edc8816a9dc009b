/*
Package config holds the layered obfuscation configuration: built-in
defaults, a global layer, named profiles and per-tool overrides, merged
field-by-field with per-tool > profile > global precedence.
*/
package config

// NameMangling parameters. Preserve lists identifiers that must keep
// their exact spelling (entry points, framework overrides).
type NameMangling struct {
	Enabled  bool
	Length   int
	Preserve []string
}

// StringEncryption parameters for the repeating-key XOR transform.
type StringEncryption struct {
	Enabled   bool
	KeyLength int
}

// ControlFlow parameters; Density is the fraction of scope-opening
// points that receive an opaque bogus branch.
type ControlFlow struct {
	Enabled bool
	Density float64
}

// DeadCode parameters; Density is the fraction of scope-opening points
// that receive a side-effect-free filler block.
type DeadCode struct {
	Enabled bool
	Density float64
}

// MetadataStrip parameters for the binary phase.
type MetadataStrip struct {
	Enabled bool
}

// Packing parameters; Level is handed to upx as -<level>.
type Packing struct {
	Enabled bool
	Level   int
}

// ImportObfuscation parameters for the binary phase.
type ImportObfuscation struct {
	Enabled bool
}

// TechniqueSet is a fully resolved configuration: every field has a
// concrete value after the three-tier merge.
type TechniqueSet struct {
	NameMangling      NameMangling
	StringEncryption  StringEncryption
	ControlFlow       ControlFlow
	DeadCode          DeadCode
	MetadataStrip     MetadataStrip
	Packing           Packing
	ImportObfuscation ImportObfuscation
}

/*
Defaults returns the built-in baseline: only name mangling on, matching
the behaviour a bare config file gets.
*/
func Defaults() TechniqueSet {
	return TechniqueSet{
		NameMangling: NameMangling{
			Enabled: true,
			Length:  12,
			Preserve: []string{
				"Main", "Program", "Dispose",
				"ToString", "Equals", "GetHashCode",
			},
		},
		StringEncryption:  StringEncryption{Enabled: false, KeyLength: 16},
		ControlFlow:       ControlFlow{Enabled: false, Density: 0.25},
		DeadCode:          DeadCode{Enabled: false, Density: 0.25},
		MetadataStrip:     MetadataStrip{Enabled: false},
		Packing:           Packing{Enabled: false, Level: 9},
		ImportObfuscation: ImportObfuscation{Enabled: false},
	}
}

// Override structs mirror the technique structs with pointer fields so
// a layer can set single parameters without clobbering the rest.

// NameManglingOverride is the layered form of NameMangling.
type NameManglingOverride struct {
	Enabled  *bool    `yaml:"enabled"`
	Length   *int     `yaml:"length"`
	Preserve []string `yaml:"preserve"`
}

// StringEncryptionOverride is the layered form of StringEncryption.
type StringEncryptionOverride struct {
	Enabled   *bool `yaml:"enabled"`
	KeyLength *int  `yaml:"key_length"`
}

// ControlFlowOverride is the layered form of ControlFlow.
type ControlFlowOverride struct {
	Enabled *bool    `yaml:"enabled"`
	Density *float64 `yaml:"density"`
}

// DeadCodeOverride is the layered form of DeadCode.
type DeadCodeOverride struct {
	Enabled *bool    `yaml:"enabled"`
	Density *float64 `yaml:"density"`
}

// MetadataStripOverride is the layered form of MetadataStrip.
type MetadataStripOverride struct {
	Enabled *bool `yaml:"enabled"`
}

// PackingOverride is the layered form of Packing.
type PackingOverride struct {
	Enabled *bool `yaml:"enabled"`
	Level   *int  `yaml:"level"`
}

// ImportObfuscationOverride is the layered form of ImportObfuscation.
type ImportObfuscationOverride struct {
	Enabled *bool `yaml:"enabled"`
}

// Layer is one configuration tier: any subset of technique overrides.
type Layer struct {
	NameMangling      *NameManglingOverride
	StringEncryption  *StringEncryptionOverride
	ControlFlow       *ControlFlowOverride
	DeadCode          *DeadCodeOverride
	MetadataStrip     *MetadataStripOverride
	Packing           *PackingOverride
	ImportObfuscation *ImportObfuscationOverride
}

/*
Apply overlays the layer onto the resolved set, field by field. Absent
fields leave the underlying value untouched.
*/
func (l Layer) Apply(set *TechniqueSet) {
	if o := l.NameMangling; o != nil {
		if o.Enabled != nil {
			set.NameMangling.Enabled = *o.Enabled
		}
		if o.Length != nil {
			set.NameMangling.Length = *o.Length
		}
		if o.Preserve != nil {
			set.NameMangling.Preserve = append([]string(nil), o.Preserve...)
		}
	}

	if o := l.StringEncryption; o != nil {
		if o.Enabled != nil {
			set.StringEncryption.Enabled = *o.Enabled
		}
		if o.KeyLength != nil {
			set.StringEncryption.KeyLength = *o.KeyLength
		}
	}

	if o := l.ControlFlow; o != nil {
		if o.Enabled != nil {
			set.ControlFlow.Enabled = *o.Enabled
		}
		if o.Density != nil {
			set.ControlFlow.Density = *o.Density
		}
	}

	if o := l.DeadCode; o != nil {
		if o.Enabled != nil {
			set.DeadCode.Enabled = *o.Enabled
		}
		if o.Density != nil {
			set.DeadCode.Density = *o.Density
		}
	}

	if o := l.MetadataStrip; o != nil && o.Enabled != nil {
		set.MetadataStrip.Enabled = *o.Enabled
	}

	if o := l.Packing; o != nil {
		if o.Enabled != nil {
			set.Packing.Enabled = *o.Enabled
		}
		if o.Level != nil {
			set.Packing.Level = *o.Level
		}
	}

	if o := l.ImportObfuscation; o != nil && o.Enabled != nil {
		set.ImportObfuscation.Enabled = *o.Enabled
	}
}

/*
Merge resolves the three tiers over the built-in defaults. Layers are
applied lowest precedence first so later tiers win field-by-field.
*/
func Merge(global, profile, tool Layer) TechniqueSet {
	set := Defaults()
	global.Apply(&set)
	profile.Apply(&set)
	tool.Apply(&set)

	return set
}
