package guard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the file and wire form of a guard.
type Definition struct {
	Name   string         `yaml:"name" json:"name"`
	Kind   string         `yaml:"kind" json:"kind"`
	Params map[string]any `yaml:"params" json:"params"`
}

// Build parses and validates the definition.
func (d Definition) Build() (Config, error) {
	kind, err := ParseKind(d.Kind)
	if err != nil {
		return Config{}, err
	}
	return New(d.Name, kind, d.Params)
}

type guardFile struct {
	Guards []Definition `yaml:"guards"`
}

// ParseSet decodes a YAML guard set:
//
//	guards:
//	  - name: daily
//	    kind: budget
//	    params: {daily_limit: "100"}
func ParseSet(data []byte) ([]Config, error) {
	var f guardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse guard set: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]struct{}, len(f.Guards))
	out := make([]Config, 0, len(f.Guards))
	for i, def := range f.Guards {
		cfg, err := def.Build()
		if err != nil {
			return nil, fmt.Errorf("guard #%d: %w", i+1, err)
		}
		if _, dup := seen[cfg.Name]; dup {
			return nil, invalid("duplicate guard name %q", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
		out = append(out, cfg)
	}
	return out, nil
}

// LoadFile reads a YAML guard set from disk.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guard file: %w", err)
	}
	return ParseSet(data)
}
