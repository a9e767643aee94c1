package supervisor

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Descriptor is the immutable launch description of one worker. JSON files
// parse as well since the decoder accepts YAML flow syntax.
type Descriptor struct {
	Name        string            `yaml:"name" json:"name"`
	Cmd         string            `yaml:"cmd" json:"cmd"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	MaxRestarts *int              `yaml:"maxRestarts" json:"maxRestarts,omitempty"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
}

// DefaultDescriptors is used when no descriptor file is configured.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{{Name: "echo", Cmd: "echo-server"}}
}

// LoadDescriptors reads a list of descriptors from a YAML or JSON file.
func LoadDescriptors(path string) ([]Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	var ds []Descriptor
	if err := yaml.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("parse descriptors %s: %w", path, err)
	}
	if err := Validate(ds); err != nil {
		return nil, fmt.Errorf("descriptors %s: %w", path, err)
	}
	return ds, nil
}

// Validate requires a name and command per descriptor and unique names.
func Validate(ds []Descriptor) error {
	seen := make(map[string]bool, len(ds))
	for i, d := range ds {
		if d.Name == "" || d.Cmd == "" {
			return fmt.Errorf("entry %d needs both name and cmd", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate worker name %q", d.Name)
		}
		if d.MaxRestarts != nil && *d.MaxRestarts < 0 {
			return fmt.Errorf("worker %q: maxRestarts must be >= 0", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Filter keeps descriptors named in only (all when empty) and drops those in
// exclude.
func Filter(ds []Descriptor, only, exclude []string) []Descriptor {
	out := make([]Descriptor, 0, len(ds))
	for _, d := range ds {
		if len(only) > 0 && !slices.Contains(only, d.Name) {
			continue
		}
		if slices.Contains(exclude, d.Name) {
			continue
		}
		out = append(out, d)
	}
	return out
}
