package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jwebster45206/phase-engine/pkg/phase"
)

// PhaseFile is the optional YAML description of the enabled phases:
//
//	order: [setup, exploration, combat]
//	default: exploration
//	self_contained: [setup]
//	marker: "\n\n== %s ==\n\n"
type PhaseFile struct {
	Order         []string `yaml:"order"`
	Default       string   `yaml:"default"`
	SelfContained []string `yaml:"self_contained"`
	Marker        string   `yaml:"marker"`
}

// LoadPhases reads a phase file. An empty path returns the default
// configuration and no marker.
func LoadPhases(path string) (phase.Config, string, error) {
	if path == "" {
		return phase.DefaultConfig(), "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return phase.Config{}, "", fmt.Errorf("failed to read phases file: %w", err)
	}
	return ParsePhases(data)
}

// ParsePhases decodes and validates a phase file.
func ParsePhases(data []byte) (phase.Config, string, error) {
	var f PhaseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return phase.Config{}, "", fmt.Errorf("failed to parse phases file: %w", err)
	}

	cfg := phase.Config{SelfContained: make(map[phase.Phase]bool)}
	for _, raw := range f.Order {
		p, err := phase.Parse(raw)
		if err != nil {
			return phase.Config{}, "", err
		}
		cfg.Order = append(cfg.Order, p)
	}
	for _, raw := range f.SelfContained {
		p, err := phase.Parse(raw)
		if err != nil {
			return phase.Config{}, "", err
		}
		cfg.SelfContained[p] = true
	}
	if f.Default != "" {
		p, err := phase.Parse(f.Default)
		if err != nil {
			return phase.Config{}, "", err
		}
		cfg.Default = p
	} else if len(cfg.Order) > 0 {
		cfg.Default = cfg.Order[0]
	}

	if err := cfg.Validate(); err != nil {
		return phase.Config{}, "", err
	}
	return cfg, f.Marker, nil
}
