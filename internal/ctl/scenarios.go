package ctl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one entry of the scenario catalog.
type Scenario struct {
	Name        string  `yaml:"name" json:"name"`
	ConfigPath  string  `yaml:"config" json:"config"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	StepLength  float64 `yaml:"step_length,omitempty" json:"step_length,omitempty"`
}

// scenarioCatalog is the YAML file layout.
type scenarioCatalog struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios reads the scenario catalog. A missing file yields an
// empty catalog, not an error; deployments without local scenarios
// connect to an externally launched simulator.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ctl: read scenario catalog %s: %w", path, err)
	}
	var catalog scenarioCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("ctl: parse scenario catalog %s: %w", path, err)
	}
	return catalog.Scenarios, nil
}

// findScenario resolves a scenario by name.
func findScenario(scenarios []Scenario, name string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}
