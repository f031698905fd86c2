package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy models policy.yml: the vocabularies and resource lists operators
// tune without touching the environment. Sensitive topics and perception
// sources fall back to their env settings; the planner word lists have no env
// setting. The file only overrides.
type Policy struct {
	Sensitive struct {
		Topics []string `yaml:"topics"`
	} `yaml:"sensitive"`
	Planner struct {
		TrendWords    []string `yaml:"trend_words"`
		CommerceWords []string `yaml:"commerce_words"`
	} `yaml:"planner"`
	Perception struct {
		Sources []string `yaml:"sources"`
	} `yaml:"perception"`
}

// PolicyPath returns the policy file path for a workspace.
func PolicyPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "policy.yml")
}

// LoadPolicyOptional returns nil,nil if the policy file does not exist.
func LoadPolicyOptional(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return PolicyFromYAML(data)
}

// PolicyFromYAML parses and validates a policy from raw YAML bytes.
func PolicyFromYAML(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate ensures the policy meets required structure.
func (p *Policy) Validate() error {
	for _, t := range p.Sensitive.Topics {
		if t == "" {
			return fmt.Errorf("policy.sensitive.topics contains an empty entry")
		}
	}
	for _, w := range p.Planner.TrendWords {
		if w == "" {
			return fmt.Errorf("policy.planner.trend_words contains an empty entry")
		}
	}
	for _, w := range p.Planner.CommerceWords {
		if w == "" {
			return fmt.Errorf("policy.planner.commerce_words contains an empty entry")
		}
	}
	for _, s := range p.Perception.Sources {
		if s == "" {
			return fmt.Errorf("policy.perception.sources contains an empty entry")
		}
	}
	return nil
}

// apply merges the policy's overrides into a loaded config.
func (p *Policy) apply(cfg *Config) {
	if p == nil {
		return
	}
	if len(p.Sensitive.Topics) > 0 {
		cfg.Judge.SensitiveTopics = p.Sensitive.Topics
	}
	if len(p.Planner.TrendWords) > 0 {
		cfg.Planner.TrendWords = p.Planner.TrendWords
	}
	if len(p.Planner.CommerceWords) > 0 {
		cfg.Planner.CommerceWords = p.Planner.CommerceWords
	}
	if len(p.Perception.Sources) > 0 {
		cfg.Perception.Sources = p.Perception.Sources
	}
}
