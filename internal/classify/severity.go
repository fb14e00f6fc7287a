package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"taskdeck-conflict-engine/internal/domain"
)

// SeverityRules maps root field names to conflict severity tiers.
// Fields matching no tier are low severity.
type SeverityRules struct {
	Critical []string `yaml:"critical"`
	High     []string `yaml:"high"`
	Medium   []string `yaml:"medium"`
}

// DefaultSeverityRules covers the task/project document shapes the
// engine ships for: identity fields are critical, scheduling fields
// high, descriptive fields medium.
func DefaultSeverityRules() *SeverityRules {
	return &SeverityRules{
		Critical: []string{"id", "title", "name", "status"},
		High:     []string{"priority", "due_date", "start_date", "end_date", "assignee"},
		Medium:   []string{"description", "notes", "tags", "labels"},
	}
}

// LoadSeverityRules reads a YAML override file. Missing tiers fall back
// to the defaults so an override file can adjust a single tier.
func LoadSeverityRules(path string) (*SeverityRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read severity rules: %w", err)
	}

	var rules SeverityRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse severity rules: %w", err)
	}

	defaults := DefaultSeverityRules()
	if rules.Critical == nil {
		rules.Critical = defaults.Critical
	}
	if rules.High == nil {
		rules.High = defaults.High
	}
	if rules.Medium == nil {
		rules.Medium = defaults.Medium
	}
	return &rules, nil
}

func (r *SeverityRules) table() map[string]domain.Severity {
	t := make(map[string]domain.Severity, len(r.Critical)+len(r.High)+len(r.Medium))
	for _, f := range r.Medium {
		t[f] = domain.SeverityMedium
	}
	for _, f := range r.High {
		t[f] = domain.SeverityHigh
	}
	for _, f := range r.Critical {
		t[f] = domain.SeverityCritical
	}
	return t
}
