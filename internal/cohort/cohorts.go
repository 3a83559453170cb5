package cohort

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed cohorts.yaml
var defaultCohorts []byte

// Cohort is a named, ordered list of sample files.
type Cohort struct {
	Name  string   `yaml:"name"`
	Files []string `yaml:"files"`
}

type cohortFile struct {
	Cohorts []Cohort `yaml:"cohorts"`
}

// LoadCohorts reads cohort definitions from a YAML file, or the built-in
// LTS/STS definitions when path is empty.
func LoadCohorts(path string) ([]Cohort, error) {
	data := defaultCohorts
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read cohorts file: %w", err)
		}
	}
	return ParseCohorts(data)
}

// ParseCohorts decodes and validates cohort definitions.
func ParseCohorts(data []byte) ([]Cohort, error) {
	var f cohortFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cohorts: %w", err)
	}
	if len(f.Cohorts) == 0 {
		return nil, fmt.Errorf("no cohorts defined")
	}
	seen := make(map[string]bool, len(f.Cohorts))
	for i, c := range f.Cohorts {
		if c.Name == "" {
			return nil, fmt.Errorf("cohort %d has no name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate cohort %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Files) == 0 {
			return nil, fmt.Errorf("cohort %q has no files", c.Name)
		}
	}
	return f.Cohorts, nil
}
