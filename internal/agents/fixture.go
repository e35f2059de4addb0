package agents

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// actOutlineFixture is the on-disk shape LoadActOutlineFixture reads —
// a bare list under an "acts" key, written by hand rather than
// generated, so it favors YAML's comment support and terser syntax
// over the LLM-facing JSON schema ActOutline otherwise round-trips
// through.
type actOutlineFixture struct {
	Acts []ActOutline `yaml:"acts"`
}

// LoadActOutlineFixture reads a human-edited plan from path, letting a
// PLAN_FIXTURE_PATH deployment skip the Planner's GenerateActOutlines
// call entirely — useful for local development and reproducing a bug
// report's exact act structure without spending an LLM call on it.
func LoadActOutlineFixture(path string) ([]ActOutline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading act outline fixture: %w", err)
	}
	var fixture actOutlineFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parsing act outline fixture: %w", err)
	}
	if len(fixture.Acts) == 0 {
		return nil, fmt.Errorf("act outline fixture %s defines no acts", path)
	}
	return fixture.Acts, nil
}
