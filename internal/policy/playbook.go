package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coralane/drover/internal/eventbus"
)

// Playbook is a YAML-declared action sequence:
//
//	task: survey the workspace
//	steps:
//	  - name: shell
//	    args:
//	      command: ls -la
//	  - name: shell
//	    args:
//	      command: cat README.md
type Playbook struct {
	Task  string `yaml:"task"`
	Steps []struct {
		Name string         `yaml:"name"`
		Args map[string]any `yaml:"args"`
	} `yaml:"steps"`
}

// LoadPlaybook parses a playbook file into its task description and a
// Script that plays its steps.
func LoadPlaybook(path string) (string, *Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read playbook: %w", err)
	}
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return "", nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	if len(pb.Steps) == 0 {
		return "", nil, fmt.Errorf("playbook %s has no steps", path)
	}
	actions := make([]eventbus.Action, 0, len(pb.Steps))
	for i, step := range pb.Steps {
		if step.Name == "" {
			return "", nil, fmt.Errorf("playbook %s: step %d has no name", path, i+1)
		}
		actions = append(actions, eventbus.Action{Name: step.Name, Args: step.Args})
	}
	task := pb.Task
	if task == "" {
		task = "run playbook " + path
	}
	return task, NewScript(actions), nil
}
