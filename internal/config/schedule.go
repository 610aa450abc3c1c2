package config

import (
	"fmt"
	"jobq/internal/domain"
	"os"

	"gopkg.in/yaml.v3"
)

type scheduleFile struct {
	Tasks []domain.TaskDefinition `yaml:"tasks"`
}

// LoadSchedule reads the recurring task list. An empty path means no
// recurring tasks.
func LoadSchedule(path string) ([]domain.TaskDefinition, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	return ParseSchedule(b)
}

func ParseSchedule(b []byte) ([]domain.TaskDefinition, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.TaskName == "" {
			return nil, fmt.Errorf("schedule task %d: task_name is required", i)
		}
		if t.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("schedule task %q: interval_seconds must be positive", t.TaskName)
		}
		if _, dup := seen[t.TaskName]; dup {
			return nil, fmt.Errorf("schedule task %q: defined twice", t.TaskName)
		}
		seen[t.TaskName] = struct{}{}
	}
	return f.Tasks, nil
}
