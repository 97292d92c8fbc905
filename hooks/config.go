package hooks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atms-dev/atms/model"
)

// fileFormat is the on-disk shape of a hooks config file: a top-level
// "hooks" list, matching the teacher's convention of a named top-level key
// per config file rather than a bare list.
type fileFormat struct {
	Hooks []model.HookConfig `yaml:"hooks"`
}

// LoadConfigsYAML reads a YAML file declaring hook commands and returns the
// parsed list, in file order (the order configs match and run in).
func LoadConfigsYAML(path string) ([]model.HookConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hooks: read config %s: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("hooks: parse config %s: %w", path, err)
	}
	for i, h := range f.Hooks {
		if h.Command == "" {
			return nil, fmt.Errorf("hooks: config %s entry %d: command is required", path, i)
		}
	}
	return f.Hooks, nil
}
