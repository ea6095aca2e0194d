// Package config loads the daemon configuration file and watches it for
// changes.
package config

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/yaml"
	"github.com/llmforge/choreo/templates"
)

// Load reads a YAML config from path over the defaults. An empty path or a
// missing file yields the defaults unchanged.
func Load(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return model.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Engine = cfg.Engine.Normalize()
	return cfg, nil
}

// Init writes the starter config file to path. Existing files are kept.
func Init(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	content, err := templates.FS.ReadFile("config.yaml")
	if err != nil {
		return fmt.Errorf("load embedded config: %w", err)
	}
	return yaml.AtomicWriteRaw(path, content)
}
