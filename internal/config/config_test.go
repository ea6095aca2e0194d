package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/llmforge/choreo/internal/model"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxConcurrency != model.DefaultMaxConcurrency {
		t.Errorf("max_concurrency = %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Provider.Name != "openai" {
		t.Errorf("provider = %s", cfg.Provider.Name)
	}
}

func TestLoad_OverridesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
engine:
  max_concurrency: 8
  max_retries_per_step: -1
provider:
  model: gpt-4o
logging:
  level: debug
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxConcurrency != 8 {
		t.Errorf("max_concurrency = %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.MaxRetriesPerStep != 0 {
		t.Errorf("negative retries must normalize to 0, got %d", cfg.Engine.MaxRetriesPerStep)
	}
	if cfg.Engine.StepTimeoutSec != model.DefaultStepTimeoutSec {
		t.Errorf("unset timeout must default, got %d", cfg.Engine.StepTimeoutSec)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Errorf("model = %s", cfg.Provider.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n  bad: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInit_WritesStarterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Init(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.MaxConcurrency != model.DefaultMaxConcurrency {
		t.Errorf("starter config diverges from defaults: %+v", cfg.Engine)
	}

	if err := Init(path); err == nil {
		t.Error("second Init must refuse to overwrite")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan model.Config, 1)
	w, err := Watch(path, func(cfg model.Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "debug" {
			t.Errorf("reloaded level = %s", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config write")
	}
}

func TestWatch_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan model.Config, 4)
	w, err := Watch(path, func(cfg model.Config) { reloaded <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Error("reload triggered by unrelated file")
	case <-time.After(500 * time.Millisecond):
	}
}
