package run

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/llmforge/choreo/internal/store"
	"github.com/llmforge/choreo/internal/yaml"
)

// Record is the durable YAML form of a finished run: the final snapshot plus
// the full version history of the context store.
type Record struct {
	Run     Snapshot                 `yaml:"run"`
	Context map[string][]store.Entry `yaml:"context,omitempty"`
}

func exportRecord(dir string, snap Snapshot, cs *store.ContextStore) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	rec := Record{
		Run:     snap,
		Context: make(map[string][]store.Entry),
	}
	for _, key := range cs.Keys() {
		rec.Context[key] = cs.History(key)
	}
	return yaml.AtomicWrite(filepath.Join(dir, snap.RunID+".yaml"), rec)
}

// LoadRecord reads a previously exported run record.
func LoadRecord(path string) (Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read run record: %w", err)
	}
	var rec Record
	if err := yamlv3.Unmarshal(content, &rec); err != nil {
		return Record{}, fmt.Errorf("parse run record %s: %w", path, err)
	}
	return rec, nil
}
