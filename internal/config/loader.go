package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromFile loads Values from a file, auto-detecting format by extension
// (.yaml, .yml, .json).
func FromFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("config: read file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Values{}, fmt.Errorf("config: unsupported file extension: %s", ext)
	}
}

// FromYAML parses YAML data into Values.
func FromYAML(data []byte) (Values, error) {
	var m map[string]any

	if err := yaml.Unmarshal(data, &m); err != nil {
		return Values{}, fmt.Errorf("config: parse yaml: %w", err)
	}

	return NewValues(m), nil
}

// FromJSON parses JSON data into Values.
func FromJSON(data []byte) (Values, error) {
	var m map[string]any

	if err := json.Unmarshal(data, &m); err != nil {
		return Values{}, fmt.Errorf("config: parse json: %w", err)
	}

	return NewValues(m), nil
}
