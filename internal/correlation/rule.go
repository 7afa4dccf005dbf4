// Package correlation implements the declarative YAML-driven correlation
// rule engine (collect → aggregate → analyze → emit) described in spec.md
// §4.7.
package correlation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Meta carries a rule's descriptive fields.
type Meta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Risk        string `yaml:"risk"`
	Scope       string `yaml:"scope,omitempty"`
}

// Method is one collect-block filter. Method is "exact" or "regex",
// optionally prefixed with "not " to negate the match. Field may carry a
// source./child./entity. prefix to match against related events resolved
// via the event graph.
type Method struct {
	Method string `yaml:"method"`
	Field  string `yaml:"field"`
	Value  string `yaml:"value"`
}

// Collection is one ordered collect block.
type Collection struct {
	Collect []Method `yaml:"collect"`
}

// Aggregation partitions a collection's events into buckets keyed by a
// field's value. Buckets whose key is empty are dropped.
type Aggregation struct {
	Field string `yaml:"field"`
}

// AnalysisStep is one entry of the ordered analysis pipeline.
type AnalysisStep struct {
	Method          string   `yaml:"method"`
	Field           string   `yaml:"field,omitempty"`
	Minimum         *int     `yaml:"minimum,omitempty"`
	Maximum         *int     `yaml:"maximum,omitempty"`
	CountUniqueOnly bool     `yaml:"count_unique_only,omitempty"`
	MaximumPercent  *float64 `yaml:"maximum_percent,omitempty"`
	NoisyPercent    *float64 `yaml:"noisy_percent,omitempty"`
	MatchMethod     string   `yaml:"match_method,omitempty"`
}

// Headline is either a bare template string or a {text, publish_collections}
// block.
type Headline struct {
	Text               string
	PublishCollections []int
}

// UnmarshalYAML accepts either form the schema allows for headline.
func (h *Headline) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&h.Text)
	}

	var block struct {
		Text               string `yaml:"text"`
		PublishCollections []int  `yaml:"publish_collections"`
	}

	if err := value.Decode(&block); err != nil {
		return fmt.Errorf("headline: %w", err)
	}

	h.Text = block.Text
	h.PublishCollections = block.PublishCollections

	return nil
}

// Rule is one loaded correlation rule (spec.md §4.7).
type Rule struct {
	ID          string         `yaml:"id"`
	Version     int            `yaml:"version"`
	Meta        Meta           `yaml:"meta"`
	Collections []Collection   `yaml:"collections"`
	Aggregation *Aggregation   `yaml:"aggregation,omitempty"`
	Analysis    []AnalysisStep `yaml:"analysis,omitempty"`
	Headline    Headline       `yaml:"headline"`
}

var allowedTopLevelKeys = map[string]struct{}{
	"id": {}, "version": {}, "meta": {}, "collections": {},
	"aggregation": {}, "analysis": {}, "headline": {},
}

var validRiskLevels = map[string]struct{}{
	"INFO": {}, "LOW": {}, "MEDIUM": {}, "HIGH": {}, "CRITICAL": {},
}

var validAnalysisMethods = map[string]struct{}{
	"threshold": {}, "outlier": {}, "first_collection_only": {}, "match_all_to_first_collection": {},
}

// RuleLoadError records one rule file's load failure. Unlike most errors in
// this module, a RuleLoadError is expected and routine: LoadRules returns it
// alongside the rules that did load and moves on (spec.md §4.7 "a rule failing to load does not prevent others").
type RuleLoadError struct {
	File string
	Err  error
}

func (e *RuleLoadError) Error() string {
	return fmt.Sprintf("correlation: %s: %v", e.File, e.Err)
}

func (e *RuleLoadError) Unwrap() error { return e.Err }

// LoadRules enumerates *.yaml/*.yml files under dir, in lexical order, and
// parses each into a Rule. A malformed file is reported in the returned
// error slice but never prevents the rest of the directory from loading.
func LoadRules(dir string) ([]Rule, []RuleLoadError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []RuleLoadError{{File: dir, Err: err}}
	}

	var (
		rules []Rule
		errs  []RuleLoadError
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))

		rule, loadErr := loadRuleFile(path, stem)
		if loadErr != nil {
			errs = append(errs, RuleLoadError{File: path, Err: loadErr})
			continue
		}

		rules = append(rules, rule)
	}

	return rules, errs
}

func loadRuleFile(path, stem string) (Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rule{}, fmt.Errorf("read: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Rule{}, fmt.Errorf("parse yaml: %w", err)
	}

	if len(doc.Content) == 0 {
		return Rule{}, fmt.Errorf("empty rule file")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return Rule{}, fmt.Errorf("rule document must be a mapping")
	}

	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if _, ok := allowedTopLevelKeys[key]; !ok {
			return Rule{}, fmt.Errorf("unknown top-level key %q", key)
		}
	}

	var rule Rule
	if err := root.Decode(&rule); err != nil {
		return Rule{}, fmt.Errorf("decode: %w", err)
	}

	if rule.ID == "" {
		rule.ID = stem
	}

	if err := rule.validate(stem); err != nil {
		return Rule{}, err
	}

	return rule, nil
}

func (r Rule) validate(stem string) error {
	if r.ID != stem {
		return fmt.Errorf("id %q does not match filename stem %q", r.ID, stem)
	}

	if r.Version != 1 {
		return fmt.Errorf("unsupported version %d, want 1", r.Version)
	}

	if r.Meta.Name == "" {
		return fmt.Errorf("meta.name is required")
	}

	if _, ok := validRiskLevels[r.Meta.Risk]; !ok {
		return fmt.Errorf("meta.risk %q is not one of INFO/LOW/MEDIUM/HIGH/CRITICAL", r.Meta.Risk)
	}

	if len(r.Collections) == 0 {
		return fmt.Errorf("at least one collect block is required")
	}

	for i, c := range r.Collections {
		if len(c.Collect) == 0 {
			return fmt.Errorf("collections[%d] has no collect methods", i)
		}
	}

	for _, step := range r.Analysis {
		if _, ok := validAnalysisMethods[step.Method]; !ok {
			return fmt.Errorf("analysis method %q is unknown", step.Method)
		}
	}

	return nil
}
