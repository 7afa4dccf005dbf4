package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

// pageSize bounds how many scan_event rows Engine pulls per store round
// trip while building a collection's candidate set.
const pageSize = 500

// Engine evaluates loaded rules against a scan's stored events. It is a
// pure function of the store's contents: re-running it over an unchanged
// scan reproduces identical CorrelationResult ids (spec.md §4.7
// "Determinism").
type Engine struct {
	rules  map[string]Rule
	logger *slog.Logger
}

// NewEngine builds an Engine over an already-loaded rule set.
func NewEngine(rules []Rule, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.ID] = r
	}

	return &Engine{rules: m, logger: logger}
}

// Rules returns every loaded rule, sorted by id.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Run evaluates ruleIDs (or every loaded rule, if ruleIDs is empty) against
// scanID and returns every surviving CorrelationResult. One rule's
// evaluation error is logged and skipped; it never aborts the others.
func (e *Engine) Run(ctx context.Context, store storage.Store, scanID string, ruleIDs []string) ([]storage.CorrelationResult, error) {
	selected := e.selectRules(ruleIDs)

	var results []storage.CorrelationResult

	for _, rule := range selected {
		res, err := e.evaluateRule(ctx, store, scanID, rule)
		if err != nil {
			e.logger.Error("correlation rule evaluation failed",
				slog.String("rule_id", rule.ID), slog.String("scan_id", scanID), slog.String("error", err.Error()))

			continue
		}

		results = append(results, res...)
	}

	return results, nil
}

func (e *Engine) selectRules(ruleIDs []string) []Rule {
	if len(ruleIDs) == 0 {
		return e.Rules()
	}

	out := make([]Rule, 0, len(ruleIDs))

	for _, id := range ruleIDs {
		if r, ok := e.rules[id]; ok {
			out = append(out, r)
		}
	}

	return out
}

func (e *Engine) evaluateRule(ctx context.Context, store storage.Store, scanID string, rule Rule) ([]storage.CorrelationResult, error) {
	res := newResolver(ctx, store, scanID)

	byCollection := make([][]bucket, len(rule.Collections))

	for i, coll := range rule.Collections {
		events, err := collect(ctx, store, res, scanID, coll)
		if err != nil {
			return nil, fmt.Errorf("collect %s[%d]: %w", rule.ID, i, err)
		}

		buckets, err := aggregateCollection(events, rule.Aggregation, res)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s[%d]: %w", rule.ID, i, err)
		}

		byCollection[i] = buckets
	}

	for _, step := range rule.Analysis {
		switch step.Method {
		case "threshold":
			for i := range byCollection {
				byCollection[i] = applyThreshold(byCollection[i], step)
			}
		case "outlier":
			for i := range byCollection {
				byCollection[i] = applyOutlier(byCollection[i], step)
			}
		case "first_collection_only":
			byCollection = applyFirstCollectionOnly(byCollection, step)
		case "match_all_to_first_collection":
			byCollection = applyMatchAllToFirstCollection(byCollection, step)
		default:
			return nil, fmt.Errorf("unknown analysis method %q", step.Method)
		}
	}

	var results []storage.CorrelationResult

	for _, buckets := range byCollection {
		for _, b := range buckets {
			if len(b.Events) == 0 {
				continue
			}

			results = append(results, emit(rule, scanID, b))
		}
	}

	return results, nil
}

func collect(ctx context.Context, store storage.Store, res *resolver, scanID string, coll Collection) ([]spiderevent.Event, error) {
	if len(coll.Collect) == 0 {
		return nil, nil
	}

	all, err := allEvents(ctx, store, scanID)
	if err != nil {
		return nil, err
	}

	matches := make([]spiderevent.Event, 0, len(all))

	for _, ev := range all {
		ok, err := matchMethod(res, ev, coll.Collect[0])
		if err != nil {
			return nil, err
		}

		if ok {
			matches = append(matches, ev)
		}
	}

	for _, m := range coll.Collect[1:] {
		next := make([]spiderevent.Event, 0, len(matches))

		for _, ev := range matches {
			ok, err := matchMethod(res, ev, m)
			if err != nil {
				return nil, err
			}

			if ok {
				next = append(next, ev)
			}
		}

		matches = next
	}

	return matches, nil
}

func allEvents(ctx context.Context, store storage.Store, scanID string) ([]spiderevent.Event, error) {
	var out []spiderevent.Event

	offset := 0

	for {
		page, err := store.Events(ctx, scanID, storage.EventFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}

		out = append(out, page...)

		if len(page) < pageSize {
			break
		}

		offset += pageSize
	}

	return out, nil
}

func emit(rule Rule, scanID string, b bucket) storage.CorrelationResult {
	hashes := make([]string, 0, len(b.Events))
	for _, e := range b.Events {
		hashes = append(hashes, e.Hash)
	}

	sort.Strings(hashes)

	return storage.CorrelationResult{
		ID:          spiderevent.Hash(rule.ID, strings.Join(hashes, ","), ""),
		ScanID:      scanID,
		RuleID:      rule.ID,
		RuleName:    rule.Meta.Name,
		RuleDescr:   rule.Meta.Description,
		RuleRisk:    rule.Meta.Risk,
		Title:       renderHeadline(rule.Headline, rule.Aggregation, b),
		EventHashes: hashes,
	}
}

// renderHeadline expands {data}/{type}/{module} placeholders against the
// bucket's representative event. With no aggregation configured,
// aggregateCollection sets bucket.Key to the event's own hash, not its
// data value, so {data} must come from the representative event's Data
// field instead; with aggregation, the bucket key is the resolved
// grouping field's value and stands in for {data} directly.
func renderHeadline(h Headline, agg *Aggregation, b bucket) string {
	text := h.Text

	dataValue := b.Key
	if agg == nil && len(b.Events) > 0 {
		dataValue = b.Events[0].Data
	}

	if text == "" {
		text = dataValue
	}

	text = strings.ReplaceAll(text, "{data}", dataValue)

	if len(b.Events) > 0 {
		rep := b.Events[0]
		text = strings.ReplaceAll(text, "{type}", rep.Type)
		text = strings.ReplaceAll(text, "{module}", rep.Module)
	}

	return text
}
