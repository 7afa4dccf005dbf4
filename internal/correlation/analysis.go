package correlation

import (
	"net"
	"strings"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// bucket is one aggregation bucket: a key (the aggregation field's value,
// or an event's own hash when no aggregation.field is configured) and the
// events it groups.
type bucket struct {
	Key    string
	Events []spiderevent.Event
}

// aggregateCollection partitions events into buckets per rule.Aggregation.
// With no aggregation configured, each event becomes its own single-entry
// bucket so analysis methods still operate over a uniform []bucket shape.
func aggregateCollection(events []spiderevent.Event, agg *Aggregation, res *resolver) ([]bucket, error) {
	if agg == nil || agg.Field == "" {
		buckets := make([]bucket, 0, len(events))
		for _, e := range events {
			buckets = append(buckets, bucket{Key: e.Hash, Events: []spiderevent.Event{e}})
		}

		return buckets, nil
	}

	grouped := make(map[string][]spiderevent.Event)

	var order []string

	for _, e := range events {
		val, ok, err := fieldValue(res, e, agg.Field)
		if err != nil {
			return nil, err
		}

		if !ok || val == "" {
			continue
		}

		if _, seen := grouped[val]; !seen {
			order = append(order, val)
		}

		grouped[val] = append(grouped[val], e)
	}

	buckets := make([]bucket, 0, len(order))
	for _, k := range order {
		buckets = append(buckets, bucket{Key: k, Events: grouped[k]})
	}

	return buckets, nil
}

func countField(events []spiderevent.Event, field string, uniqueOnly bool) int {
	if field == "" {
		return len(events)
	}

	if !uniqueOnly {
		n := 0

		for _, e := range events {
			if rawField(e, field) != "" {
				n++
			}
		}

		return n
	}

	seen := make(map[string]struct{})

	for _, e := range events {
		v := rawField(e, field)
		if v == "" {
			continue
		}

		seen[v] = struct{}{}
	}

	return len(seen)
}

// applyThreshold drops buckets whose field count falls outside the
// inclusive [minimum, maximum] range (spec.md §4.7).
func applyThreshold(buckets []bucket, step AnalysisStep) []bucket {
	var out []bucket

	for _, b := range buckets {
		count := countField(b.Events, step.Field, step.CountUniqueOnly)

		if step.Minimum != nil && count < *step.Minimum {
			continue
		}

		if step.Maximum != nil && count > *step.Maximum {
			continue
		}

		out = append(out, b)
	}

	return out
}

// applyOutlier keeps buckets representing at most maximum_percent of the
// collection's total events; if the dataset is uniformly noisy (every
// bucket's average share falls below noisy_percent) no outliers are
// reported at all (spec.md §4.7, boundary cases in §8).
func applyOutlier(buckets []bucket, step AnalysisStep) []bucket {
	total := 0
	for _, b := range buckets {
		total += len(b.Events)
	}

	if total == 0 {
		return nil
	}

	maxPct := 100.0
	if step.MaximumPercent != nil {
		maxPct = *step.MaximumPercent
	}

	var (
		candidates []bucket
		sumPct     float64
	)

	for _, b := range buckets {
		pct := float64(len(b.Events)) / float64(total) * 100
		sumPct += pct

		if pct <= maxPct {
			candidates = append(candidates, b)
		}
	}

	if step.NoisyPercent != nil && len(buckets) > 0 {
		avgPct := sumPct / float64(len(buckets))
		if avgPct < *step.NoisyPercent {
			return nil
		}
	}

	return candidates
}

// applyFirstCollectionOnly keeps entries of collections[0] whose field
// value does not also appear anywhere in the remaining collections.
func applyFirstCollectionOnly(byCollection [][]bucket, step AnalysisStep) [][]bucket {
	if len(byCollection) == 0 {
		return byCollection
	}

	others := make(map[string]struct{})

	for _, coll := range byCollection[1:] {
		for _, b := range coll {
			for _, e := range b.Events {
				if v := rawField(e, step.Field); v != "" {
					others[v] = struct{}{}
				}
			}
		}
	}

	var kept []bucket

	for _, b := range byCollection[0] {
		unique := false

		for _, e := range b.Events {
			v := rawField(e, step.Field)
			if v == "" {
				continue
			}

			if _, in := others[v]; !in {
				unique = true
				break
			}
		}

		if unique {
			kept = append(kept, b)
		}
	}

	out := make([][]bucket, len(byCollection))
	out[0] = kept

	return out
}

// applyMatchAllToFirstCollection keeps entries of collections[1:] whose
// field value matches something in collections[0] by match_method.
func applyMatchAllToFirstCollection(byCollection [][]bucket, step AnalysisStep) [][]bucket {
	if len(byCollection) == 0 {
		return byCollection
	}

	var firstValues []string

	for _, b := range byCollection[0] {
		for _, e := range b.Events {
			if v := rawField(e, step.Field); v != "" {
				firstValues = append(firstValues, v)
			}
		}
	}

	out := make([][]bucket, len(byCollection))
	out[0] = byCollection[0]

	for i := 1; i < len(byCollection); i++ {
		var kept []bucket

		for _, b := range byCollection[i] {
			matched := false

			for _, e := range b.Events {
				v := rawField(e, step.Field)
				if v == "" {
					continue
				}

				if matchesAny(step.MatchMethod, v, firstValues) {
					matched = true
					break
				}
			}

			if matched {
				kept = append(kept, b)
			}
		}

		out[i] = kept
	}

	return out
}

// matchesAny implements the three match_method kinds match_all_to_first_collection
// allows. subnet is IPv4-focused; IPv6 containment is implementation-defined
// (spec.md §9 Open Questions).
func matchesAny(method, value string, candidates []string) bool {
	switch method {
	case "contains":
		for _, c := range candidates {
			if strings.Contains(value, c) || strings.Contains(c, value) {
				return true
			}
		}
	case "subnet":
		ip := net.ParseIP(value)

		for _, c := range candidates {
			if _, cidr, err := net.ParseCIDR(c); err == nil && ip != nil && cidr.Contains(ip) {
				return true
			}

			if cip := net.ParseIP(c); cip != nil {
				if _, selfCidr, err := net.ParseCIDR(value); err == nil && selfCidr.Contains(cip) {
					return true
				}
			}
		}
	default: // "exact"
		for _, c := range candidates {
			if value == c {
				return true
			}
		}
	}

	return false
}
