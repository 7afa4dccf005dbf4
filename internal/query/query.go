// Package query implements the read-only query layer (C8): paginated
// reads over storage.Store plus a derived event-graph view and streaming
// export, none of which mutate scan state (spec.md §4.8).
package query

import (
	"context"

	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

// Query wraps a storage.Store with the read shapes external adapters need.
// It mirrors the teacher's correlation.Store read-interface segregation:
// a thin, side-effect-free layer callers depend on instead of the full
// storage.Store surface.
type Query struct {
	store storage.Store
}

// New builds a Query over store.
func New(store storage.Store) *Query {
	return &Query{store: store}
}

// Summary returns per-type totals and uniques for a scan.
func (q *Query) Summary(ctx context.Context, scanID string) ([]storage.TypeSummary, error) {
	return q.store.Summary(ctx, scanID)
}

// Events returns a filtered, paginated page of events.
func (q *Query) Events(ctx context.Context, scanID string, filter storage.EventFilter) ([]spiderevent.Event, error) {
	return q.store.Events(ctx, scanID, filter)
}

// EventsUnique returns distinct data values and counts for one event type.
func (q *Query) EventsUnique(ctx context.Context, scanID, eventType string) ([]storage.UniqueValue, error) {
	return q.store.EventsUnique(ctx, scanID, eventType)
}

// Logs returns a page of scan_log rows, optionally filtered by level.
func (q *Query) Logs(ctx context.Context, scanID string, level storage.LogLevel, limit int) ([]storage.LogEntry, error) {
	return q.store.Logs(ctx, scanID, level, limit)
}

// Options returns the scan's frozen option snapshot.
func (q *Query) Options(ctx context.Context, scanID string) (map[string]string, error) {
	scanRow, err := q.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}

	return scanRow.Options, nil
}

// Correlations returns every correlation result for a scan.
func (q *Query) Correlations(ctx context.Context, scanID string) ([]storage.CorrelationResult, error) {
	return q.store.Correlations(ctx, scanID)
}

// ListScans returns every scan row, most recently created first.
func (q *Query) ListScans(ctx context.Context) ([]storage.Scan, error) {
	return q.store.ListScans(ctx)
}

// GetScan returns one scan's row.
func (q *Query) GetScan(ctx context.Context, scanID string) (storage.Scan, error) {
	return q.store.GetScan(ctx, scanID)
}

// Viz is the node/edge graph view derived from events' source_hash chain
// (spec.md §4.8 "Viz(scan_id) → {nodes, edges}").
type Viz struct {
	Nodes []VizNode
	Edges []VizEdge
}

// VizNode is one event rendered as a graph node.
type VizNode struct {
	Hash string
	Type string
	Data string
}

// VizEdge links a child event to its source.
type VizEdge struct {
	From string // source hash
	To   string // child hash
}

// Viz builds the event graph for a scan by walking every event's
// source_hash. Unlike the correlation engine's resolver, this has no need
// to memoize per-evaluation: it is a one-shot, whole-scan read.
func (q *Query) Viz(ctx context.Context, scanID string) (Viz, error) {
	var (
		out    Viz
		offset int
	)

	const pageSize = 500

	for {
		page, err := q.store.Events(ctx, scanID, storage.EventFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return Viz{}, err
		}

		for _, e := range page {
			out.Nodes = append(out.Nodes, VizNode{Hash: e.Hash, Type: e.Type, Data: e.Data})

			if e.SourceHash != "" {
				out.Edges = append(out.Edges, VizEdge{From: e.SourceHash, To: e.Hash})
			}
		}

		if len(page) < pageSize {
			break
		}

		offset += pageSize
	}

	return out, nil
}

// allEvents pages through every event of a scan, unfiltered, for export.
func (q *Query) allEvents(ctx context.Context, scanID string) ([]spiderevent.Event, error) {
	var (
		all    []spiderevent.Event
		offset int
	)

	const pageSize = 500

	for {
		page, err := q.store.Events(ctx, scanID, storage.EventFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, err
		}

		all = append(all, page...)

		if len(page) < pageSize {
			return all, nil
		}

		offset += pageSize
	}
}
