package query_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/query"
	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

func seedScan(t *testing.T, store *storage.SQLiteStore, scanID string, events ...spiderevent.Event) {
	t.Helper()

	require.NoError(t, store.CreateScan(context.Background(), storage.Scan{
		ID:         scanID,
		Name:       scanID,
		TargetType: "INTERNET_NAME",
		TargetData: "example.com",
		Status:     storage.StatusRunning,
		Options:    map[string]string{"_maxthreads": "3"},
	}))

	for _, e := range events {
		_, err := store.InsertEvent(context.Background(), scanID, e)
		require.NoError(t, err)
	}
}

func TestQuerySummaryAndEvents(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := spiderevent.New("ROOT", "example.com", "ROOT", "", 1)
	a := spiderevent.New("IP_ADDRESS", "203.0.113.1", "sfp_dnsresolve", root.Hash, 2)
	b := spiderevent.New("IP_ADDRESS", "203.0.113.2", "sfp_dnsresolve", root.Hash, 3)
	seedScan(t, store, "scan-1", root, a, b)

	q := query.New(store)

	summary, err := q.Summary(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.NotEmpty(t, summary)

	events, err := q.Events(context.Background(), "scan-1", storage.EventFilter{Type: "IP_ADDRESS", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	opts, err := q.Options(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Equal(t, "3", opts["_maxthreads"])
}

func TestQueryViz(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := spiderevent.New("ROOT", "example.com", "ROOT", "", 1)
	child := spiderevent.New("IP_ADDRESS", "203.0.113.1", "sfp_dnsresolve", root.Hash, 2)
	seedScan(t, store, "scan-1", root, child)

	q := query.New(store)

	viz, err := q.Viz(context.Background(), "scan-1")
	require.NoError(t, err)
	assert.Len(t, viz.Nodes, 2)
	require.Len(t, viz.Edges, 1)
	assert.Equal(t, root.Hash, viz.Edges[0].From)
	assert.Equal(t, child.Hash, viz.Edges[0].To)
}
