package query_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/query"
	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

func seedExportScan(t *testing.T) *storage.SQLiteStore {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := spiderevent.New("ROOT", "example.com", "ROOT", "", 1)
	child := spiderevent.New("IP_ADDRESS", "203.0.113.1", "sfp_dnsresolve", root.Hash, 2)
	seedScan(t, store, "scan-1", root, child)

	return store
}

func TestExportEventsCSV(t *testing.T) {
	store := seedExportScan(t)
	q := query.New(store)

	var buf bytes.Buffer
	require.NoError(t, q.ExportEvents(context.Background(), "scan-1", query.FormatCSV, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3) // header + 2 events
	assert.Equal(t, "hash", rows[0][0])
}

func TestExportEventsJSON(t *testing.T) {
	store := seedExportScan(t)
	q := query.New(store)

	var buf bytes.Buffer
	require.NoError(t, q.ExportEvents(context.Background(), "scan-1", query.FormatJSON, &buf))

	var events []spiderevent.Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &events))
	assert.Len(t, events, 2)
}

func TestExportEventsGEXF(t *testing.T) {
	store := seedExportScan(t)
	q := query.New(store)

	var buf bytes.Buffer
	require.NoError(t, q.ExportEvents(context.Background(), "scan-1", query.FormatGEXF, &buf))

	assert.Contains(t, buf.String(), "<gexf")
	assert.Contains(t, buf.String(), "IP_ADDRESS")
}

func TestExportEventsUnsupportedFormat(t *testing.T) {
	store := seedExportScan(t)
	q := query.New(store)

	var buf bytes.Buffer
	err := q.ExportEvents(context.Background(), "scan-1", query.Format("stix"), &buf)
	assert.ErrorIs(t, err, query.ErrUnsupportedFormat)
}
