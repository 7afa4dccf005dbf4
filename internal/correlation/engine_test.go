package correlation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/correlation"
	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

func mustEvent(t *testing.T, typ, data, module, sourceHash string, gen float64) spiderevent.Event {
	t.Helper()
	return spiderevent.New(typ, data, module, sourceHash, gen)
}

func seedScan(t *testing.T, store *storage.SQLiteStore, scanID string, events ...spiderevent.Event) {
	t.Helper()

	require.NoError(t, store.CreateScan(context.Background(), storage.Scan{
		ID:         scanID,
		Name:       scanID,
		TargetType: "INTERNET_NAME",
		TargetData: "example.com",
		Status:     storage.StatusRunning,
	}))

	for _, e := range events {
		_, err := store.InsertEvent(context.Background(), scanID, e)
		require.NoError(t, err)
	}
}

func openPortVersionRule() correlation.Rule {
	return correlation.Rule{
		ID:      "open_port_version",
		Version: 1,
		Meta:    correlation.Meta{Name: "Open port with version banner", Risk: "LOW"},
		Collections: []correlation.Collection{{Collect: []correlation.Method{
			{Method: "exact", Field: "type", Value: "TCP_PORT_OPEN_BANNER"},
			{Method: "not regex", Field: "data", Value: ".*HTTP/1.*"},
		}}},
		Headline: correlation.Headline{Text: "Banner {data} identifies server software"},
	}
}

func TestEngineOpenPortVersionScenario(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := mustEvent(t, "ROOT", "example.com", "ROOT", "", 1)
	ssh := mustEvent(t, "TCP_PORT_OPEN_BANNER", "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.10", "sfp_portscan_tcp", root.Hash, 2)
	http := mustEvent(t, "TCP_PORT_OPEN_BANNER", "HTTP/1.1 200 OK", "sfp_portscan_tcp", root.Hash, 3)
	seedScan(t, store, "scan-1", root, ssh, http)

	engine := correlation.NewEngine([]correlation.Rule{openPortVersionRule()}, nil)

	results, err := engine.Run(context.Background(), store, "scan-1", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Title, "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.10")
}

func multipleMaliciousRule() correlation.Rule {
	return correlation.Rule{
		ID:      "multiple_malicious",
		Version: 1,
		Meta:    correlation.Meta{Name: "Host flagged by multiple sources", Risk: "HIGH"},
		Collections: []correlation.Collection{{Collect: []correlation.Method{
			{Method: "regex", Field: "type", Value: "MALICIOUS_IPADDR|BLACKLIST_IPADDR"},
		}}},
		Aggregation: &correlation.Aggregation{Field: "source.data"},
		Analysis: []correlation.AnalysisStep{
			{Method: "threshold", Field: "hash", Minimum: intPtr(3), Maximum: intPtr(3)},
		},
		Headline: correlation.Headline{Text: "{data} flagged by multiple sources"},
	}
}

func TestEngineMultipleMaliciousScenario(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := mustEvent(t, "IP_ADDRESS", "1.2.3.4", "ROOT", "", 1)
	a := mustEvent(t, "MALICIOUS_IPADDR", "1.2.3.4", "sfp_ipblacklist", root.Hash, 2)
	b := mustEvent(t, "BLACKLIST_IPADDR", "1.2.3.4", "sfp_blacklist_feed_a", root.Hash, 3)
	c := mustEvent(t, "BLACKLIST_IPADDR", "1.2.3.4", "sfp_blacklist_feed_b", root.Hash, 4)
	seedScan(t, store, "scan-2", root, a, b, c)

	engine := correlation.NewEngine([]correlation.Rule{multipleMaliciousRule()}, nil)

	results, err := engine.Run(context.Background(), store, "scan-2", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "HIGH", results[0].RuleRisk)
	assert.ElementsMatch(t, []string{a.Hash, b.Hash, c.Hash}, results[0].EventHashes)
}

func outlierWebserverRule(maxPct float64) correlation.Rule {
	return correlation.Rule{
		ID:      "outlier_webserver",
		Version: 1,
		Meta:    correlation.Meta{Name: "Outlier web server banner", Risk: "INFO"},
		Collections: []correlation.Collection{{Collect: []correlation.Method{
			{Method: "exact", Field: "type", Value: "WEBSERVER_BANNER"},
		}}},
		Aggregation: &correlation.Aggregation{Field: "data"},
		Analysis: []correlation.AnalysisStep{
			{Method: "outlier", Field: "data", MaximumPercent: &maxPct},
		},
		Headline: correlation.Headline{Text: "Outlier web server banner {data}"},
	}
}

func TestEngineOutlierWebserverScenario(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := mustEvent(t, "IP_ADDRESS", "10.0.0.1", "ROOT", "", 1)

	var events []spiderevent.Event
	events = append(events, root)

	for i := 0; i < 95; i++ {
		events = append(events, mustEvent(t, "WEBSERVER_BANNER", "nginx", "sfp_webserver", root.Hash, float64(i+2)))
	}

	for i := 0; i < 5; i++ {
		events = append(events, mustEvent(t, "WEBSERVER_BANNER", "Apache-Coyote/1.1", "sfp_webserver", root.Hash, float64(i+200)))
	}

	seedScan(t, store, "scan-3", events...)

	engine := correlation.NewEngine([]correlation.Rule{outlierWebserverRule(10)}, nil)

	results, err := engine.Run(context.Background(), store, "scan-3", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Title, "Apache-Coyote/1.1")
}

func TestOutlierBoundaries(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := mustEvent(t, "IP_ADDRESS", "10.0.0.1", "ROOT", "", 1)
	a := mustEvent(t, "WEBSERVER_BANNER", "nginx", "sfp_webserver", root.Hash, 2)
	b := mustEvent(t, "WEBSERVER_BANNER", "Apache-Coyote/1.1", "sfp_webserver", root.Hash, 3)
	seedScan(t, store, "scan-4", root, a, b)

	// maximum_percent=100 must emit every bucket.
	engineAll := correlation.NewEngine([]correlation.Rule{outlierWebserverRule(100)}, nil)
	resultsAll, err := engineAll.Run(context.Background(), store, "scan-4", nil)
	require.NoError(t, err)
	assert.Len(t, resultsAll, 2)

	// maximum_percent=0 must emit none.
	engineNone := correlation.NewEngine([]correlation.Rule{outlierWebserverRule(0)}, nil)
	resultsNone, err := engineNone.Run(context.Background(), store, "scan-4", nil)
	require.NoError(t, err)
	assert.Empty(t, resultsNone)
}

func TestThresholdBoundaryExactN(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := mustEvent(t, "IP_ADDRESS", "1.2.3.4", "ROOT", "", 1)
	a := mustEvent(t, "MALICIOUS_IPADDR", "1.2.3.4", "sfp_ipblacklist", root.Hash, 2)
	b := mustEvent(t, "MALICIOUS_IPADDR", "1.2.3.4", "sfp_feed_b", root.Hash, 3)
	seedScan(t, store, "scan-5", root, a, b)

	rule := multipleMaliciousRule() // requires exactly 3
	engine := correlation.NewEngine([]correlation.Rule{rule}, nil)

	results, err := engine.Run(context.Background(), store, "scan-5", nil)
	require.NoError(t, err)
	assert.Empty(t, results, "threshold.minimum=maximum=3 must not emit a bucket of 2")
}

func TestEngineDeterministicAcrossReruns(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	root := mustEvent(t, "IP_ADDRESS", "1.2.3.4", "ROOT", "", 1)
	a := mustEvent(t, "MALICIOUS_IPADDR", "1.2.3.4", "sfp_ipblacklist", root.Hash, 2)
	b := mustEvent(t, "BLACKLIST_IPADDR", "1.2.3.4", "sfp_feed_a", root.Hash, 3)
	c := mustEvent(t, "BLACKLIST_IPADDR", "1.2.3.4", "sfp_feed_b", root.Hash, 4)
	seedScan(t, store, "scan-6", root, a, b, c)

	engine := correlation.NewEngine([]correlation.Rule{multipleMaliciousRule()}, nil)

	first, err := engine.Run(context.Background(), store, "scan-6", nil)
	require.NoError(t, err)

	second, err := engine.Run(context.Background(), store, "scan-6", nil)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func intPtr(n int) *int { return &n }
