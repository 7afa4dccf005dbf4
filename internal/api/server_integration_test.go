// Package api provides HTTP API server implementation for the Correlator service.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScanLifecycleIntegration drives a full scan through the HTTP surface:
// start it, poll until it reaches a terminal state, then read back its
// events, summary, and correlations. This exercises the scheduler, query
// layer, and module registry together behind the real route handlers rather
// than unit-testing each in isolation.
func TestScanLifecycleIntegration(t *testing.T) {
	ts := setupMiddlewareTestServer(t, false)
	handler := ts.server.httpServer.Handler

	startBody := `{"target":"example.com","modules":["sfp_dnsresolve"]}`

	req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader(startBody))
	req.Header.Set("X-Api-Key", ts.testAPIKey)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, "Response body: %s", rr.Body.String())

	var started StartScanResponse

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &started))
	require.NotEmpty(t, started.ScanID)

	deadline := time.Now().Add(5 * time.Second)

	var lastStatus string

	for time.Now().Before(deadline) {
		getReq := httptest.NewRequest(http.MethodGet, "/api/scans/"+started.ScanID, nil)
		getReq.Header.Set("X-Api-Key", ts.testAPIKey)

		getRR := httptest.NewRecorder()
		handler.ServeHTTP(getRR, getReq)
		require.Equal(t, http.StatusOK, getRR.Code, "Response body: %s", getRR.Body.String())

		var scanResp ScanResponse

		require.NoError(t, json.Unmarshal(getRR.Body.Bytes(), &scanResp))
		lastStatus = scanResp.Status

		if lastStatus == "FINISHED" || lastStatus == "ABORTED" || lastStatus == "ERROR-FAILED" {
			break
		}

		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, "FINISHED", lastStatus, "expected scan to finish within deadline")

	eventsReq := httptest.NewRequest(http.MethodGet, "/api/scans/"+started.ScanID+"/events", nil)
	eventsReq.Header.Set("X-Api-Key", ts.testAPIKey)

	eventsRR := httptest.NewRecorder()
	handler.ServeHTTP(eventsRR, eventsReq)
	assert.Equal(t, http.StatusOK, eventsRR.Code, "Response body: %s", eventsRR.Body.String())

	var events EventsResponse

	require.NoError(t, json.Unmarshal(eventsRR.Body.Bytes(), &events))
	assert.NotEmpty(t, events.Events, "expected the seed target event to be recorded")

	summaryReq := httptest.NewRequest(http.MethodGet, "/api/scans/"+started.ScanID+"/summary", nil)
	summaryReq.Header.Set("X-Api-Key", ts.testAPIKey)

	summaryRR := httptest.NewRecorder()
	handler.ServeHTTP(summaryRR, summaryReq)
	assert.Equal(t, http.StatusOK, summaryRR.Code, "Response body: %s", summaryRR.Body.String())
}

// TestListModulesIntegration verifies GET /api/modules renders the module
// registry's descriptors through the real handler chain.
func TestListModulesIntegration(t *testing.T) {
	ts := setupMiddlewareTestServer(t, false)

	req := httptest.NewRequest(http.MethodGet, "/api/modules", nil)
	req.Header.Set("X-Api-Key", ts.testAPIKey)

	rr := httptest.NewRecorder()
	ts.server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())

	var modules []ModuleResponse

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &modules))
	assert.NotEmpty(t, modules)
}
