// Package api provides HTTP API server implementation for the Correlator service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/correlator-io/correlator/internal/api/middleware"
	"github.com/correlator-io/correlator/internal/query"
	"github.com/correlator-io/correlator/internal/scan"
	"github.com/correlator-io/correlator/internal/storage"
)

const (
	healthCheckTimeout   = 2 * time.Second
	expectedURLParts     = 2
	progressPollInterval = 1 * time.Second
	heartbeatInterval    = 30 * time.Second
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server, matching the surface
// table in spec.md §6.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // Basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // Catch-all handler for 404 responses
	)

	mux.HandleFunc("GET /api/modules", s.handleListModules)

	mux.HandleFunc("POST /api/scans", s.handleStartScan)
	mux.HandleFunc("GET /api/scans", s.handleListScans)
	mux.HandleFunc("GET /api/scans/{id}", s.handleGetScan)
	mux.HandleFunc("POST /api/scans/{id}/stop", s.handleStopScan)
	mux.HandleFunc("DELETE /api/scans/{id}", s.handleDeleteScan)

	mux.HandleFunc("GET /api/scans/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/scans/{id}/summary", s.handleGetSummary)
	mux.HandleFunc("GET /api/scans/{id}/correlations", s.handleGetCorrelations)
	mux.HandleFunc("POST /api/scans/{id}/correlations", s.handleRunCorrelations)
	mux.HandleFunc("GET /api/scans/{id}/export/{format}", s.handleExport)
	mux.HandleFunc("GET /api/scans/{id}/progress/stream", s.handleProgressStream)
	mux.HandleFunc("POST /api/scans/{id}/false-positive", s.handleFalsePositive)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., K8s liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
	}
}

// handleReady responds to Kubernetes readiness probes with storage backend health checks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.apiKeyStore == nil { // pragma: allowlist secret
		s.logger.Warn("API key store not configured - readiness check disabled",
			slog.String("correlation_id", correlationID))

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.apiKeyStore.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID), slog.String("error", err.Error()))

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	writeJSON(w, r, s.logger, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "correlator",
		Version:     "v1.0.0",
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// handleListModules serves GET /api/modules (spec.md §6).
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	descs := s.registry.All()
	out := make([]ModuleResponse, 0, len(descs))

	for _, d := range descs {
		useCases := make([]string, 0, len(d.Meta.UseCases))
		for _, uc := range d.Meta.UseCases {
			useCases = append(useCases, string(uc))
		}

		out = append(out, ModuleResponse{Name: d.Name, Label: d.Meta.HumanName, UseCases: useCases})
	}

	writeJSON(w, r, s.logger, http.StatusOK, out)
}

// handleStartScan serves POST /api/scans.
func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req StartScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid request body: "+err.Error()))

		return
	}

	if req.Target == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("target is required"))

		return
	}

	scanID, err := s.sched.StartScan(r.Context(), scan.StartScanRequest{
		Name:            req.Name,
		Target:          req.Target,
		ModuleSelection: req.Modules,
		Options:         req.Options,
	})
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	writeJSON(w, r, s.logger, http.StatusCreated, StartScanResponse{ScanID: scanID})
}

// handleListScans serves GET /api/scans.
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.query.ListScans(r.Context())
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	out := make([]ScanResponse, 0, len(scans))
	for _, sc := range scans {
		out = append(out, scanToResponse(sc))
	}

	writeJSON(w, r, s.logger, http.StatusOK, ScanListResponse{Scans: out})
}

// handleGetScan serves GET /api/scans/{id}.
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	sc, err := s.query.GetScan(r.Context(), scanID)
	if err != nil {
		s.writeScanLookupError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, scanToResponse(sc))
}

// handleStopScan serves POST /api/scans/{id}/stop.
func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	if err := s.sched.StopScan(r.Context(), scanID); err != nil {
		s.writeScanLookupError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleDeleteScan serves DELETE /api/scans/{id}.
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	if err := s.sched.DeleteScan(r.Context(), scanID); err != nil {
		s.writeScanLookupError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetEvents serves GET /api/scans/{id}/events.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	filter := storage.EventFilter{
		Type:   r.URL.Query().Get("type"),
		Module: r.URL.Query().Get("module"),
		Limit:  intQuery(r, "limit", 100), //nolint:mnd
		Offset: intQuery(r, "offset", 0),
	}

	events, err := s.query.Events(r.Context(), scanID, filter)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{
			Hash: e.Hash, Type: e.Type, Data: e.Data, Module: e.Module,
			Generated: e.Generated, SourceHash: e.SourceHash,
			Confidence: e.Confidence, Visibility: e.Visibility, Risk: e.Risk,
			FalsePositive: e.FalsePositive,
		})
	}

	writeJSON(w, r, s.logger, http.StatusOK, EventsResponse{Events: out})
}

// handleGetSummary serves GET /api/scans/{id}/summary.
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	summary, err := s.query.Summary(r.Context(), scanID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, SummaryResponse{Types: summary})
}

// handleGetCorrelations serves GET /api/scans/{id}/correlations.
func (s *Server) handleGetCorrelations(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	results, err := s.query.Correlations(r.Context(), scanID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, CorrelationsResponse{Correlations: results})
}

// handleRunCorrelations serves POST /api/scans/{id}/correlations. It always
// responds 501 Not Implemented; it does not run the correlation engine.
func (s *Server) handleRunCorrelations(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusNotImplemented,
		"Not Implemented", "on-demand correlation re-run is not available in this deployment"))
}

// handleExport serves GET /api/scans/{id}/export/{format} (csv/json/gexf).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	format := query.Format(r.PathValue("format"))

	var contentType string

	switch format {
	case query.FormatCSV:
		contentType = "text/csv"
	case query.FormatJSON:
		contentType = "application/json"
	case query.FormatGEXF:
		contentType = "application/xml"
	default:
		WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("unsupported export format %q", format)))

		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, scanID, format))
	w.WriteHeader(http.StatusOK)

	if err := s.query.ExportEvents(r.Context(), scanID, format, w); err != nil {
		s.logger.Error("export failed", slog.String("scan_id", scanID), slog.String("error", err.Error()))
	}
}

// handleFalsePositive serves POST /api/scans/{id}/false-positive.
func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	var req FalsePositiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("invalid request body: "+err.Error()))

		return
	}

	if err := s.sched.SetFalsePositive(r.Context(), scanID, req.Hashes, req.Value); err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleProgressStream serves GET /api/scans/{id}/progress/stream as
// Server-Sent Events, one "progress" frame per poll interval, a final
// "complete" frame on terminal status, and a "heartbeat" frame if no
// frame was written for heartbeatInterval (spec.md §6).
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, r, s.logger, InternalServerError("streaming unsupported"))

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshots, err := s.sched.StreamProgress(r.Context(), scanID, progressPollInterval)
	if err != nil {
		s.writeScanLookupError(w, r, err)

		return
	}

	lastSent := time.Now()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}

			event := "progress"
			if isTerminalStatus(snap.Status) {
				event = "complete"
			}

			writeSSE(w, event, progressFrame(snap))
			flusher.Flush()
			lastSent = time.Now()

			if event == "complete" {
				return
			}
		case <-time.After(heartbeatInterval - time.Since(lastSent)):
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}

			flusher.Flush()
			lastSent = time.Now()
		case <-r.Context().Done():
			return
		}
	}
}

func progressFrame(snap scan.Snapshot) ProgressFrame {
	modules := make([]ProgressModuleInfo, 0, len(snap.Modules))

	running := 0

	for _, m := range snap.Modules {
		modules = append(modules, ProgressModuleInfo{
			Name: m.Module, Status: string(m.Status), EventsProduced: m.EventsProduced,
		})

		if m.Status == storage.ModuleRunning {
			running++
		}
	}

	return ProgressFrame{
		ScanID:          snap.ScanID,
		Status:          string(snap.Status),
		OverallPercent:  snap.OverallPercent,
		ModulesTotal:    snap.ModulesTotal,
		ModulesFinished: snap.ModulesFinished,
		ModulesRunning:  running,
		Modules:         modules,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func isTerminalStatus(status storage.Status) bool {
	switch status {
	case storage.StatusFinished, storage.StatusAborted, storage.StatusErrorFailed:
		return true
	default:
		return false
	}
}

func scanToResponse(sc storage.Scan) ScanResponse {
	return ScanResponse{
		ID: sc.ID, Name: sc.Name, TargetType: sc.TargetType, TargetData: sc.TargetData,
		Status: string(sc.Status), Modules: sc.Modules,
	}
}

func (s *Server) writeScanLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scan.ErrScanNotFound), errors.Is(err, storage.ErrScanNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
	case errors.Is(err, scan.ErrScanTerminal), errors.Is(err, storage.ErrScanRunning):
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(http.StatusConflict, "Conflict", err.Error()))
	default:
		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}

	return v
}
