// Package api provides HTTP API server implementation for the Correlator service.
package api

import "github.com/correlator-io/correlator/internal/storage"

type (
	// StartScanRequest is the body of POST /api/scans.
	StartScanRequest struct {
		Name    string            `json:"name,omitempty"`
		Target  string            `json:"target"`
		Modules []string          `json:"modules,omitempty"`
		Options map[string]string `json:"options,omitempty"`
	}

	// StartScanResponse is the response body of POST /api/scans.
	StartScanResponse struct {
		ScanID string `json:"scan_id"` //nolint:tagliatelle
	}

	// ScanResponse renders one storage.Scan row for GET /api/scans and
	// GET /api/scans/{id}.
	ScanResponse struct {
		ID         string   `json:"scan_id"`     //nolint:tagliatelle
		Name       string   `json:"name"`
		TargetType string   `json:"target_type"` //nolint:tagliatelle
		TargetData string   `json:"target_data"` //nolint:tagliatelle
		Status     string   `json:"status"`
		Modules    []string `json:"modules"`
	}

	// ScanListResponse is the response body of GET /api/scans.
	ScanListResponse struct {
		Scans []ScanResponse `json:"scans"`
	}

	// ModuleResponse renders one module.Descriptor for GET /api/modules.
	ModuleResponse struct {
		Name     string   `json:"name"`
		Label    string   `json:"label"`
		UseCases []string `json:"use_cases"` //nolint:tagliatelle
	}

	// FalsePositiveRequest is the body of POST /api/scans/{id}/false-positive.
	FalsePositiveRequest struct {
		Hashes []string `json:"hashes"`
		Value  bool     `json:"value"`
	}

	// EventResponse renders one spiderevent.Event for the events endpoint.
	EventResponse struct {
		Hash          string  `json:"hash"`
		Type          string  `json:"type"`
		Data          string  `json:"data"`
		Module        string  `json:"module"`
		Generated     float64 `json:"generated"`
		SourceHash    string  `json:"source_hash"`    //nolint:tagliatelle
		Confidence    int     `json:"confidence"`
		Visibility    int     `json:"visibility"`
		Risk          int     `json:"risk"`
		FalsePositive bool    `json:"false_positive"` //nolint:tagliatelle
	}

	// EventsResponse is the response body of GET /api/scans/{id}/events.
	EventsResponse struct {
		Events []EventResponse `json:"events"`
	}

	// SummaryResponse is the response body of GET /api/scans/{id}/summary.
	SummaryResponse struct {
		Types []storage.TypeSummary `json:"types"`
	}

	// CorrelationsResponse is the response body of
	// GET /api/scans/{id}/correlations.
	CorrelationsResponse struct {
		Correlations []storage.CorrelationResult `json:"correlations"`
	}

	// ProgressFrame is one SSE frame body for
	// GET /api/scans/{id}/progress/stream (spec.md §6).
	ProgressFrame struct {
		ScanID          string               `json:"scan_id"`         //nolint:tagliatelle
		Status          string               `json:"status"`
		OverallPercent  float64              `json:"overall_percent"` //nolint:tagliatelle
		ModulesTotal    int                  `json:"modules_total"`    //nolint:tagliatelle
		ModulesFinished int                  `json:"modules_finished"` //nolint:tagliatelle
		ModulesRunning  int                  `json:"modules_running"`  //nolint:tagliatelle
		Modules         []ProgressModuleInfo `json:"modules"`
		Timestamp       string               `json:"timestamp"`
	}

	// ProgressModuleInfo is one module's entry within a ProgressFrame.
	ProgressModuleInfo struct {
		Name           string `json:"name"`
		Status         string `json:"status"`
		EventsProduced int    `json:"events_produced"` //nolint:tagliatelle
	}
)
