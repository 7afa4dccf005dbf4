// Package api provides HTTP API server implementation for the Correlator service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/api/middleware"
	"github.com/correlator-io/correlator/internal/module"
	"github.com/correlator-io/correlator/internal/module/builtin"
	"github.com/correlator-io/correlator/internal/query"
	"github.com/correlator-io/correlator/internal/scan"
	"github.com/correlator-io/correlator/internal/storage"
)

const testContentTypeProblemJSON = "application/problem+json"

// middlewareTestServer encapsulates test server dependencies for middleware integration tests.
type middlewareTestServer struct {
	server      *Server
	testAPIKey  string
	rateLimiter *middleware.InMemoryRateLimiter
}

// setupMiddlewareTestServer creates a fully configured test server backed by an
// in-memory SQLite store and key store, eliminating per-test setup duplication.
func setupMiddlewareTestServer(t *testing.T, withRateLimiter bool) *middlewareTestServer {
	t.Helper()

	sched, q, registry := newTestDomain(t)

	keyStore := storage.NewInMemoryKeyStore()

	testAPIKey, err := storage.GenerateAPIKey("test-plugin")
	require.NoError(t, err, "Failed to generate API key")

	err = keyStore.Add(context.Background(), &storage.APIKey{
		ID:          "test-key-id",
		Key:         testAPIKey,
		PluginID:    "test-plugin",
		Name:        "Test Plugin",
		Permissions: []string{"scan:write", "scan:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	})
	require.NoError(t, err, "Failed to add API key")

	var (
		rateLimiter *middleware.InMemoryRateLimiter
		limiter     middleware.RateLimiter // stays a nil interface when no limiter is wanted
	)

	if withRateLimiter {
		rateLimiter = createTestRateLimiter(5, 2, 1) // restrictive limits for testing
		limiter = rateLimiter
	}

	cfg := testServerConfig()
	server := NewServer(cfg, keyStore, limiter, sched, q, registry)

	t.Cleanup(func() {
		if rateLimiter != nil {
			rateLimiter.Close()
		}
	})

	return &middlewareTestServer{server: server, testAPIKey: testAPIKey, rateLimiter: rateLimiter}
}

// newTestDomain wires a scheduler, query layer, and module registry over a
// fresh in-memory store, the same fixture scan.Scheduler's own tests use.
func newTestDomain(t *testing.T) (*scan.Scheduler, *query.Query, *module.Registry) {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := module.NewRegistry()
	require.NoError(t, builtin.Register(reg))

	cfg := scan.DefaultConfig()
	cfg.ModuleTimeout = 5 * time.Second
	cfg.AbortTimeout = 2 * time.Second

	return scan.New(store, reg, nil, cfg), query.New(store), reg
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:               8080,
		Host:               "localhost",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           slog.LevelInfo,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID", "X-API-Key"},
		CORSMaxAge:         86400, //nolint:mnd
	}
}

// TestAuthenticationIntegration tests the complete authentication flow with a real HTTP server.
// Note: uses manual setup (not the helper) because it needs NO rate limiter and
// dynamically adds inactive/expired keys.
func TestAuthenticationIntegration(t *testing.T) {
	sched, q, registry := newTestDomain(t)

	keyStore := storage.NewInMemoryKeyStore()

	ctx := context.Background()

	testAPIKey, err := storage.GenerateAPIKey("test-plugin")
	require.NoError(t, err, "Failed to generate API key")

	err = keyStore.Add(ctx, &storage.APIKey{
		ID:          "test-key-id",
		Key:         testAPIKey,
		PluginID:    "test-plugin",
		Name:        "Test Plugin",
		Permissions: []string{"scan:write", "scan:read"},
		CreatedAt:   time.Now(),
		Active:      true,
	})
	require.NoError(t, err, "Failed to add API key")

	server := NewServer(testServerConfig(), keyStore, nil, sched, q, registry)

	t.Run("Successful Authentication with X-Api-Key Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.Header.Set("X-Api-Key", testAPIKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())
		assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"), "Expected X-Correlation-ID header")
	})

	t.Run("Successful Authentication with Authorization Bearer Header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.Header.Set("Authorization", "Bearer "+testAPIKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())
	})

	t.Run("Missing API Key Returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "Response body: %s", rr.Body.String())
		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
	})

	t.Run("Invalid API Key Returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.Header.Set("X-Api-Key", "correlator_ak_"+string(make([]byte, 64)))

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "Response body: %s", rr.Body.String())
	})

	t.Run("Inactive API Key Returns 403", func(t *testing.T) {
		inactiveKey, err := storage.GenerateAPIKey("inactive-plugin")
		require.NoError(t, err)

		err = keyStore.Add(ctx, &storage.APIKey{
			ID:          "inactive-key-id",
			Key:         inactiveKey,
			PluginID:    "inactive-plugin",
			Name:        "Inactive Plugin",
			Permissions: []string{"scan:write"},
			CreatedAt:   time.Now(),
			Active:      false,
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.Header.Set("X-Api-Key", inactiveKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code, "Response body: %s", rr.Body.String())
	})

	t.Run("Expired API Key Returns 401", func(t *testing.T) {
		expiredKey, err := storage.GenerateAPIKey("expired-plugin")
		require.NoError(t, err)

		expiredTime := time.Now().Add(-1 * time.Hour)
		err = keyStore.Add(ctx, &storage.APIKey{
			ID:          "expired-key-id",
			Key:         expiredKey,
			PluginID:    "expired-plugin",
			Name:        "Expired Plugin",
			Permissions: []string{"scan:write"},
			CreatedAt:   time.Now().Add(-2 * time.Hour),
			ExpiresAt:   &expiredTime,
			Active:      true,
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.Header.Set("X-Api-Key", expiredKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "Response body: %s", rr.Body.String())
	})
}

// TestPublicEndpointAuthBypass tests that public health endpoints work without authentication.
func TestPublicEndpointAuthBypass(t *testing.T) {
	ts := setupMiddlewareTestServer(t, false)

	t.Run("Ping Endpoint Works Without Authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())
		assert.Equal(t, "pong", rr.Body.String(), "Expected 'pong' response")
		verifyCorrelationID(t, rr)
	})

	t.Run("Health Endpoint Works Without Authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code, "Response body: %s", rr.Body.String())

		var health HealthStatus

		err := json.Unmarshal(rr.Body.Bytes(), &health)
		require.NoError(t, err, "Failed to parse health response")

		assert.Equal(t, "healthy", health.Status, "Expected healthy status")
		assert.Equal(t, "correlator", health.ServiceName, "Expected correlator service name")
		assert.NotEmpty(t, health.Version, "Expected version to be set")

		verifyCorrelationID(t, rr)
	})

	t.Run("Protected Endpoint Still Requires Authentication", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)

		rr := httptest.NewRecorder()
		ts.server.httpServer.Handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "Response body: %s", rr.Body.String())
		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
	})
}

// TestPublicEndpointRateLimitBypass tests that public health endpoints bypass rate limiting,
// so K8s probes and monitoring tools are never throttled, while protected endpoints
// still enforce their limits.
func TestPublicEndpointRateLimitBypass(t *testing.T) {
	sched, q, registry := newTestDomain(t)

	keyStore := storage.NewInMemoryKeyStore()

	testAPIKey, err := storage.GenerateAPIKey("test-plugin")
	require.NoError(t, err, "Failed to generate API key")

	err = keyStore.Add(context.Background(), &storage.APIKey{
		ID:          "test-key-id",
		Key:         testAPIKey,
		PluginID:    "test-plugin",
		Name:        "Test Plugin",
		Permissions: []string{"scan:write", "scan:read"},
		CreatedAt:   time.Now(),
		ExpiresAt:   nil,
		Active:      true,
	})
	require.NoError(t, err, "Failed to add API key")

	rateLimiter := createTestRateLimiter(5, 2, 1) // 5 global RPS, 2 plugin RPS, 1 unauth RPS
	t.Cleanup(func() { rateLimiter.Close() })

	server := NewServer(testServerConfig(), keyStore, rateLimiter, sched, q, registry)

	t.Run("Ping Endpoint Bypasses Rate Limiting", func(t *testing.T) {
		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 100; i++ {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			switch rr.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		assert.Equalf(t, 0, rateLimitedCount, "/ping: expected 0 rate-limited requests, got %d", rateLimitedCount)
		assert.Equalf(t, 100, successCount, "/ping: expected 100 successful requests, got %d", successCount)
	})

	t.Run("Health Endpoint Bypasses Rate Limiting", func(t *testing.T) {
		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 100; i++ {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			switch rr.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		assert.Equalf(t, 0, rateLimitedCount, "/health: expected 0 rate-limited requests, got %d", rateLimitedCount)
		assert.Equalf(t, 100, successCount, "/health: expected 100 successful requests, got %d", successCount)
	})

	t.Run("Protected Endpoint Still Enforces Rate Limits", func(t *testing.T) {
		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 20; i++ {
			req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
			req.Header.Set("X-Api-Key", testAPIKey)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			switch rr.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++

				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, rr, http.StatusTooManyRequests)
				}
			}
		}

		assert.NotEqualf(t, 0, rateLimitedCount,
			"/api/scans: expected some rate-limited requests, but all %d succeeded", successCount)
	})
}

// TestReadyEndpoint tests the /ready endpoint for K8s readiness probes. This
// endpoint health-checks the API key store, which in this deployment is the
// only external dependency the server directly owns.
func TestReadyEndpoint(t *testing.T) {
	sched, q, registry := newTestDomain(t)

	keyStore := storage.NewInMemoryKeyStore()
	rateLimiter := createTestRateLimiter(5, 2, 1)

	t.Cleanup(func() { rateLimiter.Close() })

	server := NewServer(testServerConfig(), keyStore, rateLimiter, sched, q, registry)

	t.Run("Ready Endpoint Bypasses Authentication", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			if status := rr.Code; status != http.StatusOK {
				t.Errorf("/ready: request %d failed with status %d (should bypass auth)", i+1, status)
			}
		}
	})

	t.Run("Ready Endpoint Bypasses Rate Limiting", func(t *testing.T) {
		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 100; i++ {
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			switch rr.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		if rateLimitedCount > 0 {
			t.Errorf("/ready: expected 0 rate-limited requests, got %d", rateLimitedCount)
		}

		if successCount != 100 {
			t.Errorf("/ready: expected 100 successful requests, got %d", successCount)
		}
	})

	t.Run("Ready Endpoint Returns 200 When Key Store Available", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		if status := rr.Code; status != http.StatusOK {
			t.Errorf("/ready: expected status %d, got %d. Body: %s", http.StatusOK, status, rr.Body.String())
		}

		if body := rr.Body.String(); body != "ready" {
			t.Errorf("/ready: expected body 'ready', got '%s'", body)
		}

		verifyCorrelationID(t, rr)
	})
}

// TestRateLimitingIntegration tests the complete rate limiting flow with a real HTTP server.
func TestRateLimitingIntegration(t *testing.T) {
	sched, q, registry := newTestDomain(t)

	keyStore := storage.NewInMemoryKeyStore()

	ctx := context.Background()

	apiKey1, err := storage.GenerateAPIKey("plugin-1")
	require.NoError(t, err, "Failed to generate API key for plugin-1")

	err = keyStore.Add(ctx, &storage.APIKey{
		ID: "plugin-1-key-id", Key: apiKey1, PluginID: "plugin-1", Name: "Plugin 1",
		Permissions: []string{"scan:write", "scan:read"}, CreatedAt: time.Now(), Active: true,
	})
	require.NoError(t, err, "Failed to add API key for plugin-1")

	apiKey2, err := storage.GenerateAPIKey("plugin-2")
	require.NoError(t, err, "Failed to generate API key for plugin-2")

	err = keyStore.Add(ctx, &storage.APIKey{
		ID: "plugin-2-key-id", Key: apiKey2, PluginID: "plugin-2", Name: "Plugin 2",
		Permissions: []string{"scan:write", "scan:read"}, CreatedAt: time.Now(), Active: true,
	})
	require.NoError(t, err, "Failed to add API key for plugin-2")

	serverConfig := testServerConfig()

	t.Run("Global Rate Limit Enforcement", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(2, 50, 2)
		t.Cleanup(func() { rateLimiter.Close() })

		server := NewServer(serverConfig, keyStore, rateLimiter, sched, q, registry)

		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 15; i++ {
			apiKey := apiKey1 // pragma: allowlist secret
			if i%2 == 1 {
				apiKey = apiKey2 // pragma: allowlist secret
			}

			response := makeAuthenticatedRequest(server, apiKey, "/api/scans")
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++

				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, response, http.StatusTooManyRequests)
				}
			}
		}

		if rateLimitedCount == 0 {
			t.Errorf("expected some requests to be rate limited (global limit), but all %d succeeded", successCount)
		}
	})

	t.Run("Per-Plugin Rate Limit Enforcement", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(100, 2, 1)
		defer rateLimiter.Close()

		server := NewServer(serverConfig, keyStore, rateLimiter, sched, q, registry)

		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 10; i++ {
			response := makeAuthenticatedRequest(server, apiKey1, "/api/scans")
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++
			}
		}

		if rateLimitedCount == 0 {
			t.Errorf("expected some requests to be rate limited, but all %d succeeded", successCount)
		}

		successCount, rateLimitedCount = 0, 0

		for i := 0; i < 10; i++ {
			response := makeAuthenticatedRequest(server, apiKey2, "/api/scans")
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++

				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, response, http.StatusTooManyRequests)
				}
			}
		}

		if rateLimitedCount == 0 {
			t.Errorf("plugin-2 should have independent rate limit, but all %d requests succeeded", successCount)
		}
	})

	t.Run("Unauthenticated Requests Rejected Before Rate Limit", func(t *testing.T) {
		// Middleware order is Auth -> RateLimit: unauthenticated requests are
		// rejected by auth (401) before they ever reach the rate limiter.
		rateLimiter := createTestRateLimiter(100, 50, 1)
		defer rateLimiter.Close()

		server := NewServer(serverConfig, keyStore, rateLimiter, sched, q, registry)

		for i := 0; i < 5; i++ {
			response := makeAuthenticatedRequest(server, "", "/api/scans")
			if response.Code != http.StatusUnauthorized {
				t.Errorf("unauthenticated request %d should get 401, got %d", i+1, response.Code)
			}
		}

		response := makeAuthenticatedRequest(server, apiKey1, "/api/scans")
		if response.Code != http.StatusOK {
			t.Errorf("authenticated request should succeed, got status %d", response.Code)
		}
	})

	t.Run("Token Refill After Rate Limit", func(t *testing.T) {
		rateLimiter := createTestRateLimiter(100, 2, 1)
		defer rateLimiter.Close()

		server := NewServer(serverConfig, keyStore, rateLimiter, sched, q, registry)

		successCount, rateLimitedCount := 0, 0

		for i := 0; i < 10; i++ {
			response := makeAuthenticatedRequest(server, apiKey1, "/api/scans")
			switch response.Code {
			case http.StatusOK:
				successCount++
			case http.StatusTooManyRequests:
				rateLimitedCount++

				if rateLimitedCount == 1 {
					verifyRFC7807Error(t, response, http.StatusTooManyRequests)
				}
			}
		}

		if rateLimitedCount == 0 {
			t.Errorf("expected some requests to be rate limited, but all %d succeeded", successCount)
		}

		time.Sleep(600 * time.Millisecond) // 1.2 tokens refilled at 2 RPS

		response := makeAuthenticatedRequest(server, apiKey1, "/api/scans")
		if response.Code != http.StatusOK {
			t.Errorf("expected request to succeed after token refill, got %d. Body: %s",
				response.Code, response.Body.String())
		}
	})
}

// TestFullMiddlewareStackIntegration validates that all middleware layers execute in the
// correct order and each middleware contributes its expected behavior.
//
// Middleware chain order (from server.go):
//  1. CorrelationID()      - generate correlation ID for all responses
//  2. Recovery()           - catch panics in all downstream middleware
//  3. AuthenticatePlugin() - identify plugin (sets PluginContext)
//  4. RateLimit()          - block before expensive operations
//  5. RequestLogger()      - log only legitimate requests
//  6. CORS()               - lightweight header manipulation
func TestFullMiddlewareStackIntegration(t *testing.T) {
	sched, q, registry := newTestDomain(t)

	keyStore := storage.NewInMemoryKeyStore()

	ctx := context.Background()

	testAPIKey, err := storage.GenerateAPIKey("test-plugin")
	require.NoError(t, err, "Failed to generate API key")

	err = keyStore.Add(ctx, &storage.APIKey{
		ID: "test-key-id", Key: testAPIKey, PluginID: "test-plugin", Name: "Test Plugin",
		Permissions: []string{"scan:write", "scan:read"}, CreatedAt: time.Now(), Active: true,
	})
	require.NoError(t, err, "Failed to add API key")

	rateLimiter := createTestRateLimiter(100, 2, 1)
	defer rateLimiter.Close()

	server := NewServer(testServerConfig(), keyStore, rateLimiter, sched, q, registry)

	t.Run("Successful Request Flows Through All Middleware", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
		req.Header.Set("X-Api-Key", testAPIKey)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		if status := rr.Code; status != http.StatusOK {
			t.Errorf("expected status %d, got %d. Body: %s", http.StatusOK, status, rr.Body.String())
		}

		verifyCORSHeaders(t, rr)
		verifyCorrelationID(t, rr)
	})

	t.Run("Authentication Failure Has Correlation ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		if status := rr.Code; status != http.StatusUnauthorized {
			t.Errorf("expected status %d, got %d. Body: %s", http.StatusUnauthorized, status, rr.Body.String())
		}

		verifyRFC7807Error(t, rr, http.StatusUnauthorized)
		verifyCorrelationID(t, rr)
	})

	t.Run("Rate Limiting Has Correlation ID", func(t *testing.T) {
		var rateLimitedResponse *httptest.ResponseRecorder

		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodGet, "/api/scans", nil)
			req.Header.Set("X-Api-Key", testAPIKey)

			rr := httptest.NewRecorder()
			server.httpServer.Handler.ServeHTTP(rr, req)

			if rr.Code == http.StatusTooManyRequests {
				rateLimitedResponse = rr

				break
			}
		}

		if rateLimitedResponse == nil {
			t.Fatal("expected to hit rate limit, but all requests succeeded")
		}

		if status := rateLimitedResponse.Code; status != http.StatusTooManyRequests {
			t.Errorf("expected status %d, got %d. Body: %s",
				http.StatusTooManyRequests, status, rateLimitedResponse.Body.String())
		}

		verifyRFC7807Error(t, rateLimitedResponse, http.StatusTooManyRequests)
		verifyCorrelationID(t, rateLimitedResponse)
	})
}

// Helper functions for rate limiting integration tests.

// createTestRateLimiter creates a rate limiter with explicit configuration for testing.
// Burst capacity is automatically computed as 2 x rate for all tiers.
func createTestRateLimiter(globalRPS, pluginRPS, unauthRPS int) *middleware.InMemoryRateLimiter {
	cfg := &middleware.Config{
		GlobalRPS: globalRPS,
		PluginRPS: pluginRPS,
		UnAuthRPS: unauthRPS,
	}

	return middleware.NewInMemoryRateLimiter(cfg)
}

// makeAuthenticatedRequest creates and executes an HTTP request with API key authentication.
// An empty apiKey sends the request unauthenticated.
func makeAuthenticatedRequest(server *Server, apiKey, path string) *httptest.ResponseRecorder { //nolint:unparam
	req := httptest.NewRequest(http.MethodGet, path, nil)

	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

// verifyRFC7807Error validates that an HTTP response follows RFC 7807 Problem Details format.
func verifyRFC7807Error(t *testing.T, response *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	if response.Code != expectedStatus {
		t.Errorf("expected status %d, got %d. Body: %s", expectedStatus, response.Code, response.Body.String())
	}

	contentType := response.Header().Get("Content-Type")
	if contentType != testContentTypeProblemJSON {
		t.Errorf("expected Content-Type '%s', got '%s'", testContentTypeProblemJSON, contentType)
	}

	var problem map[string]interface{}
	if err := json.Unmarshal(response.Body.Bytes(), &problem); err != nil {
		t.Fatalf("failed to parse RFC 7807 error response: %v", err)
	}

	requiredFields := []string{"type", "title", "status", "detail", "instance", "correlation_id"}
	for _, field := range requiredFields {
		if problem[field] == nil {
			t.Errorf("missing required RFC 7807 field: %s", field)
		}
	}

	if statusValue, ok := problem["status"].(float64); ok {
		if int(statusValue) != expectedStatus {
			t.Errorf("RFC 7807 'status' field (%d) does not match HTTP status code (%d)",
				int(statusValue), expectedStatus)
		}
	}
}

// verifyCORSHeaders validates that CORS headers (from CORS middleware) are present in the response.
func verifyCORSHeaders(t *testing.T, response *httptest.ResponseRecorder) {
	t.Helper()

	origin := response.Header().Get("Access-Control-Allow-Origin")
	if origin == "" {
		t.Error("expected Access-Control-Allow-Origin header to be set")
	}

	methods := response.Header().Get("Access-Control-Allow-Methods")
	if methods == "" {
		t.Error("expected Access-Control-Allow-Methods header to be set")
	}
}

// verifyCorrelationID validates that a 16-hex-char correlation ID (from the
// CorrelationID middleware) is present in the response.
func verifyCorrelationID(t *testing.T, response *httptest.ResponseRecorder) {
	t.Helper()

	correlationID := response.Header().Get("X-Correlation-ID")
	if correlationID == "" {
		t.Error("expected X-Correlation-ID header to be set")
	}

	if len(correlationID) != 16 { //nolint:mnd
		t.Errorf("expected correlation ID length 16, got %d", len(correlationID))
	}
}
