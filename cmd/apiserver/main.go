// Package main provides the Correlator scan API server: the HTTP adapter
// around the scan scheduler, query layer, and module registry.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/correlator-io/correlator/internal/api"
	"github.com/correlator-io/correlator/internal/api/middleware"
	"github.com/correlator-io/correlator/internal/config"
	"github.com/correlator-io/correlator/internal/correlation"
	"github.com/correlator-io/correlator/internal/module"
	"github.com/correlator-io/correlator/internal/module/builtin"
	"github.com/correlator-io/correlator/internal/query"
	"github.com/correlator-io/correlator/internal/scan"
	"github.com/correlator-io/correlator/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "correlator-apiserver"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("starting "+name, slog.String("version", version))

	store, conn, err := openStore()
	if err != nil {
		logger.Error("failed to open storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := module.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		logger.Error("failed to register builtin modules", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rulesDir := config.GetEnvStr("CORRELATOR_RULES_DIR", "correlations")

	rules, loadErrs := correlation.LoadRules(rulesDir)
	for _, loadErr := range loadErrs {
		logger.Warn("correlation rule failed to load", slog.String("error", loadErr.Error()))
	}

	engine := correlation.NewEngine(rules, logger)

	sched := scan.New(store, registry, engine, loadScanConfig(logger))
	q := query.New(store)

	keyStore, err := openKeyStore(conn)
	if err != nil {
		logger.Error("failed to open API key store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(&middleware.Config{
		GlobalRPS: config.GetEnvInt("CORRELATOR_RATE_LIMIT_GLOBAL_RPS", 100), //nolint:mnd
		PluginRPS: config.GetEnvInt("CORRELATOR_RATE_LIMIT_PLUGIN_RPS", 50),  //nolint:mnd
		UnAuthRPS: config.GetEnvInt("CORRELATOR_RATE_LIMIT_UNAUTH_RPS", 10),  //nolint:mnd
	})

	server := api.NewServer(&cfg, keyStore, rateLimiter, sched, q, registry)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info(name + " stopped")
}

// openStore selects SQLite (default, embedded) or PostgreSQL (when
// DATABASE_URL is set) per spec.md §4.1's two supported backends. The
// *storage.Connection return is nil for SQLite; openKeyStore uses it to
// decide whether a persistent, bcrypt-backed key store is available.
func openStore() (storage.Store, *storage.Connection, error) {
	dbCfg := storage.LoadConfig()
	if dbCfg.Validate() == nil {
		conn, err := storage.NewConnection(dbCfg)
		if err != nil {
			return nil, nil, err
		}

		pgStore, err := storage.NewPostgresStore(conn)

		return pgStore, conn, err
	}

	path := config.GetEnvStr("CORRELATOR_SQLITE_PATH", "correlator.db")

	store, err := storage.NewSQLiteStore(path)

	return store, nil, err
}

// loadScanConfig reads CORRELATOR_CONFIG_FILE (a YAML or JSON file tuning
// worker pool size, timeouts, and bus capacity) when set, otherwise falls
// back to scan.DefaultConfig.
func loadScanConfig(logger *slog.Logger) scan.Config {
	path := config.GetEnvStr("CORRELATOR_CONFIG_FILE", "")
	if path == "" {
		return scan.DefaultConfig()
	}

	values, err := config.FromFile(path)
	if err != nil {
		logger.Warn("failed to load scan config file, using defaults",
			slog.String("path", path), slog.String("error", err.Error()))

		return scan.DefaultConfig()
	}

	return scan.ConfigFromValues(values)
}

// openKeyStore returns a PostgreSQL-backed key store when conn is set
// (production deployments), otherwise an in-memory one: spec.md's
// single-operator SQLite deployment has no need for a persistent,
// multi-instance key store.
func openKeyStore(conn *storage.Connection) (storage.APIKeyStore, error) {
	if conn == nil {
		return storage.NewInMemoryKeyStore(), nil
	}

	return storage.NewPersistentKeyStore(conn)
}
