// Command scanctl is the CLI front-end for running a single scan against
// the embedded SQLite backend and printing its results: `sf -s TARGET -t
// TYPE -m MOD1,MOD2 [-o {csv,json}] [--version]` (spec.md §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/correlator-io/correlator/internal/config"
	"github.com/correlator-io/correlator/internal/correlation"
	"github.com/correlator-io/correlator/internal/module"
	"github.com/correlator-io/correlator/internal/module/builtin"
	"github.com/correlator-io/correlator/internal/query"
	"github.com/correlator-io/correlator/internal/scan"
	"github.com/correlator-io/correlator/internal/storage"
	"github.com/correlator-io/correlator/internal/target"
)

const (
	version = "1.0.0-dev"
	name    = "scanctl"

	exitOK             = 0
	exitGeneric        = 1
	exitBadArgs        = 2
	exitUnresolvable   = 3
	pollInterval       = 250 * time.Millisecond
	defaultPollTimeout = 5 * time.Minute
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	targetFlag := fs.String("s", "", "scan target (required)")
	typeFlag := fs.String("t", "", "target type hint (informational; the target is always reclassified)")
	modulesFlag := fs.String("m", "", "comma-separated module names (default: all)")
	outputFlag := fs.String("o", "json", "output format: csv or json")
	versionFlag := fs.Bool("version", false, "show version information")

	if err := fs.Parse(args); err != nil {
		return exitBadArgs
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "%s v%s\n", name, version)

		return exitOK
	}

	if *targetFlag == "" {
		fmt.Fprintln(stderr, "scanctl: -s TARGET is required")

		return exitBadArgs
	}

	var format query.Format

	switch *outputFlag {
	case "csv":
		format = query.FormatCSV
	case "json", "":
		format = query.FormatJSON
	default:
		fmt.Fprintf(stderr, "scanctl: unsupported output format %q\n", *outputFlag)

		return exitBadArgs
	}

	if _, _, err := target.Classify(*targetFlag); err != nil {
		fmt.Fprintf(stderr, "scanctl: %v\n", err)

		return exitUnresolvable
	}

	_ = typeFlag // informational only: the scheduler reclassifies the target itself

	if err := runScan(*targetFlag, *modulesFlag, format, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "scanctl: %v\n", err)

		return exitGeneric
	}

	return exitOK
}

func runScan(targetStr, modulesCSV string, format query.Format, stdout, stderr *os.File) error {
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dbPath := config.GetEnvStr("CORRELATOR_SQLITE_PATH", "scanctl.db")

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close() //nolint:errcheck

	registry := module.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return fmt.Errorf("register modules: %w", err)
	}

	rulesDir := config.GetEnvStr("CORRELATOR_RULES_DIR", "correlations")

	rules, loadErrs := correlation.LoadRules(rulesDir)
	for _, loadErr := range loadErrs {
		logger.Warn("correlation rule failed to load", slog.String("error", loadErr.Error()))
	}

	engine := correlation.NewEngine(rules, logger)
	sched := scan.New(store, registry, engine, loadScanConfig(logger))
	q := query.New(store)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPollTimeout)
	defer cancel()

	selection := config.ParseCommaSeparatedList(modulesCSV)
	if len(selection) == 0 {
		selection = []string{string(module.UseCaseAll)}
	}

	scanID, err := sched.StartScan(ctx, scan.StartScanRequest{
		Target:          targetStr,
		ModuleSelection: selection,
	})
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}

	if err := waitForTerminal(ctx, sched, scanID); err != nil {
		return err
	}

	if err := q.ExportEvents(ctx, scanID, format, stdout); err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	return nil
}

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

func waitForTerminal(ctx context.Context, sched *scan.Scheduler, scanID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("scan %s: %w", scanID, ctx.Err())
		case <-ticker.C:
			snap, err := sched.GetStatus(ctx, scanID)
			if err != nil {
				return fmt.Errorf("scan %s: %w", scanID, err)
			}

			switch snap.Status {
			case storage.StatusFinished, storage.StatusAborted, storage.StatusErrorFailed:
				if snap.Status == storage.StatusErrorFailed {
					return fmt.Errorf("scan %s: %w", scanID, errScanFailed)
				}

				return nil
			}
		}
	}
}

var errScanFailed = errors.New("finished with status ERROR-FAILED")
