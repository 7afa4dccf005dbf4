// Package scan implements the scan lifecycle controller (C6): it resolves
// a target, loads the selected modules under the plugin contract, wires
// them into a per-scan event bus, drives the worker pool, detects
// quiescence, and runs the terminal state machine spec.md §4.6 describes.
// The scheduler never imports an HTTP package (spec.md §9); external
// adapters consume only the operations below.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/correlator/internal/config"
	"github.com/correlator-io/correlator/internal/correlation"
	"github.com/correlator-io/correlator/internal/eventbus"
	"github.com/correlator-io/correlator/internal/module"
	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
	"github.com/correlator-io/correlator/internal/target"
)

// Config tunes the scheduler's concurrency and timing limits.
type Config struct {
	// ModuleTimeout bounds a single HandleEvent call (spec.md §4.6).
	ModuleTimeout time.Duration

	// AbortTimeout bounds how long StopScan waits for in-flight
	// HandleEvent calls to return before forcing ABORTED.
	AbortTimeout time.Duration

	// ModuleErrorThreshold is how many HandleEvent failures a module may
	// accumulate before it is excluded from the bus (terminal state
	// `errored`).
	ModuleErrorThreshold int

	// WorkerPoolSize bounds concurrent HandleEvent calls across all
	// modules of one scan.
	WorkerPoolSize int

	// Bus configures the per-scan event bus (high-water mark, quiescence
	// grace window).
	Bus eventbus.Config

	Logger *slog.Logger
}

// DefaultConfig returns sane defaults for a scheduler running builtin
// modules against live network targets.
func DefaultConfig() Config {
	return Config{
		ModuleTimeout:        30 * time.Second,
		AbortTimeout:         10 * time.Second,
		ModuleErrorThreshold: 3,
		WorkerPoolSize:       runtime.NumCPU() * 2,
	}
}

// ConfigFromValues overlays the keys present in v onto DefaultConfig,
// letting the scheduler's tuning live in an operator-supplied YAML/JSON
// file (config.FromFile) instead of only environment variables.
func ConfigFromValues(v config.Values) Config {
	cfg := DefaultConfig()

	cfg.ModuleTimeout = v.Duration("module_timeout", cfg.ModuleTimeout)
	cfg.AbortTimeout = v.Duration("abort_timeout", cfg.AbortTimeout)
	cfg.ModuleErrorThreshold = v.Int("module_error_threshold", cfg.ModuleErrorThreshold)
	cfg.WorkerPoolSize = v.Int("worker_pool_size", cfg.WorkerPoolSize)
	cfg.Bus.HighWaterMark = v.Int("bus_high_water_mark", cfg.Bus.HighWaterMark)
	cfg.Bus.QuiescenceGrace = v.Duration("bus_quiescence_grace", cfg.Bus.QuiescenceGrace)

	return cfg
}

// Sentinel errors returned by the public operations.
var (
	ErrScanNotFound = errors.New("scan: scan not found")
	ErrScanTerminal = errors.New("scan: scan already in a terminal state")
)

// StartScanRequest is StartScan's input.
type StartScanRequest struct {
	Name           string
	Target         string
	ModuleSelection []string
	Options        map[string]string
}

// Scheduler is the lifecycle controller for every scan the process runs.
type Scheduler struct {
	store    storage.Store
	registry *module.Registry
	corr     *correlation.Engine
	cfg      Config
	logger   *slog.Logger

	mu    sync.Mutex
	scans map[string]*runningScan
}

// New builds a Scheduler. corr may be nil; a scheduler with no correlation
// engine simply skips the post-scan correlation run.
func New(store storage.Store, registry *module.Registry, corr *correlation.Engine, cfg Config) *Scheduler {
	if cfg.ModuleTimeout <= 0 {
		cfg.ModuleTimeout = DefaultConfig().ModuleTimeout
	}

	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = DefaultConfig().AbortTimeout
	}

	if cfg.ModuleErrorThreshold <= 0 {
		cfg.ModuleErrorThreshold = DefaultConfig().ModuleErrorThreshold
	}

	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	return &Scheduler{
		store:    store,
		registry: registry,
		corr:     corr,
		cfg:      cfg,
		logger:   cfg.Logger,
		scans:    make(map[string]*runningScan),
	}
}

// StartScan classifies the target, resolves the module selection, creates
// the scan's durable record, and launches it. It returns once the scan has
// reached RUNNING and its seed event has been handed to the bus; a failure
// to store the seed moves the scan to ERROR-FAILED in the background. The
// scan itself continues to completion in the background.
func (s *Scheduler) StartScan(ctx context.Context, req StartScanRequest) (string, error) {
	typ, normalized, err := target.Classify(req.Target)
	if err != nil {
		return "", fmt.Errorf("scan: invalid target: %w", err)
	}

	names, err := s.registry.Resolve(req.ModuleSelection)
	if err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}

	scanID := newScanID()

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s scan of %s", typ, normalized)
	}

	scanRow := storage.Scan{
		ID:         scanID,
		Name:       name,
		TargetType: string(typ),
		TargetData: normalized,
		Created:    time.Now(),
		Status:     storage.StatusCreated,
		Modules:    names,
		Options:    req.Options,
	}

	if err := s.store.CreateScan(ctx, scanRow); err != nil {
		return "", fmt.Errorf("scan: create: %w", err)
	}

	rs := newRunningScan(scanID, s.cfg.Bus)

	s.mu.Lock()
	s.scans[scanID] = rs
	s.mu.Unlock()

	if err := s.store.SetScanStatus(ctx, scanID, storage.StatusStarting, nil); err != nil {
		return "", fmt.Errorf("scan: starting: %w", err)
	}

	rs.setStatus(storage.StatusStarting)

	s.setupModules(rs, names, req.Options)

	if err := s.store.SetScanStatus(ctx, scanID, storage.StatusRunning, nil); err != nil {
		return "", fmt.Errorf("scan: running: %w", err)
	}

	rs.setStatus(storage.StatusRunning)

	go s.dispatch(rs)
	go s.supervise(rs)

	seed := spiderevent.NewRoot(string(typ), normalized, nowSeconds())
	if _, err := s.store.InsertEvent(rs.ctx, scanID, seed); err != nil {
		s.handleStoreError(rs, err)
		return scanID, nil
	}

	if err := rs.bus.Publish(rs.ctx, seed); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		s.logger.Warn("seed publish failed", slog.String("scan_id", scanID), slog.String("error", err.Error()))
	}

	return scanID, nil
}

func (s *Scheduler) setupModules(rs *runningScan, names []string, opts map[string]string) {
	for _, name := range names {
		desc, err := s.registry.ByName(name)
		if err != nil {
			continue
		}

		instance := desc.New()
		mr := newModuleRuntime(instance)

		fw := &moduleFramework{sched: s, rs: rs, modName: name, opts: mergeOptions(desc.Defaults, opts)}

		if err := instance.Setup(fw, fw.opts); err != nil {
			setupErr := spiderevent.NewSetupError(name, err)
			s.logger.Warn("module setup failed, excluding from scan",
				slog.String("scan_id", rs.id), slog.String("module", name), slog.String("error", setupErr.Error()))

			mr.status = storage.ModuleErrored
			_ = s.store.UpdateModuleState(context.Background(), storage.ModuleState{
				ScanID: rs.id, Module: name, Status: storage.ModuleErrored,
			})
			_ = s.store.AppendLog(context.Background(), storage.LogEntry{
				ScanID: rs.id, Generated: time.Now(), Component: name, Level: storage.LogError, Message: setupErr.Error(),
			})

			continue
		}

		now := time.Now()
		mr.status = storage.ModuleRunning
		rs.addModule(name, mr)
		rs.bus.Register(instance)

		_ = s.store.UpdateModuleState(context.Background(), storage.ModuleState{
			ScanID: rs.id, Module: name, Status: storage.ModuleRunning, Started: &now,
		})
	}
}

func mergeOptions(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}

	for k, v := range overrides {
		out[k] = v
	}

	return out
}

// StopScan requests cooperative cancellation and blocks until the scan
// reaches ABORTED (or ctx is cancelled first).
func (s *Scheduler) StopScan(ctx context.Context, scanID string) error {
	rs, err := s.runningScan(scanID)
	if err != nil {
		return err
	}

	if isTerminal(rs.getStatus()) {
		return fmt.Errorf("%w: %s", ErrScanTerminal, scanID)
	}

	if err := s.store.SetScanStatus(ctx, scanID, storage.StatusAbortRequested, nil); err != nil {
		return fmt.Errorf("scan: abort-requested: %w", err)
	}

	rs.setStatus(storage.StatusAbortRequested)
	rs.cancel()

	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteScan removes every row belonging to a non-running scan.
func (s *Scheduler) DeleteScan(ctx context.Context, scanID string) error {
	return s.store.DeleteScan(ctx, scanID)
}

// GetStatus returns a progress snapshot for scanID.
func (s *Scheduler) GetStatus(ctx context.Context, scanID string) (Snapshot, error) {
	scanRow, err := s.store.GetScan(ctx, scanID)
	if err != nil {
		return Snapshot{}, err
	}

	states, err := s.store.ListModuleStates(ctx, scanID)
	if err != nil {
		return Snapshot{}, err
	}

	return snapshotFrom(scanRow, states), nil
}

// StreamProgress returns a channel of snapshots taken every interval,
// closed once the scan reaches a terminal state or ctx is cancelled.
func (s *Scheduler) StreamProgress(ctx context.Context, scanID string, interval time.Duration) (<-chan Snapshot, error) {
	if _, err := s.store.GetScan(ctx, scanID); err != nil {
		return nil, err
	}

	out := make(chan Snapshot)

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			snap, err := s.GetStatus(ctx, scanID)
			if err != nil {
				return
			}

			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}

			if isTerminal(snap.Status) {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SetFalsePositive persists the false_positive flag for the given event
// hashes.
func (s *Scheduler) SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error {
	return s.store.SetFalsePositive(ctx, scanID, hashes, fp)
}

func (s *Scheduler) runningScan(scanID string) (*runningScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, scanID)
	}

	return rs, nil
}

func isTerminal(status storage.Status) bool {
	switch status {
	case storage.StatusFinished, storage.StatusAborted, storage.StatusErrorFailed:
		return true
	default:
		return false
	}
}

// newScanID mints a 16-hex-char scan id, truncated from a fresh UUIDv4
// (spec.md §3 "identified by a 16-hex-char scan_id").
func newScanID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:16]
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
