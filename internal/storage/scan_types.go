package storage

import (
	"context"
	"errors"
	"time"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// Status is a scan's lifecycle state (spec.md §4.6).
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusStarting       Status = "STARTING"
	StatusRunning        Status = "RUNNING"
	StatusAbortRequested Status = "ABORT-REQUESTED"
	StatusAborted        Status = "ABORTED"
	StatusFinished       Status = "FINISHED"
	StatusErrorFailed    Status = "ERROR-FAILED"
)

// ModuleStatus is a per-(scan,module) lifecycle state.
type ModuleStatus string

const (
	ModulePending  ModuleStatus = "pending"
	ModuleRunning  ModuleStatus = "running"
	ModuleFinished ModuleStatus = "finished"
	ModuleErrored  ModuleStatus = "errored"
	ModuleSkipped  ModuleStatus = "skipped"
)

// LogLevel mirrors spec.md §3's closed LogEntry level set.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// Scan is the durable record of one scan instance (spec.md §3 "Scan").
type Scan struct {
	ID         string
	Name       string
	TargetType string
	TargetData string
	Created    time.Time
	Started    *time.Time
	Ended      *time.Time
	Status     Status
	Modules    []string
	Options    map[string]string
}

// ModuleState is the durable per-(scan,module) row (spec.md §3
// "ModuleState").
type ModuleState struct {
	ScanID         string
	Module         string
	Status         ModuleStatus
	EventsProduced int
	Started        *time.Time
	Ended          *time.Time
}

// LogEntry is one append-only scan log row (spec.md §3 "LogEntry").
type LogEntry struct {
	ScanID    string
	Generated time.Time
	Component string
	Level     LogLevel
	Message   string
}

// CorrelationResult is one correlation-rule finding (spec.md §3
// "CorrelationResult").
type CorrelationResult struct {
	ID          string
	ScanID      string
	RuleID      string
	RuleName    string
	RuleDescr   string
	RuleRisk    string
	Title       string
	EventHashes []string
}

// EventFilter narrows a read over scan_event (spec.md §4.8 Events).
type EventFilter struct {
	Type   string
	Module string
	Risk   *int
	Since  *time.Time
	Limit  int
	Offset int
}

// TypeSummary is one row of Summary's per-type totals (spec.md §4.8).
type TypeSummary struct {
	Key          string
	Description  string
	Total        int
	UniqueTotal  int
}

// UniqueValue is one row of EventsUnique (spec.md §4.8).
type UniqueValue struct {
	Data  string
	Count int
}

// Sentinel errors shared by every Store implementation.
var (
	// ErrScanNotFound is returned when a scan id has no matching row.
	ErrScanNotFound = errors.New("storage: scan not found")
	// ErrEventSourceMissing is returned when InsertEvent is given a
	// non-empty SourceHash that does not exist in the same scan (spec.md
	// §3 invariant: "for every event with a non-null source_hash, that
	// source exists").
	ErrEventSourceMissing = errors.New("storage: event source_hash does not reference an existing event in this scan")
	// ErrScanRunning is returned by DeleteScan when the scan is not in a
	// terminal state.
	ErrScanRunning = errors.New("storage: cannot delete a running scan")
)

// Store is the backend-agnostic persistence interface every component in
// C1 is built against. Two implementations satisfy it: PostgresStore
// (networked relational backend) and SQLiteStore (embedded single-file
// backend) — spec.md §4.1's "two supported backends".
type Store interface {
	// CreateScan atomically writes the scan row and its frozen option
	// snapshot.
	CreateScan(ctx context.Context, scan Scan) error

	// InsertEvent is idempotent on (scan_id, hash); it reports whether a
	// new row was inserted.
	InsertEvent(ctx context.Context, scanID string, e spiderevent.Event) (inserted bool, err error)

	// UpdateModuleState upserts a per-(scan,module) state row.
	UpdateModuleState(ctx context.Context, state ModuleState) error

	// AppendLog appends one scan_log row.
	AppendLog(ctx context.Context, entry LogEntry) error

	// SetScanStatus transitions a scan's stored status.
	SetScanStatus(ctx context.Context, scanID string, status Status, ended *time.Time) error

	// SetFalsePositive flips the false_positive flag for the given event
	// hashes.
	SetFalsePositive(ctx context.Context, scanID string, hashes []string, fp bool) error

	// WriteCorrelation persists one correlation result and its event
	// links in a single transaction.
	WriteCorrelation(ctx context.Context, result CorrelationResult) error

	// GetScan returns one scan's row.
	GetScan(ctx context.Context, scanID string) (Scan, error)

	// ListScans returns every scan row, most recently created first.
	ListScans(ctx context.Context) ([]Scan, error)

	// ListModuleStates returns every module-state row for a scan.
	ListModuleStates(ctx context.Context, scanID string) ([]ModuleState, error)

	// Events returns a page of scan_event rows matching filter.
	Events(ctx context.Context, scanID string, filter EventFilter) ([]spiderevent.Event, error)

	// EventByHash returns one event by hash, used by the correlation
	// engine's source.*/child.*/entity.* resolution.
	EventByHash(ctx context.Context, scanID, hash string) (spiderevent.Event, error)

	// EventsByType returns every event of one type for a scan — the
	// primary read the correlation engine's collect phase uses.
	EventsByType(ctx context.Context, scanID, eventType string) ([]spiderevent.Event, error)

	// ChildrenOf returns every event whose SourceHash equals hash.
	ChildrenOf(ctx context.Context, scanID, hash string) ([]spiderevent.Event, error)

	// Summary aggregates per-type totals/uniques for a scan.
	Summary(ctx context.Context, scanID string) ([]TypeSummary, error)

	// EventsUnique returns distinct data values and counts for one type.
	EventsUnique(ctx context.Context, scanID, eventType string) ([]UniqueValue, error)

	// Logs returns a page of scan_log rows, optionally filtered by level.
	Logs(ctx context.Context, scanID string, level LogLevel, limit int) ([]LogEntry, error)

	// Correlations returns every correlation result for a scan.
	Correlations(ctx context.Context, scanID string) ([]CorrelationResult, error)

	// DeleteScan removes every row belonging to a non-running scan.
	DeleteScan(ctx context.Context, scanID string) error

	// Close releases any resources the backend holds.
	Close() error
}
