package spiderevent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Framework is the small handle injected into every module at Setup. It is
// the only way a module reaches the scan engine: no global state, no
// back-reference to the scheduler (spec §9, "module instances carrying
// framework back-references" redesign note).
type Framework interface {
	// NotifyListeners publishes an event discovered by the calling module.
	// The framework stamps Module/Generated/Hash if the caller left them
	// zero-valued; the caller is expected to set SourceHash to the event
	// that led to this discovery.
	NotifyListeners(ctx context.Context, e Event) error

	// GetOption returns a module-scoped configuration value set for this
	// scan, frozen at StartScan.
	GetOption(name string) (string, bool)

	// IsCancelled reports whether the scan-wide cancellation token has
	// fired; there is no per-module token. Modules should check this
	// around blocking calls.
	IsCancelled() bool

	// Log writes a structured scan log entry attributed to the calling
	// module.
	Log(level slog.Level, msg string, args ...any)
}

// Module is the static plugin contract every data-gathering or enrichment
// component must satisfy. WatchedEvents/ProducedEvents must not change once
// the module is registered: the event bus queries them on every Publish.
type Module interface {
	// Name is the module's stable identifier, e.g. "sfp_dnsresolve".
	Name() string

	// Setup is called once per scan, before any event delivery. A
	// returned error is wrapped in SetupError by the caller and excludes
	// the module from the bus without aborting the scan.
	Setup(fw Framework, opts map[string]string) error

	// WatchedEvents lists the event types this module consumes. "*" means
	// "all types".
	WatchedEvents() []string

	// ProducedEvents lists the event types this module may publish.
	// Publishing an undeclared type is allowed but logged as a schema
	// warning by the event bus.
	ProducedEvents() []string

	// HandleEvent is invoked at most once per (event hash, module) pair.
	// Implementations must be prompt about honoring ctx cancellation.
	HandleEvent(ctx context.Context, e Event) error

	// ThreadSafe reports whether the scheduler may call HandleEvent
	// concurrently for this module. false forces per-module
	// serialization.
	ThreadSafe() bool
}

// SetupError wraps a module-setup failure with the module's name so the
// scheduler can distinguish "module excluded" from other fatal errors via
// errors.As, without the module leaking sentinel errors of its own.
type SetupError struct {
	Module string
	Cause  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("spiderevent: module %q setup failed: %v", e.Module, e.Cause)
}

func (e *SetupError) Unwrap() error { return e.Cause }

// NewSetupError builds a SetupError for the named module.
func NewSetupError(module string, cause error) error {
	return &SetupError{Module: module, Cause: cause}
}

// ErrUndeclaredType is logged (not returned) when a module publishes an
// event type absent from its own ProducedEvents — kept here so callers
// share one sentinel for log matching in tests.
var ErrUndeclaredType = errors.New("spiderevent: event type not declared in producedEvents")
