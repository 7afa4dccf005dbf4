// Package eventbus implements the in-process typed pub/sub router (C5)
// that moves events from publishing modules to every interested
// subscriber within one scan. It is grounded on flowgraph's
// pkg/flowgraph/event.LocalBus shape (subscription maps guarded by a
// RWMutex, a buffered delivery channel per subscriber) adapted to
// spec.md §4.5: routing keyed on event-type strings with "*" wildcard
// support, per-(module,hash) dedup instead of bus-wide TTL dedup, and a
// ticket-based backpressure/quiescence model instead of flowgraph's
// simple buffered-channel-drop model.
package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// ErrClosed is returned by Publish once the bus has been closed.
var ErrClosed = errors.New("eventbus: bus is closed")

// Delivery is one (module, event) pair handed to the scheduler's
// dispatcher for execution.
type Delivery struct {
	Module spiderevent.Module
	Event  spiderevent.Event
}

// Config controls bus capacity and quiescence detection.
type Config struct {
	// HighWaterMark bounds in-flight+queued deliveries. Publish blocks
	// once this is reached (spec §4.5 backpressure).
	HighWaterMark int

	// QuiescenceGrace is how long the in-flight+queued counter must hold
	// at zero, with no module mid-HandleEvent, before Quiescent() fires.
	QuiescenceGrace time.Duration

	// Logger receives schema-warning and routing diagnostics.
	Logger *slog.Logger
}

// DefaultHighWaterMark is a fixed bound, independent of the scheduler's
// worker pool size: enough queued work to keep workers busy without
// unbounded memory growth.
const DefaultHighWaterMark = 1000

// DefaultQuiescenceGrace is the window spec.md §4.5 calls "a configurable
// grace window".
const DefaultQuiescenceGrace = 750 * time.Millisecond

// Bus is the per-scan typed event router.
type Bus struct {
	cfg Config

	mu      sync.RWMutex
	modules []spiderevent.Module

	// seen guards at-most-once delivery per (module name, event hash),
	// mirroring the scan_event_seen store witness in-process.
	seen sync.Map // key: moduleName+"\x00"+hash -> struct{}

	tickets chan struct{} // backpressure: one ticket per in-flight+queued slot

	deliveries chan Delivery

	inFlight atomic.Int64

	closed   atomic.Bool
	closeCh  chan struct{}
	closeOnce sync.Once
}

// New constructs a Bus. A zero Config falls back to the package defaults.
func New(cfg Config) *Bus {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}

	if cfg.QuiescenceGrace <= 0 {
		cfg.QuiescenceGrace = DefaultQuiescenceGrace
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bus{
		cfg:        cfg,
		tickets:    make(chan struct{}, cfg.HighWaterMark),
		deliveries: make(chan Delivery, cfg.HighWaterMark),
		closeCh:    make(chan struct{}),
	}
}

// Register adds a module as a routing target. Registration happens once,
// before the seed event is published; the bus does not support dynamic
// subscription changes mid-scan.
func (b *Bus) Register(m spiderevent.Module) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.modules = append(b.modules, m)
}

// Deliveries exposes the channel the scheduler's dispatcher reads from.
func (b *Bus) Deliveries() <-chan Delivery {
	return b.deliveries
}

// QueueDepth reports the current in-flight+queued count, for telemetry
// (spec §4.5: "the scheduler exposes the queue depth for telemetry").
func (b *Bus) QueueDepth() int64 {
	return b.inFlight.Load()
}

// Publish routes evt to every registered module M such that
// WatchedEvents(M) contains evt.Type or "*", M != evt.Module (no
// self-feedback), and (M, evt.Hash) has not already been delivered. It
// blocks when the high-water mark is reached, releasing the calling
// goroutine only once Release is called for an earlier delivery.
func (b *Bus) Publish(ctx context.Context, evt spiderevent.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	targets := make([]spiderevent.Module, 0, len(b.modules))

	for _, m := range b.modules {
		if m.Name() == evt.Module {
			continue
		}

		if !watches(m, evt.Type) {
			continue
		}

		key := dedupKey(m.Name(), evt.Hash)
		if _, dup := b.seen.LoadOrStore(key, struct{}{}); dup {
			continue
		}

		targets = append(targets, m)
	}
	b.mu.RUnlock()

	for _, m := range targets {
		select {
		case b.tickets <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrClosed
		}

		b.inFlight.Add(1)

		select {
		case b.deliveries <- Delivery{Module: m, Event: evt}:
		case <-ctx.Done():
			b.release()
			return ctx.Err()
		case <-b.closeCh:
			b.release()
			return ErrClosed
		}
	}

	return nil
}

// release returns one ticket and decrements the in-flight counter. Called
// by the scheduler's dispatcher once a delivered event's HandleEvent call
// returns, and internally when Publish aborts a send.
func (b *Bus) release() {
	b.inFlight.Add(-1)

	select {
	case <-b.tickets:
	default:
	}
}

// Release must be called by the scheduler exactly once per Delivery
// received from Deliveries(), after HandleEvent returns.
func (b *Bus) Release() {
	b.release()
}

// Quiescent blocks until the in-flight+queued counter has held at zero for
// the configured grace window, or the context is cancelled. It returns
// true on quiescence, false on cancellation.
func (b *Bus) Quiescent(ctx context.Context) bool {
	ticker := time.NewTicker(b.cfg.QuiescenceGrace / 3)
	defer ticker.Stop()

	var zeroSince time.Time

	for {
		select {
		case <-ctx.Done():
			return false
		case <-b.closeCh:
			return true
		case <-ticker.C:
			if b.inFlight.Load() == 0 {
				if zeroSince.IsZero() {
					zeroSince = time.Now()
				}

				if time.Since(zeroSince) >= b.cfg.QuiescenceGrace {
					return true
				}
			} else {
				zeroSince = time.Time{}
			}
		}
	}
}

// Close stops the bus and unblocks any goroutines waiting on Publish.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.closeCh)
	})

	return nil
}

func watches(m spiderevent.Module, eventType string) bool {
	for _, t := range m.WatchedEvents() {
		if t == "*" || t == eventType {
			return true
		}
	}

	return false
}

func dedupKey(moduleName, hash string) string {
	return moduleName + "\x00" + hash
}

// WarnUndeclaredType logs a schema warning when a module publishes an
// event type absent from its own ProducedEvents(). Publishing it is still
// allowed (spec §4.4).
func (b *Bus) WarnUndeclaredType(m spiderevent.Module, eventType string) {
	for _, t := range m.ProducedEvents() {
		if t == eventType {
			return
		}
	}

	b.cfg.Logger.Warn("module published undeclared event type",
		slog.String("module", m.Name()),
		slog.String("event_type", eventType),
	)
}
