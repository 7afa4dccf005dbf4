// Package spiderevent defines the domain types every scan module and the
// scan engine exchange: the event record (§3 of the scan specification),
// the plugin contract a module must satisfy (§4.4), and the framework
// handle injected into every module at Setup.
package spiderevent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Entity types are the closed set of event types that act as natural
// anchor points for correlation-rule ancestor walks (entity.* prefixes).
var entityTypes = map[string]struct{}{
	"IP_ADDRESS":        {},
	"IPV6_ADDRESS":      {},
	"NETBLOCK":          {},
	"DOMAIN_NAME":       {},
	"INTERNET_NAME":     {},
	"EMAILADDR":         {},
	"USERNAME":          {},
	"HUMAN_NAME":        {},
	"PHONE_NUMBER":      {},
	"BITCOIN_ADDRESS":   {},
	"ETHEREUM_ADDRESS":  {},
	"ASN":               {},
}

// IsEntityType reports whether t belongs to the closed "entity" set used
// for entity.* correlation-rule resolutions.
func IsEntityType(t string) bool {
	_, ok := entityTypes[t]
	return ok
}

// Default confidence/visibility/risk values a module may leave unset.
const (
	DefaultConfidence = 100
	DefaultVisibility = 100
	DefaultRisk       = 0

	// RootModule is the Module name stamped on the seed event published
	// once per scan; the seed's Type is the target type and its Data the
	// classified target value.
	RootModule = "ROOT"
)

// Event is the fundamental, immutable data element produced by a module.
// Hash is content-addressed: it is a deterministic function of
// (Type, Data, SourceHash), so replaying the same module output against
// the same scan reproduces identical hashes (spec §3 invariant).
type Event struct {
	Hash           string
	Type           string
	Data           string
	Module         string
	Generated      float64
	SourceHash     string // empty for the ROOT event
	Confidence     int
	Visibility     int
	Risk           int
	FalsePositive  bool
}

// Hash computes the content-addressed id for an event. It is the single
// source of truth for event identity: the store, the bus dedup witness,
// and correlation-result ids all derive from it.
func Hash(eventType, data, sourceHash string) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(data))
	h.Write([]byte{0})
	h.Write([]byte(sourceHash))

	return hex.EncodeToString(h.Sum(nil))
}

// New builds an Event with its Hash populated and the default
// confidence/visibility/risk applied.
func New(eventType, data, module, sourceHash string, generated float64) Event {
	return Event{
		Hash:       Hash(eventType, data, sourceHash),
		Type:       eventType,
		Data:       data,
		Module:     module,
		Generated:  generated,
		SourceHash: sourceHash,
		Confidence: DefaultConfidence,
		Visibility: DefaultVisibility,
		Risk:       DefaultRisk,
	}
}

// NewRoot builds the synthetic seed event a scan publishes once, before any
// module runs. It carries the classified target as its payload and has no
// source (the root of the event graph).
func NewRoot(targetType, targetValue string, generated float64) Event {
	return New(targetType, targetValue, RootModule, "", generated)
}

// ErrEmptyEventType is returned by Validate when Type is empty.
var ErrEmptyEventType = errors.New("spiderevent: event type must not be empty")

// Validate checks structural invariants that must hold before an event is
// handed to the bus or the store.
func (e Event) Validate() error {
	if e.Type == "" {
		return ErrEmptyEventType
	}

	want := Hash(e.Type, e.Data, e.SourceHash)
	if e.Hash != want {
		return fmt.Errorf("spiderevent: hash mismatch: got %s want %s", e.Hash, want)
	}

	return nil
}
