// Package module implements the module registry (C3): discovery of the
// static plugin manifest, declared watched/produced event sets, option
// schemas, and use-case expansion. Per spec.md §9 ("dynamic module
// discovery / duck-typed plugins → static plugin interface"), there is no
// runtime directory scan for shared-object plugins; modules register
// themselves via a build-time slice of Descriptor+factory pairs.
package module

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// UseCase is a tag that expands to a set of modules with compatible
// flags (spec.md glossary).
type UseCase string

const (
	UseCasePassive     UseCase = "Passive"
	UseCaseInvestigate UseCase = "Investigate"
	UseCaseFootprint   UseCase = "Footprint"
	UseCaseAll         UseCase = "All"
)

// Flags describes a module's operational characteristics.
type Flags struct {
	Passive     bool
	NeedsAPIKey bool
	Invasive    bool
}

// Meta is the human-facing description of a module.
type Meta struct {
	HumanName string
	Summary   string
	Category  string
	UseCases  []UseCase
}

// Factory builds a fresh Module instance for one scan. Modules carry
// per-scan state (spec.md §4.4), so the registry hands out a constructor,
// not a shared singleton.
type Factory func() spiderevent.Module

// Descriptor is everything the registry and scheduler know about a module
// before instantiating it.
type Descriptor struct {
	Name     string
	Meta     Meta
	OptDescs map[string]string
	Defaults map[string]string
	Flags    Flags
	New      Factory
}

// ErrUnknownModule is returned when a requested module name has no
// registered Descriptor.
var ErrUnknownModule = errors.New("module: unknown module")

// ErrDuplicateModule is returned by Register when Name collides with an
// already-registered descriptor.
var ErrDuplicateModule = errors.New("module: duplicate module name")

// Registry is the read-only-after-init catalog of available modules. It
// is safe for concurrent reads (spec.md §4.3).
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns an empty registry. Call Register for every
// Descriptor before first use, then treat the Registry as immutable.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Register adds d to the registry. It is intended to be called during
// process initialization (see builtin.Register), not concurrently with
// reads.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, d.Name)
	}

	r.descriptors[d.Name] = d

	return nil
}

// ByName returns the descriptor for name.
func (r *Registry) ByName(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}

	return d, nil
}

// All returns every registered descriptor, sorted by name for
// deterministic iteration.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// ByUseCase expands a use-case tag into the sorted list of module names
// whose Flags/Meta.UseCases are compatible with it.
func (r *Registry) ByUseCase(uc UseCase) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string

	for _, d := range r.descriptors {
		if matchesUseCase(d, uc) {
			names = append(names, d.Name)
		}
	}

	sort.Strings(names)

	return names
}

func matchesUseCase(d Descriptor, uc UseCase) bool {
	if uc == UseCaseAll {
		return true
	}

	for _, tag := range d.Meta.UseCases {
		if tag == uc {
			return true
		}
	}

	if uc == UseCasePassive {
		return d.Flags.Passive
	}

	return false
}

// Resolve expands a module selection — a mix of explicit module names and
// use-case tags — into a deduplicated, sorted list of module names. An
// unknown name that is neither a registered module nor a known UseCase
// returns ErrUnknownModule.
func (r *Registry) Resolve(selection []string) ([]string, error) {
	set := make(map[string]struct{})

	for _, sel := range selection {
		if _, err := r.ByName(sel); err == nil {
			set[sel] = struct{}{}
			continue
		}

		switch UseCase(sel) {
		case UseCasePassive, UseCaseInvestigate, UseCaseFootprint, UseCaseAll:
			for _, name := range r.ByUseCase(UseCase(sel)) {
				set[name] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, sel)
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}

	sort.Strings(out)

	return out, nil
}
