package correlation

import (
	"context"
	"regexp"
	"strings"

	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

// resolver resolves source./child./entity. references against the event
// graph. Event-by-hash lookups (source., entity.) are memoized for the
// lifetime of one rule evaluation; child. lookups query the store on
// every call.
type resolver struct {
	ctx    context.Context
	store  storage.Store
	scanID string
	byHash map[string]spiderevent.Event
}

func newResolver(ctx context.Context, store storage.Store, scanID string) *resolver {
	return &resolver{ctx: ctx, store: store, scanID: scanID, byHash: make(map[string]spiderevent.Event)}
}

func (r *resolver) event(hash string) (spiderevent.Event, error) {
	if e, ok := r.byHash[hash]; ok {
		return e, nil
	}

	e, err := r.store.EventByHash(r.ctx, r.scanID, hash)
	if err != nil {
		return spiderevent.Event{}, err
	}

	r.byHash[hash] = e

	return e, nil
}

func (r *resolver) source(e spiderevent.Event) (spiderevent.Event, bool, error) {
	if e.SourceHash == "" {
		return spiderevent.Event{}, false, nil
	}

	src, err := r.event(e.SourceHash)
	if err != nil {
		return spiderevent.Event{}, false, err
	}

	return src, true, nil
}

func (r *resolver) children(e spiderevent.Event) ([]spiderevent.Event, error) {
	return r.store.ChildrenOf(r.ctx, r.scanID, e.Hash)
}

func (r *resolver) entity(e spiderevent.Event) (spiderevent.Event, bool, error) {
	cur := e
	for {
		if spiderevent.IsEntityType(cur.Type) {
			return cur, true, nil
		}

		if cur.SourceHash == "" {
			return spiderevent.Event{}, false, nil
		}

		next, err := r.event(cur.SourceHash)
		if err != nil {
			return spiderevent.Event{}, false, err
		}

		cur = next
	}
}

// rawField reads one of the four plain fields a method/aggregation may
// reference directly on an event.
func rawField(e spiderevent.Event, field string) string {
	switch field {
	case "type":
		return e.Type
	case "module":
		return e.Module
	case "data":
		return e.Data
	case "hash":
		return e.Hash
	default:
		return ""
	}
}

// fieldValue resolves field against e, following a source./entity. prefix
// through the event graph. child. is handled separately in matchMethod
// since it fans out to potentially many candidate events.
func fieldValue(res *resolver, e spiderevent.Event, field string) (string, bool, error) {
	switch {
	case strings.HasPrefix(field, "source."):
		src, ok, err := res.source(e)
		if err != nil || !ok {
			return "", false, err
		}

		return rawField(src, strings.TrimPrefix(field, "source.")), true, nil
	case strings.HasPrefix(field, "entity."):
		ent, ok, err := res.entity(e)
		if err != nil || !ok {
			return "", false, err
		}

		return rawField(ent, strings.TrimPrefix(field, "entity.")), true, nil
	default:
		return rawField(e, field), true, nil
	}
}

// matchMethod evaluates one collect-block method against e.
func matchMethod(res *resolver, e spiderevent.Event, m Method) (bool, error) {
	methodName := m.Method

	negate := false
	if rest, ok := strings.CutPrefix(methodName, "not "); ok {
		negate = true
		methodName = rest
	}

	var (
		matched bool
		err     error
	)

	switch {
	case strings.HasPrefix(m.Field, "child."):
		rest := strings.TrimPrefix(m.Field, "child.")

		var children []spiderevent.Event

		children, err = res.children(e)
		if err == nil {
			for _, c := range children {
				if compare(methodName, rawField(c, rest), m.Value) {
					matched = true
					break
				}
			}
		}
	default:
		var (
			val string
			ok  bool
		)

		val, ok, err = fieldValue(res, e, m.Field)
		if err == nil && ok {
			matched = compare(methodName, val, m.Value)
		}
	}

	if err != nil {
		return false, err
	}

	if negate {
		matched = !matched
	}

	return matched, nil
}

func compare(method, actual, want string) bool {
	switch method {
	case "regex":
		re, err := regexp.Compile(want)
		if err != nil {
			return false
		}

		return re.MatchString(actual)
	default: // "exact"
		return actual == want
	}
}
