package criteria

import (
	"sort"
	"time"
)

// Entity is anything matchable by tag criteria: clusters, commands,
// applications. Usable filters by status (e.g. only UP clusters).
type Entity interface {
	EntityID() string
	EntityName() string
	EntityTags() TagSet
	Usable() bool
	UpdatedTime() time.Time
}

// Sort field names accepted by SortOption. Anything else falls back to the
// default (updated time).
const (
	SortByUpdated = "updated"
	SortByName    = "name"
	SortByID      = "id"
)

// SortOption controls the deterministic tie-break order of a match set.
// The zero value sorts by updated time, most recent first.
type SortOption struct {
	Field     string
	Ascending bool
}

// Match filters candidates down to those that are usable and whose tag set
// is a superset of required. An empty result is a normal outcome, never an
// error. The input order is preserved; use Sort for the tie-break order.
func Match[E Entity](candidates []E, required TagSet) []E {
	var matched []E
	for _, c := range candidates {
		if !c.Usable() {
			continue
		}
		if c.EntityTags().ContainsAll(required) {
			matched = append(matched, c)
		}
	}
	return matched
}

// ResolveOrdered walks the ordered criteria list, most-preferred first, and
// returns the match set of the first criteria that matches anything, together
// with that criteria so callers can record why the set was chosen. When no
// criteria matches, it returns an empty set and ok=false: "no eligible
// placement" is a normal outcome.
func ResolveOrdered[E Entity](ordered []Criteria, candidates []E, opt SortOption) (matched []E, winner Criteria, ok bool) {
	for _, c := range ordered {
		if m := Match(candidates, c.Tags()); len(m) > 0 {
			Sort(m, opt)
			return m, c, true
		}
	}
	return nil, Criteria{}, false
}

// Sort orders a match set deterministically. Unknown sort fields silently
// fall back to updated time descending rather than failing the request.
// Entity ID is the final tie-break so equal keys still order stably.
func Sort[E Entity](entities []E, opt SortOption) {
	less := func(a, b E) bool {
		switch opt.Field {
		case SortByName:
			if a.EntityName() != b.EntityName() {
				if opt.Ascending {
					return a.EntityName() < b.EntityName()
				}
				return a.EntityName() > b.EntityName()
			}
		case SortByID:
			if opt.Ascending {
				return a.EntityID() < b.EntityID()
			}
			return a.EntityID() > b.EntityID()
		default:
			at, bt := a.UpdatedTime(), b.UpdatedTime()
			if !at.Equal(bt) {
				if opt.Ascending {
					return at.Before(bt)
				}
				return at.After(bt)
			}
		}
		return a.EntityID() < b.EntityID()
	}
	sort.SliceStable(entities, func(i, j int) bool { return less(entities[i], entities[j]) })
}
