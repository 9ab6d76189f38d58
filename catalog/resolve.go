// Package catalog matches user-supplied selectors against the resources a platform reports.
package catalog

type criterion func(Entry, Selector) bool

// Criteria are tried in order, each one over the whole collection. A record only ever matches
// by name; a resource matches by id, then by name, then by pattern.
var criteria = []criterion{
	func(e Entry, s Selector) bool {
		switch e := e.(type) {
		case Record:
			return s.equals(e.Name())
		case Resource:
			return s.equals(e.ID)
		}
		return false
	},
	func(e Entry, s Selector) bool {
		r, ok := e.(Resource)
		return ok && s.equals(r.Name)
	},
	func(e Entry, s Selector) bool {
		r, ok := e.(Resource)
		return ok && s.matches(r.Name)
	},
}

// Resolve returns the entry of the collection designated by the selector. The second return
// value is false when nothing matches.
func Resolve[E Entry](entries []E, selector Selector) (E, bool) {
	for _, matches := range criteria {
		for _, entry := range entries {
			if matches(entry, selector) {
				return entry, true
			}
		}
	}

	var zero E
	return zero, false
}
