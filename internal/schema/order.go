package schema

import (
	"fmt"
	"sort"
)

// Order produces a dependency-consistent dump order: every table appears
// after all tables it references. Reversing the result gives the restore
// order. The sort is iterative; when no remaining table has all of its
// dependencies placed (a reference cycle), the remaining tables are appended
// in lexicographic order and a warning is recorded, so the sort terminates
// on any input. Callers must treat the cyclic tail as best-effort.
func Order(tables []Descriptor) ([]Descriptor, []string) {
	inSet := make(map[string]bool, len(tables))
	for _, d := range tables {
		inSet[d.Qualified()] = true
	}

	placed := make(map[string]bool, len(tables))
	ordered := make([]Descriptor, 0, len(tables))
	remaining := make([]Descriptor, len(tables))
	copy(remaining, tables)

	var warnings []string

	for len(remaining) > 0 {
		var ready, blocked []Descriptor
		for _, d := range remaining {
			ok := true
			for _, ref := range d.References {
				// References outside the working set never block.
				if inSet[ref] && !placed[ref] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, d)
			} else {
				blocked = append(blocked, d)
			}
		}

		if len(ready) == 0 {
			// Cycle: fall back to a deterministic lexicographic tail.
			sort.Slice(blocked, func(i, j int) bool {
				return blocked[i].Qualified() < blocked[j].Qualified()
			})
			names := make([]string, 0, len(blocked))
			for _, d := range blocked {
				names = append(names, d.Qualified())
				ordered = append(ordered, d)
			}
			warnings = append(warnings, fmt.Sprintf(
				"reference cycle detected, appended %d tables in lexicographic order: %v", len(blocked), names))
			break
		}

		sort.Slice(ready, func(i, j int) bool {
			return ready[i].Qualified() < ready[j].Qualified()
		})
		for _, d := range ready {
			placed[d.Qualified()] = true
			ordered = append(ordered, d)
		}
		remaining = blocked
	}

	return ordered, warnings
}

// Reverse returns a reversed copy, the restore order for a dump order.
func Reverse(tables []Descriptor) []Descriptor {
	out := make([]Descriptor, len(tables))
	for i, d := range tables {
		out[len(tables)-1-i] = d
	}
	return out
}

// Names maps descriptors to their qualified names, preserving order.
func Names(tables []Descriptor) []string {
	names := make([]string, len(tables))
	for i, d := range tables {
		names[i] = d.Qualified()
	}
	return names
}
