package capability

import (
	"errors"
	"fmt"
)

// ErrPrerequisiteCycle is returned when prerequisites form a cycle.
var ErrPrerequisiteCycle = errors.New("capability prerequisites form a cycle")

// =============================================================================
// Prerequisite Ordering
// =============================================================================

// Closure returns names plus all of their transitive prerequisites.
func Closure(names []string) (map[string]bool, error) {
	set := make(map[string]bool)
	var visit func(string) error
	visit = func(name string) error {
		if set[name] {
			return nil
		}
		i, ok := catalogIndex[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
		}
		set[name] = true
		for _, p := range catalog[i].Prerequisites {
			if err := visit(p); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// ResolveOrder returns names and their transitive prerequisites sorted so
// every capability comes after its prerequisites. It is Kahn's algorithm
// with the ready set drained in catalog order, so the result depends only
// on the input set, never on map iteration.
//
// Example:
//
//	ResolveOrder([]string{"compliance-checks"})
//	// [basic-validation comprehensive-validation audit-logging compliance-checks]
func ResolveOrder(names []string) ([]string, error) {
	set, err := Closure(names)
	if err != nil {
		return nil, err
	}
	return topoSort(set)
}

func topoSort(set map[string]bool) ([]string, error) {
	inDegree := make(map[string]int, len(set))
	dependents := make(map[string][]string)
	for name := range set {
		for _, p := range catalog[catalogIndex[name]].Prerequisites {
			if set[p] {
				inDegree[name]++
				dependents[p] = append(dependents[p], name)
			}
		}
	}

	emitted := make(map[string]bool, len(set))
	result := make([]string, 0, len(set))
	for len(result) < len(set) {
		next := ""
		for _, d := range catalog {
			if set[d.Name] && !emitted[d.Name] && inDegree[d.Name] == 0 {
				next = d.Name
				break
			}
		}
		if next == "" {
			return nil, ErrPrerequisiteCycle
		}
		emitted[next] = true
		result = append(result, next)
		for _, dep := range dependents[next] {
			inDegree[dep]--
		}
	}
	return result, nil
}

// DependentsOf returns every capability in within that transitively
// requires name, in catalog order.
func DependentsOf(name string, within map[string]bool) []string {
	affected := map[string]bool{name: true}
	changed := true
	for changed {
		changed = false
		for _, d := range catalog {
			if !within[d.Name] || affected[d.Name] {
				continue
			}
			for _, p := range d.Prerequisites {
				if affected[p] {
					affected[d.Name] = true
					changed = true
					break
				}
			}
		}
	}

	var out []string
	for _, d := range catalog {
		if d.Name != name && affected[d.Name] {
			out = append(out, d.Name)
		}
	}
	return out
}
