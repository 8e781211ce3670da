// Package deporder orders named jobs so that every job runs after the jobs it depends on.
package deporder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycleDetected is matched by every *CycleError.
var ErrCycleDetected = errors.New("dependency cycle detected")

// CycleError carries the path that closed the cycle, e.g. [a b c a].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected.Error(), strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// Members returns the distinct names taking part in the cycle.
func (e *CycleError) Members() []string {
	if len(e.Path) <= 1 {
		return e.Path
	}
	return e.Path[:len(e.Path)-1]
}

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

// Resolve returns requested in dependency order. Dependencies that were not requested are ignored,
// not pulled in. Roots and dependencies are walked lexicographically so equal inputs give equal output.
func Resolve(deps map[string][]string, requested []string) ([]string, error) {
	universe := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		universe[name] = struct{}{}
	}

	roots := make([]string, 0, len(universe))
	for name := range universe {
		roots = append(roots, name)
	}
	sort.Strings(roots)

	state := make(map[string]visitState, len(universe))
	order := make([]string, 0, len(universe))
	path := make([]string, 0, len(universe))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case inProgress:
			return &CycleError{Path: closeCycle(path, name)}
		}

		state[name] = inProgress
		path = append(path, name)

		for _, dep := range sortedDeps(deps[name], universe) {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, root := range roots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}

	return order, nil
}

func sortedDeps(deps []string, universe map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if _, ok := universe[dep]; !ok {
			continue
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func closeCycle(path []string, reentered string) []string {
	start := 0
	for i, name := range path {
		if name == reentered {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(path)-start+1)
	cycle = append(cycle, path[start:]...)
	return append(cycle, reentered)
}
