// Package resolver computes a safe, deterministic load order from the
// registry's manifest set.
//
// Resolution validates every dependency edge (existence and version range),
// checks host compatibility, then topologically sorts the remaining
// subgraph with Kahn's algorithm. Ties among independent plugins break by
// id ascending so load order is reproducible across runs. The resolver
// performs no loading; it returns an ordered plan plus typed per-plugin
// failures for the lifecycle manager to consume.
package resolver

import (
	"errors"
	"sort"

	"github.com/stencilworks/pluginhost/internal/registry"
	"github.com/stencilworks/pluginhost/internal/semver"
)

// Plan is the outcome of one resolution pass.
type Plan struct {
	// Order lists the plugins safe to load, every dependency before its
	// dependents.
	Order []string

	// Failed maps excluded plugin ids to their typed resolution failure.
	Failed map[string]error
}

// Options tune a resolution pass.
type Options struct {
	// HostVersion, when set, excludes plugins whose compatibility range
	// rejects it.
	HostVersion *semver.Version
}

// Resolve computes a load plan for the requested plugin ids against a
// registry snapshot. A nil or empty request resolves every registered
// plugin. Transitive dependencies of requested plugins join the plan
// automatically. The returned error joins all per-plugin failures; a plan
// with failures is still usable for the plugins in Order.
func Resolve(snap registry.Snapshot, requested []string, opts Options) (Plan, error) {
	plan := Plan{Failed: make(map[string]error)}

	available := func(id string) bool {
		enabled, tracked := snap.Enabled[id]
		return !tracked || enabled
	}

	if len(requested) == 0 {
		// Plugins marked unavailable are silently left out of a full
		// resolution; they only fail when something needs them.
		requested = make([]string, 0, len(snap.Manifests))
		for id := range snap.Manifests {
			if available(id) {
				requested = append(requested, id)
			}
		}
	}

	// Closure of requested ids over dependency edges. Unknown requested ids
	// fail immediately; unknown dependencies are handled per edge below so
	// the error names the dependent.
	selected := make(map[string]bool)
	var expand func(id string)
	expand = func(id string) {
		if selected[id] {
			return
		}
		m, ok := snap.Manifests[id]
		if !ok {
			return
		}
		selected[id] = true
		for _, dep := range m.Dependencies {
			expand(dep.ID)
		}
	}
	for _, id := range requested {
		if _, ok := snap.Manifests[id]; !ok {
			plan.Failed[id] = &MissingDependencyError{Dependent: id, Dependency: id}
			continue
		}
		expand(id)
	}

	// Edge validation: availability, existence, version range, host
	// compatibility.
	for id := range selected {
		m := snap.Manifests[id]

		if !available(id) {
			plan.Failed[id] = &DisabledError{Plugin: id}
			continue
		}

		if opts.HostVersion != nil && !m.CompatibleWith(*opts.HostVersion) {
			r, _ := semver.ParseRange(m.Compatibility)
			plan.Failed[id] = &HostIncompatibleError{
				Plugin:   id,
				Required: r,
				Host:     *opts.HostVersion,
			}
			continue
		}

		for _, dep := range m.Dependencies {
			target, ok := snap.Manifests[dep.ID]
			if !ok {
				plan.Failed[id] = &MissingDependencyError{Dependent: id, Dependency: dep.ID}
				break
			}
			if found := target.SemVersion(); !dep.Range.Satisfies(found) {
				plan.Failed[id] = &VersionMismatchError{
					Dependent:  id,
					Dependency: dep.ID,
					Required:   dep.Range,
					Found:      found,
				}
				break
			}
		}
	}

	// Propagate exclusions: a plugin whose dependency is excluded cannot
	// load either.
	propagateFailures(snap, selected, plan.Failed)

	// Topological sort of the surviving subgraph.
	order, leftovers := kahnSort(snap, selected, plan.Failed)
	plan.Order = order

	if len(leftovers) > 0 {
		markCycles(snap, leftovers, plan.Failed)
		// Anything still unexplained depends on a cycle without being on it.
		propagateFailures(snap, selected, plan.Failed)
	}

	var errs []error
	for _, id := range sortedKeys(plan.Failed) {
		errs = append(errs, plan.Failed[id])
	}
	return plan, errors.Join(errs...)
}

// propagateFailures marks every selected plugin that transitively depends
// on a failed one, until a fixed point.
func propagateFailures(snap registry.Snapshot, selected map[string]bool, failed map[string]error) {
	for changed := true; changed; {
		changed = false
		for id := range selected {
			if _, done := failed[id]; done {
				continue
			}
			for _, dep := range snap.Manifests[id].Dependencies {
				cause, bad := failed[dep.ID]
				if !bad {
					continue
				}
				failed[id] = &DependencyFailedError{
					Plugin:     id,
					Dependency: dep.ID,
					Cause:      cause,
				}
				changed = true
				break
			}
		}
	}
}

// kahnSort orders the healthy subgraph, dependencies first, breaking ties
// by id ascending. Returns the order and any nodes it could not place
// (cycle participants and their dependents).
func kahnSort(snap registry.Snapshot, selected map[string]bool, failed map[string]error) (order []string, leftovers []string) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string) // dependency -> dependents

	healthy := func(id string) bool {
		_, bad := failed[id]
		return selected[id] && !bad
	}

	for id := range selected {
		if !healthy(id) {
			continue
		}
		inDegree[id] += 0
		for _, dep := range snap.Manifests[id].Dependencies {
			if !healthy(dep.ID) {
				continue
			}
			inDegree[id]++
			dependents[dep.ID] = append(dependents[dep.ID], id)
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := dependents[id]
		sort.Strings(released)
		for _, dependent := range released {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	for id, deg := range inDegree {
		if deg > 0 {
			leftovers = append(leftovers, id)
		}
	}
	sort.Strings(leftovers)
	return order, leftovers
}

// markCycles finds the actual cycle among Kahn leftovers by DFS with a
// recursion stack, and marks every member with a CircularDependencyError
// naming the full cycle.
func markCycles(snap registry.Snapshot, leftovers []string, failed map[string]error) {
	inLeftovers := make(map[string]bool, len(leftovers))
	for _, id := range leftovers {
		inLeftovers[id] = true
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		stack = append(stack, id)

		deps := make([]string, 0)
		for _, dep := range snap.Manifests[id].Dependencies {
			if inLeftovers[dep.ID] {
				deps = append(deps, dep.ID)
			}
		}
		sort.Strings(deps)

		for _, dep := range deps {
			switch state[dep] {
			case unvisited:
				visit(dep)
			case inStack:
				// Found a cycle: everything from dep's stack position onward.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				cycleErr := &CircularDependencyError{Cycle: cycle}
				for _, member := range cycle {
					if _, exists := failed[member]; !exists {
						failed[member] = cycleErr
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, id := range leftovers {
		if state[id] == unvisited {
			visit(id)
		}
	}
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
