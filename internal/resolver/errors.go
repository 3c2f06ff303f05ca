package resolver

import (
	"fmt"
	"strings"

	"github.com/stencilworks/pluginhost/internal/semver"
)

// CircularDependencyError reports a dependency cycle. Cycle holds every
// plugin id on the detected cycle, in walk order.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

// MissingDependencyError reports a dependency that is not registered.
type MissingDependencyError struct {
	Dependent  string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q requires %q which is not registered", e.Dependent, e.Dependency)
}

// DisabledError reports a plugin excluded because its registry entry is
// marked unavailable.
type DisabledError struct {
	Plugin string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("plugin %q is disabled in the registry", e.Plugin)
}

// VersionMismatchError reports a registered dependency whose version does
// not satisfy the dependent's required range.
type VersionMismatchError struct {
	Dependent  string
	Dependency string
	Required   semver.Range
	Found      semver.Version
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("plugin %q requires %q %s, found %s",
		e.Dependent, e.Dependency, e.Required, e.Found)
}

// HostIncompatibleError reports a plugin whose host-compatibility range
// rejects the running host version.
type HostIncompatibleError struct {
	Plugin   string
	Required semver.Range
	Host     semver.Version
}

func (e *HostIncompatibleError) Error() string {
	return fmt.Sprintf("plugin %q requires host %s, running %s",
		e.Plugin, e.Required, e.Host)
}

// DependencyFailedError marks a plugin excluded or failed because a
// required dependency was itself excluded from the plan or failed to load.
type DependencyFailedError struct {
	Plugin     string
	Dependency string
	Cause      error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("plugin %q: dependency %q unavailable: %v",
		e.Plugin, e.Dependency, e.Cause)
}

func (e *DependencyFailedError) Unwrap() error { return e.Cause }
