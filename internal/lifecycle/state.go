package lifecycle

// State is the lifecycle state of one plugin.
type State int

// Plugin states. Failed is terminal and reachable from any non-terminal
// state.
const (
	// StateDiscovered - manifest registered, not yet resolved.
	StateDiscovered State = iota

	// StateResolved - dependency and version validation passed.
	StateResolved

	// StateLoading - entry point is being invoked.
	StateLoading

	// StateLoaded - entry point succeeded; sandbox context is live.
	StateLoaded

	// StateEnabled - eligible for hook dispatch.
	StateEnabled

	// StateDisabled - loaded but excluded from hook dispatch.
	StateDisabled

	// StateUnloaded - entry point torn down, registrations purged.
	StateUnloaded

	// StateFailed - terminal error state.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateResolved:
		return "resolved"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsLoaded reports whether the plugin's entry point has run and its sandbox
// is live.
func (s State) IsLoaded() bool {
	return s == StateLoaded || s == StateEnabled || s == StateDisabled
}

// DispatchEligible reports whether the plugin's callbacks may fire. A
// disabled plugin keeps its registrations but is skipped at dispatch.
func (s State) DispatchEligible() bool {
	return s == StateLoaded || s == StateEnabled
}
