package store

import "time"

// schemaVersion bumps whenever the on-disk document format changes
// incompatibly (spec §3, §4.2).
const schemaVersion = 1

// stateFileName is the fixed name of the state document; it does not
// change with schemaVersion, which is recorded inside the document.
const stateFileName = "vacuumd-state.yaml"

// State is the durable, versioned document described in spec §3.
type State struct {
	SchemaVersion int                  `yaml:"schema_version"`
	Images        map[string]time.Time `yaml:"images"`
	FirstRun      bool                 `yaml:"first_run"`
}

// LoadResult tells the caller which of the three load outcomes occurred,
// so the supervisor can log it (SPEC_FULL.md §3).
type LoadResult int

const (
	Loaded LoadResult = iota
	EmptyFirstRun
	DiscardedIncompatibleSchema
)

func (r LoadResult) String() string {
	switch r {
	case Loaded:
		return "loaded"
	case EmptyFirstRun:
		return "empty-first-run"
	case DiscardedIncompatibleSchema:
		return "discarded-incompatible-schema"
	default:
		return "unknown"
	}
}

func newEmptyState(firstRun bool) *State {
	return &State{
		SchemaVersion: schemaVersion,
		Images:        make(map[string]time.Time),
		FirstRun:      firstRun,
	}
}
