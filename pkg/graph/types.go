package graph

import "time"

// Node is one image in a vacuum's snapshot (spec §3, §4.4). Flat arrays
// with integer indices, recommended by spec §9 to avoid
// allocation-per-edge designs.
type Node struct {
	ID       string
	RepoTags []string

	CreatedAt time.Time
	SizeBytes int64

	// LastUsed is the reconciled per-image timestamp from the state
	// store (spec §4.4's reconciliation rules).
	LastUsed time.Time

	// InUse is true if any container, in any state, references this
	// image or one of its descendants (in-use propagates up the parent
	// chain).
	InUse bool

	// Pinned is true if a repo:tag of this image, or of one of its
	// descendants, matched a keep pattern (pins propagate to every
	// ancestor).
	Pinned bool

	// ParentIndex is the index of this node's parent in Graph.Nodes,
	// or -1 if it has none.
	ParentIndex int
}

// Graph is the transient, per-vacuum snapshot of spec §3/§4.4.
type Graph struct {
	Nodes    []Node
	indexOf  map[string]int
	children [][]int
}
