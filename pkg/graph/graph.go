package graph

import (
	"regexp"
	"strings"
	"time"

	"github.com/containerlru/vacuumd/pkg/engine"
	"golang.org/x/exp/maps"
)

// Build joins the three engine queries with the state store's records
// (spec §4.4):
//
//  1. Reconciles stored per-image timestamps against the live image
//     list: new images are bootstrapped (creation time on first_run,
//     wall-clock otherwise); records for images the engine no longer
//     knows about are dropped.
//  2. Marks every image referenced by any container, in any state, as
//     in-use, then propagates in-use up each parent chain.
//  3. Resolves keep patterns against each image's repo:tags, pinning
//     matches and all of their ancestors.
//
// It returns the built Graph, the reconciled image-id -> last-used map
// ready to be persisted by the caller, and the ids of any stored
// records dropped because the engine no longer knows about them.
func Build(
	images []engine.Image,
	containers []engine.Container,
	stored map[string]time.Time,
	firstRun bool,
	now time.Time,
	keepPatterns []*regexp.Regexp,
) (*Graph, map[string]time.Time, []string) {

	reconciled, dropped := reconcile(images, stored, firstRun, now)

	g := &Graph{
		Nodes:   make([]Node, len(images)),
		indexOf: make(map[string]int, len(images)),
	}
	for i, img := range images {
		g.indexOf[img.ID] = i
	}
	for i, img := range images {
		g.Nodes[i] = Node{
			ID:          img.ID,
			RepoTags:    img.RepoTags,
			CreatedAt:   img.CreatedAt,
			SizeBytes:   img.SizeBytes,
			LastUsed:    reconciled[img.ID],
			ParentIndex: g.indexOfOrNone(img.ParentID),
		}
	}

	g.buildChildren()
	g.markInUse(containers)
	g.markPinned(keepPatterns)

	return g, reconciled, dropped
}

// reconcile implements spec §4.4's per-image bootstrap/drop rules.
func reconcile(images []engine.Image, stored map[string]time.Time, firstRun bool, now time.Time) (map[string]time.Time, []string) {
	out := make(map[string]time.Time, len(images))

	for _, img := range images {
		if ts, ok := stored[img.ID]; ok {
			out[img.ID] = ts
			continue
		}

		if firstRun {
			out[img.ID] = img.CreatedAt
		} else {
			out[img.ID] = now
		}
	}

	var dropped []string
	for _, id := range maps.Keys(stored) {
		if _, stillLive := out[id]; !stillLive {
			dropped = append(dropped, id)
		}
	}

	return out, dropped
}

func (g *Graph) indexOfOrNone(id string) int {
	if id == "" {
		return -1
	}
	if idx, ok := g.indexOf[id]; ok {
		return idx
	}
	return -1
}

func (g *Graph) buildChildren() {
	g.children = make([][]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ParentIndex >= 0 {
			g.children[n.ParentIndex] = append(g.children[n.ParentIndex], i)
		}
	}
}

// Children returns the indices of idx's direct children.
func (g *Graph) Children(idx int) []int {
	return g.children[idx]
}

// markInUse sets InUse for every image directly referenced by a
// container (any state), then propagates it up each parent chain (spec
// §4.4 item 1: "in-use propagates up the parent chain").
func (g *Graph) markInUse(containers []engine.Container) {
	for _, c := range containers {
		idx, ok := g.indexOf[c.ImageID]
		if !ok {
			continue
		}
		g.propagateInUse(idx)
	}
}

func (g *Graph) propagateInUse(idx int) {
	for idx >= 0 && !g.Nodes[idx].InUse {
		g.Nodes[idx].InUse = true
		idx = g.Nodes[idx].ParentIndex
	}
}

// markPinned resolves every keep pattern against each node's
// repo:tags, pinning matches and propagating the pin to every ancestor
// (spec §4.4 item 2).
func (g *Graph) markPinned(keepPatterns []*regexp.Regexp) {
	if len(keepPatterns) == 0 {
		return
	}
	for i, n := range g.Nodes {
		if matchesAny(n.RepoTags, keepPatterns) {
			g.propagatePin(i)
		}
	}
}

func matchesAny(repoTags []string, patterns []*regexp.Regexp) bool {
	for _, rt := range repoTags {
		for _, p := range patterns {
			if p.MatchString(rt) {
				return true
			}
		}
	}
	return false
}

func (g *Graph) propagatePin(idx int) {
	for idx >= 0 && !g.Nodes[idx].Pinned {
		g.Nodes[idx].Pinned = true
		idx = g.Nodes[idx].ParentIndex
	}
}

// EffectiveTimestamp computes spec §4.4 item 3: a parent is never
// considered older than its newest descendant, so each node's effective
// timestamp is the maximum of its own last-used timestamp and the
// effective timestamp of every child, propagated up from the leaves.
// This guarantees effective(parent) >= effective(child) for every
// parent-child pair, which pkg/vacuum relies on to order deletions
// children-before-parents (the literal per-image timestamps alone do
// not give that guarantee). See DESIGN.md's "Open Question decisions"
// for why max-propagation (rather than treating the child term as a
// minimum-age floor) is the resolution here.
func (g *Graph) EffectiveTimestamp(idx int) time.Time {
	eff := g.Nodes[idx].LastUsed
	for _, child := range g.children[idx] {
		childEff := g.EffectiveTimestamp(child)
		if childEff.After(eff) {
			eff = childEff
		}
	}
	return eff
}

// Depth is the number of ancestors idx has (0 for a root or an image
// whose parent is unknown to this snapshot). Used as the
// children-before-parents tie-break in pkg/vacuum's ordering.
func (g *Graph) Depth(idx int) int {
	depth := 0
	for g.Nodes[idx].ParentIndex >= 0 {
		idx = g.Nodes[idx].ParentIndex
		depth++
	}
	return depth
}

// RepoTagString joins an image's repo:tags with commas. Keep-pattern
// matching does not use it: markPinned tests each repo:tag separately.
func RepoTagString(n Node) string {
	return strings.Join(n.RepoTags, ",")
}
