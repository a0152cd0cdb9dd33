// Package lineage tracks the content-addressed dependency graph linking
// artifacts to the steps that produced and consumed them, and computes the
// downstream subgraph that must be replayed when an artifact is proven
// invalid after the fact.
package lineage

import (
	"fmt"
	"sync"
	"time"

	"github.com/retrograph/retrograph/internal/engine"
)

// Graph is the append-only lineage record. Entries are never deleted, only
// marked invalidated. Reads are safe under concurrent use; writes are
// serialized through an internal mutex (the coordinator is the only writer
// in practice, but the discipline is enforced here rather than assumed).
type Graph struct {
	mu sync.RWMutex

	nodes map[string]*engine.LineageNode // artifact digest -> node
	// producedBy maps a step to every digest it has produced across
	// generations. Replay reuses it to walk consumer edges step-wise.
	producedBy map[string][]string
}

// NewGraph returns an empty lineage graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]*engine.LineageNode),
		producedBy: make(map[string][]string),
	}
}

// Record appends a production edge: stepID consumed the given input digests
// and produced outputDigest. Re-recording an existing digest bumps its
// generation and clears any invalidation mark (the artifact was re-derived).
func (g *Graph) Record(stepID string, inputDigests []string, outputDigest string) error {
	if stepID == "" || outputDigest == "" {
		return fmt.Errorf("lineage record requires step ID and output digest")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[outputDigest]
	if !ok {
		node = &engine.LineageNode{
			ArtifactDigest:  outputDigest,
			ProducingStepID: stepID,
			Generation:      1,
			RecordedAt:      time.Now().UTC(),
		}
		g.nodes[outputDigest] = node
		g.producedBy[stepID] = append(g.producedBy[stepID], outputDigest)
	} else {
		node.Generation++
		node.Invalidated = false
		node.RecordedAt = time.Now().UTC()
	}

	for _, in := range inputDigests {
		parent, ok := g.nodes[in]
		if !ok {
			// Brief-supplied input: record a root node so consumers of
			// external artifacts still show up in impact queries.
			parent = &engine.LineageNode{
				ArtifactDigest: in,
				Generation:     1,
				RecordedAt:     time.Now().UTC(),
			}
			g.nodes[in] = parent
		}
		if !containsString(parent.ConsumerStepIDs, stepID) {
			parent.ConsumerStepIDs = append(parent.ConsumerStepIDs, stepID)
		}
	}

	return nil
}

// ImpactedBy returns the transitive closure of step IDs that consumed the
// given digest, directly or through artifacts derived from it.
func (g *Graph) ImpactedBy(digest string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	// Content addressing permits cycles: a step that emits a payload
	// identical to its input creates a self-edge. Track walked digests so
	// the closure terminates.
	visited := make(map[string]bool)
	var order []string

	var walk func(d string)
	walk = func(d string) {
		if visited[d] {
			return
		}
		visited[d] = true
		node, ok := g.nodes[d]
		if !ok {
			return
		}
		for _, consumer := range node.ConsumerStepIDs {
			if !seen[consumer] {
				seen[consumer] = true
				order = append(order, consumer)
			}
			for _, out := range g.producedBy[consumer] {
				walk(out)
			}
		}
	}
	walk(digest)

	return order
}

// Invalidate marks the digest and everything derived from it as invalid.
// It returns the digests that were newly marked, most upstream first.
func (g *Graph) Invalidate(rootDigest string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var marked []string
	var walk func(d string)
	walk = func(d string) {
		node, ok := g.nodes[d]
		if !ok || node.Invalidated {
			return
		}
		node.Invalidated = true
		marked = append(marked, d)
		for _, consumer := range node.ConsumerStepIDs {
			for _, out := range g.producedBy[consumer] {
				walk(out)
			}
		}
	}
	walk(rootDigest)

	return marked
}

// Node returns a copy of the node for a digest, if recorded.
func (g *Graph) Node(digest string) (engine.LineageNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[digest]
	if !ok {
		return engine.LineageNode{}, false
	}
	cp := *node
	cp.ConsumerStepIDs = append([]string(nil), node.ConsumerStepIDs...)
	return cp, true
}

// ProducedBy returns every digest a step has produced, oldest first.
func (g *Graph) ProducedBy(stepID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.producedBy[stepID]...)
}

// Nodes returns a snapshot of all recorded nodes for persistence and audit.
func (g *Graph) Nodes() []engine.LineageNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]engine.LineageNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		cp := *node
		cp.ConsumerStepIDs = append([]string(nil), node.ConsumerStepIDs...)
		out = append(out, cp)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
