package graph

import (
	"container/heap"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

const ancestorCacheSize = 4096

// Edge is a dependency edge: To depends on From.
type Edge struct {
	From LineaID
	To   LineaID
}

// Graph is an immutable DAG of traced nodes for one session.
type Graph struct {
	nodes    map[LineaID]Node
	order    []LineaID
	parents  map[LineaID][]LineaID
	children map[LineaID][]LineaID
	session  *SessionContext

	ancestors *lru.Cache[LineaID, map[LineaID]struct{}]
}

// NewGraph indexes nodes and their dependency edges. References to ids
// outside nodes are dropped, which is how induced subgraphs are formed.
func NewGraph(nodes []Node, session *SessionContext) (*Graph, error) {
	cache, err := lru.New[LineaID, map[LineaID]struct{}](ancestorCacheSize)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:     make(map[LineaID]Node, len(nodes)),
		parents:   make(map[LineaID][]LineaID, len(nodes)),
		children:  make(map[LineaID][]LineaID, len(nodes)),
		session:   session,
		ancestors: cache,
	}

	for _, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("nil node: %w", ErrInvalidNode)
		}
		if _, exists := g.nodes[n.ID()]; exists {
			return nil, fmt.Errorf("node %s: %w", n.ID(), ErrDuplicate)
		}
		g.nodes[n.ID()] = n
	}

	for _, n := range nodes {
		seen := make(map[LineaID]bool)
		for _, dep := range n.Dependencies() {
			if _, ok := g.nodes[dep]; !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			g.parents[n.ID()] = append(g.parents[n.ID()], dep)
			g.children[dep] = append(g.children[dep], n.ID())
		}
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Session returns the session context the graph was built with.
func (g *Graph) Session() *SessionContext {
	return g.session
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id LineaID) bool {
	_, ok := g.nodes[id]
	return ok
}

// GetNode returns the node with the given id.
func (g *Graph) GetNode(id LineaID) (Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, nil
}

// Nodes returns every node in visit order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Parents returns the direct dependencies of id inside this graph.
func (g *Graph) Parents(id LineaID) []LineaID {
	return append([]LineaID(nil), g.parents[id]...)
}

// Children returns the nodes that directly depend on id.
func (g *Graph) Children(id LineaID) []LineaID {
	return append([]LineaID(nil), g.children[id]...)
}

// Edges returns all dependency edges, sorted for stable output.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for to, parents := range g.parents {
		for _, from := range parents {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From == edges[j].From {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})
	return edges
}

// VisitOrder returns a topological order of the node ids. Ties between
// ready nodes go to location-less nodes first, then to the earlier source
// position.
func (g *Graph) VisitOrder() []LineaID {
	return append([]LineaID(nil), g.order...)
}

// GetAncestors returns every node id id transitively depends on, excluding
// id itself, sorted by id.
func (g *Graph) GetAncestors(id LineaID) ([]LineaID, error) {
	set, err := g.AncestorSet(id)
	if err != nil {
		return nil, err
	}
	return SortedIDs(set), nil
}

// AncestorSet is GetAncestors as a set. The caller owns the returned map.
func (g *Graph) AncestorSet(id LineaID) (map[LineaID]struct{}, error) {
	if !g.Has(id) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	w := &ancestorWalk{g: g, memo: make(map[LineaID]map[LineaID]struct{}), onStack: make(map[LineaID]bool)}
	set, err := w.visit(id)
	if err != nil {
		return nil, err
	}
	out := make(map[LineaID]struct{}, len(set))
	for a := range set {
		out[a] = struct{}{}
	}
	return out, nil
}

// GetSubgraph returns the graph induced by ids, sharing the session context.
func (g *Graph) GetSubgraph(ids []LineaID) (*Graph, error) {
	nodes := make([]Node, 0, len(ids))
	seen := make(map[LineaID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, err := g.GetNode(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return NewGraph(nodes, g.session)
}

type ancestorWalk struct {
	g       *Graph
	memo    map[LineaID]map[LineaID]struct{}
	onStack map[LineaID]bool
	stack   []LineaID
}

func (w *ancestorWalk) visit(id LineaID) (map[LineaID]struct{}, error) {
	if set, ok := w.memo[id]; ok {
		return set, nil
	}
	if set, ok := w.g.ancestors.Get(id); ok {
		w.memo[id] = set
		return set, nil
	}
	if w.onStack[id] {
		return nil, w.cycleFrom(id)
	}

	w.onStack[id] = true
	w.stack = append(w.stack, id)

	set := make(map[LineaID]struct{})
	for _, p := range w.g.parents[id] {
		set[p] = struct{}{}
		up, err := w.visit(p)
		if err != nil {
			return nil, err
		}
		for a := range up {
			set[a] = struct{}{}
		}
	}

	w.stack = w.stack[:len(w.stack)-1]
	delete(w.onStack, id)
	w.memo[id] = set
	w.g.ancestors.Add(id, set)
	return set, nil
}

func (w *ancestorWalk) cycleFrom(id LineaID) error {
	start := 0
	for i, s := range w.stack {
		if s == id {
			start = i
			break
		}
	}
	path := make([]string, 0, len(w.stack)-start+1)
	for _, s := range w.stack[start:] {
		path = append(path, string(s))
	}
	path = append(path, string(id))
	return &CycleError{Path: path}
}

// topologicalOrder runs Kahn's algorithm with a priority queue ordered by
// nodeLess.
func (g *Graph) topologicalOrder() ([]LineaID, error) {
	indegree := make(map[LineaID]int, len(g.nodes))
	ready := &nodeHeap{}
	for id, n := range g.nodes {
		indegree[id] = len(g.parents[id])
		if indegree[id] == 0 {
			heap.Push(ready, n)
		}
	}

	order := make([]LineaID, 0, len(g.nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(Node)
		order = append(order, n.ID())
		for _, child := range g.children[n.ID()] {
			indegree[child]--
			if indegree[child] == 0 {
				heap.Push(ready, g.nodes[child])
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, g.findCycle(indegree)
	}
	return order, nil
}

// findCycle walks parent edges among the nodes Kahn's algorithm could not
// release until it revisits one.
func (g *Graph) findCycle(indegree map[LineaID]int) error {
	var start LineaID
	var stuck []LineaID
	for id, d := range indegree {
		if d > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
	if len(stuck) == 0 {
		return &CycleError{}
	}
	start = stuck[0]

	pos := make(map[LineaID]int)
	var path []LineaID
	cur := start
	for {
		if i, ok := pos[cur]; ok {
			cycle := make([]string, 0, len(path)-i+1)
			for _, id := range path[i:] {
				cycle = append(cycle, string(id))
			}
			cycle = append(cycle, string(cur))
			return &CycleError{Path: cycle}
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := LineaID("")
		for _, p := range g.parents[cur] {
			if indegree[p] > 0 {
				next = p
				break
			}
		}
		if next == "" {
			return &CycleError{Path: []string{string(start)}}
		}
		cur = next
	}
}

type nodeHeap []Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return nodeLess(h[i], h[j]) }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// SortedIDs returns the members of set in ascending order.
func SortedIDs(set map[LineaID]struct{}) []LineaID {
	out := make([]LineaID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
