// Package refactor splits the nodes behind a set of artifacts from one
// session into non-overlapping collections and renders each collection as a
// Python function.
package refactor

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"linea/internal/graph"
)

// CollectionKind tells what a NodeCollection is for.
type CollectionKind int

const (
	// KindImport holds the import statements hoisted to module scope.
	KindImport CollectionKind = iota
	// KindCommon computes prerequisites shared with later artifacts.
	KindCommon
	// KindArtifact computes one artifact.
	KindArtifact
)

func (k CollectionKind) String() string {
	switch k {
	case KindImport:
		return "import"
	case KindCommon:
		return "common"
	case KindArtifact:
		return "artifact"
	}
	return fmt.Sprintf("CollectionKind(%d)", int(k))
}

// NodeCollection is a group of nodes emitted together as one function.
type NodeCollection struct {
	Kind CollectionKind
	// Name is the generated function name.
	Name string
	// ArtifactName is the artifact computed by a KindArtifact collection, or
	// the artifact a KindCommon collection was split off from.
	ArtifactName string
	// Variable is the Python name holding the artifact value.
	Variable string
	// Nodes are in graph visit order.
	Nodes      []graph.Node
	Parameters []string
	Returns    []string
}

// Reused reports whether the artifact was already computed by an earlier
// collection, so the collection has no function of its own.
func (c *NodeCollection) Reused() bool {
	return c.Kind == KindArtifact && len(c.Nodes) == 0
}

// SessionArtifacts is the partition of one session graph for a set of
// artifacts.
type SessionArtifacts struct {
	graph     *graph.Graph
	sessionID graph.LineaID
	artifacts []graph.Artifact

	imports     *NodeCollection
	collections []*NodeCollection

	logger *slog.Logger
}

// Option configures a SessionArtifacts.
type Option func(*SessionArtifacts)

// WithLogger sets the logger used for partition diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *SessionArtifacts) {
		if l != nil {
			s.logger = l
		}
	}
}

type target struct {
	artifact graph.Artifact
	anchor   graph.LineaID
	variable string
}

// NewSessionArtifacts partitions g for artifacts. All artifacts must belong
// to the session g was traced from.
func NewSessionArtifacts(g *graph.Graph, artifacts []graph.Artifact, opts ...Option) (*SessionArtifacts, error) {
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no artifacts to refactor: %w", graph.ErrInvalidSelector)
	}

	s := &SessionArtifacts{
		graph:     g,
		sessionID: artifacts[0].SessionID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	seen := make(map[string]bool, len(artifacts))
	safe := make(map[string]string, len(artifacts))
	for _, art := range artifacts {
		if art.SessionID != s.sessionID {
			return nil, fmt.Errorf("artifact %s in session %s, expected %s: %w", art.Name, art.SessionID, s.sessionID, graph.ErrSessionMismatch)
		}
		if seen[art.Name] {
			return nil, fmt.Errorf("artifact %s: %w", art.Name, graph.ErrDuplicate)
		}
		seen[art.Name] = true
		if prev, clash := safe[SafeName(art.Name)]; clash {
			return nil, fmt.Errorf("artifacts %q and %q both map to function name %s: %w", prev, art.Name, SafeName(art.Name), graph.ErrDuplicate)
		}
		safe[SafeName(art.Name)] = art.Name
	}
	if sess := g.Session(); sess != nil && sess.ID != s.sessionID {
		return nil, fmt.Errorf("graph of session %s given artifacts of session %s: %w", sess.ID, s.sessionID, graph.ErrSessionMismatch)
	}

	if err := s.partition(artifacts); err != nil {
		return nil, err
	}
	return s, nil
}

// SessionID returns the session all artifacts come from.
func (s *SessionArtifacts) SessionID() graph.LineaID { return s.sessionID }

// Graph returns the session graph.
func (s *SessionArtifacts) Graph() *graph.Graph { return s.graph }

// Artifacts returns the artifacts in the order they are computed.
func (s *SessionArtifacts) Artifacts() []graph.Artifact {
	return append([]graph.Artifact(nil), s.artifacts...)
}

// Imports returns the hoisted import collection.
func (s *SessionArtifacts) Imports() *NodeCollection { return s.imports }

// Collections returns the function collections in call order.
func (s *SessionArtifacts) Collections() []*NodeCollection {
	return append([]*NodeCollection(nil), s.collections...)
}

// FirstArtifactName returns the safe name of the first computed artifact.
func (s *SessionArtifacts) FirstArtifactName() string {
	for _, c := range s.collections {
		if c.Kind == KindArtifact {
			return SafeName(c.ArtifactName)
		}
	}
	return ""
}

func (s *SessionArtifacts) resolve(art graph.Artifact, pos map[graph.LineaID]int) (target, error) {
	n, err := s.graph.GetNode(art.NodeID)
	if err != nil {
		return target{}, fmt.Errorf("artifact %s: %w", art.Name, err)
	}
	if name := graph.BoundName(n); name != "" {
		return target{artifact: art, anchor: n.ID(), variable: name}, nil
	}

	// The artifact tags an expression; use the first variable bound to it.
	var best graph.Node
	for _, child := range s.graph.Children(n.ID()) {
		c, _ := s.graph.GetNode(child)
		if _, ok := c.(*graph.VariableNode); !ok {
			continue
		}
		if best == nil || pos[c.ID()] < pos[best.ID()] {
			best = c
		}
	}
	if best == nil {
		return target{}, fmt.Errorf("artifact %s: node %s is not bound to a variable: %w", art.Name, n.ID(), graph.ErrInvalidSelector)
	}
	return target{artifact: art, anchor: best.ID(), variable: graph.BoundName(best)}, nil
}

func (s *SessionArtifacts) partition(artifacts []graph.Artifact) error {
	order := s.graph.VisitOrder()
	pos := make(map[graph.LineaID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	targets := make([]target, 0, len(artifacts))
	for _, art := range artifacts {
		t, err := s.resolve(art, pos)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return pos[targets[i].anchor] < pos[targets[j].anchor]
	})

	owner := make(map[graph.LineaID]*NodeCollection)
	used := make(map[graph.LineaID]struct{})
	s.imports = &NodeCollection{Kind: KindImport, Name: "imports"}

	assign := func(c *NodeCollection, ids map[graph.LineaID]struct{}) {
		for id := range ids {
			n, _ := s.graph.GetNode(id)
			c.Nodes = append(c.Nodes, n)
			owner[id] = c
		}
	}

	for i, t := range targets {
		s.artifacts = append(s.artifacts, t.artifact)
		art := &NodeCollection{
			Kind:         KindArtifact,
			Name:         "get_" + SafeName(t.artifact.Name),
			ArtifactName: t.artifact.Name,
			Variable:     t.variable,
		}

		if _, done := used[t.anchor]; done {
			s.logger.Debug("artifact reuses an earlier computation",
				"artifact", t.artifact.Name, "node", t.anchor)
			s.collections = append(s.collections, art)
			continue
		}

		ancestors, err := s.graph.AncestorSet(t.anchor)
		if err != nil {
			return fmt.Errorf("artifact %s: %w", t.artifact.Name, err)
		}
		ancestors[t.anchor] = struct{}{}

		remaining := make(map[graph.LineaID]struct{})
		imports := make(map[graph.LineaID]struct{})
		for id := range ancestors {
			if _, ok := used[id]; ok {
				continue
			}
			n, _ := s.graph.GetNode(id)
			if _, ok := n.(*graph.ImportNode); ok {
				imports[id] = struct{}{}
				continue
			}
			remaining[id] = struct{}{}
		}
		assign(s.imports, imports)

		// A write belongs with its black box, wherever that was placed.
		for id := range remaining {
			box, ok := s.blackBoxOf(id)
			if !ok {
				continue
			}
			if o := owner[box]; o != nil && o.Kind != KindImport {
				assign(o, map[graph.LineaID]struct{}{id: {}})
				delete(remaining, id)
			}
		}

		if shared := s.sharedPrerequisites(t.anchor, remaining, used, targets[i+1:]); len(shared) > 0 {
			closure := make(map[graph.LineaID]struct{})
			for id := range shared {
				closure[id] = struct{}{}
				up, err := s.graph.AncestorSet(id)
				if err != nil {
					return err
				}
				for a := range up {
					if _, ok := remaining[a]; ok {
						closure[a] = struct{}{}
					}
				}
			}
			for id := range remaining {
				if box, ok := s.blackBoxOf(id); ok {
					if _, in := closure[box]; in {
						closure[id] = struct{}{}
					}
				}
			}
			common := &NodeCollection{Kind: KindCommon, ArtifactName: t.artifact.Name}
			assign(common, closure)
			for id := range closure {
				delete(remaining, id)
			}
			s.collections = append(s.collections, common)
		}

		assign(art, remaining)
		s.collections = append(s.collections, art)

		for id := range ancestors {
			used[id] = struct{}{}
		}
	}

	byPosition := func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return pos[nodes[i].ID()] < pos[nodes[j].ID()] })
	}
	byPosition(s.imports.Nodes)
	for _, c := range s.collections {
		byPosition(c.Nodes)
	}

	s.bindVariables(owner, targets)

	s.logger.Debug("partitioned session artifacts",
		"session", s.sessionID,
		"artifacts", len(targets),
		"collections", len(s.collections),
		"imports", len(s.imports.Nodes))
	return nil
}

// sharedPrerequisites returns the nodes of remaining that a later artifact
// reaches without going through anchor. Location-less nodes are kept only
// when they hang off another remaining node, so shared lookups do not drag
// code along with them.
func (s *SessionArtifacts) sharedPrerequisites(anchor graph.LineaID, remaining, used map[graph.LineaID]struct{}, later []target) map[graph.LineaID]struct{} {
	visited := make(map[graph.LineaID]bool)
	var stack []graph.LineaID
	for _, t := range later {
		stack = append(stack, t.anchor)
	}

	reached := make(map[graph.LineaID]struct{})
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] || id == anchor {
			continue
		}
		visited[id] = true
		if _, ok := used[id]; ok {
			continue
		}
		if _, ok := remaining[id]; ok {
			reached[id] = struct{}{}
		}
		stack = append(stack, s.graph.Parents(id)...)
	}

	shared := make(map[graph.LineaID]struct{})
	located := false
	for id := range reached {
		n, _ := s.graph.GetNode(id)
		if n.Location() != nil {
			shared[id] = struct{}{}
			located = true
			continue
		}
		for _, p := range s.graph.Parents(id) {
			if _, ok := remaining[p]; ok {
				shared[id] = struct{}{}
				break
			}
		}
	}
	if !located {
		return nil
	}
	return shared
}

// blackBoxOf returns the black box a state write comes from.
func (s *SessionArtifacts) blackBoxOf(id graph.LineaID) (graph.LineaID, bool) {
	n, _ := s.graph.GetNode(id)
	sc, ok := n.(*graph.StateChangeNode)
	if !ok || sc.StateDependencyType != graph.StateWrite || sc.AssociatedNodeID == "" {
		return "", false
	}
	return sc.AssociatedNodeID, true
}

// bindVariables infers parameters and return values from the edges that
// cross collections.
func (s *SessionArtifacts) bindVariables(owner map[graph.LineaID]*NodeCollection, targets []target) {
	params := make(map[*NodeCollection]map[string]struct{})
	consumed := make(map[*NodeCollection]map[string]struct{})
	add := func(m map[*NodeCollection]map[string]struct{}, c *NodeCollection, name string) {
		if m[c] == nil {
			m[c] = make(map[string]struct{})
		}
		m[c][name] = struct{}{}
	}

	for _, c := range s.collections {
		for _, n := range c.Nodes {
			for _, p := range s.graph.Parents(n.ID()) {
				o := owner[p]
				if o == nil || o == c || o.Kind == KindImport {
					continue
				}
				pn, _ := s.graph.GetNode(p)
				name := graph.BoundName(pn)
				if name == "" {
					if pn.Location() != nil {
						s.logger.Warn("dependency crosses functions without a variable name",
							"node", p, "type", pn.Type(), "function", c.Name)
					}
					continue
				}
				add(params, c, name)
				add(consumed, o, name)
			}
		}
	}
	for _, t := range targets {
		if o := owner[t.anchor]; o != nil {
			add(consumed, o, t.variable)
		}
	}

	for _, c := range s.collections {
		c.Parameters = sortedNames(params[c])
		names := consumed[c]
		if c.Kind == KindArtifact {
			if c.Reused() {
				continue
			}
			delete(names, c.Variable)
			c.Returns = append([]string{c.Variable}, sortedNames(names)...)
			continue
		}
		c.Returns = sortedNames(names)
		outputs := strings.Join(c.Returns, "_")
		if outputs == "" {
			outputs = "prerequisites"
		}
		c.Name = fmt.Sprintf("get_%s_for_artifact_%s_and_downstream", outputs, SafeName(c.ArtifactName))
	}
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SafeName turns an artifact name into a Python identifier fragment.
func SafeName(name string) string {
	safe := unsafeChars.ReplaceAllString(name, "_")
	if safe == "" || (safe[0] >= '0' && safe[0] <= '9') {
		safe = "_" + safe
	}
	return safe
}
