// Package collection composes artifacts from several sessions into one
// pipeline module.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"linea/internal/graph"
	"linea/internal/refactor"
	"linea/internal/slice"

	"golang.org/x/sync/errgroup"
)

// maxSessionLoaders bounds concurrent session graph loads in New.
const maxSessionLoaders = 4

// ErrMissingArtifact is returned when a dependency names an artifact that is
// not part of the collection.
var ErrMissingArtifact = fmt.Errorf("missing artifact: %w", graph.ErrNotFound)

// Catalog resolves stored artifacts, session graphs and libraries. It must
// be safe for concurrent use.
type Catalog interface {
	// GetArtifact returns the artifact with the given name. Version 0 selects
	// the latest version.
	GetArtifact(ctx context.Context, name string, version int) (graph.Artifact, error)
	GetSessionGraph(ctx context.Context, sessionID graph.LineaID) (*graph.Graph, error)
	GetLibraries(ctx context.Context, sessionID graph.LineaID) ([]graph.Library, error)
}

// Ref selects an artifact by name and optional version.
type Ref struct {
	Name    string
	Version int
}

// ParseRef parses "name" or "name@version".
func ParseRef(s string) (Ref, error) {
	name, version, found := strings.Cut(s, "@")
	if name == "" {
		return Ref{}, fmt.Errorf("artifact reference %q: %w", s, graph.ErrInvalidSelector)
	}
	ref := Ref{Name: name}
	if found {
		v, err := strconv.Atoi(version)
		if err != nil || v < 1 {
			return Ref{}, fmt.Errorf("artifact reference %q: bad version: %w", s, graph.ErrInvalidSelector)
		}
		ref.Version = v
	}
	return ref, nil
}

// Dependencies maps an artifact name to the artifacts that must be computed
// before it.
type Dependencies map[string][]string

// ArtifactCollection holds one refactored SessionArtifacts per session.
type ArtifactCollection struct {
	catalog  Catalog
	sessions []*refactor.SessionArtifacts

	nodeOf    map[string]graph.LineaID
	sessionOf map[string]graph.LineaID

	logger *slog.Logger
}

// Option configures an ArtifactCollection.
type Option func(*ArtifactCollection)

// WithLogger sets the logger for the collection and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(c *ArtifactCollection) {
		if l != nil {
			c.logger = l
		}
	}
}

// New resolves refs through catalog and refactors each session's artifacts.
// Sessions keep the order in which their first artifact appears in refs.
func New(ctx context.Context, catalog Catalog, refs []Ref, opts ...Option) (*ArtifactCollection, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("no artifacts selected: %w", graph.ErrInvalidSelector)
	}

	c := &ArtifactCollection{
		catalog:   catalog,
		nodeOf:    make(map[string]graph.LineaID, len(refs)),
		sessionOf: make(map[string]graph.LineaID, len(refs)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var order []graph.LineaID
	bySession := make(map[graph.LineaID][]graph.Artifact)
	safeNames := make(map[string]string, len(refs))
	for _, ref := range refs {
		if ref.Name == "" {
			return nil, fmt.Errorf("empty artifact name: %w", graph.ErrInvalidSelector)
		}
		if _, dup := c.nodeOf[ref.Name]; dup {
			c.logger.Error("artifact selected twice", "artifact", ref.Name)
			return nil, fmt.Errorf("artifact %s: %w", ref.Name, graph.ErrDuplicate)
		}
		safe := refactor.SafeName(ref.Name)
		if prev, clash := safeNames[safe]; clash {
			return nil, fmt.Errorf("artifacts %q and %q both map to function name %s: %w", prev, ref.Name, safe, graph.ErrDuplicate)
		}
		safeNames[safe] = ref.Name
		art, err := catalog.GetArtifact(ctx, ref.Name, ref.Version)
		if err != nil {
			return nil, fmt.Errorf("retrieve artifact %s: %w", ref.Name, err)
		}
		c.nodeOf[ref.Name] = art.NodeID
		c.sessionOf[ref.Name] = art.SessionID
		if _, ok := bySession[art.SessionID]; !ok {
			order = append(order, art.SessionID)
		}
		bySession[art.SessionID] = append(bySession[art.SessionID], art)
	}

	c.sessions = make([]*refactor.SessionArtifacts, len(order))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxSessionLoaders)
	for i, sessionID := range order {
		eg.Go(func() error {
			g, err := catalog.GetSessionGraph(egCtx, sessionID)
			if err != nil {
				return fmt.Errorf("load session %s: %w", sessionID, err)
			}
			sa, err := refactor.NewSessionArtifacts(g, bySession[sessionID], refactor.WithLogger(c.logger))
			if err != nil {
				return fmt.Errorf("refactor session %s: %w", sessionID, err)
			}
			c.sessions[i] = sa
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	c.logger.Info("artifact collection ready",
		"artifacts", len(refs),
		"sessions", len(c.sessions))
	return c, nil
}

// Sessions returns the per-session partitions in insertion order.
func (c *ArtifactCollection) Sessions() []*refactor.SessionArtifacts {
	return append([]*refactor.SessionArtifacts(nil), c.sessions...)
}

// ProgramSlice returns the source lines needed to recompute the artifacts
// selected by refs. All of them must come from one session. The session is
// not partitioned, so any traced node can be sliced.
func ProgramSlice(ctx context.Context, catalog Catalog, refs []Ref) (string, error) {
	if len(refs) == 0 {
		return "", fmt.Errorf("no artifacts selected: %w", graph.ErrInvalidSelector)
	}
	var sessionID graph.LineaID
	sinks := make([]graph.LineaID, 0, len(refs))
	for i, ref := range refs {
		art, err := catalog.GetArtifact(ctx, ref.Name, ref.Version)
		if err != nil {
			return "", fmt.Errorf("retrieve artifact %s: %w", ref.Name, err)
		}
		if i == 0 {
			sessionID = art.SessionID
		} else if art.SessionID != sessionID {
			return "", fmt.Errorf("artifact %s in session %s, expected %s: %w", ref.Name, art.SessionID, sessionID, graph.ErrSessionMismatch)
		}
		sinks = append(sinks, art.NodeID)
	}
	g, err := catalog.GetSessionGraph(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return slice.GetProgramSlice(g, sinks)
}

type userEdge struct {
	from, to string
}

// edges flattens deps into prerequisite -> dependent pairs, sorted, after
// checking every name.
func (c *ArtifactCollection) edges(deps Dependencies) ([]userEdge, error) {
	var out []userEdge
	missing := make(map[string]struct{})
	check := func(name string) error {
		if name == "" {
			return fmt.Errorf("empty artifact name in dependencies: %w", graph.ErrInvalidSelector)
		}
		if _, ok := c.nodeOf[name]; !ok {
			missing[name] = struct{}{}
		}
		return nil
	}
	for to, froms := range deps {
		if err := check(to); err != nil {
			return nil, err
		}
		for _, from := range froms {
			if err := check(from); err != nil {
				return nil, err
			}
			out = append(out, userEdge{from: from, to: to})
		}
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("dependencies include artifacts not in this collection: %s: %w", strings.Join(names, ", "), ErrMissingArtifact)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].from == out[j].from {
			return out[i].to < out[j].to
		}
		return out[i].from < out[j].from
	})
	return out, nil
}

// SortSessionArtifacts orders the sessions so that every declared
// prerequisite is computed in the same or an earlier session.
func (c *ArtifactCollection) SortSessionArtifacts(deps Dependencies) ([]*refactor.SessionArtifacts, error) {
	edges, err := c.edges(deps)
	if err != nil {
		return nil, err
	}

	if err := c.checkAcyclic(edges); err != nil {
		return nil, err
	}

	index := make(map[graph.LineaID]int, len(c.sessions))
	for i, sa := range c.sessions {
		index[sa.SessionID()] = i
	}
	after := make([]map[int]bool, len(c.sessions))
	indegree := make([]int, len(c.sessions))
	for _, e := range edges {
		from, to := index[c.sessionOf[e.from]], index[c.sessionOf[e.to]]
		if from == to {
			continue
		}
		if after[from] == nil {
			after[from] = make(map[int]bool)
		}
		if !after[from][to] {
			after[from][to] = true
			indegree[to]++
		}
	}

	done := make([]bool, len(c.sessions))
	sorted := make([]*refactor.SessionArtifacts, 0, len(c.sessions))
	for len(sorted) < len(c.sessions) {
		next := -1
		for i := range c.sessions {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("sessions must be linearly ordered, but the declared dependencies go back and forth between sessions "+
				"(e.g. artifact A in session 1 -> artifact B in session 2 -> artifact C in session 1); "+
				"compute such artifacts in one session instead: %w", graph.ErrUnsupportedTopology)
		}
		done[next] = true
		sorted = append(sorted, c.sessions[next])
		for to := range after[next] {
			indegree[to]--
		}
	}
	return sorted, nil
}

// checkAcyclic looks for a cycle in the union of every session graph and
// the declared edges.
func (c *ArtifactCollection) checkAcyclic(edges []userEdge) error {
	adj := make(map[graph.LineaID][]graph.LineaID)
	declared := make(map[graph.Edge]string)
	var nodes []graph.LineaID
	for _, sa := range c.sessions {
		for _, n := range sa.Graph().Nodes() {
			nodes = append(nodes, n.ID())
		}
		for _, e := range sa.Graph().Edges() {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	for _, e := range edges {
		from, to := c.nodeOf[e.from], c.nodeOf[e.to]
		adj[from] = append(adj[from], to)
		declared[graph.Edge{From: from, To: to}] = e.from + " -> " + e.to
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[graph.LineaID]int, len(nodes))
	var stack []graph.LineaID
	var cycle []graph.LineaID

	var visit func(id graph.LineaID) bool
	visit = func(id graph.LineaID) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]graph.LineaID(nil), stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range nodes {
		if color[id] == white && visit(id) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	cerr := &graph.CycleError{}
	for i, id := range cycle {
		cerr.Path = append(cerr.Path, string(id))
		if i > 0 {
			if name, ok := declared[graph.Edge{From: cycle[i-1], To: id}]; ok {
				cerr.Edges = append(cerr.Edges, name)
			}
		}
	}
	c.logger.Error("declared dependencies form a cycle", "edges", cerr.Edges)
	return fmt.Errorf("check the declared dependencies for circular relationships: %w", cerr)
}
