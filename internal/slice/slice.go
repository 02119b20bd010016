// Package slice reconstructs the source code needed to recompute a set of
// sink nodes.
package slice

import (
	"fmt"
	"sort"
	"strings"

	"linea/internal/graph"
)

// GetSliceGraph returns the subgraph made of the sinks and all their
// ancestors.
func GetSliceGraph(g *graph.Graph, sinks []graph.LineaID) (*graph.Graph, error) {
	keep := make(map[graph.LineaID]struct{}, len(sinks))
	for _, sink := range sinks {
		ancestors, err := g.AncestorSet(sink)
		if err != nil {
			return nil, fmt.Errorf("slice sink %s: %w", sink, err)
		}
		keep[sink] = struct{}{}
		for id := range ancestors {
			keep[id] = struct{}{}
		}
	}
	return g.GetSubgraph(graph.SortedIDs(keep))
}

// GetSourceCodeFromGraph returns every source line touched by a node of g.
// Sources are ordered with graph.SourceCodeLess, lines ascend within a
// source, and each emitted line ends with a newline.
//
// Selection is per physical line: a node covering part of a line pulls in
// the whole line, including any unrelated statement sharing it.
func GetSourceCodeFromGraph(g *graph.Graph) (string, error) {
	return SourceLines(g.Nodes())
}

// SourceLines is GetSourceCodeFromGraph over an explicit node list.
func SourceLines(nodes []graph.Node) (string, error) {
	lines := make(map[graph.LineaID]map[int]struct{})
	var sources []*graph.SourceCode

	for _, n := range nodes {
		loc := n.Location()
		if loc == nil || loc.SourceCode == nil {
			continue
		}
		set, ok := lines[loc.SourceCode.ID]
		if !ok {
			set = make(map[int]struct{})
			lines[loc.SourceCode.ID] = set
			sources = append(sources, loc.SourceCode)
		}
		for l := loc.Lineno; l <= loc.EndLineno; l++ {
			set[l] = struct{}{}
		}
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return graph.SourceCodeLess(sources[i], sources[j])
	})

	var sb strings.Builder
	for _, src := range sources {
		code := strings.Split(src.Code, "\n")
		numbers := make([]int, 0, len(lines[src.ID]))
		for l := range lines[src.ID] {
			numbers = append(numbers, l)
		}
		sort.Ints(numbers)
		for _, l := range numbers {
			if l < 1 || l > len(code) {
				return "", fmt.Errorf("source %s line %d of %d: %w", src.ID, l, len(code), graph.ErrInvalidLocation)
			}
			sb.WriteString(code[l-1])
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// GetProgramSlice returns the source text that recomputes sinks.
func GetProgramSlice(g *graph.Graph, sinks []graph.LineaID) (string, error) {
	sub, err := GetSliceGraph(g, sinks)
	if err != nil {
		return "", err
	}
	return GetSourceCodeFromGraph(sub)
}
