// Package generator renders generated pipelines as diagrams.
package generator

import (
	"fmt"
	"regexp"
	"strings"

	"linea/internal/collection"
	"linea/internal/refactor"
)

var nonIdentifier = regexp.MustCompile(`[^A-Za-z0-9_]`)

// MermaidGenerator creates flowcharts of generated pipeline functions.
type MermaidGenerator struct{}

// GeneratePipelineDiagram draws one subgraph per session, in the given
// order. Each function is a node; an edge labelled with a variable runs
// from the function returning it to every later function taking it as a
// parameter. Consecutive sessions are chained with dotted edges.
func (m *MermaidGenerator) GeneratePipelineDiagram(sessions []*refactor.SessionArtifacts) string {
	var sb strings.Builder
	sb.WriteString("```mermaid\n")
	sb.WriteString("graph TD\n")

	var prev string
	for _, sa := range sessions {
		sessionID := sanitizeMermaidID(collection.SessionFunctionName(sa))
		sb.WriteString(fmt.Sprintf("    subgraph %s[%q]\n", sessionID, collection.SessionFunctionName(sa)))

		provider := make(map[string]string)
		var edges []string
		for _, c := range sa.Collections() {
			if c.Reused() {
				continue
			}
			id := sanitizeMermaidID(string(sa.SessionID()) + "__" + c.Name)
			label := c.Name + "()"
			if c.Kind == refactor.KindArtifact {
				sb.WriteString(fmt.Sprintf("        %s([%q])\n", id, label))
			} else {
				sb.WriteString(fmt.Sprintf("        %s[%q]\n", id, label))
			}
			for _, p := range c.Parameters {
				if from, ok := provider[p]; ok {
					edges = append(edges, fmt.Sprintf("        %s -->|%s| %s\n", from, p, id))
				}
			}
			for _, r := range c.Returns {
				provider[r] = id
			}
		}
		for _, e := range edges {
			sb.WriteString(e)
		}
		sb.WriteString("    end\n")

		if prev != "" {
			sb.WriteString(fmt.Sprintf("    %s -.-> %s\n", prev, sessionID))
		}
		prev = sessionID
	}

	sb.WriteString("```\n")
	return sb.String()
}

func sanitizeMermaidID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "node"
	}
	v = nonIdentifier.ReplaceAllString(strings.ReplaceAll(v, "-", "_"), "_")
	if v[0] >= '0' && v[0] <= '9' {
		v = "n_" + v
	}
	return v
}
