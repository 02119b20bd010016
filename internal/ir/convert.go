package ir

import (
	"fmt"

	"linea/internal/graph"
)

func ids(in []graph.LineaID) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

func lineaIDs(in []string) []graph.LineaID {
	if len(in) == 0 {
		return nil
	}
	out := make([]graph.LineaID, len(in))
	for i, id := range in {
		out[i] = graph.LineaID(id)
	}
	return out
}

func intPtr(v int) *int { return &v }

// FromSourceCode flattens a SourceCode.
func FromSourceCode(sc *graph.SourceCode) SourceCodeRecord {
	rec := SourceCodeRecord{ID: string(sc.ID), Code: sc.Code}
	switch l := sc.Location.(type) {
	case graph.FileLocation:
		rec.Path = l.Path
	case graph.JupyterCell:
		rec.JupyterExecutionCount = l.ExecutionCount
		rec.JupyterSessionID = string(l.SessionID)
	}
	return rec
}

// ToSourceCode restores a SourceCode.
func (r SourceCodeRecord) ToSourceCode() (*graph.SourceCode, error) {
	sc := &graph.SourceCode{ID: graph.LineaID(r.ID), Code: r.Code}
	switch {
	case r.ID == "":
		return nil, fmt.Errorf("source code without id: %w", graph.ErrInvalidNode)
	case r.Path != "" && r.JupyterSessionID != "":
		return nil, fmt.Errorf("source code %s: both file and cell location: %w", r.ID, graph.ErrInvalidNode)
	case r.JupyterSessionID != "":
		sc.Location = graph.JupyterCell{ExecutionCount: r.JupyterExecutionCount, SessionID: graph.LineaID(r.JupyterSessionID)}
	default:
		sc.Location = graph.FileLocation{Path: r.Path}
	}
	return sc, nil
}

// FromNode flattens a node.
func FromNode(n graph.Node) NodeRecord {
	rec := NodeRecord{
		ID:        string(n.ID()),
		SessionID: string(n.SessionID()),
		NodeType:  string(n.Type()),
	}
	if loc := n.Location(); loc != nil {
		if loc.SourceCode != nil {
			rec.SourceCodeID = string(loc.SourceCode.ID)
		}
		rec.Lineno = intPtr(loc.Lineno)
		rec.ColOffset = intPtr(loc.ColOffset)
		rec.EndLineno = intPtr(loc.EndLineno)
		rec.EndColOffset = intPtr(loc.EndColOffset)
	}

	switch v := n.(type) {
	case *graph.ArgumentNode:
		rec.Keyword = v.Keyword
		rec.PositionalOrder = v.PositionalOrder
		rec.ValueNodeID = string(v.ValueNodeID)
		rec.ValueLiteral = v.ValueLiteral
	case *graph.CallNode:
		rec.Arguments = ids(v.Arguments)
		rec.FunctionID = string(v.FunctionID)
		rec.Value = v.Value
	case *graph.LiteralNode:
		rec.Value = v.Value
	case *graph.LookupNode:
		rec.Name = v.Name
	case *graph.ImportNode:
		lib := v.Library
		rec.Library = &lib
		rec.Alias = v.Alias
		rec.Attributes = v.Attributes
	case *graph.VariableNode:
		rec.SourceNodeID = string(v.SourceNodeID)
		rec.AssignedVariableName = v.AssignedVariableName
	case *graph.LoopNode:
		setEffects(&rec, v.EffectSummary)
	case *graph.ConditionNode:
		setEffects(&rec, v.EffectSummary)
	case *graph.FunctionDefinitionNode:
		setEffects(&rec, v.EffectSummary)
		rec.FunctionName = v.FunctionName
	case *graph.ClassDefinitionNode:
		setEffects(&rec, v.EffectSummary)
		rec.ClassName = v.ClassName
	case *graph.StateChangeNode:
		rec.VariableName = v.VariableName
		rec.AssociatedNodeID = string(v.AssociatedNodeID)
		rec.InitialValueNodeID = string(v.InitialValueNodeID)
		rec.StateDependencyType = string(v.StateDependencyType)
	case *graph.DataSourceNode:
		rec.StorageType = string(v.StorageType)
		rec.AccessPath = v.AccessPath
		rec.Name = v.Name
	}
	return rec
}

func setEffects(rec *NodeRecord, e graph.EffectSummary) {
	rec.OutputStateChangeNodes = ids(e.Writes)
	rec.InputStateChangeNodes = ids(e.Reads)
	rec.ImportNodes = ids(e.Imports)
}

func (r NodeRecord) effects() graph.EffectSummary {
	return graph.EffectSummary{
		Writes:  lineaIDs(r.OutputStateChangeNodes),
		Reads:   lineaIDs(r.InputStateChangeNodes),
		Imports: lineaIDs(r.ImportNodes),
	}
}

func (r NodeRecord) location(sources map[graph.LineaID]*graph.SourceCode) (*graph.SourceLocation, error) {
	set := 0
	for _, p := range []*int{r.Lineno, r.ColOffset, r.EndLineno, r.EndColOffset} {
		if p != nil {
			set++
		}
	}
	switch {
	case set == 0 && r.SourceCodeID == "":
		return nil, nil
	case set != 4 || r.SourceCodeID == "":
		return nil, fmt.Errorf("node %s: position fields must be all present or all absent: %w", r.ID, graph.ErrInvalidNode)
	}
	sc, ok := sources[graph.LineaID(r.SourceCodeID)]
	if !ok {
		return nil, fmt.Errorf("node %s: source code %s: %w", r.ID, r.SourceCodeID, graph.ErrNotFound)
	}
	if *r.Lineno < 1 || *r.EndLineno < *r.Lineno {
		return nil, fmt.Errorf("node %s: lines %d-%d: %w", r.ID, *r.Lineno, *r.EndLineno, graph.ErrInvalidLocation)
	}
	return &graph.SourceLocation{
		Lineno:       *r.Lineno,
		ColOffset:    *r.ColOffset,
		EndLineno:    *r.EndLineno,
		EndColOffset: *r.EndColOffset,
		SourceCode:   sc,
	}, nil
}

// ToNode restores the node, resolving its source code through sources.
func (r NodeRecord) ToNode(sources map[graph.LineaID]*graph.SourceCode) (graph.Node, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("node without id: %w", graph.ErrInvalidNode)
	}
	loc, err := r.location(sources)
	if err != nil {
		return nil, err
	}
	info := graph.NodeInfo{NodeID: graph.LineaID(r.ID), Session: graph.LineaID(r.SessionID), SourceLoc: loc}

	switch graph.NodeType(r.NodeType) {
	case graph.NodeTypeArgument:
		n := &graph.ArgumentNode{
			NodeInfo:        info,
			Keyword:         r.Keyword,
			PositionalOrder: r.PositionalOrder,
			ValueNodeID:     graph.LineaID(r.ValueNodeID),
			ValueLiteral:    r.ValueLiteral,
		}
		if err := n.Validate(); err != nil {
			return nil, err
		}
		return n, nil
	case graph.NodeTypeCall:
		return &graph.CallNode{NodeInfo: info, Arguments: lineaIDs(r.Arguments), FunctionID: graph.LineaID(r.FunctionID), Value: r.Value}, nil
	case graph.NodeTypeLiteral:
		return &graph.LiteralNode{NodeInfo: info, Value: r.Value}, nil
	case graph.NodeTypeLookup:
		return &graph.LookupNode{NodeInfo: info, Name: r.Name}, nil
	case graph.NodeTypeImport:
		if r.Library == nil || r.Library.Name == "" {
			return nil, fmt.Errorf("import %s without library: %w", r.ID, graph.ErrInvalidNode)
		}
		return &graph.ImportNode{NodeInfo: info, Library: *r.Library, Alias: r.Alias, Attributes: r.Attributes}, nil
	case graph.NodeTypeVariable:
		if r.SourceNodeID == "" || r.AssignedVariableName == "" {
			return nil, fmt.Errorf("variable %s needs a source node and a name: %w", r.ID, graph.ErrInvalidNode)
		}
		return &graph.VariableNode{NodeInfo: info, SourceNodeID: graph.LineaID(r.SourceNodeID), AssignedVariableName: r.AssignedVariableName}, nil
	case graph.NodeTypeLoop:
		return &graph.LoopNode{NodeInfo: info, EffectSummary: r.effects()}, nil
	case graph.NodeTypeCondition:
		return &graph.ConditionNode{NodeInfo: info, EffectSummary: r.effects()}, nil
	case graph.NodeTypeFunctionDefinition:
		return &graph.FunctionDefinitionNode{NodeInfo: info, EffectSummary: r.effects(), FunctionName: r.FunctionName}, nil
	case graph.NodeTypeClassDefinition:
		return &graph.ClassDefinitionNode{NodeInfo: info, EffectSummary: r.effects(), ClassName: r.ClassName}, nil
	case graph.NodeTypeStateChange:
		dep := graph.StateDependencyType(r.StateDependencyType)
		if dep != graph.StateRead && dep != graph.StateWrite {
			return nil, fmt.Errorf("state change %s: dependency type %q: %w", r.ID, r.StateDependencyType, graph.ErrInvalidNode)
		}
		return &graph.StateChangeNode{
			NodeInfo:            info,
			VariableName:        r.VariableName,
			AssociatedNodeID:    graph.LineaID(r.AssociatedNodeID),
			InitialValueNodeID:  graph.LineaID(r.InitialValueNodeID),
			StateDependencyType: dep,
		}, nil
	case graph.NodeTypeDataSource:
		return &graph.DataSourceNode{NodeInfo: info, StorageType: graph.StorageType(r.StorageType), AccessPath: r.AccessPath, Name: r.Name}, nil
	}
	return nil, fmt.Errorf("node %s: unknown node type %q: %w", r.ID, r.NodeType, graph.ErrInvalidNode)
}

// NewSnapshot flattens a traced session. Source codes are collected from
// the node locations in first-seen order.
func NewSnapshot(session *graph.SessionContext, nodes []graph.Node, artifacts []graph.Artifact) *Snapshot {
	snap := &Snapshot{Version: SchemaVersion, Artifacts: artifacts}
	if session != nil {
		snap.Session = *session
	}
	seen := make(map[graph.LineaID]bool)
	for _, n := range nodes {
		if loc := n.Location(); loc != nil && loc.SourceCode != nil && !seen[loc.SourceCode.ID] {
			seen[loc.SourceCode.ID] = true
			snap.SourceCodes = append(snap.SourceCodes, FromSourceCode(loc.SourceCode))
		}
		snap.Nodes = append(snap.Nodes, FromNode(n))
	}
	return snap
}

// SourceMap restores every source code keyed by id.
func (s *Snapshot) SourceMap() (map[graph.LineaID]*graph.SourceCode, error) {
	sources := make(map[graph.LineaID]*graph.SourceCode, len(s.SourceCodes))
	for _, rec := range s.SourceCodes {
		sc, err := rec.ToSourceCode()
		if err != nil {
			return nil, err
		}
		if _, dup := sources[sc.ID]; dup {
			return nil, fmt.Errorf("source code %s: %w", sc.ID, graph.ErrDuplicate)
		}
		sources[sc.ID] = sc
	}
	return sources, nil
}

// Graph restores the session graph, validating every node.
func (s *Snapshot) Graph() (*graph.Graph, error) {
	sources, err := s.SourceMap()
	if err != nil {
		return nil, err
	}
	nodes := make([]graph.Node, 0, len(s.Nodes))
	for _, rec := range s.Nodes {
		if rec.SessionID == "" {
			rec.SessionID = string(s.Session.ID)
		}
		if graph.LineaID(rec.SessionID) != s.Session.ID {
			return nil, fmt.Errorf("node %s in session %s, snapshot of %s: %w", rec.ID, rec.SessionID, s.Session.ID, graph.ErrSessionMismatch)
		}
		n, err := rec.ToNode(sources)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	session := s.Session
	return graph.NewGraph(nodes, &session)
}
