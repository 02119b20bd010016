// Package graphtest builds traced graphs from annotated scripts for tests.
//
// A Script records one node per operation the way a tracer would: literal
// and call nodes on the statement's line, a VariableNode per assignment,
// shared location-less LookupNodes for builtins and operators.
package graphtest

import (
	"fmt"
	"strings"
	"time"

	"linea/internal/graph"
)

// Expr builds the nodes of an expression and returns the id of its value.
type Expr struct {
	literal   any
	isLiteral bool
	build     func(s *Script, span Span) graph.LineaID
}

// Span is the line range of the statement being recorded.
type Span struct {
	Start, End int
}

// Script accumulates the nodes of one traced source file.
type Script struct {
	Session   *graph.SessionContext
	Source    *graph.SourceCode
	Artifacts []graph.Artifact

	lines   []string
	nodes   []graph.Node
	names   map[string]graph.LineaID
	lookups map[string]graph.LineaID
	seq     int
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewScript starts a script session whose source is code at path.
func NewScript(sessionID graph.LineaID, path, code string) *Script {
	return &Script{
		Session: &graph.SessionContext{
			ID:               sessionID,
			EnvironmentType:  graph.SessionScript,
			CreationTime:     epoch,
			WorkingDirectory: "/work",
		},
		Source: &graph.SourceCode{
			ID:       sessionID + "-src",
			Code:     code,
			Location: graph.FileLocation{Path: path},
		},
		lines:   strings.Split(code, "\n"),
		names:   make(map[string]graph.LineaID),
		lookups: make(map[string]graph.LineaID),
	}
}

// NewNotebook starts a Jupyter session; cells are added with Cell.
func NewNotebook(sessionID graph.LineaID) *Script {
	s := NewScript(sessionID, "", "")
	s.Session.EnvironmentType = graph.SessionJupyter
	s.Source = nil
	return s
}

// Cell switches recording to a new notebook cell.
func (s *Script) Cell(executionCount int, code string) *Script {
	s.Source = &graph.SourceCode{
		ID:       graph.LineaID(fmt.Sprintf("%s-cell-%d", s.Session.ID, executionCount)),
		Code:     code,
		Location: graph.JupyterCell{ExecutionCount: executionCount, SessionID: s.Session.ID},
	}
	s.lines = strings.Split(code, "\n")
	return s
}

func (s *Script) nextID() graph.LineaID {
	s.seq++
	return graph.LineaID(fmt.Sprintf("%s-%03d", s.Session.ID, s.seq))
}

func (s *Script) info(span Span) graph.NodeInfo {
	end := ""
	if span.End >= 1 && span.End <= len(s.lines) {
		end = s.lines[span.End-1]
	}
	return graph.NodeInfo{
		NodeID:  s.nextID(),
		Session: s.Session.ID,
		SourceLoc: &graph.SourceLocation{
			Lineno:       span.Start,
			ColOffset:    0,
			EndLineno:    span.End,
			EndColOffset: len(end),
			SourceCode:   s.Source,
		},
	}
}

func (s *Script) add(n graph.Node) graph.LineaID {
	s.nodes = append(s.nodes, n)
	return n.ID()
}

// ID returns the node currently bound to name.
func (s *Script) ID(name string) graph.LineaID {
	id, ok := s.names[name]
	if !ok {
		panic(fmt.Sprintf("graphtest: %q is not bound", name))
	}
	return id
}

// Import records `import name` (or `import name as alias`) on line.
func (s *Script) Import(line int, name, alias string) graph.LineaID {
	id := s.add(&graph.ImportNode{
		NodeInfo: s.info(Span{line, line}),
		Library:  graph.Library{ID: graph.LineaID("lib-" + name), Name: name, Version: "1.0"},
		Alias:    alias,
	})
	bound := name
	if alias != "" {
		bound = alias
	}
	s.names[bound] = id
	return id
}

// Assign records `name = expr` on one line and returns the VariableNode id.
func (s *Script) Assign(line int, name string, expr Expr) graph.LineaID {
	return s.AssignSpan(line, line, name, expr)
}

// AssignSpan records an assignment spanning several lines.
func (s *Script) AssignSpan(start, end int, name string, expr Expr) graph.LineaID {
	span := Span{start, end}
	value := expr.build(s, span)
	id := s.add(&graph.VariableNode{
		NodeInfo:             s.info(span),
		SourceNodeID:         value,
		AssignedVariableName: name,
	})
	s.names[name] = id
	return id
}

// AugAssign records `name op= expr`.
func (s *Script) AugAssign(line int, name, op string, expr Expr) graph.LineaID {
	return s.Assign(line, name, Call(op, Ref(name), expr))
}

// Stmt records an expression statement whose value is not bound.
func (s *Script) Stmt(line int, expr Expr) graph.LineaID {
	return expr.build(s, Span{line, line})
}

// Loop records a loop black box over lines start..end that reads and
// writes the given variables.
func (s *Script) Loop(start, end int, reads, writes []string) graph.LineaID {
	loop := &graph.LoopNode{NodeInfo: s.info(Span{start, end})}
	s.blackBox(loop, &loop.EffectSummary, reads, writes)
	return loop.ID()
}

// FunctionDef records `def name(...)` over lines start..end reading the
// given globals.
func (s *Script) FunctionDef(start, end int, name string, reads []string) graph.LineaID {
	def := &graph.FunctionDefinitionNode{NodeInfo: s.info(Span{start, end}), FunctionName: name}
	s.blackBox(def, &def.EffectSummary, reads, nil)
	s.names[name] = def.ID()
	return def.ID()
}

func (s *Script) blackBox(n graph.Node, effects *graph.EffectSummary, reads, writes []string) {
	for _, name := range reads {
		read := &graph.StateChangeNode{
			NodeInfo:            graph.NodeInfo{NodeID: s.nextID(), Session: s.Session.ID},
			VariableName:        name,
			InitialValueNodeID:  s.ID(name),
			StateDependencyType: graph.StateRead,
		}
		s.add(read)
		effects.Reads = append(effects.Reads, read.ID())
	}
	s.add(n)
	for _, name := range writes {
		write := &graph.StateChangeNode{
			NodeInfo:            graph.NodeInfo{NodeID: s.nextID(), Session: s.Session.ID},
			VariableName:        name,
			AssociatedNodeID:    n.ID(),
			StateDependencyType: graph.StateWrite,
		}
		if prev, ok := s.names[name]; ok {
			write.InitialValueNodeID = prev
		}
		s.add(write)
		effects.Writes = append(effects.Writes, write.ID())
		s.names[name] = write.ID()
	}
}

// Save tags the node bound to variable as artifact name.
func (s *Script) Save(name, variable string) graph.Artifact {
	art := graph.Artifact{
		Name:        name,
		Version:     1,
		NodeID:      s.ID(variable),
		SessionID:   s.Session.ID,
		DateCreated: epoch.Add(time.Duration(len(s.Artifacts)) * time.Second),
	}
	s.Artifacts = append(s.Artifacts, art)
	return art
}

// Artifact returns the recorded artifact called name.
func (s *Script) Artifact(name string) graph.Artifact {
	for _, a := range s.Artifacts {
		if a.Name == name {
			return a
		}
	}
	panic(fmt.Sprintf("graphtest: no artifact %q", name))
}

// Nodes returns the recorded nodes in creation order.
func (s *Script) Nodes() []graph.Node {
	return append([]graph.Node(nil), s.nodes...)
}

// Graph builds the session graph.
func (s *Script) Graph() (*graph.Graph, error) {
	return graph.NewGraph(s.Nodes(), s.Session)
}

// Lit is a literal value on the statement's line.
func Lit(v any) Expr {
	return Expr{literal: v, isLiteral: true, build: func(s *Script, span Span) graph.LineaID {
		return s.add(&graph.LiteralNode{NodeInfo: s.info(span), Value: v})
	}}
}

// Ref reads the current binding of name.
func Ref(name string) Expr {
	return Expr{build: func(s *Script, _ Span) graph.LineaID {
		return s.ID(name)
	}}
}

// Call applies a builtin or operator, resolved through a shared
// location-less LookupNode. Lit arguments are inlined as literal values.
func Call(fn string, args ...Expr) Expr {
	return Expr{build: func(s *Script, span Span) graph.LineaID {
		return s.call(span, s.lookup(fn), args)
	}}
}

// Method calls obj.attr(args...).
func Method(obj Expr, attr string, args ...Expr) Expr {
	return Expr{build: func(s *Script, span Span) graph.LineaID {
		fn := s.call(span, s.lookup("getattr"), []Expr{obj, Lit(attr)})
		return s.call(span, fn, args)
	}}
}

// Invoke calls a function bound in the script, such as a FunctionDef.
func Invoke(name string, args ...Expr) Expr {
	return Expr{build: func(s *Script, span Span) graph.LineaID {
		return s.call(span, s.ID(name), args)
	}}
}

func (s *Script) lookup(name string) graph.LineaID {
	if id, ok := s.lookups[name]; ok {
		return id
	}
	id := s.add(&graph.LookupNode{
		NodeInfo: graph.NodeInfo{NodeID: s.nextID(), Session: s.Session.ID},
		Name:     name,
	})
	s.lookups[name] = id
	return id
}

func (s *Script) call(span Span, fn graph.LineaID, args []Expr) graph.LineaID {
	argIDs := make([]graph.LineaID, 0, len(args))
	for i, arg := range args {
		order := i
		a := &graph.ArgumentNode{PositionalOrder: &order}
		if arg.isLiteral {
			a.ValueLiteral = arg.literal
		} else {
			a.ValueNodeID = arg.build(s, span)
		}
		a.NodeInfo = s.info(span)
		argIDs = append(argIDs, s.add(a))
	}
	return s.add(&graph.CallNode{
		NodeInfo:   s.info(span),
		Arguments:  argIDs,
		FunctionID: fn,
	})
}
