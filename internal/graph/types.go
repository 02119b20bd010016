package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LineaID identifies a node, session, source code or library.
type LineaID string

// NewID returns a fresh random identifier.
func NewID() LineaID {
	return LineaID(uuid.NewString())
}

type NodeType string

const (
	NodeTypeArgument           NodeType = "ArgumentNode"
	NodeTypeCall               NodeType = "CallNode"
	NodeTypeLiteral            NodeType = "LiteralNode"
	NodeTypeLookup             NodeType = "LookupNode"
	NodeTypeImport             NodeType = "ImportNode"
	NodeTypeVariable           NodeType = "VariableNode"
	NodeTypeLoop               NodeType = "LoopNode"
	NodeTypeCondition          NodeType = "ConditionNode"
	NodeTypeFunctionDefinition NodeType = "FunctionDefinitionNode"
	NodeTypeClassDefinition    NodeType = "ClassDefinitionNode"
	NodeTypeStateChange        NodeType = "StateChangeNode"
	NodeTypeDataSource         NodeType = "DataSourceNode"
)

type SessionType string

const (
	SessionJupyter SessionType = "JUPYTER"
	SessionScript  SessionType = "SCRIPT"
	SessionStatic  SessionType = "STATIC"
)

type StorageType string

const (
	StorageLocalFileSystem StorageType = "LOCAL_FILE_SYSTEM"
	StorageS3              StorageType = "S3"
	StorageDatabase        StorageType = "DATABASE"
)

type StateDependencyType string

const (
	StateRead  StateDependencyType = "Read"
	StateWrite StateDependencyType = "Write"
)

// Library is a package imported during a session.
type Library struct {
	ID      LineaID `json:"id" yaml:"id"`
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version,omitempty" yaml:"version,omitempty"`
	Path    string  `json:"path,omitempty" yaml:"path,omitempty"`
}

// SessionContext describes one script run or notebook.
type SessionContext struct {
	ID               LineaID     `json:"id" yaml:"id"`
	EnvironmentType  SessionType `json:"environment_type" yaml:"environment_type"`
	CreationTime     time.Time   `json:"creation_time" yaml:"creation_time"`
	WorkingDirectory string      `json:"working_directory" yaml:"working_directory"`
	SessionName      string      `json:"session_name,omitempty" yaml:"session_name,omitempty"`
	UserName         string      `json:"user_name,omitempty" yaml:"user_name,omitempty"`
	Libraries        []Library   `json:"libraries,omitempty" yaml:"libraries,omitempty"`
}

// Artifact tags an existing node as a named, versioned output.
type Artifact struct {
	Name        string    `json:"name" yaml:"name"`
	Version     int       `json:"version" yaml:"version"`
	NodeID      LineaID   `json:"node_id" yaml:"node_id"`
	SessionID   LineaID   `json:"session_id" yaml:"session_id"`
	DateCreated time.Time `json:"date_created" yaml:"date_created"`
}

// SourceCodeLocation is either a FileLocation or a JupyterCell.
type SourceCodeLocation interface {
	isSourceCodeLocation()
}

type FileLocation struct {
	Path string
}

type JupyterCell struct {
	ExecutionCount int
	SessionID      LineaID
}

func (FileLocation) isSourceCodeLocation() {}
func (JupyterCell) isSourceCodeLocation()  {}

// SourceCode is the raw text of one executed file or cell.
type SourceCode struct {
	ID       LineaID
	Code     string
	Location SourceCodeLocation
}

// SourceLocation pins a node to a span of a SourceCode.
// Lineno is 1-indexed, ColOffset is 0-indexed.
type SourceLocation struct {
	Lineno       int
	ColOffset    int
	EndLineno    int
	EndColOffset int
	SourceCode   *SourceCode
}

// Node is one traced operation. The set of implementations is closed.
type Node interface {
	ID() LineaID
	SessionID() LineaID
	Type() NodeType
	Location() *SourceLocation
	// Dependencies lists the ids this node's definition references.
	Dependencies() []LineaID
	isNode()
}

// NodeInfo carries the fields shared by every node kind.
type NodeInfo struct {
	NodeID    LineaID
	Session   LineaID
	SourceLoc *SourceLocation
}

func (n NodeInfo) ID() LineaID               { return n.NodeID }
func (n NodeInfo) SessionID() LineaID        { return n.Session }
func (n NodeInfo) Location() *SourceLocation { return n.SourceLoc }
func (NodeInfo) isNode()                     {}

type ArgumentNode struct {
	NodeInfo
	Keyword         string
	PositionalOrder *int
	ValueNodeID     LineaID
	ValueLiteral    any
}

func (*ArgumentNode) Type() NodeType { return NodeTypeArgument }

func (n *ArgumentNode) Dependencies() []LineaID {
	if n.ValueNodeID == "" {
		return nil
	}
	return []LineaID{n.ValueNodeID}
}

// Validate checks the keyword/position and node/literal exclusivity rules.
func (n *ArgumentNode) Validate() error {
	hasKeyword := n.Keyword != ""
	hasPosition := n.PositionalOrder != nil
	if hasKeyword == hasPosition {
		return fmt.Errorf("argument %s: exactly one of keyword or positional order must be set: %w", n.NodeID, ErrInvalidNode)
	}
	hasRef := n.ValueNodeID != ""
	hasLiteral := n.ValueLiteral != nil
	if hasRef == hasLiteral {
		return fmt.Errorf("argument %s: exactly one of value node or literal must be set: %w", n.NodeID, ErrInvalidNode)
	}
	return nil
}

type CallNode struct {
	NodeInfo
	Arguments  []LineaID
	FunctionID LineaID
	Value      any
}

func (*CallNode) Type() NodeType { return NodeTypeCall }

func (n *CallNode) Dependencies() []LineaID {
	deps := make([]LineaID, 0, len(n.Arguments)+1)
	deps = append(deps, n.Arguments...)
	if n.FunctionID != "" {
		deps = append(deps, n.FunctionID)
	}
	return deps
}

type LiteralNode struct {
	NodeInfo
	Value any
}

func (*LiteralNode) Type() NodeType          { return NodeTypeLiteral }
func (*LiteralNode) Dependencies() []LineaID { return nil }

// LookupNode is a name resolved from builtins or the environment.
type LookupNode struct {
	NodeInfo
	Name string
}

func (*LookupNode) Type() NodeType          { return NodeTypeLookup }
func (*LookupNode) Dependencies() []LineaID { return nil }

type ImportNode struct {
	NodeInfo
	Library    Library
	Alias      string
	Attributes map[string]string
}

func (*ImportNode) Type() NodeType          { return NodeTypeImport }
func (*ImportNode) Dependencies() []LineaID { return nil }

// VariableNode binds AssignedVariableName to the value of SourceNodeID.
type VariableNode struct {
	NodeInfo
	SourceNodeID         LineaID
	AssignedVariableName string
}

func (*VariableNode) Type() NodeType { return NodeTypeVariable }

func (n *VariableNode) Dependencies() []LineaID {
	return []LineaID{n.SourceNodeID}
}

// EffectSummary is the declared state footprint of a black-box node.
type EffectSummary struct {
	Writes  []LineaID
	Reads   []LineaID
	Imports []LineaID
}

func (e EffectSummary) dependencies() []LineaID {
	deps := make([]LineaID, 0, len(e.Reads)+len(e.Imports))
	deps = append(deps, e.Reads...)
	return append(deps, e.Imports...)
}

// SideEffectsNode is implemented by loop, condition and definition black boxes.
type SideEffectsNode interface {
	Node
	Effects() EffectSummary
}

type LoopNode struct {
	NodeInfo
	EffectSummary
}

func (*LoopNode) Type() NodeType            { return NodeTypeLoop }
func (n *LoopNode) Dependencies() []LineaID { return n.dependencies() }
func (n *LoopNode) Effects() EffectSummary  { return n.EffectSummary }

type ConditionNode struct {
	NodeInfo
	EffectSummary
}

func (*ConditionNode) Type() NodeType            { return NodeTypeCondition }
func (n *ConditionNode) Dependencies() []LineaID { return n.dependencies() }
func (n *ConditionNode) Effects() EffectSummary  { return n.EffectSummary }

type FunctionDefinitionNode struct {
	NodeInfo
	EffectSummary
	FunctionName string
}

func (*FunctionDefinitionNode) Type() NodeType            { return NodeTypeFunctionDefinition }
func (n *FunctionDefinitionNode) Dependencies() []LineaID { return n.dependencies() }
func (n *FunctionDefinitionNode) Effects() EffectSummary  { return n.EffectSummary }

type ClassDefinitionNode struct {
	NodeInfo
	EffectSummary
	ClassName string
}

func (*ClassDefinitionNode) Type() NodeType            { return NodeTypeClassDefinition }
func (n *ClassDefinitionNode) Dependencies() []LineaID { return n.dependencies() }
func (n *ClassDefinitionNode) Effects() EffectSummary  { return n.EffectSummary }

// StateChangeNode records a variable read or written by a black box.
// A write depends on the black box, a read on the prior value.
type StateChangeNode struct {
	NodeInfo
	VariableName        string
	AssociatedNodeID    LineaID
	InitialValueNodeID  LineaID
	StateDependencyType StateDependencyType
}

func (*StateChangeNode) Type() NodeType { return NodeTypeStateChange }

func (n *StateChangeNode) Dependencies() []LineaID {
	switch n.StateDependencyType {
	case StateWrite:
		if n.AssociatedNodeID != "" {
			return []LineaID{n.AssociatedNodeID}
		}
	case StateRead:
		if n.InitialValueNodeID != "" {
			return []LineaID{n.InitialValueNodeID}
		}
	}
	return nil
}

type DataSourceNode struct {
	NodeInfo
	StorageType StorageType
	AccessPath  string
	Name        string
}

func (*DataSourceNode) Type() NodeType          { return NodeTypeDataSource }
func (*DataSourceNode) Dependencies() []LineaID { return nil }

// BoundName returns the variable name a node makes visible to later code,
// or "" if it binds nothing.
func BoundName(n Node) string {
	switch v := n.(type) {
	case *VariableNode:
		return v.AssignedVariableName
	case *FunctionDefinitionNode:
		return v.FunctionName
	case *ClassDefinitionNode:
		return v.ClassName
	case *StateChangeNode:
		if v.StateDependencyType == StateWrite {
			return v.VariableName
		}
	}
	return ""
}
