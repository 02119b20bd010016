// Package ir is the flat, serializable form of traced graphs exchanged with
// the tracer and stored in the database.
package ir

import (
	"linea/internal/graph"
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = "1"

// SourceCodeRecord is a SourceCode with its location flattened. Exactly one
// of Path or JupyterSessionID is set.
type SourceCodeRecord struct {
	ID                    string `json:"id" yaml:"id"`
	Code                  string `json:"code" yaml:"code"`
	Path                  string `json:"path,omitempty" yaml:"path,omitempty"`
	JupyterExecutionCount int    `json:"jupyter_execution_count,omitempty" yaml:"jupyter_execution_count,omitempty"`
	JupyterSessionID      string `json:"jupyter_session_id,omitempty" yaml:"jupyter_session_id,omitempty"`
}

// NodeRecord carries the fields of every node kind; only those of NodeType
// are set. Position fields are either all present or all absent.
type NodeRecord struct {
	ID        string `json:"id" yaml:"id"`
	SessionID string `json:"session_id" yaml:"session_id"`
	NodeType  string `json:"node_type" yaml:"node_type"`

	SourceCodeID string `json:"source_code_id,omitempty" yaml:"source_code_id,omitempty"`
	Lineno       *int   `json:"lineno,omitempty" yaml:"lineno,omitempty"`
	ColOffset    *int   `json:"col_offset,omitempty" yaml:"col_offset,omitempty"`
	EndLineno    *int   `json:"end_lineno,omitempty" yaml:"end_lineno,omitempty"`
	EndColOffset *int   `json:"end_col_offset,omitempty" yaml:"end_col_offset,omitempty"`

	// ArgumentNode
	Keyword         string `json:"keyword,omitempty" yaml:"keyword,omitempty"`
	PositionalOrder *int   `json:"positional_order,omitempty" yaml:"positional_order,omitempty"`
	ValueNodeID     string `json:"value_node_id,omitempty" yaml:"value_node_id,omitempty"`
	ValueLiteral    any    `json:"value_literal,omitempty" yaml:"value_literal,omitempty"`

	// CallNode
	Arguments  []string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	FunctionID string   `json:"function_id,omitempty" yaml:"function_id,omitempty"`

	// LiteralNode, and the runtime value of a CallNode
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// LookupNode and DataSourceNode
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ImportNode
	Library    *graph.Library    `json:"library,omitempty" yaml:"library,omitempty"`
	Alias      string            `json:"alias,omitempty" yaml:"alias,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// VariableNode
	SourceNodeID         string `json:"source_node_id,omitempty" yaml:"source_node_id,omitempty"`
	AssignedVariableName string `json:"assigned_variable_name,omitempty" yaml:"assigned_variable_name,omitempty"`

	// Loop, condition and definition black boxes
	OutputStateChangeNodes []string `json:"output_state_change_nodes,omitempty" yaml:"output_state_change_nodes,omitempty"`
	InputStateChangeNodes  []string `json:"input_state_change_nodes,omitempty" yaml:"input_state_change_nodes,omitempty"`
	ImportNodes            []string `json:"import_nodes,omitempty" yaml:"import_nodes,omitempty"`
	FunctionName           string   `json:"function_name,omitempty" yaml:"function_name,omitempty"`
	ClassName              string   `json:"class_name,omitempty" yaml:"class_name,omitempty"`

	// StateChangeNode
	VariableName        string `json:"variable_name,omitempty" yaml:"variable_name,omitempty"`
	AssociatedNodeID    string `json:"associated_node_id,omitempty" yaml:"associated_node_id,omitempty"`
	InitialValueNodeID  string `json:"initial_value_node_id,omitempty" yaml:"initial_value_node_id,omitempty"`
	StateDependencyType string `json:"state_dependency_type,omitempty" yaml:"state_dependency_type,omitempty"`

	// DataSourceNode
	StorageType string `json:"storage_type,omitempty" yaml:"storage_type,omitempty"`
	AccessPath  string `json:"access_path,omitempty" yaml:"access_path,omitempty"`
}

// Snapshot is one traced session: its context, sources, nodes and the
// artifacts saved from it.
type Snapshot struct {
	Version     string               `json:"version" yaml:"version"`
	Session     graph.SessionContext `json:"session" yaml:"session"`
	SourceCodes []SourceCodeRecord   `json:"source_codes" yaml:"source_codes"`
	Nodes       []NodeRecord         `json:"nodes" yaml:"nodes"`
	Artifacts   []graph.Artifact     `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}
