// Package graph holds the traced operation graph of a session.
//
// A Graph is built once from a set of nodes and is read-only afterwards.
// Dependency edges are not stored on nodes; they are derived from the ids
// each node references and indexed when the graph is constructed.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the graph, slicer, refactorer and collection.
var (
	// ErrNotFound is returned when a node, artifact or session id is absent.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an id or artifact name appears twice.
	ErrDuplicate = errors.New("duplicate")

	// ErrCycleDetected is returned when dependency edges form a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrUnsupportedTopology is returned when sessions depend on each other
	// circularly and cannot be linearly ordered.
	ErrUnsupportedTopology = errors.New("unsupported topology")

	// ErrInvalidSelector is returned for malformed artifact or dependency input.
	ErrInvalidSelector = errors.New("invalid selector")

	// ErrSessionMismatch is returned when artifacts from different sessions
	// are refactored together.
	ErrSessionMismatch = errors.New("artifacts belong to different sessions")

	// ErrInvalidNode is returned when a node violates its field invariants.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidLocation is returned when a source location points outside
	// its source code.
	ErrInvalidLocation = errors.New("invalid source location")
)

// CycleError reports the nodes on a detected cycle.
type CycleError struct {
	// Path lists the cycle, starting and ending on the same id.
	Path []string
	// Edges names the edges on the cycle that were declared by the caller,
	// if any.
	Edges []string
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
	if len(e.Edges) > 0 {
		msg += fmt.Sprintf(" (declared edges: %s)", strings.Join(e.Edges, ", "))
	}
	return msg
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }
