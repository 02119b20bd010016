package storage

import (
	"context"

	"linea/internal/collection"
	"linea/internal/graph"
	"linea/internal/ir"
)

// Store persists traced sessions and serves them back as graphs.
type Store interface {
	collection.Catalog
	SessionStore
	ArtifactStore
	Close() error
}

// SessionStore defines operations for persisting traced sessions.
type SessionStore interface {
	// SaveSnapshot replaces the stored copy of the snapshot's session.
	SaveSnapshot(ctx context.Context, snap *ir.Snapshot) error

	// GetSession retrieves a session context with its libraries.
	GetSession(ctx context.Context, id graph.LineaID) (*graph.SessionContext, error)
}

// ArtifactStore defines operations on versioned artifacts.
type ArtifactStore interface {
	// SaveArtifact stores a new artifact version.
	SaveArtifact(ctx context.Context, art graph.Artifact) (graph.Artifact, error)

	// ListArtifacts returns every artifact version.
	ListArtifacts(ctx context.Context) ([]graph.Artifact, error)
}

var _ Store = (*SQLiteStore)(nil)
