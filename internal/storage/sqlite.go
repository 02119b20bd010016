package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"linea/internal/graph"
	"linea/internal/ir"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates or opens a SQLite database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			environment_type TEXT NOT NULL,
			creation_time DATETIME NOT NULL,
			working_directory TEXT,
			session_name TEXT,
			user_name TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS libraries (
			id TEXT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			version TEXT,
			path TEXT,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS source_code (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			path TEXT,
			jupyter_execution_count INTEGER,
			jupyter_session_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			node_type TEXT NOT NULL,
			source_code_id TEXT REFERENCES source_code(id),
			lineno INTEGER,
			col_offset INTEGER,
			end_lineno INTEGER,
			end_col_offset INTEGER,
			details JSON NOT NULL,
			CHECK (
				(lineno IS NULL AND col_offset IS NULL AND end_lineno IS NULL AND end_col_offset IS NULL AND source_code_id IS NULL)
				OR (lineno IS NOT NULL AND col_offset IS NOT NULL AND end_lineno IS NOT NULL AND end_col_offset IS NOT NULL AND source_code_id IS NOT NULL)
			)
		);`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			node_id TEXT NOT NULL REFERENCES nodes(id),
			session_id TEXT NOT NULL REFERENCES sessions(id),
			date_created DATETIME NOT NULL,
			PRIMARY KEY (name, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// --- Tracer input ---

// SaveSnapshot stores a traced session with its nodes and artifacts,
// replacing any earlier copy of the same session. The snapshot must form a
// valid graph.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *ir.Snapshot) error {
	if _, err := snap.Graph(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess := snap.Session
	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		return err
	}

	// 1. Session and libraries
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, environment_type, creation_time, working_directory, session_name, user_name)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.EnvironmentType, sess.CreationTime.UTC(), sess.WorkingDirectory, sess.SessionName, sess.UserName); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	libs := libraries(snap)
	for _, lib := range libs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO libraries (id, session_id, name, version, path) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id, id) DO NOTHING
		`, lib.ID, sess.ID, lib.Name, lib.Version, lib.Path); err != nil {
			return fmt.Errorf("save library %s: %w", lib.Name, err)
		}
	}

	// 2. Source code
	srcStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO source_code (id, code, path, jupyter_execution_count, jupyter_session_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code=excluded.code,
			path=excluded.path,
			jupyter_execution_count=excluded.jupyter_execution_count,
			jupyter_session_id=excluded.jupyter_session_id
	`)
	if err != nil {
		return err
	}
	defer srcStmt.Close()

	for _, sc := range snap.SourceCodes {
		if _, err := srcStmt.ExecContext(ctx, sc.ID, sc.Code, nullString(sc.Path), nullInt(sc.JupyterExecutionCount, sc.JupyterSessionID != ""), nullString(sc.JupyterSessionID)); err != nil {
			return fmt.Errorf("save source code %s: %w", sc.ID, err)
		}
	}

	// 3. Nodes
	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (id, session_id, node_type, source_code_id, lineno, col_offset, end_lineno, end_col_offset, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()

	for _, rec := range snap.Nodes {
		if rec.SessionID == "" {
			rec.SessionID = string(sess.ID)
		}
		details, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", rec.ID, err)
		}
		if _, err := nodeStmt.ExecContext(ctx, rec.ID, rec.SessionID, rec.NodeType, nullString(rec.SourceCodeID),
			rec.Lineno, rec.ColOffset, rec.EndLineno, rec.EndColOffset, details); err != nil {
			return fmt.Errorf("save node %s: %w", rec.ID, err)
		}
	}

	// 4. Artifacts
	for _, art := range snap.Artifacts {
		art.SessionID = sess.ID
		if _, err := saveArtifact(ctx, tx, art); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// libraries merges the session's declared libraries with those of its
// import nodes.
func libraries(snap *ir.Snapshot) []graph.Library {
	var out []graph.Library
	seen := make(map[graph.LineaID]bool)
	add := func(lib graph.Library) {
		if lib.ID == "" {
			lib.ID = graph.LineaID(lib.Name)
		}
		if seen[lib.ID] {
			return
		}
		seen[lib.ID] = true
		out = append(out, lib)
	}
	for _, lib := range snap.Session.Libraries {
		add(lib)
	}
	for _, rec := range snap.Nodes {
		if rec.Library != nil {
			add(*rec.Library)
		}
	}
	return out
}

// --- Artifacts ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveArtifact stores art. A zero Version becomes the next version of the
// name; a zero DateCreated becomes now.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, art graph.Artifact) (graph.Artifact, error) {
	return saveArtifact(ctx, s.db, art)
}

func saveArtifact(ctx context.Context, db execer, art graph.Artifact) (graph.Artifact, error) {
	if art.Name == "" {
		return art, fmt.Errorf("artifact without name: %w", graph.ErrInvalidSelector)
	}
	var sessionID graph.LineaID
	err := db.QueryRowContext(ctx, `SELECT session_id FROM nodes WHERE id = ?`, art.NodeID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return art, fmt.Errorf("artifact %s: node %s: %w", art.Name, art.NodeID, graph.ErrNotFound)
	}
	if err != nil {
		return art, err
	}
	if art.SessionID == "" {
		art.SessionID = sessionID
	}
	if art.SessionID != sessionID {
		return art, fmt.Errorf("artifact %s: node %s belongs to session %s: %w", art.Name, art.NodeID, sessionID, graph.ErrSessionMismatch)
	}

	if art.Version == 0 {
		if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE name = ?`, art.Name).Scan(&art.Version); err != nil {
			return art, err
		}
	}
	if art.DateCreated.IsZero() {
		art.DateCreated = time.Now()
	}
	art.DateCreated = art.DateCreated.UTC()

	_, err = db.ExecContext(ctx, `
		INSERT INTO artifacts (name, version, node_id, session_id, date_created) VALUES (?, ?, ?, ?, ?)
	`, art.Name, art.Version, art.NodeID, art.SessionID, art.DateCreated)
	if err != nil {
		return art, fmt.Errorf("artifact %s version %d: %w: %v", art.Name, art.Version, graph.ErrDuplicate, err)
	}
	return art, nil
}

// GetArtifact returns the named artifact; version 0 selects the latest.
func (s *SQLiteStore) GetArtifact(ctx context.Context, name string, version int) (graph.Artifact, error) {
	query := `SELECT name, version, node_id, session_id, date_created FROM artifacts WHERE name = ? ORDER BY version DESC LIMIT 1`
	args := []any{name}
	if version > 0 {
		query = `SELECT name, version, node_id, session_id, date_created FROM artifacts WHERE name = ? AND version = ?`
		args = append(args, version)
	}

	var art graph.Artifact
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&art.Name, &art.Version, &art.NodeID, &art.SessionID, &art.DateCreated)
	if errors.Is(err, sql.ErrNoRows) {
		if version > 0 {
			return art, fmt.Errorf("artifact %s version %d: %w", name, version, graph.ErrNotFound)
		}
		return art, fmt.Errorf("artifact %s: %w", name, graph.ErrNotFound)
	}
	return art, err
}

// ListArtifacts returns every stored artifact version by name.
func (s *SQLiteStore) ListArtifacts(ctx context.Context) ([]graph.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, version, node_id, session_id, date_created FROM artifacts ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []graph.Artifact
	for rows.Next() {
		var art graph.Artifact
		if err := rows.Scan(&art.Name, &art.Version, &art.NodeID, &art.SessionID, &art.DateCreated); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, art)
	}
	return out, rows.Err()
}

// --- Sessions ---

// GetSession returns a session context with its libraries.
func (s *SQLiteStore) GetSession(ctx context.Context, id graph.LineaID) (*graph.SessionContext, error) {
	var sess graph.SessionContext
	var name, user, wd sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, environment_type, creation_time, working_directory, session_name, user_name FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.EnvironmentType, &sess.CreationTime, &wd, &name, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, graph.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.WorkingDirectory, sess.SessionName, sess.UserName = wd.String, name.String, user.String

	libs, err := s.GetLibraries(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Libraries = libs
	return &sess, nil
}

// GetLibraries lists the libraries imported in a session.
func (s *SQLiteStore) GetLibraries(ctx context.Context, sessionID graph.LineaID) ([]graph.Library, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, version, path FROM libraries WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Library
	for rows.Next() {
		var lib graph.Library
		var version, path sql.NullString
		if err := rows.Scan(&lib.ID, &lib.Name, &version, &path); err != nil {
			return nil, err
		}
		lib.Version, lib.Path = version.String, path.String
		out = append(out, lib)
	}
	return out, rows.Err()
}

// GetSessionGraph rebuilds the graph of a session.
func (s *SQLiteStore) GetSessionGraph(ctx context.Context, sessionID graph.LineaID) (*graph.Graph, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := &ir.Snapshot{Version: ir.SchemaVersion, Session: *sess}

	// 1. Source code referenced by the session's nodes
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, path, jupyter_execution_count, jupyter_session_id FROM source_code
		WHERE id IN (SELECT DISTINCT source_code_id FROM nodes WHERE session_id = ?)
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query source code: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec ir.SourceCodeRecord
		var path, cellSession sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Code, &path, &count, &cellSession); err != nil {
			return nil, fmt.Errorf("failed to scan source code: %w", err)
		}
		rec.Path, rec.JupyterExecutionCount, rec.JupyterSessionID = path.String, int(count.Int64), cellSession.String
		snap.SourceCodes = append(snap.SourceCodes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 2. Nodes
	nodeRows, err := s.db.QueryContext(ctx, `SELECT details FROM nodes WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer nodeRows.Close()
	for nodeRows.Next() {
		var details []byte
		if err := nodeRows.Scan(&details); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		var rec ir.NodeRecord
		if err := json.Unmarshal(details, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		snap.Nodes = append(snap.Nodes, rec)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, err
	}

	return snap.Graph()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int, valid bool) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: valid}
}
