package ir

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"linea/internal/graph"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed snapshot.schema.json
var snapshotSchemaJSON []byte

var snapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("snapshot.schema.json", bytes.NewReader(snapshotSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("snapshot.schema.json")
})

// validateDocument checks a raw snapshot against the snapshot schema. YAML
// is brought to its JSON shape first.
func validateDocument(data []byte, format Format) error {
	schema, err := snapshotSchema()
	if err != nil {
		return fmt.Errorf("compile snapshot schema: %w", err)
	}

	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode yaml snapshot: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("decode yaml snapshot: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", format, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("snapshot does not match schema: %w", err)
	}
	return nil
}

// Format is a snapshot encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the format from a file extension; anything but .json is
// read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// DecodeSnapshot reads one snapshot. The document is checked against the
// snapshot schema, unknown fields are rejected and a missing session id is
// generated.
func DecodeSnapshot(r io.Reader, format Format) (*Snapshot, error) {
	if format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := validateDocument(data, format); err != nil {
		return nil, err
	}

	var snap Snapshot
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode json snapshot: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&snap); err != nil {
			return nil, fmt.Errorf("decode yaml snapshot: %w", err)
		}
	}
	if snap.Version == "" {
		snap.Version = SchemaVersion
	}
	if snap.Version != SchemaVersion {
		return nil, fmt.Errorf("snapshot version %s, want %s", snap.Version, SchemaVersion)
	}
	if snap.Session.ID == "" {
		snap.Session.ID = graph.NewID()
	}
	for i := range snap.Artifacts {
		if snap.Artifacts[i].SessionID == "" {
			snap.Artifacts[i].SessionID = snap.Session.ID
		}
	}
	return &snap, nil
}

// LoadSnapshot reads a snapshot file.
func LoadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeSnapshot(f, FormatOf(path))
}

// EncodeSnapshot writes snap in the given format.
func EncodeSnapshot(w io.Writer, snap *Snapshot, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown snapshot format %q", format)
}
